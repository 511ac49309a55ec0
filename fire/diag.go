package fire

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"github.com/brandondube/ringo"

	"github.com/hilab/pmctl/gpio"
)

// diag records one sample per tick into parallel ring buffers while
// enabled.  Dumping is rare and operator initiated, so the buffers are
// simply walked and written as CSV.
type diag struct {
	enabled bool
	n       int // samples recorded; the rings report a zero row when empty

	times   ringo.CircleTime
	mode    ringo.CircleF64
	trig    ringo.CircleF64
	armed   ringo.CircleF64
	shutter ringo.CircleF64
	camera  ringo.CircleF64
	spec    ringo.CircleF64
}

func newDiag(capacity int) *diag {
	d := &diag{}
	d.times.Init(capacity)
	d.mode.Init(capacity)
	d.trig.Init(capacity)
	d.armed.Init(capacity)
	d.shutter.Init(capacity)
	d.camera.Init(capacity)
	d.spec.Init(capacity)
	return d
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func levelF(l gpio.Level) float64 {
	switch l {
	case gpio.High:
		return 1
	case gpio.Low:
		return 0
	default:
		return -1
	}
}

func (d *diag) record(t time.Time, mode Mode, trig gpio.Level, armed bool, out gpio.Outputs) {
	if !d.enabled {
		return
	}
	d.n++
	d.times.Append(t)
	d.mode.Append(float64(mode))
	d.trig.Append(levelF(trig))
	d.armed.Append(boolF(armed))
	d.shutter.Append(boolF(out.Shutter))
	d.camera.Append(boolF(out.Camera))
	d.spec.Append(boolF(out.Spectrometer))
}

// dump writes the ring contents as CSV, oldest sample first.
func (d *diag) dump(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"time", "mode", "trigger", "armed", "shutter", "camera", "spectrometer"}); err != nil {
		return err
	}
	if d.n == 0 {
		return nil
	}
	var (
		times  = d.times.Contiguous()
		modes  = d.mode.Contiguous()
		trigs  = d.trig.Contiguous()
		armeds = d.armed.Contiguous()
		shuts  = d.shutter.Contiguous()
		cams   = d.camera.Contiguous()
		specs  = d.spec.Contiguous()
	)
	for i := range times {
		row := []string{
			times[i].Format(time.RFC3339Nano),
			Mode(int(modes[i])).String(),
			strconv.FormatFloat(trigs[i], 'f', 0, 64),
			strconv.FormatFloat(armeds[i], 'f', 0, 64),
			strconv.FormatFloat(shuts[i], 'f', 0, 64),
			strconv.FormatFloat(cams[i], 'f', 0, 64),
			strconv.FormatFloat(specs[i], 'f', 0, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
