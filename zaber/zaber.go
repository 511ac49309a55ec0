/*Package zaber speaks the Zaber ASCII protocol to X-series stage
controllers.

Commands look like "/1 1 move abs 10000" and replies like
"@01 1 OK IDLE -- 0".  The driver converts between microsteps and user
units with a scale fixed at construction, and surfaces the IDLE/BUSY field
as a busy flag so the motion supervisor can prefer it over position
stability.
*/
package zaber

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/hilab/pmctl/comm"
)

// ReplyError is a rejected ("RJ") or malformed reply from the device.
type ReplyError struct {
	Cmd    string
	Reason string
}

func (e ReplyError) Error() string {
	return fmt.Sprintf("zaber: command %q rejected: %s", e.Cmd, e.Reason)
}

// Reply is one parsed device reply.
type Reply struct {
	Address int
	Scope   int
	OK      bool
	Busy    bool
	Warning string
	Data    string
}

// ParseReply parses a raw reply line (terminator already stripped).
func ParseReply(raw string) (Reply, error) {
	var r Reply
	fields := strings.Fields(raw)
	if len(fields) < 5 || !strings.HasPrefix(fields[0], "@") {
		return r, fmt.Errorf("zaber: malformed reply %q", raw)
	}
	addr, err := strconv.Atoi(strings.TrimPrefix(fields[0], "@"))
	if err != nil {
		return r, fmt.Errorf("zaber: malformed address in reply %q", raw)
	}
	scope, err := strconv.Atoi(fields[1])
	if err != nil {
		return r, fmt.Errorf("zaber: malformed scope in reply %q", raw)
	}
	r.Address = addr
	r.Scope = scope
	switch fields[2] {
	case "OK":
		r.OK = true
	case "RJ":
		r.OK = false
	default:
		return r, fmt.Errorf("zaber: unknown reply flag %q in %q", fields[2], raw)
	}
	switch fields[3] {
	case "BUSY":
		r.Busy = true
	case "IDLE":
		r.Busy = false
	default:
		return r, fmt.Errorf("zaber: unknown status %q in %q", fields[3], raw)
	}
	r.Warning = fields[4]
	if len(fields) > 5 {
		r.Data = strings.Join(fields[5:], " ")
	}
	return r, nil
}

// Controller talks to one daisy chain of Zaber devices.  It satisfies the
// stage Controller, Busyer and Speeder surfaces; addresses are the decimal
// device numbers on the chain.
type Controller struct {
	pool *comm.Pool

	// Scale is microsteps per user unit (e.g. per mm).
	Scale float64
	// SpeedScale is maxspeed counts per (user unit / s).
	SpeedScale float64

	timeout time.Duration
}

// NewController returns a Controller communicating over connections from
// maker.  scale converts microsteps to user units; speedScale likewise for
// maxspeed.
func NewController(maker comm.CreationFunc, scale, speedScale float64) *Controller {
	return &Controller{
		pool:       comm.NewPool(1, 30*time.Second, maker),
		Scale:      scale,
		SpeedScale: speedScale,
		timeout:    3 * time.Second,
	}
}

// NewControllerTCP returns a Controller over TCP, e.g. for a terminal
// server port.
func NewControllerTCP(addr string, scale, speedScale float64) *Controller {
	return NewController(comm.BackingOffTCPConnMaker(addr, 3*time.Second), scale, speedScale)
}

// NewControllerSerial returns a Controller over the serial port at path
// with the X-series default settings.
func NewControllerSerial(path string, scale, speedScale float64) *Controller {
	conf := &serial.Config{
		Name:        path,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 3 * time.Second,
	}
	return NewController(comm.SerialConnMaker(conf), scale, speedScale)
}

// writeRead sends one command and returns the parsed reply, enforcing the
// OK flag.
func (c *Controller) writeRead(cmd string) (Reply, error) {
	conn, err := c.pool.Get()
	if err != nil {
		return Reply{}, err
	}
	wrap, err := comm.NewTimeout(conn, c.timeout)
	if err != nil && err != comm.ErrTimeoutUnsupported {
		c.pool.ReturnWithError(conn, err)
		return Reply{}, err
	}
	wrap = comm.NewTerminator(wrap, '\n', '\n')
	_, err = io.WriteString(wrap, cmd)
	if err != nil {
		c.pool.ReturnWithError(conn, err)
		return Reply{}, err
	}
	buf := make([]byte, 128)
	n, err := wrap.Read(buf)
	c.pool.ReturnWithError(conn, err)
	if err != nil {
		return Reply{}, err
	}
	r, err := ParseReply(string(buf[:n]))
	if err != nil {
		return Reply{}, err
	}
	if !r.OK {
		return r, ReplyError{Cmd: cmd, Reason: r.Data}
	}
	return r, nil
}

func (c *Controller) command(addr string, verb string) (Reply, error) {
	return c.writeRead("/" + addr + " " + verb)
}

// GetPos returns the position of addr in user units.
func (c *Controller) GetPos(addr string) (float64, error) {
	r, err := c.command(addr, "get pos")
	if err != nil {
		return 0, err
	}
	steps, err := strconv.ParseFloat(r.Data, 64)
	if err != nil {
		return 0, fmt.Errorf("zaber: non-numeric position %q: %w", r.Data, err)
	}
	return steps / c.Scale, nil
}

// MoveAbs moves addr to pos in user units.
func (c *Controller) MoveAbs(addr string, pos float64) error {
	_, err := c.command(addr, fmt.Sprintf("move abs %d", int64(pos*c.Scale)))
	return err
}

// MoveRel moves addr by delta user units.
func (c *Controller) MoveRel(addr string, delta float64) error {
	_, err := c.command(addr, fmt.Sprintf("move rel %d", int64(delta*c.Scale)))
	return err
}

// Home homes addr.
func (c *Controller) Home(addr string) error {
	_, err := c.command(addr, "home")
	return err
}

// Stop decelerates addr to a stop.
func (c *Controller) Stop(addr string) error {
	_, err := c.command(addr, "stop")
	return err
}

// Busy reports whether addr is moving, from the status field of an empty
// command (a status ping).
func (c *Controller) Busy(addr string) (bool, error) {
	r, err := c.writeRead("/" + addr)
	if err != nil {
		return false, err
	}
	return r.Busy, nil
}

// SetVelocity sets the maxspeed of addr, v in user units per second.
func (c *Controller) SetVelocity(addr string, v float64) error {
	_, err := c.command(addr, fmt.Sprintf("set maxspeed %d", int64(v*c.SpeedScale)))
	return err
}

// GetVelocity returns the maxspeed of addr in user units per second.
func (c *Controller) GetVelocity(addr string) (float64, error) {
	r, err := c.command(addr, "get maxspeed")
	if err != nil {
		return 0, err
	}
	counts, err := strconv.ParseFloat(r.Data, 64)
	if err != nil {
		return 0, fmt.Errorf("zaber: non-numeric maxspeed %q: %w", r.Data, err)
	}
	return counts / c.SpeedScale, nil
}
