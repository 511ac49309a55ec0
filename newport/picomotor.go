package newport

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/hilab/pmctl/comm"
)

func serConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 3 * time.Second,
	}
}

// Picomotor is an 8742 open-loop picomotor controller.  It satisfies the
// stage Controller, Busyer and Speeder surfaces; addresses are axis
// numbers 1-4.  Positions are in steps, the 8742 has no encoder.
type Picomotor struct {
	pool    *comm.Pool
	timeout time.Duration

	// Handshaking appends TE? to every exchange so controller faults
	// surface as errors.  On by default; turn off only for raw throughput.
	Handshaking bool
}

// NewPicomotor makes a Picomotor at addr, a serial device path when
// connectSerial is true, otherwise host:port.
func NewPicomotor(addr string, connectSerial bool) *Picomotor {
	var maker comm.CreationFunc
	if connectSerial {
		maker = comm.SerialConnMaker(serConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 1*time.Second)
	}
	return &Picomotor{
		pool:        comm.NewPool(1, time.Minute, maker),
		timeout:     3 * time.Second,
		Handshaking: true,
	}
}

// lease wraps a pooled connection with a per-exchange deadline and the
// 8742 framing.  Serial lines have no deadline support and lean on the
// driver's read timeout instead.
func (p *Picomotor) lease(conn io.ReadWriter) (io.ReadWriter, error) {
	wrap, err := comm.NewTimeout(conn, p.timeout)
	if err == comm.ErrTimeoutUnsupported {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return comm.NewTerminator(wrap, RxTerm, TxTerm), nil
}

func (p *Picomotor) writeOnly(cmd string) error {
	conn, err := p.pool.Get()
	if err != nil {
		return err
	}
	defer func() { p.pool.ReturnWithError(conn, err) }()
	wrap, err := p.lease(conn)
	if err != nil {
		return err
	}
	_, err = io.WriteString(wrap, cmd)
	if err != nil {
		return err
	}
	if !p.Handshaking {
		return nil
	}
	_, err = io.WriteString(wrap, "TE?")
	if err != nil {
		return err
	}
	buf := make([]byte, 10)
	n, err := wrap.Read(buf)
	if err != nil {
		return err
	}
	i, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return err
	}
	err = decodeError(i)
	return err
}

func (p *Picomotor) writeRead(cmd string) (string, error) {
	conn, err := p.pool.Get()
	if err != nil {
		return "", err
	}
	defer func() { p.pool.ReturnWithError(conn, err) }()
	wrap, err := p.lease(conn)
	if err != nil {
		return "", err
	}
	if p.Handshaking {
		cmd += ";TE?"
	}
	_, err = io.WriteString(wrap, cmd)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 256)
	n, err := wrap.Read(buf)
	if err != nil {
		return "", err
	}
	resp := string(buf[:n])
	if !p.Handshaking {
		return resp, nil
	}
	pieces := strings.SplitN(resp, ";", 2)
	if len(pieces) != 2 {
		return "", fmt.Errorf("newport: error query appended to %q but reply %q carries no error field", cmd, resp)
	}
	i, err := strconv.Atoi(strings.TrimSpace(pieces[1]))
	if err != nil {
		return "", err
	}
	err = decodeError(i)
	if err != nil {
		return "", err
	}
	return pieces[0], nil
}

func (p *Picomotor) readFloat(cmd string) (float64, error) {
	raw, err := p.writeRead(cmd)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}

// GetPos returns the position of an axis in steps (TP?).
func (p *Picomotor) GetPos(axis string) (float64, error) {
	return p.readFloat(axis + "TP?")
}

// MoveAbs moves an axis to an absolute step position (PA).
func (p *Picomotor) MoveAbs(axis string, pos float64) error {
	return p.writeOnly(fmt.Sprintf("%sPA%d", axis, int64(pos)))
}

// MoveRel moves an axis a relative number of steps (PR).
func (p *Picomotor) MoveRel(axis string, delta float64) error {
	return p.writeOnly(fmt.Sprintf("%sPR%d", axis, int64(delta)))
}

// Home runs the home search (OR).  The zero position is left alone
// afterward so repeatability is not thrown away.
func (p *Picomotor) Home(axis string) error {
	return p.writeOnly(axis + "OR")
}

// Stop stops an axis with the programmed deceleration (ST).
func (p *Picomotor) Stop(axis string) error {
	return p.writeOnly(axis + "ST")
}

// Busy reports whether the axis is still moving (MD?, which answers 1
// when motion is done).
func (p *Picomotor) Busy(axis string) (bool, error) {
	raw, err := p.writeRead(axis + "MD?")
	if err != nil {
		return false, err
	}
	done := strings.TrimSpace(raw) == "1"
	return !done, nil
}

// SetVelocity sets the axis velocity in steps/s (VA).
func (p *Picomotor) SetVelocity(axis string, v float64) error {
	return p.writeOnly(fmt.Sprintf("%sVA%d", axis, int64(v)))
}

// GetVelocity returns the axis velocity in steps/s (VA?).
func (p *Picomotor) GetVelocity(axis string) (float64, error) {
	return p.readFloat(axis + "VA?")
}
