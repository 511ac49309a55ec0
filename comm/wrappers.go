package comm

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"
)

// ErrTimeoutUnsupported is returned by NewTimeout when the underlying
// stream has no deadline support (e.g. a serial port, which carries its own
// read timeout in its config).
var ErrTimeoutUnsupported = errors.New("comm: stream does not support deadlines")

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

type timeoutRW struct {
	rw io.ReadWriter
	d  deadliner
	t  time.Duration
}

// NewTimeout wraps rw so every Read and Write refreshes a deadline of t.
// If rw cannot set deadlines, the original stream and
// ErrTimeoutUnsupported are returned; serial ports fall into this bucket
// and are fine, their timeout lives in the port config.
func NewTimeout(rw io.ReadWriter, t time.Duration) (io.ReadWriter, error) {
	if d, ok := rw.(deadliner); ok {
		return &timeoutRW{rw: rw, d: d, t: t}, nil
	}
	if c, ok := rw.(net.Conn); ok {
		return &timeoutRW{rw: rw, d: c, t: t}, nil
	}
	return rw, ErrTimeoutUnsupported
}

func (t *timeoutRW) Read(p []byte) (int, error) {
	t.d.SetReadDeadline(time.Now().Add(t.t))
	return t.rw.Read(p)
}

func (t *timeoutRW) Write(p []byte) (int, error) {
	t.d.SetWriteDeadline(time.Now().Add(t.t))
	return t.rw.Write(p)
}

type terminator struct {
	rw     io.ReadWriter
	rxTerm byte
	txTerm byte
}

// NewTerminator wraps rw in device message framing: writes get txTerm
// appended, reads consume through rxTerm and strip it.
func NewTerminator(rw io.ReadWriter, rxTerm, txTerm byte) io.ReadWriter {
	return &terminator{rw: rw, rxTerm: rxTerm, txTerm: txTerm}
}

func (t *terminator) Write(p []byte) (int, error) {
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.txTerm
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

func (t *terminator) Read(p []byte) (int, error) {
	buf, err := bufio.NewReader(t.rw).ReadBytes(t.rxTerm)
	if err != nil {
		return 0, err
	}
	// strip the terminator, and a CR if the device sends CRLF
	buf = buf[:len(buf)-1]
	if len(buf) > 0 && buf[len(buf)-1] == '\r' {
		buf = buf[:len(buf)-1]
	}
	n := copy(p, buf)
	if n < len(buf) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}
