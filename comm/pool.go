package comm

import (
	"io"
	"sync"
	"time"
)

// Pool holds one or more connections to a device.  Connections are closed
// if they sit unused past the timeout and re-opened on demand.  It is
// concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out
	timeout time.Duration           // idle time after which parked connections are freed
	conns   chan io.ReadWriteCloser // parked connections
	timer   *time.Timer             // reclaim timer
	cancel  chan struct{}           // interrupts a pending reclaim
	maker   CreationFunc

	reclaiming bool
	mu         sync.Mutex
}

// NewPool creates a Pool of up to maxSize connections made by maker.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		timer:   time.NewTimer(timeout),
		cancel:  make(chan struct{}, 1),
		maker:   maker,
	}
	p.timer.Stop() // nothing to reclaim yet
	return p
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  The caller has exclusive use of the ReadWriter until it is returned
// with Put, returned conditionally with ReturnWithError, or discarded with
// Destroy.  If the error is non-nil the connection must not be returned.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopReclaim()
	if len(p.conns) > 0 {
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	if p.onLease == p.maxSize {
		// all given out, wait for one to come back
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	c, err := p.maker()
	if err == nil {
		p.onLease++
	}
	return c, err
}

// Put restores a connection to the pool.  Junk connections (ones that
// always error) should be Destroy()'d instead.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.conns <- rwc
	p.mu.Lock()
	p.onLease--
	if len(p.conns) == p.maxSize {
		p.startReclaim()
	}
	p.mu.Unlock()
}

// Destroy immediately frees a connection.  Use instead of Put when the
// connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// ReturnWithError Puts the connection back if err is nil, or Destroys it
// otherwise.  It reads well in a defer at the top of a driver method.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err == nil {
		p.Put(rw)
	} else {
		p.Destroy(rw)
	}
}

// Size returns the number of connections in the pool or given out from it.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently given out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// startReclaim spawns a goroutine which closes all parked connections once
// the idle timeout elapses.  Callers must hold p.mu.
func (p *Pool) startReclaim() {
	if p.reclaiming {
		return
	}
	p.reclaiming = true
	select {
	case <-p.cancel: // stale token from a cancel that lost the timer race
	default:
	}
	p.timer.Reset(p.timeout)
	go func() {
		select {
		case <-p.cancel:
			return
		case <-p.timer.C:
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		for len(p.conns) > 0 {
			c := <-p.conns
			c.Close()
		}
		p.reclaiming = false
	}()
}

// stopReclaim interrupts a pending reclaim so the goroutine does not sit
// on a timer that will never fire.  Callers must hold p.mu.
func (p *Pool) stopReclaim() {
	if !p.reclaiming {
		return
	}
	p.timer.Stop()
	p.cancel <- struct{}{}
	p.reclaiming = false
}
