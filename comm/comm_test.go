package comm_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/hilab/pmctl/comm"
)

// pipePair returns net.Pipe ends typed as the closers the pool accepts.
func pipePair() (io.ReadWriteCloser, io.ReadWriteCloser) {
	a, b := net.Pipe()
	return a, b
}

func echoMaker() comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		client, server := pipePair()
		go io.Copy(server, server)
		return client, nil
	}
}

func TestPoolReusesReturnedConnections(t *testing.T) {
	made := 0
	maker := func() (io.ReadWriteCloser, error) {
		made++
		c, s := pipePair()
		go io.Copy(s, s)
		return c, nil
	}
	pool := comm.NewPool(1, time.Minute, maker)
	for i := 0; i < 3; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		pool.Put(conn)
	}
	if made != 1 {
		t.Errorf("expected 1 connection made, got %d", made)
	}
	if pool.Size() != 1 {
		t.Errorf("expected pool size 1, got %d", pool.Size())
	}
}

func TestPoolReclaimSurvivesInterruption(t *testing.T) {
	pool := comm.NewPool(1, 30*time.Millisecond, echoMaker())
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(conn) // arms the idle reclaim

	conn, err = pool.Get() // interrupts it
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(conn) // must re-arm

	time.Sleep(150 * time.Millisecond)
	if pool.Size() != 0 {
		t.Errorf("idle connection survived an interrupted reclaim cycle, size %d", pool.Size())
	}
}

func TestPoolDestroyShrinks(t *testing.T) {
	pool := comm.NewPool(2, time.Minute, echoMaker())
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Destroy(conn)
	if pool.Active() != 0 {
		t.Errorf("expected no active connections, got %d", pool.Active())
	}
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	pool := comm.NewPool(1, time.Minute, echoMaker())
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	acquired := make(chan io.ReadWriter, 1)
	go func() {
		c, _ := pool.Get()
		acquired <- c
	}()
	select {
	case <-acquired:
		t.Fatal("second Get should have blocked while first lease is out")
	case <-time.After(50 * time.Millisecond):
	}
	pool.Put(conn)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Get never unblocked after Put")
	}
}

func TestTerminatorFramesWrites(t *testing.T) {
	client, server := pipePair()
	wrap := comm.NewTerminator(client, '\n', '\n')
	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()
	if _, err := io.WriteString(wrap, "get pos"); err != nil {
		t.Fatal(err)
	}
	got := <-done
	if string(got) != "get pos\n" {
		t.Errorf("expected terminated write, got %q", string(got))
	}
}

func TestTerminatorStripsCRLF(t *testing.T) {
	client, server := pipePair()
	wrap := comm.NewTerminator(client, '\n', '\n')
	go func() { io.WriteString(server, "@01 0 OK IDLE -- 0\r\n") }()
	buf := make([]byte, 64)
	n, err := wrap.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "@01 0 OK IDLE -- 0" {
		t.Errorf("expected stripped frame, got %q", string(buf[:n]))
	}
}

func TestTimeoutWrapsNetConns(t *testing.T) {
	client, _ := pipePair()
	if _, err := comm.NewTimeout(client, time.Second); err != nil {
		t.Errorf("net.Conn should support deadlines: %v", err)
	}
}
