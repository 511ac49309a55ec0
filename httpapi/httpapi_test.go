package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hilab/pmctl/event"
	"github.com/hilab/pmctl/fire"
	"github.com/hilab/pmctl/gpio"
	"github.com/hilab/pmctl/kinesis"
	"github.com/hilab/pmctl/stage"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newStageServer(t *testing.T) (*httptest.Server, *stage.Supervisor) {
	t.Helper()
	s := stage.New(stage.Config{PollPeriod: 5 * time.Millisecond}, stage.NewSim(), event.NewBus(), quietLog())
	s.Start()
	t.Cleanup(s.Shutdown)
	r := chi.NewRouter()
	StageRoutes(s, "mm").Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestStageMoveThenReadBack(t *testing.T) {
	srv, _ := newStageServer(t)

	resp := postJSON(t, srv.URL+"/axis/1/pos", FloatT{F64: 4.0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// wait out the poller
	deadline := time.Now().Add(2 * time.Second)
	var got FloatT
	for time.Now().Before(deadline) {
		r, err := http.Get(srv.URL + "/axis/1/pos")
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		r.Body.Close()
		if got.F64 > 3.99 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.InDelta(t, 4.0, got.F64, 0.01)
}

func TestStageBusyPayload(t *testing.T) {
	srv, _ := newStageServer(t)
	r, err := http.Get(srv.URL + "/axis/1/busy")
	require.NoError(t, err)
	defer r.Body.Close()
	var b BoolT
	require.NoError(t, json.NewDecoder(r.Body).Decode(&b))
	assert.False(t, b.Bool)
}

func TestStageReadbackAccepted(t *testing.T) {
	srv, _ := newStageServer(t)
	resp := postJSON(t, srv.URL+"/axis/1/readback", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStageVelocityRoundTrip(t *testing.T) {
	srv, _ := newStageServer(t)

	resp := postJSON(t, srv.URL+"/axis/2/velocity?unit=deg%2Fs", FloatT{F64: 3.5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var got FloatT
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		r, err := http.Get(srv.URL + "/axis/2/velocity")
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		r.Body.Close()
		if got.F64 == 3.5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 3.5, got.F64)
}

// fixedCtl is position-only, no velocity capability.
type fixedCtl struct{}

func (fixedCtl) GetPos(addr string) (float64, error)  { return 0, nil }
func (fixedCtl) MoveAbs(addr string, p float64) error { return nil }
func (fixedCtl) MoveRel(addr string, d float64) error { return nil }
func (fixedCtl) Home(addr string) error               { return nil }
func (fixedCtl) Stop(addr string) error               { return nil }

func TestVelocityRoutesGatedOnCapability(t *testing.T) {
	s := stage.New(stage.Config{}, fixedCtl{}, event.NewBus(), quietLog())
	eps := StageRoutes(s, "mm").Endpoints()
	assert.NotContains(t, eps, "GET /axis/{addr}/velocity")
	assert.Contains(t, eps, "GET /axis/{addr}/pos")
}

func TestEndpointsListed(t *testing.T) {
	srv, _ := newStageServer(t)
	r, err := http.Get(srv.URL + "/endpoints")
	require.NoError(t, err)
	defer r.Body.Close()
	var eps []string
	require.NoError(t, json.NewDecoder(r.Body).Decode(&eps))
	assert.Contains(t, eps, "GET /axis/{addr}/pos")
	assert.Contains(t, eps, "POST /axis/{addr}/stop")
}

func TestFireStatusAndMode(t *testing.T) {
	bus := event.NewBus()
	c := fire.New(fire.Config{}, gpio.NewSim(), kinesis.NewSim(), bus, quietLog())
	c.Start()
	t.Cleanup(c.Shutdown)

	r := chi.NewRouter()
	FireRoutes(c).Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp := postJSON(t, srv.URL+"/open", nil)
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/mode", StrT{Str: "burst"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/nshots", IntT{Int: 5})
	resp.Body.Close()

	var st fire.Status
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/status")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
			return false
		}
		return st.Mode == "burst" && st.NumShots == 5
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, st.Opened)
}

func TestFireRejectsUnknownMode(t *testing.T) {
	c := fire.New(fire.Config{}, gpio.NewSim(), kinesis.NewSim(), event.NewBus(), quietLog())
	c.Start()
	t.Cleanup(c.Shutdown)
	r := chi.NewRouter()
	FireRoutes(c).Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp := postJSON(t, srv.URL+"/mode", StrT{Str: "rapidfire"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventFeedDeliversBusEvents(t *testing.T) {
	bus := event.NewBus()
	srv := httptest.NewServer(EventFeed(bus, quietLog()))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// subscription races the dial; publish until one lands
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(event.Status("mode=burst"))
			time.Sleep(10 * time.Millisecond)
		}
	}()
	defer func() { <-done }()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev event.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, event.KindStatus, ev.Kind)
	assert.Equal(t, "mode=burst", ev.Msg)
}
