package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hilab/pmctl/event"
)

var upgrader = websocket.Upgrader{
	// the daemon serves the lab network only
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 2 * time.Second

// EventFeed bridges the event bus to a websocket client as JSON frames.
// A client that cannot keep up is dropped rather than allowed to back up
// the bus.
func EventFeed(bus *event.Bus, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("httpapi: websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		events, cancel := bus.Subscribe()
		defer cancel()

		// reader exists only to notice the client going away
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev := <-events:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					log.Infof("httpapi: dropping event client %s: %v", conn.RemoteAddr(), err)
					return
				}
			case <-gone:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
