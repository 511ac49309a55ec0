/*Package httpapi exposes the controllers over HTTP.

Each device family contributes a RouteTable; the daemon mounts the tables
on a chi router.  Payloads are the single-key JSON objects in payloads.go;
the event bus is bridged to websocket clients by EventFeed.
*/
package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
)

// MethodPath is a route key: an HTTP method and a chi path pattern.
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps routes to handlers.
type RouteTable map[MethodPath]http.HandlerFunc

// Bind attaches every route, plus GET /endpoints listing them.
func (rt RouteTable) Bind(r chi.Router) {
	for mp, h := range rt {
		r.Method(mp.Method, mp.Path, h)
	}
	list := rt.Endpoints()
	r.Get("/endpoints", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(list)
	})
}

// Endpoints lists the routes as "METHOD path", sorted.
func (rt RouteTable) Endpoints() []string {
	out := make([]string, 0, len(rt))
	for mp := range rt {
		out = append(out, mp.Method+" "+mp.Path)
	}
	sort.Strings(out)
	return out
}
