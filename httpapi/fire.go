package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/hilab/pmctl/fire"
)

// FireRoutes exposes a fire controller.  Commands are fire-and-forget the
// same way the controller's own API is; only status and diagnostics dumps
// wait for an answer.
func FireRoutes(c *fire.Controller) RouteTable {
	return RouteTable{
		{http.MethodPost, "/open"}:  func(w http.ResponseWriter, r *http.Request) { c.Open(); w.WriteHeader(http.StatusOK) },
		{http.MethodPost, "/close"}: func(w http.ResponseWriter, r *http.Request) { c.Close(); w.WriteHeader(http.StatusOK) },
		{http.MethodPost, "/mode"}:  setMode(c),
		{http.MethodPost, "/nshots"}: func(w http.ResponseWriter, r *http.Request) {
			var in IntT
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer r.Body.Close()
			c.SetNumShots(in.Int)
			w.WriteHeader(http.StatusOK)
		},
		{http.MethodPost, "/fire"}:    func(w http.ResponseWriter, r *http.Request) { c.Fire(); w.WriteHeader(http.StatusOK) },
		{http.MethodPost, "/oneshot"}: func(w http.ResponseWriter, r *http.Request) { c.FireOneShot(); w.WriteHeader(http.StatusOK) },
		{http.MethodGet, "/status"}: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(c.GetStatus())
		},
		{http.MethodPost, "/diag/enable"}: func(w http.ResponseWriter, r *http.Request) {
			var in BoolT
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer r.Body.Close()
			c.EnableDiagnostics(in.Bool)
			w.WriteHeader(http.StatusOK)
		},
		{http.MethodPost, "/diag/dump"}: func(w http.ResponseWriter, r *http.Request) {
			var in StrT
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer r.Body.Close()
			if err := c.DumpDiagnostics(in.Str); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		},
	}
}

func setMode(c *fire.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in StrT
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer r.Body.Close()
		m, err := fire.ParseMode(in.Str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.SetMode(m)
		w.WriteHeader(http.StatusOK)
	}
}
