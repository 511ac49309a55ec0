package httpapi

import (
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/hilab/pmctl/stage"
)

// StageRoutes exposes a motion supervisor.  Moves are non-blocking;
// completion arrives on the event feed.  The unit label for a request
// comes from the ?unit= query, defaulting to def.  Velocity routes are
// bound only when the driver has the capability.
func StageRoutes(s *stage.Supervisor, def string) RouteTable {
	unit := func(r *http.Request) string {
		if u := r.URL.Query().Get("unit"); u != "" {
			return u
		}
		return def
	}
	rt := RouteTable{
		{http.MethodGet, "/axis/{addr}/pos"}: func(w http.ResponseWriter, r *http.Request) {
			pos, err := s.Position(chi.URLParam(r, "addr"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			HumanPayload{T: types.Float64, Float: pos}.EncodeAndRespond(w, r)
		},
		{http.MethodPost, "/axis/{addr}/pos"}: func(w http.ResponseWriter, r *http.Request) {
			f, ok := decodeFloat(w, r)
			if !ok {
				return
			}
			s.MoveAbsolute(chi.URLParam(r, "addr"), f, unit(r))
			w.WriteHeader(http.StatusOK)
		},
		{http.MethodPost, "/axis/{addr}/delta"}: func(w http.ResponseWriter, r *http.Request) {
			f, ok := decodeFloat(w, r)
			if !ok {
				return
			}
			s.MoveDelta(chi.URLParam(r, "addr"), f, unit(r))
			w.WriteHeader(http.StatusOK)
		},
		{http.MethodPost, "/axis/{addr}/home"}: func(w http.ResponseWriter, r *http.Request) {
			s.Home(chi.URLParam(r, "addr"), unit(r))
			w.WriteHeader(http.StatusOK)
		},
		{http.MethodPost, "/axis/{addr}/stop"}: func(w http.ResponseWriter, r *http.Request) {
			s.Stop(chi.URLParam(r, "addr"), unit(r))
			w.WriteHeader(http.StatusOK)
		},
		{http.MethodPost, "/axis/{addr}/readback"}: func(w http.ResponseWriter, r *http.Request) {
			// async: position (and speed, when supported) arrive on the
			// event feed
			s.ReadPositionSpeed(chi.URLParam(r, "addr"), unit(r))
			w.WriteHeader(http.StatusOK)
		},
		{http.MethodGet, "/axis/{addr}/busy"}: func(w http.ResponseWriter, r *http.Request) {
			HumanPayload{T: types.Bool, Bool: s.Moving(chi.URLParam(r, "addr"))}.EncodeAndRespond(w, r)
		},
	}
	if s.Caps().HasVelocity {
		rt[MethodPath{http.MethodGet, "/axis/{addr}/velocity"}] = func(w http.ResponseWriter, r *http.Request) {
			v, err := s.Velocity(chi.URLParam(r, "addr"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			HumanPayload{T: types.Float64, Float: v}.EncodeAndRespond(w, r)
		}
		rt[MethodPath{http.MethodPost, "/axis/{addr}/velocity"}] = func(w http.ResponseWriter, r *http.Request) {
			f, ok := decodeFloat(w, r)
			if !ok {
				return
			}
			s.SetTargetSpeed(chi.URLParam(r, "addr"), f, unit(r))
			w.WriteHeader(http.StatusOK)
		}
	}
	return rt
}

func decodeFloat(w http.ResponseWriter, r *http.Request) (float64, bool) {
	var in FloatT
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	defer r.Body.Close()
	return in.F64, true
}
