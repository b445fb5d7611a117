package pipeline

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/vio.frontend/internal/httputil"
)

// AttachAdminRoutes mounts the synchronizer's debug endpoints on the
// mux's /debug/ tree: a JSON stats snapshot, the propagated state and a
// POST-only restart.
func (s *Synchronizer) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("frontend", "Front-end queue and session statistics", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Stats())
	})

	debug.HandleFunc("frontend-state", "Latest propagated state", func(w http.ResponseWriter, r *http.Request) {
		st := s.LatestState()
		httputil.WriteJSONOK(w, struct {
			SessionID   string     `json:"session_id"`
			Timestamp   float64    `json:"timestamp"`
			Position    [3]float64 `json:"position"`
			Velocity    [3]float64 `json:"velocity"`
			Orientation [4]float64 `json:"orientation"` // w, x, y, z
		}{
			SessionID:   s.SessionID(),
			Timestamp:   st.BaseTimestamp,
			Position:    [3]float64{st.Position.X, st.Position.Y, st.Position.Z},
			Velocity:    [3]float64{st.Velocity.X, st.Velocity.Y, st.Velocity.Z},
			Orientation: [4]float64{st.Orientation.Real, st.Orientation.Imag, st.Orientation.Jmag, st.Orientation.Kmag},
		})
	})

	debug.HandleSilentFunc("frontend-restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		if err := s.Restart(true); err != nil {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"session_id": s.SessionID()})
	})
}
