package api

import (
	"net/http"
)

// HealthHandler handles GET /v1/sys/health. It reports 503 until grant
// timers have been restored after startup.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ready := s.core.Ready()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":       ready,
		"server_time": s.core.Clock.Now().UTC().Unix(),
	})
}

// SweepHandler handles POST /v1/sys/sweep. Admin only.
func (s *Server) SweepHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.core.Sweeper.Sweep(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
