package api

import (
	"context"
	"net/http"
	"time"

	"github.com/xraph/jobq/job"
)

const healthTimeout = 2 * time.Second

// StatsResponse reports job counts per state.
type StatsResponse struct {
	Backend string              `json:"backend"`
	Queue   string              `json:"queue,omitempty"`
	Jobs    map[job.State]int64 `json:"jobs"`
	Active  int                 `json:"active"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

// stats handles GET /v1/stats?queue=.
func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	counts, err := a.eng.Stats(r.Context(), queue)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Backend: a.eng.Backend().Name(),
		Queue:   queue,
		Jobs:    counts,
		Active:  a.eng.Pool().Active(),
	})
}

// healthz handles GET /healthz by pinging the backend.
func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Backend: a.eng.Backend().Name()}
	if err := a.eng.Backend().Ping(ctx); err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
