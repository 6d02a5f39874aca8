package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/jobq/dlq"
	"github.com/xraph/jobq/id"
)

// PurgeDLQResponse is returned by POST /v1/dead/purge.
type PurgeDLQResponse struct {
	Purged int64 `json:"purged"`
}

// ReplayResponse is returned by POST /v1/dead/{jobId}/replay. Warning is
// set when the replacement was enqueued but the dead copy could not be
// removed.
type ReplayResponse struct {
	ID      id.JobID `json:"id"`
	Warning string   `json:"warning,omitempty"`
}

// listDLQ handles GET /v1/dead?queue=&limit=&offset=.
func (a *API) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	entries, err := a.eng.DLQ().List(r.Context(), dlq.ListOpts{
		Queue:  r.URL.Query().Get("queue"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// getDLQ handles GET /v1/dead/{jobId}.
func (a *API) getDLQ(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobId"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	entry, err := a.eng.DLQ().Get(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// replayDLQ handles POST /v1/dead/{jobId}/replay.
func (a *API) replayDLQ(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobId"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	j, err := a.eng.DLQ().Replay(r.Context(), jobID)
	switch {
	case err != nil && j == nil:
		a.writeError(w, r, err)
	case err != nil:
		writeJSON(w, http.StatusCreated, ReplayResponse{ID: j.ID, Warning: err.Error()})
	default:
		writeJSON(w, http.StatusCreated, ReplayResponse{ID: j.ID})
	}
}

// purgeDLQ handles POST /v1/dead/purge?queue=&older_than=. older_than is a
// duration; without it every dead job is purged.
func (a *API) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	var before time.Time
	if s := r.URL.Query().Get("older_than"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			badRequest(w, "older_than must be a non-negative duration")
			return
		}
		before = time.Now().UTC().Add(-d)
	}

	n, err := a.eng.DLQ().Purge(r.Context(), r.URL.Query().Get("queue"), before)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeDLQResponse{Purged: n})
}
