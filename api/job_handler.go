package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// EnqueueRequest is the body of POST /v1/jobs. Payload is stored verbatim,
// so it must already be in the codec the handler for Queue expects.
type EnqueueRequest struct {
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Delay       string          `json:"delay,omitempty"`
	Timeout     string          `json:"timeout,omitempty"`
}

// EnqueueResponse is returned by POST /v1/jobs.
type EnqueueResponse struct {
	ID id.JobID `json:"id"`
}

func (req EnqueueRequest) options() ([]job.Option, error) {
	var opts []job.Option
	if req.MaxAttempts != 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			return nil, fmt.Errorf("invalid delay: %w", err)
		}
		opts = append(opts, job.WithDelay(d))
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		opts = append(opts, job.WithTimeout(d))
	}
	return opts, nil
}

// listJobs handles GET /v1/jobs?state=&queue=&limit=&offset=.
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	state, err := job.ParseState(r.URL.Query().Get("state"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	limit, offset, err := page(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	jobs, err := a.eng.List(r.Context(), backend.ListOpts{
		State:  state,
		Queue:  r.URL.Query().Get("queue"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// getJob handles GET /v1/jobs/{jobId}.
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobId"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	j, err := a.eng.Inspect(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// enqueueJob handles POST /v1/jobs.
func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	opts, err := req.options()
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	jobID, err := a.eng.Enqueue(r.Context(), req.Queue, req.Payload, opts...)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EnqueueResponse{ID: jobID})
}
