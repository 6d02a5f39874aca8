package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/jobq/api"
	"github.com/xraph/jobq/backend/memory"
	"github.com/xraph/jobq/engine"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/stream"
)

type fixture struct {
	b   *memory.Backend
	eng *engine.Engine
	srv *httptest.Server
}

func setup(t *testing.T) *fixture {
	t.Helper()
	b := memory.New()
	reg := prometheus.NewRegistry()
	eng, err := engine.New(b, engine.WithPrometheus(reg))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	srv := httptest.NewServer(api.New(eng, api.WithGatherer(reg)).Handler())
	t.Cleanup(srv.Close)
	return &fixture{b: b, eng: eng, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d", resp.StatusCode, want)
	}
}

// kill enqueues a single-attempt job and fails it so it lands dead.
func (f *fixture) kill(t *testing.T, queue string) id.JobID {
	t.Helper()
	ctx := context.Background()
	jobID, err := f.eng.Enqueue(ctx, queue, []byte(`{}`), job.WithMaxAttempts(1))
	if err != nil {
		t.Fatal(err)
	}
	worker := id.NewWorkerID()
	if _, err := f.b.Claim(ctx, []string{queue}, 1, worker); err != nil {
		t.Fatal(err)
	}
	if _, err := f.b.Fail(ctx, jobID, worker, "boom"); err != nil {
		t.Fatal(err)
	}
	return jobID
}

func TestHealthz(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodGet, "/healthz", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[api.HealthResponse](t, resp); got.Status != "ok" || got.Backend != "memory" {
		t.Errorf("health = %+v", got)
	}

	f.b.SetUnavailable(true)
	resp = f.do(t, http.MethodGet, "/healthz", nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
}

func TestEnqueueAndGetJob(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodPost, "/v1/jobs", api.EnqueueRequest{
		Queue:       "search-index",
		Payload:     json.RawMessage(`{"doc":"42"}`),
		MaxAttempts: 4,
		Delay:       "1h",
	})
	expectStatus(t, resp, http.StatusCreated)
	created := decode[api.EnqueueResponse](t, resp)

	resp = f.do(t, http.MethodGet, "/v1/jobs/"+created.ID.String(), nil)
	expectStatus(t, resp, http.StatusOK)
	got := decode[job.Job](t, resp)
	if got.Queue != "search-index" || got.MaxAttempts != 4 || got.State != job.StatePending {
		t.Errorf("job = %+v", got)
	}
	if string(got.Payload) != `{"doc":"42"}` {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodPost, "/v1/jobs", api.EnqueueRequest{Payload: json.RawMessage(`1`)})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = f.do(t, http.MethodPost, "/v1/jobs", api.EnqueueRequest{Queue: "q", Delay: "soon"})
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestGetJob_Errors(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodGet, "/v1/jobs/not-an-id", nil)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = f.do(t, http.MethodGet, "/v1/jobs/"+id.NewJobID().String(), nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestListJobs_FiltersAndPages(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for range 3 {
		if _, err := f.eng.Enqueue(ctx, "a", []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.eng.Enqueue(ctx, "b", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodGet, "/v1/jobs?queue=a&state=pending&limit=2", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[[]job.Job](t, resp); len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}

	resp = f.do(t, http.MethodGet, "/v1/jobs?queue=nope", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[[]job.Job](t, resp); len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}

	resp = f.do(t, http.MethodGet, "/v1/jobs?state=bogus", nil)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = f.do(t, http.MethodGet, "/v1/jobs?limit=-1", nil)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestStats(t *testing.T) {
	f := setup(t)
	f.kill(t, "send-email")
	if _, err := f.eng.Enqueue(context.Background(), "send-email", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodGet, "/v1/stats?queue=send-email", nil)
	expectStatus(t, resp, http.StatusOK)
	got := decode[api.StatsResponse](t, resp)
	if got.Jobs[job.StatePending] != 1 || got.Jobs[job.StateDead] != 1 {
		t.Errorf("jobs = %v", got.Jobs)
	}
}

func TestDLQ_ListGetReplay(t *testing.T) {
	f := setup(t)
	deadID := f.kill(t, "asset-process")

	resp := f.do(t, http.MethodGet, "/v1/dead", nil)
	expectStatus(t, resp, http.StatusOK)
	entries := decode[[]map[string]any](t, resp)
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}

	resp = f.do(t, http.MethodGet, "/v1/dead/"+deadID.String(), nil)
	expectStatus(t, resp, http.StatusOK)

	resp = f.do(t, http.MethodPost, "/v1/dead/"+deadID.String()+"/replay", nil)
	expectStatus(t, resp, http.StatusCreated)
	replayed := decode[api.ReplayResponse](t, resp)
	if replayed.ID.String() == deadID.String() || replayed.Warning != "" {
		t.Errorf("replay = %+v", replayed)
	}

	resp = f.do(t, http.MethodGet, "/v1/dead/"+deadID.String(), nil)
	expectStatus(t, resp, http.StatusNotFound)

	resp = f.do(t, http.MethodGet, "/v1/jobs/"+replayed.ID.String(), nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[job.Job](t, resp); got.State != job.StatePending || got.Attempts != 0 {
		t.Errorf("replayed job = %+v", got)
	}
}

func TestDLQ_LiveJobConflicts(t *testing.T) {
	f := setup(t)
	jobID, err := f.eng.Enqueue(context.Background(), "q", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodPost, "/v1/dead/"+jobID.String()+"/replay", nil)
	expectStatus(t, resp, http.StatusConflict)
}

func TestDLQ_Purge(t *testing.T) {
	f := setup(t)
	f.kill(t, "a")
	f.kill(t, "b")

	resp := f.do(t, http.MethodPost, "/v1/dead/purge?older_than=1h", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[api.PurgeDLQResponse](t, resp); got.Purged != 0 {
		t.Errorf("purged = %d, want 0 (jobs are fresh)", got.Purged)
	}

	resp = f.do(t, http.MethodPost, "/v1/dead/purge?queue=a", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[api.PurgeDLQResponse](t, resp); got.Purged != 1 {
		t.Errorf("purged = %d, want 1", got.Purged)
	}

	resp = f.do(t, http.MethodPost, "/v1/dead/purge?older_than=yesterday", nil)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestMetrics(t *testing.T) {
	f := setup(t)
	if _, err := f.eng.Enqueue(context.Background(), "q", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodGet, "/metrics", nil)
	expectStatus(t, resp, http.StatusOK)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "jobq_") {
		t.Errorf("metrics output has no jobq series:\n%s", buf.String())
	}
}

func TestEvents_StreamsLifecycle(t *testing.T) {
	b := memory.New()
	broker := stream.NewBroker(nil)
	eng, err := engine.New(b, engine.WithExtension(broker))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(api.New(eng, api.WithStream(broker)).Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?topic=queue:send-email", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || lines.Text() != ": connected" {
		t.Fatalf("first line = %q", lines.Text())
	}

	if _, err := eng.Enqueue(ctx, "search-index", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	jobID, err := eng.Enqueue(ctx, "send-email", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}

	for lines.Scan() {
		line := lines.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt stream.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatal(err)
		}
		if evt.Queue != "send-email" || evt.Type != stream.EventJobEnqueued {
			t.Fatalf("event = %+v, want send-email enqueue only", evt)
		}
		if evt.Topic != stream.JobTopic(jobID.String()) {
			t.Errorf("topic = %q", evt.Topic)
		}
		return
	}
	t.Fatalf("stream ended: %v", lines.Err())
}

func TestEvents_RejectsUnknownTopic(t *testing.T) {
	b := memory.New()
	broker := stream.NewBroker(nil)
	eng, err := engine.New(b, engine.WithExtension(broker))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(api.New(eng, api.WithStream(broker)).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/events?topic=workflow:x")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusBadRequest)
}
