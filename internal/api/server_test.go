package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow/internal/api"
	"jobflow/internal/dispatcher"
	"jobflow/internal/domain"
	"jobflow/internal/handlers"
	"jobflow/internal/handlers/sample"
	"jobflow/internal/outcome"
	"jobflow/internal/queue"
	"jobflow/internal/scheduler"
	"jobflow/internal/worker"
)

type harness struct {
	srv *httptest.Server
	d   *dispatcher.Dispatcher
}

func newHarness(t *testing.T, deps api.Deps) *harness {
	t.Helper()
	ready := queue.NewReady()
	tracker := outcome.New(time.Hour, 0, nil)
	d := dispatcher.New(ready, tracker, dispatcher.WithPollCeiling(20*time.Millisecond))
	reg := handlers.NewRegistry()
	reg.Register(sample.Kind, sample.Service{Work: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	pool := worker.NewPool(ready, tracker, 2)
	pool.Start(ctx)

	deps.Dispatcher = d
	deps.Handlers = reg
	deps.Schedules = scheduler.NewService(scheduler.NewMemoryStore(), reg, d, time.Hour, 0)
	deps.Metrics = func() api.Metrics {
		return api.Metrics{Stats: tracker.Stats(), Ready: ready.Len(), Scheduled: d.Scheduled(), InFlight: pool.InFlight()}
	}
	srv := httptest.NewServer(api.NewServer(deps))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = pool.Stop(stopCtx)
	})
	return &harness{srv: srv, d: d}
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

type submitted struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	DueAt   time.Time `json:"due_at"`
	DueIn   string    `json:"due_in"`
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v))
	return v
}

func TestRunJobRunsWithDefaults(t *testing.T) {
	h := newHarness(t, api.Deps{})
	resp, body := h.do(t, http.MethodGet, "/run-job", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sub := decode[submitted](t, body)
	assert.Equal(t, "Job is enqueued.", sub.Message)
	require.NotEmpty(t, sub.ID)

	require.Eventually(t, func() bool {
		st, err := h.d.State(sub.ID)
		return err == nil && st == domain.StateSucceeded
	}, 3*time.Second, 5*time.Millisecond)

	resp, body = h.do(t, http.MethodGet, "/api/jobs/"+sub.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[domain.Record](t, body)
	assert.Equal(t, "Hello World", rec.Name)
	assert.Equal(t, sample.Kind, rec.Kind)
	assert.Equal(t, domain.StateSucceeded, rec.State)
}

func TestScheduleJobThenCancel(t *testing.T) {
	h := newHarness(t, api.Deps{})
	before := time.Now()
	resp, body := h.do(t, http.MethodGet, "/schedule-job?name=report", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sub := decode[submitted](t, body)
	assert.Equal(t, "Job is scheduled.", sub.Message)
	assert.Contains(t, sub.DueIn, "from now")
	assert.WithinDuration(t, before.Add(3*time.Hour), sub.DueAt, 5*time.Second)

	st, err := h.d.State(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateScheduled, st)

	for range 2 {
		resp, body = h.do(t, http.MethodDelete, "/api/jobs/"+sub.ID, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), `"cancelled"`)
	}
}

func TestSubmissionErrors(t *testing.T) {
	h := newHarness(t, api.Deps{})

	for _, when := range []string{"tomorrow", "P", "PT", "P1DT", "PT1H1H"} {
		resp, _ := h.do(t, http.MethodGet, "/schedule-job?when="+when, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "when=%s", when)
	}
	assert.Zero(t, h.d.Scheduled())

	resp, _ := h.do(t, http.MethodGet, "/run-job?kind=missing", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/api/jobs/job_missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/api/jobs/job_missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIdempotentSubmission(t *testing.T) {
	h := newHarness(t, api.Deps{})
	_, a := h.do(t, http.MethodGet, "/schedule-job?idempotency_key=once", "")
	_, b := h.do(t, http.MethodGet, "/schedule-job?idempotency_key=once", "")
	assert.Equal(t, decode[submitted](t, a).ID, decode[submitted](t, b).ID)
}

func TestSubmissionRateLimit(t *testing.T) {
	h := newHarness(t, api.Deps{SubmitRate: 0.001, SubmitBurst: 1})
	resp, _ := h.do(t, http.MethodGet, "/schedule-job", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/schedule-job", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Queries are not limited.
	resp, _ = h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScheduleRoutes(t *testing.T) {
	h := newHarness(t, api.Deps{})

	resp, _ := h.do(t, http.MethodPost, "/api/schedules", `{"name":"bad","cron_expr":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/api/schedules", `{"name":"hourly","cron_expr":"0 * * * *","job_name":"report"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sc := decode[domain.Schedule](t, body)
	assert.Equal(t, sample.Kind, sc.Kind)
	assert.True(t, sc.NextRun.After(time.Now()))

	resp, body = h.do(t, http.MethodGet, "/api/schedules", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]domain.Schedule](t, body), 1)

	resp, _ = h.do(t, http.MethodGet, "/api/schedules/"+sc.ID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/api/schedules/"+sc.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/api/schedules/"+sc.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, api.Deps{})
	h.do(t, http.MethodGet, "/schedule-job", "")

	resp, body := h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "jobflow_up 1")
	assert.Contains(t, string(body), "jobflow_jobs_submitted_total 1")
	assert.Contains(t, string(body), "jobflow_jobs_scheduled 1")
}

func TestCancelWithForgetDropsRecord(t *testing.T) {
	h := newHarness(t, api.Deps{})
	_, body := h.do(t, http.MethodGet, "/schedule-job?when=PT1H", "")
	id := decode[submitted](t, body).ID

	resp, body := h.do(t, http.MethodDelete, "/api/jobs/"+id+"?forget=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string]any](t, body)
	assert.Equal(t, "cancelled", out["state"])
	assert.Equal(t, true, out["forgotten"])

	resp, _ = h.do(t, http.MethodGet, "/api/jobs/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelWithoutForgetKeepsRecord(t *testing.T) {
	h := newHarness(t, api.Deps{})
	_, body := h.do(t, http.MethodGet, "/schedule-job?when=PT1H", "")
	id := decode[submitted](t, body).ID

	_, body = h.do(t, http.MethodDelete, "/api/jobs/"+id, "")
	assert.Equal(t, false, decode[map[string]any](t, body)["forgotten"])

	resp, _ := h.do(t, http.MethodGet, "/api/jobs/"+id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
