package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"jobflow/internal/dispatcher"
	"jobflow/internal/domain"
	"jobflow/internal/handlers"
	"jobflow/internal/handlers/sample"
	"jobflow/internal/outcome"
	"jobflow/internal/queue"
	"jobflow/internal/scheduler"
)

const (
	defaultName  = "Hello World"
	defaultDelay = "PT3H"
)

// Metrics is the gauge snapshot served on /metrics.
type Metrics struct {
	outcome.Stats
	Ready     int
	Scheduled int
	InFlight  int
}

type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Handlers   *handlers.Registry
	Schedules  *scheduler.Service
	Metrics    func() Metrics

	// SubmitRate limits /run-job and /schedule-job per second; 0 disables.
	SubmitRate  float64
	SubmitBurst int
	Debug       bool
}

type Server struct {
	r       *chi.Mux
	d       *dispatcher.Dispatcher
	reg     *handlers.Registry
	sched   *scheduler.Service
	metrics func() Metrics
	limiter *rate.Limiter
	now     func() time.Time
}

func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{
		r:       r,
		d:       deps.Dispatcher,
		reg:     deps.Handlers,
		sched:   deps.Schedules,
		metrics: deps.Metrics,
		now:     time.Now,
	}
	if deps.SubmitRate > 0 {
		burst := deps.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(deps.SubmitRate), burst)
	}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metricsText)

	r.Group(func(r chi.Router) {
		r.Use(s.limit)
		r.Get("/run-job", s.runJob)
		r.Get("/schedule-job", s.scheduleJob)
	})

	r.Get("/api/jobs/{id}", s.getJob)
	r.Delete("/api/jobs/{id}", s.cancelJob)

	if s.sched != nil {
		r.Post("/api/schedules", s.createSchedule)
		r.Get("/api/schedules", s.listSchedules)
		r.Get("/api/schedules/{id}", s.getSchedule)
		r.Delete("/api/schedules/{id}", s.deleteSchedule)
	}

	if deps.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			http.Error(w, "too many submissions", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metricsText(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "jobflow_up 1")
	if s.metrics == nil {
		return
	}
	m := s.metrics()
	fmt.Fprintf(w, "jobflow_jobs_live %d\n", m.Live)
	fmt.Fprintf(w, "jobflow_jobs_retained %d\n", m.Retained)
	fmt.Fprintf(w, "jobflow_jobs_ready %d\n", m.Ready)
	fmt.Fprintf(w, "jobflow_jobs_scheduled %d\n", m.Scheduled)
	fmt.Fprintf(w, "jobflow_jobs_in_flight %d\n", m.InFlight)
	fmt.Fprintf(w, "jobflow_jobs_submitted_total %d\n", m.Submitted)
	fmt.Fprintf(w, "jobflow_jobs_succeeded_total %d\n", m.Succeeded)
	fmt.Fprintf(w, "jobflow_jobs_failed_total %d\n", m.Failed)
	fmt.Fprintf(w, "jobflow_jobs_cancelled_total %d\n", m.Cancelled)
}

type submitResp struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	DueAt   time.Time `json:"due_at"`
	DueIn   string    `json:"due_in,omitempty"`
}

// submitParams reads the handler kind, argument and idempotency key shared
// by both submission routes.
func (s *Server) submitParams(r *http.Request) (domain.Payload, []domain.SubmitOption, error) {
	q := r.URL.Query()
	kind := q.Get("kind")
	if kind == "" {
		kind = sample.Kind
	}
	name := q.Get("name")
	if name == "" {
		name = defaultName
	}
	p, err := s.reg.Payload(kind, name)
	if err != nil {
		return nil, nil, err
	}
	opts := []domain.SubmitOption{domain.WithHandler(kind, name)}
	if key := q.Get("idempotency_key"); key != "" {
		opts = append(opts, domain.WithIdempotencyKey(key))
	}
	return p, opts, nil
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	p, opts, err := s.submitParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.d.Enqueue(p, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := submitResp{ID: id, Message: "Job is enqueued."}
	if rec, err := s.d.Record(id); err == nil {
		resp.DueAt = rec.DueAt
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) scheduleJob(w http.ResponseWriter, r *http.Request) {
	p, opts, err := s.submitParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	when := r.URL.Query().Get("when")
	if when == "" {
		when = defaultDelay
	}
	id, err := s.d.ScheduleIn(p, when, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := submitResp{ID: id, Message: "Job is scheduled."}
	if rec, err := s.d.Record(id); err == nil {
		resp.DueAt = rec.DueAt
		resp.DueIn = humanize.RelTime(rec.DueAt, s.now(), "ago", "from now")
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.d.Record(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// cancelJob cancels a waiting job. With forget=true a job that ends up
// terminal also has its retained record dropped.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.d.Cancel(id)
	if err != nil {
		writeError(w, err)
		return
	}
	forgotten := false
	if r.URL.Query().Get("forget") == "true" && st.Terminal() {
		forgotten = s.d.Forget(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": st, "forgotten": forgotten})
}

type createScheduleReq struct {
	Name     string `json:"name"`
	CronExpr string `json:"cron_expr"`
	Kind     string `json:"kind"`
	JobName  string `json:"job_name"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = sample.Kind
	}
	sc, err := s.sched.Create(r.Context(), req.Name, req.CronExpr, req.Kind, req.JobName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.sched.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidTiming),
		errors.Is(err, domain.ErrInvalidSchedule),
		errors.Is(err, handlers.ErrUnknownHandler):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrScheduleNotFound):
		code = http.StatusNotFound
	case errors.Is(err, queue.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
