package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"jobflow/internal/domain"
	"jobflow/internal/outcome"
	"jobflow/internal/queue"
	"jobflow/internal/retry"
)

// Resubmitter schedules the follow-up attempt chosen by a retry policy.
type Resubmitter interface {
	Schedule(p domain.Payload, at time.Time, opts ...domain.SubmitOption) (string, error)
}

type Pool struct {
	ready   *queue.Ready
	tracker *outcome.Tracker
	size    int

	retry    retry.Policy
	resubmit Resubmitter
	now      func() time.Time

	mu         sync.Mutex
	running    bool
	stopIntake context.CancelFunc
	cancelRun  context.CancelFunc
	wg         sync.WaitGroup

	inFlight atomic.Int32
}

type PoolOption func(*Pool)

// WithRetry lets a policy turn a failed job into a new, later submission.
func WithRetry(p retry.Policy, r Resubmitter) PoolOption {
	return func(pl *Pool) {
		if p != nil && r != nil {
			pl.retry = p
			pl.resubmit = r
		}
	}
}

func NewPool(ready *queue.Ready, tracker *outcome.Tracker, size int, opts ...PoolOption) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{ready: ready, tracker: tracker, size: size, retry: retry.None{}, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Start launches the workers and returns immediately. Cancelling ctx stops
// intake; payloads already running keep going until Stop gives up on them.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	intake, stopIntake := context.WithCancel(ctx)
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	p.stopIntake, p.cancelRun = stopIntake, cancelRun

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work(intake, runCtx, i)
	}
	log.Info().Int("workers", p.size).Msg("worker pool started")
}

// Stop stops claiming jobs and waits for running payloads. If ctx ends
// first, payload contexts are cancelled and Stop still waits for them to
// return.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopIntake, cancelRun := p.stopIntake, p.cancelRun
	p.mu.Unlock()

	stopIntake()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancelRun()
		log.Info().Msg("worker pool stopped")
		return nil
	case <-ctx.Done():
		log.Warn().Int("in_flight", p.InFlight()).Msg("worker pool stop timed out, cancelling running payloads")
		cancelRun()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) work(intake, runCtx context.Context, idx int) {
	defer p.wg.Done()
	for intake.Err() == nil {
		j, err := p.ready.Pop(intake)
		if err != nil {
			return
		}
		p.execute(runCtx, j, idx)
	}
}

func (p *Pool) execute(ctx context.Context, j *domain.Job, idx int) {
	if !j.Transition(domain.StateRunning, p.now()) {
		log.Debug().Str("job_id", j.ID).Str("state", string(j.State())).Msg("skipping unclaimable job")
		return
	}
	p.tracker.Update(j)
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	start := time.Now()
	err := invoke(ctx, j)
	st := j.Finish(err, p.now())
	p.tracker.Update(j)

	if err != nil {
		ev := log.Warn().Err(err)
		var pf *domain.PayloadFailure
		if errors.As(err, &pf) && pf.Panic != nil {
			ev = log.Error().Err(err).Bytes("stack", pf.Stack)
		}
		ev.Str("job_id", j.ID).Int("worker", idx).Int("attempt", j.Attempt).Dur("took", time.Since(start)).Msg("job failed")
		p.maybeRetry(j, err)
		return
	}
	log.Debug().Str("job_id", j.ID).Int("worker", idx).Str("state", string(st)).Dur("took", time.Since(start)).Msg("job finished")
}

// invoke runs the payload, turning both returned errors and panics into a
// PayloadFailure so a failing job never takes its worker down.
func invoke(ctx context.Context, j *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.PayloadFailure{
				JobID: j.ID,
				Err:   errors.Newf("panic: %v", r),
				Panic: r,
				Stack: debug.Stack(),
			}
		}
	}()
	if perr := j.Payload(ctx); perr != nil {
		return &domain.PayloadFailure{JobID: j.ID, Err: perr}
	}
	return nil
}

func (p *Pool) maybeRetry(j *domain.Job, err error) {
	delay, ok := p.retry.Next(j.Record(), err)
	if !ok || p.resubmit == nil {
		return
	}
	root := j.RetryOf
	if root == "" {
		root = j.ID
	}
	id, serr := p.resubmit.Schedule(j.Payload, p.now().Add(delay),
		domain.WithHandler(j.Kind, j.Name),
		domain.WithAttempt(j.Attempt+1, root),
	)
	if serr != nil {
		log.Error().Err(serr).Str("job_id", j.ID).Msg("retry submission failed")
		return
	}
	log.Info().Str("job_id", j.ID).Str("retry_id", id).Int("attempt", j.Attempt+1).Dur("delay", delay).Msg("job retry scheduled")
}
