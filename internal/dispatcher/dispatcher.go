// Package dispatcher accepts job submissions and promotes delayed jobs into
// the ready queue once their due instant has passed.
//
// A single Run loop owns promotion. It sleeps until the earliest due
// instant or the poll ceiling, whichever comes first, and is woken early by
// every Schedule call so a newly submitted earlier job is never stuck
// behind a long sleep.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"jobflow/internal/domain"
	"jobflow/internal/outcome"
	"jobflow/internal/queue"
	"jobflow/internal/timewheel"
	"jobflow/internal/timing"
)

const DefaultPollCeiling = time.Second

type Option func(*Dispatcher)

// WithPollCeiling bounds how long the loop sleeps between wheel checks.
func WithPollCeiling(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.pollCeiling = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(dp *Dispatcher) {
		if now != nil {
			dp.now = now
		}
	}
}

type Dispatcher struct {
	mu    sync.Mutex
	wheel *timewheel.Wheel

	ready   *queue.Ready
	tracker *outcome.Tracker

	pollCeiling time.Duration
	now         func() time.Time
	wake        chan struct{}
	running     atomic.Bool
}

func New(ready *queue.Ready, tracker *outcome.Tracker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		wheel:       timewheel.New(),
		ready:       ready,
		tracker:     tracker,
		pollCeiling: DefaultPollCeiling,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue submits a job that is eligible to run immediately.
func (d *Dispatcher) Enqueue(p domain.Payload, opts ...domain.SubmitOption) (string, error) {
	return d.submit(p, time.Time{}, opts)
}

// Schedule submits a job that must not run before at. An instant that is
// not in the future behaves exactly like Enqueue.
func (d *Dispatcher) Schedule(p domain.Payload, at time.Time, opts ...domain.SubmitOption) (string, error) {
	if at.IsZero() {
		return "", domain.InvalidTiming(at.String(), "zero due instant")
	}
	return d.submit(p, at, opts)
}

// ScheduleIn resolves an ISO-8601 delay against the current instant and
// schedules the job at the result.
func (d *Dispatcher) ScheduleIn(p domain.Payload, delay string, opts ...domain.SubmitOption) (string, error) {
	due, err := timing.DueAt(d.now(), delay)
	if err != nil {
		return "", err
	}
	return d.Schedule(p, due, opts...)
}

func (d *Dispatcher) submit(p domain.Payload, at time.Time, opts []domain.SubmitOption) (string, error) {
	if p == nil {
		return "", errors.WithStack(domain.ErrNilPayload)
	}
	now := d.now()
	due := at
	if due.IsZero() {
		due = now
	}
	j := domain.NewJob(p, now, due, domain.ApplyOptions(opts...))
	id, added := d.tracker.Add(j)
	if !added {
		log.Debug().Str("job_id", id).Str("idempotency_key", j.IdempotencyKey).Msg("duplicate submission")
		return id, nil
	}

	if j.State() == domain.StateReady {
		if err := d.ready.Push(j); err != nil {
			if j.Transition(domain.StateCancelled, now) {
				d.tracker.Update(j)
			}
			return "", errors.Wrapf(err, "enqueue job %s", j.ID)
		}
		log.Debug().Str("job_id", j.ID).Str("kind", j.Kind).Msg("job enqueued")
		return j.ID, nil
	}

	d.mu.Lock()
	d.wheel.Insert(j)
	d.mu.Unlock()
	d.signal()
	log.Debug().
		Str("job_id", j.ID).
		Str("kind", j.Kind).
		Time("due_at", j.DueAt).
		Str("due_in", humanize.RelTime(j.DueAt, now, "ago", "from now")).
		Msg("job scheduled")
	return j.ID, nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Cancel moves a scheduled or ready job to Cancelled. It is idempotent:
// cancelling a cancelled, running or finished job returns its current state
// without error.
func (d *Dispatcher) Cancel(id string) (domain.State, error) {
	j, ok := d.tracker.Get(id)
	if !ok {
		return d.tracker.State(id)
	}
	if j.Transition(domain.StateCancelled, d.now()) {
		d.mu.Lock()
		d.wheel.Remove(id)
		d.mu.Unlock()
		d.tracker.Update(j)
		log.Info().Str("job_id", id).Msg("job cancelled")
	}
	return j.State(), nil
}

func (d *Dispatcher) State(id string) (domain.State, error) { return d.tracker.State(id) }

func (d *Dispatcher) Record(id string) (domain.Record, error) { return d.tracker.Record(id) }

// Forget drops the retained record of a finished job.
func (d *Dispatcher) Forget(id string) bool { return d.tracker.Forget(id) }

// Scheduled is the number of jobs waiting in the delay index.
func (d *Dispatcher) Scheduled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wheel.Len()
}

// Run drives promotion until ctx is done. Only one Run may be active.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.WithStack(domain.ErrAlreadyRunning)
	}
	defer d.running.Store(false)

	log.Info().Dur("poll_ceiling", d.pollCeiling).Msg("dispatcher started")
	timer := time.NewTimer(d.pollCeiling)
	defer timer.Stop()

	for {
		timer.Reset(d.promote(d.now()))
		select {
		case <-ctx.Done():
			log.Info().Int("scheduled", d.Scheduled()).Msg("dispatcher stopped")
			return nil
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// promote moves every due job into the ready queue and returns how long the
// loop may sleep before the next check.
func (d *Dispatcher) promote(now time.Time) time.Duration {
	d.mu.Lock()
	due := d.wheel.PopIfDue(now)
	next, _, pending := d.wheel.PeekEarliest()
	d.mu.Unlock()

	for _, j := range due {
		if !j.Transition(domain.StateReady, now) {
			// cancelled between pop and promotion
			continue
		}
		d.tracker.Update(j)
		if err := d.ready.Push(j); err != nil {
			log.Warn().Err(err).Str("job_id", j.ID).Msg("ready queue closed, cancelling promoted job")
			if j.Transition(domain.StateCancelled, now) {
				d.tracker.Update(j)
			}
			continue
		}
		log.Debug().Str("job_id", j.ID).Dur("lateness", now.Sub(j.DueAt)).Msg("job promoted")
	}

	wait := d.pollCeiling
	if pending {
		if w := next.Sub(d.now()); w < wait {
			wait = w
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}
