// Package outcome keeps the state of every live job and the terminal record
// of finished ones for a bounded retention window.
package outcome

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"jobflow/internal/domain"
)

// Checkpointer persists job records so non-terminal jobs survive a restart.
type Checkpointer interface {
	Save(ctx context.Context, r domain.Record) error
}

type nopCheckpointer struct{}

func (nopCheckpointer) Save(context.Context, domain.Record) error { return nil }

type Stats struct {
	Live      int
	Retained  int
	Submitted int64
	Succeeded int64
	Failed    int64
	Cancelled int64
}

// Tracker is safe for concurrent use.
//
// Lock order: kmu before mu. The retention cache calls back into kmu on
// eviction, so neither kmu nor mu is ever held while calling into it.
type Tracker struct {
	mu     sync.RWMutex
	live   map[string]*domain.Job
	moving map[string]struct{} // terminal, being moved into done

	done *expirable.LRU[string, domain.Record]

	kmu  sync.Mutex
	keys map[string]string

	smu sync.Mutex
	cp  Checkpointer

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// New returns a tracker keeping terminal records for retention (0 keeps them
// until capacity evicts them) and at most capacity of them (0 is unbounded).
func New(retention time.Duration, capacity int, cp Checkpointer) *Tracker {
	if cp == nil {
		cp = nopCheckpointer{}
	}
	t := &Tracker{
		live:   make(map[string]*domain.Job),
		moving: make(map[string]struct{}),
		keys:   make(map[string]string),
		cp:     cp,
	}
	t.done = expirable.NewLRU[string, domain.Record](capacity, t.onEvict, retention)
	return t
}

func (t *Tracker) onEvict(id string, r domain.Record) {
	if r.IdempotencyKey == "" {
		return
	}
	t.kmu.Lock()
	if t.keys[r.IdempotencyKey] == id {
		delete(t.keys, r.IdempotencyKey)
	}
	t.kmu.Unlock()
}

// Add registers a new job. If the job carries an idempotency key that is
// already known, nothing is registered and the existing job id is returned
// with added=false.
func (t *Tracker) Add(j *domain.Job) (id string, added bool) {
	t.kmu.Lock()
	if j.IdempotencyKey != "" {
		if existing, ok := t.keys[j.IdempotencyKey]; ok {
			t.kmu.Unlock()
			return existing, false
		}
		t.keys[j.IdempotencyKey] = j.ID
	}
	t.mu.Lock()
	t.live[j.ID] = j
	t.mu.Unlock()
	t.kmu.Unlock()

	t.submitted.Add(1)
	t.save(j)
	return j.ID, true
}

// Update records the job's current state after a transition. Terminal jobs
// move from the live set into the retention cache exactly once; repeated
// calls for a retired job only refresh the checkpoint.
func (t *Tracker) Update(j *domain.Job) {
	r := t.save(j)
	if !r.State.Terminal() {
		return
	}
	t.mu.Lock()
	_, live := t.live[r.ID]
	_, moving := t.moving[r.ID]
	if !live || moving {
		t.mu.Unlock()
		return
	}
	t.moving[r.ID] = struct{}{}
	t.mu.Unlock()

	switch r.State {
	case domain.StateSucceeded:
		t.succeeded.Add(1)
	case domain.StateFailed:
		t.failed.Add(1)
	case domain.StateCancelled:
		t.cancelled.Add(1)
	}
	t.done.Add(r.ID, r)
	t.mu.Lock()
	delete(t.live, r.ID)
	delete(t.moving, r.ID)
	t.mu.Unlock()
}

func (t *Tracker) save(j *domain.Job) domain.Record {
	t.smu.Lock()
	defer t.smu.Unlock()
	r := j.Record()
	if err := t.cp.Save(context.Background(), r); err != nil {
		log.Warn().Err(err).Str("job_id", r.ID).Str("state", string(r.State)).Msg("checkpoint save failed")
	}
	return r
}

// Get returns a live (non-terminal) job.
func (t *Tracker) Get(id string) (*domain.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.live[id]
	return j, ok
}

func (t *Tracker) Record(id string) (domain.Record, error) {
	if j, ok := t.Get(id); ok {
		return j.Record(), nil
	}
	if r, ok := t.done.Get(id); ok {
		return r, nil
	}
	return domain.Record{}, errors.Wrapf(domain.ErrNotFound, "job %s", id)
}

func (t *Tracker) State(id string) (domain.State, error) {
	if j, ok := t.Get(id); ok {
		return j.State(), nil
	}
	if r, ok := t.done.Get(id); ok {
		return r.State, nil
	}
	return "", errors.Wrapf(domain.ErrNotFound, "job %s", id)
}

// Forget drops a terminal record once the caller has observed it.
func (t *Tracker) Forget(id string) bool {
	return t.done.Remove(id)
}

func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	live := len(t.live)
	t.mu.RUnlock()
	return Stats{
		Live:      live,
		Retained:  t.done.Len(),
		Submitted: t.submitted.Load(),
		Succeeded: t.succeeded.Load(),
		Failed:    t.failed.Load(),
		Cancelled: t.cancelled.Load(),
	}
}
