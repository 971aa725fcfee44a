package domain

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateScheduled State = "scheduled"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

var transitions = map[State][]State{
	StateScheduled: {StateReady, StateCancelled},
	StateReady:     {StateRunning, StateCancelled},
	StateRunning:   {StateSucceeded, StateFailed},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payload is the opaque unit of work a job runs. The context is only
// cancelled when the pool is shut down past its grace period.
type Payload func(ctx context.Context) error

func NewJobID() string { return "job_" + uuid.NewString() }

// Job is immutable after construction except for its state block, which
// moves only through Transition and Finish.
type Job struct {
	ID             string
	Kind           string
	Name           string
	IdempotencyKey string
	Attempt        int
	RetryOf        string
	Payload        Payload
	CreatedAt      time.Time
	DueAt          time.Time

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	finishedAt time.Time
	err        error
}

// NewJob builds a job in its initial state: Ready when dueAt is not after
// createdAt, Scheduled otherwise. dueAt is clamped to createdAt.
func NewJob(p Payload, createdAt, dueAt time.Time, o SubmitOptions) *Job {
	id := o.ID
	if id == "" {
		id = NewJobID()
	}
	st := StateScheduled
	if !dueAt.After(createdAt) {
		dueAt = createdAt
		st = StateReady
	}
	attempt := o.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	return &Job{
		ID:             id,
		Kind:           o.Kind,
		Name:           o.Name,
		IdempotencyKey: o.IdempotencyKey,
		Attempt:        attempt,
		RetryOf:        o.RetryOf,
		Payload:        p,
		CreatedAt:      createdAt,
		DueAt:          dueAt,
		state:          st,
	}
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Transition moves the job to `to` if the current state allows it and
// reports whether it did. Cancel, promotion and claim all race through here.
func (j *Job) Transition(to State, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !CanTransition(j.state, to) {
		return false
	}
	j.state = to
	switch {
	case to == StateRunning:
		j.startedAt = now
	case to.Terminal():
		j.finishedAt = now
	}
	return true
}

// Finish records the payload outcome of a running job.
func (j *Job) Finish(err error, now time.Time) State {
	to := StateSucceeded
	if err != nil {
		to = StateFailed
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return j.state
	}
	j.state = to
	j.err = err
	j.finishedAt = now
	return to
}

// Record is a point-in-time snapshot of a job without its payload.
type Record struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind,omitempty"`
	Name           string     `json:"name,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Attempt        int        `json:"attempt"`
	RetryOf        string     `json:"retry_of,omitempty"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	DueAt          time.Time  `json:"due_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func (j *Job) Record() Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := Record{
		ID:             j.ID,
		Kind:           j.Kind,
		Name:           j.Name,
		IdempotencyKey: j.IdempotencyKey,
		Attempt:        j.Attempt,
		RetryOf:        j.RetryOf,
		State:          j.state,
		CreatedAt:      j.CreatedAt,
		DueAt:          j.DueAt,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		r.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		r.FinishedAt = &t
	}
	if j.err != nil {
		r.Error = j.err.Error()
	}
	return r
}
