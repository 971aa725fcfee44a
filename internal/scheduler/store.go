package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobflow/internal/domain"
)

// Store persists recurring schedules.
type Store interface {
	CreateSchedule(ctx context.Context, sc domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, until time.Time) ([]domain.Schedule, error)
	UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

// MemoryStore keeps schedules for the life of the process.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]domain.Schedule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]domain.Schedule)}
}

func (s *MemoryStore) CreateSchedule(_ context.Context, sc domain.Schedule) (string, error) {
	if sc.ID == "" {
		sc.ID = domain.NewScheduleID()
	}
	now := time.Now()
	sc.CreatedAt, sc.UpdatedAt = now, now
	s.mu.Lock()
	s.m[sc.ID] = sc
	s.mu.Unlock()
	return sc.ID, nil
}

func (s *MemoryStore) GetSchedule(_ context.Context, id string) (domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.m[id]
	if !ok {
		return domain.Schedule{}, errors.Wrapf(domain.ErrScheduleNotFound, "schedule %s", id)
	}
	return sc, nil
}

func (s *MemoryStore) ListSchedules(context.Context) ([]domain.Schedule, error) {
	s.mu.Lock()
	out := make([]domain.Schedule, 0, len(s.m))
	for _, sc := range s.m {
		out = append(out, sc)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return errors.Wrapf(domain.ErrScheduleNotFound, "schedule %s", id)
	}
	delete(s.m, id)
	return nil
}

func (s *MemoryStore) GetDueSchedules(_ context.Context, until time.Time) ([]domain.Schedule, error) {
	s.mu.Lock()
	var out []domain.Schedule
	for _, sc := range s.m {
		if sc.Enabled && !sc.NextRun.After(until) {
			out = append(out, sc)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out, nil
}

func (s *MemoryStore) UpdateScheduleRun(_ context.Context, id string, lastRun, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.m[id]
	if !ok {
		return errors.Wrapf(domain.ErrScheduleNotFound, "schedule %s", id)
	}
	lr := lastRun
	sc.LastRun = &lr
	sc.NextRun = nextRun
	sc.UpdatedAt = time.Now()
	s.m[id] = sc
	return nil
}
