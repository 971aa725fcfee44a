// Package scheduler turns recurring cron schedules into delayed job
// submissions. Each firing is handed to the dispatcher ahead of time, up to
// a lookahead window, so it runs at its cron instant rather than at the
// next tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"jobflow/internal/domain"
)

type Submitter interface {
	Schedule(p domain.Payload, at time.Time, opts ...domain.SubmitOption) (string, error)
}

// PayloadSource resolves a handler kind and argument to a payload.
type PayloadSource interface {
	Payload(kind, name string) (domain.Payload, error)
}

type Service struct {
	store     Store
	payloads  PayloadSource
	submit    Submitter
	interval  time.Duration
	lookahead time.Duration
	now       func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewService(store Store, payloads PayloadSource, submit Submitter, checkInterval, lookahead time.Duration) *Service {
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	if lookahead < 0 {
		lookahead = 0
	}
	return &Service{
		store:     store,
		payloads:  payloads,
		submit:    submit,
		interval:  checkInterval,
		lookahead: lookahead,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Create validates and stores a new enabled schedule.
func (s *Service) Create(ctx context.Context, name, expr, kind, jobName string) (domain.Schedule, error) {
	if name == "" {
		return domain.Schedule{}, errors.Wrap(domain.ErrInvalidSchedule, "name is required")
	}
	next, err := NextRunTime(expr, s.now())
	if err != nil {
		return domain.Schedule{}, errors.Wrapf(domain.ErrInvalidSchedule, "cron %q: %v", expr, err)
	}
	if _, err := s.payloads.Payload(kind, jobName); err != nil {
		return domain.Schedule{}, errors.Mark(err, domain.ErrInvalidSchedule)
	}
	sc := domain.Schedule{
		Name:     name,
		CronExpr: expr,
		Kind:     kind,
		JobName:  jobName,
		Enabled:  true,
		NextRun:  next,
	}
	id, err := s.store.CreateSchedule(ctx, sc)
	if err != nil {
		return domain.Schedule{}, err
	}
	log.Info().Str("schedule_id", id).Str("cron_expr", expr).Time("next_run", next).Msg("schedule created")
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]domain.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Delete removes a schedule. Firings already handed to the dispatcher are
// left alone.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Dur("lookahead", s.lookahead).Msg("schedule service started")

	s.processDueSchedules(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.processDueSchedules(ctx, s.now())
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.store.GetDueSchedules(ctx, now.Add(s.lookahead))
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		return errors.Wrapf(err, "invalid cron expression %q", schedule.CronExpr)
	}
	payload, err := s.payloads.Payload(schedule.Kind, schedule.JobName)
	if err != nil {
		return err
	}

	// The key makes a firing submitted twice (store update lost) collapse
	// into one job.
	fire := schedule.NextRun.In(now.Location())
	key := fmt.Sprintf("%s@%d", schedule.ID, fire.Unix())
	jobID, err := s.submit.Schedule(payload, fire,
		domain.WithHandler(schedule.Kind, schedule.JobName),
		domain.WithIdempotencyKey(key),
	)
	if err != nil {
		return errors.Wrap(err, "submit scheduled job")
	}

	// Missed firings collapse into the one just submitted.
	nextRun := cronSchedule.Next(fire)
	if !nextRun.After(now) {
		nextRun = cronSchedule.Next(now)
	}

	if err := s.store.UpdateScheduleRun(ctx, schedule.ID, fire, nextRun); err != nil {
		return errors.Wrap(err, "update schedule run times")
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("job_id", jobID).
		Time("fire_at", fire).
		Time("next_run", nextRun).
		Msg("scheduled job submitted")

	return nil
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
