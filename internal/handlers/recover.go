package handlers

import (
	"time"

	"github.com/rs/zerolog/log"

	"jobflow/internal/domain"
)

// Submitter is the part of the dispatcher recovery needs.
type Submitter interface {
	Schedule(p domain.Payload, at time.Time, opts ...domain.SubmitOption) (string, error)
}

// Resume resubmits checkpointed non-terminal jobs under their original ids.
// Scheduled jobs keep their due instant; jobs that were ready or running
// when the process stopped are due immediately and may therefore run a
// second time. Records whose kind is no longer registered are skipped.
func (r *Registry) Resume(records []domain.Record, s Submitter, now time.Time) int {
	n := 0
	for _, rec := range records {
		p, err := r.Payload(rec.Kind, rec.Name)
		if err != nil {
			log.Warn().Err(err).Str("job_id", rec.ID).Msg("skipping unrecoverable job")
			continue
		}
		due := rec.DueAt
		if rec.State != domain.StateScheduled || due.Before(now) {
			due = now
		}
		opts := []domain.SubmitOption{
			domain.WithID(rec.ID),
			domain.WithHandler(rec.Kind, rec.Name),
			domain.WithAttempt(rec.Attempt, rec.RetryOf),
		}
		if rec.IdempotencyKey != "" {
			opts = append(opts, domain.WithIdempotencyKey(rec.IdempotencyKey))
		}
		if _, err := s.Schedule(p, due, opts...); err != nil {
			log.Error().Err(err).Str("job_id", rec.ID).Msg("failed to resubmit job")
			continue
		}
		log.Info().Str("job_id", rec.ID).Str("state", string(rec.State)).Time("due_at", due).Msg("job recovered")
		n++
	}
	return n
}
