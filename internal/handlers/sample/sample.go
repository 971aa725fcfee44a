// Package sample is a handler that logs its argument and simulates work.
package sample

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const Kind = "sample"

type Service struct {
	Work time.Duration
}

func (s Service) Handle(ctx context.Context, name string) error {
	log.Info().Str("name", name).Msg("sample job has begun")

	t := time.NewTimer(s.Work)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	log.Info().Str("name", name).Dur("took", s.Work).Msg("sample job has finished")
	return nil
}
