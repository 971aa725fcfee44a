package domain

import (
	"time"

	"github.com/google/uuid"
)

func NewScheduleID() string { return "sch_" + uuid.NewString() }

// Schedule is a recurring cron definition that submits a named handler
// invocation each time it fires.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Kind      string     `json:"kind"`
	JobName   string     `json:"job_name"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
