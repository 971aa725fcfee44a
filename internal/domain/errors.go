package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrInvalidTiming  = errors.New("invalid timing")
	ErrNotFound       = errors.New("job not found")
	ErrNilPayload     = errors.New("nil payload")
	ErrAlreadyRunning = errors.New("dispatcher already running")

	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidSchedule  = errors.New("invalid schedule")
)

// InvalidTimingError describes a due instant or delay rejected at submission.
type InvalidTimingError struct {
	Input  string
	Reason string
}

func (e *InvalidTimingError) Error() string {
	return fmt.Sprintf("invalid timing %q: %s", e.Input, e.Reason)
}

func (e *InvalidTimingError) Unwrap() error { return ErrInvalidTiming }

func InvalidTiming(input, reason string) error {
	return errors.WithStack(&InvalidTimingError{Input: input, Reason: reason})
}

// PayloadFailure is the error recorded for a job whose payload returned an
// error or panicked.
type PayloadFailure struct {
	JobID string
	Err   error
	Panic any
	Stack []byte
}

func (f *PayloadFailure) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("job %s panicked: %v", f.JobID, f.Panic)
	}
	return fmt.Sprintf("job %s failed: %v", f.JobID, f.Err)
}

func (f *PayloadFailure) Unwrap() error { return f.Err }
