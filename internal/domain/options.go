package domain

// SubmitOptions carries the optional identity metadata of a submission.
type SubmitOptions struct {
	ID             string
	Kind           string
	Name           string
	IdempotencyKey string
	Attempt        int
	RetryOf        string
}

type SubmitOption func(*SubmitOptions)

// WithID reuses a known job id, e.g. when rebuilding checkpointed jobs.
func WithID(id string) SubmitOption {
	return func(o *SubmitOptions) { o.ID = id }
}

// WithHandler tags the job with the named handler and argument that built
// its payload so it can be rebuilt after a restart.
func WithHandler(kind, name string) SubmitOption {
	return func(o *SubmitOptions) {
		o.Kind = kind
		o.Name = name
	}
}

func WithIdempotencyKey(key string) SubmitOption {
	return func(o *SubmitOptions) { o.IdempotencyKey = key }
}

// WithAttempt marks the job as attempt n of a retry chain started by retryOf.
func WithAttempt(n int, retryOf string) SubmitOption {
	return func(o *SubmitOptions) {
		o.Attempt = n
		o.RetryOf = retryOf
	}
}

func ApplyOptions(opts ...SubmitOption) SubmitOptions {
	var o SubmitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Attempt <= 0 {
		o.Attempt = 1
	}
	return o
}
