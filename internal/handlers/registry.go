// Package handlers maps handler kinds to the code that runs them, so a job
// can be described by (kind, name) and rebuilt after a restart.
package handlers

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"jobflow/internal/domain"
)

var ErrUnknownHandler = errors.New("unknown handler kind")

type Handler interface {
	Handle(ctx context.Context, name string) error
}

type HandlerFunc func(ctx context.Context, name string) error

func (f HandlerFunc) Handle(ctx context.Context, name string) error { return f(ctx, name) }

type Registry struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Handler)}
}

// Register binds kind to h, replacing any previous binding.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[kind] = h
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Payload returns the unit of work for a (kind, name) pair.
func (r *Registry) Payload(kind, name string) (domain.Payload, error) {
	r.mu.RLock()
	h, ok := r.m[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandler, "%q", kind)
	}
	return func(ctx context.Context) error { return h.Handle(ctx, name) }, nil
}
