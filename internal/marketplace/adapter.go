// Package marketplace defines how the sync coordinator talks to external
// marketplaces. Marketplace-specific clients implement Adapter; a generic
// JSON-over-HTTP adapter is provided for marketplaces fronted by a bridge.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/meschain/syncrelay/internal/models"
)

// Adapter pushes one entity to a marketplace and returns the identifier
// the marketplace assigned to it. Errors should be classified with
// apperrors.Retryable or apperrors.Permanent; unclassified errors are
// treated as retryable.
type Adapter interface {
	Push(ctx context.Context, entityType models.EntityType, entityID string, payload json.RawMessage) (string, error)
}

type AdapterFunc func(ctx context.Context, entityType models.EntityType, entityID string, payload json.RawMessage) (string, error)

func (f AdapterFunc) Push(ctx context.Context, entityType models.EntityType, entityID string, payload json.RawMessage) (string, error) {
	return f(ctx, entityType, entityID, payload)
}

type entry struct {
	adapter Adapter
	limiter *rate.Limiter
}

type Option func(*entry)

// WithRateLimit caps pushes to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *entry) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*entry)}
}

func (r *Registry) Register(name string, a Adapter, opts ...Option) {
	e := &entry{adapter: a}
	for _, opt := range opts {
		opt(e)
	}
	r.mu.Lock()
	r.adapters[name] = e
	r.mu.Unlock()
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Push waits for the marketplace's rate limit, then calls its adapter.
func (r *Registry) Push(ctx context.Context, marketplace string, entityType models.EntityType, entityID string, payload json.RawMessage) (string, error) {
	r.mu.RLock()
	e, ok := r.adapters[marketplace]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no adapter registered for marketplace %q", marketplace)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	return e.adapter.Push(ctx, entityType, entityID, payload)
}
