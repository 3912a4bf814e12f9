// Package registry owns the registered adapters and the shared rate limiter,
// and resolves which adapter may serve a call right now.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	moderr "github.com/lizzyg/aigateway/errors"
	"github.com/lizzyg/aigateway/internal/core"
	"github.com/lizzyg/aigateway/internal/ratelimit"
)

type healthEntry struct {
	healthy bool
	at      time.Time
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[core.ProviderType]core.Adapter
	order    []core.ProviderType

	limiter *ratelimit.Limiter
	logger  *slog.Logger

	// healthTTL > 0 caches probe results; zero probes on every acquire.
	healthTTL time.Duration
	healthMu  sync.Mutex
	health    map[core.ProviderType]healthEntry
	now       func() time.Time
}

func New(limiter *ratelimit.Limiter, logger *slog.Logger, healthTTL time.Duration) *Registry {
	if limiter == nil {
		limiter = ratelimit.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters:  make(map[core.ProviderType]core.Adapter),
		limiter:   limiter,
		logger:    logger,
		healthTTL: healthTTL,
		health:    make(map[core.ProviderType]healthEntry),
		now:       time.Now,
	}
}

// Register adds or replaces the adapter for its type. Registration order is
// kept and drives model-compatibility ordering.
func (r *Registry) Register(a core.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := a.Type()
	if _, ok := r.adapters[t]; !ok {
		r.order = append(r.order, t)
	}
	r.adapters[t] = a
}

func (r *Registry) ListProviders() []core.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]core.ProviderType(nil), r.order...)
}

func (r *Registry) Get(t core.ProviderType) (core.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	return a, ok
}

// IsAvailable reports whether t is registered; it says nothing about health.
func (r *Registry) IsAvailable(t core.ProviderType) bool {
	_, ok := r.Get(t)
	return ok
}

func (r *Registry) Limiter() *ratelimit.Limiter { return r.limiter }

// Acquire returns the adapter for t if it is registered, within its rate
// budget and healthy. Checks run cheapest first.
func (r *Registry) Acquire(ctx context.Context, t core.ProviderType) (core.Adapter, error) {
	a, ok := r.Get(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", moderr.ErrNoProvider, t)
	}
	if !r.limiter.CheckLimit(t) {
		return nil, fmt.Errorf("%w: %s", moderr.ErrRateLimitExceeded, t)
	}
	if !r.healthy(ctx, t, a) {
		return nil, fmt.Errorf("%w: %s", moderr.ErrProviderUnhealthy, t)
	}
	return a, nil
}

// AcquireWithFallback walks types in order and returns the first adapter that
// Acquire admits and, when model is set, accepts model.
func (r *Registry) AcquireWithFallback(ctx context.Context, types []core.ProviderType, model string) (core.Adapter, core.ProviderType, error) {
	var last error
	for _, t := range types {
		a, err := r.Acquire(ctx, t)
		if err == nil && model != "" && !a.ValidateModel(model) {
			err = fmt.Errorf("%w: %s does not serve %q", moderr.ErrModelNotSupported, t, model)
		}
		if err != nil {
			r.logger.Debug("skipping provider", slog.String("provider", string(t)), slog.String("reason", err.Error()))
			last = err
			continue
		}
		return a, t, nil
	}
	if last == nil {
		return nil, "", fmt.Errorf("%w for model %q: no candidates", moderr.ErrNoAvailableProvider, model)
	}
	// keep the last skip reason matchable, e.g. ErrRateLimitExceeded
	return nil, "", fmt.Errorf("%w for model %q: %w", moderr.ErrNoAvailableProvider, model, last)
}

// healthy probes the adapter, converting a panic into false.
func (r *Registry) healthy(ctx context.Context, t core.ProviderType, a core.Adapter) (ok bool) {
	if r.healthTTL > 0 {
		r.healthMu.Lock()
		e, cached := r.health[t]
		r.healthMu.Unlock()
		if cached && r.now().Sub(e.at) < r.healthTTL {
			return e.healthy
		}
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("health probe panicked", slog.String("provider", string(t)), slog.Any("panic", rec))
			ok = false
		}
		if r.healthTTL > 0 {
			r.healthMu.Lock()
			r.health[t] = healthEntry{healthy: ok, at: r.now()}
			r.healthMu.Unlock()
		}
	}()
	return a.IsHealthy(ctx)
}
