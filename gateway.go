package aigateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	moderr "github.com/lizzyg/aigateway/errors"
	"github.com/lizzyg/aigateway/internal/config"
	"github.com/lizzyg/aigateway/internal/core"
	"github.com/lizzyg/aigateway/internal/providers"
	"github.com/lizzyg/aigateway/internal/ratelimit"
	"github.com/lizzyg/aigateway/internal/registry"
)

// AdapterFactory builds an uninitialized adapter for a provider type.
type AdapterFactory func(t ProviderType, hc *http.Client, logger *slog.Logger) (Adapter, error)

// Gateway dispatches chat requests across the configured providers.
// The zero value is not usable; construct with New or NewFromFile.
type Gateway struct {
	mu  sync.Mutex
	cfg config.GatewayConfig
	reg *registry.Registry // nil until first use or after UpdateProviderConfig

	// limiter outlives registry rebuilds so config updates keep the windows.
	limiter *ratelimit.Limiter

	logger      *slog.Logger
	httpClient  *http.Client
	newAdapter  AdapterFactory
	limiterOpts []ratelimit.Option
}

// Option allows functional configuration.
type Option func(*Gateway)

// WithLogger sets a custom slog logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = l } }

// WithHTTPClient sets a custom http.Client shared by all adapters.
func WithHTTPClient(c *http.Client) Option { return func(g *Gateway) { g.httpClient = c } }

// WithAdapterFactory replaces the built-in backend adapters.
func WithAdapterFactory(f AdapterFactory) Option { return func(g *Gateway) { g.newAdapter = f } }

// WithClock replaces time.Now in the rate limiter.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.limiterOpts = append(g.limiterOpts, ratelimit.WithClock(now)) }
}

// NewFromFile loads config via internal/config.Load and returns a Gateway.
func NewFromFile(opts ...Option) (*Gateway, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return New(*cfg, opts...), nil
}

// New builds a gateway from cfg. Adapters are created lazily on first use.
func New(cfg config.GatewayConfig, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		logger: slog.Default(),
		// Per-call timeouts come from each provider's config; a client-wide
		// timeout would also cut off long streams.
		httpClient: &http.Client{},
		newAdapter: providers.NewAdapter,
	}
	for _, o := range opts {
		o(g)
	}
	g.limiter = ratelimit.New(nil, g.limiterOpts...)
	return g
}

// registry returns the initialized registry, building it on first use.
func (g *Gateway) registry() *registry.Registry {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reg == nil {
		g.reg = g.initialize()
	}
	return g.reg
}

// initialize creates and initializes an adapter for every configured
// provider. Adapters that fail are skipped with a warning.
func (g *Gateway) initialize() *registry.Registry {
	defaults := ratelimit.DefaultLimits()
	var configured []core.ProviderType
	for _, t := range core.AllProviderTypes() {
		pc, ok := g.cfg.Providers[string(t)]
		if !ok {
			continue
		}
		configured = append(configured, t)
		lim := defaults[t]
		if pc.RequestsPerMinute > 0 {
			lim.RequestsPerMinute = pc.RequestsPerMinute
		}
		if pc.TokensPerMinute > 0 {
			lim.TokensPerMinute = pc.TokensPerMinute
		}
		g.limiter.SetLimits(t, lim)
	}

	reg := registry.New(g.limiter, g.logger, g.cfg.HealthCheckTTL)
	for _, t := range configured {
		a, err := g.newAdapter(t, g.httpClient, g.logger)
		if err == nil {
			err = a.Initialize(g.cfg.Providers[string(t)])
		}
		if err != nil {
			g.logger.Warn("skipping provider", slog.String("provider", string(t)), slog.String("error", err.Error()))
			continue
		}
		reg.Register(a)
	}
	g.logger.Debug("gateway initialized", slog.Any("providers", reg.ListProviders()))
	return reg
}

// ComputeCandidates returns the ordered providers considered for a request:
// preferred (if registered), then providers accepting model in registration
// order, then the default, then the fallback list. Without a model every
// registered provider is eligible and is appended after the configured ones.
func (g *Gateway) ComputeCandidates(preferred ProviderType, model string) []ProviderType {
	return g.candidates(g.registry(), preferred, model)
}

func (g *Gateway) candidates(reg *registry.Registry, preferred core.ProviderType, model string) []core.ProviderType {
	var out []core.ProviderType
	seen := make(map[core.ProviderType]bool)
	add := func(t core.ProviderType) {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	if preferred != "" && reg.IsAvailable(preferred) {
		add(preferred)
	}
	if model != "" {
		for _, t := range reg.ListProviders() {
			if a, ok := reg.Get(t); ok && a.ValidateModel(model) {
				add(t)
			}
		}
	}
	add(core.ProviderType(g.cfg.DefaultProvider))
	for _, f := range g.cfg.FallbackProviders {
		add(core.ProviderType(f))
	}
	if model == "" {
		for _, t := range reg.ListProviders() {
			add(t)
		}
	}
	return out
}

// Chat sends req to the first workable candidate and returns its response.
// A failure of that provider is returned as is; use ChatWithAutoFallback
// to move on to other providers.
func (g *Gateway) Chat(ctx context.Context, req Request, preferred ProviderType) (Response, error) {
	if err := validateRequest(req); err != nil {
		return Response{}, err
	}
	reg := g.registry()
	a, t, err := reg.AcquireWithFallback(ctx, g.candidates(reg, preferred, req.Model), req.Model)
	if err != nil {
		return Response{}, err
	}
	return g.dispatch(ctx, reg, a, t, req)
}

// ChatStream is Chat for streaming. It fails before any network call when
// the selected provider cannot stream.
func (g *Gateway) ChatStream(ctx context.Context, req Request, preferred ProviderType) (<-chan StreamChunk, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	reg := g.registry()
	a, t, err := reg.AcquireWithFallback(ctx, g.candidates(reg, preferred, req.Model), req.Model)
	if err != nil {
		return nil, err
	}
	if !a.SupportsStreaming() {
		return nil, fmt.Errorf("%w: %s", moderr.ErrStreamingNotSupported, t)
	}

	reg.Limiter().RecordRequest(t, 0)
	start := time.Now()
	src, err := a.ChatStream(ctx, req)
	if err != nil {
		g.logCall(t, req.Model, Usage{}, time.Since(start), true)
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for c := range src {
			switch {
			case c.Err != nil:
				g.logCall(t, req.Model, Usage{}, time.Since(start), true)
			case c.Done && c.Usage != nil:
				reg.Limiter().RecordTokens(t, c.Usage.TotalTokens)
				g.logCall(t, req.Model, *c.Usage, time.Since(start), false)
			}
			select {
			case out <- c:
			case <-ctx.Done():
				for range src {
				}
				return
			}
		}
	}()
	return out, nil
}

// ChatWithAutoFallback tries every candidate in turn until one succeeds.
// Individual provider errors are logged, not returned; exhaustion yields an
// *errors.ExhaustedError listing how each attempt failed.
func (g *Gateway) ChatWithAutoFallback(ctx context.Context, req Request, preferred ProviderType) (Response, error) {
	if err := validateRequest(req); err != nil {
		return Response{}, err
	}
	reg := g.registry()
	var attempts []moderr.Attempt
	for _, t := range g.candidates(reg, preferred, req.Model) {
		if ctx.Err() != nil {
			break
		}
		a, err := reg.Acquire(ctx, t)
		if err == nil && req.Model != "" && !a.ValidateModel(req.Model) {
			err = fmt.Errorf("%w: %s", moderr.ErrModelNotSupported, req.Model)
		}
		if err == nil {
			var resp Response
			if resp, err = g.dispatch(ctx, reg, a, t, req); err == nil {
				return resp, nil
			}
		}
		g.logger.Warn("provider failed, trying next",
			slog.String("provider", string(t)),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		attempts = append(attempts, moderr.Attempt{Provider: string(t), Type: attemptType(err)})
	}

	exhausted := &moderr.ExhaustedError{Model: req.Model, Attempts: attempts}
	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: %w", err, exhausted)
	}
	return Response{}, exhausted
}

func (g *Gateway) dispatch(ctx context.Context, reg *registry.Registry, a Adapter, t ProviderType, req Request) (Response, error) {
	reg.Limiter().RecordRequest(t, 0)
	start := time.Now()
	resp, err := a.Chat(ctx, req)
	g.logCall(t, req.Model, resp.Usage, time.Since(start), err != nil)
	if err != nil {
		return Response{}, err
	}
	reg.Limiter().RecordTokens(t, resp.Usage.TotalTokens)
	resp.Provider = t
	return resp, nil
}

func (g *Gateway) logCall(t ProviderType, model string, u Usage, latency time.Duration, failed bool) {
	g.logger.Info("llm call",
		slog.String("provider", string(t)),
		slog.String("model", model),
		slog.Int("prompt_tokens", u.PromptTokens),
		slog.Int("completion_tokens", u.CompletionTokens),
		slog.Int("total_tokens", u.TotalTokens),
		slog.Duration("latency_ms", latency),
		slog.Bool("error", failed),
	)
}

// attemptType classifies a failed candidate for ExhaustedError.
func attemptType(err error) moderr.ErrorType {
	var perr *moderr.ProviderError
	switch {
	case errors.As(err, &perr):
		return perr.Type
	case errors.Is(err, moderr.ErrRateLimitExceeded):
		return moderr.TypeRateLimit
	case errors.Is(err, moderr.ErrProviderUnhealthy):
		return moderr.TypeNetwork
	default:
		return moderr.TypeUnknown
	}
}

func validateRequest(req Request) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", moderr.ErrInvalidRequest)
	}
	for i, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem, core.RoleUser, core.RoleAssistant:
		default:
			return fmt.Errorf("%w: messages[%d] has unknown role %q", moderr.ErrInvalidRequest, i, m.Role)
		}
	}
	return nil
}

// UpdateProviderConfig replaces one provider's configuration. Adapters are
// rebuilt on the next call; in-flight calls keep the old adapters. Rate
// windows carry over and only the budgets change.
func (g *Gateway) UpdateProviderConfig(t ProviderType, pc config.ProviderConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pcs := make(map[string]config.ProviderConfig, len(g.cfg.Providers)+1)
	for k, v := range g.cfg.Providers {
		pcs[k] = v
	}
	pcs[string(t)] = pc
	g.cfg.Providers = pcs
	g.reg = nil
}

// ProviderMetrics returns a snapshot of one adapter's counters.
func (g *Gateway) ProviderMetrics(t ProviderType) (Metrics, error) {
	a, ok := g.registry().Get(t)
	if !ok {
		return Metrics{}, fmt.Errorf("%w: %s", moderr.ErrNoProvider, t)
	}
	return a.Metrics(), nil
}

func (g *Gateway) AllMetrics() map[ProviderType]Metrics {
	reg := g.registry()
	out := make(map[ProviderType]Metrics)
	for _, t := range reg.ListProviders() {
		if a, ok := reg.Get(t); ok {
			out[t] = a.Metrics()
		}
	}
	return out
}

// HealthCheck probes every registered provider concurrently. A probe that
// panics is reported as unhealthy.
func (g *Gateway) HealthCheck(ctx context.Context) map[ProviderType]bool {
	reg := g.registry()
	types := reg.ListProviders()
	healthy := make([]bool, len(types))

	var eg errgroup.Group
	for i, t := range types {
		i, t := i, t
		a, ok := reg.Get(t)
		if !ok {
			continue
		}
		eg.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Warn("health probe panicked", slog.String("provider", string(t)), slog.Any("panic", r))
					healthy[i] = false
				}
			}()
			healthy[i] = a.IsHealthy(ctx)
			return nil
		})
	}
	_ = eg.Wait()

	out := make(map[ProviderType]bool, len(types))
	for i, t := range types {
		out[t] = healthy[i]
	}
	return out
}

// SupportedModels lists the models of t, or of every registered provider
// when t is empty.
func (g *Gateway) SupportedModels(t ProviderType) []string {
	reg := g.registry()
	if t != "" {
		if a, ok := reg.Get(t); ok {
			return a.SupportedModels()
		}
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, pt := range reg.ListProviders() {
		a, _ := reg.Get(pt)
		for _, m := range a.SupportedModels() {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// FindProvidersForModel returns the registered providers accepting model,
// in registration order.
func (g *Gateway) FindProvidersForModel(model string) []ProviderType {
	reg := g.registry()
	var out []ProviderType
	for _, t := range reg.ListProviders() {
		if a, ok := reg.Get(t); ok && a.ValidateModel(model) {
			out = append(out, t)
		}
	}
	return out
}

func (g *Gateway) ListProviders() []ProviderType {
	return g.registry().ListProviders()
}

// RemainingRequests reports t's unused request budget in the current window,
// or -1 when unlimited.
func (g *Gateway) RemainingRequests(t ProviderType) int {
	return g.registry().Limiter().RemainingRequests(t)
}
