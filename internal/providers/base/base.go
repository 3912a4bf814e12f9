// Package base holds the plumbing every provider adapter shares: declared
// capabilities, initialization, retried HTTP calls, metrics, health probes
// and the streaming pump. Concrete adapters embed *Adapter and add the
// backend-specific request/response translation.
package base

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	moderr "github.com/lizzyg/aigateway/errors"
	"github.com/lizzyg/aigateway/internal/config"
	"github.com/lizzyg/aigateway/internal/core"
	"github.com/lizzyg/aigateway/internal/providers/retry"
)

const (
	// DefaultTimeout bounds one backend attempt when the config sets none.
	DefaultTimeout = 30 * time.Second

	// probeTimeout caps health checks regardless of the call timeout.
	probeTimeout = 10 * time.Second

	// maxResponseSize prevents OOM on unexpectedly large API responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits error body in error messages to avoid log bloat.
	maxErrorBodyLen = 500
)

// Spec declares an adapter's static capabilities.
type Spec struct {
	Type           core.ProviderType
	Name           string
	Models         []string
	Streaming      bool
	DefaultBaseURL string
	DefaultTimeout time.Duration
	RequiresKey    bool

	// Auth sets the credential headers on every outgoing request.
	Auth func(req *http.Request, apiKey string)
}

type Adapter struct {
	spec       Spec
	httpClient *http.Client
	logger     *slog.Logger

	cfg     config.ProviderConfig
	models  []string
	retry   retry.Config
	ready   bool
	metrics core.MetricsRecorder
}

func New(spec Spec, hc *http.Client, logger *slog.Logger) *Adapter {
	if hc == nil {
		hc = &http.Client{} // timeout via context, not client
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		spec:       spec,
		httpClient: hc,
		logger:     logger.With(slog.String("provider", string(spec.Type))),
		models:     append([]string(nil), spec.Models...),
		retry:      retry.DefaultConfig(),
	}
}

func (a *Adapter) Type() core.ProviderType       { return a.spec.Type }
func (a *Adapter) Name() string                  { return a.spec.Name }
func (a *Adapter) SupportsStreaming() bool       { return a.spec.Streaming }
func (a *Adapter) Metrics() core.Metrics         { return a.metrics.Snapshot() }
func (a *Adapter) Logger() *slog.Logger          { return a.logger }
func (a *Adapter) Config() config.ProviderConfig { return a.cfg }

func (a *Adapter) SupportedModels() []string {
	return append([]string(nil), a.models...)
}

func (a *Adapter) ValidateModel(model string) bool {
	for _, m := range a.models {
		if m == model {
			return true
		}
	}
	return false
}

// Initialize validates cfg, applies defaults and derives the retry policy.
func (a *Adapter) Initialize(cfg config.ProviderConfig) error {
	if a.spec.RequiresKey && cfg.APIKey == "" {
		return &moderr.ProviderError{
			Provider: string(a.spec.Type),
			Code:     "missing_api_key",
			Message:  fmt.Sprintf("%s requires an api key", a.spec.Name),
			Type:     moderr.TypeAuthentication,
			Err:      moderr.ErrMissingAPIKey,
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = a.spec.DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &moderr.ProviderError{
			Provider: string(a.spec.Type),
			Code:     "invalid_base_url",
			Message:  fmt.Sprintf("%s base url %q is not an absolute http(s) url", a.spec.Name, cfg.BaseURL),
			Type:     moderr.TypeUnknown,
			Details:  map[string]any{"base_url": cfg.BaseURL},
			Err:      moderr.ErrInvalidBaseURL,
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = a.spec.DefaultTimeout
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	rc := retry.DefaultConfig()
	if cfg.MaxRetries > 0 {
		rc.MaxAttempts = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		rc.InitialDelay = cfg.RetryDelay
	}

	models := append([]string(nil), a.spec.Models...)
	for _, m := range cfg.Models {
		if !contains(models, m) {
			models = append(models, m)
		}
	}

	a.cfg, a.retry, a.models, a.ready = cfg, rc, models, true
	return nil
}

// ModelFor returns the model to send: the requested one, or the first
// supported model when the request leaves it empty.
func (a *Adapter) ModelFor(req core.Request) string {
	if req.Model != "" || len(a.models) == 0 {
		return req.Model
	}
	return a.models[0]
}

// Execute runs one non-streaming call through the retry executor. Every
// attempt gets its own timeout. The call returns the tokens it consumed.
func (a *Adapter) Execute(ctx context.Context, call func(ctx context.Context) (int, error)) error {
	if !a.ready {
		return a.notReady()
	}
	start := time.Now()
	attempt, tokens := 0, 0
	err := retry.Do(ctx, a.retry, string(a.spec.Type), func(ctx context.Context) error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		n, err := call(actx)
		if err != nil {
			a.logger.Debug("backend attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return err
		}
		tokens = n
		return nil
	})
	a.metrics.Record(time.Since(start), tokens, err)
	return err
}

// NewRequest builds a request against the configured base URL with auth
// headers applied. body may be nil, []byte or any JSON-marshalable value.
// A request that cannot be built is reported as a non-retryable error.
func (a *Adapter) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, a.buildError(fmt.Errorf("marshal payload: %w", err))
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, r)
	if err != nil {
		return nil, a.buildError(err)
	}
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.spec.Auth != nil {
		a.spec.Auth(req, a.cfg.APIKey)
	}
	return req, nil
}

func (a *Adapter) buildError(err error) *moderr.ProviderError {
	return &moderr.ProviderError{
		Provider: string(a.spec.Type),
		Code:     "invalid_request",
		Message:  err.Error(),
		Type:     moderr.TypeUnknown,
		Err:      fmt.Errorf("%w: %w", moderr.ErrInvalidRequest, err),
	}
}

// Do sends req and turns any status >= 400 into a *retry.HTTPStatusError.
// The caller closes the body of a successful response.
func (a *Adapter) Do(req *http.Request) (*http.Response, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen+1))
		body := string(b)
		if len(body) > maxErrorBodyLen {
			body = body[:maxErrorBodyLen] + "... (truncated)"
		}
		return nil, retry.NewHTTPStatusError(resp.StatusCode, body, string(a.spec.Type))
	}
	return resp, nil
}

// DoJSON sends req and decodes the response body into out.
func (a *Adapter) DoJSON(req *http.Request, out any) error {
	resp, err := a.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("%s decode response: %w", a.spec.Type, err)
	}
	return nil
}

// Probe issues a cheap GET and reports whether it succeeded.
func (a *Adapter) Probe(ctx context.Context, path string) bool {
	if !a.ready {
		return false
	}
	timeout := a.cfg.Timeout
	if timeout > probeTimeout {
		timeout = probeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := a.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false
	}
	resp, err := a.Do(req)
	if err != nil {
		a.logger.Debug("health probe failed", slog.String("error", err.Error()))
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	return true
}

// Response assembles a normalized response, defaulting the id, model and
// timestamp when the backend omits them.
func (a *Adapter) Response(id, model, content string, prompt, completion int, finish core.FinishReason) core.Response {
	if id == "" {
		id = uuid.NewString()
	}
	if finish == "" {
		finish = core.FinishStop
	}
	return core.Response{
		ID:           id,
		Content:      content,
		Model:        model,
		Usage:        core.NewUsage(prompt, completion),
		FinishReason: finish,
		Timestamp:    time.Now(),
		Provider:     a.spec.Type,
	}
}

func (a *Adapter) notReady() error {
	return &moderr.ProviderError{
		Provider: string(a.spec.Type),
		Code:     "not_initialized",
		Message:  fmt.Sprintf("%s adapter used before Initialize", a.spec.Name),
		Type:     moderr.TypeUnknown,
		Err:      moderr.ErrNotInitialized,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
