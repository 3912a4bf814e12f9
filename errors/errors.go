package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrNoProvider            = errors.New("no registered provider for type")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrProviderUnhealthy     = errors.New("provider failed health check")
	ErrModelNotSupported     = errors.New("model not supported by provider")
	ErrStreamingNotSupported = errors.New("provider does not support streaming")
	ErrNoAvailableProvider   = errors.New("no available provider")
	ErrAllProvidersFailed    = errors.New("all providers failed")
	ErrMissingAPIKey         = errors.New("api key required")
	ErrNotInitialized        = errors.New("provider not initialized")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidBaseURL        = errors.New("base url must be an absolute http(s) url")
	ErrStructuredOutput      = errors.New("reply is not valid JSON for the requested type")
)

// ErrorType is the closed taxonomy every backend failure is mapped into.
type ErrorType string

const (
	TypeRateLimit      ErrorType = "rate_limit"
	TypeAuthentication ErrorType = "authentication"
	TypeNetwork        ErrorType = "network"
	TypeServerError    ErrorType = "server_error"
	TypeUnknown        ErrorType = "unknown"
)

// ProviderError is the only error shape that crosses adapter boundaries.
type ProviderError struct {
	Provider  string    `json:"provider,omitempty"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Type      ErrorType `json:"type"`
	Details   any       `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`

	Err error `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s %s (%s): %s", e.Provider, e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Attempt records how one candidate failed during auto-fallback.
type Attempt struct {
	Provider string    `json:"provider"`
	Type     ErrorType `json:"type"`
}

// ExhaustedError is returned once every candidate provider has failed.
// It deliberately keeps only the classification of each failure.
type ExhaustedError struct {
	Model    string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	model := e.Model
	if model == "" {
		model = "(default)"
	}
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("all providers failed for model %s: no candidates", model)
	}
	tried := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		tried[i] = a.Provider + "=" + string(a.Type)
	}
	return fmt.Sprintf("all providers failed for model %s (tried %s)", model, strings.Join(tried, ", "))
}

func (e *ExhaustedError) Unwrap() error { return ErrAllProvidersFailed }
