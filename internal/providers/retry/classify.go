package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	moderr "github.com/lizzyg/aigateway/errors"
)

// HTTPStatusError wraps HTTP status codes to enable reliable retry decisions.
type HTTPStatusError struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
	Source string `json:"source"` // e.g., "openai", "gemini"
}

// NewHTTPStatusError creates a new HTTP status error
func NewHTTPStatusError(status int, body, source string) *HTTPStatusError {
	return &HTTPStatusError{
		Status: status,
		Body:   body,
		Source: source,
	}
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Source, e.Status, e.Body)
}

// StreamError classifies an error the backend reported inside a response
// stream. code is the backend's own error type and status the HTTP status it
// stands for, or 0 when there is none.
func StreamError(source, code, message string, status int) *moderr.ProviderError {
	out := Classify(NewHTTPStatusError(status, message, source), source)
	if code == "" {
		code = "stream_error"
	}
	out.Code = code
	out.Message = message
	out.Details.(map[string]any)["in_stream"] = true
	return out
}

// Classify maps any backend failure into the error taxonomy. Errors that are
// already classified pass through; unrecognized errors are treated as
// transient.
func Classify(err error, source string) *moderr.ProviderError {
	if err == nil {
		return nil
	}
	var pe *moderr.ProviderError
	if errors.As(err, &pe) {
		if pe.Provider != "" {
			return pe
		}
		// the caller may share pe; tag a copy
		cp := *pe
		cp.Provider = source
		return &cp
	}

	out := &moderr.ProviderError{Provider: source, Message: err.Error(), Err: err}

	var he *HTTPStatusError
	if errors.As(err, &he) {
		out.Code = fmt.Sprintf("http_%d", he.Status)
		out.Details = map[string]any{"status": he.Status, "body": he.Body}
		switch {
		case he.Status == http.StatusTooManyRequests:
			out.Type, out.Retryable = moderr.TypeRateLimit, true
		case he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden:
			out.Type, out.Retryable = moderr.TypeAuthentication, false
		case he.Status >= 500:
			out.Type, out.Retryable = moderr.TypeServerError, true
		default:
			out.Type, out.Retryable = moderr.TypeUnknown, true
		}
		return out
	}

	if isNetworkError(err) {
		out.Code = "network_error"
		out.Type, out.Retryable = moderr.TypeNetwork, true
		return out
	}

	out.Code = "unknown_error"
	out.Type, out.Retryable = moderr.TypeUnknown, true
	return out
}

// IsTransient reports whether the classified error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err, "").Retryable
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	var de *net.DNSError
	return errors.As(err, &de)
}
