// Package aigateway dispatches provider-agnostic chat requests to OpenAI,
// Anthropic, Gemini, DeepSeek or a local model server, with retries,
// fallback, rate limiting, metrics and health checks.
package aigateway

import (
	"context"
	"encoding/json"

	moderr "github.com/lizzyg/aigateway/errors"
	"github.com/lizzyg/aigateway/internal/config"
	"github.com/lizzyg/aigateway/internal/core"
	"github.com/lizzyg/aigateway/internal/jsonout"
)

type (
	ProviderType     = core.ProviderType
	Request          = core.Request
	Message          = core.Message
	Role             = core.Role
	GenerationConfig = core.GenerationConfig
	Response         = core.Response
	Usage            = core.Usage
	FinishReason     = core.FinishReason
	StreamChunk      = core.StreamChunk
	Metrics          = core.Metrics

	// Adapter is implemented by every backend.
	Adapter = core.Adapter

	Config         = config.GatewayConfig
	ProviderConfig = config.ProviderConfig
)

const (
	ProviderOpenAI    = core.ProviderOpenAI
	ProviderAnthropic = core.ProviderAnthropic
	ProviderGemini    = core.ProviderGemini
	ProviderDeepSeek  = core.ProviderDeepSeek
	ProviderLocal     = core.ProviderLocal

	RoleSystem    = core.RoleSystem
	RoleUser      = core.RoleUser
	RoleAssistant = core.RoleAssistant

	FinishStop          = core.FinishStop
	FinishLength        = core.FinishLength
	FinishContentFilter = core.FinishContentFilter
	FinishToolCalls     = core.FinishToolCalls
)

// ChatJSON runs req with auto-fallback and decodes the reply into T. Replies
// wrapped in markdown fences or surrounded by prose are repaired first.
// If T is string, the raw text is returned.
func ChatJSON[T any](ctx context.Context, g *Gateway, req Request, preferred ProviderType) (T, error) {
	var zero T
	resp, err := g.ChatWithAutoFallback(ctx, req, preferred)
	if err != nil {
		return zero, err
	}
	if s, ok := any(resp.Content).(T); ok {
		return s, nil
	}
	var out T
	if err := json.Unmarshal([]byte(resp.Content), &out); err == nil {
		return out, nil
	}
	if repaired, ok := jsonout.Repair(resp.Content); ok {
		if err := json.Unmarshal([]byte(repaired), &out); err == nil {
			return out, nil
		}
	}
	return zero, moderr.ErrStructuredOutput
}
