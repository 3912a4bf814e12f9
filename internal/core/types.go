package core

import (
	"context"
	"time"

	"github.com/lizzyg/aigateway/internal/config"
)

// ProviderType identifies a backend. It keys configuration, registry lookup
// and rate-limit buckets.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGemini    ProviderType = "gemini"
	ProviderDeepSeek  ProviderType = "deepseek"
	ProviderLocal     ProviderType = "local"
)

// AllProviderTypes returns every known provider in registration order.
func AllProviderTypes() []ProviderType {
	return []ProviderType{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderDeepSeek, ProviderLocal}
}

// ParseProviderType reports whether s names a known provider.
func ParseProviderType(s string) (ProviderType, bool) {
	for _, p := range AllProviderTypes() {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationConfig carries optional sampling parameters. Zero values mean
// "backend default", except Temperature which is a pointer so 0 can be sent.
type GenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	TopP             float64  `json:"top_p,omitempty"`
	TopK             int      `json:"top_k,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
	PresencePenalty  float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64  `json:"frequency_penalty,omitempty"`
}

// Request is a provider-agnostic chat request. It is never mutated by the gateway.
type Request struct {
	Model    string            `json:"model"`
	Messages []Message         `json:"messages"`
	Config   *GenerationConfig `json:"config,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a Usage whose total always equals prompt + completion.
func NewUsage(prompt, completion int) Usage {
	if prompt < 0 {
		prompt = 0
	}
	if completion < 0 {
		completion = 0
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
)

type Response struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	Model        string       `json:"model"`
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finish_reason"`
	Timestamp    time.Time    `json:"timestamp"`
	Provider     ProviderType `json:"provider,omitempty"`
}

// StreamChunk is one element of a streaming response. A successful stream
// ends with exactly one chunk where Done is true and Usage is set; a failed
// stream ends with one chunk carrying Err.
type StreamChunk struct {
	Content      string       `json:"content"`
	Done         bool         `json:"done"`
	Usage        *Usage       `json:"usage,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Err          error        `json:"-"`
}

type Metrics struct {
	RequestCount    int64         `json:"request_count"`
	ErrorCount      int64         `json:"error_count"`
	AverageLatency  time.Duration `json:"average_latency"`
	TokensUsed      int64         `json:"tokens_used"`
	LastRequestTime time.Time     `json:"last_request_time"`
}

// Adapter is implemented by every backend.
type Adapter interface {
	Type() ProviderType
	Name() string
	SupportedModels() []string
	SupportsStreaming() bool

	// Initialize validates cfg and prepares the backend client. It is only
	// called at startup, never concurrently with calls.
	Initialize(cfg config.ProviderConfig) error

	Chat(ctx context.Context, req Request) (Response, error)
	ChatStream(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// IsHealthy probes the backend and never panics or returns an error.
	IsHealthy(ctx context.Context) bool
	ValidateModel(model string) bool
	Metrics() Metrics
}
