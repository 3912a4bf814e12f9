package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lizzyg/aigateway/internal/core"
	"github.com/lizzyg/aigateway/internal/providers/base"
	"github.com/lizzyg/aigateway/internal/providers/retry"
	"github.com/lizzyg/aigateway/internal/providers/sse"
)

const defaultBaseURL = "https://api.openai.com/v1"

var models = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4-turbo",
	"gpt-4",
	"gpt-3.5-turbo",
	"o1",
	"o1-mini",
	"o3-mini",
}

// Client speaks the Chat Completions protocol. DeepSeek and local
// Ollama-style servers reuse it through NewCompatible.
type Client struct {
	*base.Adapter
}

func New(hc *http.Client, logger *slog.Logger) *Client {
	return NewCompatible(base.Spec{
		Type:           core.ProviderOpenAI,
		Name:           "OpenAI",
		Models:         models,
		Streaming:      true,
		DefaultBaseURL: defaultBaseURL,
		RequiresKey:    true,
	}, hc, logger)
}

// NewCompatible builds a client for any backend that exposes an
// OpenAI-compatible /chat/completions endpoint.
func NewCompatible(spec base.Spec, hc *http.Client, logger *slog.Logger) *Client {
	spec.Auth = bearer
	return &Client{Adapter: base.New(spec, hc, logger)}
}

func bearer(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	TopP             float64       `json:"top_p,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) Chat(ctx context.Context, req core.Request) (core.Response, error) {
	body, err := json.Marshal(c.payload(req))
	if err != nil {
		return core.Response{}, retry.Classify(fmt.Errorf("%s marshal payload: %w", c.Type(), err), string(c.Type()))
	}

	var rr chatResponse
	err = c.Execute(ctx, func(ctx context.Context) (int, error) {
		rr = chatResponse{}
		httpReq, err := c.NewRequest(ctx, http.MethodPost, "/chat/completions", body)
		if err != nil {
			return 0, err
		}
		if err := c.DoJSON(httpReq, &rr); err != nil {
			return 0, err
		}
		return rr.Usage.PromptTokens + rr.Usage.CompletionTokens, nil
	})
	if err != nil {
		return core.Response{}, err
	}

	var content, finish string
	if len(rr.Choices) > 0 {
		content = rr.Choices[0].Message.Content
		finish = rr.Choices[0].FinishReason
	}
	model := rr.Model
	if model == "" {
		model = c.ModelFor(req)
	}
	return c.Response(rr.ID, model, content, rr.Usage.PromptTokens, rr.Usage.CompletionTokens, mapFinishReason(finish)), nil
}

func (c *Client) ChatStream(ctx context.Context, req core.Request) (<-chan core.StreamChunk, error) {
	body, err := json.Marshal(c.payload(req))
	if err == nil {
		body, err = sjson.SetBytes(body, "stream", true)
	}
	if err == nil {
		// Without this the final usage event is omitted.
		body, err = sjson.SetBytes(body, "stream_options.include_usage", true)
	}
	if err != nil {
		return nil, retry.Classify(fmt.Errorf("%s marshal payload: %w", c.Type(), err), string(c.Type()))
	}
	open := func(ctx context.Context) (*http.Request, error) {
		r, err := c.NewRequest(ctx, http.MethodPost, "/chat/completions", body)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Accept", "text/event-stream")
		return r, nil
	}
	return c.Stream(ctx, open, c.handleStreamEvent)
}

// handleStreamEvent consumes one chat.completion.chunk event.
func (c *Client) handleStreamEvent(ev sse.Event, st *base.StreamState) (string, bool, error) {
	if ev.Data == "[DONE]" {
		return "", true, nil
	}
	if !gjson.Valid(ev.Data) {
		return "", false, nil
	}
	r := gjson.Parse(ev.Data)
	if e := r.Get("error"); e.Exists() {
		return "", false, streamError(string(c.Type()), e)
	}
	if u := r.Get("usage"); u.IsObject() {
		st.PromptTokens = int(u.Get("prompt_tokens").Int())
		st.CompletionTokens = int(u.Get("completion_tokens").Int())
	}
	if fr := r.Get("choices.0.finish_reason").String(); fr != "" {
		st.FinishReason = mapFinishReason(fr)
	}
	return r.Get("choices.0.delta.content").String(), false, nil
}

// streamError maps an in-stream error object. OpenAI-compatible servers put
// either a numeric status or a string type in code.
func streamError(source string, e gjson.Result) error {
	code := e.Get("code")
	native := code.String()
	if code.Type != gjson.String || native == "" {
		native = e.Get("type").String()
	}
	status := 0
	switch native {
	case "rate_limit_exceeded", "insufficient_quota", "requests", "tokens":
		status = http.StatusTooManyRequests
	case "invalid_api_key", "authentication_error":
		status = http.StatusUnauthorized
	case "permission_error":
		status = http.StatusForbidden
	case "server_error", "api_error":
		status = http.StatusInternalServerError
	case "service_unavailable", "overloaded":
		status = http.StatusServiceUnavailable
	case "invalid_request_error":
		status = http.StatusBadRequest
	}
	if code.Type == gjson.Number {
		status = int(code.Int())
	}
	return retry.StreamError(source, native, e.Get("message").String(), status)
}

func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.Probe(ctx, "/models")
}

func (c *Client) payload(req core.Request) chatRequest {
	p := chatRequest{
		Model:    c.ModelFor(req),
		Messages: make([]chatMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		p.Messages = append(p.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	if gc := req.Config; gc != nil {
		p.Temperature = gc.Temperature
		p.MaxTokens = gc.MaxTokens
		p.TopP = gc.TopP
		p.Stop = gc.StopSequences
		p.PresencePenalty = gc.PresencePenalty
		p.FrequencyPenalty = gc.FrequencyPenalty
	}
	return p
}

func mapFinishReason(s string) core.FinishReason {
	switch s {
	case "length":
		return core.FinishLength
	case "content_filter":
		return core.FinishContentFilter
	case "tool_calls", "function_call":
		return core.FinishToolCalls
	default:
		return core.FinishStop
	}
}
