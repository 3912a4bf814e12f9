// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lizzyg/aigateway/internal/core"
	"github.com/lizzyg/aigateway/internal/providers/base"
	"github.com/lizzyg/aigateway/internal/providers/retry"
	"github.com/lizzyg/aigateway/internal/providers/sse"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	// The Messages API requires max_tokens on every request.
	defaultMaxTokens = 1024
)

var models = []string{
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-opus-20240229",
	"claude-3-sonnet-20240229",
	"claude-3-haiku-20240307",
	"claude-sonnet-4-20250514",
	"claude-opus-4-20250514",
}

type Client struct {
	*base.Adapter
}

func New(hc *http.Client, logger *slog.Logger) *Client {
	return &Client{Adapter: base.New(base.Spec{
		Type:           core.ProviderAnthropic,
		Name:           "Anthropic",
		Models:         models,
		Streaming:      true,
		DefaultBaseURL: defaultBaseURL,
		RequiresKey:    true,
		Auth: func(req *http.Request, apiKey string) {
			req.Header.Set("x-api-key", apiKey)
			req.Header.Set("anthropic-version", apiVersion)
		},
	}, hc, logger)}
}

type messagesRequest struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	System        string    `json:"system,omitempty"`
	Messages      []message `json:"messages"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          float64   `json:"top_p,omitempty"`
	TopK          int       `json:"top_k,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) Chat(ctx context.Context, req core.Request) (core.Response, error) {
	body, err := json.Marshal(c.payload(req))
	if err != nil {
		return core.Response{}, retry.Classify(fmt.Errorf("anthropic marshal payload: %w", err), string(c.Type()))
	}

	var mr messagesResponse
	err = c.Execute(ctx, func(ctx context.Context) (int, error) {
		mr = messagesResponse{}
		httpReq, err := c.NewRequest(ctx, http.MethodPost, "/v1/messages", body)
		if err != nil {
			return 0, err
		}
		if err := c.DoJSON(httpReq, &mr); err != nil {
			return 0, err
		}
		return mr.Usage.InputTokens + mr.Usage.OutputTokens, nil
	})
	if err != nil {
		return core.Response{}, err
	}

	var sb strings.Builder
	for _, block := range mr.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	model := mr.Model
	if model == "" {
		model = c.ModelFor(req)
	}
	return c.Response(mr.ID, model, sb.String(), mr.Usage.InputTokens, mr.Usage.OutputTokens, mapStopReason(mr.StopReason)), nil
}

func (c *Client) ChatStream(ctx context.Context, req core.Request) (<-chan core.StreamChunk, error) {
	body, err := json.Marshal(c.payload(req))
	if err == nil {
		body, err = sjson.SetBytes(body, "stream", true)
	}
	if err != nil {
		return nil, retry.Classify(fmt.Errorf("anthropic marshal payload: %w", err), string(c.Type()))
	}
	open := func(ctx context.Context) (*http.Request, error) {
		r, err := c.NewRequest(ctx, http.MethodPost, "/v1/messages", body)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Accept", "text/event-stream")
		return r, nil
	}
	return c.Stream(ctx, open, c.handleStreamEvent)
}

// handleStreamEvent follows the Messages streaming event sequence:
// message_start, content_block_* deltas, message_delta, message_stop.
func (c *Client) handleStreamEvent(ev sse.Event, st *base.StreamState) (string, bool, error) {
	if !gjson.Valid(ev.Data) {
		return "", false, nil
	}
	r := gjson.Parse(ev.Data)
	typ := r.Get("type").String()
	if typ == "" {
		typ = ev.Name
	}
	switch typ {
	case "message_start":
		st.PromptTokens = int(r.Get("message.usage.input_tokens").Int())
		st.CompletionTokens = int(r.Get("message.usage.output_tokens").Int())
	case "content_block_delta":
		if r.Get("delta.type").String() == "text_delta" {
			return r.Get("delta.text").String(), false, nil
		}
	case "message_delta":
		// output_tokens here is cumulative
		if n := r.Get("usage.output_tokens"); n.Exists() {
			st.CompletionTokens = int(n.Int())
		}
		if sr := r.Get("delta.stop_reason").String(); sr != "" {
			st.FinishReason = mapStopReason(sr)
		}
	case "message_stop":
		return "", true, nil
	case "error":
		native := r.Get("error.type").String()
		return "", false, retry.StreamError(string(c.Type()), native, r.Get("error.message").String(), errorStatus[native])
	}
	return "", false, nil
}

// errorStatus maps Messages API error types to the status the same failure
// carries outside a stream.
var errorStatus = map[string]int{
	"invalid_request_error": http.StatusBadRequest,
	"authentication_error":  http.StatusUnauthorized,
	"permission_error":      http.StatusForbidden,
	"not_found_error":       http.StatusNotFound,
	"request_too_large":     http.StatusRequestEntityTooLarge,
	"rate_limit_error":      http.StatusTooManyRequests,
	"api_error":             http.StatusInternalServerError,
	"overloaded_error":      529,
}

// IsHealthy lists models, which needs a valid key but costs no tokens.
func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.Probe(ctx, "/v1/models")
}

// payload lifts system messages into the top-level system field; the
// Messages API only accepts user and assistant turns.
func (c *Client) payload(req core.Request) messagesRequest {
	p := messagesRequest{
		Model:     c.ModelFor(req),
		MaxTokens: defaultMaxTokens,
		Messages:  make([]message, 0, len(req.Messages)),
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == core.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		p.Messages = append(p.Messages, message{Role: string(m.Role), Content: m.Content})
	}
	p.System = strings.Join(system, "\n\n")
	if gc := req.Config; gc != nil {
		if gc.MaxTokens > 0 {
			p.MaxTokens = gc.MaxTokens
		}
		p.Temperature = gc.Temperature
		p.TopP = gc.TopP
		p.TopK = gc.TopK
		p.StopSequences = gc.StopSequences
	}
	return p
}

func mapStopReason(s string) core.FinishReason {
	switch s {
	case "max_tokens":
		return core.FinishLength
	case "tool_use":
		return core.FinishToolCalls
	case "refusal":
		return core.FinishContentFilter
	default:
		return core.FinishStop
	}
}
