package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lizzyg/aigateway/internal/core"
	"github.com/lizzyg/aigateway/internal/providers/base"
	"github.com/lizzyg/aigateway/internal/providers/retry"
	"github.com/lizzyg/aigateway/internal/providers/sse"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

var models = []string{
	"gemini-2.0-flash",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-1.5-pro",
	"gemini-1.5-flash",
	"gemini-1.5-flash-8b",
	"gemini-pro",
}

type Client struct {
	*base.Adapter
}

func New(hc *http.Client, logger *slog.Logger) *Client {
	return &Client{Adapter: base.New(base.Spec{
		Type:           core.ProviderGemini,
		Name:           "Gemini",
		Models:         models,
		Streaming:      true,
		DefaultBaseURL: defaultBaseURL,
		RequiresKey:    true,
		Auth: func(req *http.Request, apiKey string) {
			// header rather than ?key= so the key never lands in access logs
			req.Header.Set("x-goog-api-key", apiKey)
		},
	}, hc, logger)}
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	TopP             float64  `json:"topP,omitempty"`
	TopK             int      `json:"topK,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	PresencePenalty  float64  `json:"presencePenalty,omitempty"`
	FrequencyPenalty float64  `json:"frequencyPenalty,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	ResponseID   string `json:"responseId"`
	ModelVersion string `json:"modelVersion"`
	Candidates   []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) Chat(ctx context.Context, req core.Request) (core.Response, error) {
	model := c.ModelFor(req)
	body, err := json.Marshal(c.payload(req))
	if err != nil {
		return core.Response{}, retry.Classify(fmt.Errorf("gemini marshal payload: %w", err), string(c.Type()))
	}

	var gr generateResponse
	err = c.Execute(ctx, func(ctx context.Context) (int, error) {
		gr = generateResponse{}
		httpReq, err := c.NewRequest(ctx, http.MethodPost, modelPath(model, "generateContent"), body)
		if err != nil {
			return 0, err
		}
		if err := c.DoJSON(httpReq, &gr); err != nil {
			return 0, err
		}
		return gr.UsageMetadata.PromptTokenCount + gr.UsageMetadata.CandidatesTokenCount, nil
	})
	if err != nil {
		return core.Response{}, err
	}

	var text, finish string
	if len(gr.Candidates) > 0 {
		text = joinParts(gr.Candidates[0].Content.Parts)
		finish = gr.Candidates[0].FinishReason
	} else if gr.PromptFeedback.BlockReason != "" {
		finish = "SAFETY"
	}
	if gr.ModelVersion != "" {
		model = gr.ModelVersion
	}
	u := gr.UsageMetadata
	return c.Response(gr.ResponseID, model, text, u.PromptTokenCount, u.CandidatesTokenCount, mapFinishReason(finish)), nil
}

func (c *Client) ChatStream(ctx context.Context, req core.Request) (<-chan core.StreamChunk, error) {
	model := c.ModelFor(req)
	body, err := json.Marshal(c.payload(req))
	if err != nil {
		return nil, retry.Classify(fmt.Errorf("gemini marshal payload: %w", err), string(c.Type()))
	}
	open := func(ctx context.Context) (*http.Request, error) {
		return c.NewRequest(ctx, http.MethodPost, modelPath(model, "streamGenerateContent")+"?alt=sse", body)
	}
	return c.Stream(ctx, open, c.handleStreamEvent)
}

// handleStreamEvent consumes one GenerateContentResponse. Gemini sends no
// terminal marker; the stream ends at EOF and the last usageMetadata wins.
func (c *Client) handleStreamEvent(ev sse.Event, st *base.StreamState) (string, bool, error) {
	if !gjson.Valid(ev.Data) {
		return "", false, nil
	}
	r := gjson.Parse(ev.Data)
	if e := r.Get("error"); e.Exists() {
		status := int(e.Get("code").Int())
		if status == 0 {
			status = statusCodes[e.Get("status").String()]
		}
		return "", false, retry.StreamError(string(c.Type()), e.Get("status").String(), e.Get("message").String(), status)
	}
	if u := r.Get("usageMetadata"); u.IsObject() {
		st.PromptTokens = int(u.Get("promptTokenCount").Int())
		st.CompletionTokens = int(u.Get("candidatesTokenCount").Int())
	}
	if fr := r.Get("candidates.0.finishReason").String(); fr != "" {
		st.FinishReason = mapFinishReason(fr)
	}
	var sb strings.Builder
	for _, t := range r.Get("candidates.0.content.parts.#.text").Array() {
		sb.WriteString(t.String())
	}
	return sb.String(), false, nil
}

// statusCodes covers the google.rpc codes Gemini reports without an HTTP code.
var statusCodes = map[string]int{
	"INVALID_ARGUMENT":   http.StatusBadRequest,
	"UNAUTHENTICATED":    http.StatusUnauthorized,
	"PERMISSION_DENIED":  http.StatusForbidden,
	"NOT_FOUND":          http.StatusNotFound,
	"RESOURCE_EXHAUSTED": http.StatusTooManyRequests,
	"INTERNAL":           http.StatusInternalServerError,
	"UNAVAILABLE":        http.StatusServiceUnavailable,
	"DEADLINE_EXCEEDED":  http.StatusGatewayTimeout,
}

func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.Probe(ctx, "/v1beta/models")
}

func (c *Client) payload(req core.Request) generateRequest {
	p := generateRequest{Contents: make([]content, 0, len(req.Messages))}
	var system []part
	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem:
			system = append(system, part{Text: m.Content})
		case core.RoleAssistant:
			p.Contents = append(p.Contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			p.Contents = append(p.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		p.SystemInstruction = &content{Parts: system}
	}
	if gc := req.Config; gc != nil {
		p.GenerationConfig = &generationConfig{
			Temperature:      gc.Temperature,
			MaxOutputTokens:  gc.MaxTokens,
			TopP:             gc.TopP,
			TopK:             gc.TopK,
			StopSequences:    gc.StopSequences,
			PresencePenalty:  gc.PresencePenalty,
			FrequencyPenalty: gc.FrequencyPenalty,
		}
	}
	return p
}

func modelPath(model, method string) string {
	return "/v1beta/models/" + url.PathEscape(model) + ":" + method
}

func joinParts(parts []part) string {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func mapFinishReason(s string) core.FinishReason {
	switch s {
	case "MAX_TOKENS":
		return core.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return core.FinishContentFilter
	default:
		return core.FinishStop
	}
}
