package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	moderr "github.com/lizzyg/aigateway/errors"
	"github.com/lizzyg/aigateway/internal/config"
	"github.com/lizzyg/aigateway/internal/core"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.Client(), nil)
	require.NoError(t, c.Initialize(config.ProviderConfig{
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}))
	return c
}

func userRequest(model string) core.Request {
	return core.Request{Model: model, Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}
}

func TestInitializeRequiresKey(t *testing.T) {
	err := New(nil, nil).Initialize(config.ProviderConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, moderr.ErrMissingAPIKey))
}

func TestChat(t *testing.T) {
	temp := 0.0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "gpt-4o", gjson.GetBytes(body, "model").String())
		assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
		assert.True(t, gjson.GetBytes(body, "temperature").Exists(), "zero temperature must be sent")
		assert.Equal(t, int64(64), gjson.GetBytes(body, "max_tokens").Int())
		assert.False(t, gjson.GetBytes(body, "stream").Exists())

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o-2024-08-06",
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "hello"},
				"finish_reason": "length",
			}},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12},
		})
	})

	resp, err := c.Chat(context.Background(), core.Request{
		Model: "gpt-4o",
		Messages: []core.Message{
			{Role: core.RoleSystem, Content: "be brief"},
			{Role: core.RoleUser, Content: "hi"},
		},
		Config: &core.GenerationConfig{Temperature: &temp, MaxTokens: 64},
	})
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "gpt-4o-2024-08-06", resp.Model)
	assert.Equal(t, core.FinishLength, resp.FinishReason)
	assert.Equal(t, core.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}, resp.Usage)
	assert.Equal(t, core.ProviderOpenAI, resp.Provider)

	m := c.Metrics()
	assert.Equal(t, int64(1), m.RequestCount)
	assert.Equal(t, int64(12), m.TokensUsed)
}

func TestChatDefaultsModel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, models[0], gjson.GetBytes(body, "model").String())
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	})
	resp, err := c.Chat(context.Background(), userRequest(""))
	require.NoError(t, err)
	assert.Equal(t, models[0], resp.Model)
	assert.NotEmpty(t, resp.ID)
}

func TestChatRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"id":"x","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	})
	resp, err := c.Chat(context.Background(), userRequest("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})
	_, err := c.Chat(context.Background(), userRequest("gpt-4o"))
	require.Error(t, err)

	var perr *moderr.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, moderr.TypeAuthentication, perr.Type)
	assert.Equal(t, "openai", perr.Provider)
	assert.False(t, perr.Retryable)
	assert.Equal(t, int32(1), calls.Load())

	m := c.Metrics()
	assert.Equal(t, int64(1), m.RequestCount)
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Zero(t, m.TokensUsed)
}

func TestChatNotInitialized(t *testing.T) {
	_, err := New(nil, nil).Chat(context.Background(), userRequest("gpt-4o"))
	assert.True(t, errors.Is(err, moderr.ErrNotInitialized))
}

func TestChatStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.True(t, gjson.GetBytes(body, "stream").Bool())
		assert.True(t, gjson.GetBytes(body, "stream_options.include_usage").Bool())

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := c.ChatStream(context.Background(), userRequest("gpt-4o"))
	require.NoError(t, err)

	var chunks []core.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.Equal(t, "lo", chunks[1].Content)
	last := chunks[2]
	assert.True(t, last.Done)
	require.NotNil(t, last.Usage)
	assert.Equal(t, core.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, *last.Usage)
	assert.Equal(t, core.FinishStop, last.FinishReason)
	assert.Equal(t, int64(5), c.Metrics().TokensUsed)
}

func TestChatStreamErrorBeforeFirstChunk(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	ch, err := c.ChatStream(context.Background(), userRequest("gpt-4o"))
	assert.Nil(t, ch)
	var perr *moderr.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, moderr.TypeRateLimit, perr.Type)
}

func TestChatStreamErrorEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"upstream exploded\"}}\n\n")
	})
	ch, err := c.ChatStream(context.Background(), userRequest("gpt-4o"))
	require.NoError(t, err)

	var chunks []core.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "a", chunks[0].Content)
	require.Error(t, chunks[1].Err)
	assert.Contains(t, chunks[1].Err.Error(), "upstream exploded")
	assert.False(t, chunks[1].Done)
	assert.Equal(t, int64(1), c.Metrics().ErrorCount)
}

func TestChatStreamOpenStatusTypes(t *testing.T) {
	tests := []struct {
		status    int
		want      moderr.ErrorType
		retryable bool
	}{
		{http.StatusUnauthorized, moderr.TypeAuthentication, false},
		{http.StatusTooManyRequests, moderr.TypeRateLimit, true},
		{http.StatusBadGateway, moderr.TypeServerError, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			ch, err := c.ChatStream(context.Background(), userRequest("gpt-4o"))
			assert.Nil(t, ch)
			var perr *moderr.ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.want, perr.Type)
			assert.Equal(t, tt.retryable, perr.Retryable)
		})
	}
}

func TestChatStreamTypedErrorEvent(t *testing.T) {
	tests := []struct {
		name  string
		event string
		code  string
		want  moderr.ErrorType
	}{
		{"rate limit code", `{"error":{"message":"slow","type":"requests","code":"rate_limit_exceeded"}}`, "rate_limit_exceeded", moderr.TypeRateLimit},
		{"server type", `{"error":{"message":"oops","type":"server_error","code":null}}`, "server_error", moderr.TypeServerError},
		{"bad key", `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`, "invalid_api_key", moderr.TypeAuthentication},
		{"numeric code", `{"error":{"message":"busy","code":503}}`, "stream_error", moderr.TypeServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, "data: %s\n\n", tt.event)
			})
			ch, err := c.ChatStream(context.Background(), userRequest("gpt-4o"))
			assert.Nil(t, ch)
			var perr *moderr.ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.want, perr.Type)
			assert.Equal(t, tt.code, perr.Code)
			assert.Equal(t, "openai", perr.Provider)
		})
	}
}

func TestIsHealthy(t *testing.T) {
	healthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, `{"data":[]}`)
	})
	assert.True(t, healthy.IsHealthy(context.Background()))

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	assert.False(t, down.IsHealthy(context.Background()))

	assert.False(t, New(nil, nil).IsHealthy(context.Background()))
}

func TestValidateModel(t *testing.T) {
	c := New(nil, nil)
	require.NoError(t, c.Initialize(config.ProviderConfig{APIKey: "k", Models: []string{"ft:gpt-4o:acme"}}))
	assert.True(t, c.ValidateModel("gpt-4o"))
	assert.True(t, c.ValidateModel("ft:gpt-4o:acme"))
	assert.False(t, c.ValidateModel("claude-3-opus-20240229"))
	assert.Contains(t, c.SupportedModels(), "ft:gpt-4o:acme")
	assert.True(t, c.SupportsStreaming())
}

func TestMapFinishReason(t *testing.T) {
	tests := map[string]core.FinishReason{
		"stop":           core.FinishStop,
		"length":         core.FinishLength,
		"content_filter": core.FinishContentFilter,
		"tool_calls":     core.FinishToolCalls,
		"":               core.FinishStop,
	}
	for in, want := range tests {
		assert.Equal(t, want, mapFinishReason(in), in)
	}
}
