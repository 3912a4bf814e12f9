package gemini

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

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
	require.NoError(t, c.Initialize(config.ProviderConfig{APIKey: "g-key", BaseURL: srv.URL, MaxRetries: 1}))
	return c
}

func TestChat(t *testing.T) {
	temp := 0.2
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-1.5-pro:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "sys", gjson.GetBytes(body, "systemInstruction.parts.0.text").String())
		assert.Equal(t, "user", gjson.GetBytes(body, "contents.0.role").String())
		assert.Equal(t, "model", gjson.GetBytes(body, "contents.1.role").String())
		assert.Equal(t, int64(100), gjson.GetBytes(body, "generationConfig.maxOutputTokens").Int())
		assert.InDelta(t, 0.2, gjson.GetBytes(body, "generationConfig.temperature").Float(), 1e-9)

		fmt.Fprint(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Bonjour"}, {"text": "!"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 8, "candidatesTokenCount": 3, "totalTokenCount": 11},
			"modelVersion": "gemini-1.5-pro-002",
			"responseId": "resp-1"
		}`)
	})

	resp, err := c.Chat(context.Background(), core.Request{
		Model: "gemini-1.5-pro",
		Messages: []core.Message{
			{Role: core.RoleSystem, Content: "sys"},
			{Role: core.RoleUser, Content: "hello"},
			{Role: core.RoleAssistant, Content: "hi"},
			{Role: core.RoleUser, Content: "in french"},
		},
		Config: &core.GenerationConfig{Temperature: &temp, MaxTokens: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, "resp-1", resp.ID)
	assert.Equal(t, "Bonjour!", resp.Content)
	assert.Equal(t, "gemini-1.5-pro-002", resp.Model)
	assert.Equal(t, core.FinishStop, resp.FinishReason)
	assert.Equal(t, core.Usage{PromptTokens: 8, CompletionTokens: 3, TotalTokens: 11}, resp.Usage)
}

func TestChatBlockedPrompt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"promptFeedback":{"blockReason":"SAFETY"},"usageMetadata":{"promptTokenCount":4}}`)
	})
	resp, err := c.Chat(context.Background(), core.Request{Messages: []core.Message{{Role: core.RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
	assert.Equal(t, core.FinishContentFilter, resp.FinishReason)
	assert.Equal(t, models[0], resp.Model)
}

func TestChatStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"One \"}]}}],\"usageMetadata\":{\"promptTokenCount\":5}}\r\n\r\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"two\"}]},\"finishReason\":\"MAX_TOKENS\"}],\"usageMetadata\":{\"promptTokenCount\":5,\"candidatesTokenCount\":2}}\r\n\r\n")
	})

	ch, err := c.ChatStream(context.Background(), core.Request{
		Model:    "gemini-2.0-flash",
		Messages: []core.Message{{Role: core.RoleUser, Content: "count"}},
	})
	require.NoError(t, err)

	var chunks []core.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "One ", chunks[0].Content)
	assert.Equal(t, "two", chunks[1].Content)
	assert.True(t, chunks[2].Done)
	assert.Equal(t, core.FinishLength, chunks[2].FinishReason)
	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 7, chunks[2].Usage.TotalTokens)
}

func TestChatStreamErrorEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"error\":{\"code\":429,\"message\":\"quota\",\"status\":\"RESOURCE_EXHAUSTED\"}}\r\n\r\n")
	})
	ch, err := c.ChatStream(context.Background(), core.Request{
		Model:    "gemini-2.0-flash",
		Messages: []core.Message{{Role: core.RoleUser, Content: "count"}},
	})
	assert.Nil(t, ch)
	var perr *moderr.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, moderr.TypeRateLimit, perr.Type)
	assert.Equal(t, "RESOURCE_EXHAUSTED", perr.Code)
	assert.Equal(t, "quota", perr.Message)
}

func TestChatStreamErrorEventStatusOnly(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"One \"}]}}]}\r\n\r\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"try later\",\"status\":\"UNAVAILABLE\"}}\r\n\r\n")
	})
	ch, err := c.ChatStream(context.Background(), core.Request{
		Model:    "gemini-2.0-flash",
		Messages: []core.Message{{Role: core.RoleUser, Content: "count"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "One ", (<-ch).Content)
	var perr *moderr.ProviderError
	require.ErrorAs(t, (<-ch).Err, &perr)
	assert.Equal(t, moderr.TypeServerError, perr.Type)
	assert.True(t, perr.Retryable)
}

func TestMapFinishReason(t *testing.T) {
	tests := []struct {
		in   string
		want core.FinishReason
	}{
		{"STOP", core.FinishStop},
		{"MAX_TOKENS", core.FinishLength},
		{"SAFETY", core.FinishContentFilter},
		{"RECITATION", core.FinishContentFilter},
		{"PROHIBITED_CONTENT", core.FinishContentFilter},
		{"OTHER", core.FinishStop},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapFinishReason(tt.in), tt.in)
	}
}
