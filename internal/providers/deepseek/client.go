// Package deepseek adapts DeepSeek's OpenAI-compatible chat API.
package deepseek

import (
	"log/slog"
	"net/http"

	"github.com/lizzyg/aigateway/internal/core"
	"github.com/lizzyg/aigateway/internal/providers/base"
	"github.com/lizzyg/aigateway/internal/providers/openai"
)

const defaultBaseURL = "https://api.deepseek.com/v1"

// Client embeds the OpenAI client; DeepSeek speaks the same protocol.
type Client struct {
	*openai.Client
}

func New(hc *http.Client, logger *slog.Logger) *Client {
	return &Client{Client: openai.NewCompatible(base.Spec{
		Type:           core.ProviderDeepSeek,
		Name:           "DeepSeek",
		Models:         []string{"deepseek-chat", "deepseek-coder", "deepseek-reasoner"},
		Streaming:      true,
		DefaultBaseURL: defaultBaseURL,
		RequiresKey:    true,
	}, hc, logger)}
}
