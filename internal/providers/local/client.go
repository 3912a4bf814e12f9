// Package local adapts self-hosted OpenAI-compatible servers such as Ollama.
package local

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lizzyg/aigateway/internal/core"
	"github.com/lizzyg/aigateway/internal/providers/base"
	"github.com/lizzyg/aigateway/internal/providers/openai"
)

const (
	defaultBaseURL = "http://localhost:11434/v1"

	// Local models load on first use, which can take a while.
	defaultTimeout = 120 * time.Second
)

var models = []string{"llama3.1", "llama3", "llama2", "mistral", "mixtral", "codellama", "phi3", "qwen2.5"}

// Client embeds the OpenAI client; no API key is required.
type Client struct {
	*openai.Client
}

func New(hc *http.Client, logger *slog.Logger) *Client {
	return &Client{Client: openai.NewCompatible(base.Spec{
		Type:           core.ProviderLocal,
		Name:           "Local",
		Models:         models,
		Streaming:      true,
		DefaultBaseURL: defaultBaseURL,
		DefaultTimeout: defaultTimeout,
	}, hc, logger)}
}

// ValidateModel also accepts any tag of the llama and mistral families,
// since local servers are free to name pulled models as they like.
func (c *Client) ValidateModel(model string) bool {
	if c.Client.ValidateModel(model) {
		return true
	}
	m := strings.ToLower(model)
	return strings.Contains(m, "llama") || strings.Contains(m, "mistral")
}
