package providers

import (
	"fmt"
	"log/slog"
	"net/http"

	moderr "github.com/lizzyg/aigateway/errors"
	"github.com/lizzyg/aigateway/internal/core"
	"github.com/lizzyg/aigateway/internal/providers/anthropic"
	"github.com/lizzyg/aigateway/internal/providers/deepseek"
	"github.com/lizzyg/aigateway/internal/providers/gemini"
	"github.com/lizzyg/aigateway/internal/providers/local"
	"github.com/lizzyg/aigateway/internal/providers/openai"
)

// NewAdapter constructs an uninitialized adapter for t.
func NewAdapter(t core.ProviderType, hc *http.Client, logger *slog.Logger) (core.Adapter, error) {
	switch t {
	case core.ProviderOpenAI:
		return openai.New(hc, logger), nil
	case core.ProviderAnthropic:
		return anthropic.New(hc, logger), nil
	case core.ProviderGemini:
		return gemini.New(hc, logger), nil
	case core.ProviderDeepSeek:
		return deepseek.New(hc, logger), nil
	case core.ProviderLocal:
		return local.New(hc, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", moderr.ErrUnknownProvider, t)
	}
}
