package providers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	moderr "github.com/lizzyg/aigateway/errors"
	"github.com/lizzyg/aigateway/internal/core"
)

func TestNewAdapter(t *testing.T) {
	for _, pt := range core.AllProviderTypes() {
		t.Run(string(pt), func(t *testing.T) {
			a, err := NewAdapter(pt, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, pt, a.Type())
			assert.NotEmpty(t, a.Name())
			assert.NotEmpty(t, a.SupportedModels())
			assert.True(t, a.SupportsStreaming())
		})
	}
}

func TestNewAdapterUnknown(t *testing.T) {
	_, err := NewAdapter("mystery", nil, nil)
	assert.True(t, errors.Is(err, moderr.ErrUnknownProvider))
}
