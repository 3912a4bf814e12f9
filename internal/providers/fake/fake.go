// Package fake provides a scriptable in-memory adapter for tests.
package fake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lizzyg/aigateway/internal/config"
	"github.com/lizzyg/aigateway/internal/core"
)

// Adapter is a core.Adapter whose behaviour is set through its fields.
// Fields must not be changed once calls are in flight.
type Adapter struct {
	T         core.ProviderType
	Models    []string
	Streaming bool
	Unhealthy bool

	// InitErr is returned from Initialize.
	InitErr error
	// Reply replaces the default reply text.
	Reply string
	// ChatErr, when set, is returned from every Chat call.
	ChatErr error
	// Chunks are streamed in order before the terminal chunk.
	Chunks []string
	// StreamErr is returned from ChatStream before any chunk.
	StreamErr error
	// ProbePanics makes IsHealthy panic.
	ProbePanics bool

	mu      sync.Mutex
	cfg     config.ProviderConfig
	metrics core.MetricsRecorder

	chats   atomic.Int64
	streams atomic.Int64
	probes  atomic.Int64
}

func New(t core.ProviderType, models ...string) *Adapter {
	return &Adapter{T: t, Models: models, Streaming: true}
}

func (a *Adapter) Type() core.ProviderType   { return a.T }
func (a *Adapter) Name() string              { return "fake-" + string(a.T) }
func (a *Adapter) SupportedModels() []string { return append([]string(nil), a.Models...) }
func (a *Adapter) SupportsStreaming() bool   { return a.Streaming }
func (a *Adapter) Metrics() core.Metrics     { return a.metrics.Snapshot() }

func (a *Adapter) Initialize(cfg config.ProviderConfig) error {
	if a.InitErr != nil {
		return a.InitErr
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	return nil
}

// Config returns what Initialize received.
func (a *Adapter) Config() config.ProviderConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *Adapter) ValidateModel(model string) bool {
	for _, m := range a.Models {
		if m == model {
			return true
		}
	}
	return false
}

func (a *Adapter) Chat(ctx context.Context, req core.Request) (core.Response, error) {
	a.chats.Add(1)
	start := time.Now()
	if err := ctx.Err(); err != nil {
		a.metrics.Record(time.Since(start), 0, err)
		return core.Response{}, err
	}
	if a.ChatErr != nil {
		a.metrics.Record(time.Since(start), 0, a.ChatErr)
		return core.Response{}, a.ChatErr
	}
	usage := core.NewUsage(len(req.Messages), 1)
	a.metrics.Record(time.Since(start), usage.TotalTokens, nil)
	reply := a.Reply
	if reply == "" {
		reply = "reply from " + string(a.T)
	}
	return core.Response{
		ID:           "fake-" + string(a.T),
		Content:      reply,
		Model:        req.Model,
		Usage:        usage,
		FinishReason: core.FinishStop,
		Timestamp:    time.Now(),
		Provider:     a.T,
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req core.Request) (<-chan core.StreamChunk, error) {
	a.streams.Add(1)
	if !a.Streaming {
		return nil, errors.New("fake: streaming disabled")
	}
	if a.StreamErr != nil {
		a.metrics.Record(0, 0, a.StreamErr)
		return nil, a.StreamErr
	}
	ch := make(chan core.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range a.Chunks {
			select {
			case ch <- core.StreamChunk{Content: c}:
			case <-ctx.Done():
				return
			}
		}
		usage := core.NewUsage(len(req.Messages), len(a.Chunks))
		a.metrics.Record(0, usage.TotalTokens, nil)
		select {
		case ch <- core.StreamChunk{Done: true, Usage: &usage, FinishReason: core.FinishStop}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (a *Adapter) IsHealthy(context.Context) bool {
	a.probes.Add(1)
	if a.ProbePanics {
		panic("fake: probe exploded")
	}
	return !a.Unhealthy
}

func (a *Adapter) ChatCalls() int   { return int(a.chats.Load()) }
func (a *Adapter) StreamCalls() int { return int(a.streams.Load()) }
func (a *Adapter) Probes() int      { return int(a.probes.Load()) }
