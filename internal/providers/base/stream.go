package base

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	moderr "github.com/lizzyg/aigateway/errors"
	"github.com/lizzyg/aigateway/internal/core"
	"github.com/lizzyg/aigateway/internal/providers/retry"
	"github.com/lizzyg/aigateway/internal/providers/sse"
)

// StreamState accumulates what the backend reports alongside the deltas.
type StreamState struct {
	PromptTokens     int
	CompletionTokens int
	FinishReason     core.FinishReason
}

// StreamHandler translates one SSE event. It returns the text delta to emit,
// if any, and done once the backend has signalled the end of the response.
type StreamHandler func(ev sse.Event, st *StreamState) (delta string, done bool, err error)

// Stream opens a streaming request and pumps its events into a channel.
//
// The configured timeout bounds the wait for response headers and the first
// event; a long generation is not cut off. Stream does not return until the
// first delta or the end of the response has been read, so failures up to that
// point are returned directly. Afterwards the stream ends with exactly one
// chunk: Done with usage on success, or Err on failure.
func (a *Adapter) Stream(ctx context.Context, open func(ctx context.Context) (*http.Request, error), handle StreamHandler) (<-chan core.StreamChunk, error) {
	if !a.ready {
		return nil, a.notReady()
	}
	source := string(a.spec.Type)
	start := time.Now()

	sctx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(a.cfg.Timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	fail := func(err error) *moderr.ProviderError {
		if timedOut.Load() && ctx.Err() == nil {
			err = context.DeadlineExceeded
		}
		perr := retry.Classify(err, source)
		a.metrics.Record(time.Since(start), 0, perr)
		return perr
	}

	var resp *http.Response
	req, err := open(sctx)
	if err == nil {
		resp, err = a.Do(req)
	}
	if err != nil {
		timer.Stop()
		perr := fail(err)
		cancel()
		return nil, perr
	}

	ch := make(chan core.StreamChunk)
	first := make(chan error, 1)
	go func() {
		defer close(ch)
		defer cancel()
		defer resp.Body.Close()

		started := false
		begin := func() {
			if !started {
				started = true
				timer.Stop()
				first <- nil
			}
		}
		send := func(c core.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-sctx.Done():
				return false
			}
		}

		var st StreamState
		err := sse.Read(resp.Body, func(ev sse.Event) error {
			delta, done, err := handle(ev, &st)
			if err != nil {
				return err
			}
			if delta != "" {
				begin()
				if !send(core.StreamChunk{Content: delta}) {
					return sctx.Err()
				}
			}
			if done {
				return sse.ErrStop
			}
			return nil
		})
		if err != nil {
			timer.Stop()
			perr := fail(err)
			if !started {
				first <- perr
				return
			}
			a.logger.Debug("stream failed", "error", perr.Error())
			send(core.StreamChunk{Err: perr})
			return
		}
		begin()
		usage := core.NewUsage(st.PromptTokens, st.CompletionTokens)
		a.metrics.Record(time.Since(start), usage.TotalTokens, nil)
		if st.FinishReason == "" {
			st.FinishReason = core.FinishStop
		}
		send(core.StreamChunk{Done: true, Usage: &usage, FinishReason: st.FinishReason})
	}()

	if err := <-first; err != nil {
		return nil, err
	}
	return ch, nil
}
