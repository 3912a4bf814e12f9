package core

import (
	"sync"
	"time"
)

// MetricsRecorder holds one adapter's running counters.
type MetricsRecorder struct {
	mu sync.Mutex
	m  Metrics
}

// Record accounts for one finished call. Tokens only count on success.
func (r *MetricsRecorder) Record(latency time.Duration, tokens int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.m.RequestCount++
	n := r.m.RequestCount
	r.m.AverageLatency = (r.m.AverageLatency*time.Duration(n-1) + latency) / time.Duration(n)
	r.m.LastRequestTime = time.Now()
	if err != nil {
		r.m.ErrorCount++
		return
	}
	r.m.TokensUsed += int64(tokens)
}

func (r *MetricsRecorder) Snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m
}
