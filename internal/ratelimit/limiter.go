// Package ratelimit implements advisory, process-local request budgets per
// provider over a trailing window.
//
// CheckLimit and RecordRequest are separate steps: two concurrent callers may
// both pass CheckLimit before either records, overshooting a budget by the
// number of racing callers. The mutex only protects the window slices.
package ratelimit

import (
	"sync"
	"time"

	"github.com/lizzyg/aigateway/internal/core"
)

// DefaultWindow is the trailing interval budgets are measured over.
const DefaultWindow = time.Minute

// Limits is one provider's budget per window. Zero means unlimited.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// DefaultLimits returns the per-minute request budgets used when a provider's
// configuration does not set one.
func DefaultLimits() map[core.ProviderType]Limits {
	return map[core.ProviderType]Limits{
		core.ProviderOpenAI:    {RequestsPerMinute: 500},
		core.ProviderAnthropic: {RequestsPerMinute: 1000},
		core.ProviderGemini:    {RequestsPerMinute: 300},
		core.ProviderDeepSeek:  {RequestsPerMinute: 200},
		core.ProviderLocal:     {RequestsPerMinute: 100},
	}
}

type tokenEntry struct {
	at     time.Time
	tokens int
}

type state struct {
	requests  []time.Time
	tokens    []tokenEntry
	lastReset time.Time
}

type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	limits map[core.ProviderType]Limits
	states map[core.ProviderType]*state
}

// Option allows functional configuration.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// WithWindow overrides the one-minute window.
func WithWindow(d time.Duration) Option { return func(l *Limiter) { l.window = d } }

// New builds a limiter. Providers missing from limits fall back to DefaultLimits.
func New(limits map[core.ProviderType]Limits, opts ...Option) *Limiter {
	l := &Limiter{
		window: DefaultWindow,
		now:    time.Now,
		limits: DefaultLimits(),
		states: make(map[core.ProviderType]*state),
	}
	for p, lim := range limits {
		l.limits[p] = lim
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetLimits replaces one provider's budget.
func (l *Limiter) SetLimits(p core.ProviderType, lim Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[p] = lim
}

// CheckLimit reports whether p still has budget. It records nothing; expired
// entries are purged as a side effect.
func (l *Limiter) CheckLimit(p core.ProviderType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim := l.limits[p]
	st := l.purge(p)
	if lim.RequestsPerMinute > 0 && len(st.requests) >= lim.RequestsPerMinute {
		return false
	}
	if lim.TokensPerMinute > 0 && sumTokens(st.tokens) >= lim.TokensPerMinute {
		return false
	}
	return true
}

// RecordRequest counts one request against p, plus tokens if non-zero.
func (l *Limiter) RecordRequest(p core.ProviderType, tokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(p)
	st.requests = append(st.requests, now)
	if tokens > 0 {
		st.tokens = append(st.tokens, tokenEntry{at: now, tokens: tokens})
	}
}

// RecordTokens counts tokens against p without counting a request; used once
// a call's usage is known.
func (l *Limiter) RecordTokens(p core.ProviderType, tokens int) {
	if tokens <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(p)
	st.tokens = append(st.tokens, tokenEntry{at: l.now(), tokens: tokens})
}

// RemainingRequests returns the requests left in the current window, or -1
// when p has no request budget.
func (l *Limiter) RemainingRequests(p core.ProviderType) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim := l.limits[p]
	if lim.RequestsPerMinute <= 0 {
		return -1
	}
	remaining := lim.RequestsPerMinute - len(l.purge(p).requests)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forgets every recorded request and token for p.
func (l *Limiter) Reset(p core.ProviderType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[p] = &state{lastReset: l.now()}
}

func (l *Limiter) state(p core.ProviderType) *state {
	st, ok := l.states[p]
	if !ok {
		st = &state{lastReset: l.now()}
		l.states[p] = st
	}
	return st
}

// purge drops entries older than the window. Caller holds l.mu.
func (l *Limiter) purge(p core.ProviderType) *state {
	st := l.state(p)
	cutoff := l.now().Add(-l.window)

	i := 0
	for i < len(st.requests) && !st.requests[i].After(cutoff) {
		i++
	}
	st.requests = st.requests[i:]

	j := 0
	for j < len(st.tokens) && !st.tokens[j].at.After(cutoff) {
		j++
	}
	st.tokens = st.tokens[j:]
	return st
}

func sumTokens(entries []tokenEntry) int {
	total := 0
	for _, e := range entries {
		total += e.tokens
	}
	return total
}
