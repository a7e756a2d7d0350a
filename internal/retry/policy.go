// Package retry tracks per-key attempt counts and computes capped
// exponential backoff with jitter. Keys are caller-defined; the delivery
// service keys on task id, the response daemon on item id.
package retry

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitterRatio = 0.2
)

// Policy decides whether a failed operation gets another attempt and how
// long to wait before it. Safe for concurrent use.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64

	mu      sync.Mutex
	records map[string]*record
}

type record struct {
	attempts       int
	lastError      string
	nextEligibleAt time.Time
}

func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay < baseDelay {
		maxDelay = DefaultMaxDelay
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		JitterRatio: DefaultJitterRatio,
		records:     map[string]*record{},
	}
}

// RecordFailure notes a failed attempt for key and reports whether the
// key has attempts left. The first failure counts as attempt one.
func (p *Policy) RecordFailure(key string, err error) bool {
	key = strings.TrimSpace(key)
	if p == nil || key == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[key]
	if !ok {
		rec = &record{}
		p.records[key] = rec
	}
	rec.attempts++
	if err != nil {
		rec.lastError = err.Error()
	}
	rec.nextEligibleAt = time.Now().Add(p.delayForAttempt(rec.attempts))
	return rec.attempts < p.MaxAttempts
}

// NextDelay reports how long to wait before key's next attempt. Zero
// means the key is immediately eligible.
func (p *Policy) NextDelay(key string) time.Duration {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[strings.TrimSpace(key)]
	if !ok {
		return 0
	}
	remaining := time.Until(rec.nextEligibleAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Attempts reports how many failures key has accumulated.
func (p *Policy) Attempts(key string) int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[strings.TrimSpace(key)]
	if !ok {
		return 0
	}
	return rec.attempts
}

// LastError reports the most recent failure message recorded for key.
func (p *Policy) LastError(key string) string {
	if p == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[strings.TrimSpace(key)]
	if !ok {
		return ""
	}
	return rec.lastError
}

// Reset forgets key. Call it after a success or once the key has been
// dead-lettered, or stale records accumulate.
func (p *Policy) Reset(key string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.records, strings.TrimSpace(key))
	p.mu.Unlock()
}

func (p *Policy) delayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.JitterRatio > 0 {
		jitter := time.Duration(float64(delay) * p.JitterRatio * rand.Float64())
		delay += jitter
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
