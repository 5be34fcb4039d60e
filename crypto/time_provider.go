package crypto

import (
	"sync"
	"time"
)

// TimeProvider abstracts time so that key expiry and retention windows can be
// tested deterministically. Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since the given time.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// ManualTimeProvider only moves when told to.
type ManualTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualTimeProvider starts a manual clock at start.
func NewManualTimeProvider(start time.Time) *ManualTimeProvider {
	return &ManualTimeProvider{now: start}
}

// Now returns the current manual time.
func (m *ManualTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Since returns the manual time elapsed since t.
func (m *ManualTimeProvider) Since(t time.Time) time.Duration { return m.Now().Sub(t) }

// Advance moves the clock forward by d.
func (m *ManualTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// OrDefault returns tp, or the wall clock when tp is nil.
func OrDefault(tp TimeProvider) TimeProvider {
	if tp == nil {
		return DefaultTimeProvider{}
	}
	return tp
}
