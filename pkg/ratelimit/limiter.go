package ratelimit

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter names, one per supported source type
const (
	LimiterGoogleDrive = "google_drive"
	LimiterAutodesk    = "autodesk_construction_cloud"
	LimiterFeed        = "feed"
)

// MultiLimiter manages one token bucket per source type
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter creates a new multi-limiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// Ensure returns the limiter for name, creating it with the given settings
// if absent. A limiter is never replaced once created, so callers may keep
// the returned pointer.
func (m *MultiLimiter) Ensure(name string, requestsPerSecond float64, burst int) *rate.Limiter {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()
	if ok {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, ok := m.limiters[name]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	m.limiters[name] = limiter
	return limiter
}

// Get returns the limiter registered under name
func (m *MultiLimiter) Get(name string) (*rate.Limiter, error) {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("limiter %s not found", name)
	}
	return limiter, nil
}

// Tokens reports the tokens currently available for name
func (m *MultiLimiter) Tokens(name string) float64 {
	limiter, err := m.Get(name)
	if err != nil {
		return 0
	}
	return limiter.Tokens()
}

// Limit returns the refill rate and capacity configured for name
func (m *MultiLimiter) Limit(name string) (float64, int) {
	limiter, err := m.Get(name)
	if err != nil {
		return 0, 0
	}
	return float64(limiter.Limit()), limiter.Burst()
}
