// Package governor bounds how many passes run at once and how hard each
// source type is hit. Admission always takes the global semaphore first,
// then the source's circuit breaker, then its token bucket.
package governor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/file-connector/internal/metrics"
	"github.com/file-connector/internal/syncerr"
	"github.com/file-connector/pkg/logger"
	"github.com/file-connector/pkg/ratelimit"
)

// SourceLimits configures the bucket and breaker of one source type
type SourceLimits struct {
	RequestsPerSecond float64
	Burst             int
	FailureThreshold  int
	FailureWindow     time.Duration
	CoolDown          time.Duration
}

// merge fills zero fields of o from base
func (o SourceLimits) merge(base SourceLimits) SourceLimits {
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = base.RequestsPerSecond
	}
	if o.Burst <= 0 {
		o.Burst = base.Burst
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = base.FailureThreshold
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = base.FailureWindow
	}
	if o.CoolDown <= 0 {
		o.CoolDown = base.CoolDown
	}
	return o
}

// Config holds governor configuration
type Config struct {
	MaxConcurrent    int
	AdmissionTimeout time.Duration
	TokenWaitTimeout time.Duration
	Defaults         SourceLimits
	Sources          map[string]SourceLimits
}

// DefaultConfig returns the default limits
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    10,
		AdmissionTimeout: 30 * time.Second,
		TokenWaitTimeout: 30 * time.Second,
		Defaults: SourceLimits{
			RequestsPerSecond: 5,
			Burst:             10,
			FailureThreshold:  5,
			FailureWindow:     5 * time.Minute,
			CoolDown:          60 * time.Second,
		},
		Sources: map[string]SourceLimits{
			// Drive allows 10 requests per second per user, keep below it
			ratelimit.LimiterGoogleDrive: {RequestsPerSecond: 8, Burst: 10},
			// Autodesk Data Management: 300 requests per minute
			ratelimit.LimiterAutodesk: {RequestsPerSecond: 5, Burst: 10},
			ratelimit.LimiterFeed:     {RequestsPerSecond: 1, Burst: 10},
		},
	}
}

// Limits returns the effective limits for a source type
func (c Config) Limits(sourceType string) SourceLimits {
	return c.Sources[sourceType].merge(c.Defaults)
}

// Option configures a Governor
type Option func(*Governor)

// WithClock replaces the breaker and bucket clock
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithMetrics publishes rejections and breaker state
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(g *Governor) { g.log = log.WithComponent("governor") }
}

// Governor is the admission controller shared by all passes
type Governor struct {
	cfg      Config
	sem      *semaphore.Weighted
	limiters *ratelimit.MultiLimiter
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	sources  map[string]*sourceState
	inFlight atomic.Int64
}

// sourceState is the single decision point for one source type's breaker
// and bucket. Both are only touched while holding mu.
type sourceState struct {
	name    string
	mu      sync.Mutex
	limits  SourceLimits
	breaker *breaker
	bucket  *rate.Limiter
}

// New creates a governor
func New(cfg Config, opts ...Option) *Governor {
	defaults := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = defaults.AdmissionTimeout
	}
	if cfg.TokenWaitTimeout <= 0 {
		cfg.TokenWaitTimeout = defaults.TokenWaitTimeout
	}
	cfg.Defaults = cfg.Defaults.merge(defaults.Defaults)

	g := &Governor{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiters: ratelimit.NewMultiLimiter(),
		log:      logger.Nop(),
		now:      time.Now,
		sources:  make(map[string]*sourceState),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Governor) source(sourceType string) *sourceState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.sources[sourceType]; ok {
		return st
	}
	limits := g.cfg.Limits(sourceType)
	st := &sourceState{
		name:    sourceType,
		limits:  limits,
		breaker: newBreaker(limits.FailureThreshold, limits.FailureWindow, limits.CoolDown),
		bucket:  g.limiters.Ensure(sourceType, limits.RequestsPerSecond, limits.Burst),
	}
	g.sources[sourceType] = st
	return st
}

func circuitOpen(sourceType string) error {
	return &syncerr.Error{
		Kind: syncerr.KindCircuitOpen,
		Op:   "admit",
		Err:  fmt.Errorf("circuit open for %s", sourceType),
	}
}

func throttled(op, format string, args ...any) error {
	return &syncerr.Error{
		Kind: syncerr.KindThrottled,
		Op:   op,
		Err:  fmt.Errorf(format, args...),
	}
}

// Admit acquires a pass slot for sourceType. The returned admission carries
// one prepaid token for the first outbound request and must be released.
func (g *Governor) Admit(ctx context.Context, sourceType string) (*Admission, error) {
	st := g.source(sourceType)

	// Fast reject while open, without queueing on the semaphore
	st.mu.Lock()
	open := st.breaker.rejecting(g.now())
	st.mu.Unlock()
	if open {
		g.metrics.Rejected(sourceType, "circuit_open")
		return nil, circuitOpen(sourceType)
	}

	semCtx, cancel := context.WithTimeout(ctx, g.cfg.AdmissionTimeout)
	err := g.sem.Acquire(semCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.metrics.Rejected(sourceType, "throttled")
		return nil, throttled("admit", "no pass slot within %s", g.cfg.AdmissionTimeout)
	}

	st.mu.Lock()
	now := g.now()
	t, ok := st.breaker.allow(now)
	if !ok {
		st.mu.Unlock()
		g.sem.Release(1)
		g.metrics.Rejected(sourceType, "circuit_open")
		return nil, circuitOpen(sourceType)
	}

	r := st.bucket.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if !r.OK() || delay > g.cfg.TokenWaitTimeout {
		r.CancelAt(now)
		st.breaker.record(t, OutcomeNeutral, now)
		st.mu.Unlock()
		g.sem.Release(1)
		g.metrics.Rejected(sourceType, "rate_limited")
		return nil, throttled("admit", "%s token unavailable within %s", sourceType, g.cfg.TokenWaitTimeout)
	}
	g.publish(st)
	st.mu.Unlock()

	a := &Admission{
		gov:     g,
		st:      st,
		ticket:  t,
		prepaid: true,
	}
	g.inFlight.Add(1)
	g.metrics.InFlight(1)

	if err := sleep(ctx, delay); err != nil {
		r.Cancel()
		a.Release(OutcomeNeutral)
		return nil, err
	}

	if t.trial {
		g.log.Info().Str("source_type", sourceType).Msg("Circuit half-open, admitting trial pass")
	}
	return a, nil
}

func (g *Governor) publish(st *sourceState) {
	g.metrics.SetBreakerState(st.name, int(st.breaker.state))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Admission is a held pass slot
type Admission struct {
	gov     *Governor
	st      *sourceState
	ticket  ticket
	once    sync.Once
	mu      sync.Mutex
	prepaid bool
}

// Trial reports whether this admission is the breaker's half-open trial
func (a *Admission) Trial() bool {
	return a.ticket.trial
}

// Wait takes one token from the source's bucket before an outbound request.
// It blocks up to the token wait timeout and then fails as throttled.
func (a *Admission) Wait(ctx context.Context) error {
	a.mu.Lock()
	if a.prepaid {
		a.prepaid = false
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	g := a.gov
	a.st.mu.Lock()
	now := g.now()
	r := a.st.bucket.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if !r.OK() || delay > g.cfg.TokenWaitTimeout {
		r.CancelAt(now)
		a.st.mu.Unlock()
		g.metrics.Rejected(a.st.name, "rate_limited")
		return throttled("wait", "%s token unavailable within %s", a.st.name, g.cfg.TokenWaitTimeout)
	}
	a.st.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

// Release returns the pass slot and reports the outcome to the breaker.
// Only the first call has an effect.
func (a *Admission) Release(outcome Outcome) {
	a.once.Do(func() {
		g := a.gov
		a.st.mu.Lock()
		before := a.st.breaker.state
		a.st.breaker.record(a.ticket, outcome, g.now())
		after := a.st.breaker.state
		g.publish(a.st)
		a.st.mu.Unlock()

		g.sem.Release(1)
		g.inFlight.Add(-1)
		g.metrics.InFlight(-1)

		if before != after {
			g.log.Warn().
				Str("source_type", a.st.name).
				Str("from", before.String()).
				Str("to", after.String()).
				Msg("Circuit breaker state changed")
		}
	})
}

// SourceStatus is a point-in-time view of one source type
type SourceStatus struct {
	SourceType        string     `json:"source_type"`
	State             string     `json:"state"`
	Failures          int        `json:"failures"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	TokensAvailable   float64    `json:"tokens_available"`
	RequestsPerSecond float64    `json:"requests_per_second"`
	Burst             int        `json:"burst"`
}

// Status is a point-in-time view of the governor
type Status struct {
	InFlight int            `json:"in_flight"`
	Capacity int            `json:"capacity"`
	Sources  []SourceStatus `json:"sources"`
}

// Snapshot reports the state of every source type seen so far
func (g *Governor) Snapshot() Status {
	g.mu.Lock()
	states := make([]*sourceState, 0, len(g.sources))
	for _, st := range g.sources {
		states = append(states, st)
	}
	g.mu.Unlock()

	out := Status{
		InFlight: int(g.inFlight.Load()),
		Capacity: g.cfg.MaxConcurrent,
	}
	for _, st := range states {
		st.mu.Lock()
		ss := SourceStatus{
			SourceType: st.name,
			State:      st.breaker.state.String(),
			Failures:   st.breaker.failures,
		}
		if st.breaker.state != StateClosed {
			opened := st.breaker.openedAt
			ss.OpenedAt = &opened
		}
		st.mu.Unlock()

		ss.TokensAvailable = g.limiters.Tokens(st.name)
		ss.RequestsPerSecond, ss.Burst = g.limiters.Limit(st.name)
		out.Sources = append(out.Sources, ss)
	}
	sort.Slice(out.Sources, func(i, j int) bool {
		return out.Sources[i].SourceType < out.Sources[j].SourceType
	})
	return out
}

// Track makes a source type visible in snapshots before its first pass
func (g *Governor) Track(sourceType string) {
	g.source(sourceType)
}

// State returns the current breaker state for a source type
func (g *Governor) State(sourceType string) State {
	st := g.source(sourceType)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.breaker.state
}
