package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/file-connector/internal/syncerr"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const src = "google_drive"

func testConfig() Config {
	return Config{
		MaxConcurrent:    4,
		AdmissionTimeout: 50 * time.Millisecond,
		TokenWaitTimeout: 50 * time.Millisecond,
		Defaults: SourceLimits{
			RequestsPerSecond: 1000,
			Burst:             1000,
			FailureThreshold:  5,
			FailureWindow:     5 * time.Minute,
			CoolDown:          time.Minute,
		},
	}
}

func fail(t *testing.T, g *Governor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		a, err := g.Admit(context.Background(), src)
		require.NoError(t, err)
		a.Release(OutcomeFailure)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now))

	fail(t, g, 4)
	assert.Equal(t, StateClosed, g.State(src))

	fail(t, g, 1)
	assert.Equal(t, StateOpen, g.State(src))

	_, err := g.Admit(context.Background(), src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrCircuitOpen))
	assert.Equal(t, syncerr.KindCircuitOpen, syncerr.KindOf(err))
}

func TestOpenBreakerRejectsWithoutWaitingForSlot(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.AdmissionTimeout = 5 * time.Second
	g := New(cfg, WithClock(clock.Now))

	fail(t, g, 5)

	// Another source holds the only slot
	held, err := g.Admit(context.Background(), "feed")
	require.NoError(t, err)
	defer held.Release(OutcomeSuccess)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		_, err := g.Admit(context.Background(), src)
		require.ErrorIs(t, err, syncerr.ErrCircuitOpen)
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	g := New(testConfig(), WithClock(newFakeClock().Now))

	fail(t, g, 4)
	a, err := g.Admit(context.Background(), src)
	require.NoError(t, err)
	a.Release(OutcomeSuccess)
	fail(t, g, 4)

	assert.Equal(t, StateClosed, g.State(src))
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now))

	fail(t, g, 4)
	clock.Advance(5*time.Minute + time.Second)
	fail(t, g, 4)

	assert.Equal(t, StateClosed, g.State(src))
}

func TestNeutralOutcomeDoesNotCount(t *testing.T) {
	g := New(testConfig(), WithClock(newFakeClock().Now))

	for i := 0; i < 10; i++ {
		a, err := g.Admit(context.Background(), src)
		require.NoError(t, err)
		a.Release(OutcomeNeutral)
	}
	assert.Equal(t, StateClosed, g.State(src))
}

func TestHalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now))
	fail(t, g, 5)

	clock.Advance(time.Minute)

	trial, err := g.Admit(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, trial.Trial())

	var wg sync.WaitGroup
	var mu sync.Mutex
	rejected := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Admit(context.Background(), src)
			if errors.Is(err, syncerr.ErrCircuitOpen) {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, rejected)

	trial.Release(OutcomeSuccess)
	assert.Equal(t, StateClosed, g.State(src))

	a, err := g.Admit(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, a.Trial())
	a.Release(OutcomeSuccess)
}

func TestTrialFailureReopensWithFreshCoolDown(t *testing.T) {
	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now))
	fail(t, g, 5)

	clock.Advance(time.Minute)
	trial, err := g.Admit(context.Background(), src)
	require.NoError(t, err)
	trial.Release(OutcomeFailure)
	assert.Equal(t, StateOpen, g.State(src))

	clock.Advance(59 * time.Second)
	_, err = g.Admit(context.Background(), src)
	assert.ErrorIs(t, err, syncerr.ErrCircuitOpen)

	clock.Advance(time.Second)
	trial, err = g.Admit(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, trial.Trial())
	trial.Release(OutcomeSuccess)
}

func TestNeutralTrialFreesSlot(t *testing.T) {
	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now))
	fail(t, g, 5)
	clock.Advance(time.Minute)

	trial, err := g.Admit(context.Background(), src)
	require.NoError(t, err)
	trial.Release(OutcomeNeutral)
	assert.Equal(t, StateHalfOpen, g.State(src))

	next, err := g.Admit(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, next.Trial())
	next.Release(OutcomeSuccess)
}

func TestStaleOutcomeIgnored(t *testing.T) {
	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now))

	early, err := g.Admit(context.Background(), src)
	require.NoError(t, err)

	fail(t, g, 5)
	clock.Advance(time.Minute)
	trial, err := g.Admit(context.Background(), src)
	require.NoError(t, err)

	// Admitted before the breaker opened; must not close it
	early.Release(OutcomeSuccess)
	assert.Equal(t, StateHalfOpen, g.State(src))

	trial.Release(OutcomeSuccess)
	assert.Equal(t, StateClosed, g.State(src))
}

func TestBucketBlocksRequestBeyondCapacity(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.Defaults.RequestsPerSecond = 1
	cfg.Defaults.Burst = 3
	g := New(cfg, WithClock(clock.Now))

	a, err := g.Admit(context.Background(), src)
	require.NoError(t, err)
	defer a.Release(OutcomeSuccess)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Wait(context.Background()), "request %d", i+1)
	}

	err = a.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncerr.KindThrottled, syncerr.KindOf(err))

	clock.Advance(time.Second)
	assert.NoError(t, a.Wait(context.Background()))
}

func TestBucketWaitsForRefill(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults.RequestsPerSecond = 20
	cfg.Defaults.Burst = 2
	cfg.TokenWaitTimeout = time.Second
	g := New(cfg)

	a, err := g.Admit(context.Background(), src)
	require.NoError(t, err)
	defer a.Release(OutcomeSuccess)

	require.NoError(t, a.Wait(context.Background()))
	require.NoError(t, a.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, a.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAdmissionThrottledWhenSlotsExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	g := New(cfg)

	held, err := g.Admit(context.Background(), src)
	require.NoError(t, err)

	_, err = g.Admit(context.Background(), "feed")
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrThrottled)

	held.Release(OutcomeSuccess)
	a, err := g.Admit(context.Background(), "feed")
	require.NoError(t, err)
	a.Release(OutcomeSuccess)
}

func TestReleaseIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	g := New(cfg)

	a, err := g.Admit(context.Background(), src)
	require.NoError(t, err)
	a.Release(OutcomeSuccess)
	a.Release(OutcomeSuccess)

	b, err := g.Admit(context.Background(), src)
	require.NoError(t, err)
	defer b.Release(OutcomeSuccess)

	_, err = g.Admit(context.Background(), src)
	assert.ErrorIs(t, err, syncerr.ErrThrottled)
	assert.Equal(t, 1, g.Snapshot().InFlight)
}

func TestAdmitHonoursCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.AdmissionTimeout = 5 * time.Second
	g := New(cfg)

	held, err := g.Admit(context.Background(), src)
	require.NoError(t, err)
	defer held.Release(OutcomeSuccess)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Admit(ctx, src)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSnapshot(t *testing.T) {
	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now))
	g.Track("feed")
	fail(t, g, 5)

	status := g.Snapshot()
	assert.Equal(t, 4, status.Capacity)
	assert.Equal(t, 0, status.InFlight)
	require.Len(t, status.Sources, 2)

	assert.Equal(t, "feed", status.Sources[0].SourceType)
	assert.Equal(t, "closed", status.Sources[0].State)

	assert.Equal(t, src, status.Sources[1].SourceType)
	assert.Equal(t, "open", status.Sources[1].State)
	assert.NotNil(t, status.Sources[1].OpenedAt)
	assert.Equal(t, 1000.0, status.Sources[1].RequestsPerSecond)
}

func TestConfigLimitsMergeDefaults(t *testing.T) {
	cfg := DefaultConfig()
	limits := cfg.Limits(src)

	assert.Equal(t, 8.0, limits.RequestsPerSecond)
	assert.Equal(t, 10, limits.Burst)
	assert.Equal(t, 5, limits.FailureThreshold)
	assert.Equal(t, time.Minute, limits.CoolDown)

	unknown := cfg.Limits("other")
	assert.Equal(t, cfg.Defaults, unknown)
}
