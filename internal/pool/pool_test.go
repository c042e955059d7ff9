package pool

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/file-connector/internal/syncerr"
)

func grab(t *testing.T, p *Pool, host string) *Handle {
	t.Helper()
	var got *Handle
	require.NoError(t, p.With(context.Background(), host, func(h *Handle) error {
		got = h
		return nil
	}))
	return got
}

func TestHandleReused(t *testing.T) {
	p := New("feed", Config{}, nil)
	defer p.Close()

	first := grab(t, p, "example.com")
	second := grab(t, p, "example.com")

	assert.Same(t, first, second)
	assert.Equal(t, 2, second.Uses())
}

func TestHandlesArePerHost(t *testing.T) {
	p := New("feed", Config{}, nil)
	defer p.Close()

	a := grab(t, p, "a.example.com")
	b := grab(t, p, "b.example.com")

	assert.NotSame(t, a, b)
	assert.Equal(t, "a.example.com", a.Host)
	assert.Len(t, p.Stats().Hosts, 2)
}

func TestConnectionErrorEvictsHandle(t *testing.T) {
	p := New("feed", Config{}, nil)
	defer p.Close()

	var broken *Handle
	err := p.With(context.Background(), "example.com", func(h *Handle) error {
		broken = h
		return syncerr.Connection("list", errors.New("connection reset"))
	})
	require.Error(t, err)

	next := grab(t, p, "example.com")
	assert.NotSame(t, broken, next)
}

func TestOtherErrorsKeepHandle(t *testing.T) {
	p := New("feed", Config{}, nil)
	defer p.Close()

	var first *Handle
	err := p.With(context.Background(), "example.com", func(h *Handle) error {
		first = h
		return syncerr.Authentication("list", errors.New("unauthorized"))
	})
	require.Error(t, err)

	assert.Same(t, first, grab(t, p, "example.com"))
}

func TestPanicReleasesSlot(t *testing.T) {
	p := New("feed", Config{MaxTotal: 1, MaxPerHost: 1}, nil)
	defer p.Close()

	var panicked *Handle
	assert.Panics(t, func() {
		_ = p.With(context.Background(), "example.com", func(h *Handle) error {
			panicked = h
			panic("boom")
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var next *Handle
	require.NoError(t, p.With(ctx, "example.com", func(h *Handle) error {
		next = h
		return nil
	}))
	assert.NotSame(t, panicked, next)
}

func TestExpiredHandleReplaced(t *testing.T) {
	p := New("feed", Config{TTL: 20 * time.Millisecond}, nil)
	defer p.Close()

	first := grab(t, p, "example.com")
	time.Sleep(40 * time.Millisecond)
	second := grab(t, p, "example.com")

	assert.NotSame(t, first, second)
	assert.Equal(t, 1, second.Uses())
}

func TestFailedCheckReplacesHandle(t *testing.T) {
	var checks atomic.Int32
	p := New("feed", Config{
		CheckIdle: time.Nanosecond,
		Check: func(ctx context.Context, h *Handle) error {
			checks.Add(1)
			return errors.New("stale")
		},
	}, nil)
	defer p.Close()

	first := grab(t, p, "example.com")
	time.Sleep(time.Millisecond)
	second := grab(t, p, "example.com")

	assert.NotSame(t, first, second)
	assert.Equal(t, int32(1), checks.Load())
}

func TestMaxTotalBoundsConcurrency(t *testing.T) {
	p := New("feed", Config{MaxTotal: 2, MaxPerHost: 2}, nil)
	defer p.Close()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		host := "a.example.com"
		if i%2 == 1 {
			host = "b.example.com"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.With(context.Background(), host, func(h *Handle) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestMaxTotalBoundsIdleHandles(t *testing.T) {
	p := New("feed", Config{MaxTotal: 2, MaxPerHost: 2}, nil)
	defer p.Close()

	live := func() int32 {
		var n int32
		for _, h := range p.Stats().Hosts {
			n += h.Total
		}
		return n
	}

	grab(t, p, "a.example.com")
	grab(t, p, "b.example.com")
	require.Equal(t, int32(2), live())

	grab(t, p, "c.example.com")
	assert.Eventually(t, func() bool { return live() <= 2 }, time.Second, 5*time.Millisecond)

	// a host with an idle handle of its own evicts nothing
	grab(t, p, "c.example.com")
	assert.Eventually(t, func() bool { return live() == 2 }, time.Second, 5*time.Millisecond)
}

func TestAcquireHonoursContext(t *testing.T) {
	p := New("feed", Config{MaxTotal: 1}, nil)
	defer p.Close()

	hold := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = p.With(context.Background(), "example.com", func(h *Handle) error {
			close(hold)
			<-done
			return nil
		})
	}()
	<-hold

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.With(ctx, "example.com", func(h *Handle) error { return nil })
	close(done)

	require.Error(t, err)
	assert.Equal(t, syncerr.KindConnection, syncerr.KindOf(err))
}

func TestClosedPool(t *testing.T) {
	p := New("feed", Config{}, nil)
	p.Close()

	err := p.With(context.Background(), "example.com", func(h *Handle) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandleClientPerformsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	p := New("feed", Config{RequestTimeout: time.Second}, nil)
	defer p.Close()

	var body string
	err := p.With(context.Background(), "127.0.0.1", func(h *Handle) error {
		resp, err := h.Client.Get(srv.URL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		body = string(b)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", body)
}

func TestManager(t *testing.T) {
	m := NewManager(Config{}, nil)
	defer m.Close()

	assert.Same(t, m.Get("feed"), m.Get("feed"))
	grab(t, m.Get("feed"), "example.com")
	m.Get("google_drive")

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "feed", stats[0].SourceType)
	require.Len(t, stats[0].Hosts, 1)
	assert.Equal(t, int32(1), stats[0].Hosts[0].Total)
	assert.Equal(t, int64(1), stats[0].Hosts[0].AcquireCount)
}
