// Package pool keeps bounded, reusable HTTP handles per source type. Handles
// are created lazily on acquisition and evicted when they age out or fail.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
	"golang.org/x/sync/semaphore"

	"github.com/file-connector/internal/syncerr"
	"github.com/file-connector/pkg/logger"
)

// ErrClosed is returned when acquiring from a closed pool
var ErrClosed = errors.New("pool closed")

// Handle is one reusable network handle bound to a host
type Handle struct {
	Client  *http.Client
	Host    string
	created time.Time
	uses    int

	transport *http.Transport
}

// Uses returns how many times the handle has been acquired
func (h *Handle) Uses() int {
	return h.uses
}

// Age returns how long the handle has existed
func (h *Handle) Age() time.Duration {
	return time.Since(h.created)
}

// CheckFunc checks a reused handle before it is handed out
type CheckFunc func(ctx context.Context, h *Handle) error

// Config holds pool limits. MaxTotal caps handles in use across all hosts;
// idle handles on other hosts are destroyed to make room for a new one, so
// live handles stay within MaxTotal apart from destructions in progress.
type Config struct {
	MaxTotal       int
	MaxPerHost     int
	TTL            time.Duration
	RequestTimeout time.Duration
	CheckIdle      time.Duration // check handles idle longer than this
	Check          CheckFunc
}

// DefaultConfig returns the default pool limits
func DefaultConfig() Config {
	return Config{
		MaxTotal:       100,
		MaxPerHost:     30,
		TTL:            5 * time.Minute,
		RequestTimeout: 30 * time.Second,
		CheckIdle:      time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTotal <= 0 {
		c.MaxTotal = d.MaxTotal
	}
	if c.MaxPerHost <= 0 {
		c.MaxPerHost = d.MaxPerHost
	}
	if c.MaxPerHost > c.MaxTotal {
		c.MaxPerHost = c.MaxTotal
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.CheckIdle <= 0 {
		c.CheckIdle = d.CheckIdle
	}
	return c
}

// Pool holds the handles of one source type
type Pool struct {
	name  string
	cfg   Config
	total *semaphore.Weighted
	log   *logger.Logger

	mu     sync.Mutex
	hosts  map[string]*puddle.Pool[*Handle]
	closed bool
}

// New creates an empty pool
func New(name string, cfg Config, log *logger.Logger) *Pool {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Pool{
		name:  name,
		cfg:   cfg,
		total: semaphore.NewWeighted(int64(cfg.MaxTotal)),
		log:   log.WithComponent("pool").WithSource(name),
		hosts: make(map[string]*puddle.Pool[*Handle]),
	}
}

func (p *Pool) newHandle(host string) *Handle {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       p.cfg.TTL,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Handle{
		Client: &http.Client{
			Transport: transport,
			Timeout:   p.cfg.RequestTimeout,
		},
		Host:      host,
		created:   time.Now(),
		transport: transport,
	}
}

func (p *Pool) hostPool(host string) (*puddle.Pool[*Handle], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if hp, ok := p.hosts[host]; ok {
		return hp, nil
	}

	hp, err := puddle.NewPool(&puddle.Config[*Handle]{
		Constructor: func(ctx context.Context) (*Handle, error) {
			return p.newHandle(host), nil
		},
		Destructor: func(h *Handle) {
			h.transport.CloseIdleConnections()
		},
		MaxSize: int32(p.cfg.MaxPerHost),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pool for %s: %w", host, err)
	}
	p.hosts[host] = hp
	return hp, nil
}

// trimIdle destroys idle handles of other hosts while creating a handle for
// hp would exceed MaxTotal live handles. Nothing happens when hp can reuse
// one of its own idle handles.
func (p *Pool) trimIdle(hp *puddle.Pool[*Handle]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if hp.Stat().IdleResources() > 0 {
		return
	}
	live := 0
	for _, other := range p.hosts {
		live += int(other.Stat().TotalResources())
	}

	for host, other := range p.hosts {
		if live < p.cfg.MaxTotal {
			return
		}
		if other == hp {
			continue
		}
		for _, res := range other.AcquireAllIdle() {
			if live >= p.cfg.MaxTotal {
				res.Destroy()
				live--
				p.log.Debug().Str("host", host).Msg("Evicted idle handle for another host")
				continue
			}
			res.ReleaseUnused()
		}
	}
}

// healthy decides whether a reused handle may be handed out
func (p *Pool) healthy(ctx context.Context, res *puddle.Resource[*Handle]) bool {
	if time.Since(res.CreationTime()) > p.cfg.TTL {
		return false
	}
	if p.cfg.Check != nil && res.Value().uses > 0 && res.IdleDuration() > p.cfg.CheckIdle {
		if err := p.cfg.Check(ctx, res.Value()); err != nil {
			p.log.Debug().Err(err).Str("host", res.Value().Host).Msg("Handle failed health check")
			return false
		}
	}
	return true
}

// With runs fn with a handle for host. The handle is returned to the pool on
// every exit path; it is destroyed instead when fn fails with a connection
// error or panics.
func (p *Pool) With(ctx context.Context, host string, fn func(*Handle) error) (err error) {
	hp, err := p.hostPool(host)
	if err != nil {
		return err
	}

	if err := p.total.Acquire(ctx, 1); err != nil {
		return syncerr.Connection("pool acquire", err)
	}
	defer p.total.Release(1)
	p.trimIdle(hp)

	var res *puddle.Resource[*Handle]
	for {
		res, err = hp.Acquire(ctx)
		if err != nil {
			if errors.Is(err, puddle.ErrClosedPool) {
				return ErrClosed
			}
			return syncerr.Connection("pool acquire", err)
		}
		if p.healthy(ctx, res) {
			break
		}
		res.Destroy()
	}

	defer func() {
		if r := recover(); r != nil {
			res.Destroy()
			panic(r)
		}
		if syncerr.IsRetryable(err) {
			res.Destroy()
			return
		}
		res.Release()
	}()

	h := res.Value()
	h.uses++
	return fn(h)
}

// HostStats describes one host's handles
type HostStats struct {
	Host         string `json:"host"`
	Total        int32  `json:"total"`
	Idle         int32  `json:"idle"`
	Acquired     int32  `json:"acquired"`
	Max          int32  `json:"max"`
	AcquireCount int64  `json:"acquire_count"`
}

// Stats describes a pool
type Stats struct {
	SourceType string      `json:"source_type"`
	MaxTotal   int         `json:"max_total"`
	Hosts      []HostStats `json:"hosts"`
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Stats{SourceType: p.name, MaxTotal: p.cfg.MaxTotal}
	for host, hp := range p.hosts {
		s := hp.Stat()
		out.Hosts = append(out.Hosts, HostStats{
			Host:         host,
			Total:        s.TotalResources(),
			Idle:         s.IdleResources(),
			Acquired:     s.AcquiredResources(),
			Max:          s.MaxResources(),
			AcquireCount: s.AcquireCount(),
		})
	}
	sort.Slice(out.Hosts, func(i, j int) bool { return out.Hosts[i].Host < out.Hosts[j].Host })
	return out
}

// Close closes every host pool, waiting for acquired handles to be returned
func (p *Pool) Close() {
	p.mu.Lock()
	hosts := p.hosts
	p.hosts = make(map[string]*puddle.Pool[*Handle])
	p.closed = true
	p.mu.Unlock()

	for _, hp := range hosts {
		hp.Close()
	}
}

// Manager owns one pool per source type
type Manager struct {
	cfg Config
	log *logger.Logger

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates a pool manager
func NewManager(cfg Config, log *logger.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		log:   log,
		pools: make(map[string]*Pool),
	}
}

// Get returns the pool for a source type, creating it on first use
func (m *Manager) Get(sourceType string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[sourceType]; ok {
		return p
	}
	p := New(sourceType, m.cfg, m.log)
	m.pools[sourceType] = p
	return p
}

// Stats returns a snapshot of every pool
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceType < out[j].SourceType })
	return out
}

// Close closes all pools
func (m *Manager) Close() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
