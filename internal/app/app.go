// Package app is the process-scoped container: it owns the store, the
// adapters, the governor, the scheduler and the operator server, and gives
// them a single Start/Stop lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/file-connector/internal/config"
	"github.com/file-connector/internal/governor"
	"github.com/file-connector/internal/metrics"
	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/orchestrator"
	"github.com/file-connector/internal/pool"
	"github.com/file-connector/internal/scheduler"
	"github.com/file-connector/internal/server"
	"github.com/file-connector/internal/source"
	"github.com/file-connector/internal/source/autodesk"
	"github.com/file-connector/internal/source/feed"
	"github.com/file-connector/internal/source/gdrive"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/internal/storage/database"
	"github.com/file-connector/internal/storage/memory"
	"github.com/file-connector/internal/syncerr"
	"github.com/file-connector/pkg/logger"
)

// Option configures an App
type Option func(*options)

type options struct {
	store     storage.Repository
	overrides map[source.Type]source.Registration
	noServer  bool
	keepState bool
}

// WithStore uses an already opened repository instead of the configured one
func WithStore(repo storage.Repository) Option {
	return func(o *options) { o.store = repo }
}

// WithSource replaces the built-in adapter for a source type
func WithSource(t source.Type, reg source.Registration) Option {
	return func(o *options) {
		if o.overrides == nil {
			o.overrides = make(map[source.Type]source.Registration)
		}
		o.overrides[t] = reg
	}
}

// WithoutServer skips the operator HTTP surface
func WithoutServer() Option {
	return func(o *options) { o.noServer = true }
}

// WithOperatorState makes LoadEndpoints keep the stored enabled flag of
// endpoints already in the store. Processes that share the store with a
// running daemon use it so they do not undo operator enable/disable.
func WithOperatorState() Option {
	return func(o *options) { o.keepState = true }
}

// App wires every component of the sync engine
type App struct {
	cfg *config.Config
	log *logger.Logger

	Store        storage.Repository
	Registry     *source.Registry
	Pools        *pool.Manager
	Governor     *governor.Governor
	Metrics      *metrics.Metrics
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Server       *server.Server

	startTime time.Time
	errs      chan error
	keepState bool

	mu      sync.Mutex
	invalid map[string]error // endpoints rejected at registration
}

// OpenStore opens the configured repository and runs migrations
func OpenStore(cfg *config.Config) (storage.Repository, error) {
	if cfg.Database.Driver == config.DriverMemory {
		return memory.New(), nil
	}

	repo, err := database.New(cfg.DatabaseConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repo.Migrate(); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

// New builds the application. Nothing runs until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = logger.Nop()
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone: %w", err)
	}

	store := o.store
	if store == nil {
		store, err = OpenStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	a := &App{
		cfg:       cfg,
		log:       log.WithComponent("app"),
		Store:     store,
		Metrics:   metrics.New(),
		startTime: time.Now(),
		errs:      make(chan error, 1),
		keepState: o.keepState,
		invalid:   make(map[string]error),
	}

	a.Pools = pool.NewManager(cfg.PoolConfig(), log)
	a.Registry = source.NewRegistry(source.Deps{
		Pools:       a.Pools,
		Credentials: cfg.SourceCredentials(),
		Log:         log,
	})
	for _, register := range []func(*source.Registry) error{gdrive.Register, autodesk.Register, feed.Register} {
		if err := register(a.Registry); err != nil {
			return nil, fmt.Errorf("failed to register source: %w", err)
		}
	}
	for t, reg := range o.overrides {
		if err := a.Registry.Register(t, reg); err != nil {
			return nil, fmt.Errorf("failed to register source: %w", err)
		}
	}

	a.Governor = governor.New(cfg.GovernorConfig(),
		governor.WithMetrics(a.Metrics),
		governor.WithLogger(log))

	a.Orchestrator = orchestrator.New(cfg.OrchestratorConfig(), store, a.Registry, a.Governor,
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(a.Metrics))

	a.Scheduler = scheduler.New(a.Orchestrator,
		scheduler.WithLogger(log),
		scheduler.WithLocation(loc))

	if cfg.Server.Enabled && !o.noServer {
		a.Server = server.New(server.Config{
			Addr:         cfg.Server.Addr,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}, server.Deps{
			Controller: a,
			Store:      store,
			Scheduler:  a.Scheduler,
			Governor:   a.Governor,
			Pools:      a.Pools,
			Metrics:    a.Metrics,
			Log:        log,
			StartTime:  a.startTime,
		})
	}

	return a, nil
}

// LoadEndpoints writes the configured endpoints to the store, preserving
// cursors and last status, and registers the enabled ones with the
// scheduler. The enabled flag comes from the config unless the App was built
// WithOperatorState. An invalid endpoint is logged and skipped. It returns
// the number of endpoints registered.
func (a *App) LoadEndpoints(ctx context.Context) (int, error) {
	registered := 0
	for _, ep := range a.cfg.EndpointModels() {
		if a.keepState {
			stored, err := a.Store.GetEndpoint(ctx, ep.ID)
			switch {
			case err == nil:
				ep.Enabled = stored.Enabled
			case !syncerr.Is(err, syncerr.KindNotFound):
				return registered, fmt.Errorf("failed to read endpoint %s: %w", ep.ID, err)
			}
		}
		if err := a.Store.SaveEndpoint(ctx, ep); err != nil {
			return registered, fmt.Errorf("failed to save endpoint %s: %w", ep.ID, err)
		}
		a.Governor.Track(ep.SourceType)

		if err := a.register(ep); err != nil {
			a.log.Error().Err(err).
				Str("endpoint_id", ep.ID).
				Str("source_type", ep.SourceType).
				Msg("Endpoint rejected")
			continue
		}
		if ep.Enabled {
			registered++
		}
	}
	return registered, nil
}

// register validates and installs one endpoint's trigger
func (a *App) register(ep *models.Endpoint) error {
	err := a.validate(ep)

	a.mu.Lock()
	if err != nil {
		a.invalid[ep.ID] = err
	} else {
		delete(a.invalid, ep.ID)
	}
	a.mu.Unlock()

	if err != nil {
		a.Scheduler.UnregisterEndpoint(ep.ID)
		return err
	}
	return a.Scheduler.RegisterEndpoint(ep)
}

func (a *App) validate(ep *models.Endpoint) error {
	if err := a.Registry.Validate(ep); err != nil {
		return err
	}
	if _, err := scheduler.ValidateSchedule(ep.Schedule); err != nil {
		return fmt.Errorf("endpoint %s: %w", ep.ID, err)
	}
	return nil
}

// ValidateEndpoints checks every configured endpoint without registering
// it. The result holds only the endpoints that failed.
func (a *App) ValidateEndpoints() map[string]error {
	out := make(map[string]error)
	for _, ep := range a.cfg.EndpointModels() {
		if err := a.validate(ep); err != nil {
			out[ep.ID] = err
		}
	}
	return out
}

// Start loads endpoints, starts the scheduler and the operator server
func (a *App) Start(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}

	n, err := a.LoadEndpoints(ctx)
	if err != nil {
		return err
	}
	a.log.Info().
		Int("configured", len(a.cfg.Endpoints)).
		Int("registered", n).
		Msg("Endpoints loaded")

	a.Scheduler.Start()

	if a.Server != nil {
		go func() {
			if err := a.Server.Start(); err != nil {
				a.log.Error().Err(err).Msg("Operator server failed")
				a.errs <- err
			}
		}()
	}
	return nil
}

// Errors reports fatal background failures such as the server failing to bind
func (a *App) Errors() <-chan error {
	return a.errs
}

// Stop stops triggers, waits for in-flight passes and releases resources
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if a.Server != nil {
		if err := a.Server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: %w", err))
		}
	}

	stopCtx := ctx
	if a.cfg.Scheduler.StopTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, a.cfg.Scheduler.StopTimeout)
		defer cancel()
	}
	if err := a.Scheduler.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}

	a.Pools.Close()
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	a.log.Info().Msg("Stopped")
	return errors.Join(errs...)
}

// TriggerNow starts a pass in the background
func (a *App) TriggerNow(ctx context.Context, id string) error {
	ep, err := a.Store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	if !ep.Enabled {
		return fmt.Errorf("endpoint %s: %w", id, syncerr.ErrDisabled)
	}

	a.mu.Lock()
	invalid := a.invalid[id]
	a.mu.Unlock()
	if invalid != nil {
		return invalid
	}
	return a.Scheduler.TriggerNow(id)
}

// EnableEndpoint persists the flag and installs the endpoint's trigger. An
// invalid endpoint stays disabled.
func (a *App) EnableEndpoint(ctx context.Context, id string) error {
	ep, err := a.Store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	if err := a.validate(ep); err != nil {
		return err
	}
	if err := a.Store.SetEndpointEnabled(ctx, id, true); err != nil {
		return err
	}
	ep.Enabled = true
	if err := a.register(ep); err != nil {
		return err
	}
	a.log.Info().Str("endpoint_id", id).Msg("Endpoint enabled")
	return nil
}

// DisableEndpoint persists the flag and cancels future fires. A pass in
// flight runs to completion.
func (a *App) DisableEndpoint(ctx context.Context, id string) error {
	if err := a.Store.SetEndpointEnabled(ctx, id, false); err != nil {
		return err
	}
	a.Scheduler.UnregisterEndpoint(id)
	a.log.Info().Str("endpoint_id", id).Msg("Endpoint disabled")
	return nil
}

// RunNow executes one pass in the foreground. It fails with
// syncerr.ErrAlreadyRunning while another pass for the endpoint is in flight.
func (a *App) RunNow(ctx context.Context, id string) (*models.SyncRun, error) {
	return a.Scheduler.RunNow(ctx, id)
}

// SyncAll runs every enabled endpoint once, at most concurrency at a time.
// One endpoint failing does not stop the others; an endpoint whose pass is
// already in flight is reported with syncerr.ErrAlreadyRunning.
func (a *App) SyncAll(ctx context.Context, concurrency int) ([]*models.SyncRun, error) {
	eps, err := a.Store.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}

	var enabled []*models.Endpoint
	for _, ep := range eps {
		if ep.Enabled {
			enabled = append(enabled, ep)
		}
	}

	runs := make([]*models.SyncRun, len(enabled))
	errs := make([]error, len(enabled))

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, ep := range enabled {
		g.Go(func() error {
			runs[i], errs[i] = a.Scheduler.RunNow(gctx, ep.ID)
			if errs[i] != nil {
				errs[i] = fmt.Errorf("%s: %w", ep.ID, errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return runs, errors.Join(errs...)
}

// CheckSource authenticates against an endpoint's source and checks it
func (a *App) CheckSource(ctx context.Context, id string) error {
	ep, err := a.Store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	src, err := a.Registry.Build(ep)
	if err != nil {
		return err
	}
	if err := src.Authenticate(ctx, nil); err != nil {
		return err
	}
	return src.HealthCheck(ctx)
}

var _ server.Controller = (*App)(nil)
