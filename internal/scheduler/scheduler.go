// Package scheduler owns the per-endpoint triggers and the single-flight
// rule: at most one pass per endpoint is in flight at any time.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/syncerr"
	"github.com/file-connector/pkg/logger"
)

// State is an endpoint's position in the trigger lifecycle
type State string

const (
	StateIdle      State = "idle"      // registered, manual only
	StateScheduled State = "scheduled" // registered with a future fire
	StateRunning   State = "running"
	StateDisabled  State = "disabled"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Runner executes one pass
type Runner interface {
	Run(ctx context.Context, endpointID string) (*models.SyncRun, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, endpointID string) (*models.SyncRun, error)

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, endpointID string) (*models.SyncRun, error) {
	return f(ctx, endpointID)
}

// Option configures a Scheduler
type Option func(*options)

type options struct {
	log      *logger.Logger
	location *time.Location
}

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithLocation sets the time zone cron expressions are evaluated in
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

type entry struct {
	endpointID string
	sourceType string
	schedule   models.Schedule
	cronID     cron.EntryID // zero for manual schedules
}

// EndpointState is a point-in-time view of one endpoint's trigger
type EndpointState struct {
	EndpointID string     `json:"endpoint_id"`
	SourceType string     `json:"source_type"`
	State      State      `json:"state"`
	Schedule   string     `json:"schedule"`
	Next       *time.Time `json:"next,omitempty"`
	Prev       *time.Time `json:"prev,omitempty"`
}

// Scheduler fires passes on interval, cron or manual triggers
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	log    *logger.Logger

	// Passes outlive unregistration; they are only cancelled when Stop
	// gives up waiting.
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu       sync.Mutex
	entries  map[string]*entry
	inFlight map[string]bool
	stopping bool
	wg       sync.WaitGroup
}

// New creates a scheduler that runs passes through runner
func New(runner Runner, opts ...Option) *Scheduler {
	o := options{log: logger.Nop(), location: time.UTC}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.WithComponent("scheduler")

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(o.location),
			cron.WithLogger(cronLogger{log}),
			cron.WithChain(cron.Recover(cronLogger{log})),
		),
		runner:    runner,
		log:       log,
		runCtx:    ctx,
		cancelRun: cancel,
		entries:   make(map[string]*entry),
		inFlight:  make(map[string]bool),
	}
}

// ValidateSchedule checks a schedule and returns its cron form. Manual
// schedules return a nil schedule.
func ValidateSchedule(s models.Schedule) (cron.Schedule, error) {
	switch s.Type {
	case models.ScheduleInterval:
		if s.IntervalMinutes <= 0 {
			return nil, syncerr.Config("schedule", "interval must be positive, got %d minutes", s.IntervalMinutes)
		}
		return cron.Every(time.Duration(s.IntervalMinutes) * time.Minute), nil
	case models.ScheduleCron:
		if s.CronExpr == "" {
			return nil, syncerr.Config("schedule", "cron schedule requires an expression")
		}
		sched, err := parser.Parse(s.CronExpr)
		if err != nil {
			return nil, syncerr.Config("schedule", "invalid cron expression %q: %v", s.CronExpr, err)
		}
		return sched, nil
	case models.ScheduleManual:
		return nil, nil
	default:
		return nil, syncerr.Config("schedule", "unknown schedule type %q", s.Type)
	}
}

// Describe renders a schedule for display
func Describe(s models.Schedule) string {
	switch s.Type {
	case models.ScheduleInterval:
		return fmt.Sprintf("every %dm", s.IntervalMinutes)
	case models.ScheduleCron:
		return s.CronExpr
	default:
		return string(s.Type)
	}
}

// RegisterEndpoint installs or replaces the endpoint's trigger. A disabled
// endpoint is unregistered instead. Invalid schedules leave any existing
// trigger untouched.
func (s *Scheduler) RegisterEndpoint(ep *models.Endpoint) error {
	if !ep.Enabled {
		s.UnregisterEndpoint(ep.ID)
		return nil
	}

	sched, err := ValidateSchedule(ep.Schedule)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w", ep.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[ep.ID]; ok && old.cronID != 0 {
		s.cron.Remove(old.cronID)
	}

	e := &entry{
		endpointID: ep.ID,
		sourceType: ep.SourceType,
		schedule:   ep.Schedule,
	}
	if sched != nil {
		id := ep.ID
		e.cronID = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(id) }))
	}
	s.entries[ep.ID] = e

	s.log.Info().
		Str("endpoint_id", ep.ID).
		Str("schedule", Describe(ep.Schedule)).
		Msg("Endpoint registered")
	return nil
}

// UnregisterEndpoint cancels future fires. A pass already in flight runs
// to completion.
func (s *Scheduler) UnregisterEndpoint(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.cronID != 0 {
		s.cron.Remove(e.cronID)
	}
	delete(s.entries, id)

	s.log.Info().
		Str("endpoint_id", id).
		Bool("in_flight", s.inFlight[id]).
		Msg("Endpoint unregistered")
}

// TriggerNow starts a pass in the background. It fails with
// syncerr.ErrAlreadyRunning while a pass for the endpoint is in flight.
func (s *Scheduler) TriggerNow(id string) error {
	if err := s.claim(id); err != nil {
		return err
	}
	go s.run(id, "manual")
	return nil
}

// RunNow runs a pass in the foreground and returns its run. It shares the
// in-flight slot with scheduled and triggered passes, so it fails with
// syncerr.ErrAlreadyRunning while another pass for the endpoint is running.
// The endpoint need not be registered.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*models.SyncRun, error) {
	if err := s.acquire(id, false); err != nil {
		return nil, err
	}
	defer s.release(id)

	// Stop cancels foreground passes together with background ones
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(s.runCtx, cancel)
	defer stopWatch()

	s.log.Debug().Str("endpoint_id", id).Str("trigger", "foreground").Msg("Pass starting")
	return s.runner.Run(ctx, id)
}

// claim marks a registered endpoint in flight
func (s *Scheduler) claim(id string) error {
	return s.acquire(id, true)
}

func (s *Scheduler) acquire(id string, registered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return fmt.Errorf("scheduler is stopping")
	}
	if _, ok := s.entries[id]; registered && !ok {
		return fmt.Errorf("endpoint %s: %w", id, syncerr.ErrNotRegistered)
	}
	if s.inFlight[id] {
		return fmt.Errorf("endpoint %s: %w", id, syncerr.ErrAlreadyRunning)
	}
	s.inFlight[id] = true
	s.wg.Add(1)
	return nil
}

// fire is the scheduled trigger. Fires that land while a pass is running
// are dropped.
func (s *Scheduler) fire(id string) bool {
	if err := s.claim(id); err != nil {
		s.log.Debug().Err(err).Str("endpoint_id", id).Msg("Skipping scheduled fire")
		return false
	}
	s.run(id, "schedule")
	return true
}

func (s *Scheduler) run(id, trigger string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("endpoint_id", id).Msg("Pass panicked")
		}
		s.release(id)
	}()

	s.log.Debug().Str("endpoint_id", id).Str("trigger", trigger).Msg("Pass starting")

	run, err := s.runner.Run(s.runCtx, id)
	if err != nil {
		event := s.log.Warn().Err(err).Str("endpoint_id", id).Str("trigger", trigger)
		if run != nil {
			event = event.Str("status", string(run.Status))
		}
		event.Msg("Pass ended early")
	}
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
	s.wg.Done()
}

// State returns one endpoint's trigger state
func (s *Scheduler) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(id)
}

func (s *Scheduler) stateLocked(id string) State {
	if s.inFlight[id] {
		return StateRunning
	}
	e, ok := s.entries[id]
	switch {
	case !ok:
		return StateDisabled
	case e.cronID == 0:
		return StateIdle
	default:
		return StateScheduled
	}
}

// States reports every registered endpoint, sorted by id
func (s *Scheduler) States() []EndpointState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EndpointState, 0, len(s.entries))
	for id, e := range s.entries {
		st := EndpointState{
			EndpointID: id,
			SourceType: e.sourceType,
			State:      s.stateLocked(id),
			Schedule:   Describe(e.schedule),
		}
		if e.cronID != 0 {
			ce := s.cron.Entry(e.cronID)
			if !ce.Next.IsZero() {
				next := ce.Next
				st.Next = &next
			}
			if !ce.Prev.IsZero() {
				prev := ce.Prev
				st.Prev = &prev
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// Start begins firing scheduled triggers
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("endpoints", len(s.States())).Msg("Scheduler started")
}

// Stop halts all triggers and waits for in-flight passes. If ctx ends
// first, the remaining passes are cancelled and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()

	select {
	case <-done:
		s.cancelRun()
		s.log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancelRun()
		s.log.Warn().Msg("Scheduler stop timed out, cancelling in-flight passes")
		return ctx.Err()
	}
}

// cronLogger adapts our logger for cron
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(keysAndValues...).Debug().Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(keysAndValues...).Error().Err(err).Msg(msg)
}
