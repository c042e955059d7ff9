// Package orchestrator executes one sync pass for an endpoint: admission,
// listing, classification, batched persistence, cursor advance and the
// sealed SyncRun record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/datatypes"

	"github.com/file-connector/internal/batch"
	"github.com/file-connector/internal/governor"
	"github.com/file-connector/internal/metrics"
	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/source"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/internal/syncerr"
	"github.com/file-connector/pkg/logger"
)

// Record classes reported to metrics
const (
	ClassNew       = "new"
	ClassUpdated   = "updated"
	ClassUnchanged = "unchanged"
	ClassErrored   = "errored"
)

const maxErrorDetail = 2000

// SourceBuilder resolves an endpoint to its adapter
type SourceBuilder interface {
	Build(ep *models.Endpoint) (source.Source, error)
}

// Config holds pass settings
type Config struct {
	MaxResults     int           // default when the endpoint sets none
	SourceTimeout  time.Duration // per outbound request
	MaxAttempts    int           // per source step, including the first
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Batch          batch.Config
}

// DefaultConfig returns the default pass settings
func DefaultConfig() Config {
	return Config{
		MaxResults:     1000,
		SourceTimeout:  30 * time.Second,
		MaxAttempts:    3,
		BackoffInitial: time.Second,
		BackoffMax:     30 * time.Second,
		Batch:          batch.DefaultConfig(),
	}
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) { o.log = log.WithComponent("orchestrator") }
}

// WithMetrics records pass outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces the clock used for run timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs passes. It is safe for concurrent use across endpoints;
// the scheduler guarantees passes for one endpoint never overlap.
type Orchestrator struct {
	cfg     Config
	store   storage.Store
	sources SourceBuilder
	gov     *governor.Governor
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// New creates an orchestrator
func New(cfg Config, store storage.Store, sources SourceBuilder, gov *governor.Governor, opts ...Option) *Orchestrator {
	d := DefaultConfig()
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = d.MaxResults
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = d.SourceTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = d.BackoffInitial
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}

	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		sources: sources,
		gov:     gov,
		log:     logger.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// pass is the mutable state of one run
type pass struct {
	ep    *models.Endpoint
	run   *models.SyncRun
	log   *logger.Logger
	batch *batch.Processor

	seen    map[string]bool
	class   map[string]string
	maxSeen time.Time
	errs    []string
}

func (p *pass) fail(format string, args ...any) {
	p.errs = append(p.errs, fmt.Sprintf(format, args...))
}

// Run executes one pass for the endpoint and returns its sealed SyncRun.
// The error is the reason the pass stopped early. Item failures alone leave
// the error nil and are reported in the run.
func (o *Orchestrator) Run(ctx context.Context, endpointID string) (*models.SyncRun, error) {
	ep, err := o.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoint %s: %w", endpointID, err)
	}

	run := models.NewSyncRun(ep, o.now())
	log := o.log.WithEndpoint(ep.ID).WithSource(ep.SourceType).WithRunID(run.ID)

	src, err := o.sources.Build(ep)
	if err != nil {
		log.Error().Err(err).Msg("Endpoint configuration rejected")
		return o.finish(ctx, log, run, models.RunStatusFailed, err)
	}

	// Step 1: admission
	adm, err := o.gov.Admit(ctx, ep.SourceType)
	if err != nil {
		log.Warn().Err(err).Msg("Pass not admitted")
		return o.finish(ctx, log, run, statusFor(err, 0), err)
	}

	if err := o.store.RecordSyncRun(ctx, run); err != nil {
		adm.Release(governor.OutcomeNeutral)
		return nil, fmt.Errorf("failed to open sync run: %w", err)
	}

	log.Info().
		Bool("trial", adm.Trial()).
		Interface("cursor", ep.Cursor).
		Msg("Starting sync pass")

	p := &pass{
		ep:    ep,
		run:   run,
		log:   log,
		seen:  make(map[string]bool),
		class: make(map[string]string),
		batch: batch.New(o.store, ep.ID, o.cfg.Batch,
			batch.WithLogger(log), batch.WithMetrics(o.metrics)),
	}

	status, passErr := o.execute(ctx, p, src, adm)
	adm.Release(outcomeFor(passErr))

	if passErr == nil && len(p.errs) > 0 {
		run.ErrorDetail = truncate(strings.Join(p.errs, "; "), maxErrorDetail)
	}
	return o.finish(ctx, log, run, status, passErr)
}

// execute runs steps 2 to 6 and returns the status the run should carry
func (o *Orchestrator) execute(ctx context.Context, p *pass, src source.Source, adm *governor.Admission) (models.RunStatus, error) {
	err := o.retry(ctx, p, "authenticate", func() error {
		actx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout)
		defer cancel()
		return src.Authenticate(actx, adm)
	})
	if err != nil {
		p.log.Error().Err(err).Msg("Source authentication failed")
		return statusFor(err, 0), err
	}

	since := time.Time{}
	if p.ep.Cursor != nil {
		since = *p.ep.Cursor
	}
	maxResults := p.ep.MaxResults
	if maxResults <= 0 {
		maxResults = o.cfg.MaxResults
	}
	opts := source.ListOptions{
		Since:          since,
		MaxResults:     maxResults,
		FileTypes:      p.ep.FileTypes,
		Gate:           adm,
		RequestTimeout: o.cfg.SourceTimeout,
	}

	// Steps 2 to 5: list, classify, route to the batch processor
	listErr := o.retry(ctx, p, "list", func() error {
		return src.ListChanged(ctx, opts, func(c *source.CandidateRecord) error {
			return o.classify(ctx, p, c)
		})
	})

	// Every batch is acknowledged or counted before the cursor moves
	res, closeErr := p.batch.Close(context.WithoutCancel(ctx))
	o.settle(p, res)

	if listErr != nil {
		p.log.Error().Err(listErr).
			Int("files_found", p.run.FilesFound).
			Msg("Source listing failed")
		return statusFor(listErr, p.run.FilesFound), listErr
	}
	if closeErr != nil {
		p.fail("flush: %v", closeErr)
		return models.RunStatusPartial, nil
	}

	// Step 6: cursor
	if !p.maxSeen.IsZero() {
		cursor, err := o.store.AdvanceCursor(context.WithoutCancel(ctx), p.ep.ID, p.maxSeen)
		if err != nil {
			p.log.Error().Err(err).Time("max_seen", p.maxSeen).Msg("Failed to advance cursor")
			p.fail("advance cursor: %v", err)
			return models.RunStatusPartial, nil
		}
		p.run.CursorAfter = &cursor
	}

	if p.run.FilesErrored > 0 {
		return models.RunStatusPartial, nil
	}
	return models.RunStatusSucceeded, nil
}

// classify handles one candidate. Errors returned here stop the listing.
func (o *Orchestrator) classify(ctx context.Context, p *pass, c *source.CandidateRecord) error {
	if c.ExternalID == "" {
		p.run.FilesErrored++
		o.metrics.AddRecords(p.ep.SourceType, ClassErrored, 1)
		p.fail("candidate %q has no external id", c.Title)
		return nil
	}
	// A retried listing restarts from the same cursor
	if p.seen[c.ExternalID] {
		return nil
	}
	p.seen[c.ExternalID] = true
	p.run.FilesFound++

	rec := toRecord(p.ep, c, o.now())
	if rec.ExternalUpdatedAt != nil && rec.ExternalUpdatedAt.After(p.maxSeen) {
		p.maxSeen = *rec.ExternalUpdatedAt
	}

	existing, err := o.store.GetExisting(ctx, p.ep.ID, c.ExternalID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.run.FilesErrored++
		o.metrics.AddRecords(p.ep.SourceType, ClassErrored, 1)
		p.fail("lookup %s: %v", c.ExternalID, err)
		return nil
	}

	var class string
	switch {
	case existing == nil:
		class = ClassNew
		p.run.FilesAdded++
	case rec.Supersedes(existing):
		class = ClassUpdated
		p.run.FilesUpdated++
	default:
		p.run.FilesSkipped++
		o.metrics.AddRecords(p.ep.SourceType, ClassUnchanged, 1)
		return nil
	}
	p.class[c.ExternalID] = class
	o.metrics.AddRecords(p.ep.SourceType, class, 1)

	return p.batch.Add(ctx, rec)
}

// settle moves records the store refused out of the added and updated counts
func (o *Orchestrator) settle(p *pass, res batch.Result) {
	uncount := func(id string) {
		switch p.class[id] {
		case ClassNew:
			p.run.FilesAdded--
		case ClassUpdated:
			p.run.FilesUpdated--
		}
	}
	for _, id := range res.StaleIDs {
		uncount(id)
		p.run.FilesSkipped++
	}
	for _, id := range res.Failed {
		uncount(id)
		p.run.FilesErrored++
	}
	if res.Errored > 0 {
		o.metrics.AddRecords(p.ep.SourceType, ClassErrored, res.Errored)
	}
	for _, err := range res.Errors {
		p.fail("%v", err)
	}
}

// retry runs op with jittered exponential backoff. Only connection
// failures are retried.
func (o *Orchestrator) retry(ctx context.Context, p *pass, step string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.BackoffInitial
	b.MaxInterval = o.cfg.BackoffMax
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.MaxAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil || syncerr.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		p.run.RetryCount++
		p.log.Warn().Err(err).
			Str("step", step).
			Int("retry", p.run.RetryCount).
			Dur("wait", wait).
			Msg("Transient source failure, retrying")
	})
}

// finish seals the run, records it and the endpoint status
func (o *Orchestrator) finish(ctx context.Context, log *logger.Logger, run *models.SyncRun, status models.RunStatus, cause error) (*models.SyncRun, error) {
	if cause != nil {
		run.ErrorKind = string(syncerr.KindOf(cause))
		run.ErrorDetail = truncate(cause.Error(), maxErrorDetail)
	}
	now := o.now()
	run.Seal(status, now)

	// Sealing must survive a cancelled pass context
	wctx := context.WithoutCancel(ctx)
	if err := o.store.RecordSyncRun(wctx, run); err != nil {
		log.Error().Err(err).Msg("Failed to record sync run")
		return run, errors.Join(cause, fmt.Errorf("failed to record sync run: %w", err))
	}
	if err := o.store.UpdateEndpointStatus(wctx, run.EndpointID, status, now); err != nil {
		log.Warn().Err(err).Msg("Failed to update endpoint status")
	}
	o.metrics.ObservePass(run.SourceType, string(status), run.Duration())

	event := log.Info()
	if status == models.RunStatusFailed {
		event = log.Error()
	} else if status != models.RunStatusSucceeded {
		event = log.Warn()
	}
	event.
		Str("status", string(status)).
		Int("files_found", run.FilesFound).
		Int("files_added", run.FilesAdded).
		Int("files_updated", run.FilesUpdated).
		Int("files_skipped", run.FilesSkipped).
		Int("files_errored", run.FilesErrored).
		Int("retry_count", run.RetryCount).
		Dur("duration", run.Duration()).
		Msg("Sync pass completed")

	return run, cause
}

// statusFor maps a terminal pass error to a run status
func statusFor(err error, found int) models.RunStatus {
	switch syncerr.KindOf(err) {
	case syncerr.KindThrottled, syncerr.KindCircuitOpen, syncerr.KindRateLimited:
		return models.RunStatusDeferred
	case syncerr.KindAuthentication, syncerr.KindConfig:
		return models.RunStatusFailed
	}
	if found == 0 {
		return models.RunStatusFailed
	}
	return models.RunStatusPartial
}

// outcomeFor maps a pass error to a breaker outcome. Local conditions such
// as throttling, credentials or cancellation say nothing about the source's
// health.
func outcomeFor(err error) governor.Outcome {
	if err == nil {
		return governor.OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return governor.OutcomeNeutral
	}
	switch syncerr.KindOf(err) {
	case syncerr.KindAuthentication, syncerr.KindConfig, syncerr.KindThrottled, syncerr.KindCircuitOpen:
		return governor.OutcomeNeutral
	}
	return governor.OutcomeFailure
}

func toRecord(ep *models.Endpoint, c *source.CandidateRecord, now time.Time) *models.FileRecord {
	projectID := c.ProjectID
	if projectID == "" {
		projectID = ep.ProjectID
	}
	userID := c.UserID
	if userID == "" {
		userID = ep.UserID
	}
	return &models.FileRecord{
		EndpointID:        ep.ID,
		ExternalID:        c.ExternalID,
		Title:             c.Title,
		Link:              c.Link,
		ExternalCreatedAt: models.TimePtr(c.CreatedAt),
		ExternalUpdatedAt: models.TimePtr(c.UpdatedAt),
		ProjectID:         projectID,
		UserID:            userID,
		Metadata:          datatypes.JSONMap(c.Metadata),
		SyncedAt:          models.NormalizeTime(now),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
