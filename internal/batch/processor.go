// Package batch buffers classified records and writes them to the store in
// bounded batches. A failing item is retried on its own and never aborts the
// rest of its batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/file-connector/internal/metrics"
	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/internal/syncerr"
	"github.com/file-connector/pkg/logger"
)

// ErrClosed is returned when adding to a closed processor
var ErrClosed = errors.New("batch processor closed")

const maxKeptErrors = 20

// Writer persists a batch of records
type Writer interface {
	UpsertMany(ctx context.Context, records []*models.FileRecord) ([]storage.ItemResult, error)
}

// Config holds batch settings
type Config struct {
	Size         int
	FlushTimeout time.Duration
	WriteTimeout time.Duration
	ItemRetries  int
	RetryDelay   time.Duration
}

// DefaultConfig returns the default batch settings
func DefaultConfig() Config {
	return Config{
		Size:         50,
		FlushTimeout: 2 * time.Second,
		WriteTimeout: 30 * time.Second,
		ItemRetries:  2,
		RetryDelay:   200 * time.Millisecond,
	}
}

// Result summarizes everything the processor wrote
type Result struct {
	Written  int
	Stale    int
	Errored  int
	Batches  int
	Failed   []string // external ids that could not be written
	StaleIDs []string // external ids the store already held newer copies of
	Errors   []error  // first errors, capped
}

// Processor buffers records for one endpoint's pass
type Processor struct {
	cfg        Config
	writer     Writer
	endpointID string
	log        *logger.Logger
	metrics    *metrics.Metrics

	// flushMu serializes writes; taking the buffer happens under it so a
	// completed Close implies every taken batch was acknowledged.
	flushMu sync.Mutex

	mu     sync.Mutex
	buf    []*models.FileRecord
	timer  *time.Timer
	closed bool
	result Result
}

// Option configures a Processor
type Option func(*Processor)

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(p *Processor) { p.log = log.WithComponent("batch") }
}

// WithMetrics records flushes and item errors
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// New creates a processor writing through w
func New(w Writer, endpointID string, cfg Config, opts ...Option) *Processor {
	d := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = d.Size
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = d.FlushTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.ItemRetries < 0 {
		cfg.ItemRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}

	p := &Processor{
		cfg:        cfg,
		writer:     w,
		endpointID: endpointID,
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add buffers a record. When the buffer reaches the batch size it is written
// before Add returns.
func (p *Processor) Add(ctx context.Context, rec *models.FileRecord) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.buf = append(p.buf, rec)
	full := len(p.buf) >= p.cfg.Size
	if len(p.buf) == 1 && !full {
		p.timer = time.AfterFunc(p.cfg.FlushTimeout, p.flushOnTimer)
	}
	p.mu.Unlock()

	if full {
		return p.Flush(ctx)
	}
	return nil
}

func (p *Processor) flushOnTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		p.log.Warn().Err(err).Str("endpoint_id", p.endpointID).Msg("Timed flush failed")
	}
}

// Flush writes whatever is buffered
func (p *Processor) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := p.buf
	p.buf = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	p.write(ctx, batch)
	return ctx.Err()
}

// Close flushes the remaining buffer and returns the totals. Once Close
// returns, every record added before it has been acknowledged or counted
// as errored.
func (p *Processor) Close(ctx context.Context) (Result, error) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	err := p.Flush(ctx)
	return p.Result(), err
}

// Result returns a copy of the running totals
func (p *Processor) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.result
	r.Failed = append([]string(nil), p.result.Failed...)
	r.StaleIDs = append([]string(nil), p.result.StaleIDs...)
	r.Errors = append([]error(nil), p.result.Errors...)
	return r
}

func (p *Processor) write(ctx context.Context, batch []*models.FileRecord) {
	wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	results, err := p.writer.UpsertMany(wctx, batch)
	cancel()

	if err == nil && len(results) != len(batch) {
		err = fmt.Errorf("store returned %d results for %d records", len(results), len(batch))
	}
	if err != nil {
		p.log.Warn().Err(err).
			Str("endpoint_id", p.endpointID).
			Int("size", len(batch)).
			Msg("Batch write failed, retrying items individually")
		results = make([]storage.ItemResult, len(batch))
		for i, rec := range batch {
			results[i] = storage.ItemResult{ExternalID: rec.ExternalID, Err: err}
		}
	}

	errored := 0
	for i, res := range results {
		if res.Err != nil {
			res = p.retryItem(ctx, batch[i], res.Err)
		}
		p.account(batch[i], res)
		if res.Err != nil {
			errored++
		}
	}

	p.mu.Lock()
	p.result.Batches++
	p.mu.Unlock()
	p.metrics.Flushed(p.endpointID, errored)

	p.log.Debug().
		Str("endpoint_id", p.endpointID).
		Int("size", len(batch)).
		Int("errored", errored).
		Msg("Batch flushed")
}

func (p *Processor) retryItem(ctx context.Context, rec *models.FileRecord, cause error) storage.ItemResult {
	res := storage.ItemResult{ExternalID: rec.ExternalID, Err: cause}
	if p.cfg.ItemRetries == 0 {
		return res
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryDelay
	b.MaxInterval = 10 * p.cfg.RetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.ItemRetries-1)), ctx)

	err := backoff.Retry(func() error {
		wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		defer cancel()

		out, err := p.writer.UpsertMany(wctx, []*models.FileRecord{rec})
		if err != nil {
			return err
		}
		if len(out) != 1 {
			return fmt.Errorf("store returned %d results for 1 record", len(out))
		}
		res = out[0]
		return res.Err
	}, policy)

	res.ExternalID = rec.ExternalID
	res.Err = err
	return res
}

func (p *Processor) account(rec *models.FileRecord, res storage.ItemResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case res.Err != nil:
		p.result.Errored++
		p.result.Failed = append(p.result.Failed, rec.ExternalID)
		if len(p.result.Errors) < maxKeptErrors {
			p.result.Errors = append(p.result.Errors, syncerr.BatchWrite("upsert "+rec.ExternalID, res.Err))
		}
	case res.Stale:
		p.result.Stale++
		p.result.StaleIDs = append(p.result.StaleIDs, rec.ExternalID)
	default:
		p.result.Written++
	}
}
