package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/internal/syncerr"
)

type fakeWriter struct {
	mu        sync.Mutex
	calls     [][]string
	failures  map[string]int // remaining failures per external id
	stale     map[string]bool
	batchErrs int // batch calls (more than one record) that fail outright

	entered chan struct{}
	gate    chan struct{}
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		failures: make(map[string]int),
		stale:    make(map[string]bool),
	}
}

func (w *fakeWriter) UpsertMany(ctx context.Context, records []*models.FileRecord) ([]storage.ItemResult, error) {
	if w.entered != nil {
		w.entered <- struct{}{}
	}
	if w.gate != nil {
		<-w.gate
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ExternalID
	}
	w.calls = append(w.calls, ids)

	if len(records) > 1 && w.batchErrs > 0 {
		w.batchErrs--
		return nil, errors.New("database is locked")
	}

	out := make([]storage.ItemResult, len(records))
	for i, r := range records {
		out[i].ExternalID = r.ExternalID
		if w.failures[r.ExternalID] > 0 {
			w.failures[r.ExternalID]--
			out[i].Err = fmt.Errorf("constraint violation on %s", r.ExternalID)
			continue
		}
		if w.stale[r.ExternalID] {
			out[i].Stale = true
			continue
		}
		out[i].Written = true
	}
	return out, nil
}

func (w *fakeWriter) Calls() [][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]string(nil), w.calls...)
}

func rec(id string) *models.FileRecord {
	return &models.FileRecord{EndpointID: "ep", ExternalID: id}
}

func testConfig() Config {
	return Config{
		Size:         3,
		FlushTimeout: time.Hour,
		WriteTimeout: time.Second,
		ItemRetries:  2,
		RetryDelay:   time.Millisecond,
	}
}

func TestFlushesAtBatchSize(t *testing.T) {
	w := newFakeWriter()
	p := New(w, "ep", testConfig())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Add(ctx, rec(id)))
	}
	assert.Equal(t, [][]string{{"a", "b", "c"}}, w.Calls())

	res, err := p.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d"}}, w.Calls())
	assert.Equal(t, 4, res.Written)
	assert.Equal(t, 2, res.Batches)
	assert.Zero(t, res.Errored)
}

func TestFlushesOnTimeout(t *testing.T) {
	w := newFakeWriter()
	cfg := testConfig()
	cfg.Size = 100
	cfg.FlushTimeout = 10 * time.Millisecond
	p := New(w, "ep", cfg)

	require.NoError(t, p.Add(context.Background(), rec("a")))

	assert.Eventually(t, func() bool {
		return len(w.Calls()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Result().Written)
}

func TestFailingItemRetriedIndividually(t *testing.T) {
	w := newFakeWriter()
	w.failures["b"] = 1
	p := New(w, "ep", testConfig())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Add(ctx, rec(id)))
	}
	res, err := p.Close(ctx)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "b", "c"}, {"b"}}, w.Calls())
	assert.Equal(t, 3, res.Written)
	assert.Zero(t, res.Errored)
}

func TestItemErroredAfterRetriesWithoutAbortingBatches(t *testing.T) {
	w := newFakeWriter()
	w.failures["b"] = 100
	p := New(w, "ep", testConfig())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, p.Add(ctx, rec(id)))
	}
	res, err := p.Close(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Written)
	assert.Equal(t, 1, res.Errored)
	assert.Equal(t, []string{"b"}, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, syncerr.KindBatchWrite, syncerr.KindOf(res.Errors[0]))

	// one batch attempt plus two individual retries for b, then the second batch
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"b"}, {"b"}, {"d", "e", "f"}}, w.Calls())
}

func TestBatchErrorFallsBackToItems(t *testing.T) {
	w := newFakeWriter()
	w.batchErrs = 1
	p := New(w, "ep", testConfig())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Add(ctx, rec(id)))
	}
	res, err := p.Close(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Written)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"a"}, {"b"}, {"c"}}, w.Calls())
}

func TestNoRetriesConfigured(t *testing.T) {
	w := newFakeWriter()
	w.failures["a"] = 1
	cfg := testConfig()
	cfg.ItemRetries = 0
	p := New(w, "ep", cfg)

	require.NoError(t, p.Add(context.Background(), rec("a")))
	res, err := p.Close(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Errored)
	assert.Len(t, w.Calls(), 1)
}

func TestStaleItemsCounted(t *testing.T) {
	w := newFakeWriter()
	w.stale["b"] = true
	p := New(w, "ep", testConfig())
	ctx := context.Background()

	require.NoError(t, p.Add(ctx, rec("a")))
	require.NoError(t, p.Add(ctx, rec("b")))
	res, err := p.Close(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, []string{"b"}, res.StaleIDs)
}

func TestAddAfterClose(t *testing.T) {
	p := New(newFakeWriter(), "ep", testConfig())
	_, err := p.Close(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, p.Add(context.Background(), rec("a")), ErrClosed)
}

func TestCloseWaitsForTimedFlush(t *testing.T) {
	w := newFakeWriter()
	w.entered = make(chan struct{}, 1)
	w.gate = make(chan struct{})
	cfg := testConfig()
	cfg.Size = 100
	cfg.FlushTimeout = 5 * time.Millisecond
	p := New(w, "ep", cfg)

	require.NoError(t, p.Add(context.Background(), rec("a")))
	<-w.entered

	done := make(chan Result)
	go func() {
		res, _ := p.Close(context.Background())
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("Close returned before the in-flight batch was acknowledged")
	case <-time.After(30 * time.Millisecond):
	}

	close(w.gate)
	res := <-done
	assert.Equal(t, 1, res.Written)
}
