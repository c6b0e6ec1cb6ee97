package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"convoflow/internal/domain"
	"convoflow/internal/queue"
	"convoflow/internal/webhook"
)

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)",
		filepath.Join(t.TempDir(), "worker.db"))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.New(queue.NewStore(db, 1000))
}

type analyzerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

func (f analyzerFunc) Analyze(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

func okAnalyzer() analyzerFunc {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"patterns":[]}`), nil
	}
}

// eventSink records delivered webhook events and verifies their signatures.
type eventSink struct {
	mu     sync.Mutex
	secret string
	events []webhook.Event
	srv    *httptest.Server
	badSig bool
}

func newEventSink(t *testing.T, secret string) *eventSink {
	s := &eventSink{secret: secret}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev webhook.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		if !webhook.Verify(body, s.secret, r.Header.Get(webhook.SignatureHeader)) {
			s.badSig = true
		}
		s.events = append(s.events, ev)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *eventSink) byType(eventType string) []webhook.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []webhook.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func submitJobs(t *testing.T, q *queue.Queue, n int, callbackURL, secret string) domain.BatchRun {
	t.Helper()
	jobs := make([]domain.Job, n)
	for i := range jobs {
		jobs[i] = domain.Job{Priority: domain.PriorityHigh, Payload: []byte(fmt.Sprintf(`{"i":%d}`, i))}
	}
	batch, _, err := q.CreateBatch(context.Background(),
		domain.BatchRun{CallbackURL: callbackURL, CallbackSecret: secret}, jobs)
	require.NoError(t, err)
	return batch
}

func waitForTerminal(t *testing.T, q *queue.Queue, batchID string) domain.BatchRun {
	t.Helper()
	var b domain.BatchRun
	require.Eventually(t, func() bool {
		var err error
		b, err = q.Batch(context.Background(), batchID)
		return err == nil && b.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return b
}

func TestWorker_ProcessesBatchWithoutCallback(t *testing.T) {
	q := openTestQueue(t)
	batch := submitJobs(t, q, 3, "", "")

	w := New(1, q, okAnalyzer(), webhook.NewNotifier(time.Second, 0), Config{DequeueTimeout: 200 * time.Millisecond})
	go w.Run()
	defer w.Shutdown(time.Second)

	b := waitForTerminal(t, q, batch.ID)
	assert.Equal(t, 3, b.CompletedCount)
	assert.Equal(t, 0, b.FailedCount)
	assert.False(t, b.TerminalNotified, "no callback configured, nothing to notify")
}

func TestWorkers_ProgressAndTerminalEventsFireOnce(t *testing.T) {
	q := openTestQueue(t)
	sink := newEventSink(t, "s3cret")
	batch := submitJobs(t, q, 10, sink.srv.URL, "s3cret")

	pool := NewPool(q, okAnalyzer(), webhook.NewNotifier(time.Second, 0), 3,
		Config{DequeueTimeout: 200 * time.Millisecond})
	pool.Start()
	defer pool.Shutdown(time.Second)

	waitForTerminal(t, q, batch.ID)
	require.Eventually(t, func() bool {
		return len(sink.byType(webhook.EventBatchComplete)) > 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Len(t, sink.byType(webhook.EventBatchComplete), 1, "terminal event exactly once")
	assert.Empty(t, sink.byType(webhook.EventBatchFailed))
	assert.False(t, sink.badSig, "all signatures must verify")

	// Each 10% boundary reported at most once, in-boundary duplicates never.
	seen := map[float64]int{}
	for _, ev := range sink.byType(webhook.EventBatchProgress) {
		pct, _ := ev.Data["progress_percent"].(float64)
		seen[pct]++
	}
	for pct, n := range seen {
		assert.Equalf(t, 1, n, "boundary %.0f reported %d times", pct, n)
	}
}

func TestWorker_AnalyzerFailureMarksJobFailed(t *testing.T) {
	q := openTestQueue(t)
	sink := newEventSink(t, "k")
	batch := submitJobs(t, q, 2, sink.srv.URL, "k")

	failing := analyzerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("model unavailable")
	})
	w := New(1, q, failing, webhook.NewNotifier(time.Second, 0), Config{DequeueTimeout: 200 * time.Millisecond})
	go w.Run()
	defer w.Shutdown(time.Second)

	b := waitForTerminal(t, q, batch.ID)
	assert.Equal(t, 2, b.FailedCount)

	require.Eventually(t, func() bool {
		return len(sink.byType(webhook.EventBatchFailed)) > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, sink.byType(webhook.EventBatchFailed), 1)
	assert.Empty(t, sink.byType(webhook.EventBatchComplete))
}

func TestWorker_AnalyzerTimeout(t *testing.T) {
	q := openTestQueue(t)
	batch := submitJobs(t, q, 1, "", "")

	slow := analyzerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w := New(1, q, slow, webhook.NewNotifier(time.Second, 0),
		Config{DequeueTimeout: 200 * time.Millisecond, JobTimeout: 50 * time.Millisecond})
	go w.Run()
	defer w.Shutdown(time.Second)

	b := waitForTerminal(t, q, batch.ID)
	assert.Equal(t, 1, b.FailedCount)

	jobs := batchJobs(t, q, batch.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].Error, "timed out")
	assert.Empty(t, jobs[0].Result)
}

func TestWorker_ObservesCancellationCooperatively(t *testing.T) {
	q := openTestQueue(t)
	started := make(chan string, 1)
	release := make(chan struct{})
	blocking := analyzerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		started <- string(payload)
		select {
		case <-release:
			return json.RawMessage(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	batch := submitJobs(t, q, 1, "", "")
	w := New(1, q, blocking, webhook.NewNotifier(time.Second, 0), Config{DequeueTimeout: 200 * time.Millisecond})
	go w.Run()
	defer w.Shutdown(time.Second)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("analyzer never started")
	}

	jobs := batchJobs(t, q, batch.ID)
	require.Len(t, jobs, 1)
	status, err := q.CancelJob(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, status, "running job cancellation is a request")

	close(release)
	b := waitForTerminal(t, q, batch.ID)
	assert.Equal(t, 1, b.CancelledCount)
	assert.Equal(t, 0, b.CompletedCount, "cancellation observed after analyzer wins")
}

func TestWorker_ShutdownAbandonsInFlightJob(t *testing.T) {
	q := openTestQueue(t)
	started := make(chan struct{}, 1)
	blocking := analyzerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	batch := submitJobs(t, q, 1, "", "")
	w := New(1, q, blocking, webhook.NewNotifier(time.Second, 0), Config{DequeueTimeout: 200 * time.Millisecond})
	go w.Run()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("analyzer never started")
	}

	w.Shutdown(50 * time.Millisecond)

	jobs := batchJobs(t, q, batch.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StatusPending, jobs[0].Status, "abandoned job re-enqueued")

	sizes, err := q.Sizes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sizes[domain.PriorityHigh])
}

// batchJobs fetches the batch's jobs through the store's job lookup.
func batchJobs(t *testing.T, q *queue.Queue, batchID string) []domain.Job {
	t.Helper()
	ids := jobIDs(t, q, batchID)
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := q.Job(context.Background(), id)
		require.NoError(t, err)
		jobs = append(jobs, j)
	}
	return jobs
}

func jobIDs(t *testing.T, q *queue.Queue, batchID string) []string {
	t.Helper()
	ids, err := q.JobIDs(context.Background(), batchID)
	require.NoError(t, err)
	return ids
}
