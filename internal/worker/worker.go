package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"convoflow/internal/domain"
	"convoflow/internal/queue"
	"convoflow/internal/webhook"
)

// Analyzer turns a job payload into an analysis result. The call must
// respect ctx: cancellation and the per-job timeout both arrive through it.
type Analyzer interface {
	Analyze(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

type Config struct {
	// DequeueTimeout bounds each claim attempt so the loop can observe
	// shutdown between claims.
	DequeueTimeout time.Duration
	// JobTimeout bounds a single Analyzer invocation.
	JobTimeout time.Duration
}

func (c *Config) defaults() {
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 3 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
}

// Worker is one claim-process loop. Multiple workers share a queue; the
// queue's claim operation is the only mutual-exclusion point between them.
type Worker struct {
	id       int
	queue    *queue.Queue
	analyzer Analyzer
	notifier *webhook.Notifier
	cfg      Config

	claimCtx  context.Context
	stopClaim context.CancelFunc
	done      chan struct{}

	mu           sync.Mutex
	currentID    string
	abortCurrent context.CancelFunc
}

func New(id int, q *queue.Queue, a Analyzer, n *webhook.Notifier, cfg Config) *Worker {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:        id,
		queue:     q,
		analyzer:  a,
		notifier:  n,
		cfg:       cfg,
		claimCtx:  ctx,
		stopClaim: cancel,
		done:      make(chan struct{}),
	}
}

// Run claims and processes jobs until Shutdown. Call it from its own
// goroutine.
func (w *Worker) Run() {
	defer close(w.done)
	log.Info().Int("worker", w.id).Msg("worker started")

	for {
		if w.claimCtx.Err() != nil {
			log.Info().Int("worker", w.id).Msg("worker stopped")
			return
		}
		job, err := w.queue.Dequeue(w.claimCtx, w.cfg.DequeueTimeout)
		if errors.Is(err, context.Canceled) {
			log.Info().Int("worker", w.id).Msg("worker stopped")
			return
		}
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Int("worker", w.id).Msg("dequeue failed")
			select {
			case <-w.claimCtx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(job)
	}
}

// Shutdown stops claiming, waits up to grace for the in-flight job, then
// aborts it and returns it to the pending queue.
func (w *Worker) Shutdown(grace time.Duration) {
	w.stopClaim()
	select {
	case <-w.done:
		return
	case <-time.After(grace):
	}

	w.mu.Lock()
	id := w.currentID
	abort := w.abortCurrent
	w.mu.Unlock()
	if abort != nil {
		abort()
	}
	if id != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.queue.Requeue(ctx, id); err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("abandon requeue failed")
		} else {
			log.Warn().Int("worker", w.id).Str("job_id", id).Msg("abandoned job back to queue")
		}
	}
	<-w.done
}

func (w *Worker) process(job domain.Job) {
	procCtx, cancel := context.WithTimeout(context.Background(), w.cfg.JobTimeout)
	defer cancel()

	w.mu.Lock()
	w.currentID = job.ID
	w.abortCurrent = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.currentID = ""
		w.abortCurrent = nil
		w.mu.Unlock()
	}()

	log.Info().Int("worker", w.id).Str("job_id", job.ID).Str("batch_id", job.BatchID).Msg("processing job")

	// Cancellation checkpoint before invoking the analyzer.
	if flagged, err := w.queue.CancelRequested(procCtx, job.ID); err == nil && flagged {
		w.finish(job, domain.StatusCancelled, nil, "cancelled")
		return
	}

	result, err := w.analyzer.Analyze(procCtx, job.Payload)

	// Second checkpoint: a cancellation that arrived mid-analysis wins
	// over whatever the analyzer returned.
	if flagged, ferr := w.queue.CancelRequested(context.Background(), job.ID); ferr == nil && flagged {
		w.finish(job, domain.StatusCancelled, nil, "cancelled")
		return
	}

	switch {
	case err == nil:
		w.finish(job, domain.StatusCompleted, result, "")
	case procCtx.Err() == context.DeadlineExceeded:
		w.finish(job, domain.StatusFailed, nil, fmt.Sprintf("analysis timed out after %s", w.cfg.JobTimeout))
	case procCtx.Err() == context.Canceled:
		// Aborted by shutdown; Shutdown requeues the job.
		return
	default:
		w.finish(job, domain.StatusFailed, nil, err.Error())
	}
}

func (w *Worker) finish(job domain.Job, status domain.JobStatus, result []byte, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, applied, err := w.queue.FinishJob(ctx, job.ID, status, result, errMsg)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("finish job failed")
		return
	}
	if !applied {
		// Lost the job to a requeue or duplicate claim; nothing to report.
		return
	}
	log.Info().Int("worker", w.id).Str("job_id", job.ID).Str("status", string(status)).Msg("job finished")

	if batch.ID != "" {
		w.notify(batch)
	}
}

// notify drives the batch lifecycle webhooks. Progress fires once per 10%
// boundary; the terminal event fires exactly once, gated by the batch's
// terminal-notified flag so crash-and-restart never double-fires it.
func (w *Worker) notify(b domain.BatchRun) {
	if b.CallbackURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if b.Done() < b.Total {
		boundary := int(b.ProgressPercent()) / 10 * 10
		if boundary == 0 {
			return
		}
		first, err := w.queue.AdvanceProgress(ctx, b.ID, boundary)
		if err != nil {
			log.Error().Err(err).Str("batch_id", b.ID).Msg("progress boundary check failed")
			return
		}
		if first {
			w.send(webhook.ProgressEvent(b), b)
		}
		return
	}

	first, err := w.queue.MarkTerminalNotified(ctx, b.ID)
	if err != nil {
		log.Error().Err(err).Str("batch_id", b.ID).Msg("terminal notify check failed")
		return
	}
	if !first {
		return
	}
	if b.FailedCount > 0 {
		w.send(webhook.FailedEvent(b), b)
	} else {
		w.send(webhook.CompleteEvent(b), b)
	}
}

func (w *Worker) send(event webhook.Event, b domain.BatchRun) {
	// Delivery failure is terminal for the notification only; it never
	// touches job or batch state.
	if err := w.notifier.Send(context.Background(), event, b.CallbackURL, b.CallbackSecret); err != nil {
		log.Error().Err(err).Str("batch_id", b.ID).Str("event", event.Type).Msg("webhook delivery failed")
	}
}
