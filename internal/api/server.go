package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"convoflow/internal/domain"
	"convoflow/internal/jobs"
	"convoflow/internal/queue"
	"convoflow/internal/ratelimit"
)

// Analyzer evaluates one conversation payload.
type Analyzer interface {
	Analyze(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Config bounds what the API accepts per request.
type Config struct {
	MaxBatchSize          int
	MaxConversationLength int
	JobTimeout            time.Duration
}

type Server struct {
	r        *chi.Mux
	store    *queue.Store
	manager  *jobs.Manager
	limiter  *ratelimit.Limiter
	analyzer Analyzer
	cfg      Config
}

func NewServer(store *queue.Store, manager *jobs.Manager, limiter *ratelimit.Limiter, analyzer Analyzer, cfg Config) http.Handler {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: store, manager: manager, limiter: limiter, analyzer: analyzer, cfg: cfg}

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/api/analyze", s.analyze)
		r.Post("/api/batches", s.submitBatch)
		r.Get("/api/batches/{id}", s.getBatch)
		r.Post("/api/batches/{id}/cancel", s.cancelBatch)
		r.Post("/api/batches/{id}/reprioritize", s.reprioritizeBatch)
		r.Get("/api/jobs/{id}", s.getJob)
		r.Post("/api/jobs/{id}/cancel", s.cancelJob)
		r.Get("/api/queue", s.queueSizes)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// rateLimit gates every API route. The identifier is the Authorization
// credential when present, otherwise the client IP; the tier comes from the
// X-Api-Tier header resolved upstream. Limit headers are set on every
// response, allowed or not.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier := r.Header.Get("Authorization")
		if identifier == "" {
			identifier = r.RemoteAddr
		}
		tier := ratelimit.ParseTier(r.Header.Get("X-Api-Tier"))

		res := s.limiter.Allow(identifier, tier)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			retryAfter := int(res.RetryAfter.Seconds() + 0.5)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type analyzeReq struct {
	Conversation json.RawMessage `json:"conversation"`
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.Conversation) == 0 {
		http.Error(w, "conversation is required", 400)
		return
	}
	if s.cfg.MaxConversationLength > 0 && len(req.Conversation) > s.cfg.MaxConversationLength {
		http.Error(w, "conversation too large", 400)
		return
	}

	id := s.manager.Submit(req.Conversation, s.cfg.JobTimeout, func(ctx context.Context) (json.RawMessage, error) {
		return s.analyzer.Analyze(ctx, req.Conversation)
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": id,
		"status": string(domain.StatusRunning),
	})
}

type batchOptions struct {
	CallbackURL    string `json:"callback_url"`
	CallbackSecret string `json:"callback_secret"`
}

type submitBatchReq struct {
	Items    []json.RawMessage `json:"items"`
	Priority string            `json:"priority"`
	Options  batchOptions      `json:"options"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items is required", 400)
		return
	}
	if len(req.Items) > s.cfg.MaxBatchSize {
		http.Error(w, "batch exceeds "+strconv.Itoa(s.cfg.MaxBatchSize)+" items", 400)
		return
	}

	priority := domain.ParsePriority(req.Priority)
	jobList := make([]domain.Job, len(req.Items))
	for i, item := range req.Items {
		if len(item) == 0 {
			http.Error(w, "items["+strconv.Itoa(i)+"] is empty", 400)
			return
		}
		if s.cfg.MaxConversationLength > 0 && len(item) > s.cfg.MaxConversationLength {
			http.Error(w, "items["+strconv.Itoa(i)+"] too large", 400)
			return
		}
		jobList[i] = domain.Job{Priority: priority, Payload: item}
	}

	batch, created, err := s.store.CreateBatch(r.Context(), domain.BatchRun{
		CallbackURL:    req.Options.CallbackURL,
		CallbackSecret: req.Options.CallbackSecret,
	}, jobList)
	if errors.Is(err, queue.ErrFull) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "queue is full"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	ids := make([]string, len(created))
	for i, j := range created {
		ids[i] = j.ID
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batch.ID,
		"total":    batch.Total,
		"priority": priority.String(),
		"job_ids":  ids,
	})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.store.Batch(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, batchJSON(b))
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.store.CancelBatch(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		http.Error(w, "not found", 404)
		return
	case errors.Is(err, queue.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "batch already terminal"})
		return
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"batch_id": id, "cancelled": n})
}

type reprioritizeReq struct {
	Priority string `json:"priority"`
}

func (s *Server) reprioritizeBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reprioritizeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	n, err := s.store.Reprioritize(r.Context(), id, domain.ParsePriority(req.Priority))
	switch {
	case errors.Is(err, queue.ErrNotFound):
		http.Error(w, "not found", 404)
		return
	case errors.Is(err, queue.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "batch already terminal"})
		return
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"batch_id": id, "moved": n})
}

// getJob serves queued and single jobs through one endpoint. The store is
// consulted first; misses fall through to the in-process manager.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.store.Job(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		j, err = s.manager.Status(id)
		if errors.Is(err, jobs.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, jobJSON(j))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.store.CancelJob(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		err = s.manager.Cancel(id)
		if errors.Is(err, jobs.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		if errors.Is(err, jobs.ErrAlreadyTerminal) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "job already terminal"})
			return
		}
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, 200, map[string]any{"job_id": id, "status": string(domain.StatusRunning)})
		return
	}
	if errors.Is(err, queue.ErrAlreadyTerminal) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "job already terminal"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"job_id": id, "status": string(status)})
}

func (s *Server) queueSizes(w http.ResponseWriter, r *http.Request) {
	sizes, err := s.store.Sizes(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	total := 0
	byPriority := map[string]int{}
	for _, p := range []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		byPriority[p.String()] = sizes[p]
		total += sizes[p]
	}
	writeJSON(w, 200, map[string]any{"total": total, "by_priority": byPriority})
}

func jobJSON(j domain.Job) map[string]any {
	out := map[string]any{
		"job_id":      j.ID,
		"status":      string(j.Status),
		"priority":    j.Priority.String(),
		"enqueued_at": j.EnqueuedAt.Format(time.RFC3339),
	}
	if j.BatchID != "" {
		out["batch_id"] = j.BatchID
	}
	if j.StartedAt != nil {
		out["started_at"] = j.StartedAt.Format(time.RFC3339)
	}
	if j.FinishedAt != nil {
		out["finished_at"] = j.FinishedAt.Format(time.RFC3339)
	}
	if j.Status == domain.StatusCompleted {
		out["result"] = j.Result
	}
	if j.Error != "" {
		out["error"] = j.Error
	}
	return out
}

func batchJSON(b domain.BatchRun) map[string]any {
	out := map[string]any{
		"batch_id":         b.ID,
		"total":            b.Total,
		"completed_count":  b.CompletedCount,
		"failed_count":     b.FailedCount,
		"cancelled_count":  b.CancelledCount,
		"pending_count":    b.Total - b.CompletedCount - b.FailedCount - b.CancelledCount,
		"progress_percent": b.ProgressPercent(),
		"terminal":         b.Terminal(),
		"created_at":       b.CreatedAt.Format(time.RFC3339),
	}
	if b.FinishedAt != nil {
		out["finished_at"] = b.FinishedAt.Format(time.RFC3339)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
