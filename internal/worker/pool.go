package worker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"convoflow/internal/queue"
	"convoflow/internal/webhook"
)

// Pool runs a fixed set of workers against one queue.
type Pool struct {
	workers []*Worker
}

func NewPool(q *queue.Queue, a Analyzer, n *webhook.Notifier, size int, cfg Config) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{workers: make([]*Worker, size)}
	for i := range p.workers {
		p.workers[i] = New(i+1, q, a, n, cfg)
	}
	return p
}

// Start launches every worker loop.
func (p *Pool) Start() {
	for _, w := range p.workers {
		go w.Run()
	}
	log.Info().Int("workers", len(p.workers)).Msg("worker pool started")
}

// Shutdown stops all workers, giving each in-flight job up to grace.
func (p *Pool) Shutdown(grace time.Duration) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Shutdown(grace)
		}(w)
	}
	wg.Wait()
	log.Info().Msg("worker pool stopped")
}
