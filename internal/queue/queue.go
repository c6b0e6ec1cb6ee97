package queue

import (
	"context"
	"errors"
	"time"

	"convoflow/internal/domain"
)

// Queue is the priority-ordered job queue. It layers blocking dequeue
// semantics over the durable store: claims, cancellation and counters all
// go through the store's atomic operations, so multiple workers can share
// one Queue without further coordination.
type Queue struct {
	*Store
	pollEvery time.Duration
}

func New(store *Store) *Queue {
	return &Queue{Store: store, pollEvery: 100 * time.Millisecond}
}

// Dequeue claims the next job, blocking up to timeout. Returns ErrEmpty if
// no job became claimable before the deadline.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (domain.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := q.ClaimNext(ctx)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return domain.Job{}, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.Job{}, ErrEmpty
		}
		wait := q.pollEvery
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}
