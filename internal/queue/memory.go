package queue

import (
	"context"
	"sync"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// MemoryQueue is an in-process Queue used by unit tests. It mirrors PostgresQueue's semantics exactly (lease
// expiry, attempt counting, failed-state retention) without a database.
type MemoryQueue struct {
	mu    sync.Mutex
	opt   Options
	items map[string]*syncmodel.Envelope
	order []string
}

func NewMemoryQueue(opt Options) *MemoryQueue {
	return &MemoryQueue{
		opt:   opt.withDefaults(),
		items: map[string]*syncmodel.Envelope{},
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, env syncmodel.Envelope) (EnqueueResult, error) {
	if env.ID == "" || !env.Source.Valid() {
		return Duplicate, syncmodel.ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, exists := q.items[env.ID]; exists {
		// A conflict only absorbs redelivery of the same occurrence; once
		// the existing row has completed, its id is released for the
		// entity's next real update.
		if existing.State != syncmodel.StateCompleted {
			return Duplicate, nil
		}
	} else {
		q.order = append(q.order, env.ID)
	}
	env.State = syncmodel.StatePending
	env.Attempts = 0
	env.EnqueuedAt = time.Now()
	cp := env
	q.items[env.ID] = &cp
	return Inserted, nil
}

func (q *MemoryQueue) Lease(_ context.Context, source syncmodel.Source, batchSize int, leaseDuration time.Duration) ([]syncmodel.Envelope, error) {
	if batchSize <= 0 {
		batchSize = 10
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var out []syncmodel.Envelope
	for _, id := range q.order {
		if len(out) >= batchSize {
			break
		}
		env := q.items[id]
		if env.Source != source {
			continue
		}
		eligible := (env.State == syncmodel.StatePending && (env.LeasedUntil.IsZero() || !env.LeasedUntil.After(now))) ||
			(env.State == syncmodel.StateLeased && !env.LeasedUntil.After(now))
		if !eligible {
			continue
		}
		env.State = syncmodel.StateLeased
		env.LeasedUntil = now.Add(leaseDuration)
		out = append(out, *env)
	}
	return out, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	env, ok := q.items[id]
	if !ok {
		return syncmodel.ErrNotFound
	}
	env.State = syncmodel.StateCompleted
	env.LeasedUntil = time.Time{}
	env.LastError = ""
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id string, cause error, permanent bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	env, ok := q.items[id]
	if !ok {
		return 0, syncmodel.ErrNotFound
	}
	env.Attempts++
	if cause != nil {
		env.LastError = cause.Error()
	}
	if permanent || env.Attempts >= q.opt.MaxAttempts {
		env.State = syncmodel.StateFailed
		env.LeasedUntil = time.Time{}
	} else {
		env.State = syncmodel.StatePending
		env.LeasedUntil = time.Now().Add(q.opt.RetryDelay)
	}
	return env.Attempts, nil
}

func (q *MemoryQueue) List(_ context.Context, state syncmodel.EnvelopeState, source syncmodel.Source) ([]syncmodel.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []syncmodel.Envelope
	for _, id := range q.order {
		env := q.items[id]
		if state != "" && env.State != state {
			continue
		}
		if source != "" && env.Source != source {
			continue
		}
		out = append(out, *env)
	}
	return out, nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (syncmodel.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	env, ok := q.items[id]
	if !ok {
		return syncmodel.Envelope{}, syncmodel.ErrNotFound
	}
	return *env, nil
}

func (q *MemoryQueue) Requeue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	env, ok := q.items[id]
	if !ok {
		return syncmodel.ErrNotFound
	}
	env.State = syncmodel.StatePending
	env.Attempts = 0
	env.LeasedUntil = time.Time{}
	env.LastError = ""
	return nil
}

func (q *MemoryQueue) Depth(_ context.Context) (map[syncmodel.EnvelopeState]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[syncmodel.EnvelopeState]int{}
	for _, env := range q.items {
		out[env.State]++
	}
	return out, nil
}

func (q *MemoryQueue) Close() error { return nil }
