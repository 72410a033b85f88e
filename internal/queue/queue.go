// Package queue implements the durable queue (C1): at-least-once delivery,
// bounded retries, and visible failure states for envelopes produced by the
// ingress endpoint and the poller.
package queue

import (
	"context"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// EnqueueResult reports whether an enqueue inserted (or, over a completed
// row, re-inserted) the envelope, or matched an existing pending, leased or
// failed row with the same id.
type EnqueueResult int

const (
	Inserted EnqueueResult = iota
	Duplicate
)

// Queue is the C1 contract from spec.md §4.1.
type Queue interface {
	Enqueue(ctx context.Context, env syncmodel.Envelope) (EnqueueResult, error)
	Lease(ctx context.Context, source syncmodel.Source, batchSize int, leaseDuration time.Duration) ([]syncmodel.Envelope, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error, permanent bool) (attempts int, err error)
	List(ctx context.Context, state syncmodel.EnvelopeState, source syncmodel.Source) ([]syncmodel.Envelope, error)
	Get(ctx context.Context, id string) (syncmodel.Envelope, error)
	Requeue(ctx context.Context, id string) error
	Depth(ctx context.Context) (map[syncmodel.EnvelopeState]int, error)
	Close() error
}

// Options configure retry policy, shared by every Queue implementation.
type Options struct {
	MaxAttempts  int
	RetryDelay   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 60 * time.Second
	}
	return o
}
