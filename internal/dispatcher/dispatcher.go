// Package dispatcher implements C8: the worker loop that leases envelopes,
// routes them to a source handler, and commits the resulting canonical
// records atomically with retiring the envelope.
package dispatcher

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/handlers"
	"github.com/syncbridge-dev/syncbridge/internal/logging"
	"github.com/syncbridge-dev/syncbridge/internal/queue"
	"github.com/syncbridge-dev/syncbridge/internal/store"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// txQueue is implemented by queue.PostgresQueue; it lets the dispatcher
// join a queue completion to the same transaction as the sink write
// (spec.md §4.7's atomic transaction boundary).
type txQueue interface {
	CompleteTx(ctx context.Context, tx *sql.Tx, id string) error
}

type Config struct {
	BatchSize     int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	BatchTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Minute // total-call timeout, spec.md §5
	}
	return c
}

// Dispatcher is C8. One instance serves every configured source; each
// source is processed serially, sources interleave freely (spec.md §5).
type Dispatcher struct {
	queue    queue.Queue
	sink     store.Sink
	handlers map[syncmodel.Source]handlers.Handler
	cfg      Config
	log      logging.Logger
}

func New(q queue.Queue, sink store.Sink, hs map[syncmodel.Source]handlers.Handler, cfg Config, log logging.Logger) *Dispatcher {
	return &Dispatcher{queue: q, sink: sink, handlers: hs, cfg: cfg.withDefaults(), log: log}
}

// Run starts one loop per configured source and blocks until ctx is
// cancelled. On cancellation it stops starting new batches and returns
// once every in-flight batch has finished.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for source := range d.handlers {
		wg.Add(1)
		go func(source syncmodel.Source) {
			defer wg.Done()
			d.runSource(ctx, source)
		}(source)
	}
	wg.Wait()
}

func (d *Dispatcher) runSource(ctx context.Context, source syncmodel.Source) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		batchCtx, cancel := context.WithTimeout(context.Background(), d.cfg.BatchTimeout)
		if err := d.runBatch(batchCtx, source); err != nil {
			d.log.Error(batchCtx, "dispatcher batch failed", "source", string(source), "error", err)
		}
		cancel()
	}
}

func (d *Dispatcher) runBatch(ctx context.Context, source syncmodel.Source) error {
	envelopes, err := d.queue.Lease(ctx, source, d.cfg.BatchSize, d.cfg.LeaseDuration)
	if err != nil {
		return err
	}
	handler, ok := d.handlers[source]
	if !ok || len(envelopes) == 0 {
		return nil
	}

	for _, env := range envelopes {
		if err := d.processOne(ctx, handler, env); err != nil {
			d.log.Warn(ctx, "envelope processing error", "envelope_id", env.ID, "source", string(source), "error", err)
		}
	}
	return nil
}

// processOne implements the leased -> handled -> committed happy path, or
// leased -> failed -> retry|dead on error.
func (d *Dispatcher) processOne(ctx context.Context, handler handlers.Handler, env syncmodel.Envelope) error {
	result, err := handler.Handle(ctx, env)
	if err != nil {
		permanent := syncmodel.IsPermanent(err) || syncmodel.IsGone(err)
		_, failErr := d.queue.Fail(ctx, env.ID, err, permanent)
		return failErr
	}

	if err := d.commit(ctx, env, result); err != nil {
		_, failErr := d.queue.Fail(ctx, env.ID, err, false)
		if failErr != nil {
			return failErr
		}
		return err
	}
	return nil
}

// commit applies the produced records and completes the envelope. When
// the sink and queue share a real database, this runs inside a single
// transaction; otherwise it falls back to write-then-complete, accepting
// at-least-once re-delivery on a mid-crash (spec.md §4.7).
func (d *Dispatcher) commit(ctx context.Context, env syncmodel.Envelope, result handlers.Result) error {
	pq, hasTx := d.queue.(txQueue)
	db := d.sink.DB()

	if hasTx && db != nil {
		return store.WithTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			if err := d.applyResult(ctx, tx, result); err != nil {
				return err
			}
			return pq.CompleteTx(ctx, tx, env.ID)
		})
	}

	if err := d.applyResult(ctx, db, result); err != nil {
		return err
	}
	return d.queue.Complete(ctx, env.ID)
}

func (d *Dispatcher) applyResult(ctx context.Context, tx store.DBTX, result handlers.Result) error {
	for _, t := range result.Tasks {
		if t.Deleted {
			if err := d.sink.DeleteTask(ctx, tx, t.TaskID, valueOr(t.DeletedAt)); err != nil {
				return err
			}
			continue
		}
		if err := d.sink.UpsertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, e := range result.Emails {
		if e.Deleted {
			if err := d.sink.DeleteEmail(ctx, tx, e.EmailID, valueOr(e.DeletedAt)); err != nil {
				return err
			}
			continue
		}
		if err := d.sink.UpsertEmail(ctx, tx, e); err != nil {
			return err
		}
	}
	for _, doc := range result.Docs {
		if doc.Deleted {
			if err := d.sink.DeleteDoc(ctx, tx, doc.DocID, valueOr(doc.DeletedAt)); err != nil {
				return err
			}
			continue
		}
		if err := d.sink.UpsertDoc(ctx, tx, doc); err != nil {
			return err
		}
	}
	return nil
}

func valueOr(t *time.Time) time.Time {
	if t == nil {
		return time.Now().UTC()
	}
	return *t
}
