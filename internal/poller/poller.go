// Package poller implements C5: periodic incremental pulls that feed the
// same queue webhooks do, keyed off a per-source checkpoint.
package poller

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/checkpoint"
	"github.com/syncbridge-dev/syncbridge/internal/clients"
	"github.com/syncbridge-dev/syncbridge/internal/logging"
	"github.com/syncbridge-dev/syncbridge/internal/queue"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// Config holds the tunables from spec.md §4.5 / §6.
type Config struct {
	Interval     time.Duration
	Overlap      time.Duration
	SeedLookback time.Duration // used only when no checkpoint and no ProcessAfter
	ProcessAfter time.Time
	CyclePageCap int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Overlap <= 0 {
		c.Overlap = 120 * time.Second
	}
	if c.SeedLookback <= 0 {
		c.SeedLookback = 365 * 24 * time.Hour
	}
	if c.CyclePageCap <= 0 {
		c.CyclePageCap = 100
	}
	return c
}

// Poller runs the C5 algorithm for a single source. At most one cycle
// runs at a time (mu guards against overlapping timers).
type Poller struct {
	source      syncmodel.Source
	client      clients.UpstreamClient
	checkpoints checkpoint.Store
	queue       queue.Queue
	cfg         Config
	log         logging.Logger

	mu sync.Mutex
}

func New(source syncmodel.Source, client clients.UpstreamClient, checkpoints checkpoint.Store, q queue.Queue, cfg Config, log logging.Logger) *Poller {
	return &Poller{source: source, client: client, checkpoints: checkpoints, queue: q, cfg: cfg.withDefaults(), log: log}
}

// Run ticks at cfg.Interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := p.RunCycle(ctx); err != nil {
			p.log.Warn(ctx, "poll cycle aborted", "source", string(p.source), "error", err)
		}
	}
}

// RunCycle executes steps 1-7 of spec.md §4.5 once.
func (p *Poller) RunCycle(ctx context.Context) error {
	if !p.mu.TryLock() {
		return nil // a cycle for this source is already in flight
	}
	defer p.mu.Unlock()

	ckpt, err := p.checkpoints.Get(ctx, p.source)
	if err != nil {
		return err
	}

	var current syncmodel.Checkpoint
	if ckpt == nil {
		current = syncmodel.Checkpoint{Source: p.source, LastEventTime: p.seed()}
	} else {
		current = *ckpt
	}

	since := current.LastEventTime.Add(-p.cfg.Overlap)
	cursor := ""
	pages := 0

	for {
		items, nextCursor, exhausted, err := p.client.ListUpdatedSince(ctx, since, cursor)
		if err != nil {
			return err // abort without advancing; already-enqueued items are safe, idempotent re-delivery covers the rest
		}

		pageMax := current.LastEventTime
		for _, item := range items {
			descriptor, marshalErr := json.Marshal(syncmodel.PollerDescriptor{ExternalID: item.ExternalID, UpdatedAt: item.UpdatedAt})
			if marshalErr != nil {
				return marshalErr
			}
			env := syncmodel.Envelope{
				ID:         syncmodel.EnvelopeID(p.source, item.ExternalID, syncmodel.KindCreateOrUpdate),
				Source:     p.source,
				Kind:       syncmodel.KindCreateOrUpdate,
				ExternalID: item.ExternalID,
				Payload:    descriptor,
			}
			if _, err := p.queue.Enqueue(ctx, env); err != nil {
				return err
			}
			// use the page maximum, not the last item, in case results
			// arrive unordered (spec.md §4.5 tie-break).
			if item.UpdatedAt.After(pageMax) {
				pageMax = item.UpdatedAt
			}
		}

		// Only after the page is fully enqueued does the checkpoint move.
		current.LastEventTime = pageMax
		current.LastCursor = nextCursor
		if err := p.checkpoints.Set(ctx, current); err != nil {
			return err
		}

		pages++
		if exhausted || pages >= p.cfg.CyclePageCap {
			return nil
		}
		cursor = nextCursor
	}
}

func (p *Poller) seed() time.Time {
	if !p.cfg.ProcessAfter.IsZero() {
		return p.cfg.ProcessAfter
	}
	return time.Now().Add(-p.cfg.SeedLookback)
}
