// Package handlers implements C6: per-source normalization turning an
// envelope into zero or more canonical records.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// Result is what a handler hands back to the dispatcher (C8): the records
// to upsert, or nothing at all when the envelope was filtered out.
type Result struct {
	Tasks  []syncmodel.CanonicalTask
	Emails []syncmodel.CanonicalEmail
	Docs   []syncmodel.CanonicalDoc
}

func (r Result) Empty() bool {
	return len(r.Tasks) == 0 && len(r.Emails) == 0 && len(r.Docs) == 0
}

// Handler is the common contract of spec.md §4.6: extract, hydrate,
// normalize, filter, return.
type Handler interface {
	Handle(ctx context.Context, env syncmodel.Envelope) (Result, error)
}

// decodePayload decodes a payload as a poller descriptor and reports
// whether it carried an external id. No handler in this package calls it.
func decodePayload(payload []byte) (syncmodel.PollerDescriptor, bool) {
	var desc syncmodel.PollerDescriptor
	if err := json.Unmarshal(payload, &desc); err != nil {
		return syncmodel.PollerDescriptor{}, false
	}
	return desc, desc.ExternalID != ""
}

// processAfterFilter reports whether createdAt is before the configured
// PROCESS_AFTER threshold. A zero threshold means no filter is active.
func processAfterFilter(threshold time.Time, createdAt time.Time) bool {
	if threshold.IsZero() {
		return false
	}
	return createdAt.Before(threshold)
}
