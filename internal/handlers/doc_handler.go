package handlers

import (
	"context"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/clients"
	"github.com/syncbridge-dev/syncbridge/internal/identity"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// DocGetter is the subset of DocClient a handler needs.
type DocGetter interface {
	Get(ctx context.Context, externalID string) (clients.DocRecord, error)
}

// DocHandler implements C6 for source C. There are no webhooks for this
// source; every envelope originates from the poller.
type DocHandler struct {
	client   DocGetter
	identity *identity.Cache
	now      func() time.Time
}

func NewDocHandler(client DocGetter, idc *identity.Cache) *DocHandler {
	return &DocHandler{client: client, identity: idc, now: time.Now}
}

func (h *DocHandler) Handle(ctx context.Context, env syncmodel.Envelope) (Result, error) {
	if env.Kind == syncmodel.KindDelete {
		return Result{Docs: []syncmodel.CanonicalDoc{h.deletedDoc(env.ExternalID)}}, nil
	}

	record, err := h.client.Get(ctx, env.ExternalID)
	if err != nil {
		if syncmodel.IsGone(err) {
			return Result{Docs: []syncmodel.CanonicalDoc{h.deletedDoc(env.ExternalID)}}, nil
		}
		return Result{}, err
	}
	if record.Trashed {
		return Result{Docs: []syncmodel.CanonicalDoc{h.deletedDoc(record.DocID)}}, nil
	}

	doc := syncmodel.CanonicalDoc{
		DocID:     record.DocID,
		Title:     record.Title,
		BodyText:  record.BodyText,
		MimeType:  record.MimeType,
		OwnerID:   record.OwnerID,
		SourceURL: record.SourceURL,
		UpdatedAt: record.UpdatedAt.UTC(),
		CreatedAt: record.CreatedAt.UTC(),
	}
	if h.identity != nil {
		doc.OwnerName = h.identity.Resolve(ctx, syncmodel.SourceDocs, "user", record.OwnerID)
	}
	return Result{Docs: []syncmodel.CanonicalDoc{doc}}, nil
}

func (h *DocHandler) deletedDoc(externalID string) syncmodel.CanonicalDoc {
	now := h.now().UTC()
	return syncmodel.CanonicalDoc{DocID: externalID, Deleted: true, DeletedAt: &now, UpdatedAt: now}
}
