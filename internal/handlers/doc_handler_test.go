package handlers

import (
	"context"
	"testing"

	"github.com/syncbridge-dev/syncbridge/internal/clients"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

type fakeDocGetter struct {
	records map[string]clients.DocRecord
}

func (f *fakeDocGetter) Get(_ context.Context, externalID string) (clients.DocRecord, error) {
	r, ok := f.records[externalID]
	if !ok {
		return clients.DocRecord{}, &syncmodel.GoneError{ExternalID: externalID}
	}
	return r, nil
}

func TestDocHandlerTrashedFlagBecomesDeletion(t *testing.T) {
	h := NewDocHandler(&fakeDocGetter{records: map[string]clients.DocRecord{
		"d1": {DocID: "d1", Trashed: true},
	}}, nil)
	result, err := h.Handle(context.Background(), syncmodel.Envelope{ExternalID: "d1", Kind: syncmodel.KindCreateOrUpdate})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !result.Docs[0].Deleted {
		t.Fatalf("expected a trashed doc to be marked deleted")
	}
}

func TestDocHandlerNormalizesRecord(t *testing.T) {
	h := NewDocHandler(&fakeDocGetter{records: map[string]clients.DocRecord{
		"d1": {DocID: "d1", Title: "Runbook", MimeType: "text/plain"},
	}}, nil)
	result, err := h.Handle(context.Background(), syncmodel.Envelope{ExternalID: "d1", Kind: syncmodel.KindCreateOrUpdate})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if result.Docs[0].Title != "Runbook" || result.Docs[0].Deleted {
		t.Fatalf("unexpected doc: %+v", result.Docs[0])
	}
}
