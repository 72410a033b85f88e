package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/clients"
	"github.com/syncbridge-dev/syncbridge/internal/identity"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

type fakeTaskGetter struct {
	records map[string]clients.TaskRecord
	err     error
}

func (f *fakeTaskGetter) Get(_ context.Context, externalID string) (clients.TaskRecord, error) {
	if f.err != nil {
		return clients.TaskRecord{}, f.err
	}
	r, ok := f.records[externalID]
	if !ok {
		return clients.TaskRecord{}, &syncmodel.GoneError{ExternalID: externalID}
	}
	return r, nil
}

func TestTaskHandlerNormalizesAndResolvesIdentity(t *testing.T) {
	getter := &fakeTaskGetter{records: map[string]clients.TaskRecord{
		"t1": {
			TaskID:      "t1",
			Title:       "Ship it",
			Status:      "open",
			TagIDs:      []string{"tag_1"},
			AssigneeIDs: []string{"user_1"},
			CreatorID:   "user_2",
			CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			UpdatedAt:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		},
	}}
	resolver := identity.FuncResolver{
		identity.Key(syncmodel.SourceTasks, "tag"):  func(_ context.Context, id string) (string, error) { return "Backend", nil },
		identity.Key(syncmodel.SourceTasks, "user"): func(_ context.Context, id string) (string, error) { return "Alice", nil },
	}
	idc := identity.New(resolver, time.Minute, "")
	h := NewTaskHandler(getter, idc, time.Time{})

	result, err := h.Handle(context.Background(), syncmodel.Envelope{ExternalID: "t1", Kind: syncmodel.KindCreateOrUpdate})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(result.Tasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(result.Tasks))
	}
	task := result.Tasks[0]
	if task.Deleted {
		t.Fatalf("expected an open task to not be marked deleted")
	}
	if len(task.TagNames) != 1 || task.TagNames[0] != "Backend" {
		t.Fatalf("expected tag name resolution, got %+v", task.TagNames)
	}
	if len(task.AssigneeNames) != 1 || task.AssigneeNames[0] != "Alice" {
		t.Fatalf("expected assignee name resolution, got %+v", task.AssigneeNames)
	}
}

func TestTaskHandlerCompletedStatusIsNotADeletion(t *testing.T) {
	getter := &fakeTaskGetter{records: map[string]clients.TaskRecord{
		"t1": {TaskID: "t1", Status: "completed", CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}}
	h := NewTaskHandler(getter, nil, time.Time{})

	result, err := h.Handle(context.Background(), syncmodel.Envelope{ExternalID: "t1", Kind: syncmodel.KindCreateOrUpdate})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if result.Tasks[0].Deleted {
		t.Fatalf("a completed task must not be flagged Deleted")
	}
}

func TestTaskHandlerExplicitDeleteEnvelope(t *testing.T) {
	h := NewTaskHandler(&fakeTaskGetter{}, nil, time.Time{})
	result, err := h.Handle(context.Background(), syncmodel.Envelope{ExternalID: "t1", Kind: syncmodel.KindDelete})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !result.Tasks[0].Deleted {
		t.Fatalf("expected an explicit delete envelope to produce a deleted record without calling the client")
	}
}

func TestTaskHandler404BecomesDeletion(t *testing.T) {
	h := NewTaskHandler(&fakeTaskGetter{records: map[string]clients.TaskRecord{}}, nil, time.Time{})
	result, err := h.Handle(context.Background(), syncmodel.Envelope{ExternalID: "gone", Kind: syncmodel.KindCreateOrUpdate})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !result.Tasks[0].Deleted {
		t.Fatalf("expected a 404 from the upstream to be treated as a deletion (P5)")
	}
}

func TestTaskHandlerProcessAfterFilter(t *testing.T) {
	threshold := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	getter := &fakeTaskGetter{records: map[string]clients.TaskRecord{
		"old": {TaskID: "old", CreatedAt: threshold.Add(-time.Hour)},
	}}
	h := NewTaskHandler(getter, nil, threshold)
	result, err := h.Handle(context.Background(), syncmodel.Envelope{ExternalID: "old", Kind: syncmodel.KindCreateOrUpdate})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !result.Empty() {
		t.Fatalf("expected a task created before PROCESS_AFTER to be filtered out, got %+v", result)
	}
}
