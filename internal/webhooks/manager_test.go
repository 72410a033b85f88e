package webhooks

import (
	"context"
	"sync"
	"testing"

	"github.com/syncbridge-dev/syncbridge/internal/logging"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

type fakeRegistrar struct {
	mu       sync.Mutex
	deleted  []string
	created  []string
	deleteErr error
	createErr error
	nextID   int
}

func (f *fakeRegistrar) Delete(_ context.Context, registrationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, registrationID)
	return f.deleteErr
}

func (f *fakeRegistrar) Create(_ context.Context, targetURL string, events []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := "reg_" + string(rune('0'+f.nextID))
	f.created = append(f.created, id)
	return id, nil
}

func TestReconcileAllCreatesOneRegistrationPerEvent(t *testing.T) {
	reg := &fakeRegistrar{}
	m := New(NewMemoryStore(), []SourceConfig{
		{Source: syncmodel.SourceTasks, Registrar: reg, Events: []string{"task.created", "task.deleted"}},
	}, logging.New(0))

	m.ReconcileAll(context.Background(), "https://example.org/webhook/T")

	if len(reg.created) != 2 {
		t.Fatalf("expected one registration per event, got %d", len(reg.created))
	}
	if len(reg.deleted) != 0 {
		t.Fatalf("expected no deletes on first reconciliation, got %d", len(reg.deleted))
	}
}

func TestReconcileAllDeletesExistingBeforeRecreating(t *testing.T) {
	reg := &fakeRegistrar{}
	m := New(NewMemoryStore(), []SourceConfig{
		{Source: syncmodel.SourceTasks, Registrar: reg, Events: []string{"task.created"}},
	}, logging.New(0))

	m.ReconcileAll(context.Background(), "https://old.example.org/webhook/T")
	firstCreated := append([]string(nil), reg.created...)

	m.ReconcileAll(context.Background(), "https://new.example.org/webhook/T")

	if len(reg.deleted) != len(firstCreated) {
		t.Fatalf("expected the second reconciliation to delete every registration from the first, got deleted=%v created=%v", reg.deleted, firstCreated)
	}
}

func TestReconcileAllToleratesGoneOnDelete(t *testing.T) {
	reg := &fakeRegistrar{deleteErr: &syncmodel.GoneError{ExternalID: "reg_1"}}
	m := New(NewMemoryStore(), []SourceConfig{
		{Source: syncmodel.SourceTasks, Registrar: reg, Events: []string{"task.created"}},
	}, logging.New(0))

	m.ReconcileAll(context.Background(), "https://example.org/webhook/T")
	// second call attempts to delete the registration from the first pass;
	// a GoneError there must not block the recreate step.
	m.ReconcileAll(context.Background(), "https://example.org/webhook/T")

	if len(reg.created) != 2 {
		t.Fatalf("expected recreation to proceed despite a gone error on delete, got %d created", len(reg.created))
	}
}

func TestReconcileAllContinuesPastACreateFailure(t *testing.T) {
	failing := &fakeRegistrar{createErr: context.DeadlineExceeded}
	healthy := &fakeRegistrar{}
	m := New(NewMemoryStore(), []SourceConfig{
		{Source: syncmodel.SourceTasks, Registrar: failing, Events: []string{"task.created"}},
		{Source: syncmodel.SourceMail, Registrar: healthy, Events: []string{"message.created"}},
	}, logging.New(0))

	m.ReconcileAll(context.Background(), "https://example.org/webhook")

	if len(healthy.created) != 1 {
		t.Fatalf("expected a failing source to not block the next source's reconciliation, got %d", len(healthy.created))
	}
}
