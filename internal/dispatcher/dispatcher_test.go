package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/handlers"
	"github.com/syncbridge-dev/syncbridge/internal/logging"
	"github.com/syncbridge-dev/syncbridge/internal/queue"
	"github.com/syncbridge-dev/syncbridge/internal/store"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

type fakeHandler struct {
	result handlers.Result
	err    error
}

func (f *fakeHandler) Handle(_ context.Context, _ syncmodel.Envelope) (handlers.Result, error) {
	return f.result, f.err
}

func TestDispatcherCommitsUpsertAndCompletesEnvelope(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	sink := store.NewMemorySink()
	env := syncmodel.Envelope{ID: "T:1:create_or_update", Source: syncmodel.SourceTasks}
	if _, err := q.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	h := &fakeHandler{result: handlers.Result{Tasks: []syncmodel.CanonicalTask{{TaskID: "1", Title: "hi"}}}}
	d := New(q, sink, map[syncmodel.Source]handlers.Handler{syncmodel.SourceTasks: h}, Config{BatchSize: 10}, logging.New(0))

	if err := d.runBatch(context.Background(), syncmodel.SourceTasks); err != nil {
		t.Fatalf("run batch failed: %v", err)
	}

	if _, ok := sink.Tasks["1"]; !ok {
		t.Fatalf("expected the task to be upserted into the sink")
	}
	got, err := q.Get(context.Background(), env.ID)
	if err != nil || got.State != syncmodel.StateCompleted {
		t.Fatalf("expected the envelope to be completed, got state=%v (err=%v)", got.State, err)
	}
}

func TestDispatcherRoutesTransientErrorToRetry(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{MaxAttempts: 3})
	sink := store.NewMemorySink()
	env := syncmodel.Envelope{ID: "M:1:create_or_update", Source: syncmodel.SourceMail}
	if _, err := q.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	h := &fakeHandler{err: &syncmodel.TransientError{Op: "get", Err: errors.New("503")}}
	d := New(q, sink, map[syncmodel.Source]handlers.Handler{syncmodel.SourceMail: h}, Config{BatchSize: 10}, logging.New(0))

	if err := d.runBatch(context.Background(), syncmodel.SourceMail); err != nil {
		t.Fatalf("run batch failed: %v", err)
	}
	got, err := q.Get(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.State != syncmodel.StatePending || got.Attempts != 1 {
		t.Fatalf("expected a transient error to retry (pending, attempts=1), got state=%v attempts=%d", got.State, got.Attempts)
	}
}

func TestDispatcherRoutesPermanentErrorToFailed(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{MaxAttempts: 5})
	sink := store.NewMemorySink()
	env := syncmodel.Envelope{ID: "T:1:create_or_update", Source: syncmodel.SourceTasks}
	if _, err := q.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	h := &fakeHandler{err: &syncmodel.PermanentError{Op: "get", Err: errors.New("400")}}
	d := New(q, sink, map[syncmodel.Source]handlers.Handler{syncmodel.SourceTasks: h}, Config{BatchSize: 10}, logging.New(0))

	if err := d.runBatch(context.Background(), syncmodel.SourceTasks); err != nil {
		t.Fatalf("run batch failed: %v", err)
	}
	got, err := q.Get(context.Background(), env.ID)
	if err != nil || got.State != syncmodel.StateFailed {
		t.Fatalf("expected a permanent error to go straight to failed regardless of MaxAttempts, got state=%v (err=%v)", got.State, err)
	}
}

func TestDispatcherHandlesDeletion(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	sink := store.NewMemorySink()
	sink.Tasks["1"] = syncmodel.CanonicalTask{TaskID: "1", Title: "hi"}
	env := syncmodel.Envelope{ID: "T:1:delete", Source: syncmodel.SourceTasks}
	if _, err := q.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	now := time.Now().UTC()
	h := &fakeHandler{result: handlers.Result{Tasks: []syncmodel.CanonicalTask{{TaskID: "1", Deleted: true, DeletedAt: &now}}}}
	d := New(q, sink, map[syncmodel.Source]handlers.Handler{syncmodel.SourceTasks: h}, Config{BatchSize: 10}, logging.New(0))

	if err := d.runBatch(context.Background(), syncmodel.SourceTasks); err != nil {
		t.Fatalf("run batch failed: %v", err)
	}
	if !sink.Tasks["1"].Deleted {
		t.Fatalf("expected the task to be soft-deleted, not removed: %+v", sink.Tasks["1"])
	}
}
