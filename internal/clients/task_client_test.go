package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

func TestTaskClientGetSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task_1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key123" {
			t.Errorf("expected basic auth with key123, got %q ok=%v", user, ok)
		}
		_ = pass
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task_id":"task_1","title":"hello","status":"open"}`))
	}))
	defer server.Close()

	c := NewTaskClient(server.URL, "key123", 50)
	record, err := c.Get(context.Background(), "task_1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.TaskID != "task_1" || record.Title != "hello" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestTaskClientGetNotFoundIsGone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewTaskClient(server.URL, "key123", 50)
	_, err := c.Get(context.Background(), "missing")
	if !syncmodel.IsGone(err) {
		t.Fatalf("expected a GoneError for a 404, got %v", err)
	}
}

func TestTaskClientRetriesOnServerErrorThenSucceeds(t *testing.T) {
	attempt := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"task_id":"task_1"}`))
	}))
	defer server.Close()

	c := NewTaskClient(server.URL, "key123", 50)
	c.base.retry.BaseDelay = time.Millisecond
	c.base.retry.MaxDelay = 5 * time.Millisecond

	record, err := c.Get(context.Background(), "task_1")
	if err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if attempt != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempt)
	}
	if record.TaskID != "task_1" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestTaskClientPermanentErrorOnBadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	c := NewTaskClient(server.URL, "key123", 50)
	_, err := c.Get(context.Background(), "task_1")
	if !syncmodel.IsPermanent(err) {
		t.Fatalf("expected a PermanentError for a 400, got %v", err)
	}
}

func TestEncodeSegmentEscapesPathUnsafeCharacters(t *testing.T) {
	cases := map[string]string{
		"task_1":    "task_1",
		"a/b":       "a%2Fb",
		"a?b":       "a%3Fb",
		"a#b":       "a%23b",
		"has space": "has%20space",
	}
	for in, want := range cases {
		if got := encodeSegment(in); got != want {
			t.Errorf("encodeSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTaskClientGetEscapesExternalIDWithSlash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/api/v1/tasks/weird%2Fid" {
			t.Errorf("expected the slash in the external id to be escaped as a single segment, got raw path %q", r.URL.EscapedPath())
		}
		_, _ = w.Write([]byte(`{"task_id":"weird/id"}`))
	}))
	defer server.Close()

	c := NewTaskClient(server.URL, "key123", 50)
	record, err := c.Get(context.Background(), "weird/id")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.TaskID != "weird/id" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestTaskClientListUpdatedSincePaginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			_, _ = w.Write([]byte(`{"items":[{"task_id":"t1"}],"next_cursor":"page2","has_more":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"task_id":"t2"}],"has_more":false}`))
	}))
	defer server.Close()

	c := NewTaskClient(server.URL, "key123", 50)
	items, cursor, exhausted, err := c.ListUpdatedSince(context.Background(), time.Now().Add(-time.Hour), "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].ExternalID != "t1" || exhausted {
		t.Fatalf("unexpected first page: items=%+v exhausted=%v", items, exhausted)
	}

	items, _, exhausted, err = c.ListUpdatedSince(context.Background(), time.Now().Add(-time.Hour), cursor)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].ExternalID != "t2" || !exhausted {
		t.Fatalf("unexpected second page: items=%+v exhausted=%v", items, exhausted)
	}
}
