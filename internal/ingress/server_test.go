package ingress

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/syncbridge-dev/syncbridge/internal/logging"
	"github.com/syncbridge-dev/syncbridge/internal/queue"
	"github.com/syncbridge-dev/syncbridge/internal/store"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

func newTestServer(secret string) (*Server, queue.Queue) {
	q := queue.NewMemoryQueue(queue.Options{})
	sink := store.NewMemorySink()
	s := NewServer(q, sink, Config{
		Auth: map[syncmodel.Source]SourceAuth{
			syncmodel.SourceTasks: {Secret: secret},
			syncmodel.SourceMail:  {Secret: secret},
		},
	}, logging.New(0))
	return s, q
}

func TestHandleWebhookAcceptsNestedConversationShape(t *testing.T) {
	s, q := newTestServer("s3cret")
	body := []byte(`{"conversation":{"id":"conv_1"},"message_ids":["m1","m2"]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/M", bytes.NewReader(body))
	req.Header.Set("X-Signature-256", "sha256="+sign("s3cret", body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a nested conversation payload, got %d: %s", rec.Code, rec.Body.String())
	}
	depth, err := q.Depth(req.Context())
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth[syncmodel.StatePending] != 1 {
		t.Fatalf("expected one enqueued envelope, got %d", depth[syncmodel.StatePending])
	}
}

func TestHandleWebhookAcceptsValidSignedPayload(t *testing.T) {
	s, q := newTestServer("s3cret")
	body := []byte(`{"external_id":"task_1","kind":"create_or_update"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/T", bytes.NewReader(body))
	req.Header.Set("X-Signature-256", "sha256="+sign("s3cret", body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	depth, err := q.Depth(req.Context())
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth[syncmodel.StatePending] != 1 {
		t.Fatalf("expected exactly one enqueued envelope, got %d", depth[syncmodel.StatePending])
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	s, _ := newTestServer("s3cret")
	body := []byte(`{"external_id":"task_1","kind":"create_or_update"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/T", bytes.NewReader(body))
	req.Header.Set("X-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad signature, got %d", rec.Code)
	}
}

func TestHandleWebhookRejectsMalformedShape(t *testing.T) {
	s, _ := newTestServer("s3cret")
	body := []byte(`{"kind":"create_or_update"}`) // missing required external_id
	req := httptest.NewRequest(http.MethodPost, "/webhook/T", bytes.NewReader(body))
	req.Header.Set("X-Signature-256", "sha256="+sign("s3cret", body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a schema violation, got %d", rec.Code)
	}
}

func TestHandleWebhookIsIdempotentOnRedelivery(t *testing.T) {
	s, q := newTestServer("s3cret")
	body := []byte(`{"external_id":"task_1","kind":"create_or_update"}`)

	var lastReq *http.Request
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook/T", bytes.NewReader(body))
		req.Header.Set("X-Signature-256", "sha256="+sign("s3cret", body))
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, rec.Code)
		}
		lastReq = req
	}

	depth, err := q.Depth(lastReq.Context())
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth[syncmodel.StatePending] != 1 {
		t.Fatalf("expected the redelivered webhook to be deduplicated to a single pending envelope, got %d", depth[syncmodel.StatePending])
	}
}

func TestHandleWebhookUnknownSourceIs404(t *testing.T) {
	s, _ := newTestServer("s3cret")
	req := httptest.NewRequest(http.MethodPost, "/webhook/X", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown source, got %d", rec.Code)
	}
}

func TestHandleHealthReportsQueueDepth(t *testing.T) {
	s, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health check with no db configured, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"queue_depth"`)) {
		t.Fatalf("expected health body to report queue_depth, got %s", rec.Body.String())
	}
}
