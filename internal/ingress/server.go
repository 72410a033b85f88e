// Package ingress implements C4: the webhook endpoint plus the small
// admin/health surface described in spec.md §6.
package ingress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/syncbridge-dev/syncbridge/internal/logging"
	"github.com/syncbridge-dev/syncbridge/internal/queue"
	"github.com/syncbridge-dev/syncbridge/internal/store"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

const maxWebhookBodyBytes = 1 << 20 // 1 MiB, generous for a single event payload

var (
	errBadWebhookBody           = errWebhook("missing or invalid external_id")
	errUnsupportedWebhookSource = errWebhook("source does not accept webhooks")
)

type errWebhook string

func (e errWebhook) Error() string { return string(e) }

// SourceAuth is the per-source webhook secret and signature header name.
type SourceAuth struct {
	Secret          string
	SignatureHeader string
}

type Config struct {
	Auth        map[syncmodel.Source]SourceAuth
	AdminSecret string
}

// Server serves the HTTP surface of C4.
type Server struct {
	queue     queue.Queue
	sink      store.Sink
	cfg       Config
	log       logging.Logger
	startedAt time.Time
	mux       *http.ServeMux
}

func NewServer(q queue.Queue, sink store.Sink, cfg Config, log logging.Logger) *Server {
	s := &Server{queue: q, sink: sink, cfg: cfg, log: log, startedAt: time.Now()}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/webhook/", s.handleWebhook)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/admin/failed", requireAdmin(cfg.AdminSecret, s.handleListFailed))
	s.mux.HandleFunc("/admin/failed/", requireAdmin(cfg.AdminSecret, s.handleRequeue))
	s.mux.HandleFunc("/admin/queue", requireAdmin(cfg.AdminSecret, s.handleQueueDepth))
	return s
}

type requestIDKey struct{}

// ServeHTTP stamps every request with a correlation id (returned as
// X-Request-Id and threaded through the request context) so a webhook
// failure or an admin action can be traced across log lines.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)
	ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
	s.mux.ServeHTTP(w, r.WithContext(ctx))
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type taskWebhookPayload struct {
	ExternalID string `json:"external_id"`
	Kind       string `json:"kind"`
}

// mailWebhookIdentity covers all three shapes validateShape sniffs for:
// a nested conversation object, a flat external_id, or a trash event.
type mailWebhookIdentity struct {
	ExternalID   string `json:"external_id"`
	Trashed      bool   `json:"trashed"`
	Conversation *struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

func (p mailWebhookIdentity) id() string {
	if p.Conversation != nil && p.Conversation.ID != "" {
		return p.Conversation.ID
	}
	return p.ExternalID
}

// handleWebhook implements the six steps of spec.md §4.4.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	seg := strings.TrimPrefix(r.URL.Path, "/webhook/")
	source := syncmodel.Source(strings.ToUpper(seg))
	if !source.Valid() {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	auth := s.cfg.Auth[source]
	signatureHeader := "X-Signature-256"
	if auth.SignatureHeader != "" {
		signatureHeader = auth.SignatureHeader
	}
	if !verifyWebhookSignature(auth.Secret, r.Header.Get(signatureHeader), body) {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	if err := validateShape(source, body); err != nil {
		http.Error(w, "malformed payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	externalID, kind, err := parseWebhookIdentity(source, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	envelopeID := syncmodel.EnvelopeID(source, externalID, kind)
	env := syncmodel.Envelope{ID: envelopeID, Source: source, Kind: kind, ExternalID: externalID, Payload: body}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.queue.Enqueue(ctx, env); err != nil {
		s.log.Error(ctx, "webhook enqueue failed", "source", string(source), "error", err, "request_id", requestID(ctx))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// parseWebhookIdentity extracts (external_id, kind) per source. T's
// webhooks carry an explicit kind; M's carry a trashed flag instead.
func parseWebhookIdentity(source syncmodel.Source, body []byte) (string, syncmodel.EnvelopeKind, error) {
	switch source {
	case syncmodel.SourceTasks:
		var payload taskWebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil || payload.ExternalID == "" {
			return "", "", errBadWebhookBody
		}
		kind := syncmodel.KindCreateOrUpdate
		if payload.Kind == "delete" {
			kind = syncmodel.KindDelete
		}
		return payload.ExternalID, kind, nil
	case syncmodel.SourceMail:
		var payload mailWebhookIdentity
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", "", errBadWebhookBody
		}
		id := payload.id()
		if id == "" {
			return "", "", errBadWebhookBody
		}
		kind := syncmodel.KindCreateOrUpdate
		if payload.Trashed {
			kind = syncmodel.KindDelete
		}
		return id, kind, nil
	default:
		return "", "", errUnsupportedWebhookSource
	}
}

type healthResponse struct {
	QueueDepth map[syncmodel.EnvelopeState]int `json:"queue_depth"`
	DBOK       bool                             `json:"db_ok"`
	Uptime     string                           `json:"uptime"`
	Timestamp  time.Time                        `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	depth, err := s.queue.Depth(ctx)
	dbOK := err == nil
	if db := s.sink.DB(); db != nil {
		if pingErr := db.PingContext(ctx); pingErr != nil {
			dbOK = false
		}
	}

	resp := healthResponse{QueueDepth: depth, DBOK: dbOK, Uptime: time.Since(s.startedAt).String(), Timestamp: time.Now().UTC()}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	items, err := s.queue.List(ctx, syncmodel.StateFailed, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/admin/failed/"), "/requeue")
	if id == "" {
		http.Error(w, "missing envelope id", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.queue.Requeue(ctx, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(depth)
}
