package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// Sink is C7: idempotent upsert (merge, never replace) keyed by external
// id, and soft-delete via a deleted flag flip. Every mutating method takes
// a DBTX so the dispatcher can pair it with retiring the envelope inside
// one transaction (spec.md §4.7).
type Sink interface {
	DB() *sql.DB
	UpsertTask(ctx context.Context, tx DBTX, task syncmodel.CanonicalTask) error
	UpsertEmail(ctx context.Context, tx DBTX, email syncmodel.CanonicalEmail) error
	UpsertDoc(ctx context.Context, tx DBTX, doc syncmodel.CanonicalDoc) error
	DeleteTask(ctx context.Context, tx DBTX, taskID string, at time.Time) error
	DeleteEmail(ctx context.Context, tx DBTX, emailID string, at time.Time) error
	DeleteDoc(ctx context.Context, tx DBTX, docID string, at time.Time) error
	// RequiresStagedAttachments reports whether this sink's storage layer
	// wants attachment bytes staged to durable object storage before an
	// email record lands, instead of carrying only the upstream download
	// URL. C6's mail handler queries this rather than deciding from
	// process configuration directly.
	RequiresStagedAttachments() bool
}

type PostgresSink struct {
	dsn         string
	stageAttach bool

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresSink opens a canonical-table sink. stageAttachments is the
// sink's own answer to RequiresStagedAttachments — a Postgres-backed sink
// only wants staged attachment URLs when attachment object storage is
// actually configured for this deployment.
func NewPostgresSink(dsn string, stageAttachments bool) (*PostgresSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, syncmodel.ErrInvalidInput
	}
	return &PostgresSink{dsn: dsn, stageAttach: stageAttachments}, nil
}

func (s *PostgresSink) RequiresStagedAttachments() bool { return s.stageAttach }

const (
	taskTable  = "canonical_tasks"
	emailTable = "canonical_emails"
	docTable   = "canonical_docs"
)

func (s *PostgresSink) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, stmt := range []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				task_id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT '',
				tag_ids JSONB NOT NULL DEFAULT '[]',
				tag_names JSONB NOT NULL DEFAULT '[]',
				assignee_ids JSONB NOT NULL DEFAULT '[]',
				assignee_names JSONB NOT NULL DEFAULT '[]',
				creator_id TEXT NOT NULL DEFAULT '',
				creator_name TEXT NOT NULL DEFAULT '',
				updater_id TEXT NOT NULL DEFAULT '',
				updater_name TEXT NOT NULL DEFAULT '',
				due_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				deleted BOOLEAN NOT NULL DEFAULT false,
				deleted_at TIMESTAMPTZ
			)`, quoteIdent(taskTable)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				email_id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				from_addr TEXT NOT NULL DEFAULT '',
				to_addrs JSONB NOT NULL DEFAULT '[]',
				cc_addrs JSONB NOT NULL DEFAULT '[]',
				bcc_addrs JSONB NOT NULL DEFAULT '[]',
				body_text TEXT NOT NULL DEFAULT '',
				body_html TEXT NOT NULL DEFAULT '',
				sent_at TIMESTAMPTZ,
				received_at TIMESTAMPTZ NOT NULL,
				labels JSONB NOT NULL DEFAULT '[]',
				attachments JSONB NOT NULL DEFAULT '[]',
				deleted BOOLEAN NOT NULL DEFAULT false,
				deleted_at TIMESTAMPTZ
			)`, quoteIdent(emailTable)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				doc_id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				body_text TEXT NOT NULL DEFAULT '',
				mime_type TEXT NOT NULL DEFAULT '',
				owner_id TEXT NOT NULL DEFAULT '',
				owner_name TEXT NOT NULL DEFAULT '',
				source_url TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				deleted BOOLEAN NOT NULL DEFAULT false,
				deleted_at TIMESTAMPTZ
			)`, quoteIdent(docTable)),
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresSink) DB() *sql.DB {
	_ = s.ensureReady()
	return s.db
}

// UpsertTask merges rather than replaces: a nil DueAt on the incoming
// record does not clobber an existing due date, since some upstream list
// payloads omit fields a webhook payload carries (spec.md §4.7 "merge
// semantics").
func (s *PostgresSink) UpsertTask(ctx context.Context, tx DBTX, t syncmodel.CanonicalTask) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	tagIDs, _ := json.Marshal(t.TagIDs)
	tagNames, _ := json.Marshal(t.TagNames)
	assigneeIDs, _ := json.Marshal(t.AssigneeIDs)
	assigneeNames, _ := json.Marshal(t.AssigneeNames)

	query := fmt.Sprintf(`
		INSERT INTO %s (task_id, project_id, title, description, status, tag_ids, tag_names,
			assignee_ids, assignee_names, creator_id, creator_name, updater_id, updater_name,
			due_at, updated_at, created_at, deleted, deleted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,false,NULL)
		ON CONFLICT (task_id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			tag_ids = EXCLUDED.tag_ids,
			tag_names = EXCLUDED.tag_names,
			assignee_ids = EXCLUDED.assignee_ids,
			assignee_names = EXCLUDED.assignee_names,
			creator_id = EXCLUDED.creator_id,
			creator_name = EXCLUDED.creator_name,
			updater_id = EXCLUDED.updater_id,
			updater_name = EXCLUDED.updater_name,
			due_at = COALESCE(EXCLUDED.due_at, %s.due_at),
			updated_at = EXCLUDED.updated_at,
			deleted = false,
			deleted_at = NULL
		WHERE %s.updated_at <= EXCLUDED.updated_at OR %s.deleted`,
		quoteIdent(taskTable), quoteIdent(taskTable), quoteIdent(taskTable), quoteIdent(taskTable))

	_, err := tx.ExecContext(ctx, query, t.TaskID, t.ProjectID, t.Title, t.Description, t.Status,
		tagIDs, tagNames, assigneeIDs, assigneeNames, t.CreatorID, t.CreatorName, t.UpdaterID, t.UpdaterName,
		t.DueAt, t.UpdatedAt, t.CreatedAt)
	return err
}

func (s *PostgresSink) UpsertEmail(ctx context.Context, tx DBTX, e syncmodel.CanonicalEmail) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	to, _ := json.Marshal(e.To)
	cc, _ := json.Marshal(e.CC)
	bcc, _ := json.Marshal(e.BCC)
	labels, _ := json.Marshal(e.Labels)
	attachments, _ := json.Marshal(e.Attachments)

	query := fmt.Sprintf(`
		INSERT INTO %s (email_id, thread_id, subject, from_addr, to_addrs, cc_addrs, bcc_addrs,
			body_text, body_html, sent_at, received_at, labels, attachments, deleted, deleted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,false,NULL)
		ON CONFLICT (email_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			subject = EXCLUDED.subject,
			from_addr = EXCLUDED.from_addr,
			to_addrs = EXCLUDED.to_addrs,
			cc_addrs = EXCLUDED.cc_addrs,
			bcc_addrs = EXCLUDED.bcc_addrs,
			body_text = EXCLUDED.body_text,
			body_html = EXCLUDED.body_html,
			sent_at = COALESCE(EXCLUDED.sent_at, %s.sent_at),
			received_at = EXCLUDED.received_at,
			labels = EXCLUDED.labels,
			attachments = EXCLUDED.attachments,
			deleted = false,
			deleted_at = NULL
		WHERE %s.received_at <= EXCLUDED.received_at OR %s.deleted`,
		quoteIdent(emailTable), quoteIdent(emailTable), quoteIdent(emailTable), quoteIdent(emailTable))

	// A zero SentAt goes in as NULL so the COALESCE above keeps a stored
	// sent_at instead of overwriting it with the zero time.
	var sentAt any
	if !e.SentAt.IsZero() {
		sentAt = e.SentAt
	}
	_, err := tx.ExecContext(ctx, query, e.EmailID, e.ThreadID, e.Subject, e.From, to, cc, bcc,
		e.BodyText, e.BodyHTML, sentAt, e.ReceivedAt, labels, attachments)
	return err
}

func (s *PostgresSink) UpsertDoc(ctx context.Context, tx DBTX, d syncmodel.CanonicalDoc) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (doc_id, title, body_text, mime_type, owner_id, owner_name, source_url,
			updated_at, created_at, deleted, deleted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false,NULL)
		ON CONFLICT (doc_id) DO UPDATE SET
			title = EXCLUDED.title,
			body_text = EXCLUDED.body_text,
			mime_type = EXCLUDED.mime_type,
			owner_id = EXCLUDED.owner_id,
			owner_name = EXCLUDED.owner_name,
			source_url = EXCLUDED.source_url,
			updated_at = EXCLUDED.updated_at,
			deleted = false,
			deleted_at = NULL
		WHERE %s.updated_at <= EXCLUDED.updated_at OR %s.deleted`,
		quoteIdent(docTable), quoteIdent(docTable), quoteIdent(docTable))

	_, err := tx.ExecContext(ctx, query, d.DocID, d.Title, d.BodyText, d.MimeType, d.OwnerID, d.OwnerName,
		d.SourceURL, d.UpdatedAt, d.CreatedAt)
	return err
}

// DeleteTask flips the deleted flag; it never issues a physical DELETE
// (spec.md P5/C7: soft-delete only, so history is kept). A later
// UpsertTask for the same id clears the flag again whatever its
// updated_at, since the upsert's WHERE clause admits deleted rows.
func (s *PostgresSink) DeleteTask(ctx context.Context, tx DBTX, taskID string, at time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET deleted = true, deleted_at = $2 WHERE task_id = $1`, quoteIdent(taskTable))
	_, err := tx.ExecContext(ctx, query, taskID, at)
	return err
}

func (s *PostgresSink) DeleteEmail(ctx context.Context, tx DBTX, emailID string, at time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET deleted = true, deleted_at = $2 WHERE email_id = $1`, quoteIdent(emailTable))
	_, err := tx.ExecContext(ctx, query, emailID, at)
	return err
}

func (s *PostgresSink) DeleteDoc(ctx context.Context, tx DBTX, docID string, at time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET deleted = true, deleted_at = $2 WHERE doc_id = $1`, quoteIdent(docTable))
	_, err := tx.ExecContext(ctx, query, docID, at)
	return err
}

func quoteIdent(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
