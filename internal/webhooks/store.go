package webhooks

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

// Store is C9's persisted registration record: relational, like the
// envelope queue and checkpoint tables, rather than a local file.
type Store interface {
	Get(ctx context.Context, source syncmodel.Source) (syncmodel.WebhookRegistration, bool, error)
	Set(ctx context.Context, reg syncmodel.WebhookRegistration) error
	Close() error
}

const webhookRegistrationTable = "webhook_registrations"

// PostgresStore mirrors checkpoint.PostgresStore's lazy-init shape: a
// migration creates the table up front in `serve`, but ensureReady's
// CREATE TABLE IF NOT EXISTS also lets `backfill`/standalone tooling use
// the store against a database that hasn't run migrations yet.
type PostgresStore struct {
	dsn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, syncmodel.ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				source TEXT PRIMARY KEY,
				registration_ids JSONB NOT NULL DEFAULT '[]',
				target_url TEXT NOT NULL DEFAULT '',
				events JSONB NOT NULL DEFAULT '[]',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, quoteIdent(webhookRegistrationTable))
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Get(ctx context.Context, source syncmodel.Source) (syncmodel.WebhookRegistration, bool, error) {
	if err := s.ensureReady(); err != nil {
		return syncmodel.WebhookRegistration{}, false, err
	}
	query := fmt.Sprintf(`SELECT registration_ids, target_url, events FROM %s WHERE source = $1`, quoteIdent(webhookRegistrationTable))
	var idsRaw, eventsRaw []byte
	var targetURL string
	err := s.db.QueryRowContext(ctx, query, string(source)).Scan(&idsRaw, &targetURL, &eventsRaw)
	if err == sql.ErrNoRows {
		return syncmodel.WebhookRegistration{}, false, nil
	}
	if err != nil {
		return syncmodel.WebhookRegistration{}, false, err
	}
	var ids, events []string
	_ = json.Unmarshal(idsRaw, &ids)
	_ = json.Unmarshal(eventsRaw, &events)
	return syncmodel.WebhookRegistration{Source: source, RegistrationIDs: ids, TargetURL: targetURL, Events: events}, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, reg syncmodel.WebhookRegistration) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ids, _ := json.Marshal(reg.RegistrationIDs)
	events, _ := json.Marshal(reg.Events)
	query := fmt.Sprintf(`
		INSERT INTO %s (source, registration_ids, target_url, events, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (source) DO UPDATE SET
			registration_ids = EXCLUDED.registration_ids,
			target_url = EXCLUDED.target_url,
			events = EXCLUDED.events,
			updated_at = now()`,
		quoteIdent(webhookRegistrationTable))
	_, err := s.db.ExecContext(ctx, query, string(reg.Source), ids, reg.TargetURL, events)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu    sync.Mutex
	state map[syncmodel.Source]syncmodel.WebhookRegistration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: map[syncmodel.Source]syncmodel.WebhookRegistration{}}
}

func (s *MemoryStore) Get(_ context.Context, source syncmodel.Source) (syncmodel.WebhookRegistration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.state[source]
	return reg, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, reg syncmodel.WebhookRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[reg.Source] = reg
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func quoteIdent(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
