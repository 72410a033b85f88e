// Package checkpoint implements the per-source high-water-mark store (C2).
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// Store is the C2 contract from spec.md §4.2.
type Store interface {
	Get(ctx context.Context, source syncmodel.Source) (*syncmodel.Checkpoint, error)
	Set(ctx context.Context, cp syncmodel.Checkpoint) error
	Close() error
}

const checkpointTable = "checkpoints"

// PostgresStore serializes writes per source via a row-level UPSERT; the
// caller is responsible for only calling Set after the corresponding page
// has been durably enqueued (§4.2's rationale).
type PostgresStore struct {
	dsn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu sync.Mutex
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
				last_event_time TIMESTAMPTZ NOT NULL,
				last_cursor TEXT,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, quoteIdent(checkpointTable))
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Get(ctx context.Context, source syncmodel.Source) (*syncmodel.Checkpoint, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT last_event_time, last_cursor FROM %s WHERE source = $1`, quoteIdent(checkpointTable))
	var lastEventTime time.Time
	var cursor sql.NullString
	err := s.db.QueryRowContext(ctx, query, string(source)).Scan(&lastEventTime, &cursor)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &syncmodel.Checkpoint{Source: source, LastEventTime: lastEventTime, LastCursor: cursor.String}, nil
}

// Set serializes writes per source (spec.md §4.2) and enforces monotonicity
// (P3): a checkpoint never regresses even if called out of order.
func (s *PostgresStore) Set(ctx context.Context, cp syncmodel.Checkpoint) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`
		INSERT INTO %s (source, last_event_time, last_cursor, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (source) DO UPDATE SET
			last_event_time = GREATEST(%s.last_event_time, EXCLUDED.last_event_time),
			last_cursor = COALESCE(EXCLUDED.last_cursor, %s.last_cursor),
			updated_at = now()`,
		quoteIdent(checkpointTable), quoteIdent(checkpointTable), quoteIdent(checkpointTable))
	_, err := s.db.ExecContext(ctx, query, string(cp.Source), cp.LastEventTime, nullableString(cp.LastCursor))
	return err
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func quoteIdent(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
