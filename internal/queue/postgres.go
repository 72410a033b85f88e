package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

const (
	envelopeTable    = "envelopes"
	operationTimeout = 5 * time.Second
)

// PostgresQueue is the C1 implementation grounded on the teacher's
// tryEnqueuePayload/tryDequeuePayload pattern: a single relational table,
// leased via `FOR UPDATE SKIP LOCKED` so concurrent workers never double
// lease a row, generalized from a bare payload string to the full Envelope
// with attempts/state/lease-expiry columns (spec.md §4.1, §9 "queue
// re-architecture").
type PostgresQueue struct {
	dsn   string
	opt   Options
	table string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueue(dsn string, opt Options) (*PostgresQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, syncmodel.ErrInvalidInput
	}
	return &PostgresQueue{dsn: dsn, opt: opt.withDefaults(), table: envelopeTable}, nil
}

func (q *PostgresQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := sql.Open("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				source TEXT NOT NULL,
				kind TEXT NOT NULL,
				external_id TEXT NOT NULL,
				payload BYTEA NOT NULL DEFAULT ''::bytea,
				attempts INT NOT NULL DEFAULT 0,
				state TEXT NOT NULL DEFAULT 'pending',
				enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				leased_until TIMESTAMPTZ,
				last_error TEXT
			)`, quoteIdent(q.table))
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		idx := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS envelopes_source_state_idx ON %s (source, state, enqueued_at)",
			quoteIdent(q.table))
		if _, err := db.ExecContext(ctx, idx); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresQueue) Enqueue(ctx context.Context, env syncmodel.Envelope) (EnqueueResult, error) {
	if err := q.ensureReady(); err != nil {
		return Duplicate, err
	}
	if env.ID == "" || !env.Source.Valid() {
		return Duplicate, syncmodel.ErrInvalidInput
	}
	// A conflict on id only absorbs redelivery of the same occurrence
	// (pending/leased/failed rows are left untouched). Once an envelope has
	// completed, its id is released so the next real update to that entity
	// reuses it rather than being silently dropped forever.
	table := quoteIdent(q.table)
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, source, kind, external_id, payload, attempts, state, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, 0, 'pending', now())
		ON CONFLICT (id) DO UPDATE SET
			payload = EXCLUDED.payload,
			attempts = 0,
			state = 'pending',
			enqueued_at = now(),
			leased_until = NULL,
			last_error = NULL
		WHERE %[1]s.state = 'completed'`, table)
	res, err := q.db.ExecContext(ctx, query, env.ID, string(env.Source), string(env.Kind), env.ExternalID, env.Payload)
	if err != nil {
		return Duplicate, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Duplicate, err
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Inserted, nil
}

func (q *PostgresQueue) Lease(ctx context.Context, source syncmodel.Source, batchSize int, leaseDuration time.Duration) ([]syncmodel.Envelope, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(`
		SELECT id, source, kind, external_id, payload, attempts, state, enqueued_at, leased_until, last_error
		FROM %s
		WHERE source = $1
		  AND ((state = 'pending' AND (leased_until IS NULL OR leased_until <= now()))
		       OR (state = 'leased' AND leased_until <= now()))
		ORDER BY enqueued_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, quoteIdent(q.table))
	rows, err := tx.QueryContext(ctx, selectQuery, string(source), batchSize)
	if err != nil {
		return nil, err
	}
	var leased []syncmodel.Envelope
	for rows.Next() {
		env, scanErr := scanEnvelope(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		leased = append(leased, env)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(leased) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		committed = true
		return nil, nil
	}

	until := time.Now().Add(leaseDuration)
	updateQuery := fmt.Sprintf(`UPDATE %s SET state = 'leased', leased_until = $2 WHERE id = $1`, quoteIdent(q.table))
	for i := range leased {
		if _, err := tx.ExecContext(ctx, updateQuery, leased[i].ID, until); err != nil {
			return nil, err
		}
		leased[i].State = syncmodel.StateLeased
		leased[i].LeasedUntil = until
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return leased, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET state = 'completed', leased_until = NULL, last_error = NULL WHERE id = $1`, quoteIdent(q.table))
	_, err := q.db.ExecContext(ctx, query, id)
	return err
}

// CompleteTx is used by the dispatcher to commit the sink write and the
// envelope retirement atomically, per spec.md §4.7's transaction boundary.
func (q *PostgresQueue) CompleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET state = 'completed', leased_until = NULL, last_error = NULL WHERE id = $1`, quoteIdent(q.table))
	_, err := tx.ExecContext(ctx, query, id)
	return err
}

// DB exposes the pool so the dispatcher can open transactions spanning both
// the queue and the sink (§4.7).
func (q *PostgresQueue) DB() (*sql.DB, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	return q.db, nil
}

func (q *PostgresQueue) Fail(ctx context.Context, id string, cause error, permanent bool) (int, error) {
	if err := q.ensureReady(); err != nil {
		return 0, err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var attempts int
	selectQuery := fmt.Sprintf(`SELECT attempts FROM %s WHERE id = $1 FOR UPDATE`, quoteIdent(q.table))
	if err := tx.QueryRowContext(ctx, selectQuery, id).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, syncmodel.ErrNotFound
		}
		return 0, err
	}
	attempts++

	message := ""
	if cause != nil {
		message = cause.Error()
	}

	newState := syncmodel.StatePending
	var nextEligible time.Time
	if permanent || attempts >= q.opt.MaxAttempts {
		newState = syncmodel.StateFailed
	} else {
		nextEligible = time.Now().Add(q.opt.RetryDelay)
	}

	var updateQuery string
	if newState == syncmodel.StateFailed {
		updateQuery = fmt.Sprintf(`UPDATE %s SET attempts = $2, state = 'failed', leased_until = NULL, last_error = $3 WHERE id = $1`, quoteIdent(q.table))
		_, err = tx.ExecContext(ctx, updateQuery, id, attempts, message)
	} else {
		updateQuery = fmt.Sprintf(`UPDATE %s SET attempts = $2, state = 'pending', leased_until = $3, last_error = $4 WHERE id = $1`, quoteIdent(q.table))
		_, err = tx.ExecContext(ctx, updateQuery, id, attempts, nextEligible, message)
	}
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return attempts, nil
}

func (q *PostgresQueue) List(ctx context.Context, state syncmodel.EnvelopeState, source syncmodel.Source) ([]syncmodel.Envelope, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	clauses := []string{}
	args := []any{}
	if state != "" {
		args = append(args, string(state))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}
	if source != "" {
		args = append(args, string(source))
		clauses = append(clauses, fmt.Sprintf("source = $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT id, source, kind, external_id, payload, attempts, state, enqueued_at, leased_until, last_error FROM %s`, quoteIdent(q.table))
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY enqueued_at ASC"
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []syncmodel.Envelope
	for rows.Next() {
		env, scanErr := scanEnvelope(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (syncmodel.Envelope, error) {
	if err := q.ensureReady(); err != nil {
		return syncmodel.Envelope{}, err
	}
	query := fmt.Sprintf(`SELECT id, source, kind, external_id, payload, attempts, state, enqueued_at, leased_until, last_error FROM %s WHERE id = $1`, quoteIdent(q.table))
	row := q.db.QueryRowContext(ctx, query, id)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return syncmodel.Envelope{}, syncmodel.ErrNotFound
	}
	return env, err
}

func (q *PostgresQueue) Requeue(ctx context.Context, id string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET state = 'pending', attempts = 0, leased_until = NULL, last_error = NULL WHERE id = $1`, quoteIdent(q.table))
	res, err := q.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return syncmodel.ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) Depth(ctx context.Context) (map[syncmodel.EnvelopeState]int, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT state, COUNT(*) FROM %s GROUP BY state`, quoteIdent(q.table))
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[syncmodel.EnvelopeState]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		out[syncmodel.EnvelopeState(state)] = count
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (syncmodel.Envelope, error) {
	var env syncmodel.Envelope
	var source, kind, state string
	var leasedUntil sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&env.ID, &source, &kind, &env.ExternalID, &env.Payload, &env.Attempts, &state, &env.EnqueuedAt, &leasedUntil, &lastError)
	if err != nil {
		return syncmodel.Envelope{}, err
	}
	env.Source = syncmodel.Source(source)
	env.Kind = syncmodel.EnvelopeKind(kind)
	env.State = syncmodel.EnvelopeState(state)
	if leasedUntil.Valid {
		env.LeasedUntil = leasedUntil.Time
	}
	if lastError.Valid {
		env.LastError = lastError.String
	}
	return env, nil
}

func quoteIdent(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
