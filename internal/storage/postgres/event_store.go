// Package postgres persists webhook events in Postgres through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "webhook_events"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// EventStore implements webhook.EventStore on a single events table.
type EventStore struct {
	pool  dbPool
	table string
}

// NewEventStore connects a pgx pool using cfg.
func NewEventStore(ctx context.Context, cfg Config) (*EventStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &EventStore{pool: pool, table: table}, nil
}

// NewEventStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEventStoreWithPool(pool dbPool, table string) (*EventStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &EventStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *EventStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *EventStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the events table when it does not exist.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema(s.table)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Schema returns the DDL for the events table.
func Schema(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id              TEXT PRIMARY KEY,
	event_type      TEXT NOT NULL,
	provider        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	expected_count  INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	failed_count    INTEGER NOT NULL DEFAULT 0,
	metadata        JSONB,
	received_at     TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[1]s_status_completed_idx ON %[1]s (status, completed_at)`, table)
}

// CreateEvent inserts a received event. An existing id returns
// webhook.ErrAlreadyExists.
func (s *EventStore) CreateEvent(ctx context.Context, event webhook.Event) error {
	if event.ID == "" {
		return errors.New("event id is required")
	}
	status := event.Status
	if status == "" {
		status = webhook.StatusReceived
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, event_type, provider, status, expected_count, metadata, received_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
ON CONFLICT (id) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		event.ID,
		event.EventType,
		event.Provider,
		string(status),
		event.Expected,
		metadataArg(event.Metadata),
		event.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert event %s: %w", webhook.ErrStorageWrite, event.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create event %s: %w", event.ID, webhook.ErrAlreadyExists)
	}
	return nil
}

// GetEvent loads one event.
func (s *EventStore) GetEvent(ctx context.Context, eventID string) (webhook.Event, error) {
	query := fmt.Sprintf(`
SELECT id, event_type, provider, status, expected_count, completed_count, failed_count,
       metadata, received_at, completed_at
FROM %s WHERE id = $1`, s.table)

	event, err := scanEvent(s.pool.QueryRow(ctx, query, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return webhook.Event{}, fmt.Errorf("get event %s: %w", eventID, webhook.ErrNotFound)
	}
	if err != nil {
		return webhook.Event{}, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return event, nil
}

// ListUnfinished returns events still received or processing that were
// received before the cutoff, oldest first.
func (s *EventStore) ListUnfinished(ctx context.Context, before time.Time) ([]webhook.Event, error) {
	query := fmt.Sprintf(`
SELECT id, event_type, provider, status, expected_count, completed_count, failed_count,
       metadata, received_at, completed_at
FROM %s
WHERE status IN ('received', 'processing') AND received_at < $1
ORDER BY received_at`, s.table)

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("list unfinished events: %w", err)
	}
	defer rows.Close()

	var events []webhook.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("list unfinished events: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unfinished events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (webhook.Event, error) {
	var (
		event  webhook.Event
		status string
		meta   []byte
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&event.Provider,
		&status,
		&event.Expected,
		&event.Completed,
		&event.Failed,
		&meta,
		&event.ReceivedAt,
		&event.CompletedAt,
	); err != nil {
		return webhook.Event{}, err
	}
	event.Status = webhook.Status(status)
	if len(meta) > 0 {
		event.Metadata = json.RawMessage(meta)
	}
	return event, nil
}

// RecordProgress updates live counters of a non-terminal event. Counters
// never move backwards.
func (s *EventStore) RecordProgress(ctx context.Context, p webhook.Progress) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	expected_count  = CASE WHEN $2 > 0 THEN $2 ELSE expected_count END,
	completed_count = GREATEST(completed_count, $3),
	failed_count    = GREATEST(failed_count, $4),
	status          = CASE WHEN GREATEST(completed_count, $3) + GREATEST(failed_count, $4) > 0
	                       THEN 'processing' ELSE status END
WHERE id = $1 AND status IN ('received', 'processing')`, s.table)

	if _, err := s.pool.Exec(ctx, query, p.EventID, p.Expected, p.Completed, p.Failed); err != nil {
		return fmt.Errorf("%w: record progress %s: %w", webhook.ErrStorageWrite, p.EventID, err)
	}
	return nil
}

// Finalize writes the terminal decision. The metadata patch is merged into
// the stored document when it is a JSON object and replaces it otherwise.
// Repeating a finalize with the same status is a no-op; a different terminal
// status returns webhook.ErrTerminalConflict.
func (s *EventStore) Finalize(ctx context.Context, req webhook.FinalizeRequest) error {
	if !req.Status.IsTerminal() {
		return fmt.Errorf("finalize %s: status %q is not terminal", req.EventID, req.Status)
	}
	patch, err := json.Marshal(patchOrEmpty(req.Metadata))
	if err != nil {
		return fmt.Errorf("finalize %s: marshal metadata: %w", req.EventID, err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status          = $2,
	completed_count = $3,
	failed_count    = $4,
	completed_at    = $5,
	metadata        = CASE WHEN jsonb_typeof(metadata) = 'object'
	                       THEN metadata || $6::jsonb
	                       ELSE $6::jsonb END
WHERE id = $1 AND status NOT IN ('completed', 'partially_failed', 'failed')`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		req.EventID,
		string(req.Status),
		req.Completed,
		req.Failed,
		req.CompletedAt,
		string(patch),
	)
	if err != nil {
		return fmt.Errorf("%w: finalize %s: %w", webhook.ErrStorageWrite, req.EventID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.resolveNoop(ctx, req)
}

// resolveNoop explains a finalize that matched no row.
func (s *EventStore) resolveNoop(ctx context.Context, req webhook.FinalizeRequest) error {
	var stored string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table), req.EventID).Scan(&stored)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("finalize %s: %w", req.EventID, webhook.ErrNotFound)
	case err != nil:
		return fmt.Errorf("%w: finalize %s: read status: %w", webhook.ErrStorageWrite, req.EventID, err)
	case webhook.Status(stored) == req.Status:
		return nil
	case webhook.Status(stored).IsTerminal():
		return fmt.Errorf("finalize %s as %s (stored %s): %w", req.EventID, req.Status, stored, webhook.ErrTerminalConflict)
	default:
		return fmt.Errorf("%w: finalize %s: no row updated (status %s)", webhook.ErrStorageWrite, req.EventID, stored)
	}
}

// Purge deletes terminal events completed before the cutoff.
func (s *EventStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	query := fmt.Sprintf(`
DELETE FROM %s
WHERE status IN ('completed', 'partially_failed', 'failed') AND completed_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// metadataArg returns the jsonb parameter for raw, or nil for SQL NULL when
// raw is absent or not valid JSON.
func metadataArg(raw json.RawMessage) any {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return string(raw)
}

func patchOrEmpty(patch map[string]any) map[string]any {
	if patch == nil {
		return map[string]any{}
	}
	return patch
}
