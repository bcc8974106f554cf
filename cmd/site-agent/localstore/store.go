// Package localstore is the site agent's SQLite replica of the records the
// central server delivers, plus the agent's persisted sync progress.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
)

//go:embed schema.sql
var schemaSQL string

// Store provides durable storage for replicated records.
// Uses SQLite with WAL mode; every apply runs in one transaction.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the site database at path and applies the schema.
//
// The database is configured with:
//   - WAL mode so `site-agent status` can read while a cycle writes
//   - 5-second busy timeout for lock contention
//   - a single connection, SQLite allows one writer at a time
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ApplySnapshot replaces every local record with the snapshot's contents
func (s *Store) ApplySnapshot(ctx context.Context, records []models.SyncRecord) error {
	return s.withTx(ctx, "apply_snapshot", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_record`); err != nil {
			return fmt.Errorf("failed to clear records: %w", err)
		}
		for _, rec := range records {
			if rec.Action == models.ActionDelete {
				continue
			}
			if err := s.upsert(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyBatch replays records in order. Upserts overwrite by (table, record_id)
// and deleting an absent row is a no-op, so reapplying a batch changes nothing.
func (s *Store) ApplyBatch(ctx context.Context, records []models.SyncRecord) error {
	for _, rec := range records {
		if !rec.Action.Valid() {
			return syncerr.Protocol("apply_batch", "record %s/%s has unknown action %q", rec.TableName, rec.RecordID, rec.Action)
		}
	}

	return s.withTx(ctx, "apply_batch", func(tx *sql.Tx) error {
		for _, rec := range records {
			if rec.Action == models.ActionDelete {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM sync_record WHERE table_name = ? AND record_id = ?`,
					string(rec.TableName), rec.RecordID,
				); err != nil {
					return fmt.Errorf("failed to delete %s/%s: %w", rec.TableName, rec.RecordID, err)
				}
				continue
			}
			if err := s.upsert(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, rec models.SyncRecord) error {
	var data any
	if len(rec.Data) > 0 {
		data = string(rec.Data)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_record (table_name, record_id, data, sequence, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (table_name, record_id) DO UPDATE SET
			data = excluded.data,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at`,
		string(rec.TableName), rec.RecordID, data, rec.Sequence, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", rec.TableName, rec.RecordID, err)
	}
	return nil
}

// Get returns the local copy of a record, or nil when it is absent
func (s *Store) Get(ctx context.Context, table models.TableName, recordID string) (*models.SyncRecord, error) {
	var (
		data sql.NullString
		rec  = models.SyncRecord{TableName: table, RecordID: recordID, Action: models.ActionUpsert}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, sequence FROM sync_record WHERE table_name = ? AND record_id = ?`,
		string(table), recordID,
	).Scan(&data, &rec.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Storage("get_record", err)
	}
	if data.Valid {
		rec.Data = []byte(data.String)
	}
	return &rec, nil
}

// Count returns the number of local records
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_record`).Scan(&n); err != nil {
		return 0, syncerr.Storage("count_records", err)
	}
	return n, nil
}

// LoadState reads the persisted agent progress
func (s *Store) LoadState(ctx context.Context) (models.SiteState, error) {
	var (
		state       models.SiteState
		initialised int
		status      string
		lastSync    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT initialised, queued_cursor, central_cursor, status, last_error, last_successful_sync
		FROM sync_state WHERE id = 1`,
	).Scan(&initialised, &state.QueuedCursor, &state.CentralCursor, &status, &state.LastError, &lastSync)
	if err != nil {
		return state, syncerr.Storage("load_state", err)
	}

	state.Initialised = initialised != 0
	state.Status = models.AgentStatus(status)
	if lastSync.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastSync.String)
		if err != nil {
			return state, syncerr.Storage("load_state", fmt.Errorf("invalid last_successful_sync %q: %w", lastSync.String, err))
		}
		state.LastSuccessfulSync = &t
	}
	return state, nil
}

// SaveState persists the agent progress
func (s *Store) SaveState(ctx context.Context, state models.SiteState) error {
	var lastSync any
	if state.LastSuccessfulSync != nil {
		lastSync = formatTime(*state.LastSuccessfulSync)
	}
	initialised := 0
	if state.Initialised {
		initialised = 1
	}
	if state.Status == "" {
		state.Status = models.AgentIdle
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_state SET
			initialised = ?,
			queued_cursor = ?,
			central_cursor = ?,
			status = ?,
			last_error = ?,
			last_successful_sync = ?
		WHERE id = 1`,
		initialised, state.QueuedCursor, state.CentralCursor, string(state.Status), state.LastError, lastSync,
	)
	if err != nil {
		return syncerr.Storage("save_state", err)
	}
	return nil
}

// withTx runs fn in one transaction; a failure leaves the database untouched
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Storage(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return syncerr.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return syncerr.Storage(op, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
