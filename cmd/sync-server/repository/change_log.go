package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/sitesync/common/db"
	"github.com/lyzr/sitesync/common/models"
)

// ChangeLogRepository handles database operations for the change log
type ChangeLogRepository struct {
	db *db.DB
}

// NewChangeLogRepository creates a new change log repository
func NewChangeLogRepository(db *db.DB) *ChangeLogRepository {
	return &ChangeLogRepository{db: db}
}

// Append inserts one entry; the sequence is assigned by the database
func (r *ChangeLogRepository) Append(ctx context.Context, entry *models.ChangeLogEntry) error {
	query := `
		INSERT INTO sync_change_log (id, table_name, record_id, action, site_scope)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING sequence, created_at
	`

	err := r.db.Conn(ctx).QueryRow(ctx, query,
		entry.ID,
		entry.TableName,
		entry.RecordID,
		entry.Action,
		entry.SiteScope,
	).Scan(&entry.Sequence, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append change log entry: %w", err)
	}

	return nil
}

// ListByScope returns entries of scope after afterSequence, oldest first
func (r *ChangeLogRepository) ListByScope(ctx context.Context, scope string, afterSequence int64, limit int) ([]*models.ChangeLogEntry, error) {
	query := `
		SELECT sequence, id, table_name, record_id, action, site_scope, created_at
		FROM sync_change_log
		WHERE site_scope = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`

	rows, err := r.db.Conn(ctx).Query(ctx, query, scope, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list change log: %w", err)
	}
	defer rows.Close()

	var entries []*models.ChangeLogEntry
	for rows.Next() {
		entry := &models.ChangeLogEntry{}
		if err := rows.Scan(
			&entry.Sequence,
			&entry.ID,
			&entry.TableName,
			&entry.RecordID,
			&entry.Action,
			&entry.SiteScope,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan change log entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change log: %w", err)
	}

	return entries, nil
}

// MaxSequence returns the highest committed sequence visible to ctx's
// snapshot (0 when empty). Pruned entries were delivered first, so the
// cursors remember them.
func (r *ChangeLogRepository) MaxSequence(ctx context.Context) (int64, error) {
	query := `
		SELECT GREATEST(
			COALESCE((SELECT MAX(sequence) FROM sync_change_log), 0),
			COALESCE((SELECT MAX(last_delivered) FROM sync_cursor), 0)
		)
	`

	var max int64
	if err := r.db.Conn(ctx).QueryRow(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	return max, nil
}

// MaxSequenceForScope returns the highest sequence of scope still stored
func (r *ChangeLogRepository) MaxSequenceForScope(ctx context.Context, scope string) (int64, error) {
	query := `SELECT COALESCE(MAX(sequence), 0) FROM sync_change_log WHERE site_scope = $1`

	var max int64
	if err := r.db.Conn(ctx).QueryRow(ctx, query, scope).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max sequence for scope %s: %w", scope, err)
	}
	return max, nil
}

// DeleteUpTo removes acknowledged entries of scope (retention only)
func (r *ChangeLogRepository) DeleteUpTo(ctx context.Context, scope string, sequence int64, createdBefore time.Time) (int64, error) {
	query := `
		DELETE FROM sync_change_log
		WHERE site_scope = $1 AND sequence <= $2 AND created_at < $3
	`

	result, err := r.db.Conn(ctx).Exec(ctx, query, scope, sequence, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to prune change log for scope %s: %w", scope, err)
	}

	return result.RowsAffected(), nil
}
