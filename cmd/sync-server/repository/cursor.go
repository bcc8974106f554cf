package repository

import (
	"context"
	"fmt"

	"github.com/lyzr/sitesync/common/db"
	"github.com/lyzr/sitesync/common/models"
)

// CursorRepository handles database operations for sync cursors
type CursorRepository struct {
	db *db.DB
}

// NewCursorRepository creates a new cursor repository
func NewCursorRepository(db *db.DB) *CursorRepository {
	return &CursorRepository{db: db}
}

const cursorColumns = `site_id, stream, last_acknowledged, last_delivered, state, updated_at`

func scanCursor(row interface{ Scan(dest ...any) error }) (*models.SyncCursor, error) {
	c := &models.SyncCursor{}
	err := row.Scan(
		&c.SiteID,
		&c.Stream,
		&c.LastAcknowledged,
		&c.LastDelivered,
		&c.State,
		&c.UpdatedAt,
	)
	return c, err
}

// Get retrieves the cursor of one stream, nil if absent
func (r *CursorRepository) Get(ctx context.Context, siteID string, stream models.Stream) (*models.SyncCursor, error) {
	query := `SELECT ` + cursorColumns + ` FROM sync_cursor WHERE site_id = $1 AND stream = $2`

	c, err := scanCursor(r.db.Conn(ctx).QueryRow(ctx, query, siteID, stream))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	return c, nil
}

// ListBySite retrieves both cursors of a site
func (r *CursorRepository) ListBySite(ctx context.Context, siteID string) ([]*models.SyncCursor, error) {
	query := `SELECT ` + cursorColumns + ` FROM sync_cursor WHERE site_id = $1 ORDER BY stream DESC`
	return r.list(ctx, query, siteID)
}

// ListByStream retrieves the cursor of every site for one stream
func (r *CursorRepository) ListByStream(ctx context.Context, stream models.Stream) ([]*models.SyncCursor, error) {
	query := `SELECT ` + cursorColumns + ` FROM sync_cursor WHERE stream = $1 ORDER BY site_id ASC`
	return r.list(ctx, query, stream)
}

func (r *CursorRepository) list(ctx context.Context, query string, arg any) ([]*models.SyncCursor, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []*models.SyncCursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors = append(cursors, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cursors: %w", err)
	}

	return cursors, nil
}

// Reset places a stream at sequence in the initialising state
func (r *CursorRepository) Reset(ctx context.Context, siteID string, stream models.Stream, sequence int64) (*models.SyncCursor, error) {
	query := `
		INSERT INTO sync_cursor (site_id, stream, last_acknowledged, last_delivered, state, updated_at)
		VALUES ($1, $2, $3, $3, $4, NOW())
		ON CONFLICT (site_id, stream) DO UPDATE
		SET last_acknowledged = EXCLUDED.last_acknowledged,
		    last_delivered = EXCLUDED.last_delivered,
		    state = EXCLUDED.state,
		    updated_at = NOW()
		RETURNING ` + cursorColumns

	c, err := scanCursor(r.db.Conn(ctx).QueryRow(ctx, query, siteID, stream, sequence, models.CursorInitialising))
	if err != nil {
		return nil, fmt.Errorf("failed to reset cursor: %w", err)
	}

	return c, nil
}

// MarkDelivered raises last_delivered and moves the cursor out of
// initialising; a lower value never overwrites a higher one
func (r *CursorRepository) MarkDelivered(ctx context.Context, siteID string, stream models.Stream, sequence int64) error {
	query := `
		UPDATE sync_cursor
		SET last_delivered = GREATEST(last_delivered, $3), state = $4, updated_at = NOW()
		WHERE site_id = $1 AND stream = $2
	`

	if _, err := r.db.Conn(ctx).Exec(ctx, query, siteID, stream, sequence, models.CursorSyncing); err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}

	return nil
}

// Acknowledge performs a conditional update (CAS on the valid range)
func (r *CursorRepository) Acknowledge(ctx context.Context, siteID string, stream models.Stream, upTo int64) (*models.SyncCursor, bool, error) {
	query := `
		UPDATE sync_cursor
		SET last_acknowledged = $3, state = $4, updated_at = NOW()
		WHERE site_id = $1 AND stream = $2
		  AND last_acknowledged <= $3 AND $3 <= last_delivered
		RETURNING ` + cursorColumns

	c, err := scanCursor(r.db.Conn(ctx).QueryRow(ctx, query, siteID, stream, upTo, models.CursorSyncing))
	if db.IsNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acknowledge: %w", err)
	}

	return c, true, nil
}
