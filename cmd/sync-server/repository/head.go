package repository

import (
	"context"
	"fmt"

	"github.com/lyzr/sitesync/common/db"
	"github.com/lyzr/sitesync/common/models"
)

// HeadRepository handles database operations for document heads
type HeadRepository struct {
	db *db.DB
}

// NewHeadRepository creates a new head repository
func NewHeadRepository(db *db.DB) *HeadRepository {
	return &HeadRepository{db: db}
}

const headColumns = `name, store_id, document_id, version, updated_at`

func scanHead(row interface{ Scan(dest ...any) error }) (*models.DocumentHead, error) {
	h := &models.DocumentHead{}
	err := row.Scan(
		&h.Name,
		&h.StoreID,
		&h.DocumentID,
		&h.Version,
		&h.UpdatedAt,
	)
	return h, err
}

// Get retrieves the head of (name, store), nil if none
func (r *HeadRepository) Get(ctx context.Context, name, storeID string) (*models.DocumentHead, error) {
	query := `SELECT ` + headColumns + ` FROM document_head WHERE name = $1 AND store_id = $2`

	head, err := scanHead(r.db.Conn(ctx).QueryRow(ctx, query, name, storeID))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}

	return head, nil
}

// Create inserts the first head of (name, store); false if one already exists
func (r *HeadRepository) Create(ctx context.Context, head *models.DocumentHead) (bool, error) {
	query := `
		INSERT INTO document_head (name, store_id, document_id, version, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (name, store_id) DO NOTHING
		RETURNING version, updated_at
	`

	err := r.db.Conn(ctx).QueryRow(ctx, query, head.Name, head.StoreID, head.DocumentID).
		Scan(&head.Version, &head.UpdatedAt)
	if db.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create head: %w", err)
	}

	return true, nil
}

// CompareAndSwap performs an optimistic update (CAS operation)
func (r *HeadRepository) CompareAndSwap(ctx context.Context, name, storeID, expectedID, newID string) (*models.DocumentHead, bool, error) {
	query := `
		UPDATE document_head
		SET document_id = $4, version = version + 1, updated_at = NOW()
		WHERE name = $1 AND store_id = $2 AND document_id = $3
		RETURNING ` + headColumns

	head, err := scanHead(r.db.Conn(ctx).QueryRow(ctx, query, name, storeID, expectedID, newID))
	if db.IsNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to swap head: %w", err)
	}

	return head, true, nil
}
