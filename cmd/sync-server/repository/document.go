package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lyzr/sitesync/common/db"
	"github.com/lyzr/sitesync/common/models"
)

// DocumentRepository handles database operations for immutable documents
type DocumentRepository struct {
	db *db.DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *db.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `id, name, parents, author, authored_at, type, data, schema_id`

func scanDocument(row interface{ Scan(dest ...any) error }) (*models.Document, error) {
	d := &models.Document{}
	var (
		data       []byte
		authoredAt *time.Time
	)
	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Parents,
		&d.Author,
		&authoredAt,
		&d.Type,
		&data,
		&d.Schema,
	)
	if err != nil {
		return nil, err
	}
	d.Data = json.RawMessage(data)
	if authoredAt != nil {
		d.Timestamp = models.NormalizeTimestamp(*authoredAt)
	}
	if d.Parents == nil {
		d.Parents = []string{}
	}
	return d, nil
}

// Insert stores a document; an existing id is left untouched
func (r *DocumentRepository) Insert(ctx context.Context, doc *models.Document) (bool, error) {
	query := `
		INSERT INTO document (id, name, parents, author, authored_at, type, data, schema_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	parents := doc.Parents
	if parents == nil {
		parents = []string{}
	}
	var authoredAt *time.Time
	if !doc.Timestamp.IsZero() {
		authoredAt = &doc.Timestamp
	}

	result, err := r.db.Conn(ctx).Exec(ctx, query,
		doc.ID,
		doc.Name,
		parents,
		doc.Author,
		authoredAt,
		doc.Type,
		string(doc.Data),
		doc.Schema,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert document: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// Get retrieves a document by id, nil if unknown
func (r *DocumentRepository) Get(ctx context.Context, id string) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM document WHERE id = $1`

	doc, err := scanDocument(r.db.Conn(ctx).QueryRow(ctx, query, id))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return doc, nil
}

// GetMany retrieves documents by id; unknown ids are omitted
func (r *DocumentRepository) GetMany(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	result := make(map[string]*models.Document, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := `SELECT ` + documentColumns + ` FROM document WHERE id = ANY($1::text[])`

	rows, err := r.db.Conn(ctx).Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		result[doc.ID] = doc
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return result, nil
}
