package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/sitesync/common/db"
	"github.com/lyzr/sitesync/common/models"
)

// RecordRepository handles database operations for the record mirror
type RecordRepository struct {
	db *db.DB
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db *db.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Upsert stores the latest payload of a row (a delete keeps the row as a tombstone)
func (r *RecordRepository) Upsert(ctx context.Context, record *models.MirrorRecord) error {
	query := `
		INSERT INTO sync_record (table_name, record_id, scopes, data, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (table_name, record_id) DO UPDATE
		SET scopes = EXCLUDED.scopes,
		    data = EXCLUDED.data,
		    deleted = EXCLUDED.deleted,
		    updated_at = NOW()
		RETURNING updated_at
	`

	var data any
	if !record.Deleted && len(record.Data) > 0 {
		data = string(record.Data)
	}

	err := r.db.Conn(ctx).QueryRow(ctx, query,
		record.TableName,
		record.RecordID,
		record.Scopes,
		data,
		record.Deleted,
	).Scan(&record.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", record.TableName, record.RecordID, err)
	}

	return nil
}

// GetMany retrieves mirror rows by key; missing keys are omitted
func (r *RecordRepository) GetMany(ctx context.Context, keys []models.RecordKey) (map[models.RecordKey]*models.MirrorRecord, error) {
	result := make(map[models.RecordKey]*models.MirrorRecord, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	tables := make([]string, len(keys))
	ids := make([]string, len(keys))
	for i, k := range keys {
		tables[i] = string(k.TableName)
		ids[i] = k.RecordID
	}

	query := `
		SELECT r.table_name, r.record_id, r.scopes, r.data, r.deleted, r.updated_at
		FROM sync_record r
		JOIN UNNEST($1::text[], $2::text[]) AS k(table_name, record_id)
		  ON r.table_name = k.table_name AND r.record_id = k.record_id
	`

	records, err := r.query(ctx, query, tables, ids)
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		result[models.RecordKey{TableName: rec.TableName, RecordID: rec.RecordID}] = rec
	}
	return result, nil
}

// ListVisible returns live rows whose scopes overlap scopes
func (r *RecordRepository) ListVisible(ctx context.Context, scopes []string) ([]*models.MirrorRecord, error) {
	query := `
		SELECT table_name, record_id, scopes, data, deleted, updated_at
		FROM sync_record
		WHERE NOT deleted AND scopes && $1::text[]
		ORDER BY table_name ASC, record_id ASC
	`
	return r.query(ctx, query, scopes)
}

func (r *RecordRepository) query(ctx context.Context, query string, args ...any) ([]*models.MirrorRecord, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*models.MirrorRecord
	for rows.Next() {
		rec := &models.MirrorRecord{}
		var data []byte
		if err := rows.Scan(
			&rec.TableName,
			&rec.RecordID,
			&rec.Scopes,
			&data,
			&rec.Deleted,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if data != nil {
			rec.Data = json.RawMessage(data)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}
