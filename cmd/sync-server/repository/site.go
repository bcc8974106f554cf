package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/sitesync/common/db"
	"github.com/lyzr/sitesync/common/models"
)

// SiteRepository handles database operations for the site registry
type SiteRepository struct {
	db *db.DB
}

// NewSiteRepository creates a new site repository
func NewSiteRepository(db *db.DB) *SiteRepository {
	return &SiteRepository{db: db}
}

const siteColumns = `id, username, password_hash, hardware_id, last_contact, created_at`

func scanSite(row interface{ Scan(dest ...any) error }) (*models.Site, error) {
	s := &models.Site{}
	err := row.Scan(
		&s.ID,
		&s.Username,
		&s.PasswordHash,
		&s.HardwareID,
		&s.LastContact,
		&s.CreatedAt,
	)
	return s, err
}

// Get retrieves a site by id, nil if unknown
func (r *SiteRepository) Get(ctx context.Context, id string) (*models.Site, error) {
	return r.getBy(ctx, "id", id)
}

// GetByUsername retrieves a site by its login, nil if unknown
func (r *SiteRepository) GetByUsername(ctx context.Context, username string) (*models.Site, error) {
	return r.getBy(ctx, "username", username)
}

func (r *SiteRepository) getBy(ctx context.Context, column, value string) (*models.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sync_site WHERE ` + column + ` = $1`

	site, err := scanSite(r.db.Conn(ctx).QueryRow(ctx, query, value))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}

	return site, nil
}

// Create inserts a new site
func (r *SiteRepository) Create(ctx context.Context, site *models.Site) error {
	query := `
		INSERT INTO sync_site (id, username, password_hash, hardware_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := r.db.Conn(ctx).QueryRow(ctx, query,
		site.ID,
		site.Username,
		site.PasswordHash,
		site.HardwareID,
	).Scan(&site.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create site: %w", err)
	}

	return nil
}

// BindHardware records the hardware id on first contact
func (r *SiteRepository) BindHardware(ctx context.Context, id, hardwareID string) (bool, error) {
	query := `UPDATE sync_site SET hardware_id = $2 WHERE id = $1 AND hardware_id IS NULL`

	result, err := r.db.Conn(ctx).Exec(ctx, query, id, hardwareID)
	if err != nil {
		return false, fmt.Errorf("failed to bind hardware id: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// Touch records the time of the site's latest request
func (r *SiteRepository) Touch(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sync_site SET last_contact = $2 WHERE id = $1`

	if _, err := r.db.Conn(ctx).Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to touch site: %w", err)
	}

	return nil
}

// List retrieves every registered site
func (r *SiteRepository) List(ctx context.Context) ([]*models.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sync_site ORDER BY id ASC`

	rows, err := r.db.Conn(ctx).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []*models.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, site)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sites: %w", err)
	}

	return sites, nil
}
