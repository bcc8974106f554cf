package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/sitesync/cmd/sync-server/service"
	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
)

// SiteAPI manages registered sites
type SiteAPI interface {
	Register(ctx context.Context, req service.RegisterSiteRequest) (*models.Site, error)
	List(ctx context.Context) ([]*models.Site, error)
}

// ChangeAPI records business writes and maintains the change log
type ChangeAPI interface {
	Write(ctx context.Context, change models.Change) ([]*models.ChangeLogEntry, error)
	PruneAcknowledged(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatusAPI reports a site's sync progress
type StatusAPI interface {
	Status(ctx context.Context, siteID string) (*models.SiteStatus, error)
}

// AdminHandler serves the operator API
type AdminHandler struct {
	sites   SiteAPI
	changes ChangeAPI
	status  StatusAPI
	log     *logger.Logger
	now     func() time.Time
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(sites SiteAPI, changes ChangeAPI, status StatusAPI, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		sites:   sites,
		changes: changes,
		status:  status,
		log:     log,
		now:     time.Now,
	}
}

// RegisterSite creates a site and its credentials
// POST /api/v1/sites
func (h *AdminHandler) RegisterSite(c echo.Context) error {
	var req service.RegisterSiteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("sites.Register", err)
	}

	site, err := h.sites.Register(c.Request().Context(), req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, site)
}

// ListSites lists registered sites
// GET /api/v1/sites
func (h *AdminHandler) ListSites(c echo.Context) error {
	sites, err := h.sites.List(c.Request().Context())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"sites": sites,
		"count": len(sites),
	})
}

// SiteStatus reports any site's cursors and lag
// GET /api/v1/sites/:id/status
func (h *AdminHandler) SiteStatus(c echo.Context) error {
	status, err := h.status.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, status)
}

// RecordChange stores a business write and appends it to the change log
// POST /api/v1/changes
func (h *AdminHandler) RecordChange(c echo.Context) error {
	var change models.Change
	if err := c.Bind(&change); err != nil {
		return badRequest("changes.Record", err)
	}

	entries, err := h.changes.Write(c.Request().Context(), change)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"entries": entries,
	})
}

// Prune deletes acknowledged change log entries older than older_than
// POST /api/v1/maintenance/prune?older_than=24h
func (h *AdminHandler) Prune(c echo.Context) error {
	olderThan := 24 * time.Hour
	if raw := c.QueryParam("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return syncerr.Protocol("maintenance.Prune", "invalid older_than %q", raw)
		}
		olderThan = d
	}

	cutoff := h.now().Add(-olderThan)
	deleted, err := h.changes.PruneAcknowledged(c.Request().Context(), cutoff)
	if err != nil {
		return err
	}

	h.log.Info("pruned change log on request", "deleted", deleted, "cutoff", cutoff)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deleted": deleted,
		"cutoff":  cutoff,
	})
}
