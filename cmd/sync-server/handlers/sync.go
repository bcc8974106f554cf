package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/sitesync/cmd/sync-server/middleware"
	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
)

// SyncAPI is the protocol service behind the /sync/v5 endpoints
type SyncAPI interface {
	Authorize(authenticatedSiteID, requestedSiteID string) (string, error)
	Initialise(ctx context.Context, siteID string) (*models.Snapshot, error)
	QueuedRecords(ctx context.Context, siteID string) (*models.Batch, error)
	CentralRecords(ctx context.Context, siteID string) (*models.Batch, error)
	Acknowledge(ctx context.Context, siteID string, stream models.Stream, upTo int64) (*models.SyncCursor, error)
	Status(ctx context.Context, siteID string) (*models.SiteStatus, error)
}

// SyncHandler handles the site-facing sync protocol
type SyncHandler struct {
	sync SyncAPI
	log  *logger.Logger
}

// NewSyncHandler creates a new sync protocol handler
func NewSyncHandler(sync SyncAPI, log *logger.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, log: log}
}

// site binds a SiteRequest and checks it against the credentials
func (h *SyncHandler) site(c echo.Context, op string) (string, error) {
	var req models.SiteRequest
	if err := c.Bind(&req); err != nil {
		return "", badRequest(op, err)
	}
	return h.sync.Authorize(middleware.GetSiteID(c), req.SiteID)
}

// Initialise hands the site a snapshot and resets its cursors
// POST /sync/v5/initialise
func (h *SyncHandler) Initialise(c echo.Context) error {
	siteID, err := h.site(c, "initialise")
	if err != nil {
		return err
	}

	snapshot, err := h.sync.Initialise(c.Request().Context(), siteID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, snapshot)
}

// QueuedRecords returns the next batch scoped to the site
// GET|POST /sync/v5/queued_records
func (h *SyncHandler) QueuedRecords(c echo.Context) error {
	siteID, err := h.site(c, "queued_records")
	if err != nil {
		return err
	}

	batch, err := h.sync.QueuedRecords(c.Request().Context(), siteID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, batch)
}

// CentralRecords returns the next batch of broadcast records
// GET|POST /sync/v5/central_records
func (h *SyncHandler) CentralRecords(c echo.Context) error {
	siteID, err := h.site(c, "central_records")
	if err != nil {
		return err
	}

	batch, err := h.sync.CentralRecords(c.Request().Context(), siteID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, batch)
}

// AcknowledgeRecords advances one stream's cursor
// POST /sync/v5/acknowledged_records
func (h *SyncHandler) AcknowledgeRecords(c echo.Context) error {
	var req models.AcknowledgeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("acknowledged_records", err)
	}

	siteID, err := h.sync.Authorize(middleware.GetSiteID(c), req.SiteID)
	if err != nil {
		return err
	}

	cursor, err := h.sync.Acknowledge(c.Request().Context(), siteID, req.Stream, req.UpToSequence)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.AcknowledgeResponse{
		Acknowledged: true,
		Cursor:       *cursor,
	})
}

// Status reports the site's cursors and lag
// GET /sync/v5/status?site_id=...
func (h *SyncHandler) Status(c echo.Context) error {
	siteID, err := h.site(c, "status")
	if err != nil {
		return err
	}

	status, err := h.sync.Status(c.Request().Context(), siteID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, status)
}
