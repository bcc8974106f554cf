package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/sitesync/cmd/sync-server/container"
	"github.com/lyzr/sitesync/cmd/sync-server/handlers"
	"github.com/lyzr/sitesync/cmd/sync-server/middleware"
	commonmw "github.com/lyzr/sitesync/common/middleware"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/ratelimit"
)

// RegisterSyncRoutes registers the site-facing /sync/v5 protocol
func RegisterSyncRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewSyncHandler(c.SyncService, c.Components.Logger)

	// Sites authenticate first so the limiter charges the right counter
	sync := e.Group(models.SyncPathPrefix)
	sync.Use(middleware.SiteAuth(c.SiteService))
	sync.Use(commonmw.RateLimitMiddleware(
		c.RateLimiter,
		ratelimit.ScopeSite,
		c.Components.Config.Sync.SiteRateLimit,
		commonmw.AuthenticatedSite,
	))
	{
		sync.POST("/initialise", h.Initialise)                   // POST /sync/v5/initialise
		sync.GET("/queued_records", h.QueuedRecords)             // GET /sync/v5/queued_records?site_id=
		sync.POST("/queued_records", h.QueuedRecords)            // POST /sync/v5/queued_records
		sync.GET("/central_records", h.CentralRecords)           // GET /sync/v5/central_records?site_id=
		sync.POST("/central_records", h.CentralRecords)          // POST /sync/v5/central_records
		sync.POST("/acknowledged_records", h.AcknowledgeRecords) // POST /sync/v5/acknowledged_records
		sync.GET("/status", h.Status)                            // GET /sync/v5/status?site_id=
	}
}
