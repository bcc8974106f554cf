package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/sitesync/cmd/sync-server/container"
	"github.com/lyzr/sitesync/cmd/sync-server/handlers"
	"github.com/lyzr/sitesync/cmd/sync-server/middleware"
)

// RegisterAdminRoutes registers site management and change log maintenance
func RegisterAdminRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewAdminHandler(c.SiteService, c.ChangeLogService, c.SyncService, c.Components.Logger)

	admin := e.Group("/api/v1", middleware.AdminAuth(c.Components.Config.Sync.AdminToken, c.Components.Logger))
	{
		admin.POST("/sites", h.RegisterSite)         // POST /api/v1/sites
		admin.GET("/sites", h.ListSites)             // GET /api/v1/sites
		admin.GET("/sites/:id/status", h.SiteStatus) // GET /api/v1/sites/{id}/status
		admin.POST("/changes", h.RecordChange)       // POST /api/v1/changes
		admin.POST("/maintenance/prune", h.Prune)    // POST /api/v1/maintenance/prune?older_than=
	}
}
