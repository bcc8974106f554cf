package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/sitesync/cmd/sync-server/container"
	"github.com/lyzr/sitesync/cmd/sync-server/handlers"
	"github.com/lyzr/sitesync/cmd/sync-server/middleware"
	commonmw "github.com/lyzr/sitesync/common/middleware"
	"github.com/lyzr/sitesync/common/ratelimit"
)

// documentRateLimit is requests per caller per window on the document API
const documentRateLimit = 120

// RegisterDocumentRoutes registers the versioned document API
func RegisterDocumentRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewDocumentHandler(c.DocumentService, c.Components.Logger)

	auth := middleware.AdminAuth(c.Components.Config.Sync.AdminToken, c.Components.Logger)
	limit := commonmw.RateLimitMiddleware(c.RateLimiter, ratelimit.ScopeDocuments, documentRateLimit, commonmw.RemoteIP)

	documents := e.Group("/api/v1/documents", auth, limit)
	{
		documents.POST("", h.CreateDocument)            // POST /api/v1/documents
		documents.GET("/:id", h.GetDocument)            // GET /api/v1/documents/{id}
		documents.GET("/:id/ancestors", h.GetAncestors) // GET /api/v1/documents/{id}/ancestors?limit=
	}

	heads := e.Group("/api/v1/heads", auth, limit)
	{
		heads.GET("", h.GetHead)          // GET /api/v1/heads?name=&store=
		heads.PUT("", h.UpdateHead)       // PUT /api/v1/heads
		heads.POST("/merge", h.MergeHead) // POST /api/v1/heads/merge
	}
}
