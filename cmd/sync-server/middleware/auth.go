package middleware

import (
	"context"
	"crypto/subtle"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/sitesync/common/logger"
	commonmw "github.com/lyzr/sitesync/common/middleware"
	"github.com/lyzr/sitesync/common/models"
)

// Authenticator checks site credentials
type Authenticator interface {
	Authenticate(ctx context.Context, username, password, hardwareID string) (*models.Site, error)
}

// SiteAuth authenticates a remote site with HTTP Basic credentials and the
// X-Site-Hardware-Id header, and stores the site id in the request context.
//
// Usage:
//
//	g := e.Group("/sync/v5", middleware.SiteAuth(siteService))
//
// Accessing in handlers:
//
//	siteID := middleware.GetSiteID(c)
func SiteAuth(auth Authenticator) echo.MiddlewareFunc {
	return echomw.BasicAuthWithConfig(echomw.BasicAuthConfig{
		Realm: "sitesync",
		Validator: func(username, password string, c echo.Context) (bool, error) {
			site, err := auth.Authenticate(
				c.Request().Context(),
				username,
				password,
				c.Request().Header.Get(models.HardwareIDHeader),
			)
			if err != nil {
				return false, err
			}

			c.Set(commonmw.SiteIDContextKey, site.ID)
			return true, nil
		},
	})
}

// GetSiteID returns the authenticated site, empty if none
func GetSiteID(c echo.Context) string {
	return commonmw.AuthenticatedSite(c)
}

// AdminAuth guards the operator API with a static bearer token. An empty
// token leaves the API open, which is only meant for development.
func AdminAuth(token string, log *logger.Logger) echo.MiddlewareFunc {
	if token == "" {
		log.Warn("SYNC_ADMIN_TOKEN is empty, admin API is unauthenticated")
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	return echomw.KeyAuthWithConfig(echomw.KeyAuthConfig{
		KeyLookup:  "header:Authorization",
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
	})
}
