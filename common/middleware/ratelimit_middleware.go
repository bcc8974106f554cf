package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/ratelimit"
	"github.com/lyzr/sitesync/common/syncerr"
)

// SiteIDContextKey is where the auth middleware stores the authenticated site
const SiteIDContextKey = "site_id"

// SubjectFunc picks the counter a request is charged to. Empty skips limiting.
type SubjectFunc func(c echo.Context) string

// AuthenticatedSite charges requests to the site set by the auth middleware
func AuthenticatedSite(c echo.Context) string {
	siteID, _ := c.Get(SiteIDContextKey).(string)
	return siteID
}

// RemoteIP charges requests to the caller address
func RemoteIP(c echo.Context) string {
	return c.RealIP()
}

// RateLimitMiddleware rejects requests once subject exceeds limit within the
// scope's window. Limiter failures let the request through, and a limit of
// zero disables the check.
func RateLimitMiddleware(limiter ratelimit.Limiter, scope ratelimit.Scope, limit int64, subject SubjectFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil || limit <= 0 {
				return next(c)
			}

			key := subject(c)
			if key == "" {
				return next(c)
			}

			result, err := limiter.Check(c.Request().Context(), scope, key, limit)
			if err != nil {
				// fail open
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
				return c.JSON(http.StatusTooManyRequests, models.ErrorResponse{
					Error:   string(syncerr.KindRateLimited),
					Message: "request quota exceeded, retry after " + strconv.FormatInt(result.RetryAfterSeconds, 10) + "s",
				})
			}

			return next(c)
		}
	}
}
