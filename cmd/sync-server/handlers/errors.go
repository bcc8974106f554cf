package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
)

// HTTPErrorHandler renders every failed request as models.ErrorResponse.
// Handlers return classified errors and leave the status code to this.
func HTTPErrorHandler(log *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			log.Error("request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", status,
				"error", err)
		} else {
			log.Debug("request rejected", "path", c.Path(), "status", status, "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			log.Warn("failed to write error response", "error", err)
		}
	}
}

func errorResponse(err error) (int, models.ErrorResponse) {
	var he *echo.HTTPError
	if errors.As(err, &he) && syncerr.KindOf(err) == "" {
		return he.Code, models.ErrorResponse{
			Error:   codeForStatus(he.Code),
			Message: fmt.Sprint(he.Message),
		}
	}

	kind := syncerr.KindOf(err)
	if kind == "" {
		kind = syncerr.KindStorage
	}
	return syncerr.HTTPStatus(err), models.ErrorResponse{
		Error:   string(kind),
		Message: err.Error(),
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return string(syncerr.KindProtocol)
	case http.StatusUnauthorized, http.StatusForbidden:
		return string(syncerr.KindForbidden)
	case http.StatusTooManyRequests:
		return string(syncerr.KindRateLimited)
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// notFound is returned for unknown documents and heads
func notFound(format string, args ...any) error {
	return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// badRequest wraps a binding failure
func badRequest(op string, err error) error {
	return syncerr.Protocol(op, "invalid request: %v", err)
}
