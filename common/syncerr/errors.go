// Package syncerr defines the error taxonomy shared by the sync server, the
// site agent and the HTTP client that sits between them.
//
// Every error crossing a component boundary is converted explicitly with one of
// the constructors below; callers branch on the kind with errors.Is:
//
//	if errors.Is(err, syncerr.ErrConcurrentModification) { ... }
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a sync failure
type Kind string

const (
	KindStorage                Kind = "storage_error"
	KindProtocol               Kind = "protocol_error"
	KindForbidden              Kind = "forbidden"
	KindSiteNotInitialised     Kind = "site_not_initialised"
	KindConcurrentModification Kind = "concurrent_modification"
	KindTransport              Kind = "transport_error"
	KindRateLimited            Kind = "rate_limited"
)

// Sentinels for errors.Is
var (
	ErrStorage                = &Error{Kind: KindStorage}
	ErrProtocol               = &Error{Kind: KindProtocol}
	ErrForbidden              = &Error{Kind: KindForbidden}
	ErrSiteNotInitialised     = &Error{Kind: KindSiteNotInitialised}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
	ErrTransport              = &Error{Kind: KindTransport}
	ErrRateLimited            = &Error{Kind: KindRateLimited}
)

// Error is a classified sync error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Storage wraps a local persistence failure
func Storage(op string, err error) error { return newError(KindStorage, op, err) }

// Protocol reports a malformed or out-of-range request
func Protocol(op string, format string, args ...any) error {
	return newError(KindProtocol, op, fmt.Errorf(format, args...))
}

// Forbidden reports a caller that may not sync for the requested site
func Forbidden(op string, format string, args ...any) error {
	return newError(KindForbidden, op, fmt.Errorf(format, args...))
}

// SiteNotInitialised reports a site without cursors on a non-initialise call
func SiteNotInitialised(op, siteID string) error {
	return newError(KindSiteNotInitialised, op, fmt.Errorf("site %s has not been initialised", siteID))
}

// ConcurrentModification reports a lost head compare-and-swap
func ConcurrentModification(op string, format string, args ...any) error {
	return newError(KindConcurrentModification, op, fmt.Errorf(format, args...))
}

// Transport wraps a network failure or timeout
func Transport(op string, err error) error { return newError(KindTransport, op, err) }

// RateLimited reports a request rejected by the per-site limiter
func RateLimited(op string, err error) error { return newError(KindRateLimited, op, err) }

// KindOf returns the kind of err, or "" when err is not classified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuthorization reports whether err halts a site's sync loop
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrSiteNotInitialised)
}

// IsTransient reports whether err should simply be retried on the next tick
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindStorage, KindRateLimited, "":
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status code used on the wire
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindProtocol:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindSiteNotInitialised, KindConcurrentModification:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTP rebuilds a classified error from a wire error code
func FromHTTP(op string, status int, code, message string) error {
	kind := Kind(code)
	switch kind {
	case KindStorage, KindProtocol, KindForbidden, KindSiteNotInitialised,
		KindConcurrentModification, KindRateLimited:
	default:
		switch status {
		case http.StatusForbidden, http.StatusUnauthorized:
			kind = KindForbidden
		case http.StatusBadRequest:
			kind = KindProtocol
		case http.StatusTooManyRequests:
			kind = KindRateLimited
		default:
			kind = KindTransport
		}
	}
	return newError(kind, op, fmt.Errorf("status=%d: %s", status, message))
}
