package ratelimit

import "fmt"

// Scope identifies which counter a check increments
type Scope string

const (
	ScopeSite      Scope = "site"
	ScopeDocuments Scope = "documents"
)

// Window is a limit over a fixed number of seconds
type Window struct {
	Limit         int64
	WindowSeconds int
}

// DefaultWindows applies when a caller passes no explicit limit
var DefaultWindows = map[Scope]Window{
	ScopeSite:      {Limit: 600, WindowSeconds: 60},
	ScopeDocuments: {Limit: 120, WindowSeconds: 60},
}

// WindowFor returns the configured window for scope, falling back to the
// most restrictive one
func WindowFor(scope Scope) Window {
	if w, ok := DefaultWindows[scope]; ok {
		return w
	}
	return DefaultWindows[ScopeDocuments]
}

// Key formats the Redis key for a scope and subject
func Key(scope Scope, subject string) string {
	return fmt.Sprintf("rate_limit:%s:%s", scope, subject)
}
