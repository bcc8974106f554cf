package models

import "time"

// Stream is one of the two independent histories a site consumes
type Stream string

const (
	// StreamQueued carries entries scoped to the requesting site
	StreamQueued Stream = "queued"
	// StreamCentral carries broadcast entries
	StreamCentral Stream = "central"
)

// Valid reports whether s names a known stream
func (s Stream) Valid() bool {
	return s == StreamQueued || s == StreamCentral
}

// Streams lists every stream in the order a cycle consumes them
var Streams = []Stream{StreamQueued, StreamCentral}

// CursorState is the per-stream protocol state of a remote site
type CursorState string

const (
	CursorInitialising CursorState = "initialising"
	CursorSyncing      CursorState = "syncing"
)

// SyncCursor is a per-site, per-stream acknowledgment watermark
// Maps to: sync_cursor table
type SyncCursor struct {
	SiteID string `db:"site_id" json:"site_id"`
	Stream Stream `db:"stream" json:"stream"`

	// Never decreases
	LastAcknowledged int64 `db:"last_acknowledged" json:"last_acknowledged"`

	// Highest sequence included in any response to this site
	LastDelivered int64 `db:"last_delivered" json:"last_delivered"`

	State     CursorState `db:"state" json:"state"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// Site is a remote site allowed to sync
// Maps to: sync_site table
type Site struct {
	ID           string     `db:"id" json:"id"`
	Username     string     `db:"username" json:"username"`
	PasswordHash string     `db:"password_hash" json:"-"`
	HardwareID   *string    `db:"hardware_id" json:"hardware_id,omitempty"`
	LastContact  *time.Time `db:"last_contact" json:"last_contact,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}
