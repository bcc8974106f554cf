package models

import (
	"encoding/json"
	"time"
)

// Wire constants shared by the server routes and the site client
const (
	SyncPathPrefix   = "/sync/v5"
	HardwareIDHeader = "X-Site-Hardware-Id"
)

// SyncRecord is a change log entry joined with the row payload it refers to
type SyncRecord struct {
	Sequence  int64           `json:"sequence"`
	TableName TableName       `json:"table_name"`
	RecordID  string          `json:"record_id"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Batch is one page of a stream
type Batch struct {
	Stream  Stream       `json:"stream"`
	Records []SyncRecord `json:"records"`

	// Highest sequence covered by this batch, including entries filtered out
	// for the site. Zero for an empty batch.
	MaxSequence int64 `json:"max_sequence"`

	// More is set when the batch was cut at the configured size
	More bool `json:"more"`
}

// Snapshot is the full state handed to a site on initialise
type Snapshot struct {
	SiteID        string       `json:"site_id"`
	Records       []SyncRecord `json:"records"`
	QueuedCursor  int64        `json:"queued_cursor"`
	CentralCursor int64        `json:"central_cursor"`
	TakenAt       time.Time    `json:"taken_at"`
}

// Cursor returns the initial cursor of a stream
func (s *Snapshot) Cursor(stream Stream) int64 {
	if stream == StreamCentral {
		return s.CentralCursor
	}
	return s.QueuedCursor
}

// SiteRequest identifies the site a sync call is made for
type SiteRequest struct {
	SiteID string `json:"site_id" query:"site_id" form:"site_id"`
}

// AcknowledgeRequest reports a fully applied prefix of a stream
type AcknowledgeRequest struct {
	SiteID       string `json:"site_id"`
	Stream       Stream `json:"stream"`
	UpToSequence int64  `json:"up_to_sequence"`
}

// AcknowledgeResponse carries the cursor after an acknowledgment
type AcknowledgeResponse struct {
	Acknowledged bool       `json:"acknowledged"`
	Cursor       SyncCursor `json:"cursor"`
}

// SiteStatus summarizes a site's progress for operators
type SiteStatus struct {
	SiteID      string           `json:"site_id"`
	LastContact *time.Time       `json:"last_contact,omitempty"`
	Cursors     []SyncCursor     `json:"cursors"`
	Lag         map[Stream]int64 `json:"lag"`
}

// ErrorResponse is the body of every failed sync or document call
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
