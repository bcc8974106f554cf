package models

import "time"

// AgentStatus is the coarse health of a site agent
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentSyncing AgentStatus = "syncing"
	// AgentDelayed means the last cycle failed and will be retried on the next tick
	AgentDelayed AgentStatus = "delayed"
	// AgentHalted means the server refused the site; only an operator resume restarts it
	AgentHalted AgentStatus = "halted"
)

// SiteState is the sync progress a site agent persists locally
// Maps to: sync_state table (site database)
type SiteState struct {
	Initialised        bool        `json:"initialised"`
	QueuedCursor       int64       `json:"queued_cursor"`
	CentralCursor      int64       `json:"central_cursor"`
	Status             AgentStatus `json:"status"`
	LastError          string      `json:"last_error,omitempty"`
	LastSuccessfulSync *time.Time  `json:"last_successful_sync,omitempty"`
}

// Cursor returns the last acknowledged sequence of stream
func (s SiteState) Cursor(stream Stream) int64 {
	if stream == StreamCentral {
		return s.CentralCursor
	}
	return s.QueuedCursor
}

// WithCursor returns s with the cursor of stream set to seq
func (s SiteState) WithCursor(stream Stream, seq int64) SiteState {
	if stream == StreamCentral {
		s.CentralCursor = seq
	} else {
		s.QueuedCursor = seq
	}
	return s
}
