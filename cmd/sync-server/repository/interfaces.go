package repository

import (
	"context"
	"time"

	"github.com/lyzr/sitesync/common/models"
)

// Transactor runs work inside a database transaction carried by ctx
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	WithSnapshotTx(ctx context.Context, fn func(ctx context.Context) error) error
	AdvisoryXactLock(ctx context.Context, name string) error
}

// ChangeLogStore persists the append-only sync-out log
type ChangeLogStore interface {
	// Append assigns entry.Sequence and entry.CreatedAt
	Append(ctx context.Context, entry *models.ChangeLogEntry) error
	ListByScope(ctx context.Context, scope string, afterSequence int64, limit int) ([]*models.ChangeLogEntry, error)
	MaxSequence(ctx context.Context) (int64, error)
	MaxSequenceForScope(ctx context.Context, scope string) (int64, error)
	// DeleteUpTo removes entries of scope with sequence <= sequence that were
	// created before createdBefore
	DeleteUpTo(ctx context.Context, scope string, sequence int64, createdBefore time.Time) (int64, error)
}

// CursorStore persists per-site, per-stream acknowledgment cursors
type CursorStore interface {
	// Get returns nil when the site has never been initialised
	Get(ctx context.Context, siteID string, stream models.Stream) (*models.SyncCursor, error)
	ListBySite(ctx context.Context, siteID string) ([]*models.SyncCursor, error)
	ListByStream(ctx context.Context, stream models.Stream) ([]*models.SyncCursor, error)
	Reset(ctx context.Context, siteID string, stream models.Stream, sequence int64) (*models.SyncCursor, error)

	// MarkDelivered raises LastDelivered and sets the state to syncing
	MarkDelivered(ctx context.Context, siteID string, stream models.Stream, sequence int64) error

	// Acknowledge raises LastAcknowledged to upTo only while
	// LastAcknowledged <= upTo <= LastDelivered; false means nothing changed
	Acknowledge(ctx context.Context, siteID string, stream models.Stream, upTo int64) (*models.SyncCursor, bool, error)
}

// RecordStore persists the latest payload of every synced row
type RecordStore interface {
	Upsert(ctx context.Context, record *models.MirrorRecord) error
	GetMany(ctx context.Context, keys []models.RecordKey) (map[models.RecordKey]*models.MirrorRecord, error)
	// ListVisible returns live rows whose scopes overlap scopes
	ListVisible(ctx context.Context, scopes []string) ([]*models.MirrorRecord, error)
}

// SiteStore persists the registry of remote sites
type SiteStore interface {
	// Get returns nil when the site is unknown
	Get(ctx context.Context, id string) (*models.Site, error)
	GetByUsername(ctx context.Context, username string) (*models.Site, error)
	Create(ctx context.Context, site *models.Site) error
	// BindHardware records hardwareID if the site has none yet
	BindHardware(ctx context.Context, id, hardwareID string) (bool, error)
	Touch(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context) ([]*models.Site, error)
}

// DocumentStore persists immutable documents
type DocumentStore interface {
	// Insert reports false when a document with the same id already exists
	Insert(ctx context.Context, doc *models.Document) (bool, error)
	// Get returns nil when the id is unknown
	Get(ctx context.Context, id string) (*models.Document, error)
	GetMany(ctx context.Context, ids []string) (map[string]*models.Document, error)
}

// HeadStore persists the mutable (name, store) -> document pointers
type HeadStore interface {
	// Get returns nil when no head exists
	Get(ctx context.Context, name, storeID string) (*models.DocumentHead, error)
	// Create reports false when a head already exists
	Create(ctx context.Context, head *models.DocumentHead) (bool, error)
	// CompareAndSwap moves the head only if it still points at expectedID
	CompareAndSwap(ctx context.Context, name, storeID, expectedID, newID string) (*models.DocumentHead, bool, error)
}
