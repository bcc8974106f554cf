package service

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lyzr/sitesync/common/models"
)

// memStore implements every repository interface in memory. Transactions
// snapshot the maps and restore them when fn fails.
type memStore struct {
	// txMu serializes top-level transactions; a rollback restores the
	// whole snapshot
	txMu sync.Mutex

	mu      sync.Mutex
	seq     int64
	entries []models.ChangeLogEntry
	cursors map[cursorKey]models.SyncCursor
	records map[models.RecordKey]models.MirrorRecord
	sites   map[string]models.Site
	docs    map[string]models.Document
	heads   map[string]models.DocumentHead
	now     func() time.Time

	// failAppend makes Append fail, to exercise rollback
	failAppend error

	// acked lists accepted acknowledgments in the order they were applied
	acked []int64
}

type cursorKey struct {
	site   string
	stream models.Stream
}

type memTxKey struct{}

func newMemStore() *memStore {
	return &memStore{
		cursors: map[cursorKey]models.SyncCursor{},
		records: map[models.RecordKey]models.MirrorRecord{},
		sites:   map[string]models.Site{},
		docs:    map[string]models.Document{},
		heads:   map[string]models.DocumentHead{},
		now:     time.Now,
	}
}

// Transactor

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	saved := m.snapshot()
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.restore(saved)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) WithSnapshotTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.WithTx(ctx, fn)
}

func (m *memStore) AdvisoryXactLock(ctx context.Context, name string) error { return nil }

type memState struct {
	seq     int64
	entries []models.ChangeLogEntry
	cursors map[cursorKey]models.SyncCursor
	records map[models.RecordKey]models.MirrorRecord
	sites   map[string]models.Site
	docs    map[string]models.Document
	heads   map[string]models.DocumentHead
}

func (m *memStore) snapshot() memState {
	return memState{
		seq:     m.seq,
		entries: slices.Clone(m.entries),
		cursors: maps.Clone(m.cursors),
		records: maps.Clone(m.records),
		sites:   maps.Clone(m.sites),
		docs:    maps.Clone(m.docs),
		heads:   maps.Clone(m.heads),
	}
}

func (m *memStore) restore(s memState) {
	// sequences are not reused after a rollback, as in Postgres
	m.entries = s.entries
	m.cursors = s.cursors
	m.records = s.records
	m.sites = s.sites
	m.docs = s.docs
	m.heads = s.heads
}

// ChangeLogStore

type memChangeLog struct{ *memStore }

func (m memChangeLog) Append(ctx context.Context, entry *models.ChangeLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}
	m.seq++
	entry.Sequence = m.seq
	entry.CreatedAt = m.now().UTC()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m memChangeLog) ListByScope(ctx context.Context, scope string, after int64, limit int) ([]*models.ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ChangeLogEntry
	for _, e := range m.entries {
		if e.SiteScope == scope && e.Sequence > after {
			e := e
			out = append(out, &e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m memChangeLog) MaxSequence(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var high int64
	for _, e := range m.entries {
		high = max(high, e.Sequence)
	}
	for _, c := range m.cursors {
		high = max(high, c.LastDelivered)
	}
	return high, nil
}

func (m memChangeLog) MaxSequenceForScope(ctx context.Context, scope string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var high int64
	for _, e := range m.entries {
		if e.SiteScope == scope {
			high = max(high, e.Sequence)
		}
	}
	return high, nil
}

func (m memChangeLog) DeleteUpTo(ctx context.Context, scope string, sequence int64, createdBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	kept := m.entries[:0:0]
	for _, e := range m.entries {
		if e.SiteScope == scope && e.Sequence <= sequence && e.CreatedAt.Before(createdBefore) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return deleted, nil
}

// CursorStore

type memCursors struct{ *memStore }

func (m memCursors) Get(ctx context.Context, siteID string, stream models.Stream) (*models.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[cursorKey{siteID, stream}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m memCursors) ListBySite(ctx context.Context, siteID string) ([]*models.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SyncCursor
	for _, stream := range models.Streams {
		if c, ok := m.cursors[cursorKey{siteID, stream}]; ok {
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m memCursors) ListByStream(ctx context.Context, stream models.Stream) ([]*models.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SyncCursor
	for k, c := range m.cursors {
		if k.stream == stream {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out, nil
}

func (m memCursors) Reset(ctx context.Context, siteID string, stream models.Stream, sequence int64) (*models.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := models.SyncCursor{
		SiteID:           siteID,
		Stream:           stream,
		LastAcknowledged: sequence,
		LastDelivered:    sequence,
		State:            models.CursorInitialising,
		UpdatedAt:        m.now().UTC(),
	}
	m.cursors[cursorKey{siteID, stream}] = c
	return &c, nil
}

func (m memCursors) MarkDelivered(ctx context.Context, siteID string, stream models.Stream, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cursorKey{siteID, stream}
	c, ok := m.cursors[k]
	if !ok {
		return nil
	}
	c.LastDelivered = max(c.LastDelivered, sequence)
	c.State = models.CursorSyncing
	m.cursors[k] = c
	return nil
}

func (m memCursors) Acknowledge(ctx context.Context, siteID string, stream models.Stream, upTo int64) (*models.SyncCursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cursorKey{siteID, stream}
	c, ok := m.cursors[k]
	if !ok || upTo < c.LastAcknowledged || upTo > c.LastDelivered {
		return nil, false, nil
	}
	c.LastAcknowledged = upTo
	c.State = models.CursorSyncing
	m.cursors[k] = c
	m.acked = append(m.acked, upTo)
	return &c, true, nil
}

// RecordStore

type memRecords struct{ *memStore }

func (m memRecords) Upsert(ctx context.Context, record *models.MirrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *record
	r.UpdatedAt = m.now().UTC()
	m.records[models.RecordKey{TableName: r.TableName, RecordID: r.RecordID}] = r
	return nil
}

func (m memRecords) GetMany(ctx context.Context, keys []models.RecordKey) (map[models.RecordKey]*models.MirrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.RecordKey]*models.MirrorRecord, len(keys))
	for _, k := range keys {
		if r, ok := m.records[k]; ok {
			out[k] = &r
		}
	}
	return out, nil
}

func (m memRecords) ListVisible(ctx context.Context, scopes []string) ([]*models.MirrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MirrorRecord
	for _, r := range m.records {
		if r.Deleted {
			continue
		}
		for _, s := range r.Scopes {
			if slices.Contains(scopes, s) {
				r := r
				out = append(out, &r)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TableName != out[j].TableName {
			return out[i].TableName < out[j].TableName
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out, nil
}

// SiteStore

type memSites struct{ *memStore }

func (m memSites) Get(ctx context.Context, id string) (*models.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m memSites) GetByUsername(ctx context.Context, username string) (*models.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sites {
		if s.Username == username {
			return &s, nil
		}
	}
	return nil, nil
}

func (m memSites) Create(ctx context.Context, site *models.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	site.CreatedAt = m.now().UTC()
	m.sites[site.ID] = *site
	return nil
}

func (m memSites) BindHardware(ctx context.Context, id, hardwareID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[id]
	if !ok || s.HardwareID != nil {
		return false, nil
	}
	s.HardwareID = &hardwareID
	m.sites[id] = s
	return true, nil
}

func (m memSites) Touch(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sites[id]; ok {
		s.LastContact = &at
		m.sites[id] = s
	}
	return nil
}

func (m memSites) List(ctx context.Context) ([]*models.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Site
	for _, s := range m.sites {
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DocumentStore

type memDocs struct{ *memStore }

func (m memDocs) Insert(ctx context.Context, doc *models.Document) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; ok {
		return false, nil
	}
	m.docs[doc.ID] = *doc
	return true, nil
}

func (m memDocs) Get(ctx context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m memDocs) GetMany(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.Document, len(ids))
	for _, id := range ids {
		if d, ok := m.docs[id]; ok {
			out[id] = &d
		}
	}
	return out, nil
}

// HeadStore

type memHeads struct{ *memStore }

func (m memHeads) Get(ctx context.Context, name, storeID string) (*models.DocumentHead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.heads[models.HeadKey(name, storeID)]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m memHeads) Create(ctx context.Context, head *models.DocumentHead) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := models.HeadKey(head.Name, head.StoreID)
	if _, ok := m.heads[key]; ok {
		return false, nil
	}
	head.Version = 1
	head.UpdatedAt = m.now().UTC()
	m.heads[key] = *head
	return true, nil
}

func (m memHeads) CompareAndSwap(ctx context.Context, name, storeID, expectedID, newID string) (*models.DocumentHead, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := models.HeadKey(name, storeID)
	h, ok := m.heads[key]
	if !ok || h.DocumentID != expectedID {
		return nil, false, nil
	}
	h.DocumentID = newID
	h.Version++
	h.UpdatedAt = m.now().UTC()
	m.heads[key] = h
	return &h, true, nil
}
