package service

import (
	"context"
	"time"

	"github.com/lyzr/sitesync/cmd/sync-server/repository"
	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
)

// SyncOptions tunes the protocol server
type SyncOptions struct {
	BatchSize     int
	CentralSiteID string
	AckLockTTL    time.Duration
}

// SyncService implements the server side of the /sync/v5 protocol
type SyncService struct {
	tx         repository.Transactor
	changes    *ChangeLogService
	entries    repository.ChangeLogStore
	cursors    repository.CursorStore
	records    repository.RecordStore
	sites      repository.SiteStore
	visibility *VisibilityFilter
	locker     Locker
	opts       SyncOptions
	log        *logger.Logger
	now        func() time.Time
}

// NewSyncService creates a new sync protocol service
func NewSyncService(
	tx repository.Transactor,
	changes *ChangeLogService,
	entries repository.ChangeLogStore,
	cursors repository.CursorStore,
	records repository.RecordStore,
	sites repository.SiteStore,
	visibility *VisibilityFilter,
	locker Locker,
	opts SyncOptions,
	log *logger.Logger,
) *SyncService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.AckLockTTL <= 0 {
		opts.AckLockTTL = 10 * time.Second
	}
	if opts.CentralSiteID == "" {
		opts.CentralSiteID = models.CentralScope
	}

	return &SyncService{
		tx:         tx,
		changes:    changes,
		entries:    entries,
		cursors:    cursors,
		records:    records,
		sites:      sites,
		visibility: visibility,
		locker:     locker,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// Authorize checks that the authenticated site may act for requestedSiteID and
// returns the site id to use. An empty request means "myself".
func (s *SyncService) Authorize(authenticatedSiteID, requestedSiteID string) (string, error) {
	const op = "sync.Authorize"

	if requestedSiteID == "" {
		requestedSiteID = authenticatedSiteID
	}
	if authenticatedSiteID == "" || requestedSiteID != authenticatedSiteID {
		return "", syncerr.Forbidden(op, "credentials of site %q cannot sync site %q", authenticatedSiteID, requestedSiteID)
	}
	if requestedSiteID == s.opts.CentralSiteID || requestedSiteID == models.CentralScope {
		return "", syncerr.Forbidden(op, "site id %q is reserved for the central server", requestedSiteID)
	}
	return requestedSiteID, nil
}

// Initialise hands siteID a full snapshot of the rows it may see and places
// both cursors at the sequence the snapshot was taken at. Calling it again
// restarts the site from a fresh snapshot.
func (s *SyncService) Initialise(ctx context.Context, siteID string) (*models.Snapshot, error) {
	const op = "sync.Initialise"

	snapshot := &models.Snapshot{SiteID: siteID, Records: []models.SyncRecord{}}

	err := s.tx.WithSnapshotTx(ctx, func(ctx context.Context) error {
		maxSeq, err := s.entries.MaxSequence(ctx)
		if err != nil {
			return syncerr.Storage(op, err)
		}

		rows, err := s.records.ListVisible(ctx, []string{siteID, models.CentralScope})
		if err != nil {
			return syncerr.Storage(op, err)
		}

		for _, row := range rows {
			ok, err := s.visibility.Visible(siteID, row.TableName, row.RecordID, row.Scopes)
			if err != nil {
				return syncerr.Storage(op, err)
			}
			if !ok {
				continue
			}
			snapshot.Records = append(snapshot.Records, models.SyncRecord{
				TableName: row.TableName,
				RecordID:  row.RecordID,
				Action:    models.ActionUpsert,
				Data:      row.Data,
			})
		}

		for _, stream := range models.Streams {
			if _, err := s.cursors.Reset(ctx, siteID, stream, maxSeq); err != nil {
				return syncerr.Storage(op, err)
			}
		}

		snapshot.QueuedCursor = maxSeq
		snapshot.CentralCursor = maxSeq
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}

	snapshot.TakenAt = s.now().UTC()
	s.touch(ctx, siteID)

	s.log.WithSiteID(siteID).Info("site initialised",
		"records", len(snapshot.Records),
		"cursor", snapshot.QueuedCursor,
	)

	return snapshot, nil
}

// QueuedRecords returns the next batch of entries addressed to siteID
func (s *SyncService) QueuedRecords(ctx context.Context, siteID string) (*models.Batch, error) {
	return s.nextBatch(ctx, siteID, models.StreamQueued)
}

// CentralRecords returns the next batch of broadcast entries
func (s *SyncService) CentralRecords(ctx context.Context, siteID string) (*models.Batch, error) {
	return s.nextBatch(ctx, siteID, models.StreamCentral)
}

// nextBatch reads after the acknowledged cursor, so anything delivered but
// not acknowledged is delivered again.
func (s *SyncService) nextBatch(ctx context.Context, siteID string, stream models.Stream) (*models.Batch, error) {
	op := "sync." + string(stream) + "_records"

	cursor, err := s.cursors.Get(ctx, siteID, stream)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}
	if cursor == nil {
		return nil, syncerr.SiteNotInitialised(op, siteID)
	}

	entries, err := s.changes.After(ctx, siteID, stream, cursor.LastAcknowledged, s.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	batch := &models.Batch{
		Stream:  stream,
		Records: make([]models.SyncRecord, 0, len(entries)),
		More:    len(entries) == s.opts.BatchSize,
	}
	if len(entries) == 0 {
		if cursor.State == models.CursorInitialising {
			if err := s.cursors.MarkDelivered(ctx, siteID, stream, cursor.LastDelivered); err != nil {
				return nil, syncerr.Storage(op, err)
			}
		}
		s.touch(ctx, siteID)
		return batch, nil
	}
	batch.MaxSequence = entries[len(entries)-1].Sequence

	keys := make([]models.RecordKey, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, models.RecordKey{TableName: e.TableName, RecordID: e.RecordID})
	}
	rows, err := s.records.GetMany(ctx, keys)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}

	log := s.log.WithSiteID(siteID).WithStream(string(stream))
	for _, e := range entries {
		record, ok, err := s.toSyncRecord(siteID, e, rows)
		if err != nil {
			return nil, syncerr.Storage(op, err)
		}
		if !ok {
			log.Debug("entry withheld from site", "sequence", e.Sequence, "table", e.TableName, "record_id", e.RecordID)
			continue
		}
		batch.Records = append(batch.Records, record)
	}

	if err := s.cursors.MarkDelivered(ctx, siteID, stream, batch.MaxSequence); err != nil {
		return nil, syncerr.Storage(op, err)
	}
	s.touch(ctx, siteID)

	log.Debug("batch delivered",
		"after", cursor.LastAcknowledged,
		"records", len(batch.Records),
		"max_sequence", batch.MaxSequence,
		"more", batch.More,
	)

	return batch, nil
}

// toSyncRecord joins an entry with the row's current payload. Entries the
// site may not see, or whose row was never mirrored, are withheld; they still
// count toward the batch's MaxSequence so they can be acknowledged.
func (s *SyncService) toSyncRecord(siteID string, e *models.ChangeLogEntry, rows map[models.RecordKey]*models.MirrorRecord) (models.SyncRecord, bool, error) {
	row := rows[models.RecordKey{TableName: e.TableName, RecordID: e.RecordID}]

	scopes := []string{e.SiteScope}
	if row != nil {
		scopes = row.Scopes
	}
	visible, err := s.visibility.Visible(siteID, e.TableName, e.RecordID, scopes)
	if err != nil || !visible {
		return models.SyncRecord{}, false, err
	}

	record := models.SyncRecord{
		Sequence:  e.Sequence,
		TableName: e.TableName,
		RecordID:  e.RecordID,
		Action:    e.Action,
	}

	switch {
	case e.Action == models.ActionDelete:
	case row == nil:
		s.log.Warn("change log entry has no mirrored row", "sequence", e.Sequence, "table", e.TableName, "record_id", e.RecordID)
		return models.SyncRecord{}, false, nil
	case row.Deleted:
		// deleted since this entry was written; the later delete entry follows
		record.Action = models.ActionDelete
	default:
		record.Data = row.Data
	}

	return record, true, nil
}

// Acknowledge records that siteID applied stream up to upTo. upTo must lie in
// [LastAcknowledged, LastDelivered]; the other stream is never touched.
func (s *SyncService) Acknowledge(ctx context.Context, siteID string, stream models.Stream, upTo int64) (*models.SyncCursor, error) {
	const op = "sync.Acknowledge"

	if !stream.Valid() {
		return nil, syncerr.Protocol(op, "unknown stream %q", stream)
	}

	unlock, err := s.locker.Lock(ctx, "sync:ack:"+siteID, s.opts.AckLockTTL)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}
	defer unlock()

	cursor, err := s.cursors.Get(ctx, siteID, stream)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}
	if cursor == nil {
		return nil, syncerr.SiteNotInitialised(op, siteID)
	}

	if upTo < cursor.LastAcknowledged || upTo > cursor.LastDelivered {
		return nil, syncerr.Protocol(op,
			"acknowledgment %d outside [%d, %d] for %s stream of %s",
			upTo, cursor.LastAcknowledged, cursor.LastDelivered, stream, siteID)
	}

	updated, ok, err := s.cursors.Acknowledge(ctx, siteID, stream, upTo)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}
	if !ok {
		// another replica moved the cursor between our read and the update
		return nil, syncerr.Protocol(op, "acknowledgment %d no longer valid for %s stream of %s", upTo, stream, siteID)
	}

	s.touch(ctx, siteID)
	s.log.WithSiteID(siteID).Debug("acknowledged",
		"stream", stream,
		"from", cursor.LastAcknowledged,
		"to", updated.LastAcknowledged,
	)

	return updated, nil
}

// Status reports a site's cursors and how far behind each stream is
func (s *SyncService) Status(ctx context.Context, siteID string) (*models.SiteStatus, error) {
	const op = "sync.Status"

	site, err := s.sites.Get(ctx, siteID)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}

	cursors, err := s.cursors.ListBySite(ctx, siteID)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}

	status := &models.SiteStatus{
		SiteID:  siteID,
		Cursors: make([]models.SyncCursor, 0, len(cursors)),
		Lag:     make(map[models.Stream]int64, len(cursors)),
	}
	if site != nil {
		status.LastContact = site.LastContact
	}

	for _, c := range cursors {
		status.Cursors = append(status.Cursors, *c)

		scope := siteID
		if c.Stream == models.StreamCentral {
			scope = models.CentralScope
		}
		head, err := s.entries.MaxSequenceForScope(ctx, scope)
		if err != nil {
			return nil, syncerr.Storage(op, err)
		}
		status.Lag[c.Stream] = max(head-c.LastAcknowledged, 0)
	}

	return status, nil
}

// touch records the site's latest contact; failures are only logged
func (s *SyncService) touch(ctx context.Context, siteID string) {
	if err := s.sites.Touch(ctx, siteID, s.now().UTC()); err != nil {
		s.log.WithSiteID(siteID).Warn("failed to record last contact", "error", err)
	}
}

// classify keeps an already classified error, otherwise reports storage
func classify(op string, err error) error {
	if syncerr.KindOf(err) != "" {
		return err
	}
	return syncerr.Storage(op, err)
}
