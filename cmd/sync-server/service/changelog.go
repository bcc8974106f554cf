package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/sitesync/cmd/sync-server/repository"
	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
)

// appendLock serializes appends so that sequence order equals commit order
const appendLock = "sync_change_log_append"

// ChangeLogService owns the append-only sync-out log
type ChangeLogService struct {
	tx      repository.Transactor
	entries repository.ChangeLogStore
	records repository.RecordStore
	cursors repository.CursorStore
	log     *logger.Logger
}

// NewChangeLogService creates a new change log service
func NewChangeLogService(
	tx repository.Transactor,
	entries repository.ChangeLogStore,
	records repository.RecordStore,
	cursors repository.CursorStore,
	log *logger.Logger,
) *ChangeLogService {
	return &ChangeLogService{
		tx:      tx,
		entries: entries,
		records: records,
		cursors: cursors,
		log:     log,
	}
}

// RecordChange appends one entry per destination scope. It joins the
// transaction carried by ctx, so a failure rolls back the business write too.
func (s *ChangeLogService) RecordChange(ctx context.Context, table models.TableName, recordID string, action models.Action, scopes []string) ([]*models.ChangeLogEntry, error) {
	const op = "changelog.RecordChange"

	if !table.IsSyncable() {
		return nil, syncerr.Protocol(op, "table %q is not synced", table)
	}
	if recordID == "" {
		return nil, syncerr.Protocol(op, "record id is required")
	}
	if !action.Valid() {
		return nil, syncerr.Protocol(op, "unknown action %q", action)
	}

	scopes = dedupeScopes(scopes)
	if len(scopes) == 0 {
		return nil, syncerr.Protocol(op, "change to %s/%s has no destination scope", table, recordID)
	}

	entries := make([]*models.ChangeLogEntry, 0, len(scopes))
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.tx.AdvisoryXactLock(ctx, appendLock); err != nil {
			return err
		}

		for _, scope := range scopes {
			entry := &models.ChangeLogEntry{
				ID:        uuid.New(),
				TableName: table,
				RecordID:  recordID,
				Action:    action,
				SiteScope: scope,
			}
			if err := s.entries.Append(ctx, entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}

	s.log.Debug("recorded change",
		"table", table,
		"record_id", recordID,
		"action", action,
		"scopes", scopes,
		"first_sequence", entries[0].Sequence,
	)

	return entries, nil
}

// Write stores the row's latest payload in the mirror and records the change
// in one transaction. This is the path business code uses.
func (s *ChangeLogService) Write(ctx context.Context, change models.Change) ([]*models.ChangeLogEntry, error) {
	const op = "changelog.Write"

	if change.Action == models.ActionUpsert && len(change.Data) == 0 {
		return nil, syncerr.Protocol(op, "upsert of %s/%s carries no data", change.TableName, change.RecordID)
	}

	var entries []*models.ChangeLogEntry
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		entries, err = s.RecordChange(ctx, change.TableName, change.RecordID, change.Action, change.Scopes)
		if err != nil {
			return err
		}

		record := &models.MirrorRecord{
			TableName: change.TableName,
			RecordID:  change.RecordID,
			Scopes:    dedupeScopes(change.Scopes),
			Data:      change.Data,
			Deleted:   change.Action == models.ActionDelete,
		}
		if err := s.records.Upsert(ctx, record); err != nil {
			return syncerr.Storage(op, err)
		}
		return nil
	})
	if err != nil {
		if syncerr.KindOf(err) == "" {
			err = syncerr.Storage(op, err)
		}
		return nil, err
	}

	return entries, nil
}

// QueuedFor returns entries addressed to siteID after afterSequence
func (s *ChangeLogService) QueuedFor(ctx context.Context, siteID string, afterSequence int64, limit int) ([]*models.ChangeLogEntry, error) {
	entries, err := s.entries.ListByScope(ctx, siteID, afterSequence, limit)
	if err != nil {
		return nil, syncerr.Storage("changelog.QueuedFor", err)
	}
	return entries, nil
}

// CentralAfter returns broadcast entries after afterSequence
func (s *ChangeLogService) CentralAfter(ctx context.Context, afterSequence int64, limit int) ([]*models.ChangeLogEntry, error) {
	entries, err := s.entries.ListByScope(ctx, models.CentralScope, afterSequence, limit)
	if err != nil {
		return nil, syncerr.Storage("changelog.CentralAfter", err)
	}
	return entries, nil
}

// After dispatches to QueuedFor or CentralAfter
func (s *ChangeLogService) After(ctx context.Context, siteID string, stream models.Stream, afterSequence int64, limit int) ([]*models.ChangeLogEntry, error) {
	if stream == models.StreamCentral {
		return s.CentralAfter(ctx, afterSequence, limit)
	}
	return s.QueuedFor(ctx, siteID, afterSequence, limit)
}

// PruneAcknowledged deletes entries created before cutoff that every reader of
// their scope has acknowledged. Sites that were never initialised do not hold
// entries back; they start from a snapshot.
func (s *ChangeLogService) PruneAcknowledged(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "changelog.PruneAcknowledged"

	var total int64

	queued, err := s.cursors.ListByStream(ctx, models.StreamQueued)
	if err != nil {
		return 0, syncerr.Storage(op, err)
	}
	for _, c := range queued {
		if c.LastAcknowledged == 0 {
			continue
		}
		n, err := s.entries.DeleteUpTo(ctx, c.SiteID, c.LastAcknowledged, cutoff)
		if err != nil {
			return total, syncerr.Storage(op, err)
		}
		total += n
	}

	central, err := s.cursors.ListByStream(ctx, models.StreamCentral)
	if err != nil {
		return total, syncerr.Storage(op, err)
	}
	if len(central) > 0 {
		low := central[0].LastAcknowledged
		for _, c := range central[1:] {
			low = min(low, c.LastAcknowledged)
		}
		if low > 0 {
			n, err := s.entries.DeleteUpTo(ctx, models.CentralScope, low, cutoff)
			if err != nil {
				return total, syncerr.Storage(op, err)
			}
			total += n
		}
	}

	s.log.Info("pruned change log", "deleted", total, "cutoff", cutoff)
	return total, nil
}

// dedupeScopes drops empty and repeated scopes, keeping first-seen order
func dedupeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
