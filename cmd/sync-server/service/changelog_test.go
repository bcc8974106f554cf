package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChangeLogService(m *memStore) *ChangeLogService {
	return NewChangeLogService(m, memChangeLog{m}, memRecords{m}, memCursors{m}, logger.NewDiscard())
}

func upsert(table models.TableName, id string, data string, scopes ...string) models.Change {
	return models.Change{
		TableName: table,
		RecordID:  id,
		Action:    models.ActionUpsert,
		Data:      json.RawMessage(data),
		Scopes:    scopes,
	}
}

func TestRecordChangeValidates(t *testing.T) {
	svc := newChangeLogService(newMemStore())
	ctx := context.Background()

	_, err := svc.RecordChange(ctx, "sessions", "s-1", models.ActionUpsert, []string{"A"})
	assert.ErrorIs(t, err, syncerr.ErrProtocol)

	_, err = svc.RecordChange(ctx, models.TableItem, "", models.ActionUpsert, []string{"A"})
	assert.ErrorIs(t, err, syncerr.ErrProtocol)

	_, err = svc.RecordChange(ctx, models.TableItem, "item-1", "patch", []string{"A"})
	assert.ErrorIs(t, err, syncerr.ErrProtocol)

	_, err = svc.RecordChange(ctx, models.TableItem, "item-1", models.ActionUpsert, []string{"", ""})
	assert.ErrorIs(t, err, syncerr.ErrProtocol)
}

func TestRecordChangeAppendsOnePerScope(t *testing.T) {
	m := newMemStore()
	svc := newChangeLogService(m)
	ctx := context.Background()

	entries, err := svc.RecordChange(ctx, models.TableInvoice, "inv-1", models.ActionUpsert, []string{"A", "B", "A"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "A", entries[0].SiteScope)
	assert.Equal(t, "B", entries[1].SiteScope)
	assert.Less(t, entries[0].Sequence, entries[1].Sequence)

	queued, err := svc.QueuedFor(ctx, "B", 0, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, entries[1].ID, queued[0].ID)
}

func TestWriteStoresMirrorRow(t *testing.T) {
	m := newMemStore()
	svc := newChangeLogService(m)
	ctx := context.Background()

	_, err := svc.Write(ctx, upsert(models.TableItem, "item-1", `{"code":"PCM"}`, models.CentralScope))
	require.NoError(t, err)

	rows, err := memRecords{m}.GetMany(ctx, []models.RecordKey{{TableName: models.TableItem, RecordID: "item-1"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	for _, row := range rows {
		assert.JSONEq(t, `{"code":"PCM"}`, string(row.Data))
		assert.False(t, row.Deleted)
	}

	central, err := svc.CentralAfter(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, central, 1)
}

func TestWriteRejectsUpsertWithoutData(t *testing.T) {
	svc := newChangeLogService(newMemStore())

	_, err := svc.Write(context.Background(), upsert(models.TableItem, "item-1", "", "A"))
	assert.ErrorIs(t, err, syncerr.ErrProtocol)
}

func TestWriteRollsBackWhenAppendFails(t *testing.T) {
	m := newMemStore()
	m.failAppend = errors.New("disk full")
	svc := newChangeLogService(m)
	ctx := context.Background()

	_, err := svc.Write(ctx, upsert(models.TableItem, "item-1", `{}`, "A"))
	require.ErrorIs(t, err, syncerr.ErrStorage)

	rows, err := memRecords{m}.GetMany(ctx, []models.RecordKey{{TableName: models.TableItem, RecordID: "item-1"}})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPruneAcknowledgedKeepsUnreadEntries(t *testing.T) {
	m := newMemStore()
	svc := newChangeLogService(m)
	ctx := context.Background()

	for _, id := range []string{"inv-1", "inv-2", "inv-3"} {
		_, err := svc.Write(ctx, upsert(models.TableInvoice, id, `{}`, "A"))
		require.NoError(t, err)
	}
	_, err := svc.Write(ctx, upsert(models.TableItem, "item-1", `{}`, models.CentralScope))
	require.NoError(t, err)

	cursors := memCursors{m}
	_, err = cursors.Reset(ctx, "A", models.StreamQueued, 0)
	require.NoError(t, err)
	_, err = cursors.Reset(ctx, "A", models.StreamCentral, 0)
	require.NoError(t, err)
	require.NoError(t, cursors.MarkDelivered(ctx, "A", models.StreamQueued, 3))
	_, ok, err := cursors.Acknowledge(ctx, "A", models.StreamQueued, 2)
	require.NoError(t, err)
	require.True(t, ok)

	before, err := memChangeLog{m}.MaxSequence(ctx)
	require.NoError(t, err)

	deleted, err := svc.PruneAcknowledged(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := svc.QueuedFor(ctx, "A", 0, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "inv-3", remaining[0].RecordID)

	central, err := svc.CentralAfter(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, central, 1, "central entry is unacknowledged")

	after, err := memChangeLog{m}.MaxSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPruneAcknowledgedRespectsCutoff(t *testing.T) {
	m := newMemStore()
	svc := newChangeLogService(m)
	ctx := context.Background()

	_, err := svc.Write(ctx, upsert(models.TableInvoice, "inv-1", `{}`, "A"))
	require.NoError(t, err)

	cursors := memCursors{m}
	_, err = cursors.Reset(ctx, "A", models.StreamQueued, 1)
	require.NoError(t, err)

	deleted, err := svc.PruneAcknowledged(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
