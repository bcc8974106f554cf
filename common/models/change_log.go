package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action is the mutation a change log entry replays
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	return a == ActionUpsert || a == ActionDelete
}

// CentralScope is the broadcast destination every site reads
const CentralScope = "central"

// TableName identifies a syncable business table
type TableName string

const (
	TableNameRecord       TableName = "name"
	TableStore            TableName = "store"
	TableItem             TableName = "item"
	TableLocation         TableName = "location"
	TableStockLine        TableName = "stock_line"
	TableInvoice          TableName = "invoice"
	TableInvoiceLine      TableName = "invoice_line"
	TableRequisition      TableName = "requisition"
	TableRequisitionLine  TableName = "requisition_line"
	TableStocktake        TableName = "stocktake"
	TableStocktakeLine    TableName = "stocktake_line"
	TableNameStoreJoin    TableName = "name_store_join"
	TableUserPermission   TableName = "user_permission"
	TableActivityLog      TableName = "activity_log"
	TableDocumentRegistry TableName = "document_registry"
)

var syncableTables = map[TableName]struct{}{
	TableNameRecord:       {},
	TableStore:            {},
	TableItem:             {},
	TableLocation:         {},
	TableStockLine:        {},
	TableInvoice:          {},
	TableInvoiceLine:      {},
	TableRequisition:      {},
	TableRequisitionLine:  {},
	TableStocktake:        {},
	TableStocktakeLine:    {},
	TableNameStoreJoin:    {},
	TableUserPermission:   {},
	TableActivityLog:      {},
	TableDocumentRegistry: {},
}

// IsSyncable reports whether rows of t are replicated between sites
func (t TableName) IsSyncable() bool {
	_, ok := syncableTables[t]
	return ok
}

// ChangeLogEntry is one immutable row of the sync-out log
// Maps to: sync_change_log table
type ChangeLogEntry struct {
	// Global creation order (BIGSERIAL)
	Sequence int64 `db:"sequence" json:"sequence"`

	ID        uuid.UUID `db:"id" json:"id"`
	TableName TableName `db:"table_name" json:"table_name"`
	RecordID  string    `db:"record_id" json:"record_id"`
	Action    Action    `db:"action" json:"action"`

	// Destination site id, or CentralScope
	SiteScope string `db:"site_scope" json:"site_scope"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Change is a business write routed through the change log
type Change struct {
	TableName TableName       `json:"table_name"`
	RecordID  string          `json:"record_id"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Scopes    []string        `json:"scopes"`
}

// MirrorRecord is the server's copy of the latest serialized business row
// Maps to: sync_record table
type MirrorRecord struct {
	TableName TableName       `db:"table_name" json:"table_name"`
	RecordID  string          `db:"record_id" json:"record_id"`
	Scopes    []string        `db:"scopes" json:"scopes"`
	Data      json.RawMessage `db:"data" json:"data,omitempty"`
	Deleted   bool            `db:"deleted" json:"deleted"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// RecordKey addresses one business row
type RecordKey struct {
	TableName TableName
	RecordID  string
}
