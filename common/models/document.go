package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is an immutable node of a document's version DAG
// Maps to: document table
type Document struct {
	// Content hash (sha256:abc123...) over every other field
	ID string `db:"id" json:"id"`

	// Logical key, e.g. "schema/invoice"
	Name string `db:"name" json:"name"`

	// Versions this one supersedes, in caller order. Empty for a root.
	Parents []string `db:"parents" json:"parents"`

	Author string `db:"author" json:"author"`

	// Zero when the author supplied none; it is then left out of the id
	Timestamp time.Time `db:"authored_at" json:"timestamp,omitzero"`

	Type string          `db:"type" json:"type"`
	Data json.RawMessage `db:"data" json:"data"`

	// Optional reference to a schema document
	Schema *string `db:"schema_id" json:"schema,omitempty"`
}

// IsRoot reports whether d has no parents
func (d *Document) IsRoot() bool { return len(d.Parents) == 0 }

// HasParent reports whether id is one of d's parents
func (d *Document) HasParent(id string) bool {
	for _, p := range d.Parents {
		if p == id {
			return true
		}
	}
	return false
}

// DocumentDraft is the input to document creation
type DocumentDraft struct {
	Name    string          `json:"name"`
	Parents []string        `json:"parents"`
	Author  string          `json:"author"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Schema  *string         `json:"schema,omitempty"`

	// Optional and part of the id when set. The server never stamps it.
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// DocumentHead points a (name, store) pair at its current version
// Maps to: document_head table
type DocumentHead struct {
	Name       string    `db:"name" json:"name"`
	StoreID    string    `db:"store_id" json:"store_id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	Version    int64     `db:"version" json:"version"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Key returns the name@store registry key
func (h *DocumentHead) Key() string { return HeadKey(h.Name, h.StoreID) }

// HeadKey formats a registry key
func HeadKey(name, storeID string) string {
	return fmt.Sprintf("%s@%s", name, storeID)
}

// AncestorDetail is one step of an ancestor walk
type AncestorDetail struct {
	Document *Document `json:"document"`

	// Distance in edges from the starting version (parents are 1)
	Depth int `json:"depth"`
}

// Document types
const (
	DocumentTypeSchema = "schema"
	DocumentTypeConfig = "config"
	DocumentTypeForm   = "form"
)
