package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// DomainDocument separates document hashes from any other sha256 use.
// The version suffix leaves room for a future encoding change.
const DomainDocument = "sitesync/document/v1"

// TimestampPrecision matches what Postgres timestamptz stores, so a document
// read back from storage hashes to the same id.
const TimestampPrecision = time.Microsecond

type documentIdentity struct {
	Name      string          `json:"name"`
	Parents   []string        `json:"parents"`
	Author    string          `json:"author"`
	Timestamp string          `json:"timestamp,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Schema    *string         `json:"schema"`
}

// NormalizeTimestamp truncates and converts t to the form that is hashed and
// stored. The zero time stays zero.
func NormalizeTimestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(TimestampPrecision)
}

// CanonicalJSON re-encodes raw with sorted object keys and no insignificant
// whitespace. Numbers keep their original text.
func CanonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid document data: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid document data: trailing content")
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document data: %w", err)
	}
	return out, nil
}

// ComputeDocumentID returns the content address of d. d.Timestamp and d.Data
// must already be normalized (see NewDocument).
func ComputeDocumentID(d *Document) (string, error) {
	parents := d.Parents
	if parents == nil {
		parents = []string{}
	}

	identity := documentIdentity{
		Name:    d.Name,
		Parents: parents,
		Author:  d.Author,
		Type:    d.Type,
		Data:    d.Data,
		Schema:  d.Schema,
	}
	if !d.Timestamp.IsZero() {
		identity.Timestamp = d.Timestamp.Format(time.RFC3339Nano)
	}

	encoded, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("failed to encode document identity: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(DomainDocument))
	h.Write([]byte{0x00})
	h.Write(encoded)
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

// NewDocument builds the immutable node described by draft. An unstamped
// draft yields an unstamped node, so equal drafts always share an id.
func NewDocument(draft DocumentDraft) (*Document, error) {
	if draft.Name == "" {
		return nil, fmt.Errorf("document name is required")
	}

	data, err := CanonicalJSON(draft.Data)
	if err != nil {
		return nil, err
	}

	parents := make([]string, 0, len(draft.Parents))
	seen := make(map[string]struct{}, len(draft.Parents))
	for _, p := range draft.Parents {
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("duplicate parent %s", p)
		}
		seen[p] = struct{}{}
		parents = append(parents, p)
	}

	doc := &Document{
		Name:      draft.Name,
		Parents:   parents,
		Author:    draft.Author,
		Timestamp: NormalizeTimestamp(draft.Timestamp),
		Type:      draft.Type,
		Data:      data,
		Schema:    draft.Schema,
	}

	doc.ID, err = ComputeDocumentID(doc)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Verify recomputes d's id and reports whether it matches
func (d *Document) Verify() bool {
	id, err := ComputeDocumentID(d)
	return err == nil && id == d.ID
}
