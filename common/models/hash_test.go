package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)

func TestNewDocumentIsDeterministic(t *testing.T) {
	draft := DocumentDraft{
		Name:   "schema/invoice",
		Author: "alice",
		Type:   DocumentTypeSchema,
		Data:   json.RawMessage(`{"b": 2, "a": [1, 2.50, "x"]}`),
	}

	d1, err := NewDocument(draft)
	require.NoError(t, err)
	d2, err := NewDocument(draft)
	require.NoError(t, err)

	assert.Equal(t, d1.ID, d2.ID)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, d1.ID)
	assert.True(t, d1.Verify())
}

func TestNewDocumentCanonicalizesData(t *testing.T) {
	a, err := NewDocument(DocumentDraft{Name: "n", Data: json.RawMessage(`{"b":1,"a":{"d":2,"c":3}}`)})
	require.NoError(t, err)
	b, err := NewDocument(DocumentDraft{Name: "n", Data: json.RawMessage("{ \"a\": {\"c\":3, \"d\":2},\n \"b\":1 }")})
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.JSONEq(t, `{"a":{"c":3,"d":2},"b":1}`, string(a.Data))
}

func TestNewDocumentKeepsLargeNumbersExact(t *testing.T) {
	doc, err := NewDocument(DocumentDraft{Name: "n", Data: json.RawMessage(`{"qty":12345678901234567890}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"qty":12345678901234567890}`, string(doc.Data))
}

func TestDocumentIDChangesWithEveryField(t *testing.T) {
	schema := "sha256:schema"
	base := DocumentDraft{Name: "n", Author: "a", Type: "t", Data: json.RawMessage(`1`), Parents: []string{"p1"}}
	baseDoc, err := NewDocument(base)
	require.NoError(t, err)

	variants := []DocumentDraft{
		{Name: "m", Author: "a", Type: "t", Data: json.RawMessage(`1`), Parents: []string{"p1"}},
		{Name: "n", Author: "b", Type: "t", Data: json.RawMessage(`1`), Parents: []string{"p1"}},
		{Name: "n", Author: "a", Type: "u", Data: json.RawMessage(`1`), Parents: []string{"p1"}},
		{Name: "n", Author: "a", Type: "t", Data: json.RawMessage(`2`), Parents: []string{"p1"}},
		{Name: "n", Author: "a", Type: "t", Data: json.RawMessage(`1`), Parents: []string{"p2"}},
		{Name: "n", Author: "a", Type: "t", Data: json.RawMessage(`1`), Parents: []string{"p1"}, Schema: &schema},
		{Name: "n", Author: "a", Type: "t", Data: json.RawMessage(`1`), Parents: []string{"p1"}, Timestamp: fixedTime.Add(time.Second)},
	}

	for i, v := range variants {
		doc, err := NewDocument(v)
		require.NoError(t, err)
		assert.NotEqual(t, baseDoc.ID, doc.ID, "variant %d", i)
	}
}

func TestNewDocumentTruncatesTimestamp(t *testing.T) {
	doc, err := NewDocument(DocumentDraft{Name: "n", Data: json.RawMessage(`{}`), Timestamp: fixedTime.In(time.FixedZone("CET", 3600))})
	require.NoError(t, err)

	assert.Equal(t, 0, doc.Timestamp.Nanosecond()%1000)
	assert.Equal(t, time.UTC, doc.Timestamp.Location())
	assert.True(t, doc.Verify())
}

func TestNewDocumentLeavesMissingTimestampUnset(t *testing.T) {
	d := DocumentDraft{Name: "n", Author: "a", Data: json.RawMessage(`{"v":1}`)}

	first, err := NewDocument(d)
	require.NoError(t, err)
	time.Sleep(2 * time.Microsecond)
	second, err := NewDocument(d)
	require.NoError(t, err)

	assert.True(t, first.Timestamp.IsZero())
	assert.Equal(t, first.ID, second.ID)

	encoded, err := json.Marshal(first)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "timestamp")
}

func TestNewDocumentRejectsInvalidInput(t *testing.T) {
	_, err := NewDocument(DocumentDraft{Data: json.RawMessage(`{}`)})
	assert.Error(t, err)

	_, err = NewDocument(DocumentDraft{Name: "n", Data: json.RawMessage(`{"a":`)})
	assert.Error(t, err)

	_, err = NewDocument(DocumentDraft{Name: "n", Data: json.RawMessage(`{}`), Parents: []string{"x", "x"}})
	assert.Error(t, err)
}

func TestVerifyDetectsTampering(t *testing.T) {
	doc, err := NewDocument(DocumentDraft{Name: "n", Data: json.RawMessage(`{"v":1}`)})
	require.NoError(t, err)

	doc.Data = json.RawMessage(`{"v":2}`)
	assert.False(t, doc.Verify())
}
