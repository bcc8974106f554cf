package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/lyzr/sitesync/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docWith(data string) *models.Document {
	return &models.Document{Name: "config/pricing", Data: json.RawMessage(data)}
}

func TestStrategyByName(t *testing.T) {
	for name, want := range map[string]string{
		"":                     StrategyJSONMergePatch,
		StrategyJSONMergePatch: StrategyJSONMergePatch,
		StrategyPreferOurs:     StrategyPreferOurs,
		StrategyPreferTheirs:   StrategyPreferTheirs,
	} {
		s, err := StrategyByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}

	_, err := StrategyByName("coin_flip")
	assert.Error(t, err)
}

func TestPreferStrategies(t *testing.T) {
	ctx := context.Background()
	ours, theirs := docWith(`{"v":1}`), docWith(`{"v":2}`)

	got, err := PreferOurs{}.Merge(ctx, nil, ours, theirs)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got))

	got, err = PreferTheirs{}.Merge(ctx, nil, ours, theirs)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))
}

func TestJSONMergePatch(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		base   *models.Document
		ours   string
		theirs string
		want   string
	}{
		{
			name:   "disjoint edits combine",
			base:   docWith(`{"a":1,"b":1}`),
			ours:   `{"a":1,"b":2}`,
			theirs: `{"a":2,"b":1}`,
			want:   `{"a":2,"b":2}`,
		},
		{
			name:   "conflicting edits take ours",
			base:   docWith(`{"a":1}`),
			ours:   `{"a":3}`,
			theirs: `{"a":2}`,
			want:   `{"a":3}`,
		},
		{
			name:   "removal on our side is kept",
			base:   docWith(`{"a":1,"b":1}`),
			ours:   `{"a":1}`,
			theirs: `{"a":1,"b":1,"c":1}`,
			want:   `{"a":1,"c":1}`,
		},
		{
			name:   "nested objects merge per key",
			base:   docWith(`{"tax":{"rate":1,"code":"A"}}`),
			ours:   `{"tax":{"rate":2,"code":"A"}}`,
			theirs: `{"tax":{"rate":1,"code":"B"}}`,
			want:   `{"tax":{"rate":2,"code":"B"}}`,
		},
		{
			name:   "no common ancestor overlays ours",
			base:   nil,
			ours:   `{"a":1}`,
			theirs: `{"b":1}`,
			want:   `{"a":1,"b":1}`,
		},
		{
			name:   "non-object data keeps ours",
			base:   docWith(`[1]`),
			ours:   `[1,2]`,
			theirs: `[1,3]`,
			want:   `[1,2]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JSONMergePatch{}.Merge(ctx, tt.base, docWith(tt.ours), docWith(tt.theirs))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
