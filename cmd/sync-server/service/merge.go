package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/lyzr/sitesync/common/models"
)

// MergeStrategy builds the data of a merge document from two concurrent
// versions. base is their lowest common ancestor and may be nil.
// ours is the version being written, theirs the current head.
type MergeStrategy interface {
	Name() string
	Merge(ctx context.Context, base, ours, theirs *models.Document) (json.RawMessage, error)
}

// Strategy names accepted by StrategyByName
const (
	StrategyPreferOurs     = "prefer_ours"
	StrategyPreferTheirs   = "prefer_theirs"
	StrategyJSONMergePatch = "json_merge_patch"
)

// StrategyByName resolves a strategy; empty selects JSONMergePatch
func StrategyByName(name string) (MergeStrategy, error) {
	switch name {
	case StrategyPreferOurs:
		return PreferOurs{}, nil
	case StrategyPreferTheirs:
		return PreferTheirs{}, nil
	case StrategyJSONMergePatch, "":
		return JSONMergePatch{}, nil
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", name)
	}
}

// PreferOurs keeps the data being written
type PreferOurs struct{}

func (PreferOurs) Name() string { return StrategyPreferOurs }

func (PreferOurs) Merge(_ context.Context, _, ours, _ *models.Document) (json.RawMessage, error) {
	return ours.Data, nil
}

// PreferTheirs keeps the data of the current head
type PreferTheirs struct{}

func (PreferTheirs) Name() string { return StrategyPreferTheirs }

func (PreferTheirs) Merge(_ context.Context, _, _, theirs *models.Document) (json.RawMessage, error) {
	return theirs.Data, nil
}

// JSONMergePatch replays the RFC 7386 diff of ours against base on top of
// theirs. Keys changed on both sides take our value. Non-object data falls
// back to PreferOurs.
type JSONMergePatch struct{}

func (JSONMergePatch) Name() string { return StrategyJSONMergePatch }

func (JSONMergePatch) Merge(ctx context.Context, base, ours, theirs *models.Document) (json.RawMessage, error) {
	if !isObject(ours.Data) || !isObject(theirs.Data) {
		return ours.Data, nil
	}

	baseData := json.RawMessage(`{}`)
	if base != nil && isObject(base.Data) {
		baseData = base.Data
	}

	patch, err := jsonpatch.CreateMergePatch(baseData, ours.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to diff against common ancestor: %w", err)
	}

	merged, err := jsonpatch.MergePatch(theirs.Data, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to apply merge patch: %w", err)
	}

	return merged, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
