// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package rollout routes each resource deterministically to a topic's
// active version or its staged candidate.
package rollout

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

// Buckets is the number of rollout buckets; a bucket is compared against a
// rollout percentage.
const Buckets = 100

// Versions resolves the configurations a selection chooses between.
// *store.Store satisfies it.
type Versions interface {
	GetActive(ctx context.Context, topicID string) (*types.StrategyConfig, error)
	GetCandidate(ctx context.Context, topicID string) (*types.StrategyConfig, error)
}

// Selection is the configuration chosen for one resource.
type Selection struct {
	Config    *types.StrategyConfig `json:"config"`
	Bucket    int                   `json:"bucket"`
	Candidate bool                  `json:"candidate"`
}

// Bucketer selects versions for resources.
type Bucketer struct {
	versions Versions
}

// NewBucketer returns a Bucketer reading versions from v.
func NewBucketer(v Versions) *Bucketer {
	return &Bucketer{versions: v}
}

// AssignBucket maps (resourceID, topicID) to [0, Buckets). The hash is
// xxhash64 over the topic and resource joined by a NUL byte, so the value
// is stable across calls, processes, and releases, and the same resource
// lands in independent buckets for different topics.
func AssignBucket(resourceID, topicID string) int {
	return int(xxhash.Sum64String(topicID+"\x00"+resourceID) % Buckets)
}

// SelectVersion returns the configuration that governs resourceID's run.
func (b *Bucketer) SelectVersion(ctx context.Context, topicID, resourceID string) (*types.StrategyConfig, error) {
	sel, err := b.Select(ctx, topicID, resourceID)
	if err != nil {
		return nil, err
	}
	return sel.Config, nil
}

// Select is SelectVersion with the bucket and routing decision attached.
// With no staged candidate every resource gets the active version;
// otherwise resources whose bucket is below the candidate's rollout
// percentage get the candidate.
func (b *Bucketer) Select(ctx context.Context, topicID, resourceID string) (Selection, error) {
	if resourceID == "" {
		return Selection{}, &types.ValidationError{Field: "resource_id", Reason: "required"}
	}
	active, err := b.versions.GetActive(ctx, topicID)
	if err != nil {
		return Selection{}, fmt.Errorf("resolving active version: %w", err)
	}
	candidate, err := b.versions.GetCandidate(ctx, topicID)
	if err != nil {
		return Selection{}, fmt.Errorf("resolving candidate version: %w", err)
	}

	bucket := AssignBucket(resourceID, topicID)
	if candidate != nil && bucket < candidate.RolloutPercentage {
		return Selection{Config: candidate, Bucket: bucket, Candidate: true}, nil
	}
	return Selection{Config: active, Bucket: bucket}, nil
}
