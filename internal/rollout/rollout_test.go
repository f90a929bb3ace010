// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package rollout

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

type fakeVersions struct {
	active    *types.StrategyConfig
	candidate *types.StrategyConfig
	err       error
}

func (f *fakeVersions) GetActive(context.Context, string) (*types.StrategyConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.active, nil
}

func (f *fakeVersions) GetCandidate(context.Context, string) (*types.StrategyConfig, error) {
	return f.candidate, nil
}

func versions(candidateRollout int) *fakeVersions {
	f := &fakeVersions{
		active: &types.StrategyConfig{TopicID: "T", Version: 0, Status: types.StatusActive, RolloutPercentage: 100},
	}
	if candidateRollout >= 0 {
		f.candidate = &types.StrategyConfig{TopicID: "T", Version: 1, Status: types.StatusCandidate, RolloutPercentage: candidateRollout}
	}
	return f
}

func TestAssignBucketDeterministic(t *testing.T) {
	for i := range 200 {
		id := fmt.Sprintf("user-%d", i)
		b := AssignBucket(id, "T")
		assert.Equal(t, b, AssignBucket(id, "T"))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, Buckets)
	}
}

func TestAssignBucketDependsOnTopic(t *testing.T) {
	differ := 0
	for i := range 100 {
		id := fmt.Sprintf("user-%d", i)
		if AssignBucket(id, "T1") != AssignBucket(id, "T2") {
			differ++
		}
	}
	assert.Greater(t, differ, 50)
}

func TestSelectVersionNoCandidate(t *testing.T) {
	b := NewBucketer(versions(-1))
	for i := range 100 {
		sel, err := b.Select(context.Background(), "T", fmt.Sprintf("r%d", i))
		require.NoError(t, err)
		assert.False(t, sel.Candidate)
		assert.Equal(t, 0, sel.Config.Version)
	}
}

func TestSelectVersionStagedDistribution(t *testing.T) {
	b := NewBucketer(versions(20))
	ctx := context.Background()

	const n = 10000
	toCandidate := 0
	for i := range n {
		id := fmt.Sprintf("resource-%d", i)
		cfg, err := b.SelectVersion(ctx, "T", id)
		require.NoError(t, err)
		if cfg.Version == 1 {
			toCandidate++
		}
		// Same resource, same answer.
		again, err := b.SelectVersion(ctx, "T", id)
		require.NoError(t, err)
		assert.Equal(t, cfg.Version, again.Version)
	}
	share := float64(toCandidate) / n
	assert.InDelta(t, 0.20, share, 0.03)
}

func TestSelectVersionRolloutBounds(t *testing.T) {
	ctx := context.Background()
	none := NewBucketer(versions(0))
	all := NewBucketer(versions(100))
	for i := range 100 {
		id := fmt.Sprintf("r%d", i)
		sel, err := none.Select(ctx, "T", id)
		require.NoError(t, err)
		assert.False(t, sel.Candidate)

		sel, err = all.Select(ctx, "T", id)
		require.NoError(t, err)
		assert.True(t, sel.Candidate)
	}
}

func TestSelectVersionErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewBucketer(versions(20)).SelectVersion(ctx, "T", "")
	assert.ErrorIs(t, err, types.ErrValidation)

	f := versions(-1)
	f.err = &types.NotFoundError{Entity: "topic", Key: "T"}
	_, err = NewBucketer(f).SelectVersion(ctx, "T", "r1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
