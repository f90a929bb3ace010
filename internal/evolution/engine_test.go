// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package evolution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/strategy-engine/internal/retry"
	"github.com/pdiddy/strategy-engine/internal/store"
	"github.com/pdiddy/strategy-engine/internal/telemetry"
	"github.com/pdiddy/strategy-engine/pkg/types"
)

// --- test helpers ---

type harness struct {
	store  *store.Store
	agg    *telemetry.Aggregator
	engine *Engine
	seq    int
}

func init() {
	retry.BaseDelay = time.Millisecond
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires a store, an aggregator, and an engine listening on it,
// and creates topic T1 with payload.
func newHarness(t *testing.T, cfg types.EngineConfig, payload types.Payload) *harness {
	t.Helper()
	s, err := store.NewStore(types.StoreConfig{DBPath: filepath.Join(t.TempDir(), "strategy.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	agg := telemetry.NewAggregator(s, telemetry.WithLogger(quietLogger()))
	e := New(s, agg, cfg, WithLogger(quietLogger()))
	agg.SetListener(e)

	_, _, err = s.CreateTopic(context.Background(), types.Topic{ID: "T1", Title: "agents"}, payload)
	require.NoError(t, err)
	return &harness{store: s, agg: agg, engine: e}
}

// record completes an episode on version with the given sources, notifying
// the engine.
func (h *harness) record(t *testing.T, version int, returned, saved []string, followups int) {
	t.Helper()
	h.seq++
	require.NoError(t, h.agg.RecordEpisode(context.Background(), types.Episode{
		ID:              fmt.Sprintf("E%d", h.seq),
		TopicID:         "T1",
		StrategyVersion: version,
		Status:          types.EpisodeCompleted,
		SourcesReturned: returned,
		SourcesSaved:    saved,
		FollowupCount:   followups,
	}))
}

func (h *harness) versions(t *testing.T) []types.StrategyConfig {
	t.Helper()
	v, err := h.store.ListVersions(context.Background(), "T1")
	require.NoError(t, err)
	return v
}

func (h *harness) ledger(t *testing.T) []types.EvolutionLog {
	t.Helper()
	l, err := h.store.ListEvolution(context.Background(), "T1")
	require.NoError(t, err)
	return l
}

func (h *harness) active(t *testing.T) *types.StrategyConfig {
	t.Helper()
	a, err := h.store.GetActive(context.Background(), "T1")
	require.NoError(t, err)
	return a
}

func ceilingPayload() types.Payload {
	p := types.DefaultPayload()
	p.ModelTier = types.ModelQuality
	p.SearchDepth = types.DepthDeep
	p.TimeWindow = types.WindowAll
	return p
}

// --- scenarios ---

func TestBootstrapHasNoLedgerEntry(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	assert.Len(t, h.versions(t), 1)
	assert.Empty(t, h.ledger(t))

	out, err := h.engine.Evaluate(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, out.Action, "no episodes yet")
}

func TestCatastrophicFailurePromotesImmediately(t *testing.T) {
	promotedBefore := testutil.ToFloat64(cyclesTotal.WithLabelValues(string(ActionPromoted)))
	firedBefore := testutil.ToFloat64(rulesFiredTotal.WithLabelValues(RuleCatastrophicFailure))

	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	h.record(t, 0, []string{"x", "y"}, nil, 0)

	active := h.active(t)
	assert.Equal(t, 1, active.Version)
	assert.True(t, active.Payload.SkipEvaluation)
	assert.False(t, active.Payload.HasTool(types.EvaluationTool))
	require.NotNil(t, active.ParentVersion)
	assert.Equal(t, 0, *active.ParentVersion)

	v0, err := h.store.GetVersion(context.Background(), "T1", 0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, v0.Status)

	ledger := h.ledger(t)
	require.Len(t, ledger, 1)
	assert.Equal(t, 0, ledger[0].FromVersion)
	assert.Equal(t, 1, ledger[0].ToVersion)
	assert.Contains(t, ledger[0].Reason, "catastrophic_failure: no sources saved (0/2)")
	require.Len(t, ledger[0].Changes, 2)
	assert.Equal(t, "enabled_tools", ledger[0].Changes[0].Field)
	assert.Equal(t, "skip_evaluation", ledger[0].Changes[1].Field)

	assert.Equal(t, promotedBefore+1, testutil.ToFloat64(cyclesTotal.WithLabelValues(string(ActionPromoted))))
	assert.Equal(t, firedBefore+1, testutil.ToFloat64(rulesFiredTotal.WithLabelValues(RuleCatastrophicFailure)))
}

func TestLowQualityAtCeilingWritesNothing(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, ceilingPayload())
	for range 3 {
		h.record(t, 0, []string{"a", "b", "c"}, []string{"a"}, 0)
	}

	out, err := h.engine.Evaluate(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, out.Action)

	assert.Len(t, h.versions(t), 1)
	assert.Empty(t, h.ledger(t))
}

func TestLowQualityPromotesWithDefaultRollout(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	for range 3 {
		h.record(t, 0, []string{"a", "b", "c"}, []string{"a"}, 0)
	}

	active := h.active(t)
	assert.Equal(t, 1, active.Version)
	assert.Equal(t, types.ModelQuality, active.Payload.ModelTier)
	assert.Equal(t, types.DepthDeep, active.Payload.SearchDepth)
	assert.Equal(t, types.WindowMonth, active.Payload.TimeWindow)
}

func TestLowQualityOnQualityTierRaisesDepthAndWindow(t *testing.T) {
	p := types.DefaultPayload()
	p.ModelTier = types.ModelQuality
	p.SearchDepth = types.DepthStandard
	p.TimeWindow = types.WindowWeek
	h := newHarness(t, types.EngineConfig{}, p)

	returned := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for range 3 {
		h.record(t, 0, returned, []string{"a", "b", "c"}, 0)
	}

	active := h.active(t)
	require.Equal(t, 1, active.Version)
	assert.Equal(t, types.ModelQuality, active.Payload.ModelTier)
	assert.Equal(t, types.DepthDeep, active.Payload.SearchDepth)
	assert.Equal(t, types.WindowMonth, active.Payload.TimeWindow)

	ledger := h.ledger(t)
	require.Len(t, ledger, 1)
	var fields []string
	for _, c := range ledger[0].Changes {
		fields = append(fields, c.Field)
	}
	assert.Equal(t, []string{"search_depth", "time_window"}, fields)
	assert.Contains(t, ledger[0].Reason, "save rate 0.30")
}

func TestEvaluateIsIdempotent(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	h.record(t, 0, []string{"x"}, nil, 0)
	require.Len(t, h.versions(t), 2)

	ctx := context.Background()
	for range 2 {
		out, err := h.engine.Evaluate(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, ActionSkipped, out.Action)
	}
	assert.Len(t, h.versions(t), 2)

	// A restarted engine resumes from the persisted cursor.
	fresh := New(h.store, h.agg, types.EngineConfig{}, WithLogger(quietLogger()))
	out, err := fresh.Evaluate(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, out.Action)
	assert.Len(t, h.versions(t), 2)
	assert.Len(t, h.ledger(t), 1)
}

func TestConcurrentCompletionCreatesOneVersion(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	ctx := context.Background()

	var g errgroup.Group
	for _, id := range []string{"E1", "E2"} {
		g.Go(func() error {
			return h.agg.RecordEpisode(ctx, types.Episode{
				ID:              id,
				TopicID:         "T1",
				StrategyVersion: 0,
				Status:          types.EpisodeCompleted,
				SourcesReturned: []string{"a"},
			})
		})
	}
	require.NoError(t, g.Wait())

	versions := h.versions(t)
	require.Len(t, versions, 2)
	active := 0
	for _, v := range versions {
		if v.Status == types.StatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
	assert.Len(t, h.ledger(t), 1)
}

func TestConcurrentEvaluateSameTopic(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	ctx := context.Background()
	_, err := h.store.InsertEpisode(ctx, types.Episode{
		ID: "E1", TopicID: "T1", Status: types.EpisodeCompleted, SourcesReturned: []string{"a"},
	})
	require.NoError(t, err)

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			_, err := h.engine.Evaluate(ctx, "T1")
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, h.versions(t), 2)
	assert.Len(t, h.ledger(t), 1)
}

// --- staged rollout ---

func TestExploratoryChangeIsStaged(t *testing.T) {
	h := newHarness(t, types.EngineConfig{ExploratoryRollout: 20}, types.DefaultPayload())
	for range 3 {
		h.record(t, 0, []string{"a", "b", "c"}, []string{"a"}, 0)
	}

	assert.Equal(t, 0, h.active(t).Version, "active is unchanged")
	cand, err := h.store.GetCandidate(context.Background(), "T1")
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, 1, cand.Version)
	assert.Equal(t, 20, cand.RolloutPercentage)
	assert.Equal(t, types.ModelQuality, cand.Payload.ModelTier)
	assert.Len(t, h.ledger(t), 1)

	// Further low-quality outcomes on the active version are held while the
	// candidate is pending.
	h.record(t, 0, []string{"a", "b", "c"}, []string{"a"}, 0)
	assert.Len(t, h.versions(t), 2)
}

func TestCandidatePromotedWhenBetter(t *testing.T) {
	h := newHarness(t, types.EngineConfig{ExploratoryRollout: 20}, types.DefaultPayload())
	for range 3 {
		h.record(t, 0, []string{"a", "b", "c"}, []string{"a"}, 0)
	}
	for range 3 {
		h.record(t, 1, []string{"a", "b"}, []string{"a", "b"}, 0)
	}

	active := h.active(t)
	assert.Equal(t, 1, active.Version)
	assert.Equal(t, 20, active.RolloutPercentage, "promotion keeps the staged rollout")

	ledger := h.ledger(t)
	require.Len(t, ledger, 2)
	assert.Contains(t, ledger[1].Reason, "candidate_promotion")
	assert.Equal(t, 0, ledger[1].FromVersion)
	assert.Equal(t, 1, ledger[1].ToVersion)
}

func TestCandidateArchivedWhenWorse(t *testing.T) {
	h := newHarness(t, types.EngineConfig{ExploratoryRollout: 20}, types.DefaultPayload())
	for range 3 {
		h.record(t, 0, []string{"a", "b", "c"}, []string{"a"}, 0)
	}
	for range 3 {
		h.record(t, 1, []string{"a", "b", "c"}, nil, 0)
	}

	assert.Equal(t, 0, h.active(t).Version)
	cand, err := h.store.GetCandidate(context.Background(), "T1")
	require.NoError(t, err)
	assert.Nil(t, cand)

	v1, err := h.store.GetVersion(context.Background(), "T1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, v1.Status)
	assert.Len(t, h.ledger(t), 1, "archiving writes no ledger entry")
}

func TestArchivedCandidateCursorSurvivesRestart(t *testing.T) {
	h := newHarness(t, types.EngineConfig{ExploratoryRollout: 20}, types.DefaultPayload())
	for range 3 {
		h.record(t, 0, []string{"a", "b", "c"}, []string{"a"}, 0)
	}
	for range 3 {
		h.record(t, 1, []string{"a", "b", "c"}, nil, 0)
	}
	require.Len(t, h.versions(t), 2)

	fresh := New(h.store, h.agg, types.EngineConfig{ExploratoryRollout: 20}, WithLogger(quietLogger()))
	out, err := fresh.Evaluate(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, out.Action)
	assert.Len(t, h.versions(t), 2)
	assert.Len(t, h.ledger(t), 1)
}

func TestRejectedPayloadIsNotRestaged(t *testing.T) {
	h := newHarness(t, types.EngineConfig{ExploratoryRollout: 20}, types.DefaultPayload())
	ctx := context.Background()
	for range 3 {
		h.record(t, 0, []string{"a", "b", "c"}, []string{"a"}, 0)
	}
	for range 3 {
		h.record(t, 1, []string{"a", "b", "c"}, nil, 0)
	}

	_, err := h.store.InsertEpisode(ctx, types.Episode{
		ID: "late", TopicID: "T1", StrategyVersion: 0, Status: types.EpisodeCompleted,
		SourcesReturned: []string{"a", "b", "c"}, SourcesSaved: []string{"a"},
	})
	require.NoError(t, err)

	out, err := h.engine.Evaluate(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, ActionRejected, out.Action)
	assert.True(t, out.Decision.Changed())
	assert.Len(t, h.versions(t), 2)

	// A full rollout is not an experiment and bypasses the check.
	_, err = h.store.InsertEpisode(ctx, types.Episode{
		ID: "late-2", TopicID: "T1", StrategyVersion: 0, Status: types.EpisodeCompleted,
		SourcesReturned: []string{"a", "b", "c"}, SourcesSaved: []string{"a"},
	})
	require.NoError(t, err)
	out, err = h.engine.EvaluateWith(ctx, "T1", EvaluateOptions{RolloutPercentage: types.IntPtr(100)})
	require.NoError(t, err)
	assert.Equal(t, ActionPromoted, out.Action)
	assert.Equal(t, 2, h.active(t).Version)
}

func TestCorrectiveSupersedesCandidate(t *testing.T) {
	h := newHarness(t, types.EngineConfig{ExploratoryRollout: 20}, types.DefaultPayload())
	ctx := context.Background()
	_, err := h.store.CreateVersion(ctx, "T1", types.DefaultPayload(), types.IntPtr(0), types.StatusCandidate, 20)
	require.NoError(t, err)

	h.record(t, 0, []string{"a"}, nil, 0)

	active := h.active(t)
	assert.Equal(t, 2, active.Version)
	assert.True(t, active.Payload.SkipEvaluation)

	v1, err := h.store.GetVersion(ctx, "T1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, v1.Status)
}

func TestEvaluateWithRolloutOverride(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	ctx := context.Background()
	_, err := h.store.InsertEpisode(ctx, types.Episode{
		ID: "E1", TopicID: "T1", Status: types.EpisodeCompleted, SourcesReturned: []string{"a"},
	})
	require.NoError(t, err)

	_, err = h.engine.EvaluateWith(ctx, "T1", EvaluateOptions{RolloutPercentage: types.IntPtr(150)})
	assert.ErrorIs(t, err, types.ErrValidation)

	out, err := h.engine.EvaluateWith(ctx, "T1", EvaluateOptions{RolloutPercentage: types.IntPtr(30)})
	require.NoError(t, err)
	assert.Equal(t, ActionStaged, out.Action)
	require.NotNil(t, out.Version)
	assert.Equal(t, 30, out.Version.RolloutPercentage)
	assert.Equal(t, 0, h.active(t).Version)
}

// --- manual operations ---

func TestManualPromoteAndArchive(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	ctx := context.Background()
	p := types.DefaultPayload()
	p.MaxFollowups = 8
	_, err := h.store.CreateVersion(ctx, "T1", p, types.IntPtr(0), types.StatusCandidate, 10)
	require.NoError(t, err)

	cfg, entry, err := h.engine.Promote(ctx, "T1", 1, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, cfg.Status)
	assert.Equal(t, "manual_promotion: version 1 approved", entry.Reason)
	require.Len(t, entry.Changes, 1)
	assert.Equal(t, "max_followups", entry.Changes[0].Field)

	_, _, err = h.engine.Promote(ctx, "T1", 1, "again")
	assert.ErrorIs(t, err, types.ErrConflict)
	_, _, err = h.engine.Promote(ctx, "T1", 0, "rollback")
	assert.ErrorIs(t, err, types.ErrConflict)
	_, _, err = h.engine.Promote(ctx, "T1", 9, "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = h.engine.Archive(ctx, "T1", 1)
	assert.ErrorIs(t, err, types.ErrConflict, "active cannot be archived")

	_, err = h.store.CreateVersion(ctx, "T1", p, types.IntPtr(1), types.StatusCandidate, 10)
	require.NoError(t, err)
	archived, err := h.engine.Archive(ctx, "T1", 2)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, archived.Status)
}

// --- failure handling ---

type flakyStore struct {
	*store.Store
	conflicts atomic.Int32
	fail      error
	calls     atomic.Int32
}

func (f *flakyStore) ApplyEvolution(ctx context.Context, w store.EvolutionWrite) (*types.StrategyConfig, *types.EvolutionLog, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return nil, nil, f.fail
	}
	if f.conflicts.Load() > 0 {
		f.conflicts.Add(-1)
		return nil, nil, &types.ConflictError{Op: "evolve", Detail: "simulated"}
	}
	return f.Store.ApplyEvolution(ctx, w)
}

func TestConflictIsRetried(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	ctx := context.Background()
	fs := &flakyStore{Store: h.store}
	fs.conflicts.Store(2)
	e := New(fs, h.agg, types.EngineConfig{}, WithLogger(quietLogger()))

	_, err := h.store.InsertEpisode(ctx, types.Episode{
		ID: "E1", TopicID: "T1", Status: types.EpisodeCompleted, SourcesReturned: []string{"a"},
	})
	require.NoError(t, err)

	out, err := e.Evaluate(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, ActionPromoted, out.Action)
	assert.Equal(t, int32(3), fs.calls.Load())
}

func TestConflictRetriesAreBounded(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	ctx := context.Background()
	fs := &flakyStore{Store: h.store}
	fs.conflicts.Store(100)
	e := New(fs, h.agg, types.EngineConfig{MaxPromoteAttempts: 3}, WithLogger(quietLogger()))

	_, err := h.store.InsertEpisode(ctx, types.Episode{
		ID: "E1", TopicID: "T1", Status: types.EpisodeCompleted, SourcesReturned: []string{"a"},
	})
	require.NoError(t, err)

	out, err := e.Evaluate(ctx, "T1")
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.Equal(t, ActionFailed, out.Action)
	assert.Equal(t, int32(3), fs.calls.Load())
}

func TestFailedCycleLeavesActiveAndRetriesLater(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	ctx := context.Background()
	fs := &flakyStore{Store: h.store, fail: &types.TransientStorageError{Op: "evolve", Err: errors.New("database is locked")}}
	e := New(fs, h.agg, types.EngineConfig{}, WithLogger(quietLogger()))

	_, err := h.store.InsertEpisode(ctx, types.Episode{
		ID: "E1", TopicID: "T1", Status: types.EpisodeCompleted, SourcesReturned: []string{"a"},
	})
	require.NoError(t, err)

	_, err = e.Evaluate(ctx, "T1")
	assert.ErrorIs(t, err, types.ErrTransientStorage)
	assert.Equal(t, 0, h.active(t).Version)
	assert.Equal(t, int32(1), fs.calls.Load(), "transient errors are not retried inside a cycle")

	fs.fail = nil
	out, err := e.Evaluate(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, ActionPromoted, out.Action)
	assert.Equal(t, 1, h.active(t).Version)
}

func TestEpisodeFinishedSwallowsErrors(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	fs := &flakyStore{Store: h.store, fail: errors.New("boom")}
	e := New(fs, h.agg, types.EngineConfig{}, WithLogger(quietLogger()))
	h.agg.SetListener(e)

	h.record(t, 0, []string{"a"}, nil, 0)
	assert.Equal(t, 0, h.active(t).Version)

	ep, err := h.store.GetEpisode(context.Background(), "E1")
	require.NoError(t, err)
	assert.Equal(t, types.EpisodeCompleted, ep.Status, "recording succeeded")
}

// --- sweeps ---

func TestEvaluateAll(t *testing.T) {
	h := newHarness(t, types.EngineConfig{Parallelism: 2}, types.DefaultPayload())
	ctx := context.Background()
	for _, id := range []string{"T2", "T3"} {
		_, _, err := h.store.CreateTopic(ctx, types.Topic{ID: id, Title: id}, types.DefaultPayload())
		require.NoError(t, err)
	}
	for i, topic := range []string{"T1", "T2"} {
		_, err := h.store.InsertEpisode(ctx, types.Episode{
			ID: fmt.Sprintf("S%d", i), TopicID: topic, Status: types.EpisodeCompleted, SourcesReturned: []string{"a"},
		})
		require.NoError(t, err)
	}

	outcomes, err := h.engine.EvaluateAll(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	byTopic := map[string]Action{}
	for _, o := range outcomes {
		byTopic[o.TopicID] = o.Action
	}
	assert.Equal(t, ActionPromoted, byTopic["T1"])
	assert.Equal(t, ActionPromoted, byTopic["T2"])
	assert.Equal(t, ActionSkipped, byTopic["T3"])
}

func TestEvaluateTopicsIsolatesFailures(t *testing.T) {
	h := newHarness(t, types.EngineConfig{}, types.DefaultPayload())
	ctx := context.Background()
	_, err := h.store.InsertEpisode(ctx, types.Episode{
		ID: "E1", TopicID: "T1", Status: types.EpisodeCompleted, SourcesReturned: []string{"a"},
	})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.engine.EvaluateTopics(cancelled, []string{"T1"})
	assert.Error(t, err)

	outcomes, err := h.engine.EvaluateTopics(ctx, []string{"T1"})
	require.NoError(t, err)
	assert.Equal(t, ActionPromoted, outcomes[0].Action)
}
