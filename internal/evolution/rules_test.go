// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package evolution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

var defaultThresholds = types.DefaultEngineConfig().Thresholds

func snapshot(episodes int, saveRate, followups float64) types.MetricsSnapshot {
	return types.MetricsSnapshot{
		TopicID:          "T1",
		EpisodeCount:     episodes,
		AvgSaveRate:      saveRate,
		AvgFollowupCount: followups,
	}
}

func firedRules(d Decision) []string {
	var names []string
	for _, f := range d.Fired {
		names = append(names, f.Rule)
	}
	return names
}

func fields(d Decision) []string {
	var names []string
	for _, c := range d.Changes {
		names = append(names, c.Field)
	}
	return names
}

func TestDecideCatastrophicFirstEpisode(t *testing.T) {
	m := snapshot(1, 0, 0)
	m.SourcesReturned = 2

	d := Decide(DefaultRules(defaultThresholds), types.DefaultPayload(), m, 3)

	assert.Equal(t, []string{RuleCatastrophicFailure}, firedRules(d))
	assert.True(t, d.Corrective)
	assert.Equal(t, []string{"enabled_tools", "skip_evaluation"}, fields(d))
	assert.True(t, d.Payload.SkipEvaluation)
	assert.False(t, d.Payload.HasTool(types.EvaluationTool))
	assert.Equal(t,
		"catastrophic_failure: no sources saved (0/2), save rate 0.00 over 1 episode(s) - disabling evaluation step",
		d.Reason())
}

func TestDecideCatastrophicSuppressesLowQuality(t *testing.T) {
	d := Decide(DefaultRules(defaultThresholds), types.DefaultPayload(), snapshot(5, 0, 0), 3)
	assert.Equal(t, []string{RuleCatastrophicFailure}, firedRules(d))
	assert.Equal(t, types.ModelFast, d.Payload.ModelTier)
}

func TestDecideCatastrophicAlreadyApplied(t *testing.T) {
	p := types.DefaultPayload().WithoutTool(types.EvaluationTool)
	p.SkipEvaluation = true

	d := Decide(DefaultRules(defaultThresholds), p, snapshot(5, 0, 0), 3)
	assert.False(t, d.Changed())
	assert.Empty(t, d.Fired)
	assert.Empty(t, d.Reason())
}

func TestDecideLowQuality(t *testing.T) {
	d := Decide(DefaultRules(defaultThresholds), types.DefaultPayload(), snapshot(3, 0.3, 1), 3)

	assert.Equal(t, []string{RuleLowQuality}, firedRules(d))
	assert.False(t, d.Corrective)
	assert.Equal(t, []string{"model_tier", "search_depth", "time_window"}, fields(d))
	assert.Equal(t, types.ModelQuality, d.Payload.ModelTier)
	assert.Equal(t, types.DepthDeep, d.Payload.SearchDepth)
	assert.Equal(t, types.WindowMonth, d.Payload.TimeWindow)
	assert.Contains(t, d.Reason(), "save rate 0.30 below 0.50 over 3 episodes")
}

func TestDecideLowQualityAtCeiling(t *testing.T) {
	p := types.DefaultPayload()
	p.ModelTier = types.ModelQuality
	p.SearchDepth = types.DepthDeep
	p.TimeWindow = types.WindowAll

	d := Decide(DefaultRules(defaultThresholds), p, snapshot(3, 0.3, 0), 3)
	assert.False(t, d.Changed())
	assert.Empty(t, d.Fired)
	assert.Equal(t, p.Clone(), d.Payload)
}

func TestDecideLowQualityPartialCeiling(t *testing.T) {
	p := types.DefaultPayload()
	p.ModelTier = types.ModelQuality
	p.SearchDepth = types.DepthDeep

	d := Decide(DefaultRules(defaultThresholds), p, snapshot(4, 0.1, 0), 3)
	assert.Equal(t, []string{"time_window"}, fields(d))
	require.Len(t, d.Changes, 1)
	assert.Equal(t, "week", d.Changes[0].OldValue)
	assert.Equal(t, "month", d.Changes[0].NewValue)
}

func TestDecideMinSamples(t *testing.T) {
	d := Decide(DefaultRules(defaultThresholds), types.DefaultPayload(), snapshot(2, 0.3, 9), 3)
	assert.False(t, d.Changed())
}

func TestDecideNoEpisodes(t *testing.T) {
	d := Decide(DefaultRules(defaultThresholds), types.DefaultPayload(), snapshot(0, 0, 0), 3)
	assert.False(t, d.Changed())
}

func TestDecideCostOptimization(t *testing.T) {
	p := types.DefaultPayload()
	p.ModelTier = types.ModelQuality

	d := Decide(DefaultRules(defaultThresholds), p, snapshot(3, 0.8, 0), 3)
	assert.Equal(t, []string{RuleCostOptimization}, firedRules(d))
	assert.Equal(t, types.ModelFast, d.Payload.ModelTier)
	assert.False(t, d.Corrective)
}

func TestDecideQualityCategoryClaimedByFirstMatch(t *testing.T) {
	// With overlapping thresholds both quality rules match; the earlier one
	// claims the category even though it has nothing left to change.
	th := defaultThresholds
	th.LowQuality = 0.9
	p := types.DefaultPayload()
	p.ModelTier = types.ModelQuality
	p.SearchDepth = types.DepthDeep
	p.TimeWindow = types.WindowAll

	d := Decide(DefaultRules(th), p, snapshot(3, 0.8, 0), 3)
	assert.False(t, d.Changed())
	assert.Equal(t, types.ModelQuality, d.Payload.ModelTier)
}

func TestDecideCombinesCategories(t *testing.T) {
	d := Decide(DefaultRules(defaultThresholds), types.DefaultPayload(), snapshot(3, 0.2, 6), 3)

	assert.Equal(t, []string{RuleLowQuality, RuleEfficiency}, firedRules(d))
	assert.Equal(t, []string{"model_tier", "search_depth", "time_window", "parallel_execution"}, fields(d))
	assert.True(t, d.Payload.ParallelExecution)
	assert.Contains(t, d.Reason(), "; efficiency: average follow-ups 6.0 above 5.0")
}

func TestDecideReenableEvaluation(t *testing.T) {
	p := types.DefaultPayload().WithoutTool(types.EvaluationTool)
	p.SkipEvaluation = true

	d := Decide(DefaultRules(defaultThresholds), p, snapshot(3, 0.65, 0), 3)
	assert.Equal(t, []string{RuleReenableEvaluation}, firedRules(d))
	assert.True(t, d.Corrective)
	assert.False(t, d.Payload.SkipEvaluation)
	assert.True(t, d.Payload.HasTool(types.EvaluationTool))
}

func TestDecideDoesNotMutateInput(t *testing.T) {
	p := types.DefaultPayload()
	before := p.Clone()
	_ = Decide(DefaultRules(defaultThresholds), p, snapshot(3, 0, 9), 3)
	assert.Equal(t, before, p.Clone())
	assert.True(t, p.HasTool(types.EvaluationTool))
}

func TestDiff(t *testing.T) {
	a := types.DefaultPayload()
	b := a.Clone()
	assert.Empty(t, Diff(a, b))

	a.EnabledTools = nil
	b.EnabledTools = []string{}
	a.DomainWeights = nil
	assert.Empty(t, Diff(a, b), "nil and empty are equal")

	b.DomainWeights = map[string]float64{"arxiv.org": 2}
	b.MaxFollowups = 9
	changes := Diff(a, b)
	require.Len(t, changes, 2)
	assert.Equal(t, "max_followups", changes[0].Field)
	assert.Equal(t, 5, changes[0].OldValue)
	assert.Equal(t, 9, changes[0].NewValue)
	assert.Equal(t, "domain_weights", changes[1].Field)
}

func TestDiffToolOrderIgnored(t *testing.T) {
	a := types.DefaultPayload()
	b := a.Clone()
	b.EnabledTools = []string{"summarize", "search", "fetch", "evaluate"}
	assert.Empty(t, Diff(a, b))
}
