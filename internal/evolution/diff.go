// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package evolution

import (
	"maps"
	"slices"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

// payloadField describes one top-level payload field for diffing. Nested
// values (tool set, weight map) are compared whole and reported as a
// single change.
type payloadField struct {
	name  string
	equal func(a, b types.Payload) bool
	value func(p types.Payload) any
}

// payloadFields lists fields in the order changes are reported.
var payloadFields = []payloadField{
	{
		name:  "enabled_tools",
		equal: func(a, b types.Payload) bool { return slices.Equal(sortedTools(a), sortedTools(b)) },
		value: func(p types.Payload) any { return sortedTools(p) },
	},
	{
		name:  "search_strategy",
		equal: func(a, b types.Payload) bool { return a.SearchStrategy == b.SearchStrategy },
		value: func(p types.Payload) any { return string(p.SearchStrategy) },
	},
	{
		name:  "model_tier",
		equal: func(a, b types.Payload) bool { return a.ModelTier == b.ModelTier },
		value: func(p types.Payload) any { return string(p.ModelTier) },
	},
	{
		name:  "search_depth",
		equal: func(a, b types.Payload) bool { return a.SearchDepth == b.SearchDepth },
		value: func(p types.Payload) any { return string(p.SearchDepth) },
	},
	{
		name:  "time_window",
		equal: func(a, b types.Payload) bool { return a.TimeWindow == b.TimeWindow },
		value: func(p types.Payload) any { return string(p.TimeWindow) },
	},
	{
		name:  "parallel_execution",
		equal: func(a, b types.Payload) bool { return a.ParallelExecution == b.ParallelExecution },
		value: func(p types.Payload) any { return p.ParallelExecution },
	},
	{
		name:  "skip_evaluation",
		equal: func(a, b types.Payload) bool { return a.SkipEvaluation == b.SkipEvaluation },
		value: func(p types.Payload) any { return p.SkipEvaluation },
	},
	{
		name:  "max_followups",
		equal: func(a, b types.Payload) bool { return a.MaxFollowups == b.MaxFollowups },
		value: func(p types.Payload) any { return p.MaxFollowups },
	},
	{
		name:  "domain_weights",
		equal: func(a, b types.Payload) bool { return maps.Equal(a.DomainWeights, b.DomainWeights) },
		value: func(p types.Payload) any { return maps.Clone(p.DomainWeights) },
	},
}

// Diff returns one change per top-level field that differs between old and
// next, in payload field order.
func Diff(old, next types.Payload) []types.FieldChange {
	var changes []types.FieldChange
	for _, f := range payloadFields {
		if f.equal(old, next) {
			continue
		}
		changes = append(changes, types.FieldChange{
			Field:    f.name,
			OldValue: f.value(old),
			NewValue: f.value(next),
		})
	}
	return changes
}

func sortedTools(p types.Payload) []string {
	tools := slices.Clone(p.EnabledTools)
	if tools == nil {
		tools = []string{}
	}
	slices.Sort(tools)
	return tools
}
