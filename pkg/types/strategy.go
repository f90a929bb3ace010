// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"maps"
	"slices"
	"time"
)

// StrategyStatus is the lifecycle state of one StrategyConfig version.
type StrategyStatus string

const (
	StatusCandidate StrategyStatus = "candidate"
	StatusActive    StrategyStatus = "active"
	StatusArchived  StrategyStatus = "archived"
)

// SearchStrategy selects how the agent formulates queries.
type SearchStrategy string

const (
	SearchKeyword  SearchStrategy = "keyword"
	SearchSemantic SearchStrategy = "semantic"
	SearchHybrid   SearchStrategy = "hybrid"
)

// ModelTier selects the generation model class. ModelQuality is the top tier.
type ModelTier string

const (
	ModelFast    ModelTier = "fast"
	ModelQuality ModelTier = "quality"
)

// SearchDepth controls how many result pages the agent follows.
type SearchDepth string

const (
	DepthShallow  SearchDepth = "shallow"
	DepthStandard SearchDepth = "standard"
	DepthDeep     SearchDepth = "deep"
)

// searchDepths is ordered from narrowest to widest.
var searchDepths = []SearchDepth{DepthShallow, DepthStandard, DepthDeep}

// Deeper returns the next depth step, or d itself when already at the cap.
func (d SearchDepth) Deeper() SearchDepth {
	return nextStep(searchDepths, d)
}

// TimeWindow bounds the publication age of sources the agent considers.
type TimeWindow string

const (
	WindowDay   TimeWindow = "day"
	WindowWeek  TimeWindow = "week"
	WindowMonth TimeWindow = "month"
	WindowAll   TimeWindow = "all"
)

var timeWindows = []TimeWindow{WindowDay, WindowWeek, WindowMonth, WindowAll}

// Wider returns the next window step, or w itself when already at the cap.
func (w TimeWindow) Wider() TimeWindow {
	return nextStep(timeWindows, w)
}

func nextStep[T comparable](steps []T, cur T) T {
	i := slices.Index(steps, cur)
	if i < 0 || i == len(steps)-1 {
		return cur
	}
	return steps[i+1]
}

// EvaluationTool is the tool name removed when evaluation is skipped.
const EvaluationTool = "evaluate"

// Payload is the set of agent parameters governed by one strategy version.
// Callers must treat a stored Payload as read-only; use Clone before mutating.
type Payload struct {
	// EnabledTools is the sorted set of tool names the agent may call.
	EnabledTools []string `json:"enabled_tools" yaml:"enabled_tools" validate:"unique,dive,required"`

	// SearchStrategy selects keyword, semantic, or hybrid retrieval.
	SearchStrategy SearchStrategy `json:"search_strategy" yaml:"search_strategy" validate:"required,oneof=keyword semantic hybrid"`

	// ModelTier selects the fast (cheaper) or quality (top) model.
	ModelTier ModelTier `json:"model_tier" yaml:"model_tier" validate:"required,oneof=fast quality"`

	// SearchDepth is one of shallow, standard, deep.
	SearchDepth SearchDepth `json:"search_depth" yaml:"search_depth" validate:"required,oneof=shallow standard deep"`

	// TimeWindow is one of day, week, month, all.
	TimeWindow TimeWindow `json:"time_window" yaml:"time_window" validate:"required,oneof=day week month all"`

	// ParallelExecution runs follow-up queries concurrently.
	ParallelExecution bool `json:"parallel_execution" yaml:"parallel_execution"`

	// SkipEvaluation bypasses the source evaluation step.
	SkipEvaluation bool `json:"skip_evaluation" yaml:"skip_evaluation"`

	// MaxFollowups caps follow-up queries per run.
	MaxFollowups int `json:"max_followups" yaml:"max_followups" validate:"gte=0,lte=50"`

	// DomainWeights biases ranking toward source domains.
	DomainWeights map[string]float64 `json:"domain_weights" yaml:"domain_weights" validate:"dive,keys,required,endkeys,gte=0"`
}

// DefaultPayload returns the payload used to bootstrap a topic when the
// caller supplies none.
func DefaultPayload() Payload {
	return Payload{
		EnabledTools:   []string{"evaluate", "fetch", "search", "summarize"},
		SearchStrategy: SearchHybrid,
		ModelTier:      ModelFast,
		SearchDepth:    DepthStandard,
		TimeWindow:     WindowWeek,
		MaxFollowups:   5,
		DomainWeights:  map[string]float64{},
	}
}

// Clone returns a deep copy of p with EnabledTools sorted.
func (p Payload) Clone() Payload {
	out := p
	out.EnabledTools = slices.Clone(p.EnabledTools)
	if out.EnabledTools == nil {
		out.EnabledTools = []string{}
	}
	slices.Sort(out.EnabledTools)
	out.DomainWeights = maps.Clone(p.DomainWeights)
	if out.DomainWeights == nil {
		out.DomainWeights = map[string]float64{}
	}
	return out
}

// HasTool reports whether name is in the enabled tool set.
func (p Payload) HasTool(name string) bool {
	return slices.Contains(p.EnabledTools, name)
}

// WithTool returns a copy of p with name added to the tool set.
func (p Payload) WithTool(name string) Payload {
	out := p.Clone()
	if !out.HasTool(name) {
		out.EnabledTools = append(out.EnabledTools, name)
		slices.Sort(out.EnabledTools)
	}
	return out
}

// WithoutTool returns a copy of p with name removed from the tool set.
func (p Payload) WithoutTool(name string) Payload {
	out := p.Clone()
	out.EnabledTools = slices.DeleteFunc(out.EnabledTools, func(t string) bool { return t == name })
	return out
}

// Topic is a research space with one evolving strategy lineage.
type Topic struct {
	// ID is a stable identifier (uuid unless supplied by the caller).
	ID string `json:"id" yaml:"id" validate:"required"`

	// Title is the human-readable research question or area.
	Title string `json:"title" yaml:"title" validate:"required"`

	// Owner references the user who created the topic.
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`

	// ActiveVersion points into the topic's lineage. Nil until bootstrap.
	ActiveVersion *int `json:"active_version" yaml:"active_version"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// StrategyConfig is one immutable, versioned configuration snapshot.
type StrategyConfig struct {
	ID      string `json:"id" yaml:"id"`
	TopicID string `json:"topic_id" yaml:"topic_id"`

	// Version is assigned at creation as max(existing)+1, starting at 0.
	Version int `json:"version" yaml:"version"`

	// ParentVersion is the version this one was derived from; nil for a root.
	ParentVersion *int `json:"parent_version" yaml:"parent_version"`

	Status StrategyStatus `json:"status" yaml:"status"`

	// RolloutPercentage is the share of resources routed to a candidate.
	RolloutPercentage int `json:"rollout_percentage" yaml:"rollout_percentage" validate:"gte=0,lte=100"`

	Payload   Payload   `json:"payload" yaml:"payload"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// IntPtr returns a pointer to v. Used for nullable version references.
func IntPtr(v int) *int {
	return &v
}
