// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// EpisodeStatus is the execution state of one agent run.
type EpisodeStatus string

const (
	EpisodePending   EpisodeStatus = "pending"
	EpisodeRunning   EpisodeStatus = "running"
	EpisodeCompleted EpisodeStatus = "completed"
	EpisodeFailed    EpisodeStatus = "failed"
)

// Terminal reports whether s is completed or failed.
func (s EpisodeStatus) Terminal() bool {
	return s == EpisodeCompleted || s == EpisodeFailed
}

// CanTransition reports whether an episode may move from s to next.
func (s EpisodeStatus) CanTransition(next EpisodeStatus) bool {
	switch s {
	case EpisodePending:
		return next == EpisodeRunning || next == EpisodeFailed
	case EpisodeRunning:
		return next == EpisodeCompleted || next == EpisodeFailed
	}
	return false
}

// Episode is the telemetry record of one agent run against a strategy version.
type Episode struct {
	ID      string `json:"id" yaml:"id" validate:"required"`
	TopicID string `json:"topic_id" yaml:"topic_id" validate:"required"`

	// StrategyVersion references the (possibly archived) version that governed the run.
	StrategyVersion int `json:"strategy_version" yaml:"strategy_version" validate:"gte=0"`

	Query  string        `json:"query" yaml:"query"`
	Status EpisodeStatus `json:"status" yaml:"status" validate:"required,oneof=pending running completed failed"`

	// SourcesReturned lists source references in the order the agent returned them.
	SourcesReturned []string `json:"sources_returned" yaml:"sources_returned"`

	// SourcesSaved is the subset of SourcesReturned the user kept.
	SourcesSaved []string `json:"sources_saved" yaml:"sources_saved"`

	FollowupCount int `json:"followup_count" yaml:"followup_count" validate:"gte=0"`

	// ToolUsage is opaque to the engine and stored as-is.
	ToolUsage map[string]any `json:"tool_usage,omitempty" yaml:"tool_usage,omitempty"`

	// ErrorMessage is set iff Status is failed.
	ErrorMessage string `json:"error_message,omitempty" yaml:"error_message,omitempty"`

	CreatedAt  time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`

	// FinishedSeq orders terminal transitions across the store. Zero while
	// the episode is not terminal.
	FinishedSeq int64 `json:"finished_seq,omitempty" yaml:"finished_seq,omitempty"`
}

// Outcome carries the final telemetry reported when an episode ends.
type Outcome struct {
	SourcesReturned []string       `json:"sources_returned" yaml:"sources_returned"`
	SourcesSaved    []string       `json:"sources_saved" yaml:"sources_saved"`
	FollowupCount   int            `json:"followup_count" yaml:"followup_count" validate:"gte=0"`
	ToolUsage       map[string]any `json:"tool_usage,omitempty" yaml:"tool_usage,omitempty"`
}
