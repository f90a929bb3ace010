// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// FieldChange records one top-level payload field that differs between
// two versions.
type FieldChange struct {
	Field    string `json:"field" yaml:"field"`
	OldValue any    `json:"old_value" yaml:"old_value"`
	NewValue any    `json:"new_value" yaml:"new_value"`
}

// EvolutionLog is one append-only ledger entry describing a version transition.
type EvolutionLog struct {
	ID          string        `json:"id" yaml:"id"`
	TopicID     string        `json:"topic_id" yaml:"topic_id"`
	FromVersion int           `json:"from_version" yaml:"from_version"`
	ToVersion   int           `json:"to_version" yaml:"to_version"`
	Reason      string        `json:"reason" yaml:"reason"`
	Changes     []FieldChange `json:"changes" yaml:"changes"`
	CreatedAt   time.Time     `json:"created_at" yaml:"created_at"`
}

// MetricsSnapshot aggregates outcome telemetry over a window of terminal
// episodes. It is deterministic for a given episode set.
type MetricsSnapshot struct {
	TopicID string `json:"topic_id" yaml:"topic_id"`

	// Version restricts the window to one strategy version when non-nil.
	Version *int `json:"version,omitempty" yaml:"version,omitempty"`

	WindowSize   int `json:"window_size" yaml:"window_size"`
	EpisodeCount int `json:"episode_count" yaml:"episode_count"`

	// AvgSaveRate is the mean of |saved|/|returned|; an episode with no
	// returned sources contributes 0.
	AvgSaveRate      float64 `json:"avg_save_rate" yaml:"avg_save_rate"`
	AvgFollowupCount float64 `json:"avg_followup_count" yaml:"avg_followup_count"`
	FailureRate      float64 `json:"failure_rate" yaml:"failure_rate"`

	// SourcesReturned and SourcesSaved are window totals used in reason text.
	SourcesReturned int `json:"sources_returned" yaml:"sources_returned"`
	SourcesSaved    int `json:"sources_saved" yaml:"sources_saved"`

	// LatestEpisodeID is the newest episode included in the window.
	LatestEpisodeID string `json:"latest_episode_id,omitempty" yaml:"latest_episode_id,omitempty"`
}
