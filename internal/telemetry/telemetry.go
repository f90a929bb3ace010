// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package telemetry records agent-run episodes and aggregates their
// outcomes into metrics snapshots for the decision engine.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

// DefaultWindowSize is the number of recent terminal episodes aggregated
// when the caller passes a non-positive window.
const DefaultWindowSize = 50

// Store is the persistence the aggregator needs. *store.Store satisfies it.
type Store interface {
	InsertEpisode(ctx context.Context, ep types.Episode) (bool, error)
	GetEpisode(ctx context.Context, id string) (*types.Episode, error)
	Transition(ctx context.Context, id string, next types.EpisodeStatus, outcome *types.Outcome, errMsg string) (*types.Episode, error)
	RecentTerminalEpisodes(ctx context.Context, topicID string, version *int, limit int) ([]types.Episode, error)
}

// Listener is notified after an episode reaches a terminal status. The
// decision engine implements it. Listeners must not block recording on
// their own failures.
type Listener interface {
	EpisodeFinished(ctx context.Context, ep types.Episode)
}

// Aggregator records episodes and computes metrics over them.
type Aggregator struct {
	store    Store
	listener Listener
	logger   *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithListener registers l to be called after terminal transitions.
func WithListener(l Listener) Option {
	return func(a *Aggregator) { a.listener = l }
}

// WithLogger sets the structured logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// NewAggregator returns an Aggregator backed by s.
func NewAggregator(s Store, opts ...Option) *Aggregator {
	a := &Aggregator{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetListener registers l after construction. It is not safe to call
// concurrently with recording.
func (a *Aggregator) SetListener(l Listener) {
	a.listener = l
}

// RecordEpisode appends ep. It validates the schema, requires the referenced
// topic and strategy version to exist, and is idempotent by episode ID so
// callers may retry after a TransientStorageError. A newly recorded terminal
// episode notifies the listener.
func (a *Aggregator) RecordEpisode(ctx context.Context, ep types.Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	inserted, err := a.store.InsertEpisode(ctx, ep)
	if err != nil {
		return fmt.Errorf("recording episode %s: %w", ep.ID, err)
	}
	if !inserted {
		a.logger.Debug("episode already recorded", "episode", ep.ID)
		return nil
	}
	if ep.Status.Terminal() {
		stored, err := a.store.GetEpisode(ctx, ep.ID)
		if err != nil {
			return fmt.Errorf("reading recorded episode %s: %w", ep.ID, err)
		}
		a.notify(ctx, *stored)
	}
	return nil
}

// CreatePending records a new pending episode for a run the execution
// collaborator is about to start.
func (a *Aggregator) CreatePending(ctx context.Context, topicID string, version int, query string) (*types.Episode, error) {
	ep := types.Episode{
		ID:              uuid.NewString(),
		TopicID:         topicID,
		StrategyVersion: version,
		Query:           query,
		Status:          types.EpisodePending,
	}
	if err := a.RecordEpisode(ctx, ep); err != nil {
		return nil, err
	}
	return a.store.GetEpisode(ctx, ep.ID)
}

// Start moves a pending episode to running.
func (a *Aggregator) Start(ctx context.Context, id string) (*types.Episode, error) {
	ep, err := a.store.Transition(ctx, id, types.EpisodeRunning, nil, "")
	if err != nil {
		return nil, fmt.Errorf("starting episode %s: %w", id, err)
	}
	return ep, nil
}

// Complete moves a running episode to completed with its final outcome.
func (a *Aggregator) Complete(ctx context.Context, id string, outcome types.Outcome) (*types.Episode, error) {
	ep, err := a.store.Transition(ctx, id, types.EpisodeCompleted, &outcome, "")
	if err != nil {
		return nil, fmt.Errorf("completing episode %s: %w", id, err)
	}
	a.notify(ctx, *ep)
	return ep, nil
}

// Fail moves a pending or running episode to failed. The episode keeps
// whatever outcome is passed (nil keeps the stored one) and records message.
func (a *Aggregator) Fail(ctx context.Context, id, message string, outcome *types.Outcome) (*types.Episode, error) {
	ep, err := a.store.Transition(ctx, id, types.EpisodeFailed, outcome, message)
	if err != nil {
		return nil, fmt.Errorf("failing episode %s: %w", id, err)
	}
	a.notify(ctx, *ep)
	return ep, nil
}

func (a *Aggregator) notify(ctx context.Context, ep types.Episode) {
	if a.listener == nil {
		return
	}
	a.listener.EpisodeFinished(ctx, ep)
}

// CalculateMetrics aggregates the most recent windowSize terminal episodes
// of the topic, optionally restricted to one strategy version. A
// non-positive windowSize uses DefaultWindowSize.
func (a *Aggregator) CalculateMetrics(ctx context.Context, topicID string, version *int, windowSize int) (types.MetricsSnapshot, error) {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	episodes, err := a.store.RecentTerminalEpisodes(ctx, topicID, version, windowSize)
	if err != nil {
		return types.MetricsSnapshot{}, fmt.Errorf("loading episodes for metrics: %w", err)
	}
	return Compute(topicID, version, windowSize, episodes), nil
}
