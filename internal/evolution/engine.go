// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package evolution implements the decision engine: it evaluates ordered
// rules against a topic's recent outcome metrics and, when a rule changes
// the active payload, writes a new strategy version together with its
// ledger entry.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/strategy-engine/internal/retry"
	"github.com/pdiddy/strategy-engine/internal/store"
	"github.com/pdiddy/strategy-engine/pkg/types"
)

// Store is the persistence the engine needs. *store.Store satisfies it.
type Store interface {
	ListTopics(ctx context.Context) ([]types.Topic, error)
	GetVersion(ctx context.Context, topicID string, version int) (*types.StrategyConfig, error)
	GetActive(ctx context.Context, topicID string) (*types.StrategyConfig, error)
	GetCandidate(ctx context.Context, topicID string) (*types.StrategyConfig, error)
	ListVersions(ctx context.Context, topicID string) ([]types.StrategyConfig, error)
	Archive(ctx context.Context, topicID string, version int) (*types.StrategyConfig, error)
	LatestFinished(ctx context.Context, topicID string) (int64, string, error)
	GetCursor(ctx context.Context, topicID string) (store.Cursor, error)
	ApplyEvolution(ctx context.Context, w store.EvolutionWrite) (*types.StrategyConfig, *types.EvolutionLog, error)
	PromoteWithLog(ctx context.Context, w store.PromotionWrite) (*types.StrategyConfig, *types.EvolutionLog, error)
	ArchiveWithCursor(ctx context.Context, w store.ArchiveWrite) (*types.StrategyConfig, error)
}

// MetricsSource computes windowed metrics. *telemetry.Aggregator satisfies it.
type MetricsSource interface {
	CalculateMetrics(ctx context.Context, topicID string, version *int, windowSize int) (types.MetricsSnapshot, error)
}

// Action names what a decision cycle did.
type Action string

const (
	ActionSkipped           Action = "skipped"
	ActionNoChange          Action = "no_change"
	ActionHeld              Action = "held"
	ActionRejected          Action = "rejected"
	ActionPromoted          Action = "promoted"
	ActionStaged            Action = "staged"
	ActionCandidatePromoted Action = "candidate_promoted"
	ActionCandidateArchived Action = "candidate_archived"
	ActionFailed            Action = "failed"
)

// Outcome describes one decision cycle.
type Outcome struct {
	TopicID  string                `json:"topic_id" yaml:"topic_id"`
	Action   Action                `json:"action" yaml:"action"`
	Metrics  types.MetricsSnapshot `json:"metrics" yaml:"metrics"`
	Decision Decision              `json:"decision" yaml:"decision"`

	// Version is the version created, promoted, or archived, if any.
	Version *types.StrategyConfig `json:"version,omitempty" yaml:"version,omitempty"`
	Log     *types.EvolutionLog   `json:"log,omitempty" yaml:"log,omitempty"`
}

// EvaluateOptions adjusts one cycle.
type EvaluateOptions struct {
	// RolloutPercentage overrides the rollout chosen from the fired rules.
	RolloutPercentage *int
}

// Engine runs decision cycles. Cycles for the same topic are serialized;
// different topics run independently.
type Engine struct {
	store   Store
	metrics MetricsSource
	rules   []Rule
	cfg     types.EngineConfig
	logger  *slog.Logger

	locks topicLocks

	cursorMu sync.Mutex
	cursors  map[string]store.Cursor
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules replaces the default rule list.
func WithRules(rules []Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithLogger sets the structured logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an Engine. Zero-valued config fields take their defaults.
func New(s Store, m MetricsSource, cfg types.EngineConfig, opts ...Option) *Engine {
	cfg = cfg.WithDefaults()
	e := &Engine{
		store:   s,
		metrics: m,
		rules:   DefaultRules(cfg.Thresholds),
		cfg:     cfg,
		logger:  slog.Default(),
		cursors: make(map[string]store.Cursor),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EpisodeFinished runs a cycle for the episode's topic. It never returns an
// error to the recording path; failures are logged by Evaluate.
func (e *Engine) EpisodeFinished(ctx context.Context, ep types.Episode) {
	_, _ = e.Evaluate(ctx, ep.TopicID)
}

// Evaluate runs one decision cycle for topicID with default options.
func (e *Engine) Evaluate(ctx context.Context, topicID string) (Outcome, error) {
	return e.EvaluateWith(ctx, topicID, EvaluateOptions{})
}

// EvaluateWith runs one decision cycle for topicID. A cycle with no terminal
// episode newer than the last evaluated one is skipped. On error nothing is
// written and the active version is unchanged.
func (e *Engine) EvaluateWith(ctx context.Context, topicID string, opts EvaluateOptions) (Outcome, error) {
	if opts.RolloutPercentage != nil {
		if err := types.ValidateRollout(*opts.RolloutPercentage); err != nil {
			return Outcome{TopicID: topicID, Action: ActionFailed}, err
		}
	}

	start := time.Now()
	unlock := e.locks.lock(topicID)
	out, err := e.evaluate(ctx, topicID, opts)
	unlock()
	cycleDuration.Observe(time.Since(start).Seconds())
	cyclesTotal.WithLabelValues(string(out.Action)).Inc()

	if err != nil {
		e.logger.Error("decision cycle failed", "topic", topicID, "error", err)
		return out, fmt.Errorf("evaluating topic %s: %w", topicID, err)
	}
	e.record(out)
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, topicID string, opts EvaluateOptions) (Outcome, error) {
	failed := Outcome{TopicID: topicID, Action: ActionFailed}

	seq, episodeID, err := e.store.LatestFinished(ctx, topicID)
	if err != nil {
		return failed, fmt.Errorf("reading latest finished episode: %w", err)
	}
	cursor, err := e.cursor(ctx, topicID)
	if err != nil {
		return failed, err
	}
	if seq == 0 || seq <= cursor.FinishedSeq {
		return Outcome{TopicID: topicID, Action: ActionSkipped}, nil
	}
	next := store.Cursor{FinishedSeq: seq, EpisodeID: episodeID}

	var out Outcome
	err = retry.Do(ctx, e.cfg.MaxPromoteAttempts, retry.IsConflict, func() error {
		var err error
		out, err = e.cycle(ctx, topicID, next, opts)
		if retry.IsConflict(err) {
			e.logger.Warn("decision cycle conflict, re-reading", "topic", topicID, "error", err)
		}
		return err
	})
	if err != nil {
		return failed, err
	}

	e.cursorMu.Lock()
	e.cursors[topicID] = next
	e.cursorMu.Unlock()
	return out, nil
}

// cycle reads the current state, resolves a pending candidate if it has
// enough data, and otherwise applies the rules to the active payload.
func (e *Engine) cycle(ctx context.Context, topicID string, next store.Cursor, opts EvaluateOptions) (Outcome, error) {
	out := Outcome{TopicID: topicID, Action: ActionNoChange}

	active, err := e.store.GetActive(ctx, topicID)
	if err != nil {
		return out, fmt.Errorf("reading active version: %w", err)
	}
	candidate, err := e.store.GetCandidate(ctx, topicID)
	if err != nil {
		return out, fmt.Errorf("reading candidate version: %w", err)
	}

	if candidate != nil {
		resolved, ok, err := e.resolveCandidate(ctx, active, candidate, next)
		if err != nil || ok {
			return resolved, err
		}
	}

	m, err := e.metrics.CalculateMetrics(ctx, topicID, &active.Version, e.cfg.WindowSize)
	if err != nil {
		return out, err
	}
	out.Metrics = m

	d := Decide(e.rules, active.Payload, m, e.cfg.MinSamples)
	out.Decision = d
	if !d.Changed() {
		return out, nil
	}

	rollout := e.rolloutFor(d, opts)
	var supersede *int
	if candidate != nil {
		if rollout < 100 {
			e.logger.Info("holding exploratory change while a candidate is staged",
				"topic", topicID, "candidate", candidate.Version, "reason", d.Reason())
			out.Action = ActionHeld
			return out, nil
		}
		supersede = &candidate.Version
	}
	if rollout < 100 {
		rejected, err := e.rejectedBefore(ctx, active, d.Payload)
		if err != nil {
			return out, err
		}
		if rejected != nil {
			e.logger.Info("not restaging a payload already rejected for this active version",
				"topic", topicID, "archived", rejected.Version, "reason", d.Reason())
			out.Action = ActionRejected
			return out, nil
		}
	}

	cfg, entry, err := e.store.ApplyEvolution(ctx, store.EvolutionWrite{
		TopicID:            topicID,
		ExpectedActive:     active.Version,
		Payload:            d.Payload,
		RolloutPercentage:  rollout,
		SupersedeCandidate: supersede,
		Reason:             d.Reason(),
		Changes:            d.Changes,
		Cursor:             next,
	})
	if err != nil {
		return out, err
	}
	out.Version, out.Log = cfg, entry
	out.Action = ActionStaged
	if cfg.Status == types.StatusActive {
		out.Action = ActionPromoted
	}
	return out, nil
}

// resolveCandidate compares a staged candidate against the active version
// once both have MinSamples terminal episodes. ok is false when there is not
// yet enough data.
func (e *Engine) resolveCandidate(ctx context.Context, active, candidate *types.StrategyConfig, next store.Cursor) (Outcome, bool, error) {
	topicID := active.TopicID
	out := Outcome{TopicID: topicID}

	cm, err := e.metrics.CalculateMetrics(ctx, topicID, &candidate.Version, e.cfg.WindowSize)
	if err != nil {
		return out, false, err
	}
	am, err := e.metrics.CalculateMetrics(ctx, topicID, &active.Version, e.cfg.WindowSize)
	if err != nil {
		return out, false, err
	}
	if cm.EpisodeCount < e.cfg.MinSamples || am.EpisodeCount < e.cfg.MinSamples {
		return out, false, nil
	}
	out.Metrics = cm

	if cm.AvgSaveRate >= am.AvgSaveRate {
		reason := fmt.Sprintf("candidate_promotion: candidate v%d save rate %.2f >= active v%d save rate %.2f over %d/%d episodes",
			candidate.Version, cm.AvgSaveRate, active.Version, am.AvgSaveRate, cm.EpisodeCount, am.EpisodeCount)
		cfg, entry, err := e.store.PromoteWithLog(ctx, store.PromotionWrite{
			TopicID:        topicID,
			ExpectedActive: active.Version,
			Version:        candidate.Version,
			Reason:         reason,
			Changes:        Diff(active.Payload, candidate.Payload),
			Cursor:         next,
		})
		if err != nil {
			return out, false, err
		}
		out.Action = ActionCandidatePromoted
		out.Version, out.Log = cfg, entry
		return out, true, nil
	}

	cfg, err := e.store.ArchiveWithCursor(ctx, store.ArchiveWrite{
		TopicID: topicID,
		Version: candidate.Version,
		Cursor:  next,
	})
	if err != nil {
		return out, false, err
	}
	e.logger.Info("archived underperforming candidate", "topic", topicID, "candidate", candidate.Version,
		"candidate_save_rate", cm.AvgSaveRate, "active_save_rate", am.AvgSaveRate)
	out.Action = ActionCandidateArchived
	out.Version = cfg
	return out, true, nil
}

// rejectedBefore returns the archived candidate derived from active whose
// payload equals payload, or nil. Staging it again would repeat an
// experiment the active version already won.
func (e *Engine) rejectedBefore(ctx context.Context, active *types.StrategyConfig, payload types.Payload) (*types.StrategyConfig, error) {
	versions, err := e.store.ListVersions(ctx, active.TopicID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v.Status != types.StatusArchived || v.ParentVersion == nil || *v.ParentVersion != active.Version {
			continue
		}
		if len(Diff(v.Payload, payload)) == 0 {
			return &v, nil
		}
	}
	return nil, nil
}

func (e *Engine) rolloutFor(d Decision, opts EvaluateOptions) int {
	if opts.RolloutPercentage != nil {
		return *opts.RolloutPercentage
	}
	if d.Corrective {
		return 100
	}
	return e.cfg.ExploratoryRollout
}

// cursor returns the in-memory cursor, falling back to the persisted one.
func (e *Engine) cursor(ctx context.Context, topicID string) (store.Cursor, error) {
	e.cursorMu.Lock()
	c, ok := e.cursors[topicID]
	e.cursorMu.Unlock()
	if ok {
		return c, nil
	}
	c, err := e.store.GetCursor(ctx, topicID)
	if err != nil {
		return store.Cursor{}, fmt.Errorf("reading evaluation cursor: %w", err)
	}
	return c, nil
}

func (e *Engine) record(out Outcome) {
	if out.Action == ActionPromoted || out.Action == ActionStaged {
		for _, f := range out.Decision.Fired {
			rulesFiredTotal.WithLabelValues(f.Rule).Inc()
		}
	}
	switch out.Action {
	case ActionPromoted:
		versionsCreatedTotal.WithLabelValues(string(types.StatusActive)).Inc()
		promotionsTotal.WithLabelValues("evolution").Inc()
	case ActionStaged:
		versionsCreatedTotal.WithLabelValues(string(types.StatusCandidate)).Inc()
	case ActionCandidatePromoted:
		promotionsTotal.WithLabelValues("candidate").Inc()
	}

	switch out.Action {
	case ActionPromoted, ActionStaged, ActionCandidatePromoted:
		e.logger.Info("strategy evolved", "topic", out.TopicID, "action", out.Action,
			"version", out.Version.Version, "rollout", out.Version.RolloutPercentage, "reason", out.Log.Reason)
	case ActionNoChange:
		e.logger.Debug("no rule fired", "topic", out.TopicID,
			"episodes", out.Metrics.EpisodeCount, "save_rate", out.Metrics.AvgSaveRate)
	}
}

// EvaluateTopics runs a cycle for each topic with at most
// EngineConfig.Parallelism cycles in flight. A failing topic does not stop
// the others; all errors are joined.
func (e *Engine) EvaluateTopics(ctx context.Context, topicIDs []string) ([]Outcome, error) {
	outcomes := make([]Outcome, len(topicIDs))
	errs := make([]error, len(topicIDs))

	var g errgroup.Group
	g.SetLimit(e.cfg.Parallelism)
	for i, id := range topicIDs {
		g.Go(func() error {
			outcomes[i], errs[i] = e.Evaluate(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, errors.Join(errs...)
}

// EvaluateAll runs EvaluateTopics over every topic in the store.
func (e *Engine) EvaluateAll(ctx context.Context) ([]Outcome, error) {
	topics, err := e.store.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing topics: %w", err)
	}
	ids := make([]string, len(topics))
	for i, t := range topics {
		ids[i] = t.ID
	}
	return e.EvaluateTopics(ctx, ids)
}

// Promote makes version the active version of topicID on a manual decision
// and records it in the ledger. An empty reason gets a default.
func (e *Engine) Promote(ctx context.Context, topicID string, version int, reason string) (*types.StrategyConfig, *types.EvolutionLog, error) {
	if reason == "" {
		reason = fmt.Sprintf("manual_promotion: version %d approved", version)
	}

	unlock := e.locks.lock(topicID)
	defer unlock()

	var (
		cfg   *types.StrategyConfig
		entry *types.EvolutionLog
	)
	err := retry.Do(ctx, e.cfg.MaxPromoteAttempts, retry.IsConflict, func() error {
		active, err := e.store.GetActive(ctx, topicID)
		if err != nil {
			return err
		}
		if active.Version == version {
			return errNotPromotable(fmt.Sprintf("version %d is already active", version))
		}
		target, err := e.store.GetVersion(ctx, topicID, version)
		if err != nil {
			return err
		}
		if target.Status == types.StatusArchived {
			return errNotPromotable(fmt.Sprintf("version %d is archived", version))
		}
		cfg, entry, err = e.store.PromoteWithLog(ctx, store.PromotionWrite{
			TopicID:        topicID,
			ExpectedActive: active.Version,
			Version:        version,
			Reason:         reason,
			Changes:        Diff(active.Payload, target.Payload),
		})
		return err
	})
	if err != nil {
		var np errNotPromotable
		if errors.As(err, &np) {
			err = &types.ConflictError{Op: "promote", Detail: string(np)}
		}
		return nil, nil, fmt.Errorf("promoting %s v%d: %w", topicID, version, err)
	}
	promotionsTotal.WithLabelValues("manual").Inc()
	e.logger.Info("strategy promoted", "topic", topicID, "version", version, "reason", reason)
	return cfg, entry, nil
}

// errNotPromotable stops the promotion retry loop early; it is reported as
// a ConflictError.
type errNotPromotable string

func (e errNotPromotable) Error() string { return string(e) }

// Archive rejects a staged candidate without promoting it.
func (e *Engine) Archive(ctx context.Context, topicID string, version int) (*types.StrategyConfig, error) {
	unlock := e.locks.lock(topicID)
	defer unlock()

	cfg, err := e.store.Archive(ctx, topicID, version)
	if err != nil {
		return nil, fmt.Errorf("archiving %s v%d: %w", topicID, version, err)
	}
	e.logger.Info("strategy archived", "topic", topicID, "version", version)
	return cfg, nil
}
