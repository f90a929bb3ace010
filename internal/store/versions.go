// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

const strategyColumns = `id, topic_id, version, parent_version, status, rollout_percentage, payload, created_at`

// CreateTopic inserts topic and bootstraps its lineage with version 0
// (active, rollout 100, no parent) carrying payload. Both rows are written
// in one transaction. An empty topic.ID is replaced with a uuid.
func (s *Store) CreateTopic(ctx context.Context, topic types.Topic, payload types.Payload) (*types.Topic, *types.StrategyConfig, error) {
	if topic.ID == "" {
		topic.ID = uuid.NewString()
	}
	topic.CreatedAt = s.now().UTC()
	topic.ActiveVersion = nil
	if err := topic.Validate(); err != nil {
		return nil, nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, nil, err
	}

	var cfg *types.StrategyConfig
	err := s.withTx(ctx, "create topic", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO topics (id, title, owner, created_at) VALUES (?, ?, ?, ?)`,
			topic.ID, topic.Title, topic.Owner, formatTime(topic.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting topic: %w", err)
		}
		cfg, err = s.createVersionTx(ctx, tx, topic.ID, payload, nil, types.StatusActive, 100)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	topic.ActiveVersion = types.IntPtr(cfg.Version)
	return &topic, cfg, nil
}

// GetTopic returns the topic with the given ID.
func (s *Store) GetTopic(ctx context.Context, topicID string) (*types.Topic, error) {
	return getTopic(ctx, s.db, topicID)
}

// ListTopics returns all topics ordered by creation time.
func (s *Store) ListTopics(ctx context.Context) ([]types.Topic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, owner, active_version, created_at FROM topics ORDER BY created_at, id`)
	if err != nil {
		return nil, classify("list topics", err)
	}
	defer rows.Close()

	var topics []types.Topic
	for rows.Next() {
		t, err := scanTopic(rows.Scan)
		if err != nil {
			return nil, err
		}
		topics = append(topics, *t)
	}
	return topics, rows.Err()
}

func getTopic(ctx context.Context, q queryer, topicID string) (*types.Topic, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, title, owner, active_version, created_at FROM topics WHERE id = ?`, topicID)
	t, err := scanTopic(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Entity: "topic", Key: topicID}
	}
	if err != nil {
		return nil, classify("get topic", err)
	}
	return t, nil
}

func scanTopic(scan func(dest ...any) error) (*types.Topic, error) {
	var (
		t       types.Topic
		owner   sql.NullString
		active  sql.NullInt64
		created string
	)
	if err := scan(&t.ID, &t.Title, &owner, &active, &created); err != nil {
		return nil, err
	}
	t.Owner = owner.String
	t.ActiveVersion = intFromNull(active)
	t.CreatedAt = parseTime(created)
	return &t, nil
}

// CreateVersion appends a version to the topic's lineage with
// version = max(existing)+1. The first version of a topic is always
// bootstrapped as active with rollout 100 and no parent, whatever the
// arguments. Later versions may be created as candidate (staged) or active
// (created and promoted in the same transaction). A concurrent creation that
// wins the same version number, or a second staged candidate, yields a
// ConflictError.
func (s *Store) CreateVersion(ctx context.Context, topicID string, payload types.Payload, parentVersion *int, status types.StrategyStatus, rolloutPercentage int) (*types.StrategyConfig, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if err := types.ValidateRollout(rolloutPercentage); err != nil {
		return nil, err
	}

	var cfg *types.StrategyConfig
	err := s.withTx(ctx, "create version", func(tx *sql.Tx) error {
		var err error
		cfg, err = s.createVersionTx(ctx, tx, topicID, payload, parentVersion, status, rolloutPercentage)
		return err
	})
	return cfg, err
}

func (s *Store) createVersionTx(ctx context.Context, tx *sql.Tx, topicID string, payload types.Payload, parentVersion *int, status types.StrategyStatus, rollout int) (*types.StrategyConfig, error) {
	if _, err := getTopic(ctx, tx, topicID); err != nil {
		return nil, err
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), -1) FROM strategies WHERE topic_id = ?`, topicID,
	).Scan(&maxVersion); err != nil {
		return nil, fmt.Errorf("reading max version: %w", err)
	}

	cfg := &types.StrategyConfig{
		ID:                uuid.NewString(),
		TopicID:           topicID,
		Version:           maxVersion + 1,
		ParentVersion:     parentVersion,
		Status:            types.StatusCandidate,
		RolloutPercentage: rollout,
		Payload:           payload.Clone(),
		CreatedAt:         s.now().UTC(),
	}

	bootstrap := cfg.Version == 0
	if bootstrap {
		cfg.Status = types.StatusActive
		cfg.RolloutPercentage = 100
		cfg.ParentVersion = nil
	} else {
		switch status {
		case types.StatusCandidate, types.StatusActive:
		default:
			return nil, &types.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot create a version as %q", status)}
		}
		if parentVersion != nil {
			if _, err := getVersion(ctx, tx, topicID, *parentVersion); err != nil {
				return nil, err
			}
		}
		if existing, err := getCandidate(ctx, tx, topicID); err != nil {
			return nil, err
		} else if existing != nil {
			return nil, &types.ConflictError{
				Op:     "create version",
				Detail: fmt.Sprintf("candidate version %d is already staged for topic %s", existing.Version, topicID),
			}
		}
	}

	payloadJSON, err := json.Marshal(cfg.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO strategies (`+strategyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.TopicID, cfg.Version, nullInt(cfg.ParentVersion), string(cfg.Status),
		cfg.RolloutPercentage, string(payloadJSON), formatTime(cfg.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting version %d: %w", cfg.Version, err)
	}

	if bootstrap {
		if _, err := tx.ExecContext(ctx,
			`UPDATE topics SET active_version = ? WHERE id = ?`, cfg.Version, topicID,
		); err != nil {
			return nil, fmt.Errorf("setting bootstrap active version: %w", err)
		}
		return cfg, nil
	}

	if status == types.StatusActive {
		return promoteTx(ctx, tx, topicID, cfg.Version)
	}
	return cfg, nil
}

// GetVersion returns one version of a topic's lineage.
func (s *Store) GetVersion(ctx context.Context, topicID string, version int) (*types.StrategyConfig, error) {
	return getVersion(ctx, s.db, topicID, version)
}

func getVersion(ctx context.Context, q queryer, topicID string, version int) (*types.StrategyConfig, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE topic_id = ? AND version = ?`, topicID, version)
	cfg, err := scanStrategy(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Entity: "strategy version", Key: topicID + "@" + strconv.Itoa(version)}
	}
	if err != nil {
		return nil, classify("get version", err)
	}
	return cfg, nil
}

// GetActive resolves the topic's active version. It returns a NotFoundError
// if the topic does not exist or has not been bootstrapped.
func (s *Store) GetActive(ctx context.Context, topicID string) (*types.StrategyConfig, error) {
	return getActive(ctx, s.db, topicID)
}

func getActive(ctx context.Context, q queryer, topicID string) (*types.StrategyConfig, error) {
	topic, err := getTopic(ctx, q, topicID)
	if err != nil {
		return nil, err
	}
	if topic.ActiveVersion == nil {
		return nil, &types.NotFoundError{Entity: "active strategy", Key: topicID}
	}
	return getVersion(ctx, q, topicID, *topic.ActiveVersion)
}

// GetCandidate returns the staged candidate for the topic's active lineage,
// or nil when none is staged.
func (s *Store) GetCandidate(ctx context.Context, topicID string) (*types.StrategyConfig, error) {
	if _, err := getTopic(ctx, s.db, topicID); err != nil {
		return nil, err
	}
	return getCandidate(ctx, s.db, topicID)
}

func getCandidate(ctx context.Context, q queryer, topicID string) (*types.StrategyConfig, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE topic_id = ? AND status = 'candidate'`, topicID)
	cfg, err := scanStrategy(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get candidate", err)
	}
	return cfg, nil
}

// ListVersions returns the topic's lineage in version order.
func (s *Store) ListVersions(ctx context.Context, topicID string) ([]types.StrategyConfig, error) {
	if _, err := getTopic(ctx, s.db, topicID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE topic_id = ? ORDER BY version`, topicID)
	if err != nil {
		return nil, classify("list versions", err)
	}
	defer rows.Close()

	var out []types.StrategyConfig
	for rows.Next() {
		cfg, err := scanStrategy(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

// Promote makes target the topic's active version in one transaction:
// the previous active version and any other staged candidate are archived
// and Topic.ActiveVersion is updated. Only the status changes; the rollout
// percentage the version was staged with is kept as recorded.
// Promoting the current active version is a no-op; promoting an archived
// version is a ConflictError.
func (s *Store) Promote(ctx context.Context, topicID string, target int) (*types.StrategyConfig, error) {
	var cfg *types.StrategyConfig
	err := s.withTx(ctx, "promote", func(tx *sql.Tx) error {
		var err error
		cfg, err = promoteTx(ctx, tx, topicID, target)
		return err
	})
	return cfg, err
}

func promoteTx(ctx context.Context, tx *sql.Tx, topicID string, target int) (*types.StrategyConfig, error) {
	cfg, err := getVersion(ctx, tx, topicID, target)
	if err != nil {
		return nil, err
	}
	switch cfg.Status {
	case types.StatusActive:
		return cfg, nil
	case types.StatusArchived:
		return nil, &types.ConflictError{Op: "promote", Detail: fmt.Sprintf("version %d is archived", target)}
	}

	// Archive first: the partial unique index admits one active row per topic.
	if _, err := tx.ExecContext(ctx,
		`UPDATE strategies SET status = 'archived' WHERE topic_id = ? AND status = 'active'`, topicID,
	); err != nil {
		return nil, fmt.Errorf("archiving previous active: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE strategies SET status = 'archived' WHERE topic_id = ? AND status = 'candidate' AND version <> ?`,
		topicID, target,
	); err != nil {
		return nil, fmt.Errorf("archiving stale candidates: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE strategies SET status = 'active' WHERE topic_id = ? AND version = ?`,
		topicID, target,
	); err != nil {
		return nil, fmt.Errorf("activating version %d: %w", target, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE topics SET active_version = ? WHERE id = ?`, target, topicID,
	); err != nil {
		return nil, fmt.Errorf("updating topic active version: %w", err)
	}

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM strategies WHERE topic_id = ? AND status = 'active'`, topicID,
	).Scan(&active); err != nil {
		return nil, fmt.Errorf("counting active versions: %w", err)
	}
	if active != 1 {
		return nil, &types.ConflictError{Op: "promote", Detail: fmt.Sprintf("topic %s would have %d active versions", topicID, active)}
	}

	cfg.Status = types.StatusActive
	return cfg, nil
}

// Archive rejects a staged candidate without promoting it. Archiving an
// already archived version is a no-op; archiving the active version is a
// ConflictError.
func (s *Store) Archive(ctx context.Context, topicID string, version int) (*types.StrategyConfig, error) {
	var cfg *types.StrategyConfig
	err := s.withTx(ctx, "archive", func(tx *sql.Tx) error {
		var err error
		cfg, err = archiveTx(ctx, tx, topicID, version)
		return err
	})
	return cfg, err
}

func archiveTx(ctx context.Context, tx *sql.Tx, topicID string, version int) (*types.StrategyConfig, error) {
	cfg, err := getVersion(ctx, tx, topicID, version)
	if err != nil {
		return nil, err
	}
	switch cfg.Status {
	case types.StatusArchived:
		return cfg, nil
	case types.StatusActive:
		return nil, &types.ConflictError{Op: "archive", Detail: fmt.Sprintf("version %d is active", version)}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE strategies SET status = 'archived' WHERE topic_id = ? AND version = ?`, topicID, version,
	); err != nil {
		return nil, fmt.Errorf("archiving version %d: %w", version, err)
	}
	cfg.Status = types.StatusArchived
	return cfg, nil
}

func scanStrategy(scan func(dest ...any) error) (*types.StrategyConfig, error) {
	var (
		cfg         types.StrategyConfig
		parent      sql.NullInt64
		status      string
		payloadJSON string
		created     string
	)
	if err := scan(&cfg.ID, &cfg.TopicID, &cfg.Version, &parent, &status,
		&cfg.RolloutPercentage, &payloadJSON, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &cfg.Payload); err != nil {
		return nil, &types.ValidationError{Field: "payload", Reason: fmt.Sprintf("stored payload is malformed: %v", err)}
	}
	cfg.ParentVersion = intFromNull(parent)
	cfg.Status = types.StrategyStatus(status)
	cfg.CreatedAt = parseTime(created)
	return &cfg, nil
}
