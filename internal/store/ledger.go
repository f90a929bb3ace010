// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

// Cursor records how far the decision engine has evaluated a topic.
type Cursor struct {
	FinishedSeq int64
	EpisodeID   string
}

// EvolutionWrite describes one decision-cycle outcome. ApplyEvolution
// writes all of it or none of it.
type EvolutionWrite struct {
	TopicID string

	// ExpectedActive is the active version the decision was computed from.
	// If another writer promoted meanwhile, the write fails with a
	// ConflictError and the caller re-reads.
	ExpectedActive int

	Payload           types.Payload
	RolloutPercentage int

	// SupersedeCandidate, when set, is archived before the new version is
	// staged.
	SupersedeCandidate *int

	Reason  string
	Changes []types.FieldChange

	Cursor Cursor
}

// ApplyEvolution creates a new version derived from the expected active
// version, promotes it when RolloutPercentage is 100, appends the ledger
// entry, and advances the evaluation cursor, all in one transaction.
func (s *Store) ApplyEvolution(ctx context.Context, w EvolutionWrite) (*types.StrategyConfig, *types.EvolutionLog, error) {
	if err := types.ValidateRollout(w.RolloutPercentage); err != nil {
		return nil, nil, err
	}
	if err := w.Payload.Validate(); err != nil {
		return nil, nil, err
	}

	var (
		cfg   *types.StrategyConfig
		entry *types.EvolutionLog
	)
	err := s.withTx(ctx, "apply evolution", func(tx *sql.Tx) error {
		if err := expectActive(ctx, tx, w.TopicID, w.ExpectedActive); err != nil {
			return err
		}
		if w.SupersedeCandidate != nil {
			if _, err := archiveTx(ctx, tx, w.TopicID, *w.SupersedeCandidate); err != nil {
				return err
			}
		}

		status := types.StatusCandidate
		if w.RolloutPercentage == 100 {
			status = types.StatusActive
		}
		var err error
		cfg, err = s.createVersionTx(ctx, tx, w.TopicID, w.Payload, types.IntPtr(w.ExpectedActive), status, w.RolloutPercentage)
		if err != nil {
			return err
		}

		entry, err = s.appendEvolutionTx(ctx, tx, types.EvolutionLog{
			TopicID:     w.TopicID,
			FromVersion: w.ExpectedActive,
			ToVersion:   cfg.Version,
			Reason:      w.Reason,
			Changes:     w.Changes,
		})
		if err != nil {
			return err
		}
		return s.setCursorTx(ctx, tx, w.TopicID, w.Cursor)
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, entry, nil
}

// PromotionWrite describes the promotion of a staged candidate together
// with its ledger entry.
type PromotionWrite struct {
	TopicID        string
	ExpectedActive int
	Version        int
	Reason         string
	Changes        []types.FieldChange

	// Cursor is written when non-zero.
	Cursor Cursor
}

// PromoteWithLog promotes a staged candidate and appends the ledger entry
// in one transaction.
func (s *Store) PromoteWithLog(ctx context.Context, w PromotionWrite) (*types.StrategyConfig, *types.EvolutionLog, error) {
	var (
		cfg   *types.StrategyConfig
		entry *types.EvolutionLog
	)
	err := s.withTx(ctx, "promote with log", func(tx *sql.Tx) error {
		if err := expectActive(ctx, tx, w.TopicID, w.ExpectedActive); err != nil {
			return err
		}
		if w.Version == w.ExpectedActive {
			return &types.ConflictError{Op: "promote", Detail: fmt.Sprintf("version %d is already active", w.Version)}
		}
		var err error
		cfg, err = promoteTx(ctx, tx, w.TopicID, w.Version)
		if err != nil {
			return err
		}
		entry, err = s.appendEvolutionTx(ctx, tx, types.EvolutionLog{
			TopicID:     w.TopicID,
			FromVersion: w.ExpectedActive,
			ToVersion:   w.Version,
			Reason:      w.Reason,
			Changes:     w.Changes,
		})
		if err != nil {
			return err
		}
		if w.Cursor.FinishedSeq > 0 {
			return s.setCursorTx(ctx, tx, w.TopicID, w.Cursor)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, entry, nil
}

// ArchiveWrite describes the rejection of a staged candidate by a
// decision cycle.
type ArchiveWrite struct {
	TopicID string
	Version int

	// Cursor is written when non-zero.
	Cursor Cursor
}

// ArchiveWithCursor archives a staged candidate and advances the
// evaluation cursor in one transaction. No ledger entry is written: the
// active version does not change.
func (s *Store) ArchiveWithCursor(ctx context.Context, w ArchiveWrite) (*types.StrategyConfig, error) {
	var cfg *types.StrategyConfig
	err := s.withTx(ctx, "archive with cursor", func(tx *sql.Tx) error {
		var err error
		cfg, err = archiveTx(ctx, tx, w.TopicID, w.Version)
		if err != nil {
			return err
		}
		if w.Cursor.FinishedSeq > 0 {
			return s.setCursorTx(ctx, tx, w.TopicID, w.Cursor)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func expectActive(ctx context.Context, tx *sql.Tx, topicID string, expected int) error {
	topic, err := getTopic(ctx, tx, topicID)
	if err != nil {
		return err
	}
	if topic.ActiveVersion == nil || *topic.ActiveVersion != expected {
		got := "none"
		if topic.ActiveVersion != nil {
			got = fmt.Sprint(*topic.ActiveVersion)
		}
		return &types.ConflictError{
			Op:     "evolve",
			Detail: fmt.Sprintf("active version of %s is %s, expected %d", topicID, got, expected),
		}
	}
	return nil
}

func (s *Store) appendEvolutionTx(ctx context.Context, tx *sql.Tx, entry types.EvolutionLog) (*types.EvolutionLog, error) {
	if entry.FromVersion == entry.ToVersion {
		return nil, &types.ValidationError{Field: "to_version", Reason: "must differ from from_version"}
	}
	entry.ID = uuid.NewString()
	entry.CreatedAt = s.now().UTC()
	if entry.Changes == nil {
		entry.Changes = []types.FieldChange{}
	}
	changes, err := json.Marshal(entry.Changes)
	if err != nil {
		return nil, fmt.Errorf("marshaling changes: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO evolution_log (id, topic_id, from_version, to_version, reason, changes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TopicID, entry.FromVersion, entry.ToVersion, entry.Reason,
		string(changes), formatTime(entry.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("appending evolution log: %w", err)
	}
	return &entry, nil
}

// ListEvolution returns ledger entries in creation order. An empty topicID
// lists every topic.
func (s *Store) ListEvolution(ctx context.Context, topicID string) ([]types.EvolutionLog, error) {
	query := `SELECT id, topic_id, from_version, to_version, reason, changes, created_at FROM evolution_log`
	var args []any
	if topicID != "" {
		query += ` WHERE topic_id = ?`
		args = append(args, topicID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list evolution", err)
	}
	defer rows.Close()

	var out []types.EvolutionLog
	for rows.Next() {
		var (
			e       types.EvolutionLog
			changes string
			created string
		)
		if err := rows.Scan(&e.ID, &e.TopicID, &e.FromVersion, &e.ToVersion, &e.Reason, &changes, &created); err != nil {
			return nil, classify("list evolution", err)
		}
		if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
			return nil, fmt.Errorf("decoding changes of %s: %w", e.ID, err)
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetCursor returns the persisted evaluation cursor of a topic; the zero
// Cursor when the topic has never evolved.
func (s *Store) GetCursor(ctx context.Context, topicID string) (Cursor, error) {
	var c Cursor
	err := s.db.QueryRowContext(ctx,
		`SELECT finished_seq, episode_id FROM evaluation_cursors WHERE topic_id = ?`, topicID,
	).Scan(&c.FinishedSeq, &c.EpisodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, classify("get cursor", err)
	}
	return c, nil
}

func (s *Store) setCursorTx(ctx context.Context, tx *sql.Tx, topicID string, c Cursor) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO evaluation_cursors (topic_id, finished_seq, episode_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(topic_id) DO UPDATE SET
			finished_seq = max(finished_seq, excluded.finished_seq),
			episode_id = CASE WHEN excluded.finished_seq >= finished_seq THEN excluded.episode_id ELSE episode_id END,
			updated_at = excluded.updated_at`,
		topicID, c.FinishedSeq, c.EpisodeID, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("updating evaluation cursor: %w", err)
	}
	return nil
}
