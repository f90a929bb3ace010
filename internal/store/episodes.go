// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

const episodeColumns = `id, topic_id, strategy_version, query, status, sources_returned, sources_saved,
	followup_count, tool_usage, error_message, created_at, started_at, finished_at, finished_seq`

// nextFinishedSeq stamps terminal transitions with a store-wide increasing
// sequence. It runs inside the write transaction, so values never repeat.
const nextFinishedSeq = `(SELECT COALESCE(MAX(finished_seq), 0) + 1 FROM episodes)`

// InsertEpisode records ep. Recording is idempotent by episode ID: a second
// insert with the same ID leaves the first row untouched and reports
// inserted == false. The referenced topic and strategy version must exist.
// An episode inserted in a terminal status is stamped with a finished
// sequence like any other terminal transition.
func (s *Store) InsertEpisode(ctx context.Context, ep types.Episode) (inserted bool, err error) {
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.now().UTC()
	}
	if err := ep.Validate(); err != nil {
		return false, err
	}

	returned, saved, usage, err := marshalOutcome(ep.SourcesReturned, ep.SourcesSaved, ep.ToolUsage)
	if err != nil {
		return false, err
	}

	err = s.withTx(ctx, "insert episode", func(tx *sql.Tx) error {
		if _, err := getVersion(ctx, tx, ep.TopicID, ep.StrategyVersion); err != nil {
			return err
		}

		finished := sql.NullString{}
		if ep.FinishedAt != nil {
			finished = sql.NullString{String: formatTime(*ep.FinishedAt), Valid: true}
		} else if ep.Status.Terminal() {
			finished = sql.NullString{String: formatTime(s.now()), Valid: true}
		}
		started := sql.NullString{}
		if ep.StartedAt != nil {
			started = sql.NullString{String: formatTime(*ep.StartedAt), Valid: true}
		}
		seqExpr := "NULL"
		if ep.Status.Terminal() {
			seqExpr = nextFinishedSeq
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO episodes (id, topic_id, strategy_version, query, status, sources_returned,
				sources_saved, followup_count, tool_usage, error_message, created_at, started_at,
				finished_at, finished_seq)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, `+seqExpr+`)
			 ON CONFLICT(id) DO NOTHING`,
			ep.ID, ep.TopicID, ep.StrategyVersion, ep.Query, string(ep.Status), returned, saved,
			ep.FollowupCount, usage, nullString(ep.ErrorMessage), formatTime(ep.CreatedAt),
			started, finished,
		)
		if err != nil {
			return fmt.Errorf("inserting episode %s: %w", ep.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}

// GetEpisode returns the episode with the given ID.
func (s *Store) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	return getEpisode(ctx, s.db, id)
}

func getEpisode(ctx context.Context, q queryer, id string) (*types.Episode, error) {
	row := q.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Entity: "episode", Key: id}
	}
	if err != nil {
		return nil, classify("get episode", err)
	}
	return ep, nil
}

// Transition moves an episode to next. Outcome fields are written when
// outcome is non-nil; errMsg is written for failed episodes. Illegal
// transitions (for example completed → running) are a ConflictError.
func (s *Store) Transition(ctx context.Context, id string, next types.EpisodeStatus, outcome *types.Outcome, errMsg string) (*types.Episode, error) {
	if outcome != nil {
		if err := outcome.Validate(); err != nil {
			return nil, err
		}
	}
	if next == types.EpisodeFailed && strings.TrimSpace(errMsg) == "" {
		return nil, &types.ValidationError{Field: "error_message", Reason: "required when status is failed"}
	}

	var ep *types.Episode
	err := s.withTx(ctx, "transition episode", func(tx *sql.Tx) error {
		cur, err := getEpisode(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cur.Status.CanTransition(next) {
			return &types.ConflictError{
				Op:     "transition episode",
				Detail: fmt.Sprintf("episode %s cannot move from %s to %s", id, cur.Status, next),
			}
		}

		now := formatTime(s.now())
		switch next {
		case types.EpisodeRunning:
			_, err = tx.ExecContext(ctx,
				`UPDATE episodes SET status = ?, started_at = ? WHERE id = ?`, string(next), now, id)
		default:
			o := types.Outcome{
				SourcesReturned: cur.SourcesReturned,
				SourcesSaved:    cur.SourcesSaved,
				FollowupCount:   cur.FollowupCount,
				ToolUsage:       cur.ToolUsage,
			}
			if outcome != nil {
				o = *outcome
			}
			returned, saved, usage, merr := marshalOutcome(o.SourcesReturned, o.SourcesSaved, o.ToolUsage)
			if merr != nil {
				return merr
			}
			msg := sql.NullString{}
			if next == types.EpisodeFailed {
				msg = nullString(errMsg)
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE episodes SET status = ?, sources_returned = ?, sources_saved = ?,
					followup_count = ?, tool_usage = ?, error_message = ?, finished_at = ?,
					finished_seq = `+nextFinishedSeq+`
				 WHERE id = ?`,
				string(next), returned, saved, o.FollowupCount, usage, msg, now, id)
		}
		if err != nil {
			return fmt.Errorf("updating episode %s: %w", id, err)
		}

		ep, err = getEpisode(ctx, tx, id)
		return err
	})
	return ep, err
}

// RecentTerminalEpisodes returns up to limit completed or failed episodes
// of the topic, newest first by creation time. A non-nil version restricts
// the result to that strategy version.
func (s *Store) RecentTerminalEpisodes(ctx context.Context, topicID string, version *int, limit int) ([]types.Episode, error) {
	query := `SELECT ` + episodeColumns + ` FROM episodes
		WHERE topic_id = ? AND status IN ('completed', 'failed')`
	args := []any{topicID}
	if version != nil {
		query += ` AND strategy_version = ?`
		args = append(args, *version)
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	return s.queryEpisodes(ctx, "recent terminal episodes", query, args...)
}

// ListEpisodes returns the topic's most recent episodes in any status.
func (s *Store) ListEpisodes(ctx context.Context, topicID string, limit int) ([]types.Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryEpisodes(ctx, "list episodes",
		`SELECT `+episodeColumns+` FROM episodes WHERE topic_id = ?
		 ORDER BY created_at DESC, seq DESC LIMIT ?`, topicID, limit)
}

// LatestFinished returns the highest finished sequence among the topic's
// terminal episodes and the episode that carries it. Both are zero values
// when no episode of the topic has finished.
func (s *Store) LatestFinished(ctx context.Context, topicID string) (int64, string, error) {
	var (
		seq int64
		id  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT finished_seq, id FROM episodes
		 WHERE topic_id = ? AND finished_seq IS NOT NULL
		 ORDER BY finished_seq DESC LIMIT 1`, topicID,
	).Scan(&seq, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", classify("latest finished episode", err)
	}
	return seq, id, nil
}

func (s *Store) queryEpisodes(ctx context.Context, op, query string, args ...any) ([]types.Episode, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []types.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows.Scan)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, *ep)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func scanEpisode(scan func(dest ...any) error) (*types.Episode, error) {
	var (
		ep                   types.Episode
		query, usage, errMsg sql.NullString
		status               string
		returned, saved      string
		created              string
		started, finished    sql.NullString
		finishedSeq          sql.NullInt64
	)
	if err := scan(&ep.ID, &ep.TopicID, &ep.StrategyVersion, &query, &status, &returned, &saved,
		&ep.FollowupCount, &usage, &errMsg, &created, &started, &finished, &finishedSeq); err != nil {
		return nil, err
	}
	ep.Query = query.String
	ep.Status = types.EpisodeStatus(status)
	ep.ErrorMessage = errMsg.String
	ep.CreatedAt = parseTime(created)
	ep.StartedAt = parseNullTime(started)
	ep.FinishedAt = parseNullTime(finished)
	ep.FinishedSeq = finishedSeq.Int64

	if err := json.Unmarshal([]byte(returned), &ep.SourcesReturned); err != nil {
		return nil, fmt.Errorf("decoding sources_returned of %s: %w", ep.ID, err)
	}
	if err := json.Unmarshal([]byte(saved), &ep.SourcesSaved); err != nil {
		return nil, fmt.Errorf("decoding sources_saved of %s: %w", ep.ID, err)
	}
	if usage.Valid && usage.String != "" {
		if err := json.Unmarshal([]byte(usage.String), &ep.ToolUsage); err != nil {
			return nil, fmt.Errorf("decoding tool_usage of %s: %w", ep.ID, err)
		}
	}
	return &ep, nil
}

func marshalOutcome(returned, saved []string, usage map[string]any) (string, string, sql.NullString, error) {
	if returned == nil {
		returned = []string{}
	}
	if saved == nil {
		saved = []string{}
	}
	r, err := json.Marshal(returned)
	if err != nil {
		return "", "", sql.NullString{}, fmt.Errorf("marshaling sources_returned: %w", err)
	}
	sv, err := json.Marshal(saved)
	if err != nil {
		return "", "", sql.NullString{}, fmt.Errorf("marshaling sources_saved: %w", err)
	}
	if usage == nil {
		return string(r), string(sv), sql.NullString{}, nil
	}
	u, err := json.Marshal(usage)
	if err != nil {
		return "", "", sql.NullString{}, &types.ValidationError{Field: "tool_usage", Reason: err.Error()}
	}
	return string(r), string(sv), sql.NullString{String: string(u), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
