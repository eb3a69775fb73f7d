package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/slb/internal/slb/slberr"
)

const sessionColumns = `id, agent_name, program, model, project_path, hmac_key,
	is_human, started_at, last_active_at, ended_at, rate_limit_reset_at`

// InsertSession creates a session row.  The partial unique index on
// (agent_name, project_path) WHERE ended_at IS NULL enforces the one-active-
// session rule; a violation surfaces as session_conflict.
func (s *Store) InsertSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentName, sess.Program, sess.Model, sess.ProjectPath,
		sess.HMACKey, sess.IsHuman, sess.StartedAt, sess.LastActiveAt,
		sess.EndedAt, sess.RateLimitResetAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return slberr.New(slberr.CodeSessionConflict,
				"agent %q already has an active session for %s", sess.AgentName, sess.ProjectPath).
				WithHint("slb session resume, or slb session end first")
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id, secret key included.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// FindActiveSession returns the active session for (agent, project), or
// session_not_found.
func (s *Store) FindActiveSession(ctx context.Context, agent, projectPath string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent_name = ? AND project_path = ? AND ended_at IS NULL`,
		agent, projectPath)
	return scanSession(row)
}

// EndSession marks a session ended.  Idempotent: ending an already ended
// session returns its original ended_at.
func (s *Store) EndSession(ctx context.Context, id string, now time.Time) (time.Time, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, last_active_at = ?
		WHERE id = ? AND ended_at IS NULL`, now, now, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("end session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, fmt.Errorf("end session: %w", err)
	}
	if n > 0 {
		return now, nil
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if sess.EndedAt == nil {
		return time.Time{}, slberr.New(slberr.CodeInternal, "session %s not ended after update", id)
	}
	return *sess.EndedAt, nil
}

// Heartbeat refreshes last_active_at.  Ended sessions are ignored.
func (s *Store) Heartbeat(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_active_at = ?
		WHERE id = ? AND ended_at IS NULL`, now, id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish unknown sessions from ended ones for the caller's log
		// line; both are non-fatal to a heartbeat loop.
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListActiveSessions returns active sessions, all projects when projectPath
// is empty.
func (s *Store) ListActiveSessions(ctx context.Context, projectPath string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ended_at IS NULL`
	args := []any{}
	if projectPath != "" {
		query += ` AND project_path = ?`
		args = append(args, projectPath)
	}
	query += ` ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GCSessions ends sessions idle since before the threshold.
func (s *Store) GCSessions(ctx context.Context, idleBefore, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?
		WHERE ended_at IS NULL AND last_active_at < ?`, now, idleBefore)
	if err != nil {
		return 0, fmt.Errorf("gc sessions: %w", err)
	}
	return res.RowsAffected()
}

// CountActiveReviewers counts active sessions for the project excluding the
// requestor, the pool the dynamic quorum is computed from.
func (s *Store) CountActiveReviewers(ctx context.Context, projectPath, excludeSessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE project_path = ? AND ended_at IS NULL AND id != ?`,
		projectPath, excludeSessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reviewers: %w", err)
	}
	return n, nil
}

// ResetRateLimit records a human-granted rate limit reset for the session.
func (s *Store) ResetRateLimit(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET rate_limit_reset_at = ?
		WHERE id = ? AND ended_at IS NULL`, now, id)
	if err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return slberr.New(slberr.CodeSessionNotFound, "no active session %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var endedAt, resetAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.AgentName, &sess.Program, &sess.Model, &sess.ProjectPath,
		&sess.HMACKey, &sess.IsHuman, &sess.StartedAt, &sess.LastActiveAt,
		&endedAt, &resetAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, slberr.New(slberr.CodeSessionNotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if resetAt.Valid {
		sess.RateLimitResetAt = &resetAt.Time
	}
	return &sess, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
