package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/slberr"
)

// RateLimits is the per-session ceiling checked inside the insert
// transaction, so a burst of concurrent creates cannot slip past the count.
type RateLimits struct {
	MaxPending   int
	MaxPerMinute int
}

const requestColumns = `r.id, r.project_path, r.session_id, r.command_raw,
	r.command_argv, r.command_cwd, r.command_shell, r.command_hash,
	r.command_display_redacted, r.contains_sensitive,
	r.justification_reason, r.justification_expected_effect,
	r.justification_goal, r.justification_safety,
	r.risk_tier, r.matched_rule, r.min_approvals, r.require_different_model,
	r.auto_approve_after_secs, r.status, r.emergency,
	r.created_at, r.updated_at, r.expires_at, r.approval_expires_at,
	r.claimed_at, r.resolved_at, s.agent_name, s.model`

const requestFrom = ` FROM requests r JOIN sessions s ON s.id = r.session_id `

// InsertRequest inserts a pending request, rechecking rate limits inside the
// same transaction.  Emergency requests bypass the limits; they are counted
// separately through the outcome record.
func (s *Store) InsertRequest(ctx context.Context, req *Request, lim RateLimits) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	defer tx.Rollback()

	if !req.Emergency {
		if err := s.checkRateLimits(ctx, tx, req, lim); err != nil {
			return err
		}
	}

	var argvJSON any
	if req.Command.Argv != nil {
		b, err := json.Marshal(req.Command.Argv)
		if err != nil {
			return fmt.Errorf("marshal argv: %w", err)
		}
		argvJSON = string(b)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO requests (
			id, project_path, session_id,
			command_raw, command_argv, command_cwd, command_shell, command_hash,
			command_display_redacted, contains_sensitive,
			justification_reason, justification_expected_effect,
			justification_goal, justification_safety,
			risk_tier, matched_rule, min_approvals, require_different_model,
			auto_approve_after_secs, status, emergency,
			created_at, updated_at, expires_at, approval_expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ProjectPath, req.Requestor.SessionID,
		req.Command.Raw, argvJSON, req.Command.Cwd, req.Command.Shell, req.Command.Hash,
		req.Command.DisplayRedacted, req.Command.ContainsSensitive,
		req.Justification.Reason, req.Justification.ExpectedEffect,
		req.Justification.Goal, req.Justification.SafetyArgument,
		req.RiskTier, req.MatchedRule, req.MinApprovals, req.RequireDifferentModel,
		req.AutoApproveAfterSecs, req.Status, req.Emergency,
		req.CreatedAt, req.UpdatedAt, req.ExpiresAt, req.ApprovalExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *Store) checkRateLimits(ctx context.Context, tx *sql.Tx, req *Request, lim RateLimits) error {
	now := req.CreatedAt
	sessionID := req.Requestor.SessionID

	if lim.MaxPending > 0 {
		var pending int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM requests
			WHERE session_id = ? AND status = 'pending'`, sessionID).Scan(&pending)
		if err != nil {
			return fmt.Errorf("count pending: %w", err)
		}
		if pending >= lim.MaxPending {
			retry := int64(60_000)
			// Select the column itself: MIN() loses the declared type and
			// the driver hands back a string NullTime cannot scan.
			var oldest sql.NullTime
			if err := tx.QueryRowContext(ctx, `
				SELECT expires_at FROM requests
				WHERE session_id = ? AND status = 'pending'
				ORDER BY expires_at LIMIT 1`, sessionID).Scan(&oldest); err == nil && oldest.Valid {
				if d := oldest.Time.Sub(now); d > 0 {
					retry = d.Milliseconds()
				}
			}
			return slberr.New(slberr.CodeRateLimited,
				"session has %d pending requests (max %d)", pending, lim.MaxPending).
				WithHint("wait for reviews or cancel a pending request").
				WithRetryAfter(retry)
		}
	}

	if lim.MaxPerMinute > 0 {
		// A human reset moves the start of the counting window forward.
		windowStart := now.Add(-time.Minute)
		var resetAt sql.NullTime
		if err := tx.QueryRowContext(ctx,
			`SELECT rate_limit_reset_at FROM sessions WHERE id = ?`, sessionID).Scan(&resetAt); err != nil {
			return fmt.Errorf("load session reset: %w", err)
		}
		if resetAt.Valid && resetAt.Time.After(windowStart) {
			windowStart = resetAt.Time
		}

		var recent int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM requests
			WHERE session_id = ? AND created_at > ? AND emergency = 0`,
			sessionID, windowStart).Scan(&recent)
		if err != nil {
			return fmt.Errorf("count recent: %w", err)
		}
		if recent >= lim.MaxPerMinute {
			retry := int64(60_000)
			var oldestInWindow sql.NullTime
			if err := tx.QueryRowContext(ctx, `
				SELECT created_at FROM requests
				WHERE session_id = ? AND created_at > ? AND emergency = 0
				ORDER BY created_at LIMIT 1`,
				sessionID, windowStart).Scan(&oldestInWindow); err == nil && oldestInWindow.Valid {
				if d := oldestInWindow.Time.Add(time.Minute).Sub(now); d > 0 {
					retry = d.Milliseconds()
				}
			}
			return slberr.New(slberr.CodeRateLimited,
				"session created %d requests in the last minute (max %d)", recent, lim.MaxPerMinute).
				WithHint("slow down, or ask a human for slb session reset-limits").
				WithRetryAfter(retry)
		}
	}

	return nil
}

// GetRequest loads one request with its requestor identity.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+requestFrom+`WHERE r.id = ?`, id)
	return scanRequest(row)
}

// ListByStatus returns requests in one status, newest first.  Empty
// projectPath means all projects.
func (s *Store) ListByStatus(ctx context.Context, projectPath string, status lifecycle.Status, limit int) ([]*Request, error) {
	query := `SELECT ` + requestColumns + requestFrom + `WHERE r.status = ?`
	args := []any{status}
	if projectPath != "" {
		query += ` AND r.project_path = ?`
		args = append(args, projectPath)
	}
	query += ` ORDER BY r.created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRequests(ctx, query, args...)
}

// ListPendingForReview returns pending requests excluding the caller's own,
// the review pool a reviewer agent polls.
func (s *Store) ListPendingForReview(ctx context.Context, projectPath, excludeSessionID string) ([]*Request, error) {
	query := `SELECT ` + requestColumns + requestFrom +
		`WHERE r.status = 'pending' AND r.session_id != ?`
	args := []any{excludeSessionID}
	if projectPath != "" {
		query += ` AND r.project_path = ?`
		args = append(args, projectPath)
	}
	query += ` ORDER BY r.created_at`
	return s.queryRequests(ctx, query, args...)
}

// ListRecent returns the newest requests in any status, for history views.
func (s *Store) ListRecent(ctx context.Context, projectPath string, limit int) ([]*Request, error) {
	query := `SELECT ` + requestColumns + requestFrom + `WHERE 1=1`
	args := []any{}
	if projectPath != "" {
		query += ` AND r.project_path = ?`
		args = append(args, projectPath)
	}
	query += ` ORDER BY r.created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryRequests(ctx, query, args...)
}

// Search runs a full-text query over commands and justifications.
func (s *Store) Search(ctx context.Context, projectPath, query string, limit int) ([]*Request, error) {
	q := `SELECT ` + requestColumns + `
		FROM requests_fts f
		JOIN requests r ON r.rowid = f.rowid
		JOIN sessions s ON s.id = r.session_id
		WHERE requests_fts MATCH ?`
	args := []any{query}
	if projectPath != "" {
		q += ` AND r.project_path = ?`
		args = append(args, projectPath)
	}
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)
	return s.queryRequests(ctx, q, args...)
}

// PendingCount returns the number of pending requests, all projects.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// TransitionOpts carries the side effects applied with a status change.
type TransitionOpts struct {
	// ApprovalExpiresAt is set on pending → approved.
	ApprovalExpiresAt *time.Time
}

// TransitionRequest applies one validated state-machine edge as a single
// compare-and-swap update.  RowsAffected == 0 means another writer won the
// race (or the caller's view was stale); that surfaces as
// invalid_state_transition naming the actual current status.
func (s *Store) TransitionRequest(ctx context.Context, id string, from, to lifecycle.Status, now time.Time, opts TransitionOpts) error {
	if err := lifecycle.Validate(from, to); err != nil {
		return err
	}

	set := `status = ?, updated_at = ?`
	args := []any{to, now}

	switch {
	case to == lifecycle.StatusApproved && from == lifecycle.StatusPending:
		set += `, approval_expires_at = ?`
		args = append(args, opts.ApprovalExpiresAt)
	case to == lifecycle.StatusPending:
		// Demotion back to pending voids the old approval window.
		set += `, approval_expires_at = NULL`
	case to == lifecycle.StatusExecuting:
		set += `, claimed_at = ?`
		args = append(args, now)
	case to == lifecycle.StatusApproved && from == lifecycle.StatusExecuting:
		set += `, claimed_at = NULL`
	}

	if lifecycle.Terminal(to, true) {
		set += `, resolved_at = ?`
		args = append(args, now)
	}

	args = append(args, id, from)
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("transition request: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition request: %w", err)
	}
	if n == 0 {
		cur, err := s.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		return slberr.New(slberr.CodeInvalidTransition,
			"request %s is %s, expected %s", id, cur.Status, from)
	}
	return nil
}

// ExpiredPending returns pending requests whose expires_at has passed.
func (s *Store) ExpiredPending(ctx context.Context, now time.Time) ([]*Request, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+requestFrom+
			`WHERE r.status = 'pending' AND r.expires_at < ? ORDER BY r.expires_at`, now)
}

// OrphanedExecuting returns executing requests claimed before the cutoff,
// candidates for the orphan sweep.
func (s *Store) OrphanedExecuting(ctx context.Context, claimedBefore time.Time) ([]*Request, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+requestFrom+
			`WHERE r.status = 'executing' AND r.claimed_at IS NOT NULL AND r.claimed_at < ?`, claimedBefore)
}

// AutoApprovable returns pending caution requests whose unattended approval
// delay has elapsed with no review recorded.  The per-row delay comparison
// happens in Go; time encoding in SQLite text columns is not arithmetic-safe.
func (s *Store) AutoApprovable(ctx context.Context, now time.Time) ([]*Request, error) {
	candidates, err := s.queryRequests(ctx,
		`SELECT `+requestColumns+requestFrom+`
		WHERE r.status = 'pending'
		  AND r.auto_approve_after_secs > 0
		  AND NOT EXISTS (SELECT 1 FROM reviews v WHERE v.request_id = r.id)`)
	if err != nil {
		return nil, err
	}
	var out []*Request
	for _, req := range candidates {
		if now.Sub(req.CreatedAt) >= time.Duration(req.AutoApproveAfterSecs)*time.Second {
			out = append(out, req)
		}
	}
	return out, nil
}

// ChangedSince returns requests updated after the given instant, the diff
// source for the daemon's store watcher.
func (s *Store) ChangedSince(ctx context.Context, since time.Time) ([]*Request, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+requestFrom+
			`WHERE r.updated_at > ? ORDER BY r.updated_at`, since)
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var argvJSON, displayRedacted sql.NullString
	var approvalExpires, claimedAt, resolvedAt sql.NullTime

	err := row.Scan(
		&req.ID, &req.ProjectPath, &req.Requestor.SessionID, &req.Command.Raw,
		&argvJSON, &req.Command.Cwd, &req.Command.Shell, &req.Command.Hash,
		&displayRedacted, &req.Command.ContainsSensitive,
		&req.Justification.Reason, &req.Justification.ExpectedEffect,
		&req.Justification.Goal, &req.Justification.SafetyArgument,
		&req.RiskTier, &req.MatchedRule, &req.MinApprovals, &req.RequireDifferentModel,
		&req.AutoApproveAfterSecs, &req.Status, &req.Emergency,
		&req.CreatedAt, &req.UpdatedAt, &req.ExpiresAt, &approvalExpires,
		&claimedAt, &resolvedAt, &req.Requestor.AgentName, &req.Requestor.Model,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, slberr.New(slberr.CodeRequestNotFound, "request not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}

	if argvJSON.Valid {
		if err := json.Unmarshal([]byte(argvJSON.String), &req.Command.Argv); err != nil {
			return nil, fmt.Errorf("unmarshal argv: %w", err)
		}
	}
	if displayRedacted.Valid {
		req.Command.DisplayRedacted = &displayRedacted.String
	}
	if approvalExpires.Valid {
		req.ApprovalExpiresAt = &approvalExpires.Time
	}
	if claimedAt.Valid {
		req.ClaimedAt = &claimedAt.Time
	}
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	return &req, nil
}
