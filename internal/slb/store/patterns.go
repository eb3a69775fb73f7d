package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bdobrica/slb/internal/slb/slberr"
)

// AddCustomPattern inserts a runtime pattern.  Re-adding a soft-deleted
// pattern revives it.
func (s *Store) AddCustomPattern(ctx context.Context, p *CustomPattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_patterns (tier, pattern, source, added_at, removed_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT (tier, pattern)
		DO UPDATE SET source = excluded.source, added_at = excluded.added_at, removed_at = NULL`,
		p.Tier, p.Pattern, p.Source, p.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("add pattern: %w", err)
	}
	return nil
}

// RemoveCustomPattern soft-deletes a pattern.  Only humans resolve removal;
// agents file a remove_request change instead.
func (s *Store) RemoveCustomPattern(ctx context.Context, tier, pattern string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE custom_patterns SET removed_at = ?
		WHERE tier = ? AND pattern = ? AND removed_at IS NULL`,
		now, tier, pattern)
	if err != nil {
		return fmt.Errorf("remove pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return slberr.New(slberr.CodeRequestNotFound, "no active pattern %q in tier %s", pattern, tier)
	}
	return nil
}

// ListCustomPatterns returns patterns, active only unless includeRemoved.
func (s *Store) ListCustomPatterns(ctx context.Context, includeRemoved bool) ([]*CustomPattern, error) {
	query := `SELECT tier, pattern, source, added_at, removed_at FROM custom_patterns`
	if !includeRemoved {
		query += ` WHERE removed_at IS NULL`
	}
	query += ` ORDER BY tier, added_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []*CustomPattern
	for rows.Next() {
		var p CustomPattern
		var removed sql.NullTime
		if err := rows.Scan(&p.Tier, &p.Pattern, &p.Source, &p.AddedAt, &removed); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		if removed.Valid {
			p.RemovedAt = &removed.Time
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// InsertPatternChange appends to the pattern audit trail.
func (s *Store) InsertPatternChange(ctx context.Context, c *PatternChange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pattern_changes (id, change_type, tier, pattern, reason,
			author_session_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ChangeType, c.Tier, c.Pattern, c.Reason,
		c.AuthorSessionID, c.Status, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pattern change: %w", err)
	}
	return nil
}

// ListPatternChanges returns the audit trail, optionally filtered by type.
func (s *Store) ListPatternChanges(ctx context.Context, changeType string) ([]*PatternChange, error) {
	query := `SELECT id, change_type, tier, pattern, reason, author_session_id,
		status, created_at, resolved_at, resolved_by FROM pattern_changes`
	args := []any{}
	if changeType != "" {
		query += ` WHERE change_type = ?`
		args = append(args, changeType)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pattern changes: %w", err)
	}
	defer rows.Close()

	var out []*PatternChange
	for rows.Next() {
		var c PatternChange
		var resolvedAt sql.NullTime
		var resolvedBy sql.NullString
		if err := rows.Scan(&c.ID, &c.ChangeType, &c.Tier, &c.Pattern, &c.Reason,
			&c.AuthorSessionID, &c.Status, &c.CreatedAt, &resolvedAt, &resolvedBy); err != nil {
			return nil, fmt.Errorf("scan pattern change: %w", err)
		}
		if resolvedAt.Valid {
			c.ResolvedAt = &resolvedAt.Time
		}
		if resolvedBy.Valid {
			c.ResolvedBy = &resolvedBy.String
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ResolvePatternChange closes a removal request.  The caller enforces that
// only a human may do this.
func (s *Store) ResolvePatternChange(ctx context.Context, id, status, resolvedBy string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pattern_changes SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved_at IS NULL`,
		status, now, resolvedBy, id)
	if err != nil {
		return fmt.Errorf("resolve pattern change: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return slberr.New(slberr.CodeRequestNotFound, "no open pattern change %s", id)
	}
	return nil
}
