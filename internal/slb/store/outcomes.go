package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bdobrica/slb/internal/slb/slberr"
)

// RecordOutcome inserts the execution outcome for a request.  First call
// wins; later calls surface already_executed.
func (s *Store) RecordOutcome(ctx context.Context, o *ExecutionOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_outcomes (request_id, exit_code, duration_ms,
			log_path, executed_by_session_id, emergency, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.RequestID, o.ExitCode, o.DurationMs, o.LogPath,
		o.ExecutedBy, o.Emergency, o.RecordedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return slberr.New(slberr.CodeAlreadyExecuted,
				"outcome already recorded for request %s", o.RequestID)
		}
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// GetOutcome loads the outcome for a request, or nil when none exists.
func (s *Store) GetOutcome(ctx context.Context, requestID string) (*ExecutionOutcome, error) {
	var o ExecutionOutcome
	var caused sql.NullBool
	var rating sql.NullInt64
	var notes sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, exit_code, duration_ms, log_path,
			executed_by_session_id, emergency, caused_problems, human_rating,
			human_notes, recorded_at
		FROM execution_outcomes WHERE request_id = ?`, requestID).Scan(
		&o.RequestID, &o.ExitCode, &o.DurationMs, &o.LogPath,
		&o.ExecutedBy, &o.Emergency, &caused, &rating, &notes, &o.RecordedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome: %w", err)
	}

	if caused.Valid {
		v := caused.Bool
		o.CausedProblems = &v
	}
	if rating.Valid {
		v := int(rating.Int64)
		o.HumanRating = &v
	}
	if notes.Valid {
		o.HumanNotes = &notes.String
	}
	return &o, nil
}

// AddOutcomeFeedback attaches human feedback to a recorded outcome.
func (s *Store) AddOutcomeFeedback(ctx context.Context, requestID string, causedProblems *bool, rating *int, notes *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_outcomes
		SET caused_problems = COALESCE(?, caused_problems),
		    human_rating = COALESCE(?, human_rating),
		    human_notes = COALESCE(?, human_notes)
		WHERE request_id = ?`,
		causedProblems, rating, notes, requestID)
	if err != nil {
		return fmt.Errorf("add feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return slberr.New(slberr.CodeRequestNotFound, "no outcome recorded for request %s", requestID)
	}
	return nil
}

// EmergencyExecutionCount counts human-override executions, kept apart from
// the per-session rate limits.
func (s *Store) EmergencyExecutionCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_outcomes WHERE emergency = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("emergency count: %w", err)
	}
	return n, nil
}
