package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bdobrica/slb/internal/slb/slberr"
)

// InsertReview records a signed decision.  The (request_id,
// reviewer_session_id) uniqueness constraint turns a second review from the
// same session into duplicate_review.
func (s *Store) InsertReview(ctx context.Context, rv *Review) error {
	var responsesJSON any
	if rv.Responses != nil {
		b, err := json.Marshal(rv.Responses)
		if err != nil {
			return fmt.Errorf("marshal responses: %w", err)
		}
		responsesJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (id, request_id, reviewer_session_id, decision,
			signature, signature_timestamp, responses, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rv.ID, rv.RequestID, rv.ReviewerSessionID, rv.Decision,
		rv.Signature, rv.SignatureTimestamp, responsesJSON, rv.Comment, rv.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return slberr.New(slberr.CodeDuplicateReview,
				"session %s already reviewed request %s", rv.ReviewerSessionID, rv.RequestID)
		}
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

// ListReviews returns all reviews for a request in insertion order.
func (s *Store) ListReviews(ctx context.Context, requestID string) ([]*Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.request_id, v.reviewer_session_id, s.agent_name,
			v.decision, v.signature, v.signature_timestamp, v.responses,
			v.comment, v.created_at
		FROM reviews v JOIN sessions s ON s.id = v.reviewer_session_id
		WHERE v.request_id = ? ORDER BY v.created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []*Review
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

// HasReviewed reports whether the session already reviewed the request.
func (s *Store) HasReviewed(ctx context.Context, requestID, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reviews
		WHERE request_id = ? AND reviewer_session_id = ?`,
		requestID, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has reviewed: %w", err)
	}
	return n > 0, nil
}

// CountDecisions returns (approvals, rejections) recorded for a request.
func (s *Store) CountDecisions(ctx context.Context, requestID string) (int, int, error) {
	var approvals, rejections int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN decision = 'approve' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN decision = 'reject' THEN 1 ELSE 0 END), 0)
		FROM reviews WHERE request_id = ?`, requestID).Scan(&approvals, &rejections)
	if err != nil {
		return 0, 0, fmt.Errorf("count decisions: %w", err)
	}
	return approvals, rejections, nil
}

func scanReview(row rowScanner) (*Review, error) {
	var rv Review
	var responses sql.NullString
	err := row.Scan(
		&rv.ID, &rv.RequestID, &rv.ReviewerSessionID, &rv.ReviewerAgentName,
		&rv.Decision, &rv.Signature, &rv.SignatureTimestamp, &responses,
		&rv.Comment, &rv.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, slberr.New(slberr.CodeInternal, "review not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan review: %w", err)
	}
	if responses.Valid && responses.String != "" {
		if err := json.Unmarshal([]byte(responses.String), &rv.Responses); err != nil {
			return nil, fmt.Errorf("unmarshal responses: %w", err)
		}
	}
	return &rv, nil
}
