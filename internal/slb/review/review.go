// Package review implements the review engine: signed approve/reject
// decisions, the quorum count, and conflict resolution between contradictory
// reviews.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/slb/common/hmac"
	"github.com/bdobrica/slb/internal/slb/classify"
	"github.com/bdobrica/slb/internal/slb/config"
	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/slberr"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Engine validates and records reviews, then moves the request when the
// quorum or the conflict policy says so.
type Engine struct {
	store    *store.Store
	sessions *session.Registry
	cfg      *config.Config
	notifier notify.Notifier
	now      func() time.Time
}

// New returns an Engine.
func New(s *store.Store, sessions *session.Registry, cfg *config.Config, n notify.Notifier) *Engine {
	if n == nil {
		n = notify.Noop{}
	}
	return &Engine{
		store:    s,
		sessions: sessions,
		cfg:      cfg,
		notifier: n,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// SubmitParams is one reviewer's signed decision.
type SubmitParams struct {
	SessionID string
	RequestID string
	Decision  string
	// Signature is HMAC-SHA256 over requestID + decision + RFC3339 timestamp
	// under the reviewer's session key.
	Signature          string
	SignatureTimestamp time.Time
	Responses          map[string]string
	Comment            string
}

// SubmitResult reports the review and the request status it produced.
type SubmitResult struct {
	Review     *store.Review    `json:"review"`
	Status     lifecycle.Status `json:"status"`
	Approvals  int              `json:"approvals"`
	Rejections int              `json:"rejections"`
}

// Submit records one review.  The request moves to approved when the quorum
// is reached, to rejected when the conflict policy says a rejection blocks.
func (e *Engine) Submit(ctx context.Context, p SubmitParams) (*SubmitResult, error) {
	if p.Decision != store.DecisionApprove && p.Decision != store.DecisionReject {
		return nil, fmt.Errorf("unknown decision %q", p.Decision)
	}

	reviewer, err := e.sessions.RequireActive(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	req, err := e.store.GetRequest(ctx, p.RequestID)
	if err != nil {
		return nil, err
	}
	now := e.now()

	if err := e.checkReviewable(req, p.Decision, now); err != nil {
		return nil, err
	}
	if err := e.checkSelfReview(req, reviewer, p.Decision, now); err != nil {
		return nil, err
	}
	reviewed, err := e.store.HasReviewed(ctx, req.ID, reviewer.ID)
	if err != nil {
		return nil, err
	}
	if reviewed {
		return nil, slberr.New(slberr.CodeDuplicateReview,
			"session %s already reviewed request %s", reviewer.ID, req.ID)
	}
	if req.RequireDifferentModel && !reviewer.IsHuman && reviewer.Model == req.Requestor.Model {
		return nil, slberr.New(slberr.CodeModelRequired,
			"request requires a reviewer running a different model than %q", req.Requestor.Model).
			WithHint("have another model or a human review this request")
	}

	if err := hmac.VerifyReview(reviewer.HMACKey, req.ID, p.Decision,
		p.SignatureTimestamp, p.Signature, now); err != nil {
		switch {
		case errors.Is(err, hmac.ErrSignatureStale):
			return nil, slberr.New(slberr.CodeSignatureStale,
				"review signature timestamp outside the replay window")
		default:
			return nil, slberr.New(slberr.CodeSignatureInvalid, "review signature invalid")
		}
	}

	rev := &store.Review{
		ID:                 store.NewReviewID(),
		RequestID:          req.ID,
		ReviewerSessionID:  reviewer.ID,
		ReviewerAgentName:  reviewer.AgentName,
		Decision:           p.Decision,
		Signature:          p.Signature,
		SignatureTimestamp: p.SignatureTimestamp,
		Responses:          p.Responses,
		Comment:            p.Comment,
		CreatedAt:          now,
	}
	if err := e.store.InsertReview(ctx, rev); err != nil {
		return nil, err
	}

	approvals, rejections, err := e.store.CountDecisions(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	status, err := e.resolve(ctx, req, approvals, rejections, now)
	if err != nil {
		return nil, err
	}

	slog.Info("review recorded",
		"request", req.ID, "reviewer", reviewer.AgentName, "decision", p.Decision,
		"approvals", approvals, "rejections", rejections, "status", status)
	return &SubmitResult{Review: rev, Status: status, Approvals: approvals, Rejections: rejections}, nil
}

// checkReviewable rejects reviews on requests that are past deciding.  One
// exception: under any_rejection_blocks a rejection may still land on an
// approved request inside its approval window.
func (e *Engine) checkReviewable(req *store.Request, decision string, now time.Time) error {
	switch req.Status {
	case lifecycle.StatusPending:
		return nil
	case lifecycle.StatusApproved:
		if decision == store.DecisionReject &&
			e.cfg.General.ConflictPolicy == config.ConflictAnyRejectionBlocks &&
			req.ApprovalExpiresAt != nil && now.Before(*req.ApprovalExpiresAt) {
			return nil
		}
	}
	return slberr.New(slberr.CodeInvalidTransition,
		"request %s is %s, not reviewable", req.ID, req.Status)
}

// checkSelfReview enforces the two-person rule.  Agents on the trusted
// self-approve list may approve their own requests once the configured
// cool-off has elapsed.
func (e *Engine) checkSelfReview(req *store.Request, reviewer *store.Session, decision string, now time.Time) error {
	if reviewer.ID != req.Requestor.SessionID {
		return nil
	}
	if decision == store.DecisionApprove {
		trusted, delay := e.cfg.TrustedSelfApprover(reviewer.AgentName)
		if trusted && now.Sub(req.CreatedAt) >= delay {
			return nil
		}
		if trusted {
			return slberr.New(slberr.CodeSelfReview,
				"self-approval allowed only %s after request creation", delay).
				WithRetryAfter(delay.Milliseconds() - now.Sub(req.CreatedAt).Milliseconds())
		}
	}
	return slberr.New(slberr.CodeSelfReview, "requestor cannot review its own request")
}

// resolve applies the conflict policy and performs the resulting transition,
// if any.  It returns the request's status afterwards.
func (e *Engine) resolve(ctx context.Context, req *store.Request, approvals, rejections int, now time.Time) (lifecycle.Status, error) {
	target := req.Status

	switch e.cfg.General.ConflictPolicy {
	case config.ConflictFirstWins:
		first, err := e.firstDecision(ctx, req.ID)
		if err != nil {
			return "", err
		}
		if first == store.DecisionReject {
			target = lifecycle.StatusRejected
		} else if approvals >= req.MinApprovals {
			target = lifecycle.StatusApproved
		}

	case config.ConflictHumanBreaksTie:
		if approvals > 0 && rejections > 0 {
			human, err := e.latestHumanDecision(ctx, req.ID)
			if err != nil {
				return "", err
			}
			switch human {
			case store.DecisionReject:
				target = lifecycle.StatusRejected
			case store.DecisionApprove:
				if approvals >= req.MinApprovals {
					target = lifecycle.StatusApproved
				}
			default:
				// Conflicting agent reviews wait for a human.
				return req.Status, nil
			}
		} else if rejections > 0 {
			target = lifecycle.StatusRejected
		} else if approvals >= req.MinApprovals {
			target = lifecycle.StatusApproved
		}

	default: // any_rejection_blocks
		if rejections > 0 {
			target = lifecycle.StatusRejected
		} else if approvals >= req.MinApprovals {
			target = lifecycle.StatusApproved
		}
	}

	if target == req.Status {
		return req.Status, nil
	}

	opts := store.TransitionOpts{}
	if target == lifecycle.StatusApproved {
		exp := now.Add(e.cfg.ApprovalTTL(req.RiskTier == string(classify.TierCritical)))
		opts.ApprovalExpiresAt = &exp
	}
	if err := e.store.TransitionRequest(ctx, req.ID, req.Status, target, now, opts); err != nil {
		// A concurrent review may have performed the same transition first.
		if slberr.HasCode(err, slberr.CodeInvalidTransition) {
			if cur, getErr := e.store.GetRequest(ctx, req.ID); getErr == nil && cur.Status == target {
				return target, nil
			}
		}
		return "", err
	}

	kind := notify.KindRequestApproved
	if target == lifecycle.StatusRejected {
		kind = notify.KindRequestRejected
	}
	e.notifier.Notify(ctx, notify.Event{
		Kind: kind, RequestID: req.ID, Tier: req.RiskTier, Project: req.ProjectPath,
	})
	return target, nil
}

// firstDecision returns the decision of the earliest review on a request.
func (e *Engine) firstDecision(ctx context.Context, requestID string) (string, error) {
	reviews, err := e.store.ListReviews(ctx, requestID)
	if err != nil {
		return "", err
	}
	if len(reviews) == 0 {
		return "", nil
	}
	return reviews[0].Decision, nil
}

// latestHumanDecision returns the most recent decision cast by a human
// session, or "" when no human has reviewed yet.
func (e *Engine) latestHumanDecision(ctx context.Context, requestID string) (string, error) {
	reviews, err := e.store.ListReviews(ctx, requestID)
	if err != nil {
		return "", err
	}
	decision := ""
	for _, rev := range reviews {
		sess, err := e.store.GetSession(ctx, rev.ReviewerSessionID)
		if err != nil {
			return "", err
		}
		if sess.IsHuman {
			decision = rev.Decision
		}
	}
	return decision, nil
}

// ApproveUnattended moves a pending request to approved without a review,
// the path taken by the scheduler for caution-tier auto approval and for
// timeout_action auto_approve_warn.
func (e *Engine) ApproveUnattended(ctx context.Context, req *store.Request, reason string) error {
	now := e.now()
	exp := now.Add(e.cfg.ApprovalTTL(req.RiskTier == string(classify.TierCritical)))
	err := e.store.TransitionRequest(ctx, req.ID, lifecycle.StatusPending, lifecycle.StatusApproved,
		now, store.TransitionOpts{ApprovalExpiresAt: &exp})
	if err != nil {
		return err
	}
	slog.Warn("request auto-approved", "request", req.ID, "tier", req.RiskTier, "reason", reason)
	e.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindRequestApproved, RequestID: req.ID,
		Tier: req.RiskTier, Project: req.ProjectPath,
		Message: "auto-approved: " + reason,
	})
	return nil
}

// List returns all reviews on a request, oldest first.
func (e *Engine) List(ctx context.Context, requestID string) ([]*store.Review, error) {
	return e.store.ListReviews(ctx, requestID)
}
