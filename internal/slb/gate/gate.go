// Package gate implements the execution gate, the final barrier between an
// approved request and the shell.  Every check runs again here at execution
// time; an approval alone is never enough.
package gate

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/slb/common/hmac"
	"github.com/bdobrica/slb/internal/slb/classify"
	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/normalize"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/slberr"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Gate re-verifies and claims approved requests for execution.
type Gate struct {
	store    *store.Store
	sessions *session.Registry
	notifier notify.Notifier
	now      func() time.Time

	mu     sync.RWMutex
	policy *classify.Policy
}

// New returns a Gate.
func New(s *store.Store, sessions *session.Registry, policy *classify.Policy, n notify.Notifier) *Gate {
	if n == nil {
		n = notify.Noop{}
	}
	return &Gate{
		store:    s,
		sessions: sessions,
		policy:   policy,
		notifier: n,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock, for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// SetPolicy swaps the classification policy, used on daemon reload.
func (g *Gate) SetPolicy(p *classify.Policy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
}

func (g *Gate) currentPolicy() *classify.Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// Verify runs every gate check without claiming the request.  Used by the
// daemon's verify_execute method and by slb execute --dry-run.
func (g *Gate) Verify(ctx context.Context, sessionID, requestID string) (*store.Request, error) {
	req, err := g.check(ctx, sessionID, requestID)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Claim atomically moves an approved request to executing and returns it.
// Exactly one concurrent claimer wins; the losers get already_claimed.
func (g *Gate) Claim(ctx context.Context, sessionID, requestID string) (*store.Request, error) {
	req, err := g.check(ctx, sessionID, requestID)
	if err != nil {
		return nil, err
	}

	now := g.now()
	err = g.store.TransitionRequest(ctx, requestID,
		lifecycle.StatusApproved, lifecycle.StatusExecuting, now, store.TransitionOpts{})
	if err != nil {
		// Another claimer may have won the CAS between check and update.
		if slberr.HasCode(err, slberr.CodeInvalidTransition) {
			return nil, g.statusError(ctx, requestID)
		}
		return nil, err
	}

	slog.Info("execution claimed", "request", requestID, "session", sessionID)
	g.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindRequestExecuting, RequestID: requestID,
		Tier: req.RiskTier, Project: req.ProjectPath,
	})
	return req, nil
}

// check runs the gate sequence: requestor identity, status, approval window,
// command hash, reclassification, and approval signatures.
func (g *Gate) check(ctx context.Context, sessionID, requestID string) (*store.Request, error) {
	sess, err := g.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	req, err := g.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Requestor.SessionID != sess.ID {
		return nil, slberr.New(slberr.CodeNotApproved,
			"request %s belongs to another session", requestID).
			WithHint("only the requesting session may execute")
	}
	if req.Status != lifecycle.StatusApproved {
		return nil, g.statusErrorFor(req)
	}

	now := g.now()
	if req.ApprovalExpiresAt == nil || !now.Before(*req.ApprovalExpiresAt) {
		return nil, slberr.New(slberr.CodeApprovalExpired,
			"approval for request %s expired", requestID).
			WithHint("re-request authorization")
	}

	// The stored hash must still match a recomputation over the stored
	// command fields.  A mismatch means the record was tampered with.
	if subtle.ConstantTimeCompare([]byte(req.Command.ComputeHash()), []byte(req.Command.Hash)) != 1 {
		return nil, slberr.New(slberr.CodeHashMismatch,
			"command hash mismatch on request %s", requestID)
	}

	// Classification runs again under the current policy.  A raised tier
	// demotes the request back to pending for fresh review.
	res := g.currentPolicy().Classify(normalize.Normalize(req.Command.Raw, req.Command.Cwd))
	if res.Tier.Rank() > classify.Tier(req.RiskTier).Rank() {
		if err := g.store.TransitionRequest(ctx, requestID,
			lifecycle.StatusApproved, lifecycle.StatusPending, now, store.TransitionOpts{}); err != nil {
			return nil, err
		}
		slog.Warn("request demoted at gate",
			"request", requestID, "was", req.RiskTier, "now", res.Tier)
		return nil, slberr.New(slberr.CodeTierRaised,
			"command now classifies as %s (was %s); request returned to pending", res.Tier, req.RiskTier).
			WithHint("the request needs review under the current rules")
	}

	if err := g.verifyApprovals(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// verifyApprovals re-derives every approval signature under the reviewer's
// session key.  An approval that no longer verifies invalidates the release.
func (g *Gate) verifyApprovals(ctx context.Context, req *store.Request) error {
	reviews, err := g.store.ListReviews(ctx, req.ID)
	if err != nil {
		return err
	}
	for _, rv := range reviews {
		if rv.Decision != store.DecisionApprove {
			continue
		}
		reviewer, err := g.store.GetSession(ctx, rv.ReviewerSessionID)
		if err != nil {
			return err
		}
		want, err := hmac.SignReview(reviewer.HMACKey, rv.RequestID, rv.Decision, rv.SignatureTimestamp)
		if err != nil {
			return slberr.New(slberr.CodeSignatureInvalid,
				"approval by %s cannot be verified", rv.ReviewerAgentName)
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(rv.Signature)) != 1 {
			return slberr.New(slberr.CodeSignatureInvalid,
				"approval signature by %s does not verify", rv.ReviewerAgentName)
		}
	}
	return nil
}

// OutcomeParams reports what the executor observed.
type OutcomeParams struct {
	SessionID  string
	RequestID  string
	ExitCode   int
	DurationMs int64
	LogPath    string
	// TimedOut marks an execution killed by the executor's own deadline.
	TimedOut bool
}

// RecordOutcome closes an executing request and stores its outcome record.
func (g *Gate) RecordOutcome(ctx context.Context, p OutcomeParams) error {
	req, err := g.store.GetRequest(ctx, p.RequestID)
	if err != nil {
		return err
	}

	target := lifecycle.StatusExecuted
	kind := notify.KindRequestExecuted
	switch {
	case p.TimedOut:
		target = lifecycle.StatusTimedOut
		kind = notify.KindRequestFailed
	case p.ExitCode != 0:
		target = lifecycle.StatusExecutionFailed
		kind = notify.KindRequestFailed
	}

	now := g.now()
	if err := g.store.TransitionRequest(ctx, p.RequestID,
		lifecycle.StatusExecuting, target, now, store.TransitionOpts{}); err != nil {
		// First call wins; a repeat report surfaces as already_executed.
		if slberr.HasCode(err, slberr.CodeInvalidTransition) {
			if out, getErr := g.store.GetOutcome(ctx, p.RequestID); getErr == nil && out != nil {
				return slberr.New(slberr.CodeAlreadyExecuted,
					"outcome for request %s already recorded", p.RequestID)
			}
		}
		return err
	}
	outcome := &store.ExecutionOutcome{
		RequestID:  p.RequestID,
		ExitCode:   p.ExitCode,
		DurationMs: p.DurationMs,
		LogPath:    p.LogPath,
		ExecutedBy: p.SessionID,
		Emergency:  req.Emergency,
		RecordedAt: now,
	}
	if err := g.store.RecordOutcome(ctx, outcome); err != nil {
		return err
	}

	slog.Info("execution finished",
		"request", p.RequestID, "exit", p.ExitCode, "status", target, "duration_ms", p.DurationMs)
	g.notifier.Notify(ctx, notify.Event{
		Kind: kind, RequestID: p.RequestID,
		Tier: req.RiskTier, Project: req.ProjectPath,
		Message: fmt.Sprintf("exit code %d", p.ExitCode),
	})
	return nil
}

// statusError reloads the request and maps its status to the right refusal.
func (g *Gate) statusError(ctx context.Context, requestID string) error {
	req, err := g.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	return g.statusErrorFor(req)
}

func (g *Gate) statusErrorFor(req *store.Request) error {
	switch req.Status {
	case lifecycle.StatusExecuting:
		return slberr.New(slberr.CodeAlreadyClaimed,
			"request %s is already being executed", req.ID)
	case lifecycle.StatusExecuted, lifecycle.StatusExecutionFailed, lifecycle.StatusTimedOut:
		return slberr.New(slberr.CodeAlreadyExecuted,
			"request %s was already executed", req.ID)
	default:
		return slberr.New(slberr.CodeNotApproved,
			"request %s is %s, not approved", req.ID, req.Status)
	}
}
