// Package request implements the request manager, the write path that turns
// an agent's command into a pending authorization request.
package request

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/bdobrica/slb/common/redact"
	"github.com/bdobrica/slb/internal/slb/classify"
	"github.com/bdobrica/slb/internal/slb/config"
	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/normalize"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/slberr"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Manager creates, cancels and queries authorization requests.
type Manager struct {
	store    *store.Store
	sessions *session.Registry
	cfg      *config.Config
	policy   *classify.Policy
	notifier notify.Notifier
	redactRe []*regexp.Regexp
	now      func() time.Time
}

// New builds a Manager.  Extra redaction patterns from the configuration are
// compiled here; an invalid pattern is a configuration error.
func New(s *store.Store, sessions *session.Registry, cfg *config.Config, policy *classify.Policy, n notify.Notifier) (*Manager, error) {
	extra, err := redact.CompilePatterns(cfg.Patterns.Redaction)
	if err != nil {
		return nil, slberr.New(slberr.CodePatternConfig, "redaction patterns: %v", err)
	}
	if n == nil {
		n = notify.Noop{}
	}
	return &Manager{
		store:    s,
		sessions: sessions,
		cfg:      cfg,
		policy:   policy,
		notifier: n,
		redactRe: extra,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the clock, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CreateParams describes a command an agent wants authorized.
type CreateParams struct {
	SessionID     string
	Raw           string
	Argv          []string
	Cwd           string
	Shell         bool
	Justification store.Justification
	// Emergency marks the request as an after-the-fact emergency record.
	// Emergency requests bypass rate limits and are flagged for human audit.
	Emergency bool
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	// SkipReview is set for safe commands.  No request record exists; the
	// agent may run the command immediately.
	SkipReview bool
	Tier       classify.Tier
	// Upgraded is set when a normalization fallback raised the tier.
	Upgraded bool
	Request  *store.Request
}

// Create classifies the command and, unless it is safe, records a pending
// request bound to the exact command by hash.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	sess, err := m.sessions.RequireActive(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if m.cfg.AgentBlocked(sess.AgentName) {
		return nil, slberr.New(slberr.CodeAgentBlocked, "agent %q is blocked from creating requests", sess.AgentName).
			WithHint("ask a human operator to unblock the agent in config")
	}
	if p.Raw == "" {
		return nil, fmt.Errorf("command required")
	}
	if p.Justification.Reason == "" {
		return nil, fmt.Errorf("justification reason required")
	}

	res := m.policy.Classify(normalize.Normalize(p.Raw, p.Cwd))

	if res.SkipReview() {
		slog.Debug("command classified safe", "session", p.SessionID)
		return &CreateResult{SkipReview: true, Tier: res.Tier}, nil
	}

	cmd := store.CommandSpec{
		Raw:   p.Raw,
		Argv:  p.Argv,
		Cwd:   p.Cwd,
		Shell: p.Shell,
	}
	cmd.Hash = cmd.ComputeHash()
	if redacted, changed := redact.Command(p.Raw, m.redactRe...); changed {
		cmd.ContainsSensitive = true
		cmd.DisplayRedacted = &redacted
	}

	reviewers, err := m.store.CountActiveReviewers(ctx, sess.ProjectPath, sess.ID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	req := &store.Request{
		ID:          store.NewRequestID(),
		ProjectPath: sess.ProjectPath,
		Command:     cmd,
		RiskTier:    string(res.Tier),
		Requestor: store.Requestor{
			SessionID: sess.ID,
			AgentName: sess.AgentName,
			Model:     sess.Model,
		},
		Justification:         p.Justification,
		Status:                lifecycle.StatusPending,
		MinApprovals:          m.policy.EffectiveMinApprovals(res.MinApprovals, reviewers),
		RequireDifferentModel: res.RequireDifferentModel,
		AutoApproveAfterSecs:  res.AutoApproveAfterSecs,
		Emergency:             p.Emergency,
		CreatedAt:             now,
		UpdatedAt:             now,
		ExpiresAt:             now.Add(m.cfg.RequestTimeout()),
	}
	if res.MatchedRule != nil {
		req.MatchedRule = res.MatchedRule.Pattern.String()
	}

	lim := store.RateLimits{
		MaxPending:   m.cfg.RateLimits.MaxPendingPerSession,
		MaxPerMinute: m.cfg.RateLimits.MaxRequestsPerMinute,
	}
	if err := m.store.InsertRequest(ctx, req, lim); err != nil {
		return nil, err
	}

	slog.Info("request created",
		"request", req.ID, "tier", req.RiskTier, "approvals", req.MinApprovals,
		"agent", sess.AgentName, "project", sess.ProjectPath)
	m.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindRequestPending, RequestID: req.ID,
		Tier: req.RiskTier, Project: req.ProjectPath,
		Message: fmt.Sprintf("%s requests: %s", sess.AgentName, cmd.Display()),
	})
	return &CreateResult{Tier: res.Tier, Upgraded: res.Upgraded, Request: req}, nil
}

// Cancel withdraws a request.  Only the requestor's session may cancel, and
// only from pending or approved.
func (m *Manager) Cancel(ctx context.Context, sessionID, requestID string) error {
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Requestor.SessionID != sessionID {
		return slberr.New(slberr.CodeInvalidTransition,
			"request %s belongs to another session", requestID)
	}
	if err := m.store.TransitionRequest(ctx, requestID, req.Status, lifecycle.StatusCancelled, m.now(), store.TransitionOpts{}); err != nil {
		return err
	}
	slog.Info("request cancelled", "request", requestID)
	m.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindRequestCancelled, RequestID: requestID,
		Tier: req.RiskTier, Project: req.ProjectPath,
	})
	return nil
}

// Get loads one request.
func (m *Manager) Get(ctx context.Context, requestID string) (*store.Request, error) {
	return m.store.GetRequest(ctx, requestID)
}

// ListPending returns pending requests, empty projectPath meaning all
// projects.
func (m *Manager) ListPending(ctx context.Context, projectPath string) ([]*store.Request, error) {
	return m.store.ListByStatus(ctx, projectPath, lifecycle.StatusPending, 0)
}

// ReviewPool returns the pending requests a session may review, excluding
// its own.
func (m *Manager) ReviewPool(ctx context.Context, projectPath, sessionID string) ([]*store.Request, error) {
	return m.store.ListPendingForReview(ctx, projectPath, sessionID)
}

// History returns the newest requests in any status.
func (m *Manager) History(ctx context.Context, projectPath string, limit int) ([]*store.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListRecent(ctx, projectPath, limit)
}

// Search runs a full-text query over command text and justifications.
func (m *Manager) Search(ctx context.Context, projectPath, query string, limit int) ([]*store.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.Search(ctx, projectPath, query, limit)
}
