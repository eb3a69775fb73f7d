// Package session implements the agent session registry.
//
// A session ties an agent to a project and carries the HMAC key that signs
// its reviews.  The one-active-session-per-(agent, project) rule is enforced
// by the store's partial unique index, not by optimistic logic here.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/slb/common/hmac"
	"github.com/bdobrica/slb/internal/slb/slberr"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Registry manages agent sessions.
type Registry struct {
	store *store.Store
	now   func() time.Time
}

// New returns a Registry backed by s.
func New(s *store.Store) *Registry {
	return &Registry{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock, for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// StartParams describes a new session.
type StartParams struct {
	AgentName   string
	Program     string
	Model       string
	ProjectPath string
	IsHuman     bool
}

// Start creates a session and returns it with the HMAC key populated.  The
// key is handed out exactly once here (and on Resume); it never appears in
// snapshots or logs.
func (r *Registry) Start(ctx context.Context, p StartParams) (*store.Session, error) {
	if p.AgentName == "" {
		return nil, slberr.New(slberr.CodeSessionNotFound, "agent name required")
	}

	key, err := hmac.NewKey()
	if err != nil {
		return nil, slberr.New(slberr.CodeInternal, "generate session key: %v", err)
	}

	now := r.now()
	sess := &store.Session{
		ID:           store.NewSessionID(),
		AgentName:    p.AgentName,
		Program:      p.Program,
		Model:        p.Model,
		ProjectPath:  p.ProjectPath,
		HMACKey:      key,
		IsHuman:      p.IsHuman,
		StartedAt:    now,
		LastActiveAt: now,
	}
	if err := r.store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}

	slog.Info("session started", "session", sess.ID, "agent", p.AgentName, "project", p.ProjectPath)
	return sess, nil
}

// ResumeParams controls Resume behavior.
type ResumeParams struct {
	AgentName   string
	Program     string
	Model       string
	ProjectPath string
	// CreateIfMissing starts a fresh session when none is active.
	CreateIfMissing bool
	// Force ends a program-mismatched session and starts over.
	Force bool
}

// Resume returns the active session for (agent, project), key included.
// A mismatched program surfaces program_mismatch unless Force ends the old
// session and starts a new one.
func (r *Registry) Resume(ctx context.Context, p ResumeParams) (*store.Session, error) {
	sess, err := r.store.FindActiveSession(ctx, p.AgentName, p.ProjectPath)
	if err != nil {
		if slberr.HasCode(err, slberr.CodeSessionNotFound) && p.CreateIfMissing {
			return r.Start(ctx, StartParams{
				AgentName: p.AgentName, Program: p.Program,
				Model: p.Model, ProjectPath: p.ProjectPath,
			})
		}
		return nil, err
	}

	if p.Program != "" && sess.Program != p.Program {
		if !p.Force {
			return nil, slberr.New(slberr.CodeProgramMismatch,
				"active session belongs to program %q, not %q", sess.Program, p.Program).
				WithHint("pass --force to end the prior session")
		}
		if _, err := r.store.EndSession(ctx, sess.ID, r.now()); err != nil {
			return nil, err
		}
		return r.Start(ctx, StartParams{
			AgentName: p.AgentName, Program: p.Program,
			Model: p.Model, ProjectPath: p.ProjectPath,
		})
	}

	if err := r.store.Heartbeat(ctx, sess.ID, r.now()); err != nil {
		slog.Warn("resume heartbeat failed", "session", sess.ID, "err", err)
	}
	return sess, nil
}

// End marks the session ended.  Idempotent: a second call returns the
// original ended_at.
func (r *Registry) End(ctx context.Context, sessionID string) (time.Time, error) {
	endedAt, err := r.store.EndSession(ctx, sessionID, r.now())
	if err != nil {
		return time.Time{}, err
	}
	slog.Info("session ended", "session", sessionID)
	return endedAt, nil
}

// Heartbeat refreshes last_active_at; ended sessions are ignored.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	return r.store.Heartbeat(ctx, sessionID, r.now())
}

// ListActive returns active sessions, all projects when projectPath is "".
func (r *Registry) ListActive(ctx context.Context, projectPath string) ([]*store.Session, error) {
	return r.store.ListActiveSessions(ctx, projectPath)
}

// GC ends sessions idle longer than threshold and returns how many.
func (r *Registry) GC(ctx context.Context, threshold time.Duration) (int64, error) {
	now := r.now()
	n, err := r.store.GCSessions(ctx, now.Add(-threshold), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("session gc", "collected", n, "threshold", threshold)
	}
	return n, nil
}

// ResetLimits is the human escape hatch that forgives a session's
// per-minute request counter.
func (r *Registry) ResetLimits(ctx context.Context, sessionID string) error {
	return r.store.ResetRateLimit(ctx, sessionID, r.now())
}

// RequireActive loads a session and fails with session_ended when it is no
// longer active.
func (r *Registry) RequireActive(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, slberr.New(slberr.CodeSessionEnded, "session %s has ended", sessionID)
	}
	return sess, nil
}
