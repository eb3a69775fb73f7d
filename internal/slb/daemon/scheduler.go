package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/slb/internal/slb/config"
	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/review"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/snapshot"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Scheduler runs the daemon's periodic maintenance: request timeouts,
// unattended approvals, the orphaned-execution sweep, session GC, and
// snapshot upkeep.
type Scheduler struct {
	store    *store.Store
	cfg      *config.Config
	engine   *review.Engine
	sessions *session.Registry
	cache    *snapshot.Cache
	notifier notify.Notifier
	project  string
	now      func() time.Time
}

// NewScheduler returns a Scheduler.
func NewScheduler(s *store.Store, cfg *config.Config, engine *review.Engine, sessions *session.Registry, cache *snapshot.Cache, n notify.Notifier, project string) *Scheduler {
	if n == nil {
		n = notify.Noop{}
	}
	return &Scheduler{
		store:    s,
		cfg:      cfg,
		engine:   engine,
		sessions: sessions,
		cache:    cache,
		notifier: n,
		project:  project,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock, for tests.
func (sc *Scheduler) WithClock(now func() time.Time) *Scheduler {
	sc.now = now
	return sc
}

// Run ticks until ctx is cancelled.
func (sc *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(sc.cfg.SchedulerInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sc.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass.  Each sub-task logs and continues on
// error; one broken request must not stall the rest.
func (sc *Scheduler) Tick(ctx context.Context) {
	sc.expirePending(ctx)
	sc.autoApprove(ctx)
	sc.sweepOrphans(ctx)

	threshold := time.Duration(sc.cfg.Sessions.GCThresholdMins) * time.Minute
	if _, err := sc.sessions.GC(ctx, threshold); err != nil {
		slog.Error("session gc failed", "err", err)
	}

	if sc.cache != nil {
		if err := sc.cache.Refresh(ctx, sc.project); err != nil {
			slog.Error("snapshot refresh failed", "err", err)
		}
		retention := time.Duration(sc.cfg.History.RetentionDays) * 24 * time.Hour
		if err := sc.cache.Prune(retention, sc.now()); err != nil {
			slog.Error("snapshot prune failed", "err", err)
		}
	}
}

// expirePending applies the configured timeout action to requests whose
// pending window elapsed without a decision.
func (sc *Scheduler) expirePending(ctx context.Context) {
	now := sc.now()
	expired, err := sc.store.ExpiredPending(ctx, now)
	if err != nil {
		slog.Error("list expired pending failed", "err", err)
		return
	}

	for _, req := range expired {
		var err error
		kind := notify.KindRequestTimeout

		switch sc.cfg.General.TimeoutAction {
		case config.TimeoutAutoReject:
			err = sc.store.TransitionRequest(ctx, req.ID,
				lifecycle.StatusPending, lifecycle.StatusRejected, now, store.TransitionOpts{})
			kind = notify.KindRequestRejected

		case config.TimeoutAutoApproveWarn:
			err = sc.engine.ApproveUnattended(ctx, req, "pending window elapsed (auto_approve_warn)")
			continueOnErr(err, req.ID)
			continue

		default: // escalate
			err = sc.store.TransitionRequest(ctx, req.ID,
				lifecycle.StatusPending, lifecycle.StatusTimeout, now, store.TransitionOpts{})
			if err == nil {
				err = sc.store.TransitionRequest(ctx, req.ID,
					lifecycle.StatusTimeout, lifecycle.StatusEscalated, now, store.TransitionOpts{})
				kind = notify.KindRequestEscalated
			}
		}
		if err != nil {
			continueOnErr(err, req.ID)
			continue
		}

		slog.Info("pending request timed out",
			"request", req.ID, "action", sc.cfg.General.TimeoutAction)
		sc.notifier.Notify(ctx, notify.Event{
			Kind: kind, RequestID: req.ID, Tier: req.RiskTier, Project: req.ProjectPath,
		})
	}
}

// autoApprove releases caution requests whose unattended delay elapsed with
// no review.
func (sc *Scheduler) autoApprove(ctx context.Context) {
	reqs, err := sc.store.AutoApprovable(ctx, sc.now())
	if err != nil {
		slog.Error("list auto-approvable failed", "err", err)
		return
	}
	for _, req := range reqs {
		if err := sc.engine.ApproveUnattended(ctx, req, "unattended delay elapsed with no review"); err != nil {
			continueOnErr(err, req.ID)
		}
	}
}

// sweepOrphans handles executions claimed longer ago than the claim TTL.  A
// still-valid approval gets the claim reverted; otherwise the request is
// closed as execution_failed with reason orphaned.
func (sc *Scheduler) sweepOrphans(ctx context.Context) {
	now := sc.now()
	orphans, err := sc.store.OrphanedExecuting(ctx, now.Add(-sc.cfg.ExecutionClaimTTL()))
	if err != nil {
		slog.Error("list orphaned executions failed", "err", err)
		return
	}

	for _, req := range orphans {
		target := lifecycle.StatusExecutionFailed
		if req.ApprovalExpiresAt != nil && now.Before(*req.ApprovalExpiresAt) {
			target = lifecycle.StatusApproved
		}
		if err := sc.store.TransitionRequest(ctx, req.ID,
			lifecycle.StatusExecuting, target, now, store.TransitionOpts{}); err != nil {
			continueOnErr(err, req.ID)
			continue
		}
		slog.Warn("orphaned execution swept",
			"request", req.ID, "claimed_at", req.ClaimedAt, "now", target, "reason", "orphaned")
		if target == lifecycle.StatusExecutionFailed {
			sc.notifier.Notify(ctx, notify.Event{
				Kind: notify.KindRequestFailed, RequestID: req.ID,
				Tier: req.RiskTier, Project: req.ProjectPath,
				Message: "execution orphaned past claim TTL",
			})
		}
	}
}

func continueOnErr(err error, requestID string) {
	if err != nil {
		slog.Error("scheduler task failed", "request", requestID, "err", err)
	}
}
