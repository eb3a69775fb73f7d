package daemon_test

import (
	"context"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bdobrica/slb/internal/slb/config"
	"github.com/bdobrica/slb/internal/slb/daemon"
	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/review"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/store"
)

type schedFixture struct {
	store    *store.Store
	sessions *session.Registry
	cfg      *config.Config
	sched    *daemon.Scheduler
}

func newSchedFixture(t *testing.T, mutate func(*config.Config)) *schedFixture {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "sched-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	sessions := session.New(s)
	engine := review.New(s, sessions, cfg, notify.Noop{})
	sched := daemon.NewScheduler(s, cfg, engine, sessions, nil, notify.Noop{}, "/proj")
	return &schedFixture{store: s, sessions: sessions, cfg: cfg, sched: sched}
}

func (f *schedFixture) seed(t *testing.T, status lifecycle.Status, mutate func(*store.Request)) *store.Request {
	t.Helper()
	ctx := context.Background()
	sess, err := f.sessions.Start(ctx, session.StartParams{AgentName: "alice", ProjectPath: "/proj"})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	cmd := store.CommandSpec{Raw: "rm -rf ./build", Cwd: "/proj", Shell: true}
	cmd.Hash = cmd.ComputeHash()
	req := &store.Request{
		ID:            store.NewRequestID(),
		ProjectPath:   "/proj",
		Command:       cmd,
		RiskTier:      "dangerous",
		Requestor:     store.Requestor{SessionID: sess.ID},
		Justification: store.Justification{Reason: "test"},
		Status:        lifecycle.StatusPending,
		MinApprovals:  1,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
	if mutate != nil {
		mutate(req)
	}
	if err := f.store.InsertRequest(ctx, req, store.RateLimits{}); err != nil {
		t.Fatal(err)
	}

	if status != lifecycle.StatusPending {
		exp := now.Add(30 * time.Minute)
		if err := f.store.TransitionRequest(ctx, req.ID,
			lifecycle.StatusPending, lifecycle.StatusApproved, now,
			store.TransitionOpts{ApprovalExpiresAt: &exp}); err != nil {
			t.Fatal(err)
		}
	}
	if status == lifecycle.StatusExecuting {
		if err := f.store.TransitionRequest(ctx, req.ID,
			lifecycle.StatusApproved, lifecycle.StatusExecuting, now, store.TransitionOpts{}); err != nil {
			t.Fatal(err)
		}
	}
	return req
}

func TestTick_ExpiredPendingEscalates(t *testing.T) {
	f := newSchedFixture(t, nil)
	req := f.seed(t, lifecycle.StatusPending, func(r *store.Request) {
		r.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	})

	f.sched.Tick(context.Background())

	got, _ := f.store.GetRequest(context.Background(), req.ID)
	if got.Status != lifecycle.StatusEscalated {
		t.Errorf("status: %s", got.Status)
	}
}

func TestTick_ExpiredPendingAutoReject(t *testing.T) {
	f := newSchedFixture(t, func(c *config.Config) {
		c.General.TimeoutAction = config.TimeoutAutoReject
	})
	req := f.seed(t, lifecycle.StatusPending, func(r *store.Request) {
		r.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	})

	f.sched.Tick(context.Background())

	got, _ := f.store.GetRequest(context.Background(), req.ID)
	if got.Status != lifecycle.StatusRejected {
		t.Errorf("status: %s", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Error("rejected request must be resolved")
	}
}

func TestTick_ExpiredPendingAutoApproveWarn(t *testing.T) {
	f := newSchedFixture(t, func(c *config.Config) {
		c.General.TimeoutAction = config.TimeoutAutoApproveWarn
	})
	req := f.seed(t, lifecycle.StatusPending, func(r *store.Request) {
		r.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	})

	f.sched.Tick(context.Background())

	got, _ := f.store.GetRequest(context.Background(), req.ID)
	if got.Status != lifecycle.StatusApproved {
		t.Errorf("status: %s", got.Status)
	}
	if got.ApprovalExpiresAt == nil {
		t.Error("auto-approval must carry an approval window")
	}
}

func TestTick_UnattendedCautionApproval(t *testing.T) {
	f := newSchedFixture(t, nil)
	req := f.seed(t, lifecycle.StatusPending, func(r *store.Request) {
		r.RiskTier = "caution"
		r.AutoApproveAfterSecs = 300
		r.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	})

	f.sched.Tick(context.Background())

	got, _ := f.store.GetRequest(context.Background(), req.ID)
	if got.Status != lifecycle.StatusApproved {
		t.Errorf("status: %s", got.Status)
	}
}

func TestTick_OrphanRevertedToApproved(t *testing.T) {
	f := newSchedFixture(t, nil)
	req := f.seed(t, lifecycle.StatusExecuting, nil)

	// Past the claim TTL but inside the approval window.
	f.sched.WithClock(func() time.Time { return time.Now().UTC().Add(10 * time.Minute) })
	f.sched.Tick(context.Background())

	got, _ := f.store.GetRequest(context.Background(), req.ID)
	if got.Status != lifecycle.StatusApproved {
		t.Errorf("status: %s", got.Status)
	}
	if got.ClaimedAt != nil {
		t.Error("revert must clear claimed_at")
	}
}

func TestTick_OrphanClosedWhenApprovalLapsed(t *testing.T) {
	f := newSchedFixture(t, nil)
	req := f.seed(t, lifecycle.StatusExecuting, nil)

	// Past both the claim TTL and the approval window.
	f.sched.WithClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	f.sched.Tick(context.Background())

	got, _ := f.store.GetRequest(context.Background(), req.ID)
	if got.Status != lifecycle.StatusExecutionFailed {
		t.Errorf("status: %s", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Error("orphaned request must be resolved")
	}
}

func TestTick_FreshRequestUntouched(t *testing.T) {
	f := newSchedFixture(t, nil)
	req := f.seed(t, lifecycle.StatusPending, nil)

	f.sched.Tick(context.Background())

	got, _ := f.store.GetRequest(context.Background(), req.ID)
	if got.Status != lifecycle.StatusPending {
		t.Errorf("status: %s", got.Status)
	}
}
