package gate_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bdobrica/slb/common/hmac"
	"github.com/bdobrica/slb/common/spec/rulepack"
	"github.com/bdobrica/slb/internal/slb/classify"
	"github.com/bdobrica/slb/internal/slb/config"
	"github.com/bdobrica/slb/internal/slb/gate"
	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/request"
	"github.com/bdobrica/slb/internal/slb/review"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/slberr"
	"github.com/bdobrica/slb/internal/slb/store"
)

type fixture struct {
	dbPath   string
	store    *store.Store
	sessions *session.Registry
	manager  *request.Manager
	engine   *review.Engine
	gate     *gate.Gate
	policy   *classify.Policy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "gate-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.General.DynamicQuorum = false

	policy, err := classify.Compile([]*rulepack.Pack{classify.DefaultPack()}, false, 1, nil)
	if err != nil {
		t.Fatalf("compile policy: %v", err)
	}

	sessions := session.New(s)
	mgr, err := request.New(s, sessions, cfg, policy, notify.Noop{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return &fixture{
		dbPath:   f.Name(),
		store:    s,
		sessions: sessions,
		manager:  mgr,
		engine:   review.New(s, sessions, cfg, notify.Noop{}),
		gate:     gate.New(s, sessions, policy, notify.Noop{}),
		policy:   policy,
	}
}

func (f *fixture) startSession(t *testing.T, agent, model string) *store.Session {
	t.Helper()
	sess, err := f.sessions.Start(context.Background(), session.StartParams{
		AgentName: agent, Program: "claude-code", Model: model, ProjectPath: "/proj",
	})
	if err != nil {
		t.Fatalf("start session %s: %v", agent, err)
	}
	return sess
}

// approvedRequest creates a dangerous request from alice and has bob
// approve it.
func (f *fixture) approvedRequest(t *testing.T, alice, bob *store.Session, raw string) *store.Request {
	t.Helper()
	ctx := context.Background()
	res, err := f.manager.Create(ctx, request.CreateParams{
		SessionID: alice.ID, Raw: raw, Cwd: "/proj", Shell: true,
		Justification: store.Justification{Reason: "test scenario"},
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	ts := time.Now().UTC()
	sig, _ := hmac.SignReview(bob.HMACKey, res.Request.ID, store.DecisionApprove, ts)
	sub, err := f.engine.Submit(ctx, review.SubmitParams{
		SessionID: bob.ID, RequestID: res.Request.ID,
		Decision: store.DecisionApprove, Signature: sig, SignatureTimestamp: ts,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if sub.Status != lifecycle.StatusApproved {
		t.Fatalf("fixture request not approved: %s", sub.Status)
	}
	req, err := f.store.GetRequest(ctx, res.Request.ID)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

// rawExec runs direct SQL against the test database, for tamper scenarios.
func (f *fixture) rawExec(t *testing.T, query string, args ...any) {
	t.Helper()
	db, err := sql.Open("sqlite", f.dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("raw exec: %v", err)
	}
}

func TestClaim(t *testing.T) {
	f := newFixture(t)
	alice := f.startSession(t, "alice", "m1")
	bob := f.startSession(t, "bob", "m2")
	req := f.approvedRequest(t, alice, bob, "rm -rf ./build")
	ctx := context.Background()

	claimed, err := f.gate.Claim(ctx, alice.ID, req.ID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Command.Raw != "rm -rf ./build" {
		t.Errorf("claimed command: %q", claimed.Command.Raw)
	}

	got, _ := f.store.GetRequest(ctx, req.ID)
	if got.Status != lifecycle.StatusExecuting {
		t.Errorf("status: %s", got.Status)
	}
	if got.ClaimedAt == nil {
		t.Error("claimed_at must be set")
	}

	// The second claim loses.
	_, err = f.gate.Claim(ctx, alice.ID, req.ID)
	if !slberr.HasCode(err, slberr.CodeAlreadyClaimed) {
		t.Fatalf("expected already_claimed, got %v", err)
	}
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	alice := f.startSession(t, "alice", "m1")
	bob := f.startSession(t, "bob", "m2")
	req := f.approvedRequest(t, alice, bob, "rm -rf ./build")
	ctx := context.Background()

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.gate.Claim(ctx, alice.ID, req.ID)
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case slberr.HasCode(err, slberr.CodeAlreadyClaimed):
			losses++
		default:
			t.Errorf("racer %d: %v", i, err)
		}
	}
	if wins != 1 {
		t.Errorf("exactly one claim must win, got %d", wins)
	}
	if losses != racers-1 {
		t.Errorf("losers: %d", losses)
	}
	got, _ := f.store.GetRequest(ctx, req.ID)
	if got.Status != lifecycle.StatusExecuting {
		t.Errorf("status after race: %s", got.Status)
	}
}

func TestClaim_RequiresApproval(t *testing.T) {
	f := newFixture(t)
	alice := f.startSession(t, "alice", "m1")
	ctx := context.Background()

	res, err := f.manager.Create(ctx, request.CreateParams{
		SessionID: alice.ID, Raw: "rm -rf ./build", Cwd: "/proj", Shell: true,
		Justification: store.Justification{Reason: "cleanup"},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.gate.Claim(ctx, alice.ID, res.Request.ID)
	if !slberr.HasCode(err, slberr.CodeNotApproved) {
		t.Fatalf("expected not_approved, got %v", err)
	}
}

func TestClaim_ForeignSessionRefused(t *testing.T) {
	f := newFixture(t)
	alice := f.startSession(t, "alice", "m1")
	bob := f.startSession(t, "bob", "m2")
	req := f.approvedRequest(t, alice, bob, "rm -rf ./build")

	_, err := f.gate.Claim(context.Background(), bob.ID, req.ID)
	if !slberr.HasCode(err, slberr.CodeNotApproved) {
		t.Fatalf("expected refusal for foreign session, got %v", err)
	}
}

func TestClaim_ApprovalExpired(t *testing.T) {
	f := newFixture(t)
	alice := f.startSession(t, "alice", "m1")
	bob := f.startSession(t, "bob", "m2")
	req := f.approvedRequest(t, alice, bob, "rm -rf ./build")

	f.gate.WithClock(func() time.Time { return time.Now().UTC().Add(31 * time.Minute) })
	_, err := f.gate.Claim(context.Background(), alice.ID, req.ID)
	if !slberr.HasCode(err, slberr.CodeApprovalExpired) {
		t.Fatalf("expected approval_expired, got %v", err)
	}
}

func TestClaim_HashMismatch(t *testing.T) {
	f := newFixture(t)
	alice := f.startSession(t, "alice", "m1")
	bob := f.startSession(t, "bob", "m2")
	req := f.approvedRequest(t, alice, bob, "rm -rf ./build")

	// Swap the stored command out from under the hash.
	f.rawExec(t, `UPDATE requests SET command_raw = ? WHERE id = ?`,
		"rm -rf / --no-preserve-root", req.ID)

	_, err := f.gate.Claim(context.Background(), alice.ID, req.ID)
	if !slberr.HasCode(err, slberr.CodeHashMismatch) {
		t.Fatalf("expected command_hash_mismatch, got %v", err)
	}
}

func TestClaim_TamperedApprovalSignature(t *testing.T) {
	f := newFixture(t)
	alice := f.startSession(t, "alice", "m1")
	bob := f.startSession(t, "bob", "m2")
	req := f.approvedRequest(t, alice, bob, "rm -rf ./build")

	f.rawExec(t, `UPDATE reviews SET signature = ? WHERE request_id = ?`,
		"deadbeef", req.ID)

	_, err := f.gate.Claim(context.Background(), alice.ID, req.ID)
	if !slberr.HasCode(err, slberr.CodeSignatureInvalid) {
		t.Fatalf("expected signature_invalid, got %v", err)
	}
}

func TestClaim_TierRaisedDemotes(t *testing.T) {
	f := newFixture(t)
	alice := f.startSession(t, "alice", "m1")
	bob := f.startSession(t, "bob", "m2")
	req := f.approvedRequest(t, alice, bob, "rm -rf ./build")
	ctx := context.Background()

	// The policy tightened after approval: the same command is now critical.
	stricter, err := classify.Compile([]*rulepack.Pack{classify.DefaultPack()}, false, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := stricter.AddRule(classify.TierCritical, `^rm\s+-rf\s+\./build`, "test"); err != nil {
		t.Fatal(err)
	}
	strictGate := gate.New(f.store, f.sessions, stricter, notify.Noop{})

	_, err = strictGate.Claim(ctx, alice.ID, req.ID)
	if !slberr.HasCode(err, slberr.CodeTierRaised) {
		t.Fatalf("expected tier_raised, got %v", err)
	}

	got, _ := f.store.GetRequest(ctx, req.ID)
	if got.Status != lifecycle.StatusPending {
		t.Errorf("demoted status: %s", got.Status)
	}
	if got.ApprovalExpiresAt != nil {
		t.Error("demotion must clear the approval window")
	}
}

func TestRecordOutcome(t *testing.T) {
	f := newFixture(t)
	alice := f.startSession(t, "alice", "m1")
	bob := f.startSession(t, "bob", "m2")
	req := f.approvedRequest(t, alice, bob, "rm -rf ./build")
	ctx := context.Background()

	if _, err := f.gate.Claim(ctx, alice.ID, req.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	err := f.gate.RecordOutcome(ctx, gate.OutcomeParams{
		SessionID: alice.ID, RequestID: req.ID, ExitCode: 0, DurationMs: 1234,
	})
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	got, _ := f.store.GetRequest(ctx, req.ID)
	if got.Status != lifecycle.StatusExecuted {
		t.Errorf("status: %s", got.Status)
	}
	outcome, err := f.store.GetOutcome(ctx, req.ID)
	if err != nil || outcome == nil {
		t.Fatalf("GetOutcome: %v %v", outcome, err)
	}
	if outcome.ExitCode != 0 || outcome.DurationMs != 1234 {
		t.Errorf("outcome: %+v", outcome)
	}

	// Reporting again is an idempotence violation, not a transition error.
	err = f.gate.RecordOutcome(ctx, gate.OutcomeParams{
		SessionID: alice.ID, RequestID: req.ID, ExitCode: 1,
	})
	if !slberr.HasCode(err, slberr.CodeAlreadyExecuted) {
		t.Fatalf("expected already_executed, got %v", err)
	}
	outcome, err = f.store.GetOutcome(ctx, req.ID)
	if err != nil || outcome == nil {
		t.Fatalf("GetOutcome: %v %v", outcome, err)
	}
	if outcome.ExitCode != 0 {
		t.Errorf("first recorded outcome must win, got exit %d", outcome.ExitCode)
	}
}

func TestRecordOutcome_Failure(t *testing.T) {
	f := newFixture(t)
	alice := f.startSession(t, "alice", "m1")
	bob := f.startSession(t, "bob", "m2")
	req := f.approvedRequest(t, alice, bob, "rm -rf ./build")
	ctx := context.Background()

	if _, err := f.gate.Claim(ctx, alice.ID, req.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.gate.RecordOutcome(ctx, gate.OutcomeParams{
		SessionID: alice.ID, RequestID: req.ID, ExitCode: 2,
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetRequest(ctx, req.ID)
	if got.Status != lifecycle.StatusExecutionFailed {
		t.Errorf("status: %s", got.Status)
	}
}

func TestVerify_DoesNotClaim(t *testing.T) {
	f := newFixture(t)
	alice := f.startSession(t, "alice", "m1")
	bob := f.startSession(t, "bob", "m2")
	req := f.approvedRequest(t, alice, bob, "rm -rf ./build")
	ctx := context.Background()

	if _, err := f.gate.Verify(ctx, alice.ID, req.ID); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	got, _ := f.store.GetRequest(ctx, req.ID)
	if got.Status != lifecycle.StatusApproved {
		t.Errorf("verify must not change status, got %s", got.Status)
	}
}
