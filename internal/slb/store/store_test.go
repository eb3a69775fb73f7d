package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/slberr"
	"github.com/bdobrica/slb/internal/slb/store"
)

// newTestStore opens a temporary SQLite database with migrations applied.
// The DB is closed when the test ends.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "slb-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(t *testing.T, s *store.Store, agent, project string) *store.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &store.Session{
		ID:           store.NewSessionID(),
		AgentName:    agent,
		Program:      "claude-code",
		Model:        "test-model",
		ProjectPath:  project,
		HMACKey:      "0000000000000000000000000000000000000000000000000000000000000000",
		StartedAt:    now,
		LastActiveAt: now,
	}
	if err := s.InsertSession(context.Background(), sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return sess
}

func newRequest(t *testing.T, s *store.Store, sess *store.Session, raw string) *store.Request {
	t.Helper()
	now := time.Now().UTC()
	spec := store.CommandSpec{Raw: raw, Cwd: "/work", Shell: true}
	spec.Hash = spec.ComputeHash()
	req := &store.Request{
		ID:          store.NewRequestID(),
		ProjectPath: sess.ProjectPath,
		Command:     spec,
		RiskTier:    "dangerous",
		Requestor:   store.Requestor{SessionID: sess.ID},
		Justification: store.Justification{
			Reason: "cleanup",
			Goal:   "remove stale build artifacts",
		},
		Status:       lifecycle.StatusPending,
		MinApprovals: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}
	if err := s.InsertRequest(context.Background(), req, store.RateLimits{}); err != nil {
		t.Fatalf("insert request: %v", err)
	}
	return req
}

// --- sessions ---

func TestSession_ActiveUniquePerAgentProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newSession(t, s, "alice", "/proj")

	dup := &store.Session{
		ID: store.NewSessionID(), AgentName: "alice", ProjectPath: "/proj",
		HMACKey: "k", StartedAt: time.Now(), LastActiveAt: time.Now(),
	}
	err := s.InsertSession(ctx, dup)
	if !slberr.HasCode(err, slberr.CodeSessionConflict) {
		t.Fatalf("expected session_conflict, got %v", err)
	}

	// Ending the first frees the slot.
	if _, err := s.EndSession(ctx, first.ID, time.Now().UTC()); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if err := s.InsertSession(ctx, dup); err != nil {
		t.Fatalf("insert after end: %v", err)
	}
}

func TestSession_EndIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")

	t1 := time.Now().UTC()
	first, err := s.EndSession(ctx, sess.ID, t1)
	if err != nil {
		t.Fatalf("end: %v", err)
	}

	second, err := s.EndSession(ctx, sess.ID, t1.Add(time.Minute))
	if err != nil {
		t.Fatalf("second end: %v", err)
	}
	if !second.Equal(first) {
		t.Errorf("second end returned %v, want original %v", second, first)
	}
}

func TestSession_GC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")

	cutoff := time.Now().UTC().Add(time.Hour)
	n, err := s.GCSessions(ctx, cutoff, time.Now().UTC())
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 collected, got %d", n)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EndedAt == nil {
		t.Error("session should be ended after gc")
	}
}

func TestSession_CountActiveReviewers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := newSession(t, s, "alice", "/proj")
	newSession(t, s, "bob", "/proj")
	newSession(t, s, "carol", "/other")

	n, err := s.CountActiveReviewers(ctx, "/proj", a.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reviewer, got %d", n)
	}
}

// --- requests ---

func TestRequest_InsertAndGet(t *testing.T) {
	s := newTestStore(t)
	sess := newSession(t, s, "alice", "/proj")
	req := newRequest(t, s, sess, "rm -rf ./build")

	got, err := s.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Command.Raw != "rm -rf ./build" {
		t.Errorf("raw: %q", got.Command.Raw)
	}
	if got.Requestor.AgentName != "alice" {
		t.Errorf("requestor agent: %q", got.Requestor.AgentName)
	}
	if got.Status != lifecycle.StatusPending {
		t.Errorf("status: %q", got.Status)
	}
	if got.Command.Hash != got.Command.ComputeHash() {
		t.Error("stored hash must equal recomputation")
	}
}

func TestRequest_RateLimit_MaxPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")
	lim := store.RateLimits{MaxPending: 3, MaxPerMinute: 100}

	for i := 0; i < 3; i++ {
		req := buildRequest(sess, "rm -rf ./x")
		if err := s.InsertRequest(ctx, req, lim); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	err := s.InsertRequest(ctx, buildRequest(sess, "rm -rf ./y"), lim)
	if !slberr.HasCode(err, slberr.CodeRateLimited) {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	var se *slberr.Error
	if !errors.As(err, &se) || se.RetryAfterMs <= 0 {
		t.Errorf("expected retry_after_ms > 0, got %+v", se)
	}

	// No row was inserted for the rejected request.
	pending, _ := s.ListByStatus(ctx, "/proj", lifecycle.StatusPending, 0)
	if len(pending) != 3 {
		t.Errorf("expected 3 pending rows, got %d", len(pending))
	}
}

func TestRequest_RateLimit_PerMinute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")
	lim := store.RateLimits{MaxPending: 100, MaxPerMinute: 2}

	for i := 0; i < 2; i++ {
		if err := s.InsertRequest(ctx, buildRequest(sess, "rm -rf ./x"), lim); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	err := s.InsertRequest(ctx, buildRequest(sess, "rm -rf ./z"), lim)
	if !slberr.HasCode(err, slberr.CodeRateLimited) {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	var se *slberr.Error
	if !errors.As(err, &se) || se.RetryAfterMs <= 0 {
		t.Errorf("expected retry_after_ms > 0, got %+v", se)
	}

	// A human reset clears the window.
	if err := s.ResetRateLimit(ctx, sess.ID, time.Now().UTC()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := s.InsertRequest(ctx, buildRequest(sess, "rm -rf ./w"), lim); err != nil {
		t.Fatalf("insert after reset: %v", err)
	}
}

func TestRequest_TransitionCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")
	req := newRequest(t, s, sess, "rm -rf ./build")

	now := time.Now().UTC()
	exp := now.Add(30 * time.Minute)
	err := s.TransitionRequest(ctx, req.ID, lifecycle.StatusPending, lifecycle.StatusApproved,
		now, store.TransitionOpts{ApprovalExpiresAt: &exp})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	got, _ := s.GetRequest(ctx, req.ID)
	if got.Status != lifecycle.StatusApproved {
		t.Errorf("status: %q", got.Status)
	}
	if got.ApprovalExpiresAt == nil || !got.ApprovalExpiresAt.Equal(exp) {
		t.Errorf("approval_expires_at: %v", got.ApprovalExpiresAt)
	}

	// Losing CAS (stale from-state) surfaces invalid_state_transition.
	err = s.TransitionRequest(ctx, req.ID, lifecycle.StatusPending, lifecycle.StatusRejected,
		now, store.TransitionOpts{})
	if !slberr.HasCode(err, slberr.CodeInvalidTransition) {
		t.Fatalf("expected invalid_state_transition, got %v", err)
	}

	// Illegal edges are refused before touching the database.
	err = s.TransitionRequest(ctx, req.ID, lifecycle.StatusApproved, lifecycle.StatusExecuted,
		now, store.TransitionOpts{})
	if !slberr.HasCode(err, slberr.CodeInvalidTransition) {
		t.Fatalf("expected invalid_state_transition for illegal edge, got %v", err)
	}
}

func TestRequest_TerminalSetsResolvedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")
	req := newRequest(t, s, sess, "rm -rf ./build")

	now := time.Now().UTC()
	if err := s.TransitionRequest(ctx, req.ID, lifecycle.StatusPending, lifecycle.StatusCancelled, now, store.TransitionOpts{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := s.GetRequest(ctx, req.ID)
	if got.ResolvedAt == nil {
		t.Error("terminal transition must set resolved_at")
	}
}

func TestRequest_ExecutingSetsClaimedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")
	req := newRequest(t, s, sess, "rm -rf ./build")

	now := time.Now().UTC()
	exp := now.Add(time.Hour)
	mustTransition(t, s, req.ID, lifecycle.StatusPending, lifecycle.StatusApproved, store.TransitionOpts{ApprovalExpiresAt: &exp})
	mustTransition(t, s, req.ID, lifecycle.StatusApproved, lifecycle.StatusExecuting, store.TransitionOpts{})

	got, _ := s.GetRequest(ctx, req.ID)
	if got.ClaimedAt == nil {
		t.Error("executing must set claimed_at")
	}

	// Orphan revert clears the claim.
	mustTransition(t, s, req.ID, lifecycle.StatusExecuting, lifecycle.StatusApproved, store.TransitionOpts{})
	got, _ = s.GetRequest(ctx, req.ID)
	if got.ClaimedAt != nil {
		t.Error("revert must clear claimed_at")
	}
}

func TestRequest_DemotionClearsApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")
	req := newRequest(t, s, sess, "rm -rf ./build")

	exp := time.Now().UTC().Add(time.Hour)
	mustTransition(t, s, req.ID, lifecycle.StatusPending, lifecycle.StatusApproved, store.TransitionOpts{ApprovalExpiresAt: &exp})
	mustTransition(t, s, req.ID, lifecycle.StatusApproved, lifecycle.StatusPending, store.TransitionOpts{})

	got, _ := s.GetRequest(ctx, req.ID)
	if got.ApprovalExpiresAt != nil {
		t.Error("demotion must clear approval_expires_at")
	}
}

func TestRequest_Search(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")
	newRequest(t, s, sess, "rm -rf ./build")
	newRequest(t, s, sess, "docker system prune -af")

	hits, err := s.Search(ctx, "/proj", "docker", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Command.Raw != "docker system prune -af" {
		t.Errorf("hits: %+v", hits)
	}

	// Justifications are indexed too.
	hits, err = s.Search(ctx, "/proj", "stale", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("expected both requests via goal text, got %d", len(hits))
	}
}

func TestRequest_ExpiredPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")

	req := buildRequest(sess, "rm -rf ./x")
	req.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := s.InsertRequest(ctx, req, store.RateLimits{}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	newRequest(t, s, sess, "rm -rf ./fresh")

	expired, err := s.ExpiredPending(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != req.ID {
		t.Errorf("expired: %+v", expired)
	}
}

func TestRequest_ListPendingForReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newSession(t, s, "alice", "/proj")
	bob := newSession(t, s, "bob", "/proj")
	mine := newRequest(t, s, alice, "rm -rf ./build")
	newRequest(t, s, bob, "git reset --hard")

	pool, err := s.ListPendingForReview(ctx, "/proj", alice.ID)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if len(pool) != 1 || pool[0].ID == mine.ID {
		t.Errorf("review pool should exclude own requests: %+v", pool)
	}
}

// --- reviews ---

func TestReview_DuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newSession(t, s, "alice", "/proj")
	bob := newSession(t, s, "bob", "/proj")
	req := newRequest(t, s, alice, "rm -rf ./build")

	rv := buildReview(req.ID, bob.ID, store.DecisionApprove)
	if err := s.InsertReview(ctx, rv); err != nil {
		t.Fatalf("insert review: %v", err)
	}

	dup := buildReview(req.ID, bob.ID, store.DecisionReject)
	err := s.InsertReview(ctx, dup)
	if !slberr.HasCode(err, slberr.CodeDuplicateReview) {
		t.Fatalf("expected duplicate_review, got %v", err)
	}
}

func TestReview_CountDecisions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newSession(t, s, "alice", "/proj")
	bob := newSession(t, s, "bob", "/proj")
	carol := newSession(t, s, "carol", "/proj")
	req := newRequest(t, s, alice, "rm -rf ./build")

	s.InsertReview(ctx, buildReview(req.ID, bob.ID, store.DecisionApprove))
	s.InsertReview(ctx, buildReview(req.ID, carol.ID, store.DecisionReject))

	approvals, rejections, err := s.CountDecisions(ctx, req.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if approvals != 1 || rejections != 1 {
		t.Errorf("got %d/%d", approvals, rejections)
	}
}

// --- outcomes ---

func TestOutcome_FirstCallWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")
	req := newRequest(t, s, sess, "rm -rf ./build")

	o := &store.ExecutionOutcome{
		RequestID: req.ID, ExitCode: 0, DurationMs: 1200,
		LogPath: "/proj/.slb/logs/" + req.ID + ".log",
		ExecutedBy: sess.ID, RecordedAt: time.Now().UTC(),
	}
	if err := s.RecordOutcome(ctx, o); err != nil {
		t.Fatalf("record: %v", err)
	}

	err := s.RecordOutcome(ctx, o)
	if !slberr.HasCode(err, slberr.CodeAlreadyExecuted) {
		t.Fatalf("expected already_executed, got %v", err)
	}
}

func TestOutcome_Feedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")
	req := newRequest(t, s, sess, "rm -rf ./build")

	s.RecordOutcome(ctx, &store.ExecutionOutcome{
		RequestID: req.ID, ExitCode: 1, DurationMs: 10, RecordedAt: time.Now().UTC(),
	})

	caused := true
	rating := 2
	if err := s.AddOutcomeFeedback(ctx, req.ID, &caused, &rating, nil); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	got, err := s.GetOutcome(ctx, req.ID)
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	if got.CausedProblems == nil || !*got.CausedProblems {
		t.Error("caused_problems not stored")
	}
	if got.HumanRating == nil || *got.HumanRating != 2 {
		t.Error("human_rating not stored")
	}
}

func TestOutcome_EmergencyCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "alice", "/proj")

	if n, err := s.EmergencyExecutionCount(ctx); err != nil || n != 0 {
		t.Fatalf("empty store count: %d %v", n, err)
	}

	normal := newRequest(t, s, sess, "rm -rf ./build")
	s.RecordOutcome(ctx, &store.ExecutionOutcome{
		RequestID: normal.ID, ExitCode: 0, RecordedAt: time.Now().UTC(),
	})
	bypass := newRequest(t, s, sess, "rm -rf ./cache")
	s.RecordOutcome(ctx, &store.ExecutionOutcome{
		RequestID: bypass.ID, ExitCode: 0, Emergency: true, RecordedAt: time.Now().UTC(),
	})

	n, err := s.EmergencyExecutionCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("only the override should count, got %d", n)
	}
}

// --- patterns ---

func TestPattern_SoftDeleteAndRevive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &store.CustomPattern{Tier: "dangerous", Pattern: `^mycmd\s`, Source: store.SourceAgent, AddedAt: now}
	if err := s.AddCustomPattern(ctx, p); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := s.RemoveCustomPattern(ctx, "dangerous", `^mycmd\s`, now); err != nil {
		t.Fatalf("remove: %v", err)
	}
	active, _ := s.ListCustomPatterns(ctx, false)
	if len(active) != 0 {
		t.Errorf("expected no active patterns, got %d", len(active))
	}

	// Re-adding revives the row.
	if err := s.AddCustomPattern(ctx, p); err != nil {
		t.Fatalf("revive: %v", err)
	}
	active, _ = s.ListCustomPatterns(ctx, false)
	if len(active) != 1 {
		t.Errorf("expected 1 active pattern, got %d", len(active))
	}
}

func TestPatternChange_AuditTrail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := &store.PatternChange{
		ID: store.NewChangeID(), ChangeType: store.ChangeRemoveRequest,
		Tier: "critical", Pattern: `^dd\s`, Reason: "false positives",
		Status: "open", CreatedAt: now,
	}
	if err := s.InsertPatternChange(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.ResolvePatternChange(ctx, c.ID, "approved", "human:ops", now); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	changes, _ := s.ListPatternChanges(ctx, store.ChangeRemoveRequest)
	if len(changes) != 1 || changes[0].Status != "approved" {
		t.Errorf("changes: %+v", changes)
	}
}

// --- helpers ---

func buildRequest(sess *store.Session, raw string) *store.Request {
	now := time.Now().UTC()
	spec := store.CommandSpec{Raw: raw, Cwd: "/work", Shell: true}
	spec.Hash = spec.ComputeHash()
	return &store.Request{
		ID:          store.NewRequestID(),
		ProjectPath: sess.ProjectPath,
		Command:     spec,
		RiskTier:    "dangerous",
		Requestor:   store.Requestor{SessionID: sess.ID},
		Justification: store.Justification{
			Reason: "cleanup",
			Goal:   "remove stale build artifacts",
		},
		Status:       lifecycle.StatusPending,
		MinApprovals: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}
}

func buildReview(requestID, sessionID, decision string) *store.Review {
	now := time.Now().UTC()
	return &store.Review{
		ID: store.NewReviewID(), RequestID: requestID,
		ReviewerSessionID: sessionID, Decision: decision,
		Signature: "sig", SignatureTimestamp: now, CreatedAt: now,
	}
}

func mustTransition(t *testing.T, s *store.Store, id string, from, to lifecycle.Status, opts store.TransitionOpts) {
	t.Helper()
	if err := s.TransitionRequest(context.Background(), id, from, to, time.Now().UTC(), opts); err != nil {
		t.Fatalf("transition %s → %s: %v", from, to, err)
	}
}

