package patterns_test

import (
	"context"
	"os"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/bdobrica/slb/common/spec/rulepack"
	"github.com/bdobrica/slb/internal/slb/classify"
	"github.com/bdobrica/slb/internal/slb/patterns"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/slberr"
	"github.com/bdobrica/slb/internal/slb/store"
)

type fixture struct {
	store    *store.Store
	sessions *session.Registry
	manager  *patterns.Manager
	agent    *store.Session
	human    *store.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "patterns-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sessions := session.New(s)
	ctx := context.Background()
	agent, err := sessions.Start(ctx, session.StartParams{AgentName: "alice", ProjectPath: "/proj"})
	if err != nil {
		t.Fatal(err)
	}
	human, err := sessions.Start(ctx, session.StartParams{AgentName: "pat", ProjectPath: "/proj", IsHuman: true})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store:    s,
		sessions: sessions,
		manager:  patterns.New(s, sessions),
		agent:    agent,
		human:    human,
	}
}

func TestAdd_AgentMayTighten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Add(ctx, f.agent.ID, "dangerous", `^flyctl\s+apps\s+destroy\b`, "saw it nuke prod"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	active, err := f.manager.List(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Source != store.SourceAgent {
		t.Errorf("patterns: %+v", active)
	}

	changes, _ := f.manager.Changes(ctx, store.ChangeAdd)
	if len(changes) != 1 {
		t.Errorf("audit trail entries: %d", len(changes))
	}
}

func TestAdd_AgentMayNotLoosen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.manager.Add(ctx, f.agent.ID, "safe", `^flyctl\s+status\b`, "it is harmless")
	if !slberr.HasCode(err, slberr.CodeRemovalNeedsHuman) {
		t.Fatalf("expected human gate, got %v", err)
	}

	// The human may.
	if err := f.manager.Add(ctx, f.human.ID, "safe", `^flyctl\s+status\b`, ""); err != nil {
		t.Fatalf("human Add: %v", err)
	}
}

func TestAdd_InvalidPattern(t *testing.T) {
	f := newFixture(t)
	err := f.manager.Add(context.Background(), f.agent.ID, "dangerous", `([`, "")
	if !slberr.HasCode(err, slberr.CodePatternConfig) {
		t.Fatalf("expected pattern_config error, got %v", err)
	}
}

func TestRemove_HumanOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Add(ctx, f.agent.ID, "dangerous", `^foo\b`, ""); err != nil {
		t.Fatal(err)
	}

	err := f.manager.Remove(ctx, f.agent.ID, "dangerous", `^foo\b`)
	if !slberr.HasCode(err, slberr.CodeRemovalNeedsHuman) {
		t.Fatalf("expected removal_requires_human, got %v", err)
	}

	if err := f.manager.Remove(ctx, f.human.ID, "dangerous", `^foo\b`); err != nil {
		t.Fatalf("human Remove: %v", err)
	}
	active, _ := f.manager.List(ctx, false)
	if len(active) != 0 {
		t.Errorf("active patterns after removal: %d", len(active))
	}
}

func TestRemovalRequestFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Add(ctx, f.agent.ID, "dangerous", `^bar\b`, ""); err != nil {
		t.Fatal(err)
	}
	change, err := f.manager.RequestRemoval(ctx, f.agent.ID, "dangerous", `^bar\b`, "false positives")
	if err != nil {
		t.Fatalf("RequestRemoval: %v", err)
	}

	// Agents cannot resolve their own request.
	err = f.manager.ResolveRemoval(ctx, f.agent.ID, change.ID, true)
	if !slberr.HasCode(err, slberr.CodeRemovalNeedsHuman) {
		t.Fatalf("expected human gate, got %v", err)
	}

	if err := f.manager.ResolveRemoval(ctx, f.human.ID, change.ID, true); err != nil {
		t.Fatalf("ResolveRemoval: %v", err)
	}
	active, _ := f.manager.List(ctx, false)
	if len(active) != 0 {
		t.Errorf("pattern survived approved removal: %+v", active)
	}

	changes, _ := f.manager.Changes(ctx, store.ChangeRemoveRequest)
	if len(changes) != 1 || changes[0].ResolvedAt == nil || changes[0].Status != "applied" {
		t.Errorf("change record: %+v", changes[0])
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Add(ctx, f.agent.ID, "dangerous", `^flyctl\s+apps\s+destroy\b`, ""); err != nil {
		t.Fatal(err)
	}
	if err := f.manager.Add(ctx, f.agent.ID, "critical", `^gcloud\s+projects\s+delete\b`, ""); err != nil {
		t.Fatal(err)
	}

	pack, err := f.manager.Export(ctx, "team-patterns")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	data, err := rulepack.Encode(pack)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	parsed, err := rulepack.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// Import into a fresh store.
	g := newFixture(t)
	n, err := g.manager.Import(ctx, g.agent.ID, parsed)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 2 {
		t.Errorf("imported %d patterns", n)
	}
}

func TestTest_UsesCustomPatterns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Add(ctx, f.agent.ID, "critical", `^flyctl\s+apps\s+destroy\b`, ""); err != nil {
		t.Fatal(err)
	}

	policy, err := classify.Compile([]*rulepack.Pack{classify.DefaultPack()}, false, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	custom, _ := f.store.ListCustomPatterns(ctx, false)
	for _, p := range custom {
		if err := policy.AddRule(classify.Tier(p.Tier), p.Pattern, p.Source); err != nil {
			t.Fatal(err)
		}
	}

	res := patterns.Test(policy, "flyctl apps destroy my-app --yes", "/proj")
	if res.Tier != classify.TierCritical {
		t.Errorf("tier: %s", res.Tier)
	}
}
