// Package patterns manages runtime classification patterns: agent and human
// additions, the human-gated removal flow, suggestions, and YAML
// export/import.
//
// The asymmetry is deliberate: anyone may tighten the net by adding risk
// patterns, but loosening it (adding safe patterns, removing risk patterns)
// takes a human.
package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/bdobrica/slb/common/spec/rulepack"
	"github.com/bdobrica/slb/internal/slb/classify"
	"github.com/bdobrica/slb/internal/slb/normalize"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/slberr"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Manager handles pattern lifecycle operations.
type Manager struct {
	store    *store.Store
	sessions *session.Registry
	now      func() time.Time
}

// New returns a Manager.
func New(s *store.Store, sessions *session.Registry) *Manager {
	return &Manager{
		store:    s,
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Add records a custom pattern.  Agents may add risk tiers only; adding a
// safe pattern widens the unreviewed surface and takes a human session.
func (m *Manager) Add(ctx context.Context, sessionID, tier, pattern, reason string) error {
	sess, err := m.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return err
	}
	t, err := classify.ParseTier(tier)
	if err != nil {
		return slberr.New(slberr.CodePatternConfig, "%v", err)
	}
	if _, err := regexp.Compile("(?i)" + pattern); err != nil {
		return slberr.New(slberr.CodePatternConfig, "pattern %q: %v", pattern, err)
	}
	if t == classify.TierSafe && !sess.IsHuman {
		return slberr.New(slberr.CodeRemovalNeedsHuman,
			"agents may not add safe patterns").
			WithHint("ask a human to add the pattern, or file a suggestion")
	}

	source := store.SourceAgent
	if sess.IsHuman {
		source = store.SourceHuman
	}
	now := m.now()
	if err := m.store.AddCustomPattern(ctx, &store.CustomPattern{
		Tier: string(t), Pattern: pattern, Source: source, AddedAt: now,
	}); err != nil {
		return err
	}
	if err := m.record(ctx, store.ChangeAdd, string(t), pattern, reason, sess.ID, "applied"); err != nil {
		return err
	}
	slog.Info("pattern added", "tier", t, "pattern", pattern, "by", sess.AgentName)
	return nil
}

// Remove soft-deletes a pattern.  Human sessions only; agents file a
// removal request instead.
func (m *Manager) Remove(ctx context.Context, sessionID, tier, pattern string) error {
	sess, err := m.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.IsHuman {
		return slberr.New(slberr.CodeRemovalNeedsHuman,
			"pattern removal requires a human session").
			WithHint("use patterns request-removal to ask a human")
	}
	now := m.now()
	if err := m.store.RemoveCustomPattern(ctx, tier, pattern, now); err != nil {
		return err
	}
	slog.Info("pattern removed", "tier", tier, "pattern", pattern, "by", sess.AgentName)
	return nil
}

// RequestRemoval files a removal request for a human to resolve.
func (m *Manager) RequestRemoval(ctx context.Context, sessionID, tier, pattern, reason string) (*store.PatternChange, error) {
	sess, err := m.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	change := &store.PatternChange{
		ID:              store.NewChangeID(),
		ChangeType:      store.ChangeRemoveRequest,
		Tier:            tier,
		Pattern:         pattern,
		Reason:          reason,
		AuthorSessionID: sess.ID,
		Status:          "pending",
		CreatedAt:       m.now(),
	}
	if err := m.store.InsertPatternChange(ctx, change); err != nil {
		return nil, err
	}
	return change, nil
}

// ResolveRemoval lets a human approve or deny a pending removal request.
func (m *Manager) ResolveRemoval(ctx context.Context, sessionID, changeID string, approve bool) error {
	sess, err := m.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.IsHuman {
		return slberr.New(slberr.CodeRemovalNeedsHuman,
			"resolving a removal request requires a human session")
	}

	changes, err := m.store.ListPatternChanges(ctx, store.ChangeRemoveRequest)
	if err != nil {
		return err
	}
	var change *store.PatternChange
	for _, c := range changes {
		if c.ID == changeID {
			change = c
			break
		}
	}
	if change == nil {
		return slberr.New(slberr.CodeRequestNotFound, "no removal request %s", changeID)
	}

	now := m.now()
	status := "denied"
	if approve {
		if err := m.store.RemoveCustomPattern(ctx, change.Tier, change.Pattern, now); err != nil {
			return err
		}
		status = "applied"
	}
	return m.store.ResolvePatternChange(ctx, changeID, status, sess.ID, now)
}

// Suggest records a pattern suggestion without touching the active set.
func (m *Manager) Suggest(ctx context.Context, sessionID, tier, pattern, reason string) error {
	sess, err := m.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := classify.ParseTier(tier); err != nil {
		return slberr.New(slberr.CodePatternConfig, "%v", err)
	}
	return m.record(ctx, store.ChangeSuggest, tier, pattern, reason, sess.ID, "pending")
}

// List returns the active custom patterns.
func (m *Manager) List(ctx context.Context, includeRemoved bool) ([]*store.CustomPattern, error) {
	return m.store.ListCustomPatterns(ctx, includeRemoved)
}

// Changes returns the audit trail.
func (m *Manager) Changes(ctx context.Context, changeType string) ([]*store.PatternChange, error) {
	return m.store.ListPatternChanges(ctx, changeType)
}

// Test classifies a command under the given policy, the dry-run behind
// slb patterns test.
func Test(policy *classify.Policy, raw, cwd string) classify.Result {
	return policy.Classify(normalize.Normalize(raw, cwd))
}

// Export packages the active custom patterns as a rule-pack document.
func (m *Manager) Export(ctx context.Context, name string) (*rulepack.Pack, error) {
	patterns, err := m.store.ListCustomPatterns(ctx, false)
	if err != nil {
		return nil, err
	}
	pack := &rulepack.Pack{
		APIVersion: rulepack.SpecVersion,
		Metadata: rulepack.Metadata{
			Name:        name,
			Description: "exported custom patterns",
		},
	}
	for _, p := range patterns {
		rule := rulepack.Rule{Pattern: p.Pattern}
		switch classify.Tier(p.Tier) {
		case classify.TierSafe:
			pack.Tiers.Safe = append(pack.Tiers.Safe, rule)
		case classify.TierCaution:
			pack.Tiers.Caution = append(pack.Tiers.Caution, rule)
		case classify.TierDangerous:
			pack.Tiers.Dangerous = append(pack.Tiers.Dangerous, rule)
		case classify.TierCritical:
			pack.Tiers.Critical = append(pack.Tiers.Critical, rule)
		}
	}
	return pack, nil
}

// Import adds every rule in a pack as a custom pattern, under the same
// tier restrictions as Add.
func (m *Manager) Import(ctx context.Context, sessionID string, pack *rulepack.Pack) (int, error) {
	if err := rulepack.Validate(pack); err != nil {
		return 0, slberr.New(slberr.CodePatternConfig, "%v", err)
	}
	count := 0
	for _, tr := range pack.Tiers.All() {
		reason := fmt.Sprintf("imported from pack %q", pack.Metadata.Name)
		if err := m.Add(ctx, sessionID, tr.Tier, tr.Rule.Pattern, reason); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (m *Manager) record(ctx context.Context, changeType, tier, pattern, reason, sessionID, status string) error {
	return m.store.InsertPatternChange(ctx, &store.PatternChange{
		ID:              store.NewChangeID(),
		ChangeType:      changeType,
		Tier:            tier,
		Pattern:         pattern,
		Reason:          reason,
		AuthorSessionID: sessionID,
		Status:          status,
		CreatedAt:       m.now(),
	})
}
