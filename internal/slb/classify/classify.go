// Package classify maps a normalized command to a risk tier.
//
// Rule sets per tier are ordered lists of case-insensitive regular
// expressions compiled once at policy load.  Evaluation is purely
// deterministic.  Precedence: an explicit SAFE match wins outright, then the
// highest matching risk tier wins (critical over dangerous over caution),
// and a command matching nothing is safe by default.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bdobrica/slb/common/spec/rulepack"
	"github.com/bdobrica/slb/internal/slb/normalize"
	"github.com/bdobrica/slb/internal/slb/slberr"
)

// Tier is a risk category.
type Tier string

const (
	TierSafe      Tier = "safe"
	TierCaution   Tier = "caution"
	TierDangerous Tier = "dangerous"
	TierCritical  Tier = "critical"
)

// Rank orders tiers for comparison; higher is riskier.
func (t Tier) Rank() int {
	switch t {
	case TierCaution:
		return 1
	case TierDangerous:
		return 2
	case TierCritical:
		return 3
	default:
		return 0
	}
}

// Upgrade returns the next tier up, used when normalization fell back.
func (t Tier) Upgrade() Tier {
	switch t {
	case TierSafe:
		return TierCaution
	case TierCaution:
		return TierDangerous
	case TierDangerous:
		return TierCritical
	default:
		return TierCritical
	}
}

// Valid reports whether t is a known tier.
func Valid(t Tier) bool {
	switch t {
	case TierSafe, TierCaution, TierDangerous, TierCritical:
		return true
	}
	return false
}

// Rule is one compiled pattern with its approval requirements.
type Rule struct {
	Tier                  Tier
	Name                  string
	Pattern               *regexp.Regexp
	Source                string
	MinApprovals          int
	RequireDifferentModel bool
	RequirePathCheck      bool
	DangerousPrefixes     []string
	SafePrefixes          []string
	AutoApproveAfterSecs  int
}

// Policy holds the compiled rule sets plus quorum settings.
type Policy struct {
	safe      []*Rule
	caution   []*Rule
	dangerous []*Rule
	critical  []*Rule

	// DynamicQuorum reduces required approvals when few reviewers are
	// active, never below QuorumFloor.
	DynamicQuorum bool
	QuorumFloor   int

	// TierMinApprovals supplies the default approval count for rules that
	// do not declare their own.
	TierMinApprovals map[Tier]int
}

// Result is the classification outcome.
type Result struct {
	Tier                  Tier
	MatchedRule           *Rule
	MatchedSegment        string
	MinApprovals          int
	RequireDifferentModel bool
	AutoApproveAfterSecs  int
	// Upgraded is set when a normalization fallback raised the tier.
	Upgraded bool
}

// SkipReview reports whether the command needs no review at all.
func (r Result) SkipReview() bool {
	return r.Tier == TierSafe
}

// Compile builds a Policy from parsed rule packs, first pack first.  An
// invalid pattern is a fatal configuration error here, never at classify
// time.
func Compile(packs []*rulepack.Pack, dynamicQuorum bool, quorumFloor int, tierMin map[Tier]int) (*Policy, error) {
	if tierMin == nil {
		tierMin = map[Tier]int{TierCaution: 1, TierDangerous: 1, TierCritical: 2}
	}
	p := &Policy{
		DynamicQuorum:    dynamicQuorum,
		QuorumFloor:      quorumFloor,
		TierMinApprovals: tierMin,
	}
	for _, pack := range packs {
		for _, tr := range pack.Tiers.All() {
			rule, err := compileRule(tr, pack.Metadata.Name)
			if err != nil {
				return nil, err
			}
			p.add(rule)
		}
	}
	return p, nil
}

// AddRule appends a single pattern, used for agent/human custom patterns
// loaded from the store.
func (p *Policy) AddRule(tier Tier, pattern, source string) error {
	rule, err := compileRule(rulepack.TierRule{Tier: string(tier), Rule: rulepack.Rule{Pattern: pattern}}, source)
	if err != nil {
		return err
	}
	p.add(rule)
	return nil
}

func (p *Policy) add(r *Rule) {
	switch r.Tier {
	case TierSafe:
		p.safe = append(p.safe, r)
	case TierCaution:
		p.caution = append(p.caution, r)
	case TierDangerous:
		p.dangerous = append(p.dangerous, r)
	case TierCritical:
		p.critical = append(p.critical, r)
	}
}

func compileRule(tr rulepack.TierRule, source string) (*Rule, error) {
	re, err := regexp.Compile("(?i)" + tr.Rule.Pattern)
	if err != nil {
		return nil, slberr.New(slberr.CodePatternConfig,
			"tier %s pattern %q: %v", tr.Tier, tr.Rule.Pattern, err)
	}
	return &Rule{
		Tier:                  Tier(tr.Tier),
		Name:                  tr.Rule.Name,
		Pattern:               re,
		Source:                source,
		MinApprovals:          tr.Rule.MinApprovals,
		RequireDifferentModel: tr.Rule.RequireDifferentModel,
		RequirePathCheck:      tr.Rule.RequirePathCheck,
		DangerousPrefixes:     tr.Rule.DangerousPrefixes,
		SafePrefixes:          tr.Rule.SafePrefixes,
		AutoApproveAfterSecs:  tr.Rule.AutoApproveAfterSecs,
	}, nil
}

// Classify evaluates n against the policy.
func (p *Policy) Classify(n *normalize.Normalized) Result {
	// Explicit SAFE rules short-circuit review entirely.
	if rule, seg := p.match(p.safe, n); rule != nil {
		res := Result{Tier: TierSafe, MatchedRule: rule, MatchedSegment: seg}
		return p.finish(res, n)
	}

	for _, set := range []struct {
		rules []*Rule
		tier  Tier
	}{
		{p.critical, TierCritical},
		{p.dangerous, TierDangerous},
		{p.caution, TierCaution},
	} {
		if rule, seg := p.match(set.rules, n); rule != nil {
			res := Result{
				Tier:                  set.tier,
				MatchedRule:           rule,
				MatchedSegment:        seg,
				MinApprovals:          rule.MinApprovals,
				RequireDifferentModel: rule.RequireDifferentModel,
				AutoApproveAfterSecs:  rule.AutoApproveAfterSecs,
			}
			if res.MinApprovals <= 0 {
				res.MinApprovals = p.TierMinApprovals[set.tier]
			}
			return p.finish(res, n)
		}
	}

	return p.finish(Result{Tier: TierSafe}, n)
}

// finish applies the fallback upgrade and normalizes approval counts.
func (p *Policy) finish(res Result, n *normalize.Normalized) Result {
	if n.ParseStatus == normalize.ParseFallback {
		res.Tier = res.Tier.Upgrade()
		res.Upgraded = true
		if res.MinApprovals <= 0 {
			res.MinApprovals = p.TierMinApprovals[res.Tier]
		}
	}
	if res.Tier == TierSafe {
		res.MinApprovals = 0
	}
	return res
}

// match returns the first rule matching any segment, scanning rules in
// declaration order.  Patterns run against the path-resolved text and the
// literal text, so a rule written either way fires; prefix constraints
// always use the resolved paths.
func (p *Policy) match(rules []*Rule, n *normalize.Normalized) (*Rule, string) {
	for _, rule := range rules {
		for _, seg := range n.Segments {
			if !rule.Pattern.MatchString(seg.Text) && !rule.Pattern.MatchString(seg.RawText) {
				continue
			}
			if rule.RequirePathCheck && !pathCheckFires(rule, seg) {
				continue
			}
			return rule, seg.Text
		}
	}
	return nil, ""
}

// pathCheckFires applies the rule's prefix constraints to the segment's
// resolved path arguments.
func pathCheckFires(rule *Rule, seg normalize.Segment) bool {
	paths := pathArgs(seg)

	if len(rule.DangerousPrefixes) > 0 {
		for _, p := range paths {
			if underAny(p, rule.DangerousPrefixes) {
				return true
			}
		}
		return false
	}

	if len(rule.SafePrefixes) > 0 {
		if len(paths) == 0 {
			return true
		}
		for _, p := range paths {
			if !underAny(p, rule.SafePrefixes) {
				return true
			}
		}
		return false
	}

	return true
}

func pathArgs(seg normalize.Segment) []string {
	var out []string
	for i, tok := range seg.Resolved {
		if i == 0 {
			continue
		}
		if eq := strings.Index(tok, "="); eq > 0 && strings.HasPrefix(tok, "-") {
			tok = tok[eq+1:]
		}
		if strings.HasPrefix(tok, "/") {
			out = append(out, tok)
		}
	}
	return out
}

func underAny(path string, prefixes []string) bool {
	for _, pfx := range prefixes {
		if path == pfx || strings.HasPrefix(path, strings.TrimSuffix(pfx, "/")+"/") {
			return true
		}
	}
	return false
}

// EffectiveMinApprovals applies the dynamic quorum: the required approvals
// shrink to the number of active reviewers (excluding the requestor) but
// never below the configured floor.
func (p *Policy) EffectiveMinApprovals(ruleMin, activeReviewers int) int {
	if !p.DynamicQuorum {
		return ruleMin
	}
	eff := ruleMin
	if activeReviewers < eff {
		eff = activeReviewers
	}
	if eff < p.QuorumFloor {
		eff = p.QuorumFloor
	}
	if eff < 1 {
		eff = 1
	}
	return eff
}

// ParseTier converts a user-supplied tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !Valid(t) {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}
