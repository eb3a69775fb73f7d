// Package rulepack defines the YAML document format for shareable risk
// pattern packs.  A pack declares ordered regex rules per risk tier and is
// the unit of exchange for `slb patterns export` / `slb patterns import`.
package rulepack

// SpecVersion is the apiVersion every pack must declare.
const SpecVersion = "slb/v1"

// Tier names, lowest to highest risk.
const (
	TierSafe      = "safe"
	TierCaution   = "caution"
	TierDangerous = "dangerous"
	TierCritical  = "critical"
)

// Pack is the root of a rule-pack document.
type Pack struct {
	APIVersion string   `yaml:"apiVersion"`
	Metadata   Metadata `yaml:"metadata"`
	Tiers      Tiers    `yaml:"tiers"`
}

// Metadata identifies the pack.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Author      string `yaml:"author,omitempty"`
}

// Tiers holds the ordered rule lists.  Order within a tier matters: the
// first matching rule wins and supplies the approval requirements.
type Tiers struct {
	Safe      []Rule `yaml:"safe,omitempty"`
	Caution   []Rule `yaml:"caution,omitempty"`
	Dangerous []Rule `yaml:"dangerous,omitempty"`
	Critical  []Rule `yaml:"critical,omitempty"`
}

// Rule is one case-insensitive regular expression with its approval
// requirements.
type Rule struct {
	// Pattern is a regular expression matched against each normalized
	// command segment.  Compiled case-insensitively.
	Pattern string `yaml:"pattern"`
	// Name is an optional human label shown in review prompts.
	Name string `yaml:"name,omitempty"`
	// MinApprovals overrides the tier default when > 0.
	MinApprovals int `yaml:"minApprovals,omitempty"`
	// RequireDifferentModel forces the reviewer to run a different model
	// than the requestor.
	RequireDifferentModel bool `yaml:"requireDifferentModel,omitempty"`
	// RequirePathCheck enables prefix matching on path-resolved arguments.
	RequirePathCheck bool `yaml:"requirePathCheck,omitempty"`
	// DangerousPrefixes: the rule only fires when a resolved path argument
	// falls under one of these prefixes.
	DangerousPrefixes []string `yaml:"dangerousPrefixes,omitempty"`
	// SafePrefixes: the rule is suppressed when every resolved path argument
	// falls under one of these prefixes.
	SafePrefixes []string `yaml:"safePrefixes,omitempty"`
	// AutoApproveAfterSecs, on caution rules, lets the daemon approve the
	// request unattended after this many seconds with no review.
	AutoApproveAfterSecs int `yaml:"autoApproveAfterSecs,omitempty"`
}

// All returns every rule paired with its tier, safe first.
func (t Tiers) All() []TierRule {
	var out []TierRule
	for _, r := range t.Safe {
		out = append(out, TierRule{Tier: TierSafe, Rule: r})
	}
	for _, r := range t.Caution {
		out = append(out, TierRule{Tier: TierCaution, Rule: r})
	}
	for _, r := range t.Dangerous {
		out = append(out, TierRule{Tier: TierDangerous, Rule: r})
	}
	for _, r := range t.Critical {
		out = append(out, TierRule{Tier: TierCritical, Rule: r})
	}
	return out
}

// TierRule is a rule annotated with the tier it belongs to.
type TierRule struct {
	Tier string
	Rule Rule
}
