package rulepack

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a rule-pack YAML document and validates it.
// It is the canonical entry point for loading packs.
func Parse(data []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("rulepack parse: %w", err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode serializes a pack back to YAML.
func Encode(p *Pack) ([]byte, error) {
	out, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("rulepack encode: %w", err)
	}
	return out, nil
}

// Validate checks a Pack for structural correctness.  Every pattern must
// compile; an invalid regex is a configuration error surfaced here, never at
// classify time.
func Validate(p *Pack) error {
	if p == nil {
		return fmt.Errorf("pack must not be nil")
	}

	if p.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, p.APIVersion)
	}

	if strings.TrimSpace(p.Metadata.Name) == "" {
		return fmt.Errorf("metadata.name must not be empty")
	}

	for _, tr := range p.Tiers.All() {
		if err := validateRule(tr.Tier, tr.Rule); err != nil {
			return err
		}
	}

	return nil
}

func validateRule(tier string, r Rule) error {
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("tiers.%s: pattern must not be empty", tier)
	}
	if _, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
		return fmt.Errorf("tiers.%s: pattern %q: %w", tier, r.Pattern, err)
	}
	if r.MinApprovals < 0 {
		return fmt.Errorf("tiers.%s (%q): minApprovals must be >= 0", tier, r.Pattern)
	}
	if r.AutoApproveAfterSecs < 0 {
		return fmt.Errorf("tiers.%s (%q): autoApproveAfterSecs must be >= 0", tier, r.Pattern)
	}
	if r.AutoApproveAfterSecs > 0 && tier != TierCaution {
		return fmt.Errorf("tiers.%s (%q): autoApproveAfterSecs is only valid on caution rules", tier, r.Pattern)
	}
	if len(r.DangerousPrefixes)+len(r.SafePrefixes) > 0 && !r.RequirePathCheck {
		return fmt.Errorf("tiers.%s (%q): path prefixes require requirePathCheck", tier, r.Pattern)
	}
	for _, pfx := range append(append([]string{}, r.DangerousPrefixes...), r.SafePrefixes...) {
		if !strings.HasPrefix(pfx, "/") && !strings.HasPrefix(pfx, "~") {
			return fmt.Errorf("tiers.%s (%q): prefix %q must be absolute or ~-relative", tier, r.Pattern, pfx)
		}
	}
	return nil
}
