package classify

import (
	"context"
	"fmt"
	"os"

	"github.com/bdobrica/slb/common/spec/rulepack"
	"github.com/bdobrica/slb/internal/slb/config"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Load builds the effective policy: the builtin pack, then configured pack
// files, then custom patterns from the store.  Later additions take effect
// through tier precedence, not declaration order.
func Load(ctx context.Context, cfg *config.Config, s *store.Store) (*Policy, error) {
	packs := []*rulepack.Pack{DefaultPack()}
	for _, path := range cfg.Patterns.Packs {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rule pack %s: %w", path, err)
		}
		pack, err := rulepack.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("rule pack %s: %w", path, err)
		}
		packs = append(packs, pack)
	}

	tierMin := map[Tier]int{
		TierCaution:   cfg.General.CautionMinApprovals,
		TierDangerous: cfg.General.DangerousMinApprovals,
		TierCritical:  cfg.General.CriticalMinApprovals,
	}
	policy, err := Compile(packs, cfg.General.DynamicQuorum, cfg.General.QuorumFloor, tierMin)
	if err != nil {
		return nil, err
	}

	if s != nil {
		custom, err := s.ListCustomPatterns(ctx, false)
		if err != nil {
			return nil, err
		}
		for _, p := range custom {
			if err := policy.AddRule(Tier(p.Tier), p.Pattern, p.Source); err != nil {
				return nil, err
			}
		}
	}
	return policy, nil
}
