package classify

import "github.com/bdobrica/slb/common/spec/rulepack"

// DefaultPack returns the built-in rule pack.  Projects extend or override
// it through config and custom patterns; the builtin set is never persisted.
func DefaultPack() *rulepack.Pack {
	return &rulepack.Pack{
		APIVersion: rulepack.SpecVersion,
		Metadata: rulepack.Metadata{
			Name:        "builtin",
			Description: "built-in destructive command patterns",
		},
		Tiers: rulepack.Tiers{
			Safe: rules(
				`^git\s+(status|log|diff|show|branch)(\s|$)`,
				`^ls(\s|$)`,
				`^cat\s`,
				`^grep\s`,
				`^find\s+\S+\s+-name`,
				`^(pwd|whoami|date|echo)(\s|$)`,
			),
			Caution: []rulepack.Rule{
				{Pattern: `^git\s+checkout\s`, AutoApproveAfterSecs: 300},
				{Pattern: `^git\s+stash\b`, AutoApproveAfterSecs: 300},
				{Pattern: `^(npm|yarn|pnpm)\s+install\b`},
				{Pattern: `^pip3?\s+install\b`},
				{Pattern: `^docker\s+(stop|restart)\b`},
				{Pattern: `^kill\s+\d+`},
			},
			Dangerous: []rulepack.Rule{
				{Pattern: `^rm\s+(-\w*[rf]\w*\s+)+`, MinApprovals: 1, RequirePathCheck: true,
					SafePrefixes: []string{"/tmp", "/var/tmp"}},
				{Pattern: `^git\s+reset\s+--hard`, MinApprovals: 1},
				{Pattern: `^git\s+clean\s+-\w*[dfx]`, MinApprovals: 1},
				{Pattern: `^git\s+branch\s+-D\b`, MinApprovals: 1},
				{Pattern: `^docker\s+(rm|rmi|system\s+prune)\b`, MinApprovals: 1},
				{Pattern: `^truncate\s`, MinApprovals: 1},
				{Pattern: `\bdelete\s+from\b`, MinApprovals: 1},
				{Pattern: `^chmod\s+-R\b`, MinApprovals: 1},
				{Pattern: `^kill\s+-9\b`, MinApprovals: 1},
			},
			Critical: []rulepack.Rule{
				{Pattern: `^rm\s+(-\w*[rf]\w*\s+)+/(etc|usr|var|bin|sbin|lib|boot|home|root)(/|\s|$)`,
					MinApprovals: 2, RequireDifferentModel: true},
				{Pattern: `^rm\s+(-\w*[rf]\w*\s+)+/\s*$`, MinApprovals: 2, RequireDifferentModel: true},
				{Pattern: `\bdrop\s+(database|table)\b`, MinApprovals: 2, RequireDifferentModel: true},
				{Pattern: `^terraform\s+destroy\b`, MinApprovals: 2, RequireDifferentModel: true},
				{Pattern: `^git\s+push\s+.*--force\b`, MinApprovals: 2},
				{Pattern: `^git\s+push\s+.*-f\b`, MinApprovals: 2},
				{Pattern: `^dd\s+.*of=/dev/`, MinApprovals: 2, RequireDifferentModel: true},
				{Pattern: `^mkfs(\.\w+)?\s`, MinApprovals: 2, RequireDifferentModel: true},
				{Pattern: `^shutdown\b|^reboot\b|^halt\b`, MinApprovals: 2},
				{Pattern: `^kubectl\s+delete\s+(ns|namespace|deploy|deployment|statefulset)\b`, MinApprovals: 2},
				{Pattern: `^aws\s+s3\s+(rb|rm)\b`, MinApprovals: 2},
			},
		},
	}
}

func rules(patterns ...string) []rulepack.Rule {
	out := make([]rulepack.Rule, len(patterns))
	for i, p := range patterns {
		out[i] = rulepack.Rule{Pattern: p}
	}
	return out
}
