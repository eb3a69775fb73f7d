package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/slb/common/spec/rulepack"
	"github.com/bdobrica/slb/internal/slb/patterns"
)

var (
	patReason      string
	patListAll     bool
	patChangesType string
	patDeny        bool
	patExportName  string
	patExportOut   string
	patTestCwd     string
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Manage classification patterns",
	Long: `Patterns map commands to risk tiers.  Anyone may tighten the net by
adding risk patterns; loosening it (safe patterns, removals) takes a human
session.  Agents file removal requests for a human to resolve.`,
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active custom patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		pats, err := a.patterns.List(ctx, patListAll)
		if err != nil {
			return err
		}
		if len(pats) == 0 {
			human("no custom patterns")
		}
		for _, p := range pats {
			state := ""
			if p.RemovedAt != nil {
				state = "  (removed)"
			}
			human("%-10s %-8s %s%s", p.Tier, p.Source, p.Pattern, state)
		}
		emit(pats)
		return nil
	},
}

var patternsTestCmd = &cobra.Command{
	Use:   "test [command]",
	Short: "Classify a command without filing a request",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		cwd := patTestCwd
		if cwd == "" {
			cwd = a.project
		}
		res := patterns.Test(a.policy, strings.Join(args, " "), cwd)

		rule := "(default)"
		if res.MatchedRule != nil {
			rule = res.MatchedRule.Pattern.String()
		}
		human("tier %s, %d approval(s), rule %s", res.Tier, res.MinApprovals, rule)
		if res.Upgraded {
			human("note: tier upgraded because the command could not be fully parsed")
		}
		emit(map[string]any{
			"tier": res.Tier, "min_approvals": res.MinApprovals,
			"require_different_model": res.RequireDifferentModel,
			"matched_rule":            rule, "upgraded": res.Upgraded,
		})
		return nil
	},
}

var patternsAddCmd = &cobra.Command{
	Use:   "add [tier] [pattern]",
	Short: "Add a custom pattern",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(a *app, sessID string) error {
			if err := a.patterns.Add(cmd.Context(), sessID, args[0], args[1], patReason); err != nil {
				return err
			}
			human("added %s pattern %s", args[0], args[1])
			emit(map[string]string{"tier": args[0], "pattern": args[1]})
			return nil
		})
	},
}

var patternsRemoveCmd = &cobra.Command{
	Use:   "remove [tier] [pattern]",
	Short: "Remove a custom pattern (human sessions only)",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(a *app, sessID string) error {
			if err := a.patterns.Remove(cmd.Context(), sessID, args[0], args[1]); err != nil {
				return err
			}
			human("removed %s pattern %s", args[0], args[1])
			emit(map[string]string{"tier": args[0], "pattern": args[1]})
			return nil
		})
	},
}

var patternsRequestRemovalCmd = &cobra.Command{
	Use:   "request-removal [tier] [pattern]",
	Short: "File a pattern removal request for a human to resolve",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(a *app, sessID string) error {
			change, err := a.patterns.RequestRemoval(cmd.Context(), sessID, args[0], args[1], patReason)
			if err != nil {
				return err
			}
			human("removal request %s filed; a human resolves it with: slb patterns resolve-removal %s",
				change.ID, change.ID)
			emit(change)
			return nil
		})
	},
}

var patternsResolveRemovalCmd = &cobra.Command{
	Use:   "resolve-removal [change-id]",
	Short: "Approve or deny a pending removal request (human sessions only)",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(a *app, sessID string) error {
			approve := !patDeny
			if err := a.patterns.ResolveRemoval(cmd.Context(), sessID, args[0], approve); err != nil {
				return err
			}
			verdict := "applied"
			if patDeny {
				verdict = "denied"
			}
			human("removal request %s %s", args[0], verdict)
			emit(map[string]string{"id": args[0], "status": verdict})
			return nil
		})
	},
}

var patternsSuggestCmd = &cobra.Command{
	Use:   "suggest [tier] [pattern]",
	Short: "Record a pattern suggestion without changing the active set",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(a *app, sessID string) error {
			if err := a.patterns.Suggest(cmd.Context(), sessID, args[0], args[1], patReason); err != nil {
				return err
			}
			human("suggestion recorded")
			emit(map[string]string{"tier": args[0], "pattern": args[1]})
			return nil
		})
	},
}

var patternsChangesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Show the pattern change audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		changes, err := a.patterns.Changes(ctx, patChangesType)
		if err != nil {
			return err
		}
		for _, c := range changes {
			human("%s  %-15s %-10s %-8s %s", c.ID, c.ChangeType, c.Tier, c.Status, c.Pattern)
		}
		emit(changes)
		return nil
	},
}

var patternsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export active custom patterns as a YAML rule pack",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		pack, err := a.patterns.Export(ctx, patExportName)
		if err != nil {
			return err
		}
		data, err := rulepack.Encode(pack)
		if err != nil {
			return err
		}
		if patExportOut == "" {
			fmt.Print(string(data))
			return nil
		}
		if err := os.WriteFile(patExportOut, data, 0o644); err != nil {
			return fmt.Errorf("write rule pack: %w", err)
		}
		human("wrote %s", patExportOut)
		return nil
	},
}

var patternsImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a YAML rule pack as custom patterns",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(a *app, sessID string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read rule pack: %w", err)
			}
			pack, err := rulepack.Parse(data)
			if err != nil {
				return err
			}
			n, err := a.patterns.Import(cmd.Context(), sessID, pack)
			if err != nil {
				return err
			}
			human("imported %d pattern(s) from %s", n, pack.Metadata.Name)
			emit(map[string]int{"imported": n})
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{patternsAddCmd, patternsRequestRemovalCmd, patternsSuggestCmd} {
		c.Flags().StringVar(&patReason, "reason", "", "Why the pattern set should change")
	}
	patternsListCmd.Flags().BoolVar(&patListAll, "all", false, "Include removed patterns")
	patternsTestCmd.Flags().StringVar(&patTestCwd, "cwd", "", "Working directory for path-aware rules")
	patternsChangesCmd.Flags().StringVar(&patChangesType, "type", "", "Filter by change type (add, remove_request, suggest)")
	patternsResolveRemovalCmd.Flags().BoolVar(&patDeny, "deny", false, "Deny instead of approving")
	patternsExportCmd.Flags().StringVar(&patExportName, "name", "custom-patterns", "Pack name")
	patternsExportCmd.Flags().StringVarP(&patExportOut, "output", "o", "", "Write to a file instead of stdout")

	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsTestCmd)
	patternsCmd.AddCommand(patternsAddCmd)
	patternsCmd.AddCommand(patternsRemoveCmd)
	patternsCmd.AddCommand(patternsRequestRemovalCmd)
	patternsCmd.AddCommand(patternsResolveRemovalCmd)
	patternsCmd.AddCommand(patternsSuggestCmd)
	patternsCmd.AddCommand(patternsChangesCmd)
	patternsCmd.AddCommand(patternsExportCmd)
	patternsCmd.AddCommand(patternsImportCmd)
}

// withSession opens the app, resolves the caller's session and runs fn.
func withSession(cmd *cobra.Command, fn func(a *app, sessID string) error) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	sessID, err := a.sessionID()
	if err != nil {
		return err
	}
	return fn(a, sessID)
}
