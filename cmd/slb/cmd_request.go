package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/slb/internal/slb/execlocal"
	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/request"
	"github.com/bdobrica/slb/internal/slb/store"
)

var (
	reqReason   string
	reqEffect   string
	reqGoal     string
	reqSafety   string
	reqCwd      string
	reqNoShell  bool
	reqFromFile string

	statusWait bool

	pendingAllProjects bool
	pendingReviewPool  bool

	historyLimit int

	feedbackCaused bool
	feedbackRating int
	feedbackNotes  string
)

var requestCmd = &cobra.Command{
	Use:   "request [command]",
	Short: "File an authorization request without waiting for the decision",
	Long: `Classifies the command and, unless it is safe, records a pending
request for review.  Prints the request id; poll with slb status --wait or
subscribe via the daemon.

A request file (--from-file) is JSON validated against the request schema:
  {"command": {"raw": "...", "cwd": "..."}, "justification": {"reason": "..."}}`,
	RunE: runRequest,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [request-id]",
	Short: "Withdraw one of your own pending or approved requests",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		sessID, err := a.sessionID()
		if err != nil {
			return err
		}
		if err := a.requests.Cancel(ctx, sessID, args[0]); err != nil {
			return err
		}
		a.refreshSnapshots(ctx)
		human("cancelled %s", args[0])
		emit(map[string]string{"id": args[0], "status": "cancelled"})
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [request-id]",
	Short: "Show a request's current status",
	Long: `Shows the request status.  With --wait, blocks until the request
leaves pending (approved, rejected, or timed out), polling with backoff.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		req, err := a.requests.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if statusWait && req.Status == lifecycle.StatusPending {
			human("waiting for a decision on %s ...", req.ID)
			req, err = execlocal.WaitDecision(ctx, a.store, req.ID)
			if err != nil {
				return err
			}
		}

		renderRequest(req)
		emit(req)
		return decisionExit(req)
	},
}

var showCmd = &cobra.Command{
	Use:   "show [request-id]",
	Short: "Show a request with its reviews and execution outcome",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		req, err := a.requests.Get(ctx, args[0])
		if err != nil {
			return err
		}
		reviews, err := a.reviews.List(ctx, req.ID)
		if err != nil {
			return err
		}
		outcome, err := a.store.GetOutcome(ctx, req.ID)
		if err != nil {
			return err
		}

		renderRequest(req)
		if len(reviews) > 0 {
			human("reviews:")
			renderReviews(reviews)
		}
		if outcome != nil {
			human("outcome: exit %d in %dms, log %s",
				outcome.ExitCode, outcome.DurationMs, outcome.LogPath)
		}
		emit(map[string]any{"request": req, "reviews": reviews, "outcome": outcome})
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending requests",
	Long: `Lists pending requests for the current project.  --review-pool
restricts the list to requests your session may review (excluding your own);
--all-projects widens it to every project sharing this store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		project := a.project
		if pendingAllProjects {
			project = ""
		}

		var reqs []*store.Request
		if pendingReviewPool {
			sessID, err := a.sessionID()
			if err != nil {
				return err
			}
			reqs, err = a.requests.ReviewPool(ctx, project, sessID)
			if err != nil {
				return err
			}
		} else {
			reqs, err = a.requests.ListPending(ctx, project)
			if err != nil {
				return err
			}
		}

		renderRequestList(reqs, "no pending requests")
		emit(reqs)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [query]",
	Short: "Show recent requests, optionally filtered by full-text search",
	Long: `Without a query, lists the newest requests in any status.  With a
query, runs a full-text search over command text and justifications.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		var reqs []*store.Request
		if len(args) > 0 {
			reqs, err = a.requests.Search(ctx, a.project, strings.Join(args, " "), historyLimit)
		} else {
			reqs, err = a.requests.History(ctx, a.project, historyLimit)
		}
		if err != nil {
			return err
		}

		renderRequestList(reqs, "no requests")
		emit(reqs)
		return nil
	},
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback [request-id]",
	Short: "Attach human feedback to an executed request's outcome",
	Long: `Records whether an executed command caused problems, an optional
1-5 rating, and free-form notes.  Only flags that were passed are updated;
earlier feedback on the other fields is kept.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		var caused *bool
		var rating *int
		var notes *string
		if cmd.Flags().Changed("caused-problems") {
			caused = &feedbackCaused
		}
		if cmd.Flags().Changed("rating") {
			if feedbackRating < 1 || feedbackRating > 5 {
				return exitWith(2, fmt.Errorf("--rating must be between 1 and 5"))
			}
			rating = &feedbackRating
		}
		if cmd.Flags().Changed("notes") {
			notes = &feedbackNotes
		}
		if caused == nil && rating == nil && notes == nil {
			return exitWith(2, fmt.Errorf("pass at least one of --caused-problems, --rating, --notes"))
		}

		if err := a.store.AddOutcomeFeedback(ctx, args[0], caused, rating, notes); err != nil {
			return err
		}
		outcome, err := a.store.GetOutcome(ctx, args[0])
		if err != nil {
			return err
		}
		human("feedback recorded on %s", args[0])
		emit(outcome)
		return nil
	},
}

func init() {
	addJustificationFlags(requestCmd)
	requestCmd.Flags().StringVar(&reqFromFile, "from-file", "", "Read the request from a JSON file")

	statusCmd.Flags().BoolVar(&statusWait, "wait", false, "Block until the request leaves pending")

	pendingCmd.Flags().BoolVar(&pendingAllProjects, "all-projects", false, "List across every project")
	pendingCmd.Flags().BoolVar(&pendingReviewPool, "review-pool", false, "Only requests your session may review")
	pendingCmd.MarkFlagsMutuallyExclusive("all-projects", "review-pool")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum rows to show")

	feedbackCmd.Flags().BoolVar(&feedbackCaused, "caused-problems", false, "The command caused problems")
	feedbackCmd.Flags().IntVar(&feedbackRating, "rating", 0, "Rating from 1 (bad) to 5 (good)")
	feedbackCmd.Flags().StringVar(&feedbackNotes, "notes", "", "Free-form notes")
}

func addJustificationFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&reqReason, "reason", "", "Why the command must run (required)")
	cmd.Flags().StringVar(&reqEffect, "expected-effect", "", "What the command is expected to change")
	cmd.Flags().StringVar(&reqGoal, "goal", "", "The task this serves")
	cmd.Flags().StringVar(&reqSafety, "safety", "", "Why this is safe to run")
	cmd.Flags().StringVar(&reqCwd, "cwd", "", "Working directory for the command (default: project)")
	cmd.Flags().BoolVar(&reqNoShell, "no-shell", false, "Run the argv directly instead of sh -c")
}

func runRequest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	params, err := buildCreateParams(a, args)
	if err != nil {
		return err
	}

	res, err := a.requests.Create(ctx, params)
	if err != nil {
		return err
	}
	if res.SkipReview {
		human("classified safe, no review needed")
		emit(map[string]any{"skip_review": true, "tier": res.Tier})
		return nil
	}
	a.refreshSnapshots(ctx)

	human("request %s filed (%s, %d approval(s) needed)",
		res.Request.ID, res.Tier, res.Request.MinApprovals)
	if res.Upgraded {
		human("note: tier was upgraded because the command could not be fully parsed")
	}
	emit(res.Request)
	return nil
}

// buildCreateParams assembles CreateParams from flags or --from-file.
func buildCreateParams(a *app, args []string) (request.CreateParams, error) {
	sessID, err := a.sessionID()
	if err != nil {
		return request.CreateParams{}, err
	}

	if reqFromFile != "" {
		params, err := request.ParseFile(reqFromFile)
		if err != nil {
			return request.CreateParams{}, err
		}
		params.SessionID = sessID
		if params.Cwd == "" {
			params.Cwd = a.project
		}
		return params, nil
	}

	if len(args) == 0 {
		return request.CreateParams{}, exitWith(2, errNoCommand)
	}
	cwd := reqCwd
	if cwd == "" {
		cwd = a.project
	}
	return request.CreateParams{
		SessionID: sessID,
		Raw:       strings.Join(args, " "),
		Cwd:       cwd,
		Shell:     !reqNoShell,
		Justification: store.Justification{
			Reason:         reqReason,
			ExpectedEffect: reqEffect,
			Goal:           reqGoal,
			SafetyArgument: reqSafety,
		},
	}, nil
}

// decisionExit maps a resolved request to the process exit code: approved
// and executed are success, everything else is a denial.
func decisionExit(req *store.Request) error {
	switch req.Status {
	case lifecycle.StatusPending, lifecycle.StatusApproved,
		lifecycle.StatusExecuting, lifecycle.StatusExecuted:
		return nil
	default:
		return exitWith(1, errDenied(req))
	}
}
