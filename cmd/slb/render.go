package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/slb/internal/slb/store"
)

// renderRequest prints one request for a human reviewer.  Redacted display
// text is used whenever the raw command contained a secret.
func renderRequest(req *store.Request) {
	human("%s  [%s]  %s", req.ID, req.RiskTier, req.Status)
	human("  command:   %s", req.Command.Display())
	human("  cwd:       %s", req.Command.Cwd)
	human("  requestor: %s (%s)", req.Requestor.AgentName, req.Requestor.Model)
	human("  reason:    %s", req.Justification.Reason)
	if req.Justification.ExpectedEffect != "" {
		human("  effect:    %s", req.Justification.ExpectedEffect)
	}
	human("  approvals: %d required%s", req.MinApprovals, modelNote(req))
	human("  created:   %s (expires %s)",
		req.CreatedAt.Format(time.RFC3339), req.ExpiresAt.Format(time.RFC3339))
	if req.ApprovalExpiresAt != nil {
		human("  approval expires: %s", req.ApprovalExpiresAt.Format(time.RFC3339))
	}
}

func modelNote(req *store.Request) string {
	if req.RequireDifferentModel {
		return ", different model required"
	}
	return ""
}

// renderRequestLine prints the one-line list form.
func renderRequestLine(req *store.Request) {
	cmd := req.Command.Display()
	if len(cmd) > 60 {
		cmd = cmd[:57] + "..."
	}
	human("%s  %-10s %-9s %-12s %s",
		req.ID, req.RiskTier, req.Status, req.Requestor.AgentName, cmd)
}

func renderRequestList(reqs []*store.Request, empty string) {
	if len(reqs) == 0 {
		human("%s", empty)
		return
	}
	for _, req := range reqs {
		renderRequestLine(req)
	}
}

func renderSession(sess *store.Session) {
	kind := "agent"
	if sess.IsHuman {
		kind = "human"
	}
	human("%s  %-12s %-6s %-20s last active %s",
		sess.ID, sess.AgentName, kind, sess.Model,
		sess.LastActiveAt.Format(time.RFC3339))
}

func renderReviews(reviews []*store.Review) {
	for _, rv := range reviews {
		line := fmt.Sprintf("  %s  %s by %s at %s",
			rv.ID, rv.Decision, rv.ReviewerAgentName,
			rv.CreatedAt.Format(time.RFC3339))
		if rv.Comment != "" {
			line += " " + strings.TrimSpace(rv.Comment)
		}
		human("%s", line)
	}
}
