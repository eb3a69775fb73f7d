package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/bdobrica/slb/internal/slb/lifecycle"
)

// Session is an agent's registration against one project.
type Session struct {
	ID          string     `json:"id"`
	AgentName   string     `json:"agent_name"`
	Program     string     `json:"program"`
	Model       string     `json:"model"`
	ProjectPath string     `json:"project_path"`
	// HMACKey is the session signing secret.  It is returned only in the
	// creation/resume response to the owning agent and never serialized in
	// snapshots or logs.
	HMACKey          string     `json:"-"`
	IsHuman          bool       `json:"is_human"`
	StartedAt        time.Time  `json:"started_at"`
	LastActiveAt     time.Time  `json:"last_active_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	RateLimitResetAt *time.Time `json:"rate_limit_reset_at,omitempty"`
}

// Active reports whether the session has not ended.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// CommandSpec is the immutable command bound to a request.
type CommandSpec struct {
	Raw               string   `json:"raw"`
	Argv              []string `json:"argv,omitempty"`
	Cwd               string   `json:"cwd"`
	Shell             bool     `json:"shell"`
	Hash              string   `json:"hash"`
	ContainsSensitive bool     `json:"contains_sensitive"`
	DisplayRedacted   *string  `json:"display_redacted"`
}

// ComputeHash derives the binding hash over the command's identity fields:
// SHA-256(raw || \n || cwd || \n || canonical_json(argv) || \n || shell).
// The stored hash must equal this recomputation at the execution gate.
func (c CommandSpec) ComputeHash() string {
	argv := c.Argv
	if argv == nil {
		argv = []string{}
	}
	argvJSON, _ := json.Marshal(argv)

	shell := "false"
	if c.Shell {
		shell = "true"
	}

	h := sha256.New()
	h.Write([]byte(c.Raw))
	h.Write([]byte{'\n'})
	h.Write([]byte(c.Cwd))
	h.Write([]byte{'\n'})
	h.Write(argvJSON)
	h.Write([]byte{'\n'})
	h.Write([]byte(shell))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Display returns the reviewer-facing command text.
func (c CommandSpec) Display() string {
	if c.DisplayRedacted != nil {
		return *c.DisplayRedacted
	}
	return c.Raw
}

// Justification is the requestor's case for running the command.
type Justification struct {
	Reason         string `json:"reason"`
	ExpectedEffect string `json:"expected_effect,omitempty"`
	Goal           string `json:"goal,omitempty"`
	SafetyArgument string `json:"safety_argument,omitempty"`
}

// Requestor identifies the session that created a request.
type Requestor struct {
	SessionID string `json:"session_id"`
	AgentName string `json:"agent_name"`
	Model     string `json:"model"`
}

// Request is one authorization request.
type Request struct {
	ID                    string           `json:"id"`
	ProjectPath           string           `json:"project_path"`
	Command               CommandSpec      `json:"command"`
	RiskTier              string           `json:"risk_tier"`
	MatchedRule           string           `json:"matched_rule,omitempty"`
	Requestor             Requestor        `json:"requestor"`
	Justification         Justification    `json:"justification"`
	Status                lifecycle.Status `json:"status"`
	MinApprovals          int              `json:"min_approvals"`
	RequireDifferentModel bool             `json:"require_different_model"`
	AutoApproveAfterSecs  int              `json:"auto_approve_after_secs,omitempty"`
	Emergency             bool             `json:"emergency,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
	ExpiresAt             time.Time        `json:"expires_at"`
	ApprovalExpiresAt     *time.Time       `json:"approval_expires_at"`
	ClaimedAt             *time.Time       `json:"claimed_at,omitempty"`
	ResolvedAt            *time.Time       `json:"resolved_at,omitempty"`
}

// Review is one reviewer's signed decision on a request.
type Review struct {
	ID                 string            `json:"id"`
	RequestID          string            `json:"request_id"`
	ReviewerSessionID  string            `json:"reviewer_session_id"`
	ReviewerAgentName  string            `json:"reviewer_agent_name,omitempty"`
	Decision           string            `json:"decision"`
	Signature          string            `json:"signature"`
	SignatureTimestamp time.Time         `json:"signature_timestamp"`
	Responses          map[string]string `json:"responses,omitempty"`
	Comment            string            `json:"comment,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// Review decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ExecutionOutcome records what happened after the gate released a request.
type ExecutionOutcome struct {
	RequestID      string    `json:"request_id"`
	ExitCode       int       `json:"exit_code"`
	DurationMs     int64     `json:"duration_ms"`
	LogPath        string    `json:"log_path,omitempty"`
	ExecutedBy     string    `json:"executed_by_session_id,omitempty"`
	Emergency      bool      `json:"emergency,omitempty"`
	CausedProblems *bool     `json:"caused_problems,omitempty"`
	HumanRating    *int      `json:"human_rating,omitempty"`
	HumanNotes     *string   `json:"human_notes,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// PatternChange is one entry in the insert-only pattern audit trail.
type PatternChange struct {
	ID              string     `json:"id"`
	ChangeType      string     `json:"change_type"`
	Tier            string     `json:"tier"`
	Pattern         string     `json:"pattern"`
	Reason          string     `json:"reason,omitempty"`
	AuthorSessionID string     `json:"author_session_id,omitempty"`
	Status          string     `json:"status,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      *string    `json:"resolved_by,omitempty"`
}

// Pattern change types.
const (
	ChangeAdd           = "add"
	ChangeRemoveRequest = "remove_request"
	ChangeSuggest       = "suggest"
)

// CustomPattern is a runtime-added classification pattern.
type CustomPattern struct {
	Tier      string     `json:"tier"`
	Pattern   string     `json:"pattern"`
	Source    string     `json:"source"`
	AddedAt   time.Time  `json:"added_at"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// Custom pattern sources.
const (
	SourceBuiltin   = "builtin"
	SourceAgent     = "agent"
	SourceHuman     = "human"
	SourceSuggested = "suggested"
)
