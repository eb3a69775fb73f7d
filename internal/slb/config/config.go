// Package config defines the typed SLB configuration and its TOML loading.
//
// Configuration is layered: built-in defaults, then ~/.slb/config.toml, then
// <project>/.slb/config.toml.  Later layers override earlier ones field by
// field.  Components receive the typed struct by injection; nothing reads
// files at call time.
package config

import (
	"fmt"
	"time"
)

// Conflict policies for contradictory reviews.
const (
	ConflictAnyRejectionBlocks = "any_rejection_blocks"
	ConflictFirstWins          = "first_wins"
	ConflictHumanBreaksTie     = "human_breaks_tie"
)

// Timeout actions applied by the daemon scheduler to expired requests.
const (
	TimeoutEscalate        = "escalate"
	TimeoutAutoReject      = "auto_reject"
	TimeoutAutoApproveWarn = "auto_approve_warn"
)

// Config is the root configuration.
type Config struct {
	General    General    `toml:"general"`
	Daemon     Daemon     `toml:"daemon"`
	RateLimits RateLimits `toml:"rate_limits"`
	Sessions   Sessions   `toml:"sessions"`
	Agents     Agents     `toml:"agents"`
	Patterns   Patterns   `toml:"patterns"`
	History    History    `toml:"history"`
}

// General holds approval and lifecycle policy.
type General struct {
	// ApprovalTTLMins bounds how long an approval stays executable.
	ApprovalTTLMins int `toml:"approval_ttl_mins"`
	// ApprovalTTLCriticalMins is the tighter window for critical requests.
	ApprovalTTLCriticalMins int `toml:"approval_ttl_critical_mins"`
	// RequestTimeoutMins bounds how long a request may stay pending.
	RequestTimeoutMins int `toml:"request_timeout_mins"`
	// TimeoutAction is what the scheduler does with expired requests.
	TimeoutAction string `toml:"timeout_action"`
	// ConflictPolicy resolves contradictory reviews.
	ConflictPolicy string `toml:"conflict_policy"`
	// DynamicQuorum shrinks required approvals to the live reviewer count.
	DynamicQuorum bool `toml:"dynamic_quorum"`
	// QuorumFloor is the minimum approvals dynamic quorum may reach.
	QuorumFloor int `toml:"quorum_floor"`
	// EscalatedTerminal treats escalation as a terminal state.
	EscalatedTerminal bool `toml:"escalated_terminal"`
	// CautionMinApprovals etc. supply tier defaults for rules without an
	// explicit requirement.
	CautionMinApprovals   int `toml:"caution_min_approvals"`
	DangerousMinApprovals int `toml:"dangerous_min_approvals"`
	CriticalMinApprovals  int `toml:"critical_min_approvals"`
}

// Daemon holds notary daemon settings.
type Daemon struct {
	SchedulerIntervalSecs int `toml:"scheduler_interval_secs"`
	// ExecutionClaimTTLSecs bounds how long a claimed execution may run
	// before the orphan sweep intervenes.
	ExecutionClaimTTLSecs int `toml:"execution_claim_ttl_secs"`
	DebounceMs            int `toml:"debounce_ms"`
	// SocketPath overrides the default user-scoped socket location.
	SocketPath string `toml:"socket_path"`
	// TCP is off by default; strictly intra-host/container when enabled.
	TCPEnabled    bool     `toml:"tcp_enabled"`
	TCPAddr       string   `toml:"tcp_addr"`
	TCPAllowedIPs []string `toml:"tcp_allowed_ips"`
	// SubscriberQueueSize bounds per-subscriber event queues.
	SubscriberQueueSize int `toml:"subscriber_queue_size"`
}

// RateLimits holds per-session request limits.
type RateLimits struct {
	MaxPendingPerSession int `toml:"max_pending_per_session"`
	MaxRequestsPerMinute int `toml:"max_requests_per_minute"`
}

// Sessions holds session registry settings.
type Sessions struct {
	// GCThresholdMins: sessions idle longer than this are garbage collected.
	GCThresholdMins int `toml:"gc_threshold_mins"`
}

// Agents holds per-agent trust settings.
type Agents struct {
	// TrustedSelfApprove lists agents allowed to approve their own requests
	// after the configured delay.
	TrustedSelfApprove          []string `toml:"trusted_self_approve"`
	TrustedSelfApproveDelaySecs int      `toml:"trusted_self_approve_delay_secs"`
	// Blocked agents cannot create requests at all.
	Blocked []string `toml:"blocked"`
}

// Patterns holds classification extensions.
type Patterns struct {
	// Packs are paths to additional rule-pack YAML files.
	Packs []string `toml:"packs"`
	// Redaction are extra display-redaction regexes.
	Redaction []string `toml:"redaction"`
}

// History holds retention settings for processed snapshots.
type History struct {
	RetentionDays int `toml:"retention_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		General: General{
			ApprovalTTLMins:         30,
			ApprovalTTLCriticalMins: 10,
			RequestTimeoutMins:      60,
			TimeoutAction:           TimeoutEscalate,
			ConflictPolicy:          ConflictAnyRejectionBlocks,
			DynamicQuorum:           true,
			QuorumFloor:             1,
			CautionMinApprovals:     1,
			DangerousMinApprovals:   1,
			CriticalMinApprovals:    2,
		},
		Daemon: Daemon{
			SchedulerIntervalSecs: 10,
			ExecutionClaimTTLSecs: 300,
			DebounceMs:            100,
			SubscriberQueueSize:   256,
		},
		RateLimits: RateLimits{
			MaxPendingPerSession: 5,
			MaxRequestsPerMinute: 10,
		},
		Sessions: Sessions{
			GCThresholdMins: 240,
		},
		Agents: Agents{
			TrustedSelfApproveDelaySecs: 300,
		},
		History: History{
			RetentionDays: 90,
		},
	}
}

// Validate checks cross-field correctness.
func Validate(c *Config) error {
	switch c.General.ConflictPolicy {
	case ConflictAnyRejectionBlocks, ConflictFirstWins, ConflictHumanBreaksTie:
	default:
		return fmt.Errorf("general.conflict_policy: unknown policy %q", c.General.ConflictPolicy)
	}

	switch c.General.TimeoutAction {
	case TimeoutEscalate, TimeoutAutoReject, TimeoutAutoApproveWarn:
	default:
		return fmt.Errorf("general.timeout_action: unknown action %q", c.General.TimeoutAction)
	}

	if c.General.ApprovalTTLMins <= 0 {
		return fmt.Errorf("general.approval_ttl_mins must be > 0")
	}
	if c.General.ApprovalTTLCriticalMins <= 0 {
		return fmt.Errorf("general.approval_ttl_critical_mins must be > 0")
	}
	if c.General.RequestTimeoutMins <= 0 {
		return fmt.Errorf("general.request_timeout_mins must be > 0")
	}
	if c.General.QuorumFloor < 1 {
		return fmt.Errorf("general.quorum_floor must be >= 1")
	}
	if c.RateLimits.MaxPendingPerSession < 1 {
		return fmt.Errorf("rate_limits.max_pending_per_session must be >= 1")
	}
	if c.RateLimits.MaxRequestsPerMinute < 1 {
		return fmt.Errorf("rate_limits.max_requests_per_minute must be >= 1")
	}
	if c.Daemon.TCPEnabled && c.Daemon.TCPAddr == "" {
		return fmt.Errorf("daemon.tcp_addr required when daemon.tcp_enabled")
	}
	return nil
}

// ApprovalTTL returns the approval window for a tier.
func (c *Config) ApprovalTTL(critical bool) time.Duration {
	if critical {
		return time.Duration(c.General.ApprovalTTLCriticalMins) * time.Minute
	}
	return time.Duration(c.General.ApprovalTTLMins) * time.Minute
}

// RequestTimeout returns how long a request may stay pending.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.General.RequestTimeoutMins) * time.Minute
}

// ExecutionClaimTTL returns the orphan-sweep threshold.
func (c *Config) ExecutionClaimTTL() time.Duration {
	return time.Duration(c.Daemon.ExecutionClaimTTLSecs) * time.Second
}

// SchedulerInterval returns the timeout scheduler tick.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Daemon.SchedulerIntervalSecs) * time.Second
}

// Debounce returns the watcher debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Daemon.DebounceMs) * time.Millisecond
}

// TrustedSelfApprover reports whether agent may self-approve, and the delay
// that must elapse since request creation first.
func (c *Config) TrustedSelfApprover(agent string) (bool, time.Duration) {
	for _, a := range c.Agents.TrustedSelfApprove {
		if a == agent {
			return true, time.Duration(c.Agents.TrustedSelfApproveDelaySecs) * time.Second
		}
	}
	return false, 0
}

// AgentBlocked reports whether agent is on the block list.
func (c *Config) AgentBlocked(agent string) bool {
	for _, a := range c.Agents.Blocked {
		if a == agent {
			return true
		}
	}
	return false
}
