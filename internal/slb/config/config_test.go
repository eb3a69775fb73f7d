package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/slb/internal/slb/config"
)

func TestDefault_Validates(t *testing.T) {
	if err := config.Validate(config.Default()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoad_LayeredOverride(t *testing.T) {
	userDir := t.TempDir()
	userCfg := filepath.Join(userDir, "config.toml")
	if err := os.WriteFile(userCfg, []byte(`
[general]
approval_ttl_mins = 45

[rate_limits]
max_pending_per_session = 7
`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvConfigPath, userCfg)

	project := t.TempDir()
	if err := os.MkdirAll(config.ProjectDir(project), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(config.ProjectDir(project), "config.toml"), []byte(`
[general]
approval_ttl_mins = 15
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Project layer wins over user layer.
	if cfg.General.ApprovalTTLMins != 15 {
		t.Errorf("approval_ttl_mins: %d", cfg.General.ApprovalTTLMins)
	}
	// User layer survives where project is silent.
	if cfg.RateLimits.MaxPendingPerSession != 7 {
		t.Errorf("max_pending_per_session: %d", cfg.RateLimits.MaxPendingPerSession)
	}
	// Defaults survive where both are silent.
	if cfg.Daemon.SchedulerIntervalSecs != 10 {
		t.Errorf("scheduler_interval_secs: %d", cfg.Daemon.SchedulerIntervalSecs)
	}
}

func TestLoad_MissingFilesFine(t *testing.T) {
	t.Setenv(config.EnvConfigPath, filepath.Join(t.TempDir(), "nope.toml"))
	if _, err := config.Load(t.TempDir()); err != nil {
		t.Fatalf("Load with no files: %v", err)
	}
}

func TestLoad_MalformedFails(t *testing.T) {
	userCfg := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(userCfg, []byte("not [valid toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvConfigPath, userCfg)

	_, err := config.Load(t.TempDir())
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_BadPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.General.ConflictPolicy = "coin_flip"
	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "conflict_policy") {
		t.Errorf("expected conflict_policy error, got %v", err)
	}
}

func TestValidate_TCPNeedsAddr(t *testing.T) {
	cfg := config.Default()
	cfg.Daemon.TCPEnabled = true
	if err := config.Validate(cfg); err == nil {
		t.Error("expected tcp_addr error")
	}
}

func TestApprovalTTL(t *testing.T) {
	cfg := config.Default()
	if got := cfg.ApprovalTTL(false); got != 30*time.Minute {
		t.Errorf("default ttl: %v", got)
	}
	if got := cfg.ApprovalTTL(true); got != 10*time.Minute {
		t.Errorf("critical ttl: %v", got)
	}
}

func TestTrustedSelfApprover(t *testing.T) {
	cfg := config.Default()
	cfg.Agents.TrustedSelfApprove = []string{"opsbot"}

	ok, delay := cfg.TrustedSelfApprover("opsbot")
	if !ok || delay != 300*time.Second {
		t.Errorf("opsbot: %v %v", ok, delay)
	}
	if ok, _ := cfg.TrustedSelfApprover("stranger"); ok {
		t.Error("stranger must not be trusted")
	}
}

func TestAgentBlocked(t *testing.T) {
	cfg := config.Default()
	cfg.Agents.Blocked = []string{"rogue"}
	if !cfg.AgentBlocked("rogue") {
		t.Error("rogue should be blocked")
	}
	if cfg.AgentBlocked("friendly") {
		t.Error("friendly should not be blocked")
	}
}
