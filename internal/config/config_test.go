package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Build.MaxIterations != 10 {
		t.Errorf("Build.MaxIterations = %d, want 10", cfg.Build.MaxIterations)
	}
	if cfg.Build.AbandonedThreshold() != time.Hour {
		t.Errorf("Build.AbandonedThreshold() = %v, want 1h", cfg.Build.AbandonedThreshold())
	}
	if cfg.Scheduler.MaxParallel != 3 {
		t.Errorf("Scheduler.MaxParallel = %d, want 3", cfg.Scheduler.MaxParallel)
	}
	if !cfg.Scheduler.ContinueOnNonCriticalFailure {
		t.Error("Scheduler.ContinueOnNonCriticalFailure should default to true")
	}
	if cfg.RateLimit.PreemptiveRatio != 0.8 {
		t.Errorf("RateLimit.PreemptiveRatio = %v, want 0.8", cfg.RateLimit.PreemptiveRatio)
	}
	if cfg.Merge.Policy != "conservative" {
		t.Errorf("Merge.Policy = %q, want conservative", cfg.Merge.Policy)
	}
	if cfg.Worker.Command != "claude" {
		t.Errorf("Worker.Command = %q, want claude", cfg.Worker.Command)
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default() should validate, got %v", ValidationErrors(errs))
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()
	cfg.Build.SubtaskTimeoutMs = 1500
	cfg.Build.GlobalTimeoutMs = 0
	cfg.Scheduler.TaskTimeoutMs = 250
	cfg.RateLimit.BaseDelayMs = 100
	cfg.RateLimit.MaxDelayMs = 2000

	if got := cfg.Build.SubtaskTimeout(); got != 1500*time.Millisecond {
		t.Errorf("SubtaskTimeout() = %v", got)
	}
	if got := cfg.Build.GlobalTimeout(); got != 0 {
		t.Errorf("GlobalTimeout() = %v, want 0", got)
	}
	if got := cfg.Scheduler.TaskTimeout(); got != 250*time.Millisecond {
		t.Errorf("TaskTimeout() = %v", got)
	}
	if got := cfg.RateLimit.BaseDelay(); got != 100*time.Millisecond {
		t.Errorf("BaseDelay() = %v", got)
	}
	if got := cfg.RateLimit.MaxDelay(); got != 2*time.Second {
		t.Errorf("MaxDelay() = %v", got)
	}
}

func TestResolveDirs(t *testing.T) {
	base := "/repo"
	cfg := Default()

	if got := cfg.Build.ResolveStateDir(base); got != filepath.Join(base, ".buildpilot") {
		t.Errorf("ResolveStateDir() = %q", got)
	}
	if got := cfg.Build.ResolveWorktreeDir(base); got != filepath.Join(base, ".buildpilot", "worktrees") {
		t.Errorf("ResolveWorktreeDir() = %q", got)
	}

	cfg.Build.StateDir = "/var/lib/bp"
	if got := cfg.Build.ResolveStateDir(base); got != "/var/lib/bp" {
		t.Errorf("absolute ResolveStateDir() = %q", got)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		cfg.Build.WorktreeDir = "~/wt"
		if got := cfg.Build.ResolveWorktreeDir(base); got != filepath.Join(home, "wt") {
			t.Errorf("home ResolveWorktreeDir() = %q", got)
		}
	}
}

func TestLoadFrom(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
build:
  max_iterations: 4
scheduler:
  max_parallel: 2
rate_limit:
  requests_per_minute: 10
merge:
  policy: prefer_ai
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	SetDefaultsOn(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Build.MaxIterations != 4 {
		t.Errorf("MaxIterations = %d, want 4", cfg.Build.MaxIterations)
	}
	if cfg.Scheduler.MaxParallel != 2 {
		t.Errorf("MaxParallel = %d, want 2", cfg.Scheduler.MaxParallel)
	}
	if cfg.Build.SubtaskTimeoutMs != Default().Build.SubtaskTimeoutMs {
		t.Errorf("SubtaskTimeoutMs = %d, want default", cfg.Build.SubtaskTimeoutMs)
	}
	if cfg.Merge.Policy != "prefer_ai" {
		t.Errorf("Policy = %q, want prefer_ai", cfg.Merge.Policy)
	}
}

func TestLoadFromRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaultsOn(v)
	v.Set("build.max_iterations", 0)

	_, err := LoadFrom(v)
	if err == nil {
		t.Fatal("LoadFrom should reject an invalid config")
	}
	if _, ok := err.(ValidationErrors); !ok {
		t.Errorf("error type = %T, want ValidationErrors", err)
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := ConfigDir(); got != "/tmp/xdg/buildpilot" {
		t.Errorf("ConfigDir() = %q", got)
	}
	if got := ConfigFile(); got != "/tmp/xdg/buildpilot/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}
