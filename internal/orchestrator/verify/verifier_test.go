package verify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/buildpilot/internal/errors"
)

type scriptedRunner struct {
	results  map[string]scriptedResult
	commands []string
}

type scriptedResult struct {
	out  string
	code int
	err  error
}

func (s *scriptedRunner) run(_ context.Context, _, _, command string) ([]byte, int, error) {
	s.commands = append(s.commands, command)
	r := s.results[command]
	return []byte(r.out), r.code, r.err
}

func TestVerify_Skipped(t *testing.T) {
	v := New()
	res := v.Verify(context.Background(), t.TempDir(), Verification{})
	if !res.Passed || !res.Skipped {
		t.Errorf("empty verification should pass as skipped, got %+v", res)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v, want nil", res.Err())
	}
}

func TestVerify_Scripted(t *testing.T) {
	tests := []struct {
		name         string
		check        Verification
		results      map[string]scriptedResult
		wantPassed   bool
		wantCommands []string
		wantReason   string
	}{
		{
			name:         "command passes",
			check:        Verification{Command: "make lint"},
			results:      map[string]scriptedResult{"make lint": {out: "ok"}},
			wantPassed:   true,
			wantCommands: []string{"make lint"},
		},
		{
			name:         "non-zero exit",
			check:        Verification{Command: "make lint"},
			results:      map[string]scriptedResult{"make lint": {code: 2}},
			wantCommands: []string{"make lint"},
			wantReason:   "exited with code 2",
		},
		{
			name:         "heuristic on zero exit",
			check:        Verification{TestCommand: "npm test"},
			results:      map[string]scriptedResult{"npm test": {out: "Tests: 3 tests failed, 10 passed"}},
			wantCommands: []string{"npm test"},
			wantReason:   "indicates failure",
		},
		{
			name:  "command fails before test command",
			check: Verification{Command: "go vet ./...", TestCommand: "go test ./..."},
			results: map[string]scriptedResult{
				"go vet ./...": {out: "main.go:3: error: bad"},
			},
			wantCommands: []string{"go vet ./..."},
			wantReason:   "indicates failure",
		},
		{
			name:  "both pass",
			check: Verification{Command: "go vet ./...", TestCommand: "go test ./..."},
			results: map[string]scriptedResult{
				"go vet ./...":  {},
				"go test ./...": {out: "ok  \tpkg\t0.1s"},
			},
			wantPassed:   true,
			wantCommands: []string{"go vet ./...", "go test ./..."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedRunner{results: tt.results}
			v := New(WithRunner(runner.run))

			res := v.Verify(context.Background(), "/work", tt.check)
			if res.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v (%s)", res.Passed, tt.wantPassed, res.Reason)
			}
			if strings.Join(runner.commands, ",") != strings.Join(tt.wantCommands, ",") {
				t.Errorf("commands = %v, want %v", runner.commands, tt.wantCommands)
			}
			if tt.wantReason != "" && !strings.Contains(res.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want it to contain %q", res.Reason, tt.wantReason)
			}
			if !tt.wantPassed && !errors.Is(res.Err(), errors.ErrVerificationFailed) {
				t.Errorf("Err() = %v, want ErrVerificationFailed", res.Err())
			}
		})
	}
}

func TestVerify_RealShell(t *testing.T) {
	dir := t.TempDir()
	v := New()

	res := v.Verify(context.Background(), dir, Verification{Command: "echo hello && exit 0"})
	if !res.Passed {
		t.Fatalf("expected pass, got %+v", res)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Errorf("Output = %q, want it to contain hello", res.Output)
	}

	res = v.Verify(context.Background(), dir, Verification{Command: "echo broken >&2; exit 3"})
	if res.Passed || res.ExitCode != 3 {
		t.Errorf("expected exit 3 failure, got %+v", res)
	}
	if !strings.Contains(res.Output, "broken") {
		t.Errorf("stderr should be captured, got %q", res.Output)
	}
}

func TestVerify_Timeout(t *testing.T) {
	v := New()
	start := time.Now()
	res := v.Verify(context.Background(), t.TempDir(), Verification{Command: "sleep 5", TimeoutMs: 100})
	if res.Passed || !res.TimedOut {
		t.Errorf("expected timeout, got %+v", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("verification did not honour its timeout")
	}
}

func TestFailureHeuristic(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"all good", false},
		{"src/a.ts(3,1): error: missing semicolon", true},
		{"error: could not compile", true},
		{"no errors: everything fine", false},
		{"1 test failed", true},
		{"12 tests failed", true},
		{"0 tests failed", false},
		{"--- FAIL: TestX (0.00s)", true},
		{"FAIL\tgithub.com/x/y\t0.2s", true},
		{"PASS", false},
	}

	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			if _, got := FailureHeuristic(tt.output); got != tt.want {
				t.Errorf("FailureHeuristic(%q) = %v, want %v", tt.output, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate() = %q", got)
	}
	got := Truncate("0123456789", 4)
	if !strings.HasSuffix(got, "6789") || !strings.HasPrefix(got, "...(truncated)") {
		t.Errorf("Truncate() = %q", got)
	}
}
