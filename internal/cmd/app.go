package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/buildpilot/internal/config"
	"github.com/Iron-Ham/buildpilot/internal/event"
	"github.com/Iron-Ham/buildpilot/internal/logging"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator"
	"github.com/Iron-Ham/buildpilot/internal/worktree"
)

// app holds what the build commands share: the orchestrator, its logger and
// the optional monitor forwarder.
type app struct {
	orch    *orchestrator.Orchestrator
	bus     *event.Bus
	logger  *logging.Logger
	monitor *event.MonitorForwarder
}

// newApp loads the configuration and wires an orchestrator for the
// repository selected by --repo (default: the working directory).
func newApp(verbose bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	root, err := repoRoot()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg, root, verbose)
	if err != nil {
		return nil, err
	}
	wt, err := worktree.New(root, worktree.WithLogger(logger))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	a := &app{bus: event.NewBus(event.WithBusLogger(logger)), logger: logger}
	if cfg.Monitor.URL != "" {
		a.monitor = event.NewMonitorForwarder(cfg.Monitor.URL, cfg.Monitor.Timeout(),
			event.WithMonitorLogger(logger),
			event.WithProject(filepath.Base(root)),
		)
		a.monitor.Attach(a.bus)
	}

	a.orch, err = orchestrator.New(root, cfg,
		orchestrator.WithWorktrees(wt),
		orchestrator.WithEmitter(a.bus),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// repoRoot returns the root of the repository selected by --repo.
func repoRoot() (string, error) {
	start := viper.GetString("repo")
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		start = wd
	}
	root, err := worktree.FindGitRoot(start)
	if err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}
	return root, nil
}

// stateDir resolves the configured state directory of the repository.
func stateDir() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("invalid configuration: %w", err)
	}
	root, err := repoRoot()
	if err != nil {
		return "", err
	}
	return cfg.Build.ResolveStateDir(root), nil
}

// Close flushes pending monitor sends and closes the log.
func (a *app) Close() {
	if a.monitor != nil {
		a.monitor.Close()
	}
	_ = a.logger.Close()
}

// newLogger writes rotated JSON logs to <stateDir>/logs when logging is
// enabled. --verbose lowers the level to debug.
func newLogger(cfg *config.Config, repoRoot string, verbose bool) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	level := cfg.Logging.Level
	if verbose {
		level = logging.LevelDebug
	}
	dir := filepath.Join(cfg.Build.ResolveStateDir(repoRoot), "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return logging.NewLoggerWithRotation(dir, level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// followProgress prints phase, wave and subtask progress to w as the build
// publishes it.
func followProgress(bus *event.Bus, w io.Writer, p palette) string {
	return bus.SubscribeAll(func(e event.Event) {
		switch ev := e.(type) {
		case event.PhaseEvent:
			switch ev.EventType() {
			case event.TypePhaseStarted:
				fmt.Fprintf(w, "%s %s\n", p.Muted("phase"), p.Title(ev.Phase))
			case event.TypePhaseFailed:
				fmt.Fprintf(w, "  %s after %s: %s\n", p.render(p.fail, "failed"), formatDuration(ev.Duration), ev.Error)
			}
		case event.WaveEvent:
			if ev.EventType() == event.TypeWaveCompleted {
				fmt.Fprintf(w, "  wave %d: %d/%d tasks succeeded (%s)\n",
					ev.WaveIndex, ev.Succeeded, ev.Succeeded+ev.Failed, formatDuration(ev.Duration))
			}
		case event.SubtaskEvent:
			switch ev.EventType() {
			case event.TypeSubtaskCompleted:
				fmt.Fprintf(w, "  %s %s (iteration %d, %d files)\n",
					p.render(p.ok, "done"), ev.SubtaskID, ev.Iteration, len(ev.FilesModified))
			case event.TypeSubtaskFailed:
				fmt.Fprintf(w, "  %s %s iteration %d: %s\n",
					p.render(p.warn, "retry"), ev.SubtaskID, ev.Iteration, ev.Error)
			}
		}
	})
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
