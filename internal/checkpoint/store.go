package checkpoint

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/logging"
)

const (
	buildsDirName     = "builds"
	stateFileName     = "state.json"
	checkpointsDir    = "checkpoints"
	attemptLogName    = "attempts.log"
	notificationLimit = 200
)

// DefaultAbandonedThreshold is the staleness limit used when none is given.
const DefaultAbandonedThreshold = time.Hour

// Store owns the persisted state of one build.
type Store struct {
	fs      afero.Fs
	dir     string
	buildID string
	runID   string
	now     func() time.Time
	logger  *logging.Logger
	lock    locker

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Option configures a Store.
type Option func(*Store)

// WithFs sets the filesystem. Non-OS filesystems skip the flock.
func WithFs(fs afero.Fs) Option {
	return func(s *Store) { s.fs = fs }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRunID overrides the per-process run id written to the attempt log.
func WithRunID(id string) Option {
	return func(s *Store) { s.runID = id }
}

// BuildDir returns the directory holding one build's state.
func BuildDir(stateDir, buildID string) string {
	return filepath.Join(stateDir, buildsDirName, buildID)
}

// NewStore creates a store for buildID under stateDir.
func NewStore(stateDir, buildID string, opts ...Option) *Store {
	s := &Store{
		fs:      afero.NewOsFs(),
		dir:     BuildDir(stateDir, buildID),
		buildID: buildID,
		runID:   uuid.NewString(),
		now:     time.Now,
		logger:  logging.NopLogger(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, ok := s.fs.(*afero.OsFs); ok {
		s.lock = NewFileLock(s.dir)
	} else {
		s.lock = nopLock{}
	}
	s.logger = s.logger.WithBuild(buildID)
	return s
}

// BuildID returns the id of the build this store manages.
func (s *Store) BuildID() string { return s.buildID }

// RunID returns the id identifying this process in the attempt log.
func (s *Store) RunID() string { return s.runID }

// Dir returns the build's state directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) statePath() string { return filepath.Join(s.dir, stateFileName) }

// Exists reports whether state has been persisted for this build.
func (s *Store) Exists() bool {
	ok, err := afero.Exists(s.fs, s.statePath())
	return err == nil && ok
}

// withLock runs fn holding both the in-process mutex and the file lock.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire build lock: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release build lock", "error", err)
		}
	}()
	return fn()
}

// update loads the state, applies fn, and writes it back atomically.
func (s *Store) update(fn func(*BuildState) error) (*BuildState, error) {
	var out *BuildState
	err := s.withLock(func() error {
		state, err := s.read()
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
		if err := s.write(state); err != nil {
			return err
		}
		out = state
		return nil
	})
	return out, err
}

func (s *Store) read() (*BuildState, error) {
	data, err := afero.ReadFile(s.fs, s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("build", s.buildID).WithCause(errors.ErrBuildNotFound)
		}
		return nil, fmt.Errorf("read build state: %w", err)
	}
	return decodeState(s.statePath(), data)
}

func (s *Store) write(state *BuildState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal build state: %w", err)
	}
	return writeFileAtomic(s.fs, s.statePath(), data)
}

// Create persists a fresh build. It fails with ErrBuildExists when state is
// already present; callers resume with Load or Resume instead.
func (s *Store) Create(meta Meta) (*BuildState, error) {
	var state *BuildState
	err := s.withLock(func() error {
		if ok, _ := afero.Exists(s.fs, s.statePath()); ok {
			return errors.NewAlreadyExistsError("build", s.buildID).WithCause(errors.ErrBuildExists)
		}
		phase := meta.Phase
		if phase == "" {
			phase = "init"
		}
		state = &BuildState{
			BuildID:           s.buildID,
			Status:            StatusPending,
			StartedAt:         s.now(),
			CurrentPhase:      phase,
			Subtasks:          slices.Clone(meta.Subtasks),
			CompletedSubtasks: []string{},
			FailedAttempts:    []FailureRecord{},
			Checkpoints:       []Checkpoint{},
			Notifications:     []Notification{},
			Metrics:           Metrics{TotalSubtasks: len(meta.Subtasks)},
			Meta:              meta.Values,
		}
		if err := s.write(state); err != nil {
			return err
		}
		return s.appendAttempt("", "created", fmt.Sprintf("%d planned subtasks", len(meta.Subtasks)))
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("build state created", "subtasks", len(meta.Subtasks))
	return state, nil
}

// Load reads the persisted state.
func (s *Store) Load() (*BuildState, error) {
	var state *BuildState
	err := s.withLock(func() error {
		var err error
		state, err = s.read()
		return err
	})
	return state, err
}

// Save replaces the persisted state with state.
func (s *Store) Save(state *BuildState, opts SaveOptions) error {
	if state == nil {
		return errors.NewValidationError("nil build state")
	}
	return s.withLock(func() error {
		if opts.UpdateCheckpointTimestamp {
			now := s.now()
			state.LastCheckpoint = &now
		}
		return s.write(state)
	})
}

// SaveCheckpoint records that subtaskID completed. Saving the same subtask
// again returns the existing checkpoint and leaves the state untouched.
func (s *Store) SaveCheckpoint(subtaskID string, meta CheckpointMeta) (Checkpoint, error) {
	var cp Checkpoint
	created := false
	_, err := s.update(func(state *BuildState) error {
		if state.IsCompleted(subtaskID) {
			for _, existing := range state.Checkpoints {
				if existing.SubtaskID == subtaskID {
					cp = existing
				}
			}
			return nil
		}

		now := s.now()
		cp = Checkpoint{
			ID:            ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
			Timestamp:     now,
			SubtaskID:     subtaskID,
			Status:        CheckpointStatusCompleted,
			FilesModified: slices.Clone(meta.FilesModified),
			DurationMs:    meta.Duration.Milliseconds(),
			Attempts:      meta.Attempts,
		}
		if cp.FilesModified == nil {
			cp.FilesModified = []string{}
		}

		cpData, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
		if err := writeFileAtomic(s.fs, filepath.Join(s.dir, checkpointsDir, cp.ID+".json"), cpData); err != nil {
			return err
		}

		state.Checkpoints = append(state.Checkpoints, cp)
		state.CompletedSubtasks = append(state.CompletedSubtasks, subtaskID)
		state.LastCheckpoint = &now
		state.Metrics.CompletedSubtasks++
		state.Metrics.TotalSubtaskMs += cp.DurationMs
		state.Metrics.AverageSubtaskMs = state.Metrics.TotalSubtaskMs / int64(state.Metrics.CompletedSubtasks)
		state.Metrics.FilesModified += len(cp.FilesModified)
		created = true

		return s.appendAttempt(subtaskID, "checkpoint",
			fmt.Sprintf("id=%s attempts=%d duration_ms=%d", cp.ID, cp.Attempts, cp.DurationMs))
	})
	if err != nil {
		return Checkpoint{}, err
	}
	if created {
		s.logger.Info("checkpoint saved", "subtask_id", subtaskID, "checkpoint_id", cp.ID)
	}
	return cp, nil
}

// ReadCheckpoint loads the individual durable record for id.
func (s *Store) ReadCheckpoint(id string) (Checkpoint, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, checkpointsDir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, errors.NewNotFoundError("checkpoint", id)
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, errors.NewSchemaError(id, nil).WithCause(err)
	}
	return cp, nil
}

// RecordFailure appends a FailureRecord whose attempt number is one past the
// subtask's previous failures.
func (s *Store) RecordFailure(subtaskID string, meta FailureMeta) (FailureRecord, error) {
	var rec FailureRecord
	_, err := s.update(func(state *BuildState) error {
		rec = FailureRecord{
			SubtaskID: subtaskID,
			Attempt:   len(state.FailuresFor(subtaskID)) + 1,
			Error:     meta.Error,
			Timestamp: s.now(),
			Approach:  meta.Approach,
		}
		state.FailedAttempts = append(state.FailedAttempts, rec)
		state.Metrics.FailedAttempts++
		return s.appendAttempt(subtaskID, "failure", fmt.Sprintf("attempt=%d error=%s", rec.Attempt, meta.Error))
	})
	if err != nil {
		return FailureRecord{}, err
	}
	s.logger.Debug("failure recorded", "subtask_id", subtaskID, "attempt", rec.Attempt)
	return rec, nil
}

// DetectAbandoned marks an in-progress build abandoned when its last activity
// is strictly older than threshold. A non-positive threshold selects
// DefaultAbandonedThreshold.
func (s *Store) DetectAbandoned(threshold time.Duration) (bool, error) {
	if threshold <= 0 {
		threshold = DefaultAbandonedThreshold
	}
	abandoned := false
	_, err := s.update(func(state *BuildState) error {
		if state.Status != StatusInProgress {
			return nil
		}
		now := s.now()
		age := now.Sub(state.lastActivity())
		if age <= threshold {
			return nil
		}
		abandoned = true
		state.Status = StatusAbandoned
		s.notify(state, LevelWarning, fmt.Sprintf("build abandoned: no checkpoint for %s (threshold %s)",
			age.Round(time.Second), threshold))
		return s.appendAttempt("", "abandoned", fmt.Sprintf("age_ms=%d", age.Milliseconds()))
	})
	if err != nil {
		return false, err
	}
	if abandoned {
		s.logger.Warn("build marked abandoned", "threshold", threshold.String())
	}
	return abandoned, nil
}

// Resume reopens a build. Completed builds are rejected.
func (s *Store) Resume() (*ResumeInfo, error) {
	state, err := s.update(func(state *BuildState) error {
		if state.Status == StatusCompleted {
			return errors.NewBuildError("cannot resume", errors.ErrBuildCompleted).WithBuildID(s.buildID)
		}
		previous := state.Status
		state.Status = StatusInProgress
		state.Metrics.ResumeCount++
		s.notify(state, LevelInfo, fmt.Sprintf("resumed from %s with %d completed subtasks",
			previous, len(state.CompletedSubtasks)))
		return s.appendAttempt("", "resumed", fmt.Sprintf("from=%s", previous))
	})
	if err != nil {
		return nil, err
	}
	info := &ResumeInfo{
		State:             state,
		LastCheckpoint:    state.LastCheckpointRecord(),
		NextSubtask:       state.NextSubtask(),
		CompletedSubtasks: slices.Clone(state.CompletedSubtasks),
	}
	s.logger.Info("build resumed", "completed", len(info.CompletedSubtasks), "next_subtask", info.NextSubtask)
	return info, nil
}

// SetStatus transitions the build to status.
func (s *Store) SetStatus(status Status) error {
	if !status.Valid() {
		return errors.NewValidationError("unknown build status").WithField("status").WithValue(status)
	}
	_, err := s.update(func(state *BuildState) error {
		if state.Status == status {
			return nil
		}
		from := state.Status
		state.Status = status
		return s.appendAttempt("", "status", fmt.Sprintf("%s -> %s", from, status))
	})
	return err
}

// SetPhase records the current phase and subtask.
func (s *Store) SetPhase(phase, subtaskID string) error {
	_, err := s.update(func(state *BuildState) error {
		state.CurrentPhase = phase
		state.CurrentSubtask = subtaskID
		return nil
	})
	return err
}

// SetPlan records the planned subtask order used to compute the next subtask.
func (s *Store) SetPlan(subtasks []string) error {
	_, err := s.update(func(state *BuildState) error {
		state.Subtasks = slices.Clone(subtasks)
		state.Metrics.TotalSubtasks = len(subtasks)
		return nil
	})
	return err
}

// AddNotification attaches a message to the build.
func (s *Store) AddNotification(level, message string) error {
	_, err := s.update(func(state *BuildState) error {
		s.notify(state, level, message)
		return nil
	})
	return err
}

func (s *Store) notify(state *BuildState, level, message string) {
	state.Notifications = append(state.Notifications, Notification{
		Timestamp: s.now(),
		Level:     level,
		Message:   message,
	})
	if n := len(state.Notifications); n > notificationLimit {
		state.Notifications = state.Notifications[n-notificationLimit:]
	}
}

// Delete removes every file belonging to the build.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove build state: %w", err)
	}
	s.logger.Info("build state deleted")
	return nil
}

// List returns the state of every build under stateDir, newest first.
// Builds whose state cannot be decoded are skipped.
func List(fs afero.Fs, stateDir string) ([]*BuildState, error) {
	root := filepath.Join(stateDir, buildsDirName)
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list builds: %w", err)
	}

	var states []*BuildState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name(), stateFileName)
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			continue
		}
		state, err := decodeState(path, data)
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].StartedAt.After(states[j].StartedAt)
	})
	return states, nil
}
