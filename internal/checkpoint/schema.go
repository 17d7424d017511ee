package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/buildpilot/internal/errors"
)

// requiredFields lists the top-level keys every persisted state must carry.
var requiredFields = []string{
	"buildId",
	"status",
	"startedAt",
	"currentPhase",
	"completedSubtasks",
	"failedAttempts",
	"checkpoints",
	"metrics",
	"notifications",
}

// decodeState parses and validates persisted state. Every violated field is
// reported, not just the first.
func decodeState(path string, data []byte) (*BuildState, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.NewSchemaError(path, nil).WithCause(err)
	}

	var violations []string
	for _, field := range requiredFields {
		v, ok := raw[field]
		if !ok || string(v) == "null" {
			violations = append(violations, field)
		}
	}

	var state BuildState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.NewSchemaError(path, violations).WithCause(err)
	}

	if _, ok := raw["status"]; ok && !state.Status.Valid() {
		violations = append(violations, fmt.Sprintf("status (unknown value %q)", state.Status))
	}
	if _, ok := raw["startedAt"]; ok && state.StartedAt.Equal(time.Time{}) {
		violations = append(violations, "startedAt (zero time)")
	}
	for i, cp := range state.Checkpoints {
		if cp.ID == "" || cp.SubtaskID == "" {
			violations = append(violations, fmt.Sprintf("checkpoints[%d] (missing id or subtaskId)", i))
		}
	}

	if len(violations) > 0 {
		return nil, errors.NewSchemaError(path, violations)
	}
	return &state, nil
}
