package executor

import (
	"context"
	"testing"
)

func TestTaskStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusPending, false},
		{TaskStatusRunning, false},
		{TaskStatusComplete, true},
		{TaskStatusFailed, true},
		{TaskStatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFuncAdapters(t *testing.T) {
	var exec Executor = ExecutorFunc(func(_ context.Context, task Task, ectx ExecContext) (Outcome, error) {
		return Outcome{Success: task.ID == "1" && ectx.Iteration == 2}, nil
	})
	out, err := exec.Execute(context.Background(), Task{ID: "1"}, ExecContext{Iteration: 2})
	if err != nil || !out.Success {
		t.Errorf("ExecutorFunc = %+v, %v", out, err)
	}

	var runner TaskRunner = TaskRunnerFunc(func(_ context.Context, wave int, task Task) TaskResult {
		return TaskResult{TaskID: task.ID, Status: TaskStatusComplete}
	})
	res := runner.RunTask(context.Background(), 0, Task{ID: "x"})
	if !res.Succeeded() || res.TaskID != "x" {
		t.Errorf("TaskRunnerFunc = %+v", res)
	}
}
