package broker

import (
	"context"
	"time"

	"errand/internal/async"
	"errand/internal/logging"
	"errand/internal/task"
)

// TimeoutHint is returned when the response deadline resolves a sync call
// before the task finished.
const TimeoutHint = "task continues in background; poll get_task_status"

// raceDeadline runs the task body against the response-deadline timer.
// Exactly one of the two resolves the tool response: the body's final result
// when it finishes inside the window, otherwise an interim running result.
// The timer never cancels the body; it keeps running on its detached
// context until terminal.
func (o *Orchestrator) raceDeadline(bodyCtx context.Context, taskID, workspaceID string, req SubmitRequest, logger logging.Logger) *SubmitResult {
	bodyDone := make(chan *SubmitResult, 1)
	async.Go(logger, "broker.task."+taskID, func() {
		bodyDone <- o.runBody(bodyCtx, taskID, req)
	})

	timer := time.NewTimer(o.config.ResponseDeadline)
	defer timer.Stop()

	select {
	case result := <-bodyDone:
		if result == nil {
			// The body lost its task record; report what the registry shows.
			return &SubmitResult{TaskID: taskID, Status: task.StatusFailed, WorkspaceID: workspaceID}
		}
		return result
	case <-timer.C:
		logger.Info("response deadline %v elapsed, task continues in background", o.config.ResponseDeadline)
		return &SubmitResult{
			TaskID:      taskID,
			Status:      task.StatusRunning,
			WorkspaceID: workspaceID,
			TimeoutHint: TimeoutHint,
		}
	}
}
