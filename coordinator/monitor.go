package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensentinel/collab/core"
)

// monitor watches one running task: it polls the runtime at the configured
// interval racing the task's own timeout, whichever fires first wins. Runs
// on its own goroutine, one per running attempt, so slow tasks never block
// each other or the scheduling loop.
func (c *Coordinator) monitor(taskID, agentID string, timeout time.Duration) {
	ctx := context.Background()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		select {
		case <-ticker.C:
			state, err := c.runtime.Status(ctx, agentID)
			if err != nil {
				if errors.Is(err, core.ErrAgentNotFound) {
					c.failAttempt(taskID, "agent not found")
					return
				}
				// transient poll error, try again next tick
				c.logger.Warn("agent status poll failed", "task_id", taskID, "agent_id", agentID, "error", err)
				continue
			}
			switch state.Status {
			case core.AgentCompleted:
				result := state.Result
				if result == nil {
					result = &core.TaskResult{Success: true}
				}
				c.completeTask(ctx, taskID, result)
				return
			case core.AgentFailed:
				reason := "agent failed"
				if state.Result != nil && state.Result.Error != "" {
					reason = state.Result.Error
				}
				c.failAttempt(taskID, reason)
				return
			case core.AgentCancelled:
				result := state.Result
				if result == nil {
					result = &core.TaskResult{Success: false, Error: "cancelled"}
				}
				c.cancelTask(taskID, result)
				return
			}

		case <-timeoutC:
			result := &core.TaskResult{Success: false, Error: fmt.Sprintf("timed out after %s", timeout)}
			if err := c.runtime.Cancel(ctx, agentID, result); err != nil {
				c.logger.Warn("cancelling timed-out agent failed", "task_id", taskID, "agent_id", agentID, "error", err)
			}
			c.failAttempt(taskID, "timed out")
			return

		case <-c.done:
			return
		}
	}
}
