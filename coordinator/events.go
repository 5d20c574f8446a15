package coordinator

import "time"

// EventName identifies a coordinator lifecycle event.
type EventName string

const (
	EventInitialized       EventName = "initialized"
	EventStarted           EventName = "started"
	EventTaskStarted       EventName = "task:started"
	EventTaskProgress      EventName = "task:progress"
	EventTaskCompleted     EventName = "task:completed"
	EventTaskFailed        EventName = "task:failed"
	EventTaskRetry         EventName = "task:retry"
	EventTaskCancelled     EventName = "task:cancelled"
	EventWorkflowCompleted EventName = "workflow:completed"
	EventWorkflowFailed    EventName = "workflow:failed"
	EventWorkflowCancelled EventName = "workflow:cancelled"
	EventWorkflowDeadlock  EventName = "workflow:deadlock"
)

// Event is one lifecycle notification. Delivery is synchronous, at most once
// and without replay; observers registered after an event never see it.
type Event struct {
	Name       EventName      `json:"name"`
	WorkflowID string         `json:"workflow_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// Subscribe registers an observer for lifecycle events, returning an
// unsubscribe function. Observer panics are caught and logged, never
// propagated into the scheduling loop.
func (c *Coordinator) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Coordinator) emit(name EventName, taskID string, detail map[string]any) {
	c.mu.Lock()
	workflowID := ""
	if c.workflow != nil {
		workflowID = c.workflow.ID
	}
	observers := make([]func(Event), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	evt := Event{
		Name:       name,
		WorkflowID: workflowID,
		TaskID:     taskID,
		Detail:     detail,
		At:         time.Now().UTC(),
	}
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("event observer panicked", "event", string(name), "panic", r)
				}
			}()
			fn(evt)
		}()
	}
}
