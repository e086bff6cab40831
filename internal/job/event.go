package job

import (
	"fmt"
	"slices"
	"time"

	"opsconsole/internal/registry"
	"opsconsole/pkg/cloudevent"
)

// Event types for job lifecycle notifications
const (
	EventTypeStarted   = "console.job.started"
	EventTypeCompleted = "console.job.completed"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for job lifecycle notifications.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder. Source identifies this
// service instance in delivered events.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build creates a new CloudEvent for a run with the given type and data.
func (b *EventBuilder) Build(eventType string, run *registry.Run, data map[string]any) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", run.Name, time.Now().UnixNano())
	return cloudevent.New(eventType, b.source, run.JobType, eventID, data)
}

// BuildStartedEvent creates a run started event.
func (b *EventBuilder) BuildStartedEvent(run *registry.Run) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobType":   run.JobType,
		"name":      run.Name,
		"startedAt": run.StartedAt,
	}
	if len(run.Params) > 0 {
		data["params"] = run.Params
	}
	return b.Build(EventTypeStarted, run, data)
}

// BuildCompletedEvent creates a run completed event carrying the recorded
// classification.
func (b *EventBuilder) BuildCompletedEvent(run *registry.Run) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobType":   run.JobType,
		"name":      run.Name,
		"startedAt": run.StartedAt,
	}
	if run.FinishedAt != nil {
		data["finishedAt"] = *run.FinishedAt
	}
	if run.ExitCode != nil {
		data["exitCode"] = *run.ExitCode
	}
	if run.Result != nil {
		data["success"] = run.Result.Success
		data["summary"] = run.Result.Summary
		if run.Result.Reason != "" {
			data["reason"] = run.Result.Reason
		}
		if run.Result.Unconfirmed {
			data["unconfirmed"] = true
		}
	}
	return b.Build(EventTypeCompleted, run, data)
}
