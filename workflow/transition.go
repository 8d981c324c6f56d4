package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a state machine input.
type EventType string

const (
	EventStart         EventType = "START"
	EventStageComplete EventType = "STAGE_COMPLETE"
	EventStageFailed   EventType = "STAGE_FAILED"
	EventCancel        EventType = "CANCEL"
	EventPause         EventType = "PAUSE"
	EventResume        EventType = "RESUME"
)

// StageError is the stable error carried by STAGE_FAILED.
type StageError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is one input to Transition.
type Event struct {
	Type   EventType
	Stage  string
	Output json.RawMessage
	Error  *StageError
	// SpanID is the span that produced the event. When set it becomes the
	// workflow's current span, so the next dispatch is its child.
	SpanID string
}

// Start returns a START event.
func Start() Event { return Event{Type: EventStart} }

// StageComplete returns a STAGE_COMPLETE event.
func StageComplete(stage string, output json.RawMessage) Event {
	return Event{Type: EventStageComplete, Stage: stage, Output: output}
}

// StageFailed returns a STAGE_FAILED event.
func StageFailed(stage, code, message string) Event {
	return Event{Type: EventStageFailed, Stage: stage, Error: &StageError{Code: code, Message: message}}
}

// Cancel returns a CANCEL event.
func Cancel() Event { return Event{Type: EventCancel} }

// Pause returns a PAUSE event.
func Pause() Event { return Event{Type: EventPause} }

// Resume returns a RESUME event.
func Resume() Event { return Event{Type: EventResume} }

// WithSpan returns ev with SpanID set.
func (ev Event) WithSpan(spanID string) Event {
	ev.SpanID = spanID
	return ev
}

// failedOutput is recorded for a continue_on_failure stage that failed.
type failedOutput struct {
	Failed bool       `json:"failed"`
	Error  StageError `json:"error"`
}

// Transition applies ev to wf under def and returns the next state. It is
// pure: wf is never modified. Every accepted event yields Version+1.
//
// Rejections: ErrTerminal for any event on a terminal workflow,
// ErrStaleEvent for a stage already passed or a command already in effect,
// ErrOutOfOrder for a stage not yet reached, ErrInvalidEvent otherwise.
func Transition(def Definition, wf *Workflow, ev Event, now time.Time) (*Workflow, error) {
	if wf.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, wf.ID, wf.Status)
	}
	if len(def.Stages) == 0 {
		return nil, fmt.Errorf("%w: workflow type %s has no stages", ErrInvalidEvent, def.Type)
	}

	next := wf.Clone()
	switch ev.Type {
	case EventStart:
		if wf.Status != StatusInitiated {
			return nil, fmt.Errorf("%w: %s already started", ErrStaleEvent, wf.ID)
		}
		// A retry carries the outputs of the stages it skips.
		first := def.FirstPending(wf.StageOutputs)
		if first < 0 {
			return nil, fmt.Errorf("%w: %s has no stage left to run", ErrInvalidEvent, wf.ID)
		}
		next.Status = StatusRunning
		next.CurrentStage = def.Stages[first].Name
		next.ProgressPercentage = def.Progress(first)

	case EventStageComplete, EventStageFailed:
		if err := checkStage(def, wf, ev.Stage); err != nil {
			return nil, err
		}
		stage, _ := def.Stage(ev.Stage)

		if ev.Type == EventStageFailed && !stage.ContinueOnFailure {
			next.Status = StatusFailed
			next.PausedFrom = ""
			next.ErrorCode = "STAGE_FAILED"
			if ev.Error != nil && ev.Error.Code != "" {
				next.ErrorCode = ev.Error.Code
			}
			break
		}

		output := ev.Output
		if ev.Type == EventStageFailed {
			var serr StageError
			if ev.Error != nil {
				serr = *ev.Error
			}
			output, _ = json.Marshal(failedOutput{Failed: true, Error: serr})
		}
		if len(output) == 0 {
			output = json.RawMessage("null")
		}
		next.StageOutputs[ev.Stage] = append(json.RawMessage(nil), output...)
		next.ProgressPercentage = def.Progress(def.Index(ev.Stage) + 1)

		if following, ok := def.Next(ev.Stage); ok {
			next.CurrentStage = following.Name
		} else {
			next.Status = StatusCompleted
			next.PausedFrom = ""
			next.ProgressPercentage = 100
		}

	case EventCancel:
		next.Status = StatusCancelled
		next.PausedFrom = ""

	case EventPause:
		if wf.Status == StatusPaused {
			return nil, fmt.Errorf("%w: %s already paused", ErrStaleEvent, wf.ID)
		}
		next.PausedFrom = wf.Status
		next.Status = StatusPaused

	case EventResume:
		if wf.Status != StatusPaused {
			return nil, fmt.Errorf("%w: resume on %s workflow %s", ErrInvalidEvent, wf.Status, wf.ID)
		}
		next.Status = wf.PausedFrom
		if next.Status == "" {
			next.Status = StatusRunning
		}
		next.PausedFrom = ""

	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, ev.Type)
	}

	if !wf.Status.CanTransitionTo(next.Status) {
		return nil, fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidEvent, wf.ID, wf.Status, next.Status)
	}

	if ev.SpanID != "" {
		next.CurrentSpanID = ev.SpanID
	}
	next.Version = wf.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// checkStage validates a stage event against the current stage.
func checkStage(def Definition, wf *Workflow, stage string) error {
	idx := def.Index(stage)
	if idx < 0 {
		return fmt.Errorf("%w: stage %s is not part of %s", ErrInvalidEvent, stage, def.Type)
	}
	if _, done := wf.StageOutputs[stage]; done {
		return fmt.Errorf("%w: stage %s already recorded", ErrStaleEvent, stage)
	}
	if wf.Status == StatusInitiated {
		return fmt.Errorf("%w: %s has not started", ErrOutOfOrder, wf.ID)
	}
	// A paused workflow that was never started has no current stage.
	if wf.Status == StatusPaused && wf.PausedFrom == StatusInitiated {
		return fmt.Errorf("%w: %s has not started", ErrOutOfOrder, wf.ID)
	}

	current := def.Index(wf.CurrentStage)
	switch {
	case idx < current:
		return fmt.Errorf("%w: stage %s is behind current stage %s", ErrStaleEvent, stage, wf.CurrentStage)
	case idx > current:
		return fmt.Errorf("%w: stage %s is ahead of current stage %s", ErrOutOfOrder, stage, wf.CurrentStage)
	}
	return nil
}
