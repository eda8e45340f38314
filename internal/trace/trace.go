// Package trace records per-task Orchestrator state transitions for the
// debug endpoint and an optional live websocket stream: the Reuse-Lookup,
// Plan, per-step, and terminal Success/Fail events of the orchestrator
// state machine.
package trace

import "time"

// EventKind classifies each recorded transition.
type EventKind string

const (
	KindReuseLookup   EventKind = "reuse_lookup"
	KindFastPath      EventKind = "fast_path"
	KindPlan          EventKind = "plan"
	KindPlanRepaired  EventKind = "plan_repaired"
	KindStepStarted   EventKind = "step_started"
	KindStepSucceeded EventKind = "step_succeeded"
	KindStepRepaired  EventKind = "step_repaired"
	KindSuccess       EventKind = "success"
	KindFail          EventKind = "fail"
)

// Event is a single structured state-transition record.
type Event struct {
	Kind      EventKind `json:"kind"`
	At        time.Time `json:"at"`
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

func newEvent(taskID string, kind EventKind) Event {
	return Event{TaskID: taskID, Kind: kind, At: time.Now()}
}

func EventReuseLookup(taskID, sessionID string, bestScore float64) Event {
	e := newEvent(taskID, KindReuseLookup)
	e.SessionID = sessionID
	e.Score = bestScore
	return e
}

func EventFastPath(taskID, workflowID string) Event {
	e := newEvent(taskID, KindFastPath)
	e.Detail = workflowID
	return e
}

func EventPlan(taskID string, stepCount int) Event {
	e := newEvent(taskID, KindPlan)
	e.Attempt = stepCount
	return e
}

func EventPlanRepaired(taskID string, cause error) Event {
	e := newEvent(taskID, KindPlanRepaired)
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

func EventStepStarted(taskID, agent string) Event {
	e := newEvent(taskID, KindStepStarted)
	e.Agent = agent
	return e
}

func EventStepSucceeded(taskID, agent string) Event {
	e := newEvent(taskID, KindStepSucceeded)
	e.Agent = agent
	return e
}

func EventStepRepaired(taskID, agent string, attempt int, cause error) Event {
	e := newEvent(taskID, KindStepRepaired)
	e.Agent = agent
	e.Attempt = attempt
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

func EventSuccess(taskID string) Event {
	return newEvent(taskID, KindSuccess)
}

func EventFail(taskID string, cause error) Event {
	e := newEvent(taskID, KindFail)
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}
