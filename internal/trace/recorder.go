package trace

import "sync"

const maxEventsPerTask = 200

// Broadcaster is satisfied by Hub; Recorder degrades to log-only storage
// when no Broadcaster is wired.
type Broadcaster interface {
	Broadcast(event Event)
}

// Recorder keeps a bounded in-memory ring of recent events per task id for
// the debug endpoint, and optionally fans every event out to a live
// websocket Hub.
type Recorder struct {
	mu    sync.RWMutex
	tasks map[string][]Event
	hub   Broadcaster
}

func NewRecorder(hub Broadcaster) *Recorder {
	return &Recorder{tasks: make(map[string][]Event), hub: hub}
}

// Record appends event to its task's log, dropping the oldest entry once
// the per-task cap is reached, and broadcasts it if a Hub is attached.
func (r *Recorder) Record(event Event) {
	r.mu.Lock()
	events := r.tasks[event.TaskID]
	events = append(events, event)
	if len(events) > maxEventsPerTask {
		events = events[len(events)-maxEventsPerTask:]
	}
	r.tasks[event.TaskID] = events
	r.mu.Unlock()

	if r.hub != nil {
		r.hub.Broadcast(event)
	}
}

// Events returns a copy of the recorded events for taskID.
func (r *Recorder) Events(taskID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.tasks[taskID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Forget drops a task's recorded events, used once a task's debug window
// has expired.
func (r *Recorder) Forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, taskID)
}
