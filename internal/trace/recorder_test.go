package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	events []Event
}

func (f *fakeBroadcaster) Broadcast(event Event) {
	f.events = append(f.events, event)
}

func TestRecorderAppendsAndReturnsEventsPerTask(t *testing.T) {
	r := NewRecorder(nil)
	r.Record(EventPlan("task-1", 3))
	r.Record(EventSuccess("task-1"))
	r.Record(EventFail("task-2", nil))

	events := r.Events("task-1")
	require.Len(t, events, 2)
	assert.Equal(t, KindPlan, events[0].Kind)
	assert.Equal(t, KindSuccess, events[1].Kind)
	assert.Len(t, r.Events("task-2"), 1)
}

func TestRecorderCapsEventsPerTask(t *testing.T) {
	r := NewRecorder(nil)
	for i := 0; i < maxEventsPerTask+10; i++ {
		r.Record(EventStepStarted("task-1", "AgentX"))
	}
	assert.Len(t, r.Events("task-1"), maxEventsPerTask)
}

func TestRecorderBroadcastsToHub(t *testing.T) {
	fb := &fakeBroadcaster{}
	r := NewRecorder(fb)
	r.Record(EventSuccess("task-1"))
	require.Len(t, fb.events, 1)
	assert.Equal(t, KindSuccess, fb.events[0].Kind)
}

func TestRecorderForgetRemovesTask(t *testing.T) {
	r := NewRecorder(nil)
	r.Record(EventSuccess("task-1"))
	r.Forget("task-1")
	assert.Empty(t, r.Events("task-1"))
}
