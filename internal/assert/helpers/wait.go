package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/kode4food/caravan/topic"
	"github.com/stretchr/testify/assert"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/pkg/api"
)

// EventWaiter waits for a bus event matching a filter. Create before
// triggering the action so no event is missed
type EventWaiter struct {
	consumer topic.Consumer[*bus.Event]
	filter   bus.Filter
	desc     string
}

// DefaultWaitTimeout bounds every event wait in tests
const DefaultWaitTimeout = 5 * time.Second

// Subscribe creates a waiter for events matching the filter
func (e *TestEnv) Subscribe(desc string, filter bus.Filter) *EventWaiter {
	return &EventWaiter{
		consumer: e.Bus.NewConsumer(),
		filter:   filter,
		desc:     desc,
	}
}

// SubscribeFlowDone creates a waiter for any flow reaching terminal status.
// Tests that spawn child flows should wait per-flow with WaitForStatus
func (e *TestEnv) SubscribeFlowDone(types ...api.EventType) *EventWaiter {
	if len(types) == 0 {
		types = []api.EventType{
			api.EventTypeFlowCompleted,
			api.EventTypeFlowFailed,
			api.EventTypeFlowCancelled,
		}
	}
	return e.Subscribe("flow terminal status", bus.FilterTypes(types...))
}

// Wait blocks until a matching event arrives or the timeout expires
func (w *EventWaiter) Wait(t *testing.T, timeout time.Duration) *bus.Event {
	t.Helper()
	defer w.consumer.Close()

	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-w.consumer.Receive():
			if !ok {
				t.Fatalf("bus closed waiting for %s", w.desc)
			}
			if w.filter(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", w.desc)
		}
	}
}

// WaitFlowDone waits on a previously created terminal waiter and returns the
// flow's latest snapshot
func (e *TestEnv) WaitFlowDone(
	t *testing.T, w *EventWaiter, flowID api.FlowID,
) *api.FlowState {
	t.Helper()
	ev := w.Wait(t, DefaultWaitTimeout)
	assert.NotNil(t, ev)

	st, err := e.Engine.GetFlow(context.Background(), flowID)
	assert.NoError(t, err)
	return st
}

// WaitForStatus polls until the flow reaches the expected status. Used where
// subscribing ahead of the action is impractical
func (e *TestEnv) WaitForStatus(
	t *testing.T, flowID api.FlowID, expected api.FlowStatus,
) *api.FlowState {
	t.Helper()

	var st *api.FlowState
	assert.Eventually(t, func() bool {
		var err error
		st, err = e.Engine.GetFlow(context.Background(), flowID)
		return err == nil && st.Status == expected
	}, DefaultWaitTimeout, 10*time.Millisecond)
	return st
}

// WaitForStepStatus polls until one step reaches the expected status
func (e *TestEnv) WaitForStepStatus(
	t *testing.T, flowID api.FlowID, step api.StepName,
	expected api.StepStatus,
) *api.StepState {
	t.Helper()

	var s *api.StepState
	assert.Eventually(t, func() bool {
		st, err := e.Engine.GetFlow(context.Background(), flowID)
		if err != nil {
			return false
		}
		s = st.GetStep(step)
		return s != nil && s.Status == expected
	}, DefaultWaitTimeout, 10*time.Millisecond)
	return s
}
