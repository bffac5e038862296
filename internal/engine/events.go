package engine

import (
	"time"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/pkg/api"
)

// flowEvent builds the bus event for a flow status change. The payload's
// Version is patched at publish time, after the commit assigns it
func flowEvent(typ api.EventType, st *api.FlowState) *bus.Event {
	return &bus.Event{
		Type:   typ,
		FlowID: st.ID,
		Data: &api.FlowStatusChanged{
			FlowID:       st.ID,
			Type:         st.Type,
			Status:       st.Status,
			CurrentStep:  st.CurrentStep,
			CurrentIndex: st.CurrentIndex,
			TotalSteps:   st.TotalSteps,
			PauseReason:  st.PauseReason,
			LastError:    st.LastError,
			StartedAt:    st.StartedAt,
			CompletedAt:  st.CompletedAt,
		},
	}
}

func stepEvent(st *api.FlowState, step *api.StepState) *bus.Event {
	errMsg := ""
	if step.Error != nil {
		errMsg = step.Error.Message
	}
	return &bus.Event{
		Type:   api.EventTypeStepStatusChanged,
		FlowID: st.ID,
		Data: &api.StepStatusChanged{
			FlowID:       st.ID,
			Step:         step.Name,
			StepStatus:   step.Status,
			FlowStatus:   st.Status,
			CurrentStep:  st.CurrentStep,
			CurrentIndex: st.CurrentIndex,
			Result:       step.Result,
			Error:        errMsg,
		},
	}
}

func retryEvent(st *api.FlowState, step *api.StepState) *bus.Event {
	errMsg := ""
	if step.Error != nil {
		errMsg = step.Error.Message
	}
	return &bus.Event{
		Type:   api.EventTypeStepRetryScheduled,
		FlowID: st.ID,
		Data: &api.StepRetryScheduled{
			FlowID:   st.ID,
			Step:     step.Name,
			Attempt:  step.Attempts,
			ResumeAt: step.ResumeAt,
			Error:    errMsg,
		},
	}
}

func childEvent(
	parent *api.FlowState, step api.StepName, child *api.FlowState,
) *bus.Event {
	return &bus.Event{
		Type:   api.EventTypeChildFlowTriggered,
		FlowID: parent.ID,
		Data: &api.ChildFlowTriggered{
			ParentID: parent.ID,
			ChildID:  child.ID,
			Type:     child.Type,
			Step:     step,
		},
	}
}

// audit builds an entry for the flow's bounded event tail
func audit(typ api.EventType, desc string, at time.Time) *api.FlowEvent {
	return &api.FlowEvent{
		Timestamp:   at,
		Type:        typ,
		Description: desc,
	}
}

// patchSequence pushes the committed version into payloads that carry it
func patchSequence(ev *bus.Event, version int64) {
	switch d := ev.Data.(type) {
	case *api.FlowStatusChanged:
		d.Version = version
	case *api.StepStatusChanged:
		d.Version = version
	}
}
