package engine

import (
	"context"
	"fmt"

	"github.com/kode4food/caravan/topic"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/internal/util"
	"github.com/paywise/flowengine/pkg/api"
	"github.com/paywise/flowengine/pkg/log"
)

type (
	// childRecord pairs a started child flow with the entry recorded on the
	// triggering step
	childRecord struct {
		state  *api.FlowState
		record *api.TriggeredFlow
	}

	// childAwait is a one-shot subscription waiting for a set of child
	// flows to reach terminal status
	childAwait struct {
		cancel   context.CancelFunc
		consumer topic.Consumer[*bus.Event]
	}
)

// startChildren spawns the child flows a step result asked for. Children
// inherit the parent's correlation and user, with triggeredBy pointing back
// at the spawning step. A child that fails to start is recorded with a
// Failed status rather than failing the parent step
func (a *flowActor) startChildren(
	step api.StepName, requests []*api.TriggerRequest,
) []*childRecord {
	parent, err := a.store.Get(a.ctx, a.flowID)
	if err != nil {
		a.logger.Error("child trigger load failed",
			log.FlowID(a.flowID), log.Error(err))
		return nil
	}

	ref := &api.FlowRef{
		FlowID: parent.ID,
		Step:   step,
		Type:   parent.Type,
	}

	var out []*childRecord
	for _, req := range requests {
		child, err := a.startFlow(a.ctx, &startRequest{
			flowType:      req.Type,
			init:          req.Init,
			correlationID: parent.CorrelationID,
			userID:        parent.UserID,
			triggeredBy:   ref,
		})
		if err != nil {
			a.logger.Error("child flow start failed",
				log.FlowID(a.flowID),
				log.FlowType(req.Type),
				log.Error(err))
			out = append(out, &childRecord{
				state: &api.FlowState{Type: req.Type},
				record: &api.TriggeredFlow{
					Type:   req.Type,
					Step:   step,
					Status: api.FlowFailed,
				},
			})
			continue
		}
		out = append(out, &childRecord{
			state: child,
			record: &api.TriggeredFlow{
				FlowID:    child.ID,
				Type:      child.Type,
				Status:    child.Status,
				Step:      step,
				CreatedAt: child.CreatedAt,
			},
		})
	}
	return out
}

// registerAwait arms a one-shot bus subscription that fires when every
// named child reaches terminal status. The store is checked after
// subscribing so a child that finished in between is not missed
func (a *flowActor) registerAwait(
	step api.StepName, children []api.FlowID,
) {
	if existing, ok := a.awaits[step]; ok {
		existing.cancel()
		existing.consumer.Close()
	}

	ctx, cancel := context.WithCancel(a.ctx)
	consumer := a.bus.NewConsumer()
	a.awaits[step] = &childAwait{cancel: cancel, consumer: consumer}

	waiting := util.SetOf(children...)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer consumer.Close()

		for _, id := range children {
			if st, err := a.store.Get(ctx, id); err == nil &&
				st.Status.IsTerminal() {
				waiting.Remove(id)
			}
		}

		for !waiting.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-consumer.Receive():
				if !ok {
					return
				}
				if !waiting.Contains(ev.FlowID) {
					continue
				}
				if isTerminalFlowEvent(ev.Type) {
					waiting.Remove(ev.FlowID)
				}
			}
		}
		a.send(flowSignal{kind: signalChildDone, step: step})
	}()
}

// rearmAwaits re-creates child subscriptions for steps still awaiting child
// flows, typically after a restart. A step whose children all failed to start
// is released immediately
func (a *flowActor) rearmAwaits(st *api.FlowState) {
	for _, s := range st.Steps {
		if s.Status != api.StepInProgress || !s.AwaitTriggered {
			continue
		}
		if _, ok := a.awaits[s.Name]; ok {
			continue
		}
		var children []api.FlowID
		for _, t := range s.TriggeredFlows {
			if t.FlowID != "" {
				children = append(children, t.FlowID)
			}
		}
		if len(children) == 0 {
			a.send(flowSignal{kind: signalChildDone, step: s.Name})
			continue
		}
		a.registerAwait(s.Name, children)
	}
}

func isTerminalFlowEvent(typ api.EventType) bool {
	switch typ {
	case api.EventTypeFlowCompleted,
		api.EventTypeFlowFailed,
		api.EventTypeFlowCancelled:
		return true
	default:
		return false
	}
}

// onChildrenDone completes a step that was awaiting child flows and puts
// the parent back into Running
func (a *flowActor) onChildrenDone(step api.StepName) {
	if aw, ok := a.awaits[step]; ok {
		aw.cancel()
		delete(a.awaits, step)
	}

	_, err := a.update(a.ctx, a.flowID,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			s := cur.GetStep(step)
			if s == nil || s.Status != api.StepInProgress ||
				!s.AwaitTriggered {
				return cur, nil, nil
			}
			if cur.Status != api.FlowPaused ||
				cur.PauseReason != api.PauseAwaitingChildFlow {
				return cur, nil, nil
			}

			now := a.now()
			upd := s.SetStatus(api.StepCompleted)
			next := cur.SetStep(upd.Index, upd)

			var events []*bus.Event
			if len(s.Branches) > 0 {
				hint := ""
				if s.Result != nil {
					hint = s.Result.BranchHint
				}
				spliced, branchEvents, berr := a.selectBranch(
					next, upd, hint, now)
				if berr != nil {
					failed, failEvents := failInPlace(next, upd,
						&api.StepError{
							Message: berr.Error(),
							Kind:    api.ErrKindInternal,
						}, now, a.config.EventTailLength)
					return failed, failEvents, nil
				}
				next = spliced
				events = append(events, branchEvents...)
			}

			next = next.SetStatus(api.FlowRunning).ClearPause()
			next = next.AppendEvent(
				audit(api.EventTypeFlowResumed,
					fmt.Sprintf("child flows of step %s finished", step),
					now),
				a.config.EventTailLength)
			events = append(events,
				stepEvent(next, next.GetStep(step)),
				flowEvent(api.EventTypeFlowResumed, next))
			return next, events, nil
		})
	if err != nil {
		a.failFlow(fmt.Errorf("child resume commit: %w", err))
	}
}

// cancelAwaits tears down any outstanding child subscriptions
func (a *flowActor) cancelAwaits() {
	for step, aw := range a.awaits {
		aw.cancel()
		delete(a.awaits, step)
	}
}
