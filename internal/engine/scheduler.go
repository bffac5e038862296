package engine

import (
	"fmt"
	"sort"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/internal/util"
	"github.com/paywise/flowengine/pkg/api"
	"github.com/paywise/flowengine/pkg/log"
)

// drive is one scheduler pass: load the latest snapshot, launch whatever is
// runnable, and settle the flow when nothing is
func (a *flowActor) drive() {
	st, err := a.store.Get(a.ctx, a.flowID)
	if err != nil {
		a.logger.Error("scheduler load failed",
			log.FlowID(a.flowID), log.Error(err))
		return
	}

	if st.Status == api.FlowReady {
		st, err = a.update(a.ctx, a.flowID, a.beginRunning)
		if err != nil {
			a.logger.Error("start transition failed",
				log.FlowID(a.flowID), log.Error(err))
			return
		}
	}

	if st.Status == api.FlowPaused &&
		st.PauseReason == api.PauseAwaitingChildFlow {
		a.rearmAwaits(st)
		return
	}

	if st.Status != api.FlowRunning {
		return
	}
	a.schedule(st)
}

func (a *flowActor) beginRunning(
	cur *api.FlowState,
) (*api.FlowState, []*bus.Event, error) {
	if cur.Status != api.FlowReady {
		return cur, nil, nil
	}
	next := cur.SetStatus(api.FlowRunning).SetStartedAt(a.now())
	next = next.AppendEvent(
		audit(api.EventTypeFlowStatusChanged, "flow running", a.now()),
		a.config.EventTailLength)
	return next, []*bus.Event{
		flowEvent(api.EventTypeFlowStatusChanged, next),
	}, nil
}

func (a *flowActor) schedule(st *api.FlowState) {
	var launched []*api.StepState

	next, err := a.update(a.ctx, a.flowID,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			launched = launched[:0]
			if cur.Status != api.FlowRunning {
				return cur, nil, nil
			}

			picked := selectLaunchable(cur, runnableSteps(cur))
			if len(picked) == 0 {
				return cur, nil, nil
			}

			res := cur
			var events []*bus.Event
			for _, s := range picked {
				upd := s.SetStatus(api.StepInProgress).
					SetAttempts(s.Attempts + 1)
				res = res.SetStep(upd.Index, upd)
				launched = append(launched, upd)
			}
			first := launched[0]
			res = res.SetCurrent(first.Index, first.Name)
			for _, s := range launched {
				events = append(events, stepEvent(res, s))
			}
			res = res.AppendEvent(
				audit(api.EventTypeStepStatusChanged,
					fmt.Sprintf("step %s in progress", first.Name),
					a.now()),
				a.config.EventTailLength)
			return res, events, nil
		})
	if err != nil {
		a.failFlow(fmt.Errorf("launch commit: %w", err))
		return
	}

	if len(launched) == 0 {
		a.settle(next)
		return
	}

	for _, s := range launched {
		a.running.Add(s.Name)
		a.wg.Add(1)
		go a.executeStep(next, s)
	}
}

// runnableSteps returns Pending steps whose step and data dependencies are
// satisfied, ordered by descending priority then catalog order
func runnableSteps(st *api.FlowState) []*api.StepState {
	var out []*api.StepState
	for _, s := range st.Steps {
		if s.Status != api.StepPending {
			continue
		}
		if !depsSatisfied(st, s) || !dataDepsSatisfied(st, s) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func depsSatisfied(st *api.FlowState, s *api.StepState) bool {
	for _, dep := range s.Dependencies {
		ds := st.GetStep(dep)
		if ds == nil || !ds.Status.IsSatisfied() {
			return false
		}
	}
	return true
}

func dataDepsSatisfied(st *api.FlowState, s *api.StepState) bool {
	for key, kind := range s.DataDeps {
		v, ok := st.Data[key]
		if !ok || !v.Matches(kind) {
			return false
		}
	}
	return true
}

// selectLaunchable picks the subset of runnable steps that may execute
// together. A step without canRunInParallel runs alone; parallel steps may
// share the flow but never a resource group
func selectLaunchable(
	st *api.FlowState, runnable []*api.StepState,
) []*api.StepState {
	var inProgress []*api.StepState
	for _, s := range st.Steps {
		if s.Status == api.StepInProgress {
			inProgress = append(inProgress, s)
		}
	}

	allParallel := true
	groups := util.Set[string]{}
	for _, s := range inProgress {
		if !s.CanParallel {
			allParallel = false
		}
		if s.ResourceGroup != "" {
			groups.Add(s.ResourceGroup)
		}
	}

	var picked []*api.StepState
	for _, s := range runnable {
		if !s.CanParallel {
			if len(inProgress) == 0 && len(picked) == 0 {
				return []*api.StepState{s}
			}
			continue
		}
		if !allParallel {
			continue
		}
		if s.ResourceGroup != "" && groups.Contains(s.ResourceGroup) {
			continue
		}
		picked = append(picked, s)
		if s.ResourceGroup != "" {
			groups.Add(s.ResourceGroup)
		}
	}
	return picked
}

// settle decides what happens when nothing is launchable: wait for running
// steps, finalize a finished flow, park for retry backoff, or fail a flow
// that can no longer make progress
func (a *flowActor) settle(st *api.FlowState) {
	if st.Status != api.FlowRunning {
		return
	}
	if st.CountStepStatus(api.StepInProgress) > 0 {
		return
	}

	parked := st.CountStepStatus(api.StepPaused)
	pending := st.CountStepStatus(api.StepPending)

	switch {
	case parked == 0 && pending == 0:
		a.finalize(st)
	case parked > 0:
		a.parkFlow()
	default:
		a.failFlow(ErrFlowStalled)
	}
}

// finalize transitions a flow whose steps are all terminal
func (a *flowActor) finalize(st *api.FlowState) {
	_, err := a.update(a.ctx, a.flowID,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			if cur.Status != api.FlowRunning ||
				cur.CountStepStatus(api.StepInProgress) > 0 ||
				cur.CountStepStatus(api.StepPending) > 0 ||
				cur.CountStepStatus(api.StepPaused) > 0 {
				return cur, nil, nil
			}

			var failed *api.StepState
			for _, s := range cur.Steps {
				if s.Status == api.StepFailed {
					failed = s
					break
				}
			}

			now := a.now()
			if failed == nil {
				next := cur.SetStatus(api.FlowCompleted).
					SetCompletedAt(now).
					SetCurrent(cur.TotalSteps, "")
				next = next.AppendEvent(
					audit(api.EventTypeFlowCompleted, "flow completed", now),
					a.config.EventTailLength)
				return next, []*bus.Event{
					flowEvent(api.EventTypeFlowCompleted, next),
				}, nil
			}

			msg := "step failed"
			if failed.Error != nil {
				msg = failed.Error.Message
			}
			next := cur.SetStatus(api.FlowFailed).
				SetCompletedAt(now).
				SetLastError(fmt.Sprintf("step %s: %s", failed.Name, msg))
			next = next.AppendEvent(
				audit(api.EventTypeFlowFailed, next.LastError, now),
				a.config.EventTailLength)
			return next, []*bus.Event{
				flowEvent(api.EventTypeFlowFailed, next),
			}, nil
		})
	if err != nil {
		a.logger.Error("finalize failed",
			log.FlowID(a.flowID), log.Error(err))
	}
}

// parkFlow pauses a flow whose only remaining work is backoff retries
func (a *flowActor) parkFlow() {
	_, err := a.update(a.ctx, a.flowID,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			if cur.Status != api.FlowRunning ||
				cur.CountStepStatus(api.StepPaused) == 0 ||
				cur.CountStepStatus(api.StepInProgress) > 0 {
				return cur, nil, nil
			}
			now := a.now()
			next := cur.SetPaused(
				api.PauseRetryBackoff, "awaiting retry backoff", now)
			next = next.AppendEvent(
				audit(api.EventTypeFlowPaused, "retry backoff", now),
				a.config.EventTailLength)
			return next, []*bus.Event{
				flowEvent(api.EventTypeFlowPaused, next),
			}, nil
		})
	if err != nil {
		a.logger.Error("park failed",
			log.FlowID(a.flowID), log.Error(err))
	}
}

// failFlow fails a flow on a scheduler-internal fault, skipping whatever
// has not run
func (a *flowActor) failFlow(cause error) {
	_, err := a.update(a.ctx, a.flowID,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			if cur.Status.IsTerminal() {
				return cur, nil, nil
			}
			now := a.now()
			next := cur.SetStatus(api.FlowFailed).
				SetCompletedAt(now).
				SetLastError(cause.Error()).
				ClearPause()
			next = skipRemaining(next)
			next = next.AppendEvent(
				audit(api.EventTypeEngineError, cause.Error(), now),
				a.config.EventTailLength)
			return next, []*bus.Event{
				flowEvent(api.EventTypeFlowFailed, next),
				{Type: api.EventTypeEngineError, Data: cause.Error()},
			}, nil
		})
	if err != nil {
		a.logger.Error("fail transition failed",
			log.FlowID(a.flowID), log.Error(err))
	}
}

// skipRemaining marks every non-terminal step Skipped so terminal flows
// never carry live steps
func skipRemaining(st *api.FlowState) *api.FlowState {
	res := st
	for _, s := range st.Steps {
		if s.Status.IsTerminal() {
			continue
		}
		res = res.SetStep(s.Index,
			s.SetStatus(api.StepSkipped).SetResumeAt(timeZero))
	}
	return res
}
