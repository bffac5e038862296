package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/pkg/api"
	"github.com/paywise/flowengine/pkg/log"
)

var timeZero time.Time

// executeStep runs one launched step to completion and reports the outcome
// back to the actor
func (a *flowActor) executeStep(st *api.FlowState, step *api.StepState) {
	defer a.wg.Done()

	result, err := a.invokeHandler(st, step)
	if !a.send(flowSignal{
		kind:   signalStepDone,
		step:   step.Name,
		result: result,
		err:    err,
	}) {
		a.logger.Warn("step result dropped during shutdown",
			log.FlowID(a.flowID), log.StepName(step.Name))
	}
}

// invokeHandler resolves the step's handler from the catalog and runs it
// under the flow cancellation signal and the step deadline. Handlers are not
// forcibly stopped on timeout; the deadline result wins and the handler
// goroutine is left to observe its context
func (a *flowActor) invokeHandler(
	st *api.FlowState, step *api.StepState,
) (*api.StepResult, error) {
	def, err := a.catalog.Lookup(st.Type, step.Name)
	if err != nil || def.Handler == nil {
		return nil, fmt.Errorf("%w: %s", ErrCatalogDrift, step.Name)
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = a.config.DefaultStepTimeout
	}
	ctx, cancel := context.WithTimeout(a.stepCtx, timeout)
	defer cancel()

	sc := &api.StepContext{
		Data:     st.Data.Args(),
		FlowID:   st.ID,
		FlowType: st.Type,
		Step:     step.Name,
		Attempt:  step.Attempts,
	}

	type outcome struct {
		result *api.StepResult
		err    error
	}
	out := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: &api.StepError{
					Message:    fmt.Sprintf("step panic: %v", r),
					Kind:       api.ErrKindInternal,
					StackTrace: string(debug.Stack()),
				}}
			}
		}()
		result, err := def.Handler(ctx, sc)
		out <- outcome{result: result, err: err}
	}()

	select {
	case o := <-out:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classify turns a handler outcome into a classified step error, or nil on
// success. An unsuccessful result and a returned error are equivalent
func classify(err error, result *api.StepResult) *api.StepError {
	if err == nil {
		if result != nil && result.Success {
			return nil
		}
		msg := "step reported failure"
		if result != nil && result.Message != "" {
			msg = result.Message
		}
		return &api.StepError{Message: msg, Kind: api.ErrKindTransient}
	}

	var se *api.StepError
	switch {
	case errors.As(err, &se):
		kind := se.Kind
		if kind == "" {
			kind = api.ErrKindTransient
		}
		return &api.StepError{
			Message:    se.Message,
			Kind:       kind,
			StackTrace: se.StackTrace,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &api.StepError{
			Message: "step timed out",
			Kind:    api.ErrKindTimeout,
		}
	case errors.Is(err, context.Canceled):
		return &api.StepError{
			Message: "step cancelled",
			Kind:    api.ErrKindCancelled,
		}
	case errors.Is(err, ErrCatalogDrift):
		return &api.StepError{
			Message: err.Error(),
			Kind:    api.ErrKindInternal,
		}
	default:
		return &api.StepError{
			Message: err.Error(),
			Kind:    api.ErrKindTransient,
		}
	}
}

// isRetryable reports whether the retry policy applies to an error kind.
// Business errors never retry; internal faults fail the flow for operator
// review; cancellation is fatal to the step
func isRetryable(kind api.ErrorKind) bool {
	switch kind {
	case api.ErrKindTransient, api.ErrKindTimeout, api.ErrKindInterrupted:
		return true
	default:
		return false
	}
}

// onStepFinished commits the outcome of a finished step. Children are
// started before the commit so their identifiers land in the same snapshot
// as the step transition
func (a *flowActor) onStepFinished(
	name api.StepName, result *api.StepResult, execErr error,
) {
	stepErr := classify(execErr, result)

	var children []*childRecord
	if stepErr == nil && result != nil && len(result.TriggeredFlows) > 0 {
		children = a.startChildren(name, result.TriggeredFlows)
	}

	var parked *api.StepState
	var awaiting []api.FlowID

	st, err := a.update(a.ctx, a.flowID,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			parked = nil
			awaiting = awaiting[:0]

			idx := cur.StepIndex(name)
			if idx < 0 {
				return cur, nil, nil
			}
			s := cur.Steps[idx]
			if s.Status != api.StepInProgress {
				return cur, nil, nil
			}

			now := a.now()
			if stepErr == nil {
				next, events, ok := a.applySuccess(
					cur, s, result, children, now)
				if !ok {
					return next, events, nil
				}
				if s.AwaitTriggered && len(children) > 0 {
					for _, c := range children {
						awaiting = append(awaiting, c.state.ID)
					}
				}
				return next, events, nil
			}

			next, events := a.applyFailure(cur, s, stepErr, now)
			if ps := next.GetStep(name); ps != nil &&
				ps.Status == api.StepPaused {
				parked = ps
			}
			return next, events, nil
		})
	if err != nil {
		a.failFlow(fmt.Errorf("step commit: %w", err))
		return
	}

	if parked != nil {
		a.retries.Push(&RetryItem{
			FlowID:   a.flowID,
			Step:     parked.Name,
			ResumeAt: parked.ResumeAt,
		})
	}
	if len(awaiting) > 0 {
		a.registerAwait(name, awaiting)
	}

	if a.pendingCancel != nil && a.running.IsEmpty() {
		reason := *a.pendingCancel
		a.pendingCancel = nil
		if _, err := a.finalizeCancel(reason); err != nil {
			a.logger.Error("cancel finalize failed",
				log.FlowID(a.flowID), log.Error(err))
		}
		return
	}
	_ = st
}

// applySuccess merges the step's writes into the data context, records the
// result, and splices any selected branch. Returns ok=false when the write
// set violates an invariant and the returned state already carries the
// failed flow
func (e *Engine) applySuccess(
	cur *api.FlowState, s *api.StepState, result *api.StepResult,
	children []*childRecord, now time.Time,
) (*api.FlowState, []*bus.Event, bool) {
	next := cur
	if result != nil {
		var werr error
		next, werr = applyWrites(next, s, result, now)
		if werr != nil {
			failed, events := failInPlace(next, s, &api.StepError{
				Message: werr.Error(),
				Kind:    api.ErrKindInternal,
			}, now, e.config.EventTailLength)
			return failed, events, false
		}
	}

	upd := s.SetResult(result).ClearError().SetResumeAt(timeZero)
	for _, c := range children {
		upd = upd.AddTriggeredFlow(c.record)
	}

	var events []*bus.Event
	for _, c := range children {
		events = append(events, childEvent(cur, s.Name, c.state))
	}

	if s.AwaitTriggered && len(children) > 0 {
		// the step completes when its children do
		next = next.SetStep(upd.Index, upd)
		next = next.SetPaused(api.PauseAwaitingChildFlow,
			fmt.Sprintf("step %s awaiting %d child flows",
				s.Name, len(children)), now)
		next = next.AppendEvent(
			audit(api.EventTypeFlowPaused, "awaiting child flows", now),
			e.config.EventTailLength)
		events = append(events, flowEvent(api.EventTypeFlowPaused, next))
		return next, events, true
	}

	upd = upd.SetStatus(api.StepCompleted)
	next = next.SetStep(upd.Index, upd)

	if len(s.Branches) > 0 {
		hint := ""
		if result != nil {
			hint = result.BranchHint
		}
		spliced, branchEvents, err := e.selectBranch(next, upd, hint, now)
		if err != nil {
			failed, events := failInPlace(next, upd, &api.StepError{
				Message: err.Error(),
				Kind:    api.ErrKindInternal,
			}, now, e.config.EventTailLength)
			return failed, events, false
		}
		next = spliced
		events = append(events, branchEvents...)
	}

	next = next.AppendEvent(
		audit(api.EventTypeStepStatusChanged,
			fmt.Sprintf("step %s completed", s.Name), now),
		e.config.EventTailLength)
	events = append(events, stepEvent(next, next.GetStep(s.Name)))
	return next, events, true
}

// applyWrites validates and applies a step's proposed data context writes.
// Overwriting requires an output declaration; concurrent writers of the
// same declared output conflict
func applyWrites(
	st *api.FlowState, s *api.StepState, result *api.StepResult,
	now time.Time,
) (*api.FlowState, error) {
	next := st
	for key, raw := range result.Data {
		if existing, ok := st.Data[key]; ok && existing.Step != s.Name {
			if _, declared := s.Outputs[key]; !declared {
				return st, fmt.Errorf("%w: %s by step %s",
					ErrUndeclaredWrite, key, s.Name)
			}
		}
		for _, other := range st.Steps {
			if other.Name == s.Name ||
				other.Status != api.StepInProgress {
				continue
			}
			if _, conflicts := other.Outputs[key]; conflicts {
				return st, fmt.Errorf("%w: %s between %s and %s",
					ErrConflictingWrite, key, s.Name, other.Name)
			}
		}

		v, err := api.NewValue(raw, s.Name, now)
		if err != nil {
			return st, err
		}
		if declared, ok := s.Outputs[key]; ok && !v.Matches(declared) {
			return st, fmt.Errorf("%w: %s is %s, declared %s",
				api.ErrValueKindMismatch, key, v.Kind, declared)
		}
		next = next.SetValue(key, v)
	}
	return next, nil
}

// applyFailure applies the retry policy to a failed step
func (e *Engine) applyFailure(
	cur *api.FlowState, s *api.StepState, stepErr *api.StepError,
	now time.Time,
) (*api.FlowState, []*bus.Event) {
	if stepErr.Kind == api.ErrKindCancelled {
		upd := s.SetStatus(api.StepFailed).SetError(stepErr)
		next := cur.SetStep(upd.Index, upd)
		return next, []*bus.Event{stepEvent(next, upd)}
	}

	if isRetryable(stepErr.Kind) && s.Attempts <= s.MaxRetries {
		upd := s.SetStatus(api.StepPaused).
			SetError(stepErr).
			SetResumeAt(now.Add(s.RetryDelay))
		next := cur.SetStep(upd.Index, upd)
		next = next.AppendEvent(
			audit(api.EventTypeStepRetryScheduled,
				fmt.Sprintf("step %s retry %d scheduled",
					s.Name, s.Attempts), now),
			e.config.EventTailLength)
		return next, []*bus.Event{
			stepEvent(next, upd),
			retryEvent(next, upd),
		}
	}

	if !s.IsCritical {
		upd := s.SetStatus(api.StepSkipped).SetError(stepErr)
		next := cur.SetStep(upd.Index, upd)
		next = next.AppendEvent(
			audit(api.EventTypeStepStatusChanged,
				fmt.Sprintf("step %s skipped after failure: %s",
					s.Name, stepErr.Message), now),
			e.config.EventTailLength)
		return next, []*bus.Event{stepEvent(next, upd)}
	}

	upd := s.SetStatus(api.StepFailed).SetError(stepErr)
	next := cur.SetStep(upd.Index, upd)
	next = next.AppendEvent(
		audit(api.EventTypeStepStatusChanged,
			fmt.Sprintf("step %s failed: %s", s.Name, stepErr.Message),
			now),
		e.config.EventTailLength)
	return next, []*bus.Event{stepEvent(next, upd)}
}

// failInPlace fails both the step and the flow inside a single commit,
// used for invariant violations detected while applying a result
func failInPlace(
	st *api.FlowState, s *api.StepState, stepErr *api.StepError,
	now time.Time, tail int,
) (*api.FlowState, []*bus.Event) {
	upd := s.SetStatus(api.StepFailed).SetError(stepErr)
	next := st.SetStep(upd.Index, upd)
	next = next.SetStatus(api.FlowFailed).
		SetCompletedAt(now).
		SetLastError(fmt.Sprintf("step %s: %s", s.Name, stepErr.Message)).
		ClearPause()
	next = skipRemaining(next)
	next = next.AppendEvent(
		audit(api.EventTypeFlowFailed, next.LastError, now), tail)
	return next, []*bus.Event{
		stepEvent(next, upd),
		flowEvent(api.EventTypeFlowFailed, next),
	}
}

// finalizeCancel transitions the flow to Cancelled after any running step
// has returned
func (a *flowActor) finalizeCancel(
	reason string,
) (*api.FlowState, error) {
	st, err := a.update(a.ctx, a.flowID,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			if cur.Status.IsTerminal() {
				return cur, nil, nil
			}
			now := a.now()
			desc := "flow cancelled"
			if reason != "" {
				desc = fmt.Sprintf("flow cancelled: %s", reason)
			}
			next := cur.SetStatus(api.FlowCancelled).
				SetCompletedAt(now).
				ClearPause()
			next = skipRemaining(next)
			next = next.AppendEvent(
				audit(api.EventTypeFlowCancelled, desc, now),
				a.config.EventTailLength)
			return next, []*bus.Event{
				flowEvent(api.EventTypeFlowCancelled, next),
			}, nil
		})

	a.retries.RemoveFlow(a.flowID)
	a.cancelAwaits()
	return st, err
}
