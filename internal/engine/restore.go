package engine

import (
	"context"
	"fmt"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/pkg/api"
	"github.com/paywise/flowengine/pkg/log"
)

// Restore reconciles every non-terminal flow in the store with the current
// catalog and resumes execution. Steps caught mid-flight by the previous
// shutdown are relaunched when idempotent and put through the failure policy
// when not
func (e *Engine) Restore(ctx context.Context) error {
	ids, err := e.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("restore list: %w", err)
	}

	restored := 0
	for _, id := range ids {
		if err := e.restoreFlow(ctx, id); err != nil {
			e.logger.Error("flow restore failed",
				log.FlowID(id), log.Error(err))
			continue
		}
		restored++
	}

	e.logger.Info("restore complete",
		"flows", len(ids), "restored", restored)
	return nil
}

func (e *Engine) restoreFlow(ctx context.Context, id api.FlowID) error {
	st, err := e.update(ctx, id, e.reconcile)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return nil
	}

	for _, s := range st.Steps {
		if s.Status == api.StepPaused && !s.ResumeAt.IsZero() {
			e.retries.Push(&RetryItem{
				FlowID:   id,
				Step:     s.Name,
				ResumeAt: s.ResumeAt,
			})
		}
	}

	switch {
	case st.Status == api.FlowReady || st.Status == api.FlowRunning:
		e.wake(id)
	case st.Status == api.FlowPaused &&
		st.PauseReason == api.PauseAwaitingChildFlow:
		// the actor re-arms the child subscriptions
		e.wake(id)
	}
	return nil
}

// reconcile computes the post-restart snapshot for one flow. A flow whose
// catalog entry no longer covers its steps fails outright; otherwise each
// step interrupted mid-execution is returned to Pending if idempotent or
// treated as a failed attempt if not
func (e *Engine) reconcile(
	cur *api.FlowState,
) (*api.FlowState, []*bus.Event, error) {
	now := e.now()

	for _, s := range cur.Steps {
		if s.Status.IsTerminal() {
			continue
		}
		if _, err := e.catalog.Lookup(cur.Type, s.Name); err != nil {
			msg := fmt.Sprintf("catalog drift: step %s", s.Name)
			next := cur.SetStatus(api.FlowFailed).
				SetCompletedAt(now).
				SetLastError(msg).
				ClearPause()
			next = skipRemaining(next)
			next = next.AppendEvent(
				audit(api.EventTypeEngineError, msg, now),
				e.config.EventTailLength)
			return next, []*bus.Event{
				flowEvent(api.EventTypeFlowFailed, next),
				{Type: api.EventTypeEngineError, Data: msg},
			}, nil
		}
	}

	next := cur
	var events []*bus.Event
	changed := false

	for _, s := range cur.Steps {
		if s.Status != api.StepInProgress {
			continue
		}
		live := next.Steps[s.Index]

		if live.AwaitTriggered && len(live.TriggeredFlows) > 0 {
			// still awaiting children; the subscription is re-armed
			continue
		}

		changed = true
		if live.IsIdempotent {
			attempts := max(live.Attempts-1, 0)
			upd := live.SetStatus(api.StepPending).
				SetAttempts(attempts).
				SetResumeAt(timeZero)
			next = next.SetStep(upd.Index, upd)
			events = append(events, stepEvent(next, upd))
			continue
		}

		failed, evs := e.applyFailure(next, live, &api.StepError{
			Message: "step interrupted by engine restart",
			Kind:    api.ErrKindInterrupted,
		}, now)
		next = failed
		events = append(events, evs...)
	}

	if !changed {
		return cur, nil, nil
	}

	next = next.AppendEvent(
		audit(api.EventTypeFlowRestored, "flow restored after restart", now),
		e.config.EventTailLength)
	events = append(events, flowEvent(api.EventTypeFlowRestored, next))
	return next, events, nil
}
