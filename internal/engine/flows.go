package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/pkg/api"
	"github.com/paywise/flowengine/pkg/log"
)

// startRequest is the internal form of a flow start, shared by the public
// surface and child flow triggering
type startRequest struct {
	flowType      api.FlowType
	init          api.Args
	correlationID api.CorrelationID
	userID        api.UserID
	triggeredBy   *api.FlowRef
}

// newFlowID mints a flow identifier with the sanitized flow type as a
// readable prefix
func newFlowID(ft api.FlowType) api.FlowID {
	prefix := api.SanitizeID(string(ft))
	if prefix == "" {
		return api.FlowID(uuid.NewString())
	}
	return api.FlowID(prefix + "-" + uuid.NewString())
}

// StartFlow creates and begins a new flow instance
func (e *Engine) StartFlow(
	ctx context.Context, req *api.StartFlowRequest,
) (*api.FlowStartedResponse, error) {
	st, err := e.startFlow(ctx, &startRequest{
		flowType:      req.Type,
		init:          req.Init,
		correlationID: req.CorrelationID,
		userID:        req.UserID,
	})
	if err != nil {
		return nil, err
	}
	return &api.FlowStartedResponse{
		FlowID:  st.ID,
		Version: st.Version,
	}, nil
}

// startFlow walks the required Initializing then Ready transitions with a
// snapshot at each; the actor picks the flow up for Running
func (e *Engine) startFlow(
	ctx context.Context, req *startRequest,
) (*api.FlowState, error) {
	defs, err := e.catalog.Resolve(req.flowType)
	if err != nil {
		return nil, err
	}

	now := e.now()
	data := api.DataContext{}
	for key, raw := range req.init {
		v, err := api.NewValue(raw, "", now)
		if err != nil {
			return nil, fmt.Errorf("init value %s: %w", key, err)
		}
		data[key] = v
	}

	steps := make([]*api.StepState, len(defs))
	for i, d := range defs {
		steps[i] = d.Instantiate(i, "")
	}

	st := &api.FlowState{
		ID:            newFlowID(req.flowType),
		Type:          req.flowType,
		CorrelationID: req.correlationID,
		UserID:        req.userID,
		Status:        api.FlowInitializing,
		CreatedAt:     now,
		Data:          data,
		Steps:         steps,
		TotalSteps:    len(steps),
		TriggeredBy:   req.triggeredBy,
		Version:       1,
		SchemaVersion: api.SnapshotSchemaVersion,
	}
	st = st.AppendEvent(
		audit(api.EventTypeFlowStarted, "flow created", now),
		e.config.EventTailLength)

	if err := e.store.Create(ctx, st); err != nil {
		return nil, err
	}
	e.publish(st, []*bus.Event{flowEvent(api.EventTypeFlowStarted, st)})

	st, err = e.update(ctx, st.ID,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			if cur.Status != api.FlowInitializing {
				return cur, nil, nil
			}
			next := cur.SetStatus(api.FlowReady)
			return next, []*bus.Event{
				flowEvent(api.EventTypeFlowStatusChanged, next),
			}, nil
		})
	if err != nil {
		return nil, err
	}

	e.logger.Info("flow started",
		log.FlowID(st.ID),
		log.FlowType(st.Type),
		log.CorrelationID(st.CorrelationID))

	e.wake(st.ID)
	return st, nil
}

// GetFlow returns the latest committed snapshot of a flow
func (e *Engine) GetFlow(
	ctx context.Context, id api.FlowID,
) (*api.FlowState, error) {
	return e.store.Get(ctx, id)
}

// ListFlows returns a page of flow digests matching the filter
func (e *Engine) ListFlows(
	ctx context.Context, filter *api.FlowFilter, page *api.Page,
) (*api.FlowsListResponse, error) {
	return e.store.List(ctx, filter, page)
}

// Statistics reports flow counts per lifecycle status
func (e *Engine) Statistics(
	ctx context.Context,
) (*api.StatisticsResponse, error) {
	counts, err := e.store.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	return &api.StatisticsResponse{Counts: counts}, nil
}

// PauseFlow pauses a running flow at its next step boundary. A step already
// executing is never interrupted; it finishes and its result is recorded,
// but nothing further launches
func (e *Engine) PauseFlow(
	ctx context.Context, id api.FlowID, message string,
) (*api.FlowState, error) {
	return e.update(ctx, id,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			if !flowTransitions.CanTransition(
				cur.Status, api.FlowPaused,
			) {
				return nil, nil, fmt.Errorf(
					"%w: cannot pause flow in status %s",
					ErrInvalidTransition, cur.Status)
			}
			now := e.now()
			next := cur.SetPaused(api.PauseRequested, message, now)
			next = next.AppendEvent(
				audit(api.EventTypeFlowPaused, message, now),
				e.config.EventTailLength)
			return next, []*bus.Event{
				flowEvent(api.EventTypeFlowPaused, next),
			}, nil
		})
}

// ResumeFlow puts a paused flow back into Running, returning parked retry
// steps to Pending. Flows awaiting child completion resume on their own
func (e *Engine) ResumeFlow(
	ctx context.Context, id api.FlowID,
) (*api.FlowState, error) {
	st, err := e.update(ctx, id,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			if cur.Status != api.FlowPaused {
				return nil, nil, fmt.Errorf(
					"%w: cannot resume flow in status %s",
					ErrInvalidTransition, cur.Status)
			}
			if cur.PauseReason == api.PauseAwaitingChildFlow {
				return nil, nil, fmt.Errorf(
					"%w: flow is awaiting child flows",
					ErrInvalidTransition)
			}

			now := e.now()
			next := cur.SetStatus(api.FlowRunning).ClearPause()
			for _, s := range next.Steps {
				if s.Status == api.StepPaused {
					next = next.SetStep(s.Index,
						s.SetStatus(api.StepPending).
							SetResumeAt(timeZero))
				}
			}
			next = next.AppendEvent(
				audit(api.EventTypeFlowResumed, "flow resumed", now),
				e.config.EventTailLength)
			return next, []*bus.Event{
				flowEvent(api.EventTypeFlowResumed, next),
			}, nil
		})
	if err != nil {
		return nil, err
	}

	e.retries.RemoveFlow(id)
	e.wake(id)
	return st, nil
}

// CancelFlow cancels a flow. The request is routed through the flow's
// actor: with a step executing, the flow-wide cancellation signal fires and
// the transition lands when the step returns, so the returned snapshot may
// still show the pre-cancel status
func (e *Engine) CancelFlow(
	ctx context.Context, id api.FlowID, reason string,
) (*api.FlowState, error) {
	st, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot cancel flow in status %s",
			ErrInvalidTransition, st.Status)
	}

	reply := make(chan opReply, 1)
	e.signalActor(id, flowSignal{
		kind:   signalCancel,
		reason: reason,
		reply:  reply,
	})

	select {
	case r := <-reply:
		return r.state, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RetryFlow re-enters a failed flow by returning its failed steps to
// Pending with a fresh attempt budget
func (e *Engine) RetryFlow(
	ctx context.Context, id api.FlowID,
) (*api.FlowState, error) {
	st, err := e.update(ctx, id,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			if cur.Status != api.FlowFailed {
				return nil, nil, fmt.Errorf(
					"%w: cannot retry flow in status %s",
					ErrInvalidTransition, cur.Status)
			}

			now := e.now()
			next := cur.SetStatus(api.FlowRunning).
				SetLastError("").
				SetCompletedAt(timeZero)
			for _, s := range next.Steps {
				if s.Status == api.StepFailed {
					next = next.SetStep(s.Index,
						s.SetStatus(api.StepPending).
							SetAttempts(0).
							ClearError().
							SetResumeAt(timeZero))
				}
			}
			next = next.AppendEvent(
				audit(api.EventTypeFlowRetried, "flow retried", now),
				e.config.EventTailLength)
			return next, []*bus.Event{
				flowEvent(api.EventTypeFlowRetried, next),
			}, nil
		})
	if err != nil {
		return nil, err
	}

	e.wake(id)
	return st, nil
}

// ResolveFlow force-completes a failed flow, skipping whatever has not run.
// The reason is mandatory and recorded in the audit tail
func (e *Engine) ResolveFlow(
	ctx context.Context, id api.FlowID, reason string,
) (*api.FlowState, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: resolve requires a reason",
			ErrInvalidTransition)
	}

	st, err := e.update(ctx, id,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			if cur.Status != api.FlowFailed {
				return nil, nil, fmt.Errorf(
					"%w: cannot resolve flow in status %s",
					ErrInvalidTransition, cur.Status)
			}

			now := e.now()
			next := cur.SetStatus(api.FlowCompleted).
				SetCompletedAt(now).
				SetLastError("")
			next = skipRemaining(next)
			next = next.AppendEvent(
				audit(api.EventTypeManuallyResolved, reason, now),
				e.config.EventTailLength)
			return next, []*bus.Event{
				flowEvent(api.EventTypeManuallyResolved, next),
			}, nil
		})
	if err != nil {
		return nil, err
	}

	e.logger.Info("flow manually resolved",
		log.FlowID(id),
		log.Version(st.Version),
		log.ErrorString(reason))
	return st, nil
}

// Batch applies one operation across several flows, reporting per-item
// outcomes and publishing a single aggregate result on the bus
func (e *Engine) Batch(
	ctx context.Context, req *api.BatchRequest,
) (*api.BatchResult, error) {
	res := &api.BatchResult{
		Operation: req.Operation,
		Results:   make([]*api.BatchItemResult, 0, len(req.FlowIDs)),
	}

	for _, id := range req.FlowIDs {
		var st *api.FlowState
		var err error
		switch req.Operation {
		case api.BatchPause:
			st, err = e.PauseFlow(ctx, id, req.Reason)
		case api.BatchResume:
			st, err = e.ResumeFlow(ctx, id)
		case api.BatchCancel:
			st, err = e.CancelFlow(ctx, id, req.Reason)
		case api.BatchRetry:
			st, err = e.RetryFlow(ctx, id)
		default:
			return nil, fmt.Errorf("%w: %s",
				ErrUnknownBatchOp, req.Operation)
		}

		item := &api.BatchItemResult{FlowID: id, OK: err == nil}
		if err != nil {
			item.Error = err.Error()
			res.FailureCount++
		} else {
			item.Version = st.Version
			res.SuccessCount++
		}
		res.Results = append(res.Results, item)
	}

	e.bus.Publish(&bus.Event{
		Type:      api.EventTypeBatchResult,
		Data:      res,
		Timestamp: e.now(),
	})
	return res, nil
}
