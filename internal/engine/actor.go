package engine

import (
	"context"
	"time"

	"github.com/paywise/flowengine/internal/util"
	"github.com/paywise/flowengine/pkg/api"
	"github.com/paywise/flowengine/pkg/log"
)

type (
	// flowActor serializes all scheduling decisions for one flow. It exists
	// only while the flow has work in motion; an idle actor exits and is
	// recreated on the next signal
	flowActor struct {
		*Engine
		flowID        api.FlowID
		signals       chan flowSignal
		done          chan struct{}
		stepCtx       context.Context
		stepCancel    context.CancelFunc
		running       util.Set[api.StepName]
		awaits        map[api.StepName]*childAwait
		pendingCancel *string
	}

	signalKind int

	flowSignal struct {
		kind   signalKind
		step   api.StepName
		result *api.StepResult
		err    error
		reason string
		reply  chan opReply
	}

	opReply struct {
		state *api.FlowState
		err   error
	}
)

const (
	signalTick signalKind = iota
	signalStepDone
	signalChildDone
	signalCancel
)

const (
	actorIdleTimeout = 100 * time.Millisecond
	actorSignalDepth = 64
)

func newFlowActor(e *Engine, flowID api.FlowID) *flowActor {
	stepCtx, stepCancel := context.WithCancel(e.ctx)
	return &flowActor{
		Engine:     e,
		flowID:     flowID,
		signals:    make(chan flowSignal, actorSignalDepth),
		done:       make(chan struct{}),
		stepCtx:    stepCtx,
		stepCancel: stepCancel,
		running:    util.Set[api.StepName]{},
		awaits:     map[api.StepName]*childAwait{},
	}
}

// send delivers a signal unless the actor has already exited
func (a *flowActor) send(sig flowSignal) bool {
	select {
	case a.signals <- sig:
		return true
	case <-a.done:
		return false
	}
}

func (a *flowActor) run() {
	defer a.wg.Done()
	defer close(a.done)
	defer a.flows.Delete(a.flowID)
	defer a.stepCancel()

	idle := time.NewTimer(actorIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case sig := <-a.signals:
			a.handle(sig)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(actorIdleTimeout)

		case <-idle.C:
			select {
			case sig := <-a.signals:
				a.handle(sig)
				idle.Reset(actorIdleTimeout)
			default:
				if a.busy() {
					idle.Reset(actorIdleTimeout)
					continue
				}
				return
			}

		case <-a.ctx.Done():
			return
		}
	}
}

// busy reports whether the actor must stay alive: steps executing, children
// awaited, or a cancellation still to be finalized
func (a *flowActor) busy() bool {
	return !a.running.IsEmpty() ||
		len(a.awaits) > 0 ||
		a.pendingCancel != nil
}

func (a *flowActor) handle(sig flowSignal) {
	switch sig.kind {
	case signalTick:
		a.drive()

	case signalStepDone:
		a.running.Remove(sig.step)
		a.onStepFinished(sig.step, sig.result, sig.err)
		a.drive()

	case signalChildDone:
		a.onChildrenDone(sig.step)
		a.drive()

	case signalCancel:
		a.handleCancel(sig.reason, sig.reply)
	}
}

// handleCancel applies an external cancel request. With a step executing,
// the flow-wide signal fires and finalization waits for the step to return;
// otherwise the flow transitions immediately
func (a *flowActor) handleCancel(reason string, reply chan opReply) {
	if !a.running.IsEmpty() {
		a.pendingCancel = &reason
		a.stepCancel()
		st, err := a.store.Get(a.ctx, a.flowID)
		reply <- opReply{state: st, err: err}
		return
	}

	st, err := a.finalizeCancel(reason)
	if err != nil {
		a.logger.Error("cancel failed",
			log.FlowID(a.flowID), log.Error(err))
	}
	reply <- opReply{state: st, err: err}
}
