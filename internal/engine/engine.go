// Package engine drives flow execution. Each live flow is owned by a
// per-flow actor goroutine that serializes scheduling decisions; every
// externally observable transition is committed to the durable store with
// compare-and-set before its events are published
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/internal/catalog"
	"github.com/paywise/flowengine/internal/config"
	"github.com/paywise/flowengine/internal/store"
	"github.com/paywise/flowengine/pkg/api"
	"github.com/paywise/flowengine/pkg/log"
)

type (
	// Engine is the orchestrator surface over the store, catalog, and bus
	Engine struct {
		store   *store.Store
		catalog *catalog.Catalog
		bus     *bus.Bus
		config  *config.Config
		logger  *slog.Logger
		lua     *LuaEnv
		retries *RetryQueue
		ctx     context.Context
		cancel  context.CancelFunc
		now     func() time.Time
		wg      sync.WaitGroup
		flows   sync.Map // map[api.FlowID]*flowActor
	}

	// Option configures an Engine at construction time
	Option func(*Engine)

	// mutator computes the successor snapshot for a CAS commit. Returning
	// the input state unchanged makes the update a no-op
	mutator func(*api.FlowState) (*api.FlowState, []*bus.Event, error)
)

const casRetryLimit = 5

// WithClock overrides the engine's time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine over the given store, catalog, and event bus
func New(
	st *store.Store, cat *catalog.Catalog, b *bus.Bus,
	cfg *config.Config, logger *slog.Logger, opts ...Option,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   st,
		catalog: cat,
		bus:     b,
		config:  cfg,
		logger:  logger,
		lua:     NewLuaEnv(),
		retries: NewRetryQueue(),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the step catalog the engine schedules from
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Start restores non-terminal flows and begins the retry and archive loops
func (e *Engine) Start() {
	e.logger.Info("engine starting")

	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	if err := e.Restore(ctx); err != nil {
		e.logger.Error("restore failed", log.Error(err))
	}

	go e.retryLoop()
	if e.config.ArchiveBucketURL != "" {
		go e.archiveLoop()
	}
}

// Stop shuts the engine down, waiting for in-flight steps up to the
// configured shutdown timeout
func (e *Engine) Stop() error {
	e.cancel()
	e.retries.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped")
		return nil
	case <-time.After(e.config.ShutdownTimeout):
		return ErrShutdownTimeout
	}
}

// update loads the latest snapshot, applies the mutator, and commits the
// result with CAS. A lost CAS race reloads and reapplies; the mutator must
// be safe to re-run against a fresher snapshot
func (e *Engine) update(
	ctx context.Context, id api.FlowID, fn mutator,
) (*api.FlowState, error) {
	var lastErr error
	for range casRetryLimit {
		prev, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next, events, err := fn(prev)
		if err != nil {
			return nil, err
		}
		if next == prev {
			return prev, nil
		}

		if err := validateStepTransitions(prev, next); err != nil {
			return nil, err
		}

		next = next.SetVersion(prev.Version + 1)
		if err := e.store.Put(ctx, prev, next); err != nil {
			if CodeOf(err) == CodeConflict {
				lastErr = err
				continue
			}
			return nil, err
		}

		e.publish(next, events)
		return next, nil
	}
	return nil, lastErr
}

// publish stamps events with the committed snapshot's version as their
// sequence number and fans them out on the bus
func (e *Engine) publish(st *api.FlowState, events []*bus.Event) {
	now := e.now()
	for _, ev := range events {
		if ev.FlowID == "" {
			ev.FlowID = st.ID
		}
		ev.Sequence = st.Version
		ev.Timestamp = now
		patchSequence(ev, st.Version)
		e.bus.Publish(ev)
	}
}

// wake routes a scheduling signal to the flow's actor, creating the actor
// if the flow has gone idle
func (e *Engine) wake(flowID api.FlowID) {
	e.signalActor(flowID, flowSignal{kind: signalTick})
}

func (e *Engine) signalActor(flowID api.FlowID, sig flowSignal) {
	for {
		actor, loaded := e.flows.Load(flowID)
		if !loaded {
			fa := newFlowActor(e, flowID)
			actor, loaded = e.flows.LoadOrStore(flowID, fa)
			if !loaded {
				e.wg.Add(1)
				go fa.run()
			}
		}
		if actor.(*flowActor).send(sig) {
			return
		}
		// actor exited between Load and send; retry against a fresh one
	}
}

func (e *Engine) getActor(flowID api.FlowID) (*flowActor, bool) {
	actor, ok := e.flows.Load(flowID)
	if !ok {
		return nil, false
	}
	return actor.(*flowActor), true
}
