package helpers

import (
	"context"
	"sync"

	"github.com/paywise/flowengine/pkg/api"
)

// Recorder counts handler invocations per step and preserves launch order
type Recorder struct {
	mu     sync.Mutex
	counts map[api.StepName]int
	order  []api.StepName
}

// NewRecorder creates an empty invocation recorder
func NewRecorder() *Recorder {
	return &Recorder{counts: map[api.StepName]int{}}
}

func (r *Recorder) record(name api.StepName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
	r.order = append(r.order, name)
}

// Count returns the number of invocations of one step
func (r *Recorder) Count(name api.StepName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// Order returns the invocation order observed so far
func (r *Recorder) Order() []api.StepName {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.StepName{}, r.order...)
}

// Wrap records every invocation before delegating to the handler
func (r *Recorder) Wrap(
	name api.StepName, h api.StepHandler,
) api.StepHandler {
	return func(ctx context.Context, sc *api.StepContext) (
		*api.StepResult, error,
	) {
		r.record(name)
		return h(ctx, sc)
	}
}

// NewStep creates a step definition whose handler always succeeds
func NewStep(name api.StepName) *api.StepDefinition {
	return &api.StepDefinition{
		Name:       name,
		IsCritical: true,
		Handler: func(context.Context, *api.StepContext) (
			*api.StepResult, error,
		) {
			return api.NewResult(), nil
		},
	}
}

// NewOutputStep creates a step whose handler writes one data context value
func NewOutputStep(
	name api.StepName, key api.Name, value any,
) *api.StepDefinition {
	kind, _ := api.KindOf(value)
	d := NewStep(name)
	d.Outputs = map[api.Name]api.ValueKind{key: kind}
	d.Handler = func(context.Context, *api.StepContext) (
		*api.StepResult, error,
	) {
		return api.NewResult().WithOutput(key, value), nil
	}
	return d
}

// NewFailingStep creates a step whose handler always fails with the given
// error kind
func NewFailingStep(
	name api.StepName, kind api.ErrorKind,
) *api.StepDefinition {
	d := NewStep(name)
	d.Handler = func(context.Context, *api.StepContext) (
		*api.StepResult, error,
	) {
		return nil, &api.StepError{
			Message: "handler failed",
			Kind:    kind,
		}
	}
	return d
}

// NewFlakyStep creates a step that fails transiently the given number of
// times before succeeding
func NewFlakyStep(name api.StepName, failures int) *api.StepDefinition {
	var mu sync.Mutex
	remaining := failures

	d := NewStep(name)
	d.Handler = func(context.Context, *api.StepContext) (
		*api.StepResult, error,
	) {
		mu.Lock()
		defer mu.Unlock()
		if remaining > 0 {
			remaining--
			return nil, &api.StepError{
				Message: "transient failure",
				Kind:    api.ErrKindTransient,
			}
		}
		return api.NewResult(), nil
	}
	return d
}

// NewBlockingStep creates a step that blocks until its context is cancelled
// and signals on started once the handler is running
func NewBlockingStep(
	name api.StepName, started chan<- struct{},
) *api.StepDefinition {
	d := NewStep(name)
	d.Handler = func(ctx context.Context, _ *api.StepContext) (
		*api.StepResult, error,
	) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d
}

// NewTriggerStep creates a step that spawns a child flow and, when await is
// set, holds its own completion until the child finishes
func NewTriggerStep(
	name api.StepName, childType api.FlowType, await bool,
) *api.StepDefinition {
	d := NewStep(name)
	d.AwaitTriggered = await
	d.Handler = func(context.Context, *api.StepContext) (
		*api.StepResult, error,
	) {
		return api.NewResult().WithTrigger(childType, nil), nil
	}
	return d
}
