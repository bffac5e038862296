package api_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/paywise/flowengine/pkg/api"
)

func twoStepFlow() *api.FlowState {
	return &api.FlowState{
		ID:     "flow-1",
		Type:   "deposit",
		Status: api.FlowRunning,
		Data:   api.DataContext{},
		Steps: []*api.StepState{
			{Name: "validate", Status: api.StepCompleted, Index: 0},
			{Name: "settle", Status: api.StepPending, Index: 1},
		},
		TotalSteps: 2,
		Version:    3,
	}
}

func TestSettersCopyOnWrite(t *testing.T) {
	st := twoStepFlow()

	next := st.SetStatus(api.FlowPaused).
		SetVersion(4).
		SetLastError("boom")

	// the original snapshot is untouched
	assert.Equal(t, api.FlowRunning, st.Status)
	assert.Equal(t, int64(3), st.Version)
	assert.Empty(t, st.LastError)

	assert.Equal(t, api.FlowPaused, next.Status)
	assert.Equal(t, int64(4), next.Version)
	assert.Equal(t, "boom", next.LastError)
}

func TestSetStepClonesSlice(t *testing.T) {
	st := twoStepFlow()

	next := st.SetStep(1, st.Steps[1].SetStatus(api.StepInProgress))

	assert.Equal(t, api.StepPending, st.Steps[1].Status)
	assert.Equal(t, api.StepInProgress, next.Steps[1].Status)
	assert.Same(t, st.Steps[0], next.Steps[0])
}

func TestSetValueClonesDataContext(t *testing.T) {
	st := twoStepFlow()

	v, err := api.NewValue(2500, "validate", time.Now())
	assert.NoError(t, err)
	next := st.SetValue("amount", v)

	assert.Empty(t, st.Data)
	assert.Len(t, next.Data, 1)
	got, ok := next.Data.Get("amount")
	assert.True(t, ok)
	assert.Equal(t, 2500, got)
}

func TestSpliceSteps(t *testing.T) {
	st := twoStepFlow()

	inserted := []*api.StepState{
		{Name: "review", Status: api.StepPending},
		{Name: "approve", Status: api.StepPending},
	}
	next := st.SpliceSteps(0, inserted)

	assert.Equal(t, 4, next.TotalSteps)
	assert.Equal(t, api.StepName("review"), next.Steps[1].Name)
	assert.Equal(t, api.StepName("approve"), next.Steps[2].Name)
	assert.Equal(t, api.StepName("settle"), next.Steps[3].Name)
	for i, s := range next.Steps {
		assert.Equal(t, i, s.Index)
	}

	// the original keeps its shape
	assert.Equal(t, 2, st.TotalSteps)
	assert.Len(t, st.Steps, 2)
}

func TestAppendEventBoundsTail(t *testing.T) {
	st := twoStepFlow()

	for i := range 5 {
		st = st.AppendEvent(&api.FlowEvent{
			Type:        api.EventTypeFlowStatusChanged,
			Description: string(rune('a' + i)),
		}, 3)
	}

	assert.Len(t, st.Events, 3)
	assert.Equal(t, "c", st.Events[0].Description)
	assert.Equal(t, "e", st.Events[2].Description)
}

func TestPauseBookkeeping(t *testing.T) {
	st := twoStepFlow()
	now := time.Now()

	paused := st.SetPaused(api.PauseRequested, "maintenance", now)
	assert.Equal(t, api.FlowPaused, paused.Status)
	assert.Equal(t, api.PauseRequested, paused.PauseReason)
	assert.Equal(t, "maintenance", paused.PauseMessage)
	assert.Equal(t, now, paused.PausedAt)

	cleared := paused.ClearPause()
	assert.Empty(t, cleared.PauseReason)
	assert.Empty(t, cleared.PauseMessage)
	assert.True(t, cleared.PausedAt.IsZero())
}

func TestStepLookupHelpers(t *testing.T) {
	st := twoStepFlow()

	assert.Equal(t, 1, st.StepIndex("settle"))
	assert.Equal(t, -1, st.StepIndex("ghost"))
	assert.Equal(t, api.StepName("settle"), st.GetStep("settle").Name)
	assert.Nil(t, st.GetStep("ghost"))

	assert.Equal(t, 1, st.CountStepStatus(api.StepPending))
	assert.Equal(t, 0, st.CountStepStatus(api.StepFailed))
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, api.FlowCompleted.IsTerminal())
	assert.True(t, api.FlowCancelled.IsTerminal())
	assert.False(t, api.FlowPaused.IsTerminal())

	assert.True(t, api.StepSkipped.IsTerminal())
	assert.False(t, api.StepPaused.IsTerminal())

	// skipped satisfies dependents, failed does not
	assert.True(t, api.StepSkipped.IsSatisfied())
	assert.True(t, api.StepCompleted.IsSatisfied())
	assert.False(t, api.StepFailed.IsSatisfied())
}

func TestInstantiate(t *testing.T) {
	d := &api.StepDefinition{
		Name:         "settle",
		IsCritical:   true,
		IsIdempotent: true,
		MaxRetries:   3,
		RetryDelay:   time.Second,
		Dependencies: []api.StepName{"validate"},
	}

	s := d.Instantiate(2, "review/manual")
	assert.Equal(t, api.StepPending, s.Status)
	assert.Equal(t, 2, s.Index)
	assert.Equal(t, "review/manual", s.BranchPath)
	assert.Equal(t, 3, s.MaxRetries)
	assert.True(t, s.IsCritical)
	assert.True(t, s.IsIdempotent)
	assert.Equal(t, []api.StepName{"validate"}, s.Dependencies)
}

func TestDefinitionHashExcludesHandler(t *testing.T) {
	a := &api.StepDefinition{Name: "work", MaxRetries: 1}
	b := &api.StepDefinition{Name: "work", MaxRetries: 1}
	assert.Equal(t, a.Hash(), b.Hash())

	c := &api.StepDefinition{Name: "work", MaxRetries: 2}
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestBranchDepth(t *testing.T) {
	flat := &api.StepDefinition{Name: "work"}
	assert.Equal(t, 0, flat.BranchDepth())

	nested := &api.StepDefinition{
		Name: "outer",
		Branches: []*api.Branch{{
			Name: "a",
			Steps: []*api.StepDefinition{{
				Name: "inner",
				Branches: []*api.Branch{{
					Name:  "b",
					Steps: []*api.StepDefinition{{Name: "leaf"}},
				}},
			}},
		}},
	}
	assert.Equal(t, 2, nested.BranchDepth())
}

func TestResultBuilders(t *testing.T) {
	res := api.NewResult().
		WithOutput("amount", 2500).
		WithTrigger("kyc", api.Args{"tier": "gold"})

	assert.True(t, res.Success)
	assert.Equal(t, 2500, res.Data["amount"])
	assert.Len(t, res.TriggeredFlows, 1)
	assert.Equal(t, api.FlowType("kyc"), res.TriggeredFlows[0].Type)

	failed := api.NewResult().WithError(assert.AnError)
	assert.False(t, failed.Success)
	assert.Equal(t, assert.AnError.Error(), failed.Message)
}
