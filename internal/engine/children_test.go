package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paywise/flowengine/internal/assert/helpers"
	"github.com/paywise/flowengine/pkg/api"
)

func registerChildFlow(t *testing.T, env *helpers.TestEnv) {
	t.Helper()
	assert.NoError(t, env.Catalog.Register("child",
		[]*api.StepDefinition{helpers.NewStep("child-work")}))
}

func TestTriggeredChildRunsIndependently(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEnv) {
		ctx := context.Background()
		registerChildFlow(t, env)

		trigger := helpers.NewTriggerStep("spawn", "child", false)
		assert.NoError(t, env.Catalog.Register("parent",
			[]*api.StepDefinition{trigger}))

		res, err := env.Engine.StartFlow(ctx, &api.StartFlowRequest{
			Type:          "parent",
			CorrelationID: "corr-42",
		})
		assert.NoError(t, err)

		flow := env.WaitForStatus(t, res.FlowID, api.FlowCompleted)
		step := flow.GetStep("spawn")
		assert.Len(t, step.TriggeredFlows, 1)

		childID := step.TriggeredFlows[0].FlowID
		assert.NotEmpty(t, childID)

		child := env.WaitForStatus(t, childID, api.FlowCompleted)

		// children inherit correlation and point back at their spawner
		assert.Equal(t, api.CorrelationID("corr-42"), child.CorrelationID)
		assert.NotNil(t, child.TriggeredBy)
		assert.Equal(t, res.FlowID, child.TriggeredBy.FlowID)
		assert.Equal(t, api.StepName("spawn"), child.TriggeredBy.Step)
	})
}

func TestAwaitedChildHoldsParent(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEnv) {
		ctx := context.Background()

		gate := make(chan struct{})
		blocked := helpers.NewStep("child-work")
		blocked.Handler = func(
			context.Context, *api.StepContext,
		) (*api.StepResult, error) {
			<-gate
			return api.NewResult(), nil
		}
		assert.NoError(t, env.Catalog.Register("child",
			[]*api.StepDefinition{blocked}))

		trigger := helpers.NewTriggerStep("spawn", "child", true)
		after := helpers.NewStep("after")
		after.Dependencies = []api.StepName{"spawn"}
		assert.NoError(t, env.Catalog.Register("parent",
			[]*api.StepDefinition{trigger, after}))

		res, err := env.Engine.StartFlow(ctx, &api.StartFlowRequest{
			Type: "parent",
		})
		assert.NoError(t, err)

		// the parent pauses while the child is still running
		flow := env.WaitForStatus(t, res.FlowID, api.FlowPaused)
		assert.Equal(t, api.PauseAwaitingChildFlow, flow.PauseReason)
		assert.Equal(t,
			api.StepInProgress, flow.GetStep("spawn").Status)

		close(gate)

		flow = env.WaitForStatus(t, res.FlowID, api.FlowCompleted)
		assert.Equal(t,
			api.StepCompleted, flow.GetStep("spawn").Status)
		assert.Equal(t,
			api.StepCompleted, flow.GetStep("after").Status)
	})
}

func TestAwaitWithFailedChildStillReleasesParent(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEnv) {
		ctx := context.Background()

		failing := helpers.NewFailingStep("child-work", api.ErrKindBusiness)
		assert.NoError(t, env.Catalog.Register("child",
			[]*api.StepDefinition{failing}))

		trigger := helpers.NewTriggerStep("spawn", "child", true)
		assert.NoError(t, env.Catalog.Register("parent",
			[]*api.StepDefinition{trigger}))

		res, err := env.Engine.StartFlow(ctx, &api.StartFlowRequest{
			Type: "parent",
		})
		assert.NoError(t, err)

		// the child failing is still terminal; the parent step completes
		flow := env.WaitForStatus(t, res.FlowID, api.FlowCompleted)
		step := flow.GetStep("spawn")
		assert.Equal(t, api.StepCompleted, step.Status)

		child := env.WaitForStatus(
			t, step.TriggeredFlows[0].FlowID, api.FlowFailed)
		assert.Equal(t, api.FlowFailed, child.Status)
	})
}
