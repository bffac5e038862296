package engine_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paywise/flowengine/internal/assert/helpers"
	"github.com/paywise/flowengine/pkg/api"
)

func TestLinearFlowCompletes(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEnv) {
		ctx := context.Background()
		rec := helpers.NewRecorder()

		validate := helpers.NewOutputStep("validate", "amount", 100)
		validate.Handler = rec.Wrap("validate", validate.Handler)

		convert := helpers.NewOutputStep("convert", "converted", 92.5)
		convert.Dependencies = []api.StepName{"validate"}
		convert.DataDeps = map[api.Name]api.ValueKind{
			"amount": api.KindInt,
		}
		convert.Handler = rec.Wrap("convert", convert.Handler)

		settle := helpers.NewStep("settle")
		settle.Dependencies = []api.StepName{"convert"}
		settle.Handler = rec.Wrap("settle", settle.Handler)

		assert.NoError(t, env.Catalog.Register("deposit",
			[]*api.StepDefinition{validate, convert, settle}))

		res, err := env.Engine.StartFlow(ctx, &api.StartFlowRequest{
			Type:          "deposit",
			CorrelationID: "corr-1",
			UserID:        "user-1",
		})
		assert.NoError(t, err)
		assert.NotEmpty(t, res.FlowID)

		flow := env.WaitForStatus(t, res.FlowID, api.FlowCompleted)
		assert.Equal(t,
			[]api.StepName{"validate", "convert", "settle"}, rec.Order())
		assert.Equal(t, flow.TotalSteps, flow.CurrentIndex)
		assert.NotZero(t, flow.CompletedAt)

		// every step ran exactly once and recorded its result
		for _, s := range flow.Steps {
			assert.Equal(t, api.StepCompleted, s.Status)
			assert.Equal(t, 1, s.Attempts)
		}

		// outputs landed in the data context attributed to their writers
		amount, ok := flow.Data["amount"]
		assert.True(t, ok)
		assert.Equal(t, api.StepName("validate"), amount.Step)
		assert.True(t, amount.Matches(api.KindInt))

		converted, ok := flow.Data["converted"]
		assert.True(t, ok)
		assert.True(t, converted.Matches(api.KindDecimal))
	})
}

func TestInitArgsSeedDataContext(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEnv) {
		ctx := context.Background()

		var seen any
		step := helpers.NewStep("read")
		step.DataDeps = map[api.Name]api.ValueKind{
			"currency": api.KindString,
		}
		step.Handler = func(
			_ context.Context, sc *api.StepContext,
		) (*api.StepResult, error) {
			seen = sc.Data["currency"]
			return api.NewResult(), nil
		}

		assert.NoError(t, env.Catalog.Register("quote",
			[]*api.StepDefinition{step}))

		res, err := env.Engine.StartFlow(ctx, &api.StartFlowRequest{
			Type: "quote",
			Init: api.Args{"currency": "EUR"},
		})
		assert.NoError(t, err)

		env.WaitForStatus(t, res.FlowID, api.FlowCompleted)
		assert.Equal(t, "EUR", seen)
	})
}

func TestBusinessErrorFailsCriticalStep(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEnv) {
		ctx := context.Background()

		check := helpers.NewFailingStep("kyc-check", api.ErrKindBusiness)
		check.MaxRetries = 3

		after := helpers.NewStep("after")
		after.Dependencies = []api.StepName{"kyc-check"}

		assert.NoError(t, env.Catalog.Register("onboard",
			[]*api.StepDefinition{check, after}))

		res, err := env.Engine.StartFlow(ctx, &api.StartFlowRequest{
			Type: "onboard",
		})
		assert.NoError(t, err)

		flow := env.WaitForStatus(t, res.FlowID, api.FlowFailed)
		step := flow.GetStep("kyc-check")
		assert.Equal(t, api.StepFailed, step.Status)

		// business errors never retry
		assert.Equal(t, 1, step.Attempts)
		assert.Contains(t, flow.LastError, "kyc-check")

		// nothing downstream ran
		assert.Equal(t, api.StepSkipped, flow.GetStep("after").Status)
	})
}

func TestNonCriticalFailureSkipsStep(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEnv) {
		ctx := context.Background()

		notify := helpers.NewFailingStep("notify", api.ErrKindBusiness)
		notify.IsCritical = false

		final := helpers.NewStep("final")
		final.Dependencies = []api.StepName{"notify"}

		assert.NoError(t, env.Catalog.Register("payout",
			[]*api.StepDefinition{notify, final}))

		res, err := env.Engine.StartFlow(ctx, &api.StartFlowRequest{
			Type: "payout",
		})
		assert.NoError(t, err)

		flow := env.WaitForStatus(t, res.FlowID, api.FlowCompleted)

		skipped := flow.GetStep("notify")
		assert.Equal(t, api.StepSkipped, skipped.Status)
		assert.NotNil(t, skipped.Error)

		// a skipped dependency still satisfies its dependents
		assert.Equal(t, api.StepCompleted, flow.GetStep("final").Status)
	})
}

func TestVersionsIncreaseMonotonically(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEnv) {
		ctx := context.Background()

		steps := []*api.StepDefinition{
			helpers.NewStep("one"),
			helpers.NewStep("two"),
		}
		steps[1].Dependencies = []api.StepName{"one"}
		assert.NoError(t, env.Catalog.Register("versioned", steps))

		waiter := env.SubscribeFlowDone()
		res, err := env.Engine.StartFlow(ctx, &api.StartFlowRequest{
			Type: "versioned",
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(2), res.Version)

		env.WaitFlowDone(t, waiter, res.FlowID)
		flow := env.WaitForStatus(t, res.FlowID, api.FlowCompleted)
		assert.Greater(t, flow.Version, int64(2))

		// the audit tail recorded the lifecycle
		var types []api.EventType
		for _, ev := range flow.Events {
			types = append(types, ev.Type)
		}
		assert.Contains(t, types, api.EventTypeFlowStarted)
		assert.Contains(t, types, api.EventTypeFlowCompleted)
	})
}

func TestFlowIDCarriesSanitizedType(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEnv) {
		assert.NoError(t, env.Catalog.Register("Card Deposit",
			[]*api.StepDefinition{helpers.NewStep("only")}))

		res, err := env.Engine.StartFlow(
			context.Background(),
			&api.StartFlowRequest{Type: "Card Deposit"},
		)
		assert.NoError(t, err)

		assert.True(t,
			strings.HasPrefix(string(res.FlowID), "card-deposit-"))
		env.WaitForStatus(t, res.FlowID, api.FlowCompleted)
	})
}

func TestUnknownFlowTypeRejected(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEnv) {
		_, err := env.Engine.StartFlow(
			context.Background(),
			&api.StartFlowRequest{Type: "missing"},
		)
		assert.Error(t, err)
	})
}

func TestStatisticsCountsFlows(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEnv) {
		ctx := context.Background()

		assert.NoError(t, env.Catalog.Register("stat",
			[]*api.StepDefinition{helpers.NewStep("only")}))

		res, err := env.Engine.StartFlow(ctx, &api.StartFlowRequest{
			Type: "stat",
		})
		assert.NoError(t, err)
		env.WaitForStatus(t, res.FlowID, api.FlowCompleted)

		stats, err := env.Engine.Statistics(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), stats.Counts[api.FlowCompleted])
	})
}
