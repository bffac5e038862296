package helpers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paywise/flowengine/internal/assert/helpers"
	"github.com/paywise/flowengine/pkg/api"
)

func TestNewOutputStepDeclaresInferredKind(t *testing.T) {
	tests := []struct {
		value any
		kind  api.ValueKind
	}{
		{"EUR", api.KindString},
		{2500, api.KindInt},
		{0.85, api.KindDecimal},
		{true, api.KindBool},
	}
	for _, tt := range tests {
		d := helpers.NewOutputStep("emit", "out", tt.value)
		assert.Equal(t, tt.kind, d.Outputs["out"])

		res, err := d.Handler(context.Background(), &api.StepContext{})
		assert.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, tt.value, res.Data["out"])
	}
}

func TestRecorderTracksInvocations(t *testing.T) {
	rec := helpers.NewRecorder()

	d := helpers.NewStep("work")
	d.Handler = rec.Wrap("work", d.Handler)

	for range 2 {
		_, err := d.Handler(context.Background(), &api.StepContext{})
		assert.NoError(t, err)
	}

	assert.Equal(t, 2, rec.Count("work"))
	assert.Equal(t, []api.StepName{"work", "work"}, rec.Order())
}
