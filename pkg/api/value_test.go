package api_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/paywise/flowengine/pkg/api"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		value    any
		expected api.ValueKind
	}{
		{"EUR", api.KindString},
		{42, api.KindInt},
		{int64(42), api.KindInt},
		{0.85, api.KindDecimal},
		{true, api.KindBool},
		{time.Now(), api.KindTimestamp},
		{[]any{1, 2}, api.KindList},
		{map[string]any{"a": 1}, api.KindMap},
		{[]byte("raw"), api.KindBlob},
	}
	for _, tt := range tests {
		kind, ok := api.KindOf(tt.value)
		assert.True(t, ok)
		assert.Equal(t, tt.expected, kind)
	}

	_, ok := api.KindOf(struct{}{})
	assert.False(t, ok)
}

func TestNewValue(t *testing.T) {
	at := time.Now()
	v, err := api.NewValue(2500, "convert", at)
	assert.NoError(t, err)
	assert.Equal(t, api.KindInt, v.Kind)
	assert.Equal(t, api.StepName("convert"), v.Step)
	assert.Equal(t, at, v.SetAt)

	_, err = api.NewValue(struct{}{}, "convert", at)
	assert.ErrorIs(t, err, api.ErrUnsupportedValue)
}

func TestValueMatches(t *testing.T) {
	str := &api.Value{Kind: api.KindString}
	assert.True(t, str.Matches(api.KindString))
	assert.False(t, str.Matches(api.KindInt))

	// JSON round-trips integers as float64, so the numeric kinds
	// satisfy each other
	i := &api.Value{Kind: api.KindInt}
	assert.True(t, i.Matches(api.KindDecimal))
	d := &api.Value{Kind: api.KindDecimal}
	assert.True(t, d.Matches(api.KindInt))
	assert.False(t, d.Matches(api.KindString))
}

func TestDataContextAccess(t *testing.T) {
	dc := api.DataContext{
		"amount": &api.Value{Data: 2500, Kind: api.KindInt},
		"rate":   &api.Value{Data: 0.85, Kind: api.KindDecimal},
	}

	v, ok := dc.Get("amount")
	assert.True(t, ok)
	assert.Equal(t, 2500, v)

	_, ok = dc.Get("missing")
	assert.False(t, ok)

	args := dc.Args()
	assert.Len(t, args, 2)
	assert.Equal(t, 0.85, args["rate"])
}

func TestDataContextClone(t *testing.T) {
	dc := api.DataContext{
		"amount": &api.Value{Data: 2500, Kind: api.KindInt},
	}

	clone := dc.Clone()
	clone["rate"] = &api.Value{Data: 0.85, Kind: api.KindDecimal}

	assert.Len(t, dc, 1)
	assert.Len(t, clone, 2)

	var nilCtx api.DataContext
	assert.NotNil(t, nilCtx.Clone())
}
