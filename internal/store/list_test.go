package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/paywise/flowengine/internal/store"
	"github.com/paywise/flowengine/pkg/api"
)

func seedFlows(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	flows := []struct {
		id     api.FlowID
		typ    api.FlowType
		status api.FlowStatus
		corr   api.CorrelationID
		user   api.UserID
	}{
		{"flow-1", "deposit", api.FlowCompleted, "corr-1", "user-1"},
		{"flow-2", "deposit", api.FlowRunning, "corr-1", "user-2"},
		{"flow-3", "withdrawal", api.FlowRunning, "corr-2", "user-1"},
		{"flow-4", "withdrawal", api.FlowFailed, "", "user-2"},
	}
	for i, f := range flows {
		st := sampleFlow(f.id, f.typ)
		st.Status = f.status
		st.CorrelationID = f.corr
		st.UserID = f.user
		st.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		assert.NoError(t, s.Create(ctx, st))
	}
}

func flowIDs(res *api.FlowsListResponse) []api.FlowID {
	ids := make([]api.FlowID, len(res.Flows))
	for i, f := range res.Flows {
		ids[i] = f.ID
	}
	return ids
}

func TestListNewestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	seedFlows(t, s)

	res, err := s.List(context.Background(), nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t,
		[]api.FlowID{"flow-4", "flow-3", "flow-2", "flow-1"},
		flowIDs(res))
}

func TestListFiltersByStatus(t *testing.T) {
	s, _ := newTestStore(t)
	seedFlows(t, s)

	res, err := s.List(context.Background(),
		&api.FlowFilter{Status: api.FlowRunning}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.ElementsMatch(t,
		[]api.FlowID{"flow-2", "flow-3"}, flowIDs(res))
}

func TestListFiltersByType(t *testing.T) {
	s, _ := newTestStore(t)
	seedFlows(t, s)

	res, err := s.List(context.Background(),
		&api.FlowFilter{Type: "withdrawal"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.ElementsMatch(t,
		[]api.FlowID{"flow-3", "flow-4"}, flowIDs(res))
}

func TestListFiltersByCorrelation(t *testing.T) {
	s, _ := newTestStore(t)
	seedFlows(t, s)

	res, err := s.List(context.Background(),
		&api.FlowFilter{CorrelationID: "corr-1"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.ElementsMatch(t,
		[]api.FlowID{"flow-1", "flow-2"}, flowIDs(res))
}

func TestListFiltersByUser(t *testing.T) {
	s, _ := newTestStore(t)
	seedFlows(t, s)

	res, err := s.List(context.Background(),
		&api.FlowFilter{UserID: "user-1"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.ElementsMatch(t,
		[]api.FlowID{"flow-1", "flow-3"}, flowIDs(res))
}

func TestListCombinesFilters(t *testing.T) {
	s, _ := newTestStore(t)
	seedFlows(t, s)

	// the correlation index narrows; status filters the candidates
	res, err := s.List(context.Background(), &api.FlowFilter{
		CorrelationID: "corr-1",
		Status:        api.FlowRunning,
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, []api.FlowID{"flow-2"}, flowIDs(res))
}

func TestListFiltersByCreatedWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedFlows(t, s)

	all, err := s.List(ctx, nil, nil)
	assert.NoError(t, err)
	cutoff := all.Flows[1].CreatedAt

	res, err := s.List(ctx, &api.FlowFilter{CreatedAfter: cutoff}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	res, err = s.List(ctx, &api.FlowFilter{CreatedBefore: cutoff}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, res.Total)
}

func TestListPaging(t *testing.T) {
	s, _ := newTestStore(t)
	seedFlows(t, s)

	res, err := s.List(context.Background(), nil,
		&api.Page{Offset: 1, Limit: 2})
	assert.NoError(t, err)

	// total counts all matches regardless of the page window
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, []api.FlowID{"flow-3", "flow-2"}, flowIDs(res))
}

func TestListSkipsStaleIndexEntries(t *testing.T) {
	s, server := newTestStore(t)
	ctx := context.Background()
	seedFlows(t, s)

	// simulate a crash between snapshot delete and index cleanup
	server.Del("test:flow:flow-2")

	res, err := s.List(ctx, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.NotContains(t, flowIDs(res), api.FlowID("flow-2"))
}

func TestListDigestFields(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	st := sampleFlow("flow-1", "deposit")
	st.Status = api.FlowFailed
	st.CorrelationID = "corr-9"
	st.UserID = "user-9"
	st.CurrentStep = "work"
	st.CurrentIndex = 1
	st.LastError = "step work: handler failed"
	assert.NoError(t, s.Create(ctx, st))

	res, err := s.List(ctx, nil, nil)
	assert.NoError(t, err)
	assert.Len(t, res.Flows, 1)

	d := res.Flows[0]
	assert.Equal(t, st.ID, d.ID)
	assert.Equal(t, st.Type, d.Type)
	assert.Equal(t, st.Status, d.Status)
	assert.Equal(t, st.CorrelationID, d.CorrelationID)
	assert.Equal(t, st.UserID, d.UserID)
	assert.Equal(t, st.CurrentStep, d.CurrentStep)
	assert.Equal(t, st.CurrentIndex, d.CurrentIndex)
	assert.Equal(t, st.TotalSteps, d.TotalSteps)
	assert.Equal(t, st.LastError, d.LastError)
	assert.True(t, st.CreatedAt.Equal(d.CreatedAt))
}
