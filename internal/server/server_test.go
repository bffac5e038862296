package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paywise/flowengine/internal/assert/helpers"
	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/internal/server"
	"github.com/paywise/flowengine/pkg/api"
)

type testServerEnv struct {
	Server *server.Server
	*helpers.TestEnv
}

func testServer(t *testing.T) *testServerEnv {
	t.Helper()
	env := helpers.NewTestEnv(t)
	t.Cleanup(env.Cleanup)
	env.Engine.Start()
	return &testServerEnv{
		Server:  server.NewServer(env.Engine, env.Bus),
		TestEnv: env,
	}
}

func (e *testServerEnv) request(
	method, path string, body any,
) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router := e.Server.SetupRoutes()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := testServer(t)

	w := env.request("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response api.HealthResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "flowengine", response.Service)
	assert.Equal(t, "healthy", response.Status)
}

func TestStartFlowEndpoint(t *testing.T) {
	env := testServer(t)

	assert.NoError(t, env.Catalog.Register("deposit",
		[]*api.StepDefinition{helpers.NewStep("validate")}))

	w := env.request("POST", "/flows", api.StartFlowRequest{
		Type:          "deposit",
		CorrelationID: "corr-1",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	var response api.FlowStartedResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.NotEmpty(t, response.FlowID)
	assert.NotZero(t, response.Version)

	env.WaitForStatus(t, response.FlowID, api.FlowCompleted)
}

func TestStartFlowRequiresType(t *testing.T) {
	env := testServer(t)

	w := env.request("POST", "/flows", api.StartFlowRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "flow type is required")
}

func TestStartFlowInvalidJSON(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(
		"POST", "/flows", bytes.NewReader([]byte("not-json")),
	)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router := env.Server.SetupRoutes()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartFlowUnknownType(t *testing.T) {
	env := testServer(t)

	w := env.request("POST", "/flows", api.StartFlowRequest{
		Type: "unregistered",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown flow type")
}

func TestGetFlowEndpoint(t *testing.T) {
	env := testServer(t)

	assert.NoError(t, env.Catalog.Register("deposit",
		[]*api.StepDefinition{helpers.NewStep("validate")}))

	res, err := env.Engine.StartFlow(
		context.Background(), &api.StartFlowRequest{Type: "deposit"},
	)
	assert.NoError(t, err)
	env.WaitForStatus(t, res.FlowID, api.FlowCompleted)

	w := env.request("GET", "/flows/"+string(res.FlowID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var flow api.FlowState
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &flow))
	assert.Equal(t, res.FlowID, flow.ID)
	assert.Equal(t, api.FlowCompleted, flow.Status)
}

func TestGetFlowNotFound(t *testing.T) {
	env := testServer(t)

	w := env.request("GET", "/flows/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var response api.ErrorResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Contains(t, response.Error, "not found")
}

func TestListFlowsEndpoint(t *testing.T) {
	env := testServer(t)

	assert.NoError(t, env.Catalog.Register("deposit",
		[]*api.StepDefinition{helpers.NewStep("validate")}))

	for range 2 {
		res, err := env.Engine.StartFlow(
			context.Background(), &api.StartFlowRequest{Type: "deposit"},
		)
		assert.NoError(t, err)
		env.WaitForStatus(t, res.FlowID, api.FlowCompleted)
	}

	w := env.request("GET", "/flows?status=completed", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response api.FlowsListResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 2, response.Total)
	assert.Len(t, response.Flows, 2)
}

func TestListFlowsRejectsBadQuery(t *testing.T) {
	env := testServer(t)

	w := env.request("GET", "/flows?created_after=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request("GET", "/flows?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatisticsEndpoint(t *testing.T) {
	env := testServer(t)

	assert.NoError(t, env.Catalog.Register("deposit",
		[]*api.StepDefinition{helpers.NewStep("validate")}))

	res, err := env.Engine.StartFlow(
		context.Background(), &api.StartFlowRequest{Type: "deposit"},
	)
	assert.NoError(t, err)
	env.WaitForStatus(t, res.FlowID, api.FlowCompleted)

	w := env.request("GET", "/flows/statistics", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response api.StatisticsResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, int64(1), response.Counts[api.FlowCompleted])
}

func TestCatalogEndpoint(t *testing.T) {
	env := testServer(t)

	assert.NoError(t, env.Catalog.Register("deposit",
		[]*api.StepDefinition{helpers.NewStep("validate")}))
	assert.NoError(t, env.Catalog.Register("withdrawal",
		[]*api.StepDefinition{helpers.NewStep("validate")}))

	w := env.request("GET", "/catalog", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Types []api.FlowType `json:"types"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t,
		[]api.FlowType{"deposit", "withdrawal"}, response.Types)
}

func TestPauseAndResumeEndpoints(t *testing.T) {
	env := testServer(t)

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	first := helpers.NewStep("first")
	first.Handler = func(
		context.Context, *api.StepContext,
	) (*api.StepResult, error) {
		started <- struct{}{}
		<-gate
		return api.NewResult(), nil
	}
	assert.NoError(t, env.Catalog.Register("pausable",
		[]*api.StepDefinition{first}))

	res, err := env.Engine.StartFlow(
		context.Background(), &api.StartFlowRequest{Type: "pausable"},
	)
	assert.NoError(t, err)
	<-started

	w := env.request("POST", "/flows/"+string(res.FlowID)+"/pause",
		map[string]string{"message": "maintenance"})
	assert.Equal(t, http.StatusOK, w.Code)

	var response api.MessageResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "flow paused", response.Message)
	assert.NotZero(t, response.Version)

	w = env.request("POST", "/flows/"+string(res.FlowID)+"/resume", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	close(gate)
	env.WaitForStatus(t, res.FlowID, api.FlowCompleted)
}

func TestCancelCompletedFlowConflicts(t *testing.T) {
	env := testServer(t)

	assert.NoError(t, env.Catalog.Register("deposit",
		[]*api.StepDefinition{helpers.NewStep("validate")}))

	res, err := env.Engine.StartFlow(
		context.Background(), &api.StartFlowRequest{Type: "deposit"},
	)
	assert.NoError(t, err)
	env.WaitForStatus(t, res.FlowID, api.FlowCompleted)

	w := env.request("POST", "/flows/"+string(res.FlowID)+"/cancel",
		map[string]string{"reason": "too late"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResolveRequiresReason(t *testing.T) {
	env := testServer(t)

	assert.NoError(t, env.Catalog.Register("failing",
		[]*api.StepDefinition{
			helpers.NewFailingStep("charge", api.ErrKindBusiness),
		}))

	res, err := env.Engine.StartFlow(
		context.Background(), &api.StartFlowRequest{Type: "failing"},
	)
	assert.NoError(t, err)
	env.WaitForStatus(t, res.FlowID, api.FlowFailed)

	w := env.request(
		"POST", "/flows/"+string(res.FlowID)+"/resolve", nil,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "reason")

	w = env.request("POST", "/flows/"+string(res.FlowID)+"/resolve",
		map[string]string{"reason": "charged manually"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRetryEndpoint(t *testing.T) {
	env := testServer(t)

	flaky := helpers.NewFlakyStep("charge", 1)
	assert.NoError(t, env.Catalog.Register("retryable",
		[]*api.StepDefinition{flaky}))

	res, err := env.Engine.StartFlow(
		context.Background(), &api.StartFlowRequest{Type: "retryable"},
	)
	assert.NoError(t, err)
	env.WaitForStatus(t, res.FlowID, api.FlowFailed)

	w := env.request("POST", "/flows/"+string(res.FlowID)+"/retry", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	env.WaitForStatus(t, res.FlowID, api.FlowCompleted)
}

func TestBatchEndpoint(t *testing.T) {
	env := testServer(t)

	w := env.request("POST", "/flows/batch", api.BatchRequest{
		Operation: api.BatchCancel,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request("POST", "/flows/batch", api.BatchRequest{
		Operation: api.BatchCancel,
		FlowIDs:   []api.FlowID{"missing-flow"},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var response api.BatchResult
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 0, response.SuccessCount)
	assert.Equal(t, 1, response.FailureCount)
}

func TestCORSOptions(t *testing.T) {
	env := testServer(t)

	w := env.request("OPTIONS", "/flows", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t,
		w.Header().Get("Access-Control-Allow-Methods"), "GET")
	assert.Contains(t,
		w.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
}

func TestWebSocketEndpointRequiresUpgrade(t *testing.T) {
	env := testServer(t)

	w := env.request("GET", "/ws", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFilterFlowID(t *testing.T) {
	filter := server.BuildFilter(&api.ClientSubscription{
		FlowID: "flow-1",
	})

	assert.True(t, filter(&bus.Event{FlowID: "flow-1"}))
	assert.False(t, filter(&bus.Event{FlowID: "flow-2"}))
}

func TestFilterAdminStream(t *testing.T) {
	filter := server.BuildFilter(&api.ClientSubscription{})

	assert.True(t, filter(&bus.Event{FlowID: "flow-1"}))
	assert.True(t, filter(&bus.Event{FlowID: "flow-2"}))
}

func TestFilterCombinedUsesAndLogic(t *testing.T) {
	filter := server.BuildFilter(&api.ClientSubscription{
		FlowID: "flow-1",
		EventTypes: []api.EventType{
			api.EventTypeFlowCompleted,
		},
	})

	assert.True(t, filter(&bus.Event{
		FlowID: "flow-1", Type: api.EventTypeFlowCompleted,
	}))
	assert.False(t, filter(&bus.Event{
		FlowID: "flow-1", Type: api.EventTypeFlowPaused,
	}))
	assert.False(t, filter(&bus.Event{
		FlowID: "flow-2", Type: api.EventTypeFlowCompleted,
	}))
}
