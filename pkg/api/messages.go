package api

import (
	"encoding/json"
	"time"
)

type (
	// StartFlowRequest contains parameters for starting a new flow
	StartFlowRequest struct {
		Init          Args          `json:"init,omitempty"`
		Type          FlowType      `json:"type"`
		CorrelationID CorrelationID `json:"correlation_id,omitempty"`
		UserID        UserID        `json:"user_id,omitempty"`
	}

	// FlowStartedResponse is returned when a flow start succeeds
	FlowStartedResponse struct {
		FlowID  FlowID `json:"flow_id"`
		Version int64  `json:"version"`
	}

	// FlowFilter selects flows for list queries
	FlowFilter struct {
		CreatedAfter  time.Time     `json:"created_after,omitzero"`
		CreatedBefore time.Time     `json:"created_before,omitzero"`
		Status        FlowStatus    `json:"status,omitempty"`
		Type          FlowType      `json:"type,omitempty"`
		CorrelationID CorrelationID `json:"correlation_id,omitempty"`
		UserID        UserID        `json:"user_id,omitempty"`
	}

	// Page bounds a list query
	Page struct {
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	}

	// FlowDigest provides summary information about a flow
	FlowDigest struct {
		CreatedAt     time.Time     `json:"created_at"`
		CompletedAt   time.Time     `json:"completed_at,omitzero"`
		ID            FlowID        `json:"id"`
		Type          FlowType      `json:"type"`
		Status        FlowStatus    `json:"status"`
		CorrelationID CorrelationID `json:"correlation_id,omitempty"`
		UserID        UserID        `json:"user_id,omitempty"`
		CurrentStep   StepName      `json:"current_step,omitempty"`
		LastError     string        `json:"last_error,omitempty"`
		CurrentIndex  int           `json:"current_index"`
		TotalSteps    int           `json:"total_steps"`
	}

	// FlowsListResponse contains a page of flow summaries
	FlowsListResponse struct {
		Flows []*FlowDigest `json:"flows"`
		Total int           `json:"total"`
	}

	// BatchRequest applies one operation to several flows
	BatchRequest struct {
		Operation string   `json:"operation"`
		Reason    string   `json:"reason,omitempty"`
		FlowIDs   []FlowID `json:"flow_ids"`
	}

	// StatisticsResponse reports flow counts per lifecycle status
	StatisticsResponse struct {
		Counts map[FlowStatus]int64 `json:"counts"`
	}

	// MessageResponse contains a simple message string
	MessageResponse struct {
		Message string `json:"message"`
		Version int64  `json:"version,omitempty"`
	}

	// ErrorResponse contains error details for failed requests
	ErrorResponse struct {
		Error  string `json:"error"`
		Code   string `json:"code,omitempty"`
		Status int    `json:"status,omitempty"`
	}

	// HealthResponse reports service liveness
	HealthResponse struct {
		Service string `json:"service"`
		Version string `json:"version"`
		Status  string `json:"status"`
	}

	// SubscribeRequest is sent by WebSocket clients to subscribe to updates
	SubscribeRequest struct {
		Type string             `json:"type"`
		Data ClientSubscription `json:"data"`
	}

	// ClientSubscription configures which updates a client receives. An
	// empty FlowID subscribes to the admin stream covering all flows
	ClientSubscription struct {
		FlowID     FlowID      `json:"flow_id,omitempty"`
		EventTypes []EventType `json:"event_types,omitempty"`
	}

	// SubscribedResult is sent to clients with the full snapshot on
	// subscribe; deltas follow from the carried sequence onward
	SubscribedResult struct {
		Type     string          `json:"type"`
		FlowID   FlowID          `json:"flow_id,omitempty"`
		Data     json.RawMessage `json:"data,omitempty"`
		Sequence int64           `json:"sequence"`
	}

	// WebSocketEvent is a status delta pushed to WebSocket clients
	WebSocketEvent struct {
		Data      any       `json:"data"`
		Type      EventType `json:"type"`
		FlowID    FlowID    `json:"flow_id,omitempty"`
		Timestamp int64     `json:"timestamp"`
		Sequence  int64     `json:"sequence"`
	}
)

// Batch operation names accepted by the engine
const (
	BatchPause  = "pause"
	BatchResume = "resume"
	BatchCancel = "cancel"
	BatchRetry  = "retry"
)
