package api

import "time"

type (
	// EventType names a flow or step status change published on the bus
	EventType string

	// FlowStatusChanged is published whenever a flow transitions. Sequence
	// carries the snapshot version of the commit that produced the change so
	// subscribers can detect gaps and reconcile from the snapshot
	FlowStatusChanged struct {
		StartedAt    time.Time   `json:"started_at,omitzero"`
		CompletedAt  time.Time   `json:"completed_at,omitzero"`
		FlowID       FlowID      `json:"flow_id"`
		Type         FlowType    `json:"flow_type"`
		Status       FlowStatus  `json:"status"`
		CurrentStep  StepName    `json:"current_step,omitempty"`
		PauseReason  PauseReason `json:"pause_reason,omitempty"`
		LastError    string      `json:"last_error,omitempty"`
		CurrentIndex int         `json:"current_index"`
		TotalSteps   int         `json:"total_steps"`
		Version      int64       `json:"version"`
	}

	// StepStatusChanged is published whenever a step instance transitions
	StepStatusChanged struct {
		Result       *StepResult `json:"result,omitempty"`
		FlowID       FlowID      `json:"flow_id"`
		Step         StepName    `json:"step"`
		StepStatus   StepStatus  `json:"step_status"`
		FlowStatus   FlowStatus  `json:"flow_status"`
		CurrentStep  StepName    `json:"current_step,omitempty"`
		Error        string      `json:"error,omitempty"`
		CurrentIndex int         `json:"current_index"`
		Version      int64       `json:"version"`
	}

	// StepRetryScheduled is published when a failed step is parked for a
	// backoff retry
	StepRetryScheduled struct {
		ResumeAt time.Time `json:"resume_at"`
		FlowID   FlowID    `json:"flow_id"`
		Step     StepName  `json:"step"`
		Error    string    `json:"error,omitempty"`
		Attempt  int       `json:"attempt"`
	}

	// ChildFlowTriggered is published when a step spawns a child flow
	ChildFlowTriggered struct {
		ParentID FlowID   `json:"parent_id"`
		ChildID  FlowID   `json:"child_id"`
		Type     FlowType `json:"flow_type"`
		Step     StepName `json:"step"`
	}

	// BatchResult is the single aggregate message published for a bulk
	// operation
	BatchResult struct {
		Operation    string             `json:"operation"`
		Results      []*BatchItemResult `json:"results"`
		SuccessCount int                `json:"success_count"`
		FailureCount int                `json:"failure_count"`
	}

	// BatchItemResult is the per-flow outcome inside a BatchResult
	BatchItemResult struct {
		FlowID  FlowID `json:"flow_id"`
		Error   string `json:"error,omitempty"`
		Version int64  `json:"version,omitempty"`
		OK      bool   `json:"ok"`
	}
)

const (
	EventTypeFlowStarted        EventType = "flow_started"
	EventTypeFlowStatusChanged  EventType = "flow_status_changed"
	EventTypeFlowCompleted      EventType = "flow_completed"
	EventTypeFlowFailed         EventType = "flow_failed"
	EventTypeFlowCancelled      EventType = "flow_cancelled"
	EventTypeFlowPaused         EventType = "flow_paused"
	EventTypeFlowResumed        EventType = "flow_resumed"
	EventTypeFlowRetried        EventType = "flow_retried"
	EventTypeFlowRestored       EventType = "flow_restored"
	EventTypeManuallyResolved   EventType = "manually_resolved"
	EventTypeStepStatusChanged  EventType = "step_status_changed"
	EventTypeStepRetryScheduled EventType = "step_retry_scheduled"
	EventTypeChildFlowTriggered EventType = "child_flow_triggered"
	EventTypeBranchSelected     EventType = "branch_selected"
	EventTypeBatchResult        EventType = "batch_result"
	EventTypeEngineError        EventType = "engine_error"
)
