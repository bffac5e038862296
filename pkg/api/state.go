package api

import (
	"slices"
	"time"
)

type (
	// FlowStatus represents the lifecycle state of a flow instance
	FlowStatus string

	// StepStatus represents the lifecycle state of a step instance
	StepStatus string

	// PauseReason explains why a flow is in the Paused status
	PauseReason string

	// ErrorKind classifies a step error for retry policy
	ErrorKind string

	// FlowState is the self-contained snapshot of a flow instance. A process
	// starting cold can resume a flow from its latest snapshot alone. All
	// mutation goes through copy-on-write Set* methods; committed snapshots
	// are never modified in place
	FlowState struct {
		CreatedAt     time.Time     `json:"created_at"`
		StartedAt     time.Time     `json:"started_at,omitzero"`
		PausedAt      time.Time     `json:"paused_at,omitzero"`
		CompletedAt   time.Time     `json:"completed_at,omitzero"`
		Data          DataContext   `json:"data"`
		Steps         []*StepState  `json:"steps"`
		Events        []*FlowEvent  `json:"events,omitempty"`
		TriggeredBy   *FlowRef      `json:"triggered_by,omitempty"`
		ID            FlowID        `json:"id"`
		Type          FlowType      `json:"type"`
		CorrelationID CorrelationID `json:"correlation_id,omitempty"`
		UserID        UserID        `json:"user_id,omitempty"`
		Status        FlowStatus    `json:"status"`
		CurrentStep   StepName      `json:"current_step,omitempty"`
		PauseReason   PauseReason   `json:"pause_reason,omitempty"`
		PauseMessage  string        `json:"pause_message,omitempty"`
		LastError     string        `json:"last_error,omitempty"`
		CurrentIndex  int           `json:"current_index"`
		TotalSteps    int           `json:"total_steps"`
		Version       int64         `json:"version"`
		SchemaVersion int           `json:"schema_version"`
	}

	// StepState is the runtime state of one step instance within a flow
	StepState struct {
		ResumeAt       time.Time          `json:"resume_at,omitzero"`
		DataDeps       map[Name]ValueKind `json:"data_deps,omitempty"`
		Outputs        map[Name]ValueKind `json:"outputs,omitempty"`
		Result         *StepResult        `json:"result,omitempty"`
		Error          *StepError         `json:"error,omitempty"`
		Dependencies   []StepName         `json:"dependencies,omitempty"`
		Branches       []*Branch          `json:"branches,omitempty"`
		TriggeredFlows []*TriggeredFlow   `json:"triggered_flows,omitempty"`
		SubSteps       []*StepState       `json:"sub_steps,omitempty"`
		Name           StepName           `json:"name"`
		Status         StepStatus         `json:"status"`
		ResourceGroup  string             `json:"resource_group,omitempty"`
		BranchPath     string             `json:"branch_path,omitempty"`
		RetryDelay     time.Duration      `json:"retry_delay,omitempty"`
		Timeout        time.Duration      `json:"timeout,omitempty"`
		MaxRetries     int                `json:"max_retries,omitempty"`
		Priority       int                `json:"priority,omitempty"`
		Index          int                `json:"index"`
		Attempts       int                `json:"attempts,omitempty"`
		IsCritical     bool               `json:"is_critical"`
		IsIdempotent   bool               `json:"is_idempotent,omitempty"`
		CanParallel    bool               `json:"can_parallel,omitempty"`
		AwaitTriggered bool               `json:"await_triggered,omitempty"`
	}

	// StepResult is the outcome a step execution reports back to the
	// scheduler. Data is merged into the flow data context on success
	StepResult struct {
		Data           Args              `json:"data,omitempty"`
		TriggeredFlows []*TriggerRequest `json:"triggered_flows,omitempty"`
		Message        string            `json:"message,omitempty"`
		BranchHint     string            `json:"branch_hint,omitempty"`
		Success        bool              `json:"success"`
	}

	// StepError carries a classified step failure
	StepError struct {
		Message    string    `json:"message"`
		Kind       ErrorKind `json:"kind,omitempty"`
		StackTrace string    `json:"stack_trace,omitempty"`
	}

	// FlowEvent is one entry in a flow's bounded audit tail
	FlowEvent struct {
		Timestamp   time.Time `json:"timestamp"`
		Type        EventType `json:"type"`
		Description string    `json:"description,omitempty"`
	}

	// FlowRef points at the parent flow that triggered this one
	FlowRef struct {
		FlowID FlowID   `json:"flow_id"`
		Step   StepName `json:"step"`
		Type   FlowType `json:"type"`
	}

	// TriggeredFlow records a child flow spawned by a step
	TriggeredFlow struct {
		CreatedAt time.Time  `json:"created_at,omitzero"`
		FlowID    FlowID     `json:"flow_id,omitempty"`
		Type      FlowType   `json:"type"`
		Status    FlowStatus `json:"status,omitempty"`
		Step      StepName   `json:"step"`
	}

	// TriggerRequest asks the engine to start a child flow
	TriggerRequest struct {
		Init Args     `json:"init,omitempty"`
		Type FlowType `json:"type"`
	}
)

const (
	FlowInitializing FlowStatus = "initializing"
	FlowReady        FlowStatus = "ready"
	FlowRunning      FlowStatus = "running"
	FlowPaused       FlowStatus = "paused"
	FlowCompleted    FlowStatus = "completed"
	FlowFailed       FlowStatus = "failed"
	FlowCancelled    FlowStatus = "cancelled"
)

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepPaused     StepStatus = "paused"
)

const (
	PauseRequested         PauseReason = "requested"
	PauseRetryBackoff      PauseReason = "retry_backoff"
	PauseAwaitingChildFlow PauseReason = "awaiting_child_flow"
)

const (
	ErrKindTransient ErrorKind = "transient"
	ErrKindBusiness  ErrorKind = "business"
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindInternal  ErrorKind = "internal"
	ErrKindCancelled ErrorKind = "cancelled"

	// ErrKindInterrupted marks a non-idempotent step that was InProgress
	// when the process died; retry policy applies
	ErrKindInterrupted ErrorKind = "interrupted_non_idempotent"
)

// SnapshotSchemaVersion is bumped on breaking snapshot format changes
const SnapshotSchemaVersion = 2

// Error lets step handlers return a pre-classified failure directly
func (e *StepError) Error() string {
	return e.Message
}

// IsTerminal returns true for statuses with no outgoing transitions
func (s FlowStatus) IsTerminal() bool {
	return s == FlowCompleted || s == FlowFailed || s == FlowCancelled
}

// IsTerminal returns true for step statuses with no outgoing transitions
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// IsSatisfied reports whether a dependency on this step is considered met
func (s StepStatus) IsSatisfied() bool {
	return s == StepCompleted || s == StepSkipped
}

// SetStatus returns a new FlowState with the updated status
func (st *FlowState) SetStatus(s FlowStatus) *FlowState {
	res := *st
	res.Status = s
	return &res
}

// SetVersion returns a new FlowState with the version counter set
func (st *FlowState) SetVersion(v int64) *FlowState {
	res := *st
	res.Version = v
	return &res
}

// SetStartedAt returns a new FlowState with the start timestamp set
func (st *FlowState) SetStartedAt(t time.Time) *FlowState {
	res := *st
	res.StartedAt = t
	return &res
}

// SetPaused returns a new FlowState carrying the pause reason and message
func (st *FlowState) SetPaused(
	reason PauseReason, msg string, at time.Time,
) *FlowState {
	res := *st
	res.Status = FlowPaused
	res.PauseReason = reason
	res.PauseMessage = msg
	res.PausedAt = at
	return &res
}

// ClearPause returns a new FlowState with pause bookkeeping removed
func (st *FlowState) ClearPause() *FlowState {
	res := *st
	res.PauseReason = ""
	res.PauseMessage = ""
	res.PausedAt = time.Time{}
	return &res
}

// SetCompletedAt returns a new FlowState with the completion timestamp set
func (st *FlowState) SetCompletedAt(t time.Time) *FlowState {
	res := *st
	res.CompletedAt = t
	return &res
}

// SetLastError returns a new FlowState with the error message set
func (st *FlowState) SetLastError(msg string) *FlowState {
	res := *st
	res.LastError = msg
	return &res
}

// SetCurrent returns a new FlowState positioned at the given step
func (st *FlowState) SetCurrent(idx int, name StepName) *FlowState {
	res := *st
	res.CurrentIndex = idx
	res.CurrentStep = name
	return &res
}

// SetValue returns a new FlowState with the data context key set
func (st *FlowState) SetValue(key Name, v *Value) *FlowState {
	res := *st
	res.Data = st.Data.Clone()
	res.Data[key] = v
	return &res
}

// SetStep returns a new FlowState with the step at the given index replaced
func (st *FlowState) SetStep(idx int, step *StepState) *FlowState {
	res := *st
	res.Steps = slices.Clone(st.Steps)
	res.Steps[idx] = step
	return &res
}

// SpliceSteps returns a new FlowState with steps inserted after the given
// index, re-numbering subsequent indexes and adjusting TotalSteps
func (st *FlowState) SpliceSteps(after int, steps []*StepState) *FlowState {
	res := *st
	res.Steps = slices.Insert(slices.Clone(st.Steps), after+1, steps...)
	for i, s := range res.Steps {
		if s.Index != i {
			res.Steps[i] = s.SetIndex(i)
		}
	}
	res.TotalSteps = len(res.Steps)
	return &res
}

// AppendEvent returns a new FlowState with the event appended, trimming the
// tail to maxTail entries
func (st *FlowState) AppendEvent(ev *FlowEvent, maxTail int) *FlowState {
	res := *st
	res.Events = append(slices.Clone(st.Events), ev)
	if maxTail > 0 && len(res.Events) > maxTail {
		res.Events = res.Events[len(res.Events)-maxTail:]
	}
	return &res
}

// StepIndex returns the index of the named step, or -1 if absent
func (st *FlowState) StepIndex(name StepName) int {
	return slices.IndexFunc(st.Steps, func(s *StepState) bool {
		return s.Name == name
	})
}

// GetStep returns the named step instance, or nil if absent
func (st *FlowState) GetStep(name StepName) *StepState {
	if i := st.StepIndex(name); i >= 0 {
		return st.Steps[i]
	}
	return nil
}

// CountStepStatus returns the number of steps currently in the given status
func (st *FlowState) CountStepStatus(status StepStatus) int {
	count := 0
	for _, s := range st.Steps {
		if s.Status == status {
			count++
		}
	}
	return count
}

// SetStatus returns a new StepState with the updated status
func (s *StepState) SetStatus(status StepStatus) *StepState {
	res := *s
	res.Status = status
	return &res
}

// SetIndex returns a new StepState with the position index set
func (s *StepState) SetIndex(idx int) *StepState {
	res := *s
	res.Index = idx
	return &res
}

// SetAttempts returns a new StepState with the attempt counter set
func (s *StepState) SetAttempts(n int) *StepState {
	res := *s
	res.Attempts = n
	return &res
}

// SetResult returns a new StepState with the execution result attached
func (s *StepState) SetResult(r *StepResult) *StepState {
	res := *s
	res.Result = r
	return &res
}

// SetError returns a new StepState with the classified error attached
func (s *StepState) SetError(err *StepError) *StepState {
	res := *s
	res.Error = err
	return &res
}

// ClearError returns a new StepState with the error removed
func (s *StepState) ClearError() *StepState {
	res := *s
	res.Error = nil
	return &res
}

// SetResumeAt returns a new StepState with the retry deadline set
func (s *StepState) SetResumeAt(t time.Time) *StepState {
	res := *s
	res.ResumeAt = t
	return &res
}

// AddTriggeredFlow returns a new StepState recording a spawned child flow
func (s *StepState) AddTriggeredFlow(tf *TriggeredFlow) *StepState {
	res := *s
	res.TriggeredFlows = append(
		slices.Clone(s.TriggeredFlows), tf,
	)
	return &res
}

// NewResult creates a successful empty step result
func NewResult() *StepResult {
	return &StepResult{Success: true, Data: Args{}}
}

// WithOutput attaches an output value to the result
func (sr *StepResult) WithOutput(name Name, value any) *StepResult {
	if sr.Data == nil {
		sr.Data = Args{}
	}
	sr.Data[name] = value
	return sr
}

// WithError marks the result as failed with the given error
func (sr *StepResult) WithError(err error) *StepResult {
	sr.Success = false
	sr.Message = err.Error()
	return sr
}

// WithTrigger asks the scheduler to start a child flow of the given type
func (sr *StepResult) WithTrigger(
	flowType FlowType, init Args,
) *StepResult {
	sr.TriggeredFlows = append(sr.TriggeredFlows, &TriggerRequest{
		Type: flowType,
		Init: init,
	})
	return sr
}
