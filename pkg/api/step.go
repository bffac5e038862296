package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// StepDefinition is the static catalog metadata plus execution contract
	// for one step of a flow type. Definitions are registered once and must
	// be deterministic and stable across process lifetimes; step names are
	// the only durable identity used by restore
	StepDefinition struct {
		DataDeps       map[Name]ValueKind `json:"data_deps,omitempty"`
		Outputs        map[Name]ValueKind `json:"outputs,omitempty"`
		Handler        StepHandler        `json:"-"`
		Dependencies   []StepName         `json:"dependencies,omitempty"`
		Branches       []*Branch          `json:"branches,omitempty"`
		Name           StepName           `json:"name"`
		ResourceGroup  string             `json:"resource_group,omitempty"`
		RetryDelay     time.Duration      `json:"retry_delay,omitempty"`
		Timeout        time.Duration      `json:"timeout,omitempty"`
		MaxRetries     int                `json:"max_retries,omitempty"`
		Priority       int                `json:"priority,omitempty"`
		IsCritical     bool               `json:"is_critical"`
		IsIdempotent   bool               `json:"is_idempotent,omitempty"`
		CanParallel    bool               `json:"can_parallel,omitempty"`
		AwaitTriggered bool               `json:"await_triggered,omitempty"`
	}

	// Branch is a conditional or default successor path emitted by a step.
	// Exactly one branch is chosen on step completion: the first satisfied
	// conditional, else the default. Conditions are Lua predicates over the
	// flow data context
	Branch struct {
		Name          string            `json:"name"`
		Condition     string            `json:"condition,omitempty"`
		Steps         []*StepDefinition `json:"steps"`
		IsDefault     bool              `json:"is_default,omitempty"`
		IsConditional bool              `json:"is_conditional,omitempty"`
	}

	// StepContext is what a step implementation receives at execution time
	StepContext struct {
		Data     Args
		FlowID   FlowID
		FlowType FlowType
		Step     StepName
		Attempt  int
	}

	// StepHandler is the uniform execution contract for every step. The
	// context carries the flow-wide cancellation signal and the step's
	// deadline. Returning an error is equivalent to returning a result with
	// Success=false; the scheduler treats both identically for retry
	// classification
	StepHandler func(context.Context, *StepContext) (*StepResult, error)
)

var (
	ErrStepNameEmpty      = errors.New("step name empty")
	ErrStepHandlerNil     = errors.New("step handler nil")
	ErrNegativeRetries    = errors.New("max retries cannot be negative")
	ErrBranchNameEmpty    = errors.New("branch name empty")
	ErrBranchNoSteps      = errors.New("branch has no steps")
	ErrBranchNoCondition  = errors.New("conditional branch has no condition")
	ErrBranchAmbiguous    = errors.New(
		"branch must be either conditional or default",
	)
	ErrBranchManyDefaults = errors.New("at most one default branch allowed")
	ErrUnknownDependency  = errors.New("unknown step dependency")
	ErrDependencyCycle    = errors.New("dependency cycle")
)

// Validate checks that a step definition is well formed, including its
// inline branch step templates
func (d *StepDefinition) Validate() error {
	if d.Name == "" {
		return ErrStepNameEmpty
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s", ErrStepHandlerNil, d.Name)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeRetries, d.Name)
	}
	return validateBranches(d.Branches, d.Name)
}

func validateBranches(branches []*Branch, owner StepName) error {
	defaults := 0
	for _, b := range branches {
		if b.Name == "" {
			return fmt.Errorf("%w: step %s", ErrBranchNameEmpty, owner)
		}
		if len(b.Steps) == 0 {
			return fmt.Errorf("%w: %s/%s", ErrBranchNoSteps, owner, b.Name)
		}
		if b.IsDefault == b.IsConditional {
			return fmt.Errorf("%w: %s/%s", ErrBranchAmbiguous, owner, b.Name)
		}
		if b.IsConditional && b.Condition == "" {
			return fmt.Errorf("%w: %s/%s", ErrBranchNoCondition, owner, b.Name)
		}
		if b.IsDefault {
			defaults++
		}
		for _, s := range b.Steps {
			if err := s.Validate(); err != nil {
				return err
			}
		}
	}
	if defaults > 1 {
		return fmt.Errorf("%w: step %s", ErrBranchManyDefaults, owner)
	}
	return nil
}

// BranchDepth returns the deepest nesting level among the definition's
// branches; a definition without branches has depth zero
func (d *StepDefinition) BranchDepth() int {
	if len(d.Branches) == 0 {
		return 0
	}
	deepest := 0
	for _, b := range d.Branches {
		for _, s := range b.Steps {
			if sub := s.BranchDepth(); sub > deepest {
				deepest = sub
			}
		}
	}
	return deepest + 1
}

// Hash returns a stable digest of the definition's static metadata. Handlers
// are excluded; two registrations of the same flow type must agree on every
// hash or the registration is rejected
func (d *StepDefinition) Hash() string {
	data, _ := json.Marshal(d)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Instantiate creates the runtime step instance for this definition
func (d *StepDefinition) Instantiate(idx int, branchPath string) *StepState {
	return &StepState{
		Name:           d.Name,
		Status:         StepPending,
		Index:          idx,
		IsCritical:     d.IsCritical,
		IsIdempotent:   d.IsIdempotent,
		CanParallel:    d.CanParallel,
		AwaitTriggered: d.AwaitTriggered,
		MaxRetries:     d.MaxRetries,
		RetryDelay:     d.RetryDelay,
		Timeout:        d.Timeout,
		Priority:       d.Priority,
		ResourceGroup:  d.ResourceGroup,
		Dependencies:   d.Dependencies,
		DataDeps:       d.DataDeps,
		Outputs:        d.Outputs,
		Branches:       d.Branches,
		BranchPath:     branchPath,
	}
}
