package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/pkg/api"
)

// selectBranch picks exactly one of a completed step's branches and splices
// its steps into the flow after the step's index. Unchosen branches' steps
// are spliced as Skipped so step accounting stays complete. Evaluation
// order: an explicit hint from the step result, then conditionals in
// declaration order, then the default
func (e *Engine) selectBranch(
	st *api.FlowState, s *api.StepState, hint string, now time.Time,
) (*api.FlowState, []*bus.Event, error) {
	chosen, err := e.chooseBranch(st, s, hint)
	if err != nil {
		return nil, nil, err
	}

	path := joinBranchPath(s.BranchPath, chosen.Name)
	if err := e.checkNesting(path, chosen); err != nil {
		return nil, nil, err
	}

	var spliced []*api.StepState
	for _, d := range chosen.Steps {
		inst := d.Instantiate(0, path)
		inst.Dependencies = withDependency(inst.Dependencies, s.Name)
		spliced = append(spliced, inst)
	}
	for _, b := range s.Branches {
		if b == chosen {
			continue
		}
		skippedPath := joinBranchPath(s.BranchPath, b.Name)
		for _, d := range b.Steps {
			inst := d.Instantiate(0, skippedPath)
			inst.Status = api.StepSkipped
			spliced = append(spliced, inst)
		}
	}

	for _, inst := range spliced {
		if st.StepIndex(inst.Name) >= 0 {
			return nil, nil, fmt.Errorf(
				"%w: duplicate step %s from branch %s",
				ErrBranchSelectionFailed, inst.Name, chosen.Name)
		}
	}

	next := st.SpliceSteps(s.Index, spliced)
	next = next.AppendEvent(
		audit(api.EventTypeBranchSelected,
			fmt.Sprintf("step %s selected branch %s", s.Name, chosen.Name),
			now),
		e.config.EventTailLength)

	events := []*bus.Event{{
		Type:   api.EventTypeBranchSelected,
		FlowID: st.ID,
		Data: map[string]any{
			"step":   string(s.Name),
			"branch": chosen.Name,
		},
	}}
	return next, events, nil
}

func (e *Engine) chooseBranch(
	st *api.FlowState, s *api.StepState, hint string,
) (*api.Branch, error) {
	if hint != "" {
		for _, b := range s.Branches {
			if b.Name == hint {
				return b, nil
			}
		}
	}

	data := st.Data.Args()
	for _, b := range s.Branches {
		if !b.IsConditional {
			continue
		}
		ok, err := e.lua.EvaluateCondition(b.Condition, data)
		if err != nil {
			return nil, fmt.Errorf(
				"%w: step %s branch %s: %w",
				ErrBranchSelectionFailed, s.Name, b.Name, err)
		}
		if ok {
			return b, nil
		}
	}

	for _, b := range s.Branches {
		if b.IsDefault {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: step %s has no matching branch",
		ErrBranchSelectionFailed, s.Name)
}

// checkNesting rejects a selection whose spliced steps would exceed the
// configured branch nesting depth
func (e *Engine) checkNesting(path string, chosen *api.Branch) error {
	depth := branchPathDepth(path)
	for _, d := range chosen.Steps {
		if depth+d.BranchDepth() > e.config.BranchNestingMax {
			return fmt.Errorf("%w: %s exceeds depth %d",
				ErrBranchNestingExceeded, path, e.config.BranchNestingMax)
		}
	}
	return nil
}

func joinBranchPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func branchPathDepth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/") + 1
}

func withDependency(deps []api.StepName, name api.StepName) []api.StepName {
	for _, d := range deps {
		if d == name {
			return deps
		}
	}
	return append(append([]api.StepName{}, deps...), name)
}
