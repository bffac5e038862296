// Package catalog implements the process-wide registry of step definitions,
// keyed by flow type. The catalog is read-only after registration: resolve
// order is deterministic and stable across process lifetimes, which restore
// correctness depends on
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/paywise/flowengine/internal/util"
	"github.com/paywise/flowengine/pkg/api"
)

// Catalog maps flow types to their ordered step definition sequences
type Catalog struct {
	flows map[api.FlowType][]*api.StepDefinition
	mu    sync.RWMutex
}

var (
	ErrUnknownFlowType      = errors.New("unknown flow type")
	ErrDuplicateStepName    = errors.New("duplicate step name")
	ErrDuplicateRegistration = errors.New(
		"flow type already registered with different definitions",
	)
)

// New creates an empty catalog
func New() *Catalog {
	return &Catalog{
		flows: map[api.FlowType][]*api.StepDefinition{},
	}
}

// Register adds a flow type with its ordered step definitions. Registration
// is idempotent: re-registering an identical sequence succeeds, while any
// definition hash difference fails with ErrDuplicateRegistration
func (c *Catalog) Register(
	flowType api.FlowType, defs []*api.StepDefinition,
) error {
	if err := validate(flowType, defs); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.flows[flowType]; ok {
		if !sameDefinitions(existing, defs) {
			return fmt.Errorf("%w: %s", ErrDuplicateRegistration, flowType)
		}
		return nil
	}

	c.flows[flowType] = slices.Clone(defs)
	return nil
}

// Resolve returns the ordered step definitions for a flow type
func (c *Catalog) Resolve(
	flowType api.FlowType,
) ([]*api.StepDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	defs, ok := c.flows[flowType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlowType, flowType)
	}
	return defs, nil
}

// Lookup returns a single definition by step name, searching branch step
// templates as well. Restored flows resolve their steps through this
func (c *Catalog) Lookup(
	flowType api.FlowType, name api.StepName,
) (*api.StepDefinition, error) {
	defs, err := c.Resolve(flowType)
	if err != nil {
		return nil, err
	}
	if d := findDefinition(defs, name); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownFlowType, flowType, name)
}

// Types returns all registered flow types in sorted order
func (c *Catalog) Types() []api.FlowType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	types := make([]api.FlowType, 0, len(c.flows))
	for ft := range c.flows {
		types = append(types, ft)
	}
	slices.Sort(types)
	return types
}

func findDefinition(
	defs []*api.StepDefinition, name api.StepName,
) *api.StepDefinition {
	for _, d := range defs {
		if d.Name == name {
			return d
		}
		for _, b := range d.Branches {
			if found := findDefinition(b.Steps, name); found != nil {
				return found
			}
		}
	}
	return nil
}

func validate(flowType api.FlowType, defs []*api.StepDefinition) error {
	if flowType == "" {
		return fmt.Errorf("%w: empty", ErrUnknownFlowType)
	}

	names := util.Set[api.StepName]{}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		if names.Contains(d.Name) {
			return fmt.Errorf("%w: %s", ErrDuplicateStepName, d.Name)
		}
		names.Add(d.Name)
	}

	for _, d := range defs {
		for _, dep := range d.Dependencies {
			if !names.Contains(dep) {
				return fmt.Errorf("%w: %s -> %s",
					api.ErrUnknownDependency, d.Name, dep)
			}
		}
	}

	return checkCycles(defs)
}

// checkCycles rejects dependency cycles among top-level definitions using a
// depth-first walk with a visiting mark
func checkCycles(defs []*api.StepDefinition) error {
	byName := make(map[api.StepName]*api.StepDefinition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	marks := map[api.StepName]int{}

	var visit func(name api.StepName) error
	visit = func(name api.StepName) error {
		switch marks[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", api.ErrDependencyCycle, name)
		}
		marks[name] = visiting
		if d, ok := byName[name]; ok {
			for _, dep := range d.Dependencies {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		marks[name] = done
		return nil
	}

	for _, d := range defs {
		if err := visit(d.Name); err != nil {
			return err
		}
	}
	return nil
}

func sameDefinitions(a, b []*api.StepDefinition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Hash() != b[i].Hash() {
			return false
		}
	}
	return true
}
