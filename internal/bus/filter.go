package bus

import (
	"github.com/paywise/flowengine/internal/util"
	"github.com/paywise/flowengine/pkg/api"
)

// Filter decides whether a subscriber receives an event
type Filter func(*Event) bool

// FilterFlow matches events for a single flow
func FilterFlow(id api.FlowID) Filter {
	return func(ev *Event) bool {
		return ev.FlowID == id
	}
}

// FilterTypes matches events of any of the given types
func FilterTypes(types ...api.EventType) Filter {
	set := util.SetOf(types...)
	return func(ev *Event) bool {
		return set.Contains(ev.Type)
	}
}

// FilterAll matches every event. Used by the admin stream
func FilterAll() Filter {
	return func(*Event) bool {
		return true
	}
}

// FilterNone matches nothing. Clients start here until they subscribe
func FilterNone() Filter {
	return func(*Event) bool {
		return false
	}
}

// And combines filters so all must match
func And(filters ...Filter) Filter {
	return func(ev *Event) bool {
		for _, f := range filters {
			if !f(ev) {
				return false
			}
		}
		return true
	}
}
