package api

import (
	"regexp"
	"strings"
)

type (
	// FlowID is a unique identifier for a flow instance
	FlowID string

	// FlowType is the catalog key naming a registered flow definition
	FlowType string

	// StepName identifies a step within a flow; step names are the only
	// durable step identity across restarts
	StepName string

	// CorrelationID groups related flows; opaque to the engine
	CorrelationID string

	// UserID is the principal a flow runs on behalf of; opaque to the engine
	UserID string

	// Name is a key in the flow data context
	Name string

	// FlowStep identifies a step execution within a flow
	FlowStep struct {
		FlowID FlowID
		Step   StepName
	}
)

// InvalidIDChars matches characters not permitted in flow IDs and step names.
// Valid characters are: letters, digits, underscore, dot, hyphen, plus, space
var InvalidIDChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-+ ]`)

// SanitizeID lowercases an ID, removes invalid characters, replaces spaces
// with hyphens, and trims leading and trailing hyphens
func SanitizeID[T ~string](id T) T {
	lower := strings.ToLower(string(id))
	sanitized := InvalidIDChars.ReplaceAllString(lower, "")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	return T(strings.Trim(sanitized, "-"))
}
