package engine

import (
	"errors"

	"github.com/paywise/flowengine/internal/catalog"
	"github.com/paywise/flowengine/internal/store"
)

// Code is the symbolic error classification exposed at the engine boundary
type Code string

const (
	CodeOK                Code = "OK"
	CodeNotFound          Code = "NotFound"
	CodeInvalidTransition Code = "InvalidTransition"
	CodeUnknownFlowType   Code = "UnknownFlowType"
	CodeConflict          Code = "Conflict"
	CodeCatalogDrift      Code = "CatalogDrift"
	CodeEngineError       Code = "EngineError"
)

var (
	ErrFlowNotFound      = errors.New("flow not found")
	ErrFlowExists        = errors.New("flow exists")
	ErrStepNotFound      = errors.New("step not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCatalogDrift      = errors.New("catalog drift")
	ErrConflictingWrite  = errors.New("conflicting data context write")
	ErrUndeclaredWrite   = errors.New(
		"step overwrote a key it does not declare as output",
	)
	ErrBranchSelectionFailed = errors.New("branch selection failed")
	ErrBranchNestingExceeded = errors.New("branch nesting exceeded")
	ErrFlowStalled           = errors.New(
		"no runnable steps and flow is not terminal",
	)
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
	ErrUnknownBatchOp  = errors.New("unknown batch operation")
)

// CodeOf maps an engine error to its symbolic boundary code
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrFlowNotFound),
		errors.Is(err, store.ErrFlowNotFound),
		errors.Is(err, ErrStepNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, catalog.ErrUnknownFlowType):
		return CodeUnknownFlowType
	case errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrFlowExists),
		errors.Is(err, ErrFlowExists),
		errors.Is(err, ErrConflictingWrite),
		errors.Is(err, catalog.ErrDuplicateRegistration):
		return CodeConflict
	case errors.Is(err, ErrCatalogDrift):
		return CodeCatalogDrift
	default:
		return CodeEngineError
	}
}
