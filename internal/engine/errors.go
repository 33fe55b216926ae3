package engine

import (
	"errors"

	"github.com/scholaris/approval-engine/internal/store"
)

// Error taxonomy surfaced to callers. HTTP handlers map these onto
// status codes, so every operation normalizes store errors through
// mapStoreErr before returning.
var (
	ErrValidation           = errors.New("validation failed")
	ErrNoApplicableTemplate = errors.New("no applicable workflow template")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrForbidden            = errors.New("forbidden")
	ErrTransitionDenied     = errors.New("transition denied")
)

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	case errors.Is(err, store.ErrDuplicatePriority):
		return ErrConflict
	case errors.Is(err, store.ErrTerminal):
		return ErrTransitionDenied
	default:
		return err
	}
}
