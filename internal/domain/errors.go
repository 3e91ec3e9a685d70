package domain

import "errors"

// Error taxonomy shared by every component. Specific errors wrap one of these
// so callers can branch with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrInvalidState        = errors.New("invalid state")
	ErrExpired             = errors.New("token expired")
	ErrRevoked             = errors.New("token revoked")
	ErrReused              = errors.New("refresh token reused")
	ErrExternalUnavailable = errors.New("external service unavailable")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrValidation          = errors.New("validation failed")
	ErrUnauthenticated     = errors.New("unauthenticated")
)

// IllegalTransitionError reports a rejected state machine edge.
type IllegalTransitionError struct {
	Entity string
	From   string
	Event  string
}

func (e *IllegalTransitionError) Error() string {
	return e.Entity + ": cannot apply " + e.Event + " in state " + e.From
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
