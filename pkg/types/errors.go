package types

import "errors"

// Domain sentinel errors. The HTTP layer maps these onto the wire error
// codes; internal callers branch with errors.Is.
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrRunNotStartable  = errors.New("run is not startable")
	ErrRunNotStoppable  = errors.New("run is not stoppable")
	ErrRunActive        = errors.New("run is active")
	ErrInvalidRunMode   = errors.New("invalid run mode")
	ErrOrderNotFound    = errors.New("order not found")
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrAdapterNotFound  = errors.New("exchange adapter not found")
	ErrBarNotFound      = errors.New("bar not found")
	ErrNotConnected     = errors.New("adapter not connected")
	ErrValidation       = errors.New("validation failed")
)
