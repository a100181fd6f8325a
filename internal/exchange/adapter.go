// Package exchange provides the exchange adapter port, the manifest-based
// plugin loader, the built-in adapters, and the live broker that drives an
// adapter from the event log.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weaverhq/weaver/pkg/types"
)

// ErrorKind classifies adapter failures: connection failures are the
// caller's to retry, rejections are final and mark the order rejected.
type ErrorKind string

const (
	ErrKindConnection ErrorKind = "connection"
	ErrKindRejection  ErrorKind = "rejection"
	ErrKindRateLimit  ErrorKind = "rate_limit"
	ErrKindValidation ErrorKind = "validation"
)

// Error is a typed adapter failure.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange %s error [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the caller may retry the operation.
// Account-inactive is a connection failure but retrying cannot fix it.
func (e *Error) Retryable() bool {
	if e.Code == "account_inactive" {
		return false
	}
	return e.Kind == ErrKindConnection || e.Kind == ErrKindRateLimit
}

// AsError unwraps an adapter error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// connErr builds a connection-kind error wrapping cause.
func connErr(message string, cause error) *Error {
	return &Error{Kind: ErrKindConnection, Message: message, Cause: cause}
}

// Credentials authenticates an adapter against an exchange environment.
type Credentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
	StreamURL string
	Paper     bool
}

// SubmitResult is the exchange's answer to an order submission. Success
// means accepted for processing, not filled.
type SubmitResult struct {
	Success         bool
	ExchangeOrderID string
	Status          types.OrderStatus
	ErrorCode       string
	ErrorMessage    string
}

// ListOrdersFilter narrows ListOrders.
type ListOrdersFilter struct {
	Status types.OrderStatus
	Symbol string
	Limit  int
}

// Adapter is the exchange port. Implementations begin disconnected; every
// order and data method asserts connectivity first. All order-mutating
// operations are idempotent in the client order id.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	SubmitOrder(ctx context.Context, order *types.Order) (*SubmitResult, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error)
	ListOrders(ctx context.Context, filter ListOrdersFilter) ([]*types.Order, error)

	GetAccount(ctx context.Context) (*types.Account, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error)
}

// Streamer is the optional streaming extension. The returned channel closes
// when the stream ends; the error channel delivers at most one error.
type Streamer interface {
	StreamBars(ctx context.Context, symbols []string, tf types.Timeframe) (<-chan types.Bar, <-chan error, error)
}
