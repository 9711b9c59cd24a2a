// Package errs holds the error taxonomy shared by the gateway components.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthenticationFailed covers malformed, expired, revoked or orphaned credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrAuthorizationDenied is returned when a valid identity is not a member of the target scope.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrTimeout is returned when a bounded check does not finish in time.
	ErrTimeout = errors.New("operation timed out")
)

// ValidationError reports bad input for a single action.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validation builds a *ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StoreError wraps a failure of the durable store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store wraps err in a *StoreError unless it is nil or already one.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// ProtocolError reports an unparseable inbound frame.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStore reports whether err is a *StoreError.
func IsStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IsProtocol reports whether err is a *ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ClientMessage returns the text reported back to a client for err.
func ClientMessage(err error) string {
	var (
		ve *ValidationError
		pe *ProtocolError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Error()
	case errors.As(err, &pe):
		return "invalid frame: " + pe.Reason
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication failed"
	case errors.Is(err, ErrAuthorizationDenied):
		return "you are not a member of this chat"
	case errors.Is(err, ErrTimeout):
		return "request timed out"
	case IsStore(err):
		return "request failed, please retry"
	default:
		return "internal error"
	}
}

// WithDeadline runs fn with a context bounded by d and returns ErrTimeout if fn
// has not returned by then, even when fn ignores its context.
func WithDeadline[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn(ctx)
		done <- result{val: val, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return r.val, fmt.Errorf("%w: %v", ErrTimeout, r.err)
		}
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ErrTimeout
	}
}
