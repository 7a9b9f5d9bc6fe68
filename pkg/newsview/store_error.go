package newsview

import (
	"errors"
	"fmt"
	"strings"
)

// StoreOperation identifies one consumed store call.
type StoreOperation string

const (
	// StoreOperationResolveMembers identifies Store.ResolveMembers calls.
	StoreOperationResolveMembers StoreOperation = "resolve_members"
	// StoreOperationSearch identifies SearchIndex.Search calls.
	StoreOperationSearch StoreOperation = "search"
	// StoreOperationSubscribe identifies Store.Subscribe calls.
	StoreOperationSubscribe StoreOperation = "subscribe"
)

// StoreUnavailableError carries structured metadata for one failed store call.
//
// It matches ErrStoreUnavailable with errors.Is and unwraps to Cause.
type StoreUnavailableError struct {
	// Operation identifies which store call failed.
	Operation StoreOperation
	// View is the view being resolved when the call failed.
	View string
	// Cause is the wrapped store error.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *StoreUnavailableError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 2)
	if operation := strings.TrimSpace(string(e.Operation)); operation != "" {
		fields = append(fields, "operation="+operation)
	}
	if view := strings.TrimSpace(e.View); view != "" {
		fields = append(fields, "view="+view)
	}

	summary := ErrStoreUnavailable.Error()
	if len(fields) > 0 {
		summary += ": " + strings.Join(fields, " ")
	}
	if e.Cause == nil {
		return summary
	}

	return fmt.Sprintf("%s: %v", summary, e.Cause)
}

// Unwrap returns the wrapped root cause.
func (e *StoreUnavailableError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// Is matches ErrStoreUnavailable.
func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// AsStoreUnavailable extracts one StoreUnavailableError from wrapped error chains.
func AsStoreUnavailable(err error) (*StoreUnavailableError, bool) {
	if err == nil {
		return nil, false
	}

	var storeErr *StoreUnavailableError
	if errors.As(err, &storeErr) {
		return storeErr, true
	}

	return nil, false
}
