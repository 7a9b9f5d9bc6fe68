package newsview

import "errors"

var (
	// ErrStoreUnavailable indicates that a backing store membership call failed as a whole.
	ErrStoreUnavailable = errors.New("newsview: store unavailable")
	// ErrNotFound indicates that one entity reference could not be resolved.
	ErrNotFound = errors.New("newsview: entity not found")
	// ErrUnknownViewKind indicates a view variant the engine does not implement.
	ErrUnknownViewKind = errors.New("newsview: unknown view kind")
	// ErrInvalidView indicates a malformed view descriptor.
	ErrInvalidView = errors.New("newsview: invalid view")
	// ErrStaleJobResult indicates a resolution result superseded by a newer job.
	ErrStaleJobResult = errors.New("newsview: stale job result")
	// ErrNotBound indicates an operation that requires a bound view.
	ErrNotBound = errors.New("newsview: no view bound")
	// ErrEngineClosed indicates use of an engine after Close.
	ErrEngineClosed = errors.New("newsview: engine closed")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("newsview: subscription closed")
	// ErrEventDropped indicates a non-blocking backpressure drop of a change batch.
	ErrEventDropped = errors.New("newsview: change batch dropped due to backpressure")
	// ErrSurfaceAlreadyRegistered indicates duplicate surface registration.
	ErrSurfaceAlreadyRegistered = errors.New("newsview: surface already registered")
	// ErrSurfaceNotFound indicates a surface lookup miss.
	ErrSurfaceNotFound = errors.New("newsview: surface not found")
	// ErrCallbackPanicked wraps a recovered panic from a listener.
	ErrCallbackPanicked = errors.New("newsview: callback panicked")
)
