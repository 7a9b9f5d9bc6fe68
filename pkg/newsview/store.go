package newsview

import (
	"context"
	"time"
)

// BatchListener receives one batch of change events for a single entity kind.
//
// Batches are delivered at least once; ordering is preserved within a batch
// and across batches of the same kind, but not across kinds.
type BatchListener func(ctx context.Context, events []ChangeEvent) error

// Subscription controls an active change stream registration.
type Subscription interface {
	// Name returns the subscription identifier.
	Name() string
	// Close stops delivery for this subscription and waits for in-flight listeners.
	Close(ctx context.Context) error
}

// Store is the read and subscribe contract of the backing entity store.
//
// Implementations must be concurrency-safe: resolution runs on background
// goroutines while change batches are being delivered.
type Store interface {
	// ResolveMembers lists the references belonging to a single-source or bin view
	// whose state is one of states.
	ResolveMembers(ctx context.Context, view ViewDescriptor, states []VisibilityState) ([]EntityRef, error)
	// ResolveOne loads one referenced entity, returning ErrNotFound when it is gone.
	ResolveOne(ctx context.Context, ref EntityRef) (EntitySnapshot, error)
	// Subscribe registers listener for change batches of one entity kind.
	Subscribe(ctx context.Context, kind EntityKind, listener BatchListener) (Subscription, error)
}

// SearchIndex is the query contract of the external full-text index.
type SearchIndex interface {
	// Search lists the references matched by a saved search whose state is one of states.
	Search(ctx context.Context, searchID string, states []VisibilityState) ([]EntityRef, error)
}

// BackpressurePolicy defines how change feeds behave when listener queues are full.
type BackpressurePolicy string

const (
	// BackpressureBlock blocks the publisher until queue space is available.
	BackpressureBlock BackpressurePolicy = "block"
	// BackpressureDropNewest drops the incoming batch when full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued batch before enqueue.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
)

// FeedSpec configures queueing for change feed subscriptions.
type FeedSpec struct {
	// Buffer is the per-subscription queue depth.
	Buffer int
	// Backpressure selects the full-queue policy.
	Backpressure BackpressurePolicy
	// ListenerTimeout bounds one listener call; zero disables the bound.
	ListenerTimeout time.Duration
}

// VisibilityFilterSource reports the filter currently selected by the user.
type VisibilityFilterSource func() VisibilityFilter

// StaticVisibilityFilter returns a source that always reports filter.
func StaticVisibilityFilter(filter VisibilityFilter) VisibilityFilterSource {
	return func() VisibilityFilter {
		return filter
	}
}
