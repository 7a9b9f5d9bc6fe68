package newsview

import (
	"fmt"
	"time"
)

// VisibilityState is the read/visibility lifecycle state of one news item.
type VisibilityState string

const (
	// StateNew marks an item that arrived since the user last looked at its source.
	StateNew VisibilityState = "new"
	// StateUnread marks an item that was seen in a listing but not opened.
	StateUnread VisibilityState = "unread"
	// StateUpdated marks a previously read item whose content changed upstream.
	StateUpdated VisibilityState = "updated"
	// StateRead marks an opened item.
	StateRead VisibilityState = "read"
	// StateHidden marks an item removed from views but recoverable.
	StateHidden VisibilityState = "hidden"
	// StateDeleted marks an item pending physical deletion.
	StateDeleted VisibilityState = "deleted"
)

// VisibleStates lists every state a view may render.
var VisibleStates = []VisibilityState{StateNew, StateUnread, StateUpdated, StateRead}

// Visible reports whether items in this state can appear in any view.
func (s VisibilityState) Visible() bool {
	switch s {
	case StateNew, StateUnread, StateUpdated, StateRead:
		return true
	default:
		return false
	}
}

// Validate checks that s is one of the known states.
func (s VisibilityState) Validate() error {
	switch s {
	case StateNew, StateUnread, StateUpdated, StateRead, StateHidden, StateDeleted:
		return nil
	default:
		return fmt.Errorf("validate visibility state %q: unknown state", string(s))
	}
}

// EntitySnapshot is an immutable copy of one news item as seen by the store.
//
// Identity is ID alone; every other field may change between snapshots.
type EntitySnapshot struct {
	// ID is the unique store identifier.
	ID int64
	// ParentID is the enclosing bin id, or 0 when the item lives in its feed.
	ParentID int64
	// State is the visibility state.
	State VisibilityState
	// Sticky reports whether the user flagged the item.
	Sticky bool
	// Source references the feed the item was fetched from.
	Source string
	// Title is the display headline.
	Title string
	// Link is the article URL.
	Link string
	// Author is the byline when known.
	Author string
	// Published is the publication time reported by the feed.
	Published time.Time
	// Modified is the last local modification time.
	Modified time.Time
	// Labels are user-assigned label names.
	Labels []string
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e EntitySnapshot) Clone() EntitySnapshot {
	cloned := e
	if len(e.Labels) > 0 {
		cloned.Labels = append([]string(nil), e.Labels...)
	}

	return cloned
}

// Visible reports whether the snapshot may be cached by a view.
func (e EntitySnapshot) Visible() bool {
	return e.State.Visible()
}

// SortTime returns the timestamp used for date ordering.
func (e EntitySnapshot) SortTime() time.Time {
	if !e.Published.IsZero() {
		return e.Published
	}

	return e.Modified
}

// EntityRef points at one entity without carrying its content.
type EntityRef struct {
	// ID is the referenced entity id.
	ID int64
}

// EntityKind selects which store change stream a subscription observes.
type EntityKind string

const (
	// EntityKindNews is the news item change stream.
	EntityKindNews EntityKind = "news"
	// EntityKindBin is the bin container change stream.
	EntityKindBin EntityKind = "bin"
)

// ChangeKind identifies the raw store mutation type.
type ChangeKind string

const (
	// ChangeAdded is emitted when an entity is persisted for the first time.
	ChangeAdded ChangeKind = "added"
	// ChangeUpdated is emitted when an existing entity is modified.
	ChangeUpdated ChangeKind = "updated"
	// ChangeRemoved is emitted when an entity is physically removed.
	ChangeRemoved ChangeKind = "removed"
)

// ChangeEvent is one raw store notification.
type ChangeEvent struct {
	// EntityID identifies the changed entity.
	EntityID int64
	// Kind is the raw mutation type.
	Kind ChangeKind
	// Old is the snapshot before the change, nil when unknown.
	Old *EntitySnapshot
	// New is the snapshot after the change; for removals it may be nil.
	New *EntitySnapshot
}

// Current returns the most recent snapshot carried by the event.
func (e ChangeEvent) Current() (EntitySnapshot, bool) {
	if e.New != nil {
		return *e.New, true
	}
	if e.Old != nil {
		return *e.Old, true
	}

	return EntitySnapshot{}, false
}

// Validate checks that the event satisfies the notification contract.
func (e ChangeEvent) Validate() error {
	if e.EntityID == 0 {
		return fmt.Errorf("validate change event: missing entity id")
	}
	switch e.Kind {
	case ChangeAdded, ChangeUpdated:
		if e.New == nil {
			return fmt.Errorf("validate change event %d %s: missing new snapshot", e.EntityID, e.Kind)
		}
	case ChangeRemoved:
		if e.New == nil && e.Old == nil {
			return fmt.Errorf("validate change event %d %s: missing snapshot", e.EntityID, e.Kind)
		}
	default:
		return fmt.Errorf("validate change event %d: unknown kind %q", e.EntityID, e.Kind)
	}
	if current, ok := e.Current(); ok && current.ID != e.EntityID {
		return fmt.Errorf("validate change event %d: snapshot id %d mismatch", e.EntityID, current.ID)
	}

	return nil
}

// CloneChangeEvents deep copies a batch so listeners can retain it.
func CloneChangeEvents(events []ChangeEvent) []ChangeEvent {
	if len(events) == 0 {
		return nil
	}

	cloned := make([]ChangeEvent, len(events))
	for idx, event := range events {
		cloned[idx] = ChangeEvent{EntityID: event.EntityID, Kind: event.Kind}
		if event.Old != nil {
			old := event.Old.Clone()
			cloned[idx].Old = &old
		}
		if event.New != nil {
			updated := event.New.Clone()
			cloned[idx].New = &updated
		}
	}

	return cloned
}
