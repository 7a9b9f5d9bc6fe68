package derived

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"newsview/internal/viewsync"
	"newsview/pkg/newsview"
)

// Mode selects which cached items a listing displays.
type Mode string

const (
	// ModeAll displays every cached item.
	ModeAll Mode = "all"
	// ModeNew displays only new items.
	ModeNew Mode = "new"
	// ModeUnread displays items not yet opened.
	ModeUnread Mode = "unread"
	// ModeSticky displays flagged items.
	ModeSticky Mode = "sticky"
	// ModeLabeled displays items carrying one label.
	ModeLabeled Mode = "labeled"
)

// ParseMode parses a display mode name; empty selects ModeAll.
func ParseMode(raw string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return ModeAll, nil
	case ModeAll, ModeNew, ModeUnread, ModeSticky, ModeLabeled:
		return mode, nil
	default:
		return "", fmt.Errorf("parse display mode %q: unsupported", raw)
	}
}

var (
	_ viewsync.DisplayFilter   = (*DisplayFilter)(nil)
	_ newsview.DerivedViewHook = (*DisplayFilter)(nil)
)

// DisplayFilter is the user-selected display predicate. It is safe to
// change the mode while an engine reads it.
type DisplayFilter struct {
	mu    sync.RWMutex
	mode  Mode
	label string
}

// NewDisplayFilter creates a filter; ModeLabeled requires a label.
func NewDisplayFilter(mode Mode, label string) (*DisplayFilter, error) {
	filter := &DisplayFilter{}
	if err := filter.SetMode(mode, label); err != nil {
		return nil, err
	}

	return filter, nil
}

// SetMode switches the active mode.
func (f *DisplayFilter) SetMode(mode Mode, label string) error {
	parsed, err := ParseMode(string(mode))
	if err != nil {
		return err
	}
	label = strings.TrimSpace(label)
	if parsed == ModeLabeled && label == "" {
		return fmt.Errorf("set display mode %s: label is required", parsed)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = parsed
	f.label = label

	return nil
}

// Mode returns the active mode.
func (f *DisplayFilter) Mode() Mode {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.mode
}

// Name returns the hook identifier.
func (f *DisplayFilter) Name() string {
	return "display_filter"
}

// Predicate returns the predicate of the active mode; ModeAll returns nil.
func (f *DisplayFilter) Predicate() newsview.Predicate {
	f.mu.RLock()
	mode, label := f.mode, f.label
	f.mu.RUnlock()

	return predicateFor(mode, label)
}

// AppliedByQuery reports whether a membership query narrowed by filter
// returns only items this display mode admits.
func (f *DisplayFilter) AppliedByQuery(filter newsview.VisibilityFilter) bool {
	switch f.Mode() {
	case ModeAll:
		return true
	case ModeNew:
		return filter == newsview.FilterNew
	case ModeUnread:
		return filter == newsview.FilterNew || filter == newsview.FilterUnread
	default:
		return false
	}
}

// NeedsRefresh reports whether an update flipped an item's admission.
func (f *DisplayFilter) NeedsRefresh(events []newsview.ChangeEvent) bool {
	predicate := f.Predicate()
	if predicate == nil {
		return false
	}

	for _, event := range events {
		if event.Kind != newsview.ChangeUpdated || event.Old == nil || event.New == nil {
			continue
		}
		if predicate(*event.Old) != predicate(*event.New) {
			return true
		}
	}

	return false
}

func predicateFor(mode Mode, label string) newsview.Predicate {
	switch mode {
	case ModeNew:
		return func(snapshot newsview.EntitySnapshot) bool {
			return snapshot.State == newsview.StateNew
		}
	case ModeUnread:
		return func(snapshot newsview.EntitySnapshot) bool {
			return newsview.FilterUnread.Admits(snapshot.State)
		}
	case ModeSticky:
		return func(snapshot newsview.EntitySnapshot) bool {
			return snapshot.Sticky
		}
	case ModeLabeled:
		return func(snapshot newsview.EntitySnapshot) bool {
			return slices.Contains(snapshot.Labels, label)
		}
	default:
		return nil
	}
}
