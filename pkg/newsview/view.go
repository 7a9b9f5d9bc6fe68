package newsview

import (
	"fmt"
	"strconv"
	"strings"
)

// ViewKind selects the membership strategy of a view.
type ViewKind string

const (
	// ViewKindSingleSource shows the items of one feed.
	ViewKindSingleSource ViewKind = "single_source"
	// ViewKindBin shows the items a user moved or copied into a bin.
	ViewKindBin ViewKind = "bin"
	// ViewKindSavedSearch shows the items an external search index matches.
	ViewKindSavedSearch ViewKind = "saved_search"
	// ViewKindFolder aggregates the items of descendant feeds and bins.
	ViewKindFolder ViewKind = "folder"
)

// ViewDescriptor is a tagged variant describing what a surface displays.
//
// Kind selects which fields are meaningful: Target for every kind, BinID for
// bins, Children and MaxSize for folders.
type ViewDescriptor struct {
	// Kind is the variant tag.
	Kind ViewKind
	// Target is the opaque target identifier (feed link, bin name, search id, folder id).
	Target string
	// BinID is the numeric container id for bin views.
	BinID int64
	// Children are the descendant views of a folder.
	Children []ViewDescriptor
	// MaxSize bounds the number of cached items of a folder; zero disables the bound.
	MaxSize int
}

// SingleSourceView describes the view of one feed.
func SingleSourceView(source string) ViewDescriptor {
	return ViewDescriptor{Kind: ViewKindSingleSource, Target: source}
}

// BinView describes the view of one bin.
func BinView(binID int64) ViewDescriptor {
	return ViewDescriptor{
		Kind:   ViewKindBin,
		Target: strconv.FormatInt(binID, 10),
		BinID:  binID,
	}
}

// SavedSearchView describes the view of one saved search.
func SavedSearchView(searchID string) ViewDescriptor {
	return ViewDescriptor{Kind: ViewKindSavedSearch, Target: searchID}
}

// FolderView describes an aggregate view over descendant feeds and bins.
func FolderView(folderID string, maxSize int, children ...ViewDescriptor) ViewDescriptor {
	return ViewDescriptor{
		Kind:     ViewKindFolder,
		Target:   folderID,
		Children: cloneViews(children),
		MaxSize:  maxSize,
	}
}

// Validate checks that the descriptor is well formed for its kind.
func (v ViewDescriptor) Validate() error {
	switch v.Kind {
	case ViewKindSingleSource, ViewKindSavedSearch:
		if strings.TrimSpace(v.Target) == "" {
			return fmt.Errorf("validate %s view: %w: missing target", v.Kind, ErrInvalidView)
		}
	case ViewKindBin:
		if v.BinID <= 0 {
			return fmt.Errorf("validate bin view %q: %w: bin id must be positive", v.Target, ErrInvalidView)
		}
	case ViewKindFolder:
		if v.MaxSize < 0 {
			return fmt.Errorf("validate folder view %q: %w: negative max size", v.Target, ErrInvalidView)
		}
		for idx, child := range v.Children {
			if child.Kind == ViewKindSavedSearch {
				return fmt.Errorf("validate folder view %q child %d: %w: saved searches cannot be folder members", v.Target, idx, ErrInvalidView)
			}
			if err := child.Validate(); err != nil {
				return fmt.Errorf("validate folder view %q child %d: %w", v.Target, idx, err)
			}
		}
	default:
		return fmt.Errorf("validate view %q: %w", string(v.Kind), ErrUnknownViewKind)
	}

	return nil
}

// Leaves flattens a folder into its single-source and bin descendants.
// Non-folder views return themselves.
func (v ViewDescriptor) Leaves() []ViewDescriptor {
	if v.Kind != ViewKindFolder {
		return []ViewDescriptor{v.Clone()}
	}

	leaves := make([]ViewDescriptor, 0, len(v.Children))
	for _, child := range v.Children {
		leaves = append(leaves, child.Leaves()...)
	}

	return leaves
}

// SameTarget reports whether two descriptors address the same view.
func (v ViewDescriptor) SameTarget(other ViewDescriptor) bool {
	return v.Kind == other.Kind && v.Target == other.Target && v.BinID == other.BinID
}

// Clone deep copies the descriptor.
func (v ViewDescriptor) Clone() ViewDescriptor {
	cloned := v
	cloned.Children = cloneViews(v.Children)

	return cloned
}

// String renders a compact identifier for logs.
func (v ViewDescriptor) String() string {
	return string(v.Kind) + ":" + v.Target
}

func cloneViews(views []ViewDescriptor) []ViewDescriptor {
	if len(views) == 0 {
		return nil
	}

	cloned := make([]ViewDescriptor, len(views))
	for idx, view := range views {
		cloned[idx] = view.Clone()
	}

	return cloned
}

// VisibilityFilter narrows membership queries by visibility state.
type VisibilityFilter string

const (
	// FilterAll shows every visible item.
	FilterAll VisibilityFilter = "all"
	// FilterNew shows only new items.
	FilterNew VisibilityFilter = "new"
	// FilterUnread shows new, unread, and updated items.
	FilterUnread VisibilityFilter = "unread"
)

// States returns the visibility states admitted by the filter.
func (f VisibilityFilter) States() []VisibilityState {
	switch f {
	case FilterNew:
		return []VisibilityState{StateNew}
	case FilterUnread:
		return []VisibilityState{StateNew, StateUnread, StateUpdated}
	default:
		return append([]VisibilityState(nil), VisibleStates...)
	}
}

// Admits reports whether an item in state passes the filter.
func (f VisibilityFilter) Admits(state VisibilityState) bool {
	for _, admitted := range f.States() {
		if admitted == state {
			return true
		}
	}

	return false
}

// ParseVisibilityFilter parses a filter name; the empty string means FilterAll.
func ParseVisibilityFilter(raw string) (VisibilityFilter, error) {
	switch VisibilityFilter(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterNew:
		return FilterNew, nil
	case FilterUnread:
		return FilterUnread, nil
	default:
		return "", fmt.Errorf("parse visibility filter %q: unsupported value", raw)
	}
}
