package viewsync

import (
	"sort"

	"newsview/pkg/newsview"
)

// FolderBoundedAggregator filters, sorts, and truncates oversized folder
// member sets so only the highest-ranked entries are cached.
type FolderBoundedAggregator struct {
	displayFilter DisplayFilter
	sortOrder     SortOrder
}

// NewFolderBoundedAggregator creates an aggregator; nil collaborators select
// no display filter and the default order.
func NewFolderBoundedAggregator(displayFilter DisplayFilter, sortOrder SortOrder) *FolderBoundedAggregator {
	return &FolderBoundedAggregator{displayFilter: displayFilter, sortOrder: sortOrder}
}

// Limit returns at most maxSize members ranked by comparator. A nil
// comparator selects Comparator(). The display filter is skipped when
// alreadyFiltered is set; maxSize <= 0 keeps every member.
func (a *FolderBoundedAggregator) Limit(
	members []newsview.EntitySnapshot,
	alreadyFiltered bool,
	comparator newsview.Comparator,
	maxSize int,
) []newsview.EntitySnapshot {
	limited := make([]newsview.EntitySnapshot, 0, len(members))
	predicate := a.predicate()
	for _, member := range members {
		if !alreadyFiltered && predicate != nil && !predicate(member) {
			continue
		}
		limited = append(limited, member.Clone())
	}

	if comparator == nil {
		comparator = a.Comparator()
	}
	sort.SliceStable(limited, func(i, j int) bool {
		return comparator(limited[i], limited[j]) < 0
	})

	if maxSize > 0 && len(limited) > maxSize {
		limited = limited[:maxSize]
	}

	return limited
}

// AlreadyFiltered reports whether a query narrowed by filter already enforces
// the display predicate.
func (a *FolderBoundedAggregator) AlreadyFiltered(filter newsview.VisibilityFilter) bool {
	if a == nil || a.displayFilter == nil || a.displayFilter.Predicate() == nil {
		return true
	}

	return a.displayFilter.AppliedByQuery(filter)
}

// Comparator returns the active comparator or the default published-date order.
func (a *FolderBoundedAggregator) Comparator() newsview.Comparator {
	if a != nil && a.sortOrder != nil {
		if comparator := a.sortOrder.Comparator(); comparator != nil {
			return comparator
		}
	}

	return DefaultComparator
}

func (a *FolderBoundedAggregator) predicate() newsview.Predicate {
	if a == nil || a.displayFilter == nil {
		return nil
	}

	return a.displayFilter.Predicate()
}

// DefaultComparator ranks newer items first and breaks ties by descending id.
func DefaultComparator(a, b newsview.EntitySnapshot) int {
	aTime, bTime := a.SortTime(), b.SortTime()
	switch {
	case aTime.After(bTime):
		return -1
	case aTime.Before(bTime):
		return 1
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	default:
		return 0
	}
}
