package derived

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"newsview/internal/viewsync"
	"newsview/pkg/newsview"
)

// SortKey names the field a listing is ordered by.
type SortKey string

const (
	// KeyDate orders by publication time.
	KeyDate SortKey = "date"
	// KeyTitle orders by headline.
	KeyTitle SortKey = "title"
	// KeyAuthor orders by byline.
	KeyAuthor SortKey = "author"
	// KeySource orders by feed.
	KeySource SortKey = "source"
)

// ParseSortKey parses a key name; empty selects KeyDate.
func ParseSortKey(raw string) (SortKey, error) {
	switch key := SortKey(strings.ToLower(strings.TrimSpace(raw))); key {
	case "":
		return KeyDate, nil
	case KeyDate, KeyTitle, KeyAuthor, KeySource:
		return key, nil
	default:
		return "", fmt.Errorf("parse sort key %q: unsupported", raw)
	}
}

var (
	_ viewsync.SortOrder       = (*Sorter)(nil)
	_ newsview.DerivedViewHook = (*Sorter)(nil)
)

// Sorter is the user-selected listing order. Ties always fall back to the
// default newest-first order so rankings are total.
type Sorter struct {
	mu         sync.RWMutex
	key        SortKey
	descending bool
}

// NewSorter creates a sorter for key.
func NewSorter(key SortKey, descending bool) (*Sorter, error) {
	sorter := &Sorter{}
	if err := sorter.SetOrder(key, descending); err != nil {
		return nil, err
	}

	return sorter, nil
}

// SetOrder switches the active order.
func (s *Sorter) SetOrder(key SortKey, descending bool) error {
	parsed, err := ParseSortKey(string(key))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = parsed
	s.descending = descending

	return nil
}

// Name returns the hook identifier.
func (s *Sorter) Name() string {
	return "sort_order"
}

// Comparator returns the comparator of the active order.
func (s *Sorter) Comparator() newsview.Comparator {
	s.mu.RLock()
	key, descending := s.key, s.descending
	s.mu.RUnlock()

	primary := primaryComparator(key)
	return func(a, b newsview.EntitySnapshot) int {
		result := primary(a, b)
		if descending {
			result = -result
		}
		if result != 0 {
			return result
		}

		return viewsync.DefaultComparator(a, b)
	}
}

// Sort orders snapshots in place under the active order.
func (s *Sorter) Sort(snapshots []newsview.EntitySnapshot) {
	comparator := s.Comparator()
	sort.SliceStable(snapshots, func(i, j int) bool {
		return comparator(snapshots[i], snapshots[j]) < 0
	})
}

// NeedsRefresh reports whether an update changed an item's sort key.
func (s *Sorter) NeedsRefresh(events []newsview.ChangeEvent) bool {
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()

	primary := primaryComparator(key)
	for _, event := range events {
		if event.Kind != newsview.ChangeUpdated || event.Old == nil || event.New == nil {
			continue
		}
		if primary(*event.Old, *event.New) != 0 {
			return true
		}
	}

	return false
}

// primaryComparator orders ascending by key.
func primaryComparator(key SortKey) newsview.Comparator {
	switch key {
	case KeyTitle:
		return func(a, b newsview.EntitySnapshot) int {
			return compareFold(a.Title, b.Title)
		}
	case KeyAuthor:
		return func(a, b newsview.EntitySnapshot) int {
			return compareFold(a.Author, b.Author)
		}
	case KeySource:
		return func(a, b newsview.EntitySnapshot) int {
			return strings.Compare(a.Source, b.Source)
		}
	default:
		return func(a, b newsview.EntitySnapshot) int {
			return a.SortTime().Compare(b.SortTime())
		}
	}
}

func compareFold(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}
