package viewsync

import (
	"fmt"

	"newsview/pkg/newsview"
)

// Classification is the category of one change event relative to a bound view.
type Classification string

const (
	// NotRelevant means the event does not concern the view.
	NotRelevant Classification = "not_relevant"
	// Added means a visible entity appeared.
	Added Classification = "added"
	// Updated means a visible entity changed while staying visible.
	Updated Classification = "updated"
	// Removed means an entity disappeared or became invisible.
	Removed Classification = "removed"
	// Restored means an invisible entity became visible again.
	Restored Classification = "restored"
)

// ClassifiedEvent pairs a raw event with its classification.
type ClassifiedEvent struct {
	// Event is the raw store notification.
	Event newsview.ChangeEvent
	// Class is the category relative to the view.
	Class Classification
	// Snapshot is the most recent entity snapshot carried by Event.
	Snapshot newsview.EntitySnapshot
}

// ChangeClassifier decides whether change events concern a view.
type ChangeClassifier struct{}

// Classify returns the category of event for view given the current cache.
// An unknown view kind panics.
func (ChangeClassifier) Classify(
	event newsview.ChangeEvent,
	view newsview.ViewDescriptor,
	cache *ViewCache,
) Classification {
	category := categorize(event)
	if category == NotRelevant {
		return NotRelevant
	}
	snapshot, _ := event.Current()

	var relevant bool
	switch view.Kind {
	case newsview.ViewKindSingleSource:
		relevant = belongsToSource(snapshot, view) || cache.Contains(event.EntityID)
	case newsview.ViewKindBin:
		relevant = belongsToBin(snapshot, view) || cache.Contains(event.EntityID)
	case newsview.ViewKindSavedSearch:
		// The index owns membership; a restored entity may match it again.
		relevant = category == Restored || cache.Contains(event.EntityID)
	case newsview.ViewKindFolder:
		if category == Added || category == Restored {
			relevant = belongsToAnyLeaf(snapshot, view)
		} else {
			relevant = cache.Contains(event.EntityID)
		}
	default:
		panic(fmt.Errorf("classify change for view %q: %w", string(view.Kind), newsview.ErrUnknownViewKind))
	}

	if !relevant {
		return NotRelevant
	}

	return category
}

// ClassifyBatch returns the relevant events of a batch in order.
func (c ChangeClassifier) ClassifyBatch(
	events []newsview.ChangeEvent,
	view newsview.ViewDescriptor,
	cache *ViewCache,
) []ClassifiedEvent {
	relevant := make([]ClassifiedEvent, 0, len(events))
	for _, event := range events {
		class := c.Classify(event, view, cache)
		if class == NotRelevant {
			continue
		}
		snapshot, _ := event.Current()
		relevant = append(relevant, ClassifiedEvent{Event: event, Class: class, Snapshot: snapshot})
	}

	return relevant
}

// categorize maps a raw event onto a category independent of the view.
func categorize(event newsview.ChangeEvent) Classification {
	switch event.Kind {
	case newsview.ChangeAdded:
		if event.New == nil || !event.New.Visible() {
			return NotRelevant
		}
		return Added
	case newsview.ChangeUpdated:
		if event.New == nil {
			return NotRelevant
		}
		if !event.New.Visible() {
			return Removed
		}
		if event.Old != nil && !event.Old.Visible() {
			return Restored
		}
		return Updated
	case newsview.ChangeRemoved:
		return Removed
	default:
		return NotRelevant
	}
}

func belongsToSource(snapshot newsview.EntitySnapshot, view newsview.ViewDescriptor) bool {
	return snapshot.ParentID == 0 && snapshot.Source == view.Target
}

func belongsToBin(snapshot newsview.EntitySnapshot, view newsview.ViewDescriptor) bool {
	return snapshot.ParentID != 0 && snapshot.ParentID == view.BinID
}

func belongsToAnyLeaf(snapshot newsview.EntitySnapshot, view newsview.ViewDescriptor) bool {
	for _, leaf := range view.Leaves() {
		switch leaf.Kind {
		case newsview.ViewKindSingleSource:
			if belongsToSource(snapshot, leaf) {
				return true
			}
		case newsview.ViewKindBin:
			if belongsToBin(snapshot, leaf) {
				return true
			}
		}
	}

	return false
}
