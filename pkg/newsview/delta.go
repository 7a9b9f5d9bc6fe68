package newsview

import "sort"

// PlanKind is the refresh decision for one change batch.
type PlanKind string

const (
	// PlanNoOp means the batch does not affect the bound view.
	PlanNoOp PlanKind = "no_op"
	// PlanIncremental means the cache is patched in place.
	PlanIncremental PlanKind = "incremental"
	// PlanFullRefresh means membership is resolved again and swapped wholesale.
	PlanFullRefresh PlanKind = "full_refresh"
)

// Delta describes the minimal changes a rendering layer has to apply.
type Delta struct {
	// Additions are items that entered the view.
	Additions []EntitySnapshot
	// Updates are cached items whose content changed without a membership change.
	Updates []EntitySnapshot
	// Removals are ids of items that left the view.
	Removals []int64
}

// Empty reports whether the delta carries no change.
func (d Delta) Empty() bool {
	return len(d.Additions) == 0 && len(d.Updates) == 0 && len(d.Removals) == 0
}

// Clone deep copies the delta.
func (d Delta) Clone() Delta {
	return Delta{
		Additions: cloneSnapshots(d.Additions),
		Updates:   cloneSnapshots(d.Updates),
		Removals:  append([]int64(nil), d.Removals...),
	}
}

// Outcome is the structured result of Bind, ApplyChangeBatch, and Refresh.
type Outcome struct {
	Delta
	// Plan is the decision taken for the batch.
	Plan PlanKind
	// FullRefreshTriggered reports whether membership was resolved again.
	FullRefreshTriggered bool
	// Reason explains a full refresh for logs.
	Reason string
}

// DiffSnapshots computes the delta turning before into after.
// Results are ordered by id so callers get deterministic output.
func DiffSnapshots(before, after map[int64]EntitySnapshot) Delta {
	delta := Delta{}
	for id, snapshot := range after {
		previous, existed := before[id]
		switch {
		case !existed:
			delta.Additions = append(delta.Additions, snapshot.Clone())
		case !sameSnapshot(previous, snapshot):
			delta.Updates = append(delta.Updates, snapshot.Clone())
		}
	}
	for id := range before {
		if _, kept := after[id]; !kept {
			delta.Removals = append(delta.Removals, id)
		}
	}

	SortDelta(&delta)

	return delta
}

// SortDelta orders every delta section by entity id.
func SortDelta(delta *Delta) {
	sort.Slice(delta.Additions, func(i, j int) bool { return delta.Additions[i].ID < delta.Additions[j].ID })
	sort.Slice(delta.Updates, func(i, j int) bool { return delta.Updates[i].ID < delta.Updates[j].ID })
	sort.Slice(delta.Removals, func(i, j int) bool { return delta.Removals[i] < delta.Removals[j] })
}

func sameSnapshot(a, b EntitySnapshot) bool {
	if a.ID != b.ID || a.ParentID != b.ParentID || a.State != b.State || a.Sticky != b.Sticky ||
		a.Source != b.Source || a.Title != b.Title || a.Link != b.Link || a.Author != b.Author ||
		!a.Published.Equal(b.Published) || !a.Modified.Equal(b.Modified) || len(a.Labels) != len(b.Labels) {
		return false
	}
	for idx := range a.Labels {
		if a.Labels[idx] != b.Labels[idx] {
			return false
		}
	}

	return true
}

func cloneSnapshots(snapshots []EntitySnapshot) []EntitySnapshot {
	if len(snapshots) == 0 {
		return nil
	}

	cloned := make([]EntitySnapshot, len(snapshots))
	for idx, snapshot := range snapshots {
		cloned[idx] = snapshot.Clone()
	}

	return cloned
}
