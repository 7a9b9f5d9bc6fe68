package viewsync

import (
	"newsview/pkg/newsview"
)

// Full refresh reasons reported in outcomes and logs.
const (
	ReasonEmptyCache    = "empty_cache"
	ReasonSurfaceHidden = "surface_hidden"
	ReasonRestored      = "restored"
	ReasonFolderBound   = "folder_bound"
	ReasonInFlight      = "refresh_in_flight"
	ReasonRequested     = "requested"
	hookReasonPrefix    = "hook:"
)

// Plan is the refresh decision for one change batch.
type Plan struct {
	// Kind is the selected strategy.
	Kind newsview.PlanKind
	// Delta is the patch applied by an incremental plan.
	Delta newsview.Delta
	// Relevant lists the events that concern the view, in batch order.
	Relevant []ClassifiedEvent
	// Reason explains a full refresh.
	Reason string
}

// RefreshPlanner decides between no-op, incremental patching, and full refresh.
type RefreshPlanner struct {
	classifier       ChangeClassifier
	aggregator       *FolderBoundedAggregator
	hooks            []newsview.DerivedViewHook
	visibilityFilter newsview.VisibilityFilterSource
	folderMaxSize    int
}

// NewRefreshPlanner creates a planner from engine options.
func NewRefreshPlanner(options ...Option) *RefreshPlanner {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return newRefreshPlanner(cfg)
}

func newRefreshPlanner(cfg config) *RefreshPlanner {
	return &RefreshPlanner{
		aggregator:       NewFolderBoundedAggregator(cfg.displayFilter, cfg.sortOrder),
		hooks:            append([]newsview.DerivedViewHook(nil), cfg.hooks...),
		visibilityFilter: cfg.visibilityFilter,
		folderMaxSize:    cfg.folderMaxSize,
	}
}

// PlanBatch classifies events against view and cache and selects a plan.
// A nil surface is treated as visible.
func (p *RefreshPlanner) PlanBatch(
	events []newsview.ChangeEvent,
	view newsview.ViewDescriptor,
	cache *ViewCache,
	surface *Surface,
) Plan {
	relevant := p.classifier.ClassifyBatch(events, view, cache)
	if len(relevant) == 0 {
		return Plan{Kind: newsview.PlanNoOp}
	}

	raw := make([]newsview.ChangeEvent, len(relevant))
	for idx, classified := range relevant {
		raw[idx] = classified.Event
	}
	for _, hook := range p.hooks {
		if hook.NeedsRefresh(newsview.CloneChangeEvents(raw)) {
			return fullRefresh(relevant, hookReasonPrefix+hook.Name())
		}
	}

	if cache.IsEmpty() {
		return fullRefresh(relevant, ReasonEmptyCache)
	}
	if !surface.Renderable() {
		return fullRefresh(relevant, ReasonSurfaceHidden)
	}
	for _, classified := range relevant {
		if classified.Class == Restored {
			return fullRefresh(relevant, ReasonRestored)
		}
	}

	delta := p.fold(relevant, view, cache)
	if maxSize := effectiveMaxSize(view, p.folderMaxSize); maxSize > 0 {
		if cache.Len()+len(delta.Additions)-len(delta.Removals) > maxSize {
			return fullRefresh(relevant, ReasonFolderBound)
		}
		if cache.Truncated() && !p.keepsRanking(delta, cache) {
			return fullRefresh(relevant, ReasonFolderBound)
		}
	}

	return Plan{Kind: newsview.PlanIncremental, Delta: delta, Relevant: relevant}
}

// fold replays relevant events per entity and diffs the final membership
// against the cache contents before the batch.
func (p *RefreshPlanner) fold(
	relevant []ClassifiedEvent,
	view newsview.ViewDescriptor,
	cache *ViewCache,
) newsview.Delta {
	filter := newsview.FilterAll
	if p.visibilityFilter != nil {
		filter = p.visibilityFilter()
	}

	type membership struct {
		present  bool
		snapshot newsview.EntitySnapshot
	}
	final := make(map[int64]membership, len(relevant))
	order := make([]int64, 0, len(relevant))
	for _, classified := range relevant {
		id := classified.Event.EntityID
		if _, seen := final[id]; !seen {
			order = append(order, id)
		}

		snapshot := classified.Snapshot
		admitted := snapshot.Visible() && filter.Admits(snapshot.State) && memberOf(view, snapshot)
		switch classified.Class {
		case Added, Restored, Updated:
			if admitted {
				final[id] = membership{present: true, snapshot: snapshot}
			} else {
				final[id] = membership{}
			}
		case Removed:
			final[id] = membership{}
		}
	}

	delta := newsview.Delta{}
	for _, id := range order {
		state := final[id]
		cached := cache.Contains(id)
		switch {
		case state.present && cached:
			delta.Updates = append(delta.Updates, state.snapshot.Clone())
		case state.present:
			delta.Additions = append(delta.Additions, state.snapshot.Clone())
		case cached:
			delta.Removals = append(delta.Removals, id)
		}
	}
	newsview.SortDelta(&delta)

	return delta
}

// keepsRanking reports whether delta can patch a truncated folder without
// changing which members rank within its bound. Any addition or removal
// fails, as does an update that moves an entry under the active comparator
// or makes it fail the display filter.
func (p *RefreshPlanner) keepsRanking(delta newsview.Delta, cache *ViewCache) bool {
	if len(delta.Additions) > 0 || len(delta.Removals) > 0 {
		return false
	}

	comparator := p.aggregator.Comparator()
	predicate := p.aggregator.predicate()
	for _, update := range delta.Updates {
		if predicate != nil && !predicate(update) {
			return false
		}
		previous, cached := cache.Get(update.ID)
		if !cached || comparator(previous, update) != 0 {
			return false
		}
	}

	return true
}

// memberOf reports whether snapshot satisfies the structural rule of view.
// Saved search membership belongs to the index and is never inferred here.
func memberOf(view newsview.ViewDescriptor, snapshot newsview.EntitySnapshot) bool {
	switch view.Kind {
	case newsview.ViewKindSingleSource:
		return belongsToSource(snapshot, view)
	case newsview.ViewKindBin:
		return belongsToBin(snapshot, view)
	case newsview.ViewKindFolder:
		return belongsToAnyLeaf(snapshot, view)
	default:
		return true
	}
}

func fullRefresh(relevant []ClassifiedEvent, reason string) Plan {
	return Plan{Kind: newsview.PlanFullRefresh, Relevant: relevant, Reason: reason}
}
