package viewsync

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"newsview/pkg/newsview"
)

// TestRefreshPlannerPlanBatch verifies plan selection and incremental deltas.
func TestRefreshPlannerPlanBatch(t *testing.T) {
	t.Parallel()

	feed := newsview.SingleSourceView("feed-a")
	cached := []newsview.EntitySnapshot{
		item(1, "feed-a", newsview.StateUnread),
		item(2, "feed-a", newsview.StateNew),
	}
	readOne := item(1, "feed-a", newsview.StateRead)
	readOne.Title = "item 1 revised"

	tests := []struct {
		name          string
		view          newsview.ViewDescriptor
		cached        []newsview.EntitySnapshot
		filter        newsview.VisibilityFilter
		hidden        bool
		hooks         []newsview.DerivedViewHook
		events        []newsview.ChangeEvent
		wantKind      newsview.PlanKind
		wantReason    string
		wantAdditions []int64
		wantUpdates   []int64
		wantRemovals  []int64
	}{
		{
			name:     "irrelevant batch is no-op",
			view:     feed,
			cached:   cached,
			events:   []newsview.ChangeEvent{added(item(7, "feed-b", newsview.StateNew))},
			wantKind: newsview.PlanNoOp,
		},
		{
			name:        "single source update patches in place",
			view:        feed,
			cached:      cached,
			events:      []newsview.ChangeEvent{updated(item(1, "feed-a", newsview.StateUnread), readOne)},
			wantKind:    newsview.PlanIncremental,
			wantUpdates: []int64{1},
		},
		{
			name:   "mixed batch folds per entity",
			view:   feed,
			cached: cached,
			events: []newsview.ChangeEvent{
				added(item(3, "feed-a", newsview.StateNew)),
				updated(item(2, "feed-a", newsview.StateNew), item(2, "feed-a", newsview.StateHidden)),
				added(item(4, "feed-a", newsview.StateNew)),
				removed(item(4, "feed-a", newsview.StateNew)),
			},
			wantKind:      newsview.PlanIncremental,
			wantAdditions: []int64{3},
			wantRemovals:  []int64{2},
		},
		{
			name:     "filter drops excluded additions",
			view:     feed,
			cached:   cached,
			filter:   newsview.FilterNew,
			events:   []newsview.ChangeEvent{added(item(3, "feed-a", newsview.StateRead))},
			wantKind: newsview.PlanIncremental,
		},
		{
			name:         "filter turns cached update into removal",
			view:         feed,
			cached:       cached,
			filter:       newsview.FilterUnread,
			events:       []newsview.ChangeEvent{updated(item(1, "feed-a", newsview.StateUnread), readOne)},
			wantKind:     newsview.PlanIncremental,
			wantRemovals: []int64{1},
		},
		{
			name:          "uncached update passing filter becomes addition",
			view:          newsview.BinView(9),
			cached:        []newsview.EntitySnapshot{binItem(5, 9, newsview.StateRead)},
			filter:        newsview.FilterUnread,
			events:        []newsview.ChangeEvent{updated(binItem(6, 9, newsview.StateRead), binItem(6, 9, newsview.StateUpdated))},
			wantKind:      newsview.PlanIncremental,
			wantAdditions: []int64{6},
		},
		{
			name:       "hook demands refresh",
			view:       feed,
			cached:     cached,
			hooks:      []newsview.DerivedViewHook{&staticHook{name: "grouping", refresh: true}},
			events:     []newsview.ChangeEvent{updated(item(1, "feed-a", newsview.StateUnread), readOne)},
			wantKind:   newsview.PlanFullRefresh,
			wantReason: "hook:grouping",
		},
		{
			name:       "empty cache refreshes",
			view:       feed,
			events:     []newsview.ChangeEvent{added(item(3, "feed-a", newsview.StateNew))},
			wantKind:   newsview.PlanFullRefresh,
			wantReason: ReasonEmptyCache,
		},
		{
			name:       "hidden surface refreshes",
			view:       feed,
			cached:     cached,
			hidden:     true,
			events:     []newsview.ChangeEvent{added(item(3, "feed-a", newsview.StateNew))},
			wantKind:   newsview.PlanFullRefresh,
			wantReason: ReasonSurfaceHidden,
		},
		{
			name:       "saved search restore refreshes regardless of hooks",
			view:       newsview.SavedSearchView("golang"),
			cached:     []newsview.EntitySnapshot{item(1, "feed-a", newsview.StateUnread)},
			hooks:      []newsview.DerivedViewHook{&staticHook{name: "sorter"}},
			events:     []newsview.ChangeEvent{updated(item(8, "feed-a", newsview.StateHidden), item(8, "feed-a", newsview.StateUnread))},
			wantKind:   newsview.PlanFullRefresh,
			wantReason: ReasonRestored,
		},
		{
			name: "folder growth past bound refreshes",
			view: newsview.FolderView("reading", 2, feed),
			cached: []newsview.EntitySnapshot{
				item(4, "feed-a", newsview.StateNew),
				item(5, "feed-a", newsview.StateNew),
			},
			events:     []newsview.ChangeEvent{added(item(6, "feed-a", newsview.StateNew))},
			wantKind:   newsview.PlanFullRefresh,
			wantReason: ReasonFolderBound,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cache := NewViewCache()
			cache.ReplaceAll(testCase.cached)

			var surface *Surface
			if testCase.hidden {
				registry := NewSurfaceRegistry()
				registered, err := registry.Register("main")
				if err != nil {
					t.Fatalf("register surface failed: %v", err)
				}
				registered.SetMinimized(true)
				surface = registered
			}

			filter := testCase.filter
			if filter == "" {
				filter = newsview.FilterAll
			}
			planner := NewRefreshPlanner(
				WithHooks(testCase.hooks...),
				WithVisibilityFilter(newsview.StaticVisibilityFilter(filter)),
			)

			plan := planner.PlanBatch(testCase.events, testCase.view, cache, surface)
			if plan.Kind != testCase.wantKind {
				t.Fatalf("plan kind = %s (%s), want %s", plan.Kind, plan.Reason, testCase.wantKind)
			}
			if plan.Reason != testCase.wantReason {
				t.Fatalf("plan reason = %q, want %q", plan.Reason, testCase.wantReason)
			}
			if testCase.wantKind != newsview.PlanIncremental {
				return
			}

			got := [][]int64{ids(plan.Delta.Additions), ids(plan.Delta.Updates), plan.Delta.Removals}
			want := [][]int64{testCase.wantAdditions, testCase.wantUpdates, testCase.wantRemovals}
			if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("delta ids mismatch [additions updates removals] (-want +got):\n%s", diff)
			}
		})
	}
}

// TestRefreshPlannerSkipsHooksForIrrelevantBatches verifies hooks only see relevant events.
func TestRefreshPlannerSkipsHooksForIrrelevantBatches(t *testing.T) {
	t.Parallel()

	hook := &staticHook{name: "grouping", refresh: true}
	planner := NewRefreshPlanner(WithHooks(hook))
	cache := NewViewCache()
	cache.Put(item(1, "feed-a", newsview.StateNew))

	plan := planner.PlanBatch(
		[]newsview.ChangeEvent{added(item(2, "feed-b", newsview.StateNew))},
		newsview.SingleSourceView("feed-a"),
		cache,
		nil,
	)
	if plan.Kind != newsview.PlanNoOp {
		t.Fatalf("plan kind = %s, want no-op", plan.Kind)
	}
	if calls := hook.calls.Load(); calls != 0 {
		t.Fatalf("hook calls = %d, want 0", calls)
	}
}
