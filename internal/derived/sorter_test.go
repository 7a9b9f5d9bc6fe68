package derived

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"newsview/pkg/newsview"
)

func sortFixture() []newsview.EntitySnapshot {
	base := time.Date(2026, time.January, 20, 8, 0, 0, 0, time.UTC)
	return []newsview.EntitySnapshot{
		{ID: 1, Title: "beta", Author: "Rob", Source: "feed-b", Published: base},
		{ID: 2, Title: "Alpha", Author: "ken", Source: "feed-a", Published: base.Add(time.Hour)},
		{ID: 3, Title: "gamma", Author: "Rob", Source: "feed-a", Published: base.Add(-time.Hour)},
		{ID: 4, Title: "alpha", Author: "Russ", Source: "feed-c", Published: base},
	}
}

// TestSorterOrders verifies each key in both directions.
func TestSorterOrders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key        SortKey
		descending bool
		want       []int64
	}{
		{key: KeyDate, descending: true, want: []int64{2, 4, 1, 3}},
		{key: KeyDate, want: []int64{3, 4, 1, 2}},
		{key: KeyTitle, want: []int64{2, 4, 1, 3}},
		{key: KeyTitle, descending: true, want: []int64{3, 1, 2, 4}},
		{key: KeyAuthor, want: []int64{2, 1, 3, 4}},
		{key: KeySource, want: []int64{2, 3, 1, 4}},
	}

	for _, testCase := range tests {
		testCase := testCase
		name := string(testCase.key)
		if testCase.descending {
			name += "/desc"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			sorter, err := NewSorter(testCase.key, testCase.descending)
			if err != nil {
				t.Fatalf("new sorter failed: %v", err)
			}
			snapshots := sortFixture()
			sorter.Sort(snapshots)

			got := make([]int64, 0, len(snapshots))
			for _, snapshot := range snapshots {
				got = append(got, snapshot.ID)
			}
			if diff := cmp.Diff(testCase.want, got); diff != "" {
				t.Fatalf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestSorterNeedsRefresh verifies refreshes are requested when the sort key moves.
func TestSorterNeedsRefresh(t *testing.T) {
	t.Parallel()

	before := sortFixture()[0]
	retitled := before
	retitled.Title = "zeta"
	read := before
	read.State = newsview.StateRead

	sorter, err := NewSorter(KeyTitle, false)
	if err != nil {
		t.Fatalf("new sorter failed: %v", err)
	}
	if !sorter.NeedsRefresh([]newsview.ChangeEvent{{EntityID: 1, Kind: newsview.ChangeUpdated, Old: &before, New: &retitled}}) {
		t.Fatal("retitling should refresh a title-ordered listing")
	}
	if sorter.NeedsRefresh([]newsview.ChangeEvent{{EntityID: 1, Kind: newsview.ChangeUpdated, Old: &before, New: &read}}) {
		t.Fatal("state change should not refresh a title-ordered listing")
	}

	if err := sorter.SetOrder(KeyDate, true); err != nil {
		t.Fatalf("set order failed: %v", err)
	}
	if sorter.NeedsRefresh([]newsview.ChangeEvent{{EntityID: 1, Kind: newsview.ChangeUpdated, Old: &before, New: &retitled}}) {
		t.Fatal("retitling should not refresh a date-ordered listing")
	}
	if err := sorter.SetOrder("popularity", false); err == nil {
		t.Fatal("expected unsupported key error")
	}
}
