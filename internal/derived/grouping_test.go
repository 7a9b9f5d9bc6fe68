package derived

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"newsview/pkg/newsview"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var groupingNow = time.Date(2026, time.March, 12, 15, 0, 0, 0, time.UTC)

func publishedAt(id int64, published time.Time) newsview.EntitySnapshot {
	return newsview.EntitySnapshot{ID: id, State: newsview.StateNew, Source: "feed-a", Published: published}
}

func newTestBands() *DateBands {
	return NewDateBands(
		WithClock(func() time.Time { return groupingNow }),
		WithLocation(time.UTC),
	)
}

// TestDateBandsBandOf verifies band boundaries around local midnight.
func TestDateBandsBandOf(t *testing.T) {
	t.Parallel()

	midnight := time.Date(2026, time.March, 12, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		published time.Time
		want      Band
	}{
		{name: "future", published: groupingNow.Add(time.Hour), want: BandToday},
		{name: "midnight", published: midnight, want: BandToday},
		{name: "just before midnight", published: midnight.Add(-time.Second), want: BandYesterday},
		{name: "start of yesterday", published: midnight.AddDate(0, 0, -1), want: BandYesterday},
		{name: "three days ago", published: midnight.AddDate(0, 0, -3), want: BandThisWeek},
		{name: "start of week band", published: midnight.AddDate(0, 0, -6), want: BandThisWeek},
		{name: "older", published: midnight.AddDate(0, 0, -6).Add(-time.Second), want: BandOlder},
	}

	bands := newTestBands()
	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := bands.BandOf(publishedAt(1, testCase.published)); got != testCase.want {
				t.Fatalf("band = %s, want %s", got, testCase.want)
			}
		})
	}
}

// TestDateBandsGroup verifies non-empty bands are returned newest first.
func TestDateBandsGroup(t *testing.T) {
	t.Parallel()

	snapshots := []newsview.EntitySnapshot{
		publishedAt(1, groupingNow.AddDate(0, 0, -30)),
		publishedAt(2, groupingNow.Add(-time.Hour)),
		publishedAt(3, groupingNow.Add(-2*time.Hour)),
		publishedAt(4, groupingNow.AddDate(0, 0, -1)),
	}

	groups := newTestBands().Group(snapshots)
	got := make(map[Band][]int64, len(groups))
	order := make([]Band, 0, len(groups))
	for _, group := range groups {
		order = append(order, group.Band)
		for _, snapshot := range group.Items {
			got[group.Band] = append(got[group.Band], snapshot.ID)
		}
	}

	if diff := cmp.Diff([]Band{BandToday, BandYesterday, BandOlder}, order); diff != "" {
		t.Fatalf("band order mismatch (-want +got):\n%s", diff)
	}
	want := map[Band][]int64{
		BandToday:     {2, 3},
		BandYesterday: {4},
		BandOlder:     {1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("groups mismatch (-want +got):\n%s", diff)
	}
}

// TestDateBandsNeedsRefresh verifies only band moves request a refresh.
func TestDateBandsNeedsRefresh(t *testing.T) {
	t.Parallel()

	today := publishedAt(1, groupingNow.Add(-time.Hour))
	earlierToday := publishedAt(1, groupingNow.Add(-3*time.Hour))
	lastMonth := publishedAt(1, groupingNow.AddDate(0, -1, 0))
	read := today
	read.State = newsview.StateRead

	tests := []struct {
		name  string
		event newsview.ChangeEvent
		want  bool
	}{
		{name: "state change", event: newsview.ChangeEvent{EntityID: 1, Kind: newsview.ChangeUpdated, Old: &today, New: &read}},
		{name: "same band", event: newsview.ChangeEvent{EntityID: 1, Kind: newsview.ChangeUpdated, Old: &today, New: &earlierToday}},
		{name: "band move", event: newsview.ChangeEvent{EntityID: 1, Kind: newsview.ChangeUpdated, Old: &today, New: &lastMonth}, want: true},
		{name: "addition", event: newsview.ChangeEvent{EntityID: 1, Kind: newsview.ChangeAdded, New: &lastMonth}},
	}

	bands := newTestBands()
	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := bands.NeedsRefresh([]newsview.ChangeEvent{testCase.event}); got != testCase.want {
				t.Fatalf("needs refresh = %v, want %v", got, testCase.want)
			}
		})
	}
}
