package derived

import (
	"sort"
	"time"

	"newsview/internal/viewsync"
	"newsview/pkg/newsview"
)

// Band is one date group of a grouped listing.
type Band string

const (
	// BandToday holds items published since local midnight, and future-dated items.
	BandToday Band = "today"
	// BandYesterday holds items published during the previous day.
	BandYesterday Band = "yesterday"
	// BandThisWeek holds items of the five days before yesterday.
	BandThisWeek Band = "this_week"
	// BandOlder holds everything else.
	BandOlder Band = "older"
)

var bandOrder = []Band{BandToday, BandYesterday, BandThisWeek, BandOlder}

var _ newsview.DerivedViewHook = (*DateBands)(nil)

// Group is one non-empty band with its items in display order.
type Group struct {
	Band  Band
	Items []newsview.EntitySnapshot
}

// DateBandsOption mutates date band configuration.
type DateBandsOption func(*DateBands)

// WithClock overrides the time source used to compute band boundaries.
func WithClock(now func() time.Time) DateBandsOption {
	return func(bands *DateBands) {
		if now != nil {
			bands.now = now
		}
	}
}

// WithLocation sets the time zone whose midnight starts a band.
func WithLocation(location *time.Location) DateBandsOption {
	return func(bands *DateBands) {
		if location != nil {
			bands.location = location
		}
	}
}

// DateBands groups items by publication day relative to now.
type DateBands struct {
	now      func() time.Time
	location *time.Location
}

// NewDateBands creates a grouping hook using local time by default.
func NewDateBands(options ...DateBandsOption) *DateBands {
	bands := &DateBands{now: time.Now, location: time.Local}
	for _, option := range options {
		option(bands)
	}

	return bands
}

// Name returns the hook identifier.
func (d *DateBands) Name() string {
	return "date_bands"
}

// BandOf returns the band snapshot falls into at the current time.
func (d *DateBands) BandOf(snapshot newsview.EntitySnapshot) Band {
	return d.bandAt(snapshot, d.midnight())
}

// Group splits snapshots into non-empty bands, newest band first.
func (d *DateBands) Group(snapshots []newsview.EntitySnapshot) []Group {
	midnight := d.midnight()
	byBand := make(map[Band][]newsview.EntitySnapshot, len(bandOrder))
	for _, snapshot := range snapshots {
		band := d.bandAt(snapshot, midnight)
		byBand[band] = append(byBand[band], snapshot.Clone())
	}

	groups := make([]Group, 0, len(byBand))
	for _, band := range bandOrder {
		items := byBand[band]
		if len(items) == 0 {
			continue
		}
		sort.SliceStable(items, func(i, j int) bool {
			return viewsync.DefaultComparator(items[i], items[j]) < 0
		})
		groups = append(groups, Group{Band: band, Items: items})
	}

	return groups
}

// NeedsRefresh reports whether an update moved an item into another band.
func (d *DateBands) NeedsRefresh(events []newsview.ChangeEvent) bool {
	midnight := d.midnight()
	for _, event := range events {
		if event.Kind != newsview.ChangeUpdated || event.Old == nil || event.New == nil {
			continue
		}
		if d.bandAt(*event.Old, midnight) != d.bandAt(*event.New, midnight) {
			return true
		}
	}

	return false
}

func (d *DateBands) midnight() time.Time {
	now := d.now().In(d.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.location)
}

func (d *DateBands) bandAt(snapshot newsview.EntitySnapshot, midnight time.Time) Band {
	published := snapshot.SortTime()
	switch {
	case !published.Before(midnight):
		return BandToday
	case !published.Before(midnight.AddDate(0, 0, -1)):
		return BandYesterday
	case !published.Before(midnight.AddDate(0, 0, -6)):
		return BandThisWeek
	default:
		return BandOlder
	}
}
