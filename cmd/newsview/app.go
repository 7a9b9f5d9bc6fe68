package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"newsview/internal/changefeed"
	"newsview/internal/derived"
	"newsview/internal/fixture"
	"newsview/internal/store/memstore"
	"newsview/internal/store/sqlstore"
	"newsview/internal/viewsync"
	"newsview/pkg/newsview"
)

const surfaceName = "cli"

// storeBackend is the contract shared by the reference stores.
type storeBackend interface {
	newsview.Store
	newsview.SearchIndex
	fixture.Mutator
	Feed() *changefeed.Feed
	Close(ctx context.Context) error
}

type backend struct {
	storeBackend
	defineSearch func(ctx context.Context, search fixture.Search) error
}

// app wires one store, one engine, and the derived views of a CLI run.
type app struct {
	cfg      Config
	logger   *slog.Logger
	printer  *printer
	registry *prometheus.Registry
	backend  *backend
	engine   *viewsync.Engine
	surfaces *viewsync.SurfaceRegistry
	filter   *derived.DisplayFilter
	sorter   *derived.Sorter
	bands    *derived.DateBands
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger, out io.Writer) (*app, error) {
	if logger == nil {
		return nil, fmt.Errorf("new app: nil logger")
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	metrics, err := viewsync.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("new metrics: %w", err)
	}

	mode, err := derived.ParseMode(cfg.Display.Mode)
	if err != nil {
		return nil, err
	}
	filter, err := derived.NewDisplayFilter(mode, cfg.Display.Label)
	if err != nil {
		return nil, err
	}
	key, err := derived.ParseSortKey(cfg.Display.Sort)
	if err != nil {
		return nil, err
	}
	sorter, err := derived.NewSorter(key, cfg.Display.Descending)
	if err != nil {
		return nil, err
	}
	bandOptions := make([]derived.DateBandsOption, 0, 1)
	if cfg.Display.Timezone != "" {
		location, err := time.LoadLocation(cfg.Display.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %s: %w", cfg.Display.Timezone, err)
		}
		bandOptions = append(bandOptions, derived.WithLocation(location))
	}
	visibility, err := newsview.ParseVisibilityFilter(cfg.Engine.VisibilityFilter)
	if err != nil {
		return nil, err
	}

	reportAsync := func(ctx context.Context, scope string, err error) {
		logger.ErrorContext(ctx, "newsview async error", "scope", scope, "error", err)
	}
	feed := changefeed.New(
		changefeed.WithSpec(newsview.FeedSpec{
			Buffer:          cfg.Feed.Buffer,
			Backpressure:    newsview.BackpressurePolicy(cfg.Feed.Backpressure),
			ListenerTimeout: cfg.Feed.ListenerTimeout,
		}),
		changefeed.WithAsyncErrorHandler(reportAsync),
	)
	store, err := openBackend(ctx, cfg.Store, feed)
	if err != nil {
		_ = feed.Close(ctx)
		return nil, err
	}

	surfaces := viewsync.NewSurfaceRegistry()
	surface, err := surfaces.Register(surfaceName)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("register surface: %w", err), abandonStartup(ctx, store, feed))
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		printer:  &printer{w: out},
		registry: registry,
		backend:  store,
		surfaces: surfaces,
		filter:   filter,
		sorter:   sorter,
		bands:    derived.NewDateBands(bandOptions...),
	}

	engine, err := viewsync.NewEngine(store,
		viewsync.WithLogger(logger),
		viewsync.WithMetrics(metrics),
		viewsync.WithSearchIndex(store),
		viewsync.WithVisibilityFilter(newsview.StaticVisibilityFilter(visibility)),
		viewsync.WithHooks(a.bands, filter, sorter),
		viewsync.WithDisplayFilter(filter),
		viewsync.WithSortOrder(sorter),
		viewsync.WithSurface(surface),
		viewsync.WithFolderMaxSize(cfg.Engine.FolderMaxSize),
		viewsync.WithResolveConcurrency(cfg.Engine.ResolveConcurrency),
		viewsync.WithDeltaListener(func(_ context.Context, outcome newsview.Outcome) {
			a.printer.outcome("change", outcome)
		}),
		viewsync.WithAsyncErrorHandler(reportAsync),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("new engine: %w", err), abandonStartup(ctx, store, feed))
	}
	a.engine = engine

	return a, nil
}

func openBackend(ctx context.Context, cfg StoreConfig, feed *changefeed.Feed) (*backend, error) {
	switch cfg.Driver {
	case "memory":
		store := memstore.New(memstore.WithFeed(feed))
		return &backend{
			storeBackend: store,
			defineSearch: func(_ context.Context, search fixture.Search) error {
				return store.DefineSearch(memstore.SavedSearch{ID: search.ID, Query: search.Query, StickyOnly: search.StickyOnly})
			},
		}, nil
	case "sqlite":
		store, err := sqlstore.Open(ctx, cfg.DSN, sqlstore.WithFeed(feed))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &backend{
			storeBackend: store,
			defineSearch: func(ctx context.Context, search fixture.Search) error {
				return store.DefineSearch(ctx, sqlstore.SavedSearch{ID: search.ID, Query: search.Query, StickyOnly: search.StickyOnly})
			},
		}, nil
	default:
		return nil, fmt.Errorf("open store: unsupported driver %q", cfg.Driver)
	}
}

// abandonStartup releases what newApp opened before a later step failed.
// The feed is closed on its own even though the store closes it too.
func abandonStartup(ctx context.Context, store *backend, feed *changefeed.Feed) error {
	var errs []error
	if err := store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := feed.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close change feed: %w", err))
	}

	return errors.Join(errs...)
}

// close stops the engine before the store so no batch reaches a closed engine.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if err := a.backend.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := a.surfaces.Unregister(surfaceName); err != nil {
		errs = append(errs, fmt.Errorf("unregister surface: %w", err))
	}

	return errors.Join(errs...)
}

// load seeds the store from fx and returns the view it describes.
func (a *app) load(ctx context.Context, fx *fixture.Fixture) (newsview.ViewDescriptor, error) {
	if fx.View.Kind == "" {
		return newsview.ViewDescriptor{}, fmt.Errorf("fixture has no view")
	}
	view, err := fx.View.Descriptor()
	if err != nil {
		return newsview.ViewDescriptor{}, fmt.Errorf("fixture view: %w", err)
	}

	for _, search := range fx.Searches {
		if err := a.backend.defineSearch(ctx, search); err != nil {
			return newsview.ViewDescriptor{}, fmt.Errorf("define search %s: %w", search.ID, err)
		}
	}
	if err := fx.Seed(ctx, a.backend); err != nil {
		return newsview.ViewDescriptor{}, err
	}
	a.logger.InfoContext(ctx, "fixture loaded",
		"entities", len(fx.Entities),
		"bins", len(fx.Bins),
		"searches", len(fx.Searches),
		"view", view.String(),
	)

	return view, nil
}

func (a *app) bind(ctx context.Context, view newsview.ViewDescriptor) error {
	outcome, err := a.engine.Bind(ctx, view)
	if err != nil {
		return fmt.Errorf("bind %s: %w", view, err)
	}
	a.printer.outcome("bind", outcome)

	return nil
}

// replay applies the fixture script, waiting after each store step until the
// engine has consumed the resulting change batch.
func (a *app) replay(ctx context.Context, steps []fixture.Step) error {
	for idx, step := range steps {
		if step.Op == fixture.OpRefresh {
			outcome, err := a.engine.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("script[%d] refresh: %w", idx, err)
			}
			a.printer.outcome("refresh", outcome)
			continue
		}

		if err := step.Apply(ctx, a.backend); err != nil {
			return fmt.Errorf("script[%d]: %w", idx, err)
		}
		if err := a.backend.Feed().Flush(ctx); err != nil {
			return fmt.Errorf("script[%d]: %w", idx, err)
		}
		a.logger.DebugContext(ctx, "script step applied", "step", idx, "op", string(step.Op))
	}

	return nil
}

// listing returns the cached items in display order.
func (a *app) listing() []newsview.EntitySnapshot {
	snapshot := a.engine.Snapshot()
	items := make([]newsview.EntitySnapshot, 0, len(snapshot))
	predicate := a.filter.Predicate()
	for _, item := range snapshot {
		if predicate != nil && !predicate(item) {
			continue
		}
		items = append(items, item)
	}
	a.sorter.Sort(items)

	return items
}

func (a *app) printListing(grouped bool) {
	items := a.listing()
	if !grouped {
		a.printer.items("", items)
		return
	}

	for _, group := range a.bands.Group(items) {
		a.sorter.Sort(group.Items)
		a.printer.items(string(group.Band), group.Items)
	}
}

// printer serializes output of the command and the delta listener.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) outcome(origin string, outcome newsview.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "%s plan=%s", origin, outcome.Plan)
	if outcome.Reason != "" {
		fmt.Fprintf(p.w, " reason=%s", outcome.Reason)
	}
	fmt.Fprintf(p.w, " additions=%s updates=%s removals=%s\n",
		formatIDs(snapshotIDs(outcome.Additions)),
		formatIDs(snapshotIDs(outcome.Updates)),
		formatIDs(outcome.Removals),
	)
}

func (p *printer) items(heading string, items []newsview.EntitySnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if heading != "" {
		fmt.Fprintf(p.w, "== %s\n", heading)
	}
	for _, item := range items {
		marker := " "
		if item.Sticky {
			marker = "*"
		}
		fmt.Fprintf(p.w, "%s %6d %-8s %s %s\n",
			marker, item.ID, item.State, item.SortTime().UTC().Format(time.DateOnly), item.Title)
	}
}

func snapshotIDs(snapshots []newsview.EntitySnapshot) []int64 {
	ids := make([]int64, 0, len(snapshots))
	for _, snapshot := range snapshots {
		ids = append(ids, snapshot.ID)
	}

	return ids
}

func formatIDs(ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	parts := make([]string, 0, len(sorted))
	for _, id := range sorted {
		parts = append(parts, fmt.Sprint(id))
	}

	return "[" + strings.Join(parts, " ") + "]"
}
