package viewsync

import (
	"context"
	"log/slog"

	"newsview/pkg/newsview"
)

const (
	defaultFolderMaxSize      = 200
	defaultResolveConcurrency = 4
)

// DisplayFilter is the active display-filter predicate of the rendering layer.
type DisplayFilter interface {
	// Predicate returns the current predicate; nil admits everything.
	Predicate() newsview.Predicate
	// AppliedByQuery reports whether a membership query narrowed by filter
	// already enforces the predicate.
	AppliedByQuery(filter newsview.VisibilityFilter) bool
}

// SortOrder is the active ordering of the rendering layer.
type SortOrder interface {
	// Comparator returns the current comparator; nil selects the default order.
	Comparator() newsview.Comparator
}

// DeltaListener receives outcomes of subscription-driven batches.
type DeltaListener func(ctx context.Context, outcome newsview.Outcome)

// config stores resolved engine settings after option application.
type config struct {
	logger             *slog.Logger
	metrics            *Metrics
	searchIndex        newsview.SearchIndex
	visibilityFilter   newsview.VisibilityFilterSource
	hooks              []newsview.DerivedViewHook
	displayFilter      DisplayFilter
	sortOrder          SortOrder
	surface            *Surface
	folderMaxSize      int
	resolveConcurrency int
	deltaListener      DeltaListener
	onAsyncError       func(context.Context, string, error)
}

// Option mutates engine construction configuration.
type Option func(*config)

func defaultConfig() config {
	logger := slog.Default()

	return config{
		logger:             logger,
		visibilityFilter:   newsview.StaticVisibilityFilter(newsview.FilterAll),
		folderMaxSize:      defaultFolderMaxSize,
		resolveConcurrency: defaultResolveConcurrency,
		onAsyncError: func(ctx context.Context, scope string, err error) {
			logger.ErrorContext(ctx, "newsview async error", "scope", scope, "error", err)
		},
	}
}

// WithLogger configures the logger used by the engine and the default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = func(ctx context.Context, scope string, err error) {
			logger.ErrorContext(ctx, "newsview async error", "scope", scope, "error", err)
		}
	}
}

// WithMetrics configures the collectors updated by the engine.
func WithMetrics(metrics *Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = metrics
	}
}

// WithSearchIndex configures the index consulted for saved search views.
func WithSearchIndex(index newsview.SearchIndex) Option {
	return func(cfg *config) {
		cfg.searchIndex = index
	}
}

// WithVisibilityFilter configures the source of the user's visibility filter.
func WithVisibilityFilter(source newsview.VisibilityFilterSource) Option {
	return func(cfg *config) {
		if source != nil {
			cfg.visibilityFilter = source
		}
	}
}

// WithHooks registers derived-view hooks consulted before incremental patches.
func WithHooks(hooks ...newsview.DerivedViewHook) Option {
	return func(cfg *config) {
		for _, hook := range hooks {
			if hook != nil {
				cfg.hooks = append(cfg.hooks, hook)
			}
		}
	}
}

// WithDisplayFilter configures the predicate applied when folders are truncated.
func WithDisplayFilter(filter DisplayFilter) Option {
	return func(cfg *config) {
		cfg.displayFilter = filter
	}
}

// WithSortOrder configures the comparator applied when folders are truncated.
func WithSortOrder(order SortOrder) Option {
	return func(cfg *config) {
		cfg.sortOrder = order
	}
}

// WithSurface binds the engine to one registered rendering surface.
func WithSurface(surface *Surface) Option {
	return func(cfg *config) {
		cfg.surface = surface
	}
}

// WithFolderMaxSize configures the default bound for folder views that do not set one.
func WithFolderMaxSize(maxSize int) Option {
	return func(cfg *config) {
		if maxSize > 0 {
			cfg.folderMaxSize = maxSize
		}
	}
}

// WithResolveConcurrency configures how many folder leaves resolve in parallel.
func WithResolveConcurrency(workers int) Option {
	return func(cfg *config) {
		if workers > 0 {
			cfg.resolveConcurrency = workers
		}
	}
}

// WithDeltaListener receives outcomes of batches delivered by store subscriptions.
func WithDeltaListener(listener DeltaListener) Option {
	return func(cfg *config) {
		cfg.deltaListener = listener
	}
}

// WithAsyncErrorHandler configures reporting of subscription-driven failures.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}
