package viewsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"newsview/pkg/newsview"
)

// MembershipResolver computes the full member set of a view from the backing store.
type MembershipResolver struct {
	store         newsview.Store
	index         newsview.SearchIndex
	aggregator    *FolderBoundedAggregator
	logger        *slog.Logger
	metrics       *Metrics
	folderMaxSize int
	concurrency   int
}

// NewMembershipResolver creates a resolver from engine options.
func NewMembershipResolver(store newsview.Store, options ...Option) *MembershipResolver {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return newMembershipResolver(store, cfg)
}

func newMembershipResolver(store newsview.Store, cfg config) *MembershipResolver {
	return &MembershipResolver{
		store:         store,
		index:         cfg.searchIndex,
		aggregator:    NewFolderBoundedAggregator(cfg.displayFilter, cfg.sortOrder),
		logger:        cfg.logger,
		metrics:       cfg.metrics,
		folderMaxSize: cfg.folderMaxSize,
		concurrency:   cfg.resolveConcurrency,
	}
}

// Resolve returns every visible member of view admitted by filter.
//
// Unresolvable references are skipped. A failed membership query returns a
// *newsview.StoreUnavailableError. An unknown view kind panics.
func (r *MembershipResolver) Resolve(
	ctx context.Context,
	view newsview.ViewDescriptor,
	filter newsview.VisibilityFilter,
) ([]newsview.EntitySnapshot, error) {
	members, _, err := r.resolve(ctx, view, filter)
	return members, err
}

// resolve is Resolve that also reports whether a folder bound cut the member set.
func (r *MembershipResolver) resolve(
	ctx context.Context,
	view newsview.ViewDescriptor,
	filter newsview.VisibilityFilter,
) ([]newsview.EntitySnapshot, bool, error) {
	states := filter.States()

	var (
		members []newsview.EntitySnapshot
		err     error
	)
	switch view.Kind {
	case newsview.ViewKindSingleSource:
		members, err = r.resolveSingleSource(ctx, view, states)
	case newsview.ViewKindBin:
		members, err = r.resolveBin(ctx, view, states)
	case newsview.ViewKindSavedSearch:
		members, err = r.resolveSavedSearch(ctx, view, states)
	case newsview.ViewKindFolder:
		return r.resolveFolder(ctx, view, filter)
	default:
		panic(fmt.Errorf("resolve view %q: %w", string(view.Kind), newsview.ErrUnknownViewKind))
	}

	return members, false, err
}

// MaxSizeFor returns the effective folder bound for view.
func (r *MembershipResolver) MaxSizeFor(view newsview.ViewDescriptor) int {
	return effectiveMaxSize(view, r.folderMaxSize)
}

func effectiveMaxSize(view newsview.ViewDescriptor, fallback int) int {
	if view.Kind != newsview.ViewKindFolder {
		return 0
	}
	if view.MaxSize > 0 {
		return view.MaxSize
	}

	return fallback
}

func (r *MembershipResolver) resolveSingleSource(
	ctx context.Context,
	view newsview.ViewDescriptor,
	states []newsview.VisibilityState,
) ([]newsview.EntitySnapshot, error) {
	refs, err := r.store.ResolveMembers(ctx, view, states)
	if err != nil {
		return nil, r.storeError(ctx, newsview.StoreOperationResolveMembers, view, err)
	}

	return r.resolveRefs(ctx, view, refs, states, func(snapshot newsview.EntitySnapshot) bool {
		return snapshot.ParentID == 0 && snapshot.Source == view.Target
	})
}

func (r *MembershipResolver) resolveBin(
	ctx context.Context,
	view newsview.ViewDescriptor,
	states []newsview.VisibilityState,
) ([]newsview.EntitySnapshot, error) {
	refs, err := r.store.ResolveMembers(ctx, view, states)
	if err != nil {
		return nil, r.storeError(ctx, newsview.StoreOperationResolveMembers, view, err)
	}

	return r.resolveRefs(ctx, view, refs, states, func(snapshot newsview.EntitySnapshot) bool {
		return snapshot.ParentID == view.BinID
	})
}

// resolveSavedSearch trusts the index result; entity fields never decide membership.
func (r *MembershipResolver) resolveSavedSearch(
	ctx context.Context,
	view newsview.ViewDescriptor,
	states []newsview.VisibilityState,
) ([]newsview.EntitySnapshot, error) {
	if r.index == nil {
		return nil, &newsview.StoreUnavailableError{
			Operation: newsview.StoreOperationSearch,
			View:      view.String(),
			Cause:     errors.New("no search index configured"),
		}
	}

	refs, err := r.index.Search(ctx, view.Target, states)
	if err != nil {
		return nil, r.storeError(ctx, newsview.StoreOperationSearch, view, err)
	}

	return r.resolveRefs(ctx, view, refs, states, nil)
}

func (r *MembershipResolver) resolveFolder(
	ctx context.Context,
	view newsview.ViewDescriptor,
	filter newsview.VisibilityFilter,
) ([]newsview.EntitySnapshot, bool, error) {
	leaves := view.Leaves()
	results := make([][]newsview.EntitySnapshot, len(leaves))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for idx, leaf := range leaves {
		group.Go(func() error {
			members, err := r.Resolve(groupCtx, leaf, filter)
			if err != nil {
				return fmt.Errorf("resolve folder %q leaf %s: %w", view.Target, leaf, err)
			}
			results[idx] = members
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, false, err
	}

	union := make(map[int64]newsview.EntitySnapshot)
	for _, members := range results {
		for _, member := range members {
			union[member.ID] = member
		}
	}
	members := sortedSnapshots(union)

	maxSize := r.MaxSizeFor(view)
	if maxSize > 0 && len(members) > maxSize {
		limited := r.aggregator.Limit(members, r.aggregator.AlreadyFiltered(filter), r.aggregator.Comparator(), maxSize)
		r.logger.DebugContext(ctx,
			"folder members truncated",
			"view", view.String(),
			"members", len(members),
			"kept", len(limited),
			"max_size", maxSize,
		)
		// A filtered set of exactly maxSize counts as cut; a later removal
		// then re-resolves instead of guessing.
		return limited, len(limited) == maxSize, nil
	}

	return members, false, nil
}

// resolveRefs loads every reference individually, skipping failures.
func (r *MembershipResolver) resolveRefs(
	ctx context.Context,
	view newsview.ViewDescriptor,
	refs []newsview.EntityRef,
	states []newsview.VisibilityState,
	accept func(newsview.EntitySnapshot) bool,
) ([]newsview.EntitySnapshot, error) {
	admitted := make(map[newsview.VisibilityState]bool, len(states))
	for _, state := range states {
		admitted[state] = true
	}

	seen := make(map[int64]struct{}, len(refs))
	members := make([]newsview.EntitySnapshot, 0, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", view, err)
		}
		if _, duplicate := seen[ref.ID]; duplicate {
			continue
		}
		seen[ref.ID] = struct{}{}

		snapshot, err := r.store.ResolveOne(ctx, ref)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("resolve %s: %w", view, ctxErr)
			}
			r.metrics.observeSkippedRef()
			r.logger.DebugContext(ctx,
				"skipping unresolvable reference",
				"view", view.String(),
				"entity_id", ref.ID,
				"error", err,
			)
			continue
		}
		if !snapshot.Visible() || !admitted[snapshot.State] {
			continue
		}
		if accept != nil && !accept(snapshot) {
			continue
		}
		members = append(members, snapshot)
	}

	return members, nil
}

func (r *MembershipResolver) storeError(
	ctx context.Context,
	operation newsview.StoreOperation,
	view newsview.ViewDescriptor,
	err error,
) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("resolve %s: %w", view, err)
	}

	r.metrics.observeStoreFailure()

	return &newsview.StoreUnavailableError{
		Operation: operation,
		View:      view.String(),
		Cause:     err,
	}
}

func sortedSnapshots(entries map[int64]newsview.EntitySnapshot) []newsview.EntitySnapshot {
	snapshots := make([]newsview.EntitySnapshot, 0, len(entries))
	for _, snapshot := range entries {
		snapshots = append(snapshots, snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID < snapshots[j].ID })

	return snapshots
}
