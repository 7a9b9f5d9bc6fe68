// Package memstore provides an in-memory backing store and search index that
// publish change batches through a change feed.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"newsview/internal/changefeed"
	"newsview/pkg/newsview"
)

// SavedSearch is one saved search definition evaluated by the in-memory index.
type SavedSearch struct {
	// ID is the saved search identifier.
	ID string
	// Query is matched case-insensitively against title and author.
	Query string
	// StickyOnly restricts matches to flagged items.
	StickyOnly bool
}

// Option mutates store construction configuration.
type Option func(*Store)

// WithFeed injects the change feed used to publish batches.
func WithFeed(feed *changefeed.Feed) Option {
	return func(store *Store) {
		if feed != nil {
			store.feed = feed
		}
	}
}

// Store is a concurrency-safe in-memory Store and SearchIndex.
type Store struct {
	feed *changefeed.Feed

	mu          sync.RWMutex
	entities    map[int64]newsview.EntitySnapshot
	bins        map[int64][]int64
	searches    map[string]SavedSearch
	nextID      int64
	unavailable error
	missing     map[int64]error
}

// New creates an empty store.
func New(options ...Option) *Store {
	store := &Store{
		entities: make(map[int64]newsview.EntitySnapshot),
		bins:     make(map[int64][]int64),
		searches: make(map[string]SavedSearch),
		missing:  make(map[int64]error),
	}
	for _, option := range options {
		option(store)
	}
	if store.feed == nil {
		store.feed = changefeed.New()
	}

	return store
}

// Feed exposes the change feed the store publishes to.
func (s *Store) Feed() *changefeed.Feed {
	return s.feed
}

// Close shuts down the change feed.
func (s *Store) Close(ctx context.Context) error {
	if err := s.feed.Close(ctx); err != nil {
		return fmt.Errorf("memstore close: %w", err)
	}

	return nil
}

// SetUnavailable makes every membership call fail with err until cleared with nil.
func (s *Store) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = err
}

// FailResolve makes ResolveOne fail with err for id until cleared with nil.
func (s *Store) FailResolve(id int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.missing, id)
		return
	}
	s.missing[id] = err
}

// DefineSearch registers or replaces a saved search.
func (s *Store) DefineSearch(search SavedSearch) error {
	if strings.TrimSpace(search.ID) == "" {
		return fmt.Errorf("memstore define search: empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches[search.ID] = search

	return nil
}

// Add persists new entities and publishes one ADDED batch.
// Entities with ID 0 get the next free id; bin entities join the bin index.
func (s *Store) Add(ctx context.Context, snapshots ...newsview.EntitySnapshot) ([]int64, error) {
	s.mu.Lock()
	ids := make([]int64, 0, len(snapshots))
	events := make([]newsview.ChangeEvent, 0, len(snapshots))
	for _, snapshot := range snapshots {
		if err := snapshot.State.Validate(); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("memstore add: %w", err)
		}
		if snapshot.ID == 0 {
			snapshot.ID = s.allocateIDLocked()
		}
		if _, exists := s.entities[snapshot.ID]; exists {
			s.mu.Unlock()
			return nil, fmt.Errorf("memstore add %d: entity already exists", snapshot.ID)
		}
		if snapshot.ID > s.nextID {
			s.nextID = snapshot.ID
		}
		stored := snapshot.Clone()
		s.entities[stored.ID] = stored
		if stored.ParentID != 0 {
			s.bins[stored.ParentID] = append(s.bins[stored.ParentID], stored.ID)
		}
		ids = append(ids, stored.ID)
		added := stored.Clone()
		events = append(events, newsview.ChangeEvent{EntityID: stored.ID, Kind: newsview.ChangeAdded, New: &added})
	}
	s.mu.Unlock()

	if err := s.feed.Publish(ctx, newsview.EntityKindNews, events); err != nil {
		return ids, fmt.Errorf("memstore add publish: %w", err)
	}

	return ids, nil
}

// Update replaces existing entities and publishes one UPDATED batch.
func (s *Store) Update(ctx context.Context, snapshots ...newsview.EntitySnapshot) error {
	s.mu.Lock()
	events := make([]newsview.ChangeEvent, 0, len(snapshots))
	for _, snapshot := range snapshots {
		if err := snapshot.State.Validate(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("memstore update: %w", err)
		}
		previous, exists := s.entities[snapshot.ID]
		if !exists {
			s.mu.Unlock()
			return fmt.Errorf("memstore update %d: %w", snapshot.ID, newsview.ErrNotFound)
		}
		stored := snapshot.Clone()
		s.entities[stored.ID] = stored
		old := previous.Clone()
		updated := stored.Clone()
		events = append(events, newsview.ChangeEvent{EntityID: stored.ID, Kind: newsview.ChangeUpdated, Old: &old, New: &updated})
	}
	s.mu.Unlock()

	if err := s.feed.Publish(ctx, newsview.EntityKindNews, events); err != nil {
		return fmt.Errorf("memstore update publish: %w", err)
	}

	return nil
}

// SetState moves entities to state and publishes one UPDATED batch.
func (s *Store) SetState(ctx context.Context, state newsview.VisibilityState, ids ...int64) error {
	updated := make([]newsview.EntitySnapshot, 0, len(ids))
	s.mu.RLock()
	for _, id := range ids {
		snapshot, exists := s.entities[id]
		if !exists {
			s.mu.RUnlock()
			return fmt.Errorf("memstore set state %d: %w", id, newsview.ErrNotFound)
		}
		snapshot = snapshot.Clone()
		snapshot.State = state
		updated = append(updated, snapshot)
	}
	s.mu.RUnlock()

	return s.Update(ctx, updated...)
}

// Remove deletes entities physically and publishes one REMOVED batch.
// Bin index entries are left in place, the way a lagging index would.
func (s *Store) Remove(ctx context.Context, ids ...int64) error {
	s.mu.Lock()
	events := make([]newsview.ChangeEvent, 0, len(ids))
	for _, id := range ids {
		previous, exists := s.entities[id]
		if !exists {
			continue
		}
		delete(s.entities, id)
		old := previous.Clone()
		events = append(events, newsview.ChangeEvent{EntityID: id, Kind: newsview.ChangeRemoved, Old: &old})
	}
	s.mu.Unlock()

	if err := s.feed.Publish(ctx, newsview.EntityKindNews, events); err != nil {
		return fmt.Errorf("memstore remove publish: %w", err)
	}

	return nil
}

// CopyToBin copies entities into a bin and publishes the copies as one ADDED batch.
func (s *Store) CopyToBin(ctx context.Context, binID int64, ids ...int64) ([]int64, error) {
	if binID <= 0 {
		return nil, fmt.Errorf("memstore copy to bin: bin id must be positive")
	}

	copies := make([]newsview.EntitySnapshot, 0, len(ids))
	s.mu.RLock()
	for _, id := range ids {
		snapshot, exists := s.entities[id]
		if !exists {
			s.mu.RUnlock()
			return nil, fmt.Errorf("memstore copy %d to bin %d: %w", id, binID, newsview.ErrNotFound)
		}
		copied := snapshot.Clone()
		copied.ID = 0
		copied.ParentID = binID
		copies = append(copies, copied)
	}
	s.mu.RUnlock()

	return s.Add(ctx, copies...)
}

// ResolveMembers lists single-source or bin members in one of states.
func (s *Store) ResolveMembers(
	ctx context.Context,
	view newsview.ViewDescriptor,
	states []newsview.VisibilityState,
) ([]newsview.EntityRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memstore resolve members %s: %w", view, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable != nil {
		return nil, fmt.Errorf("memstore resolve members %s: %w", view, s.unavailable)
	}

	admitted := stateSet(states)
	refs := make([]newsview.EntityRef, 0)
	switch view.Kind {
	case newsview.ViewKindSingleSource:
		for id, snapshot := range s.entities {
			if snapshot.ParentID == 0 && snapshot.Source == view.Target && admitted[snapshot.State] {
				refs = append(refs, newsview.EntityRef{ID: id})
			}
		}
	case newsview.ViewKindBin:
		for _, id := range s.bins[view.BinID] {
			snapshot, exists := s.entities[id]
			if exists && !admitted[snapshot.State] {
				continue
			}
			refs = append(refs, newsview.EntityRef{ID: id})
		}
	default:
		return nil, fmt.Errorf("memstore resolve members %s: unsupported view kind", view)
	}

	sortRefs(refs)

	return refs, nil
}

// ResolveOne loads one entity.
func (s *Store) ResolveOne(ctx context.Context, ref newsview.EntityRef) (newsview.EntitySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return newsview.EntitySnapshot{}, fmt.Errorf("memstore resolve %d: %w", ref.ID, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, failing := s.missing[ref.ID]; failing {
		return newsview.EntitySnapshot{}, fmt.Errorf("memstore resolve %d: %w", ref.ID, err)
	}
	snapshot, exists := s.entities[ref.ID]
	if !exists {
		return newsview.EntitySnapshot{}, fmt.Errorf("memstore resolve %d: %w", ref.ID, newsview.ErrNotFound)
	}

	return snapshot.Clone(), nil
}

// Search evaluates a saved search against the current entities.
func (s *Store) Search(
	ctx context.Context,
	searchID string,
	states []newsview.VisibilityState,
) ([]newsview.EntityRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memstore search %s: %w", searchID, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable != nil {
		return nil, fmt.Errorf("memstore search %s: %w", searchID, s.unavailable)
	}
	search, exists := s.searches[searchID]
	if !exists {
		return nil, fmt.Errorf("memstore search %s: unknown saved search", searchID)
	}

	admitted := stateSet(states)
	query := strings.ToLower(strings.TrimSpace(search.Query))
	refs := make([]newsview.EntityRef, 0)
	for id, snapshot := range s.entities {
		if !admitted[snapshot.State] {
			continue
		}
		if search.StickyOnly && !snapshot.Sticky {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(snapshot.Title), query) &&
			!strings.Contains(strings.ToLower(snapshot.Author), query) {
			continue
		}
		refs = append(refs, newsview.EntityRef{ID: id})
	}

	sortRefs(refs)

	return refs, nil
}

// Subscribe registers listener on the store change feed.
func (s *Store) Subscribe(
	ctx context.Context,
	kind newsview.EntityKind,
	listener newsview.BatchListener,
) (newsview.Subscription, error) {
	subscription, err := s.feed.Subscribe(ctx, kind, listener)
	if err != nil {
		return nil, fmt.Errorf("memstore subscribe: %w", err)
	}

	return subscription, nil
}

// Get returns one entity without failure injection, for tests and tooling.
func (s *Store) Get(id int64) (newsview.EntitySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, exists := s.entities[id]
	if !exists {
		return newsview.EntitySnapshot{}, false
	}

	return snapshot.Clone(), true
}

func (s *Store) allocateIDLocked() int64 {
	s.nextID++
	for {
		if _, taken := s.entities[s.nextID]; !taken {
			return s.nextID
		}
		s.nextID++
	}
}

func stateSet(states []newsview.VisibilityState) map[newsview.VisibilityState]bool {
	set := make(map[newsview.VisibilityState]bool, len(states))
	for _, state := range states {
		set[state] = true
	}

	return set
}

func sortRefs(refs []newsview.EntityRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
}
