// Package fixture loads YAML descriptions of a news store, the view to bind,
// and a script of store mutations to replay against it.
package fixture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"newsview/pkg/newsview"
)

// Op names one scripted step.
type Op string

const (
	// OpAdd inserts Entities.
	OpAdd Op = "add"
	// OpUpdate replaces Entities.
	OpUpdate Op = "update"
	// OpSetState moves IDs to State.
	OpSetState Op = "set_state"
	// OpRemove deletes IDs.
	OpRemove Op = "remove"
	// OpCopy copies IDs into Bin.
	OpCopy Op = "copy"
	// OpRefresh asks the engine to resolve the view again; it does not touch the store.
	OpRefresh Op = "refresh"
)

// Fixture is one decoded fixture file.
type Fixture struct {
	Entities []Entity `yaml:"entities"`
	Bins     []Bin    `yaml:"bins"`
	Searches []Search `yaml:"searches"`
	View     View     `yaml:"view"`
	Script   []Step   `yaml:"script"`
}

// Entity is one news item.
type Entity struct {
	ID        int64     `yaml:"id"`
	Bin       int64     `yaml:"bin"`
	State     string    `yaml:"state"`
	Sticky    bool      `yaml:"sticky"`
	Source    string    `yaml:"source"`
	Title     string    `yaml:"title"`
	Link      string    `yaml:"link"`
	Author    string    `yaml:"author"`
	Published time.Time `yaml:"published"`
	Modified  time.Time `yaml:"modified"`
	Labels    []string  `yaml:"labels"`
}

// Bin copies existing entities into a bin.
type Bin struct {
	ID   int64   `yaml:"id"`
	Copy []int64 `yaml:"copy"`
}

// Search is one saved search definition.
type Search struct {
	ID         string `yaml:"id"`
	Query      string `yaml:"query"`
	StickyOnly bool   `yaml:"sticky_only"`
}

// View describes the view to bind.
type View struct {
	Kind     string `yaml:"kind"`
	Target   string `yaml:"target"`
	Bin      int64  `yaml:"bin"`
	MaxSize  int    `yaml:"max_size"`
	Children []View `yaml:"children"`
}

// Step is one scripted mutation.
type Step struct {
	Op       Op       `yaml:"op"`
	IDs      []int64  `yaml:"ids"`
	State    string   `yaml:"state"`
	Bin      int64    `yaml:"bin"`
	Entities []Entity `yaml:"entities"`
}

// Mutator is the write surface of a reference store.
type Mutator interface {
	Add(ctx context.Context, snapshots ...newsview.EntitySnapshot) ([]int64, error)
	Update(ctx context.Context, snapshots ...newsview.EntitySnapshot) error
	SetState(ctx context.Context, state newsview.VisibilityState, ids ...int64) error
	Remove(ctx context.Context, ids ...int64) error
	CopyToBin(ctx context.Context, binID int64, ids ...int64) ([]int64, error)
}

// Load reads and validates the fixture at path.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixture: reading %s: %w", path, err)
	}

	fixture, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("fixture: %s: %w", path, err)
	}

	return fixture, nil
}

// Parse decodes and validates a fixture. Unknown fields are rejected.
func Parse(r io.Reader) (*Fixture, error) {
	var fixture Fixture

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fixture); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if err := fixture.Validate(); err != nil {
		return nil, err
	}

	return &fixture, nil
}

// Validate checks states, views, and script steps.
func (f *Fixture) Validate() error {
	for idx, entity := range f.Entities {
		if _, err := entity.Snapshot(); err != nil {
			return fmt.Errorf("entities[%d]: %w", idx, err)
		}
	}
	for idx, bin := range f.Bins {
		if bin.ID <= 0 {
			return fmt.Errorf("bins[%d].id must be positive, got %d", idx, bin.ID)
		}
	}
	seen := make(map[string]struct{}, len(f.Searches))
	for idx, search := range f.Searches {
		id := strings.TrimSpace(search.ID)
		if id == "" {
			return fmt.Errorf("searches[%d].id cannot be empty", idx)
		}
		if _, exists := seen[id]; exists {
			return fmt.Errorf("searches[%d]: duplicate id %q", idx, id)
		}
		seen[id] = struct{}{}
	}
	if f.View.Kind != "" {
		view, err := f.View.Descriptor()
		if err != nil {
			return fmt.Errorf("view: %w", err)
		}
		if err := view.Validate(); err != nil {
			return fmt.Errorf("view: %w", err)
		}
	}
	for idx, step := range f.Script {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("script[%d]: %w", idx, err)
		}
	}

	return nil
}

// Seed inserts entities, then fills bins with copies.
func (f *Fixture) Seed(ctx context.Context, store Mutator) error {
	snapshots := make([]newsview.EntitySnapshot, 0, len(f.Entities))
	for _, entity := range f.Entities {
		snapshot, err := entity.Snapshot()
		if err != nil {
			return fmt.Errorf("fixture seed: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	if len(snapshots) > 0 {
		if _, err := store.Add(ctx, snapshots...); err != nil {
			return fmt.Errorf("fixture seed entities: %w", err)
		}
	}

	for _, bin := range f.Bins {
		if len(bin.Copy) == 0 {
			continue
		}
		if _, err := store.CopyToBin(ctx, bin.ID, bin.Copy...); err != nil {
			return fmt.Errorf("fixture seed bin %d: %w", bin.ID, err)
		}
	}

	return nil
}

// Snapshot converts the entity into a store snapshot.
func (e Entity) Snapshot() (newsview.EntitySnapshot, error) {
	state := newsview.VisibilityState(strings.ToLower(strings.TrimSpace(e.State)))
	if state == "" {
		state = newsview.StateNew
	}
	if err := state.Validate(); err != nil {
		return newsview.EntitySnapshot{}, err
	}

	return newsview.EntitySnapshot{
		ID:        e.ID,
		ParentID:  e.Bin,
		State:     state,
		Sticky:    e.Sticky,
		Source:    e.Source,
		Title:     e.Title,
		Link:      e.Link,
		Author:    e.Author,
		Published: e.Published,
		Modified:  e.Modified,
		Labels:    append([]string(nil), e.Labels...),
	}, nil
}

// Descriptor converts the view into a descriptor. Nested folder children are
// kept as written; the engine flattens them.
func (v View) Descriptor() (newsview.ViewDescriptor, error) {
	switch newsview.ViewKind(strings.TrimSpace(v.Kind)) {
	case newsview.ViewKindSingleSource:
		return newsview.SingleSourceView(v.Target), nil
	case newsview.ViewKindBin:
		return newsview.BinView(v.Bin), nil
	case newsview.ViewKindSavedSearch:
		return newsview.SavedSearchView(v.Target), nil
	case newsview.ViewKindFolder:
		children := make([]newsview.ViewDescriptor, 0, len(v.Children))
		for idx, child := range v.Children {
			descriptor, err := child.Descriptor()
			if err != nil {
				return newsview.ViewDescriptor{}, fmt.Errorf("children[%d]: %w", idx, err)
			}
			children = append(children, descriptor)
		}
		return newsview.FolderView(v.Target, v.MaxSize, children...), nil
	default:
		return newsview.ViewDescriptor{}, fmt.Errorf("kind %q: %w", v.Kind, newsview.ErrInvalidView)
	}
}

// Validate checks that the step carries the fields its op needs.
func (s Step) Validate() error {
	switch s.Op {
	case OpAdd, OpUpdate:
		if len(s.Entities) == 0 {
			return fmt.Errorf("%s: entities are required", s.Op)
		}
		for idx, entity := range s.Entities {
			if _, err := entity.Snapshot(); err != nil {
				return fmt.Errorf("%s entities[%d]: %w", s.Op, idx, err)
			}
			if s.Op == OpUpdate && entity.ID == 0 {
				return fmt.Errorf("%s entities[%d]: id is required", s.Op, idx)
			}
		}
	case OpSetState:
		if len(s.IDs) == 0 {
			return fmt.Errorf("%s: ids are required", s.Op)
		}
		if err := newsview.VisibilityState(s.State).Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.Op, err)
		}
	case OpRemove:
		if len(s.IDs) == 0 {
			return fmt.Errorf("%s: ids are required", s.Op)
		}
	case OpCopy:
		if len(s.IDs) == 0 || s.Bin <= 0 {
			return fmt.Errorf("%s: ids and a positive bin are required", s.Op)
		}
	case OpRefresh:
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}

	return nil
}

// Apply performs the step against store. OpRefresh is a no-op here.
func (s Step) Apply(ctx context.Context, store Mutator) error {
	switch s.Op {
	case OpAdd, OpUpdate:
		snapshots := make([]newsview.EntitySnapshot, 0, len(s.Entities))
		for _, entity := range s.Entities {
			snapshot, err := entity.Snapshot()
			if err != nil {
				return fmt.Errorf("apply %s: %w", s.Op, err)
			}
			snapshots = append(snapshots, snapshot)
		}
		if s.Op == OpAdd {
			if _, err := store.Add(ctx, snapshots...); err != nil {
				return fmt.Errorf("apply %s: %w", s.Op, err)
			}
			return nil
		}
		if err := store.Update(ctx, snapshots...); err != nil {
			return fmt.Errorf("apply %s: %w", s.Op, err)
		}
	case OpSetState:
		if err := store.SetState(ctx, newsview.VisibilityState(s.State), s.IDs...); err != nil {
			return fmt.Errorf("apply %s: %w", s.Op, err)
		}
	case OpRemove:
		if err := store.Remove(ctx, s.IDs...); err != nil {
			return fmt.Errorf("apply %s: %w", s.Op, err)
		}
	case OpCopy:
		if _, err := store.CopyToBin(ctx, s.Bin, s.IDs...); err != nil {
			return fmt.Errorf("apply %s: %w", s.Op, err)
		}
	case OpRefresh:
	default:
		return fmt.Errorf("apply: unknown op %q", s.Op)
	}

	return nil
}
