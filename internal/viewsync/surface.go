package viewsync

import (
	"fmt"
	"sync"

	"newsview/pkg/newsview"
)

// Surface is one rendering consumer whose visibility gates incremental patching.
type Surface struct {
	name     string
	registry *SurfaceRegistry

	mu        sync.Mutex
	visible   bool
	minimized bool
}

// Name returns the registered surface name.
func (s *Surface) Name() string {
	return s.name
}

// SetVisible records whether the surface is shown.
func (s *Surface) SetVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()

	if visible && s.registry != nil {
		s.registry.markVisible(s)
	}
}

// SetMinimized records whether the surface window is minimized.
func (s *Surface) SetMinimized(minimized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minimized = minimized
}

// Visible reports whether the surface is shown.
func (s *Surface) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.visible
}

// Renderable reports whether patches can be shown right away. A nil surface is renderable.
func (s *Surface) Renderable() bool {
	if s == nil {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.visible && !s.minimized
}

// SurfaceRegistry is the application-owned set of rendering surfaces.
type SurfaceRegistry struct {
	mu          sync.RWMutex
	surfaces    map[string]*Surface
	lastVisible string
}

// NewSurfaceRegistry creates an empty registry.
func NewSurfaceRegistry() *SurfaceRegistry {
	return &SurfaceRegistry{
		surfaces: make(map[string]*Surface),
	}
}

// Register adds a named surface. New surfaces start visible, not minimized,
// and become the last visible surface.
func (r *SurfaceRegistry) Register(name string) (*Surface, error) {
	if name == "" {
		return nil, fmt.Errorf("register surface: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.surfaces[name]; exists {
		return nil, fmt.Errorf("register surface %s: %w", name, newsview.ErrSurfaceAlreadyRegistered)
	}

	surface := &Surface{name: name, registry: r, visible: true}
	r.surfaces[name] = surface
	r.lastVisible = name

	return surface, nil
}

// Lookup returns a registered surface.
func (r *SurfaceRegistry) Lookup(name string) (*Surface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	surface, exists := r.surfaces[name]
	if !exists {
		return nil, fmt.Errorf("lookup surface %s: %w", name, newsview.ErrSurfaceNotFound)
	}

	return surface, nil
}

// Unregister removes a surface. It forgets the surface as last visible.
func (r *SurfaceRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.surfaces[name]; !exists {
		return fmt.Errorf("unregister surface %s: %w", name, newsview.ErrSurfaceNotFound)
	}

	delete(r.surfaces, name)
	if r.lastVisible == name {
		r.lastVisible = ""
	}

	return nil
}

// LastVisible returns the surface most recently made visible, if it is still registered.
func (r *SurfaceRegistry) LastVisible() (*Surface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.lastVisible == "" {
		return nil, false
	}
	surface, exists := r.surfaces[r.lastVisible]

	return surface, exists
}

func (r *SurfaceRegistry) markVisible(surface *Surface) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.surfaces[surface.name] != surface {
		return
	}
	r.lastVisible = surface.name
}
