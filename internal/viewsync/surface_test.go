package viewsync

import (
	"errors"
	"testing"

	"newsview/pkg/newsview"
)

// TestSurfaceRegistryRegister verifies registration and duplicate rejection.
func TestSurfaceRegistryRegister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		first   string
		second  string
		wantErr error
	}{
		{name: "distinct names", first: "main", second: "popup"},
		{name: "duplicate name fails", first: "main", second: "main", wantErr: newsview.ErrSurfaceAlreadyRegistered},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			registry := NewSurfaceRegistry()
			if _, err := registry.Register(testCase.first); err != nil {
				t.Fatalf("first register failed: %v", err)
			}

			_, err := registry.Register(testCase.second)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("second register error = %v, want %v", err, testCase.wantErr)
			}
		})
	}
}

// TestSurfaceRegistryErrors verifies validation and not-found failure semantics.
func TestSurfaceRegistryErrors(t *testing.T) {
	t.Parallel()

	registry := NewSurfaceRegistry()
	if _, err := registry.Register(""); err == nil {
		t.Fatal("expected empty name register error")
	}
	if _, err := registry.Lookup("missing"); !errors.Is(err, newsview.ErrSurfaceNotFound) {
		t.Fatalf("lookup error = %v, want ErrSurfaceNotFound", err)
	}
	if err := registry.Unregister("missing"); !errors.Is(err, newsview.ErrSurfaceNotFound) {
		t.Fatalf("unregister error = %v, want ErrSurfaceNotFound", err)
	}
}

// TestSurfaceRegistryLastVisible verifies last-visible tracking across surfaces.
func TestSurfaceRegistryLastVisible(t *testing.T) {
	t.Parallel()

	registry := NewSurfaceRegistry()
	if _, ok := registry.LastVisible(); ok {
		t.Fatal("empty registry has no last visible surface")
	}

	primary, err := registry.Register("main")
	if err != nil {
		t.Fatalf("register main failed: %v", err)
	}
	popup, err := registry.Register("popup")
	if err != nil {
		t.Fatalf("register popup failed: %v", err)
	}
	if last, _ := registry.LastVisible(); last != popup {
		t.Fatal("last visible surface should be popup")
	}

	primary.SetVisible(true)
	if last, _ := registry.LastVisible(); last != primary {
		t.Fatal("last visible surface should be main")
	}

	if err := registry.Unregister("main"); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if _, ok := registry.LastVisible(); ok {
		t.Fatal("unregistered surface still reported as last visible")
	}

	primary.SetVisible(true)
	if _, ok := registry.LastVisible(); ok {
		t.Fatal("detached surface became last visible")
	}
}

// TestSurfaceRenderable verifies visibility and minimization gating.
func TestSurfaceRenderable(t *testing.T) {
	t.Parallel()

	var detached *Surface
	if !detached.Renderable() {
		t.Fatal("nil surface should be renderable")
	}

	registry := NewSurfaceRegistry()
	surface, err := registry.Register("main")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !surface.Renderable() || !surface.Visible() {
		t.Fatal("new surface should be visible and renderable")
	}

	surface.SetMinimized(true)
	if surface.Renderable() {
		t.Fatal("minimized surface should not be renderable")
	}
	surface.SetMinimized(false)
	surface.SetVisible(false)
	if surface.Renderable() || surface.Visible() {
		t.Fatal("hidden surface should not be renderable")
	}
}
