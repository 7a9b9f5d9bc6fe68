package newsview

import (
	"errors"
	"testing"
)

// TestViewDescriptorValidate verifies descriptor validation per kind.
func TestViewDescriptorValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		view    ViewDescriptor
		wantErr error
	}{
		{name: "single source", view: SingleSourceView("https://go.dev/blog/feed.atom")},
		{name: "single source without target", view: SingleSourceView(" "), wantErr: ErrInvalidView},
		{name: "bin", view: BinView(3)},
		{name: "bin without id", view: BinView(0), wantErr: ErrInvalidView},
		{name: "saved search", view: SavedSearchView("golang")},
		{name: "folder", view: FolderView("reading", 20, SingleSourceView("feed-a"), BinView(2))},
		{
			name:    "folder with saved search child",
			view:    FolderView("reading", 20, SavedSearchView("golang")),
			wantErr: ErrInvalidView,
		},
		{
			name:    "folder with invalid grandchild",
			view:    FolderView("reading", 0, FolderView("nested", 0, BinView(-1))),
			wantErr: ErrInvalidView,
		},
		{name: "negative folder bound", view: FolderView("reading", -1), wantErr: ErrInvalidView},
		{name: "unknown kind", view: ViewDescriptor{Kind: "smart_feed", Target: "x"}, wantErr: ErrUnknownViewKind},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.view.Validate()
			if testCase.wantErr == nil {
				if err != nil {
					t.Fatalf("validate failed: %v", err)
				}
				return
			}
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("validate error = %v, want %v", err, testCase.wantErr)
			}
		})
	}
}

// TestViewDescriptorLeaves verifies nested folders flatten to feed and bin leaves.
func TestViewDescriptorLeaves(t *testing.T) {
	t.Parallel()

	folder := FolderView("root", 0,
		SingleSourceView("feed-a"),
		FolderView("nested", 0, BinView(4), SingleSourceView("feed-b")),
	)

	leaves := folder.Leaves()
	want := []string{"single_source:feed-a", "bin:4", "single_source:feed-b"}
	if len(leaves) != len(want) {
		t.Fatalf("leaves = %v, want %v", leaves, want)
	}
	for idx, leaf := range leaves {
		if leaf.String() != want[idx] {
			t.Fatalf("leaf %d = %s, want %s", idx, leaf, want[idx])
		}
	}

	cloned := folder.Clone()
	cloned.Children[0].Target = "mutated"
	if folder.Children[0].Target != "feed-a" {
		t.Fatal("clone shares children with the original")
	}
}

// TestVisibilityFilter verifies filter parsing and admission.
func TestVisibilityFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw      string
		want     VisibilityFilter
		admits   []VisibilityState
		rejects  []VisibilityState
		parseErr bool
	}{
		{raw: "", want: FilterAll, admits: VisibleStates, rejects: []VisibilityState{StateHidden, StateDeleted}},
		{raw: "NEW", want: FilterNew, admits: []VisibilityState{StateNew}, rejects: []VisibilityState{StateUnread, StateRead}},
		{raw: "unread", want: FilterUnread, admits: []VisibilityState{StateNew, StateUnread, StateUpdated}, rejects: []VisibilityState{StateRead}},
		{raw: "starred", parseErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.raw, func(t *testing.T) {
			t.Parallel()

			filter, err := ParseVisibilityFilter(testCase.raw)
			if testCase.parseErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if filter != testCase.want {
				t.Fatalf("filter = %s, want %s", filter, testCase.want)
			}
			for _, state := range testCase.admits {
				if !filter.Admits(state) {
					t.Fatalf("%s should admit %s", filter, state)
				}
			}
			for _, state := range testCase.rejects {
				if filter.Admits(state) {
					t.Fatalf("%s should reject %s", filter, state)
				}
			}
		})
	}
}
