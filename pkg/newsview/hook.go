package newsview

// DerivedViewHook is a consumer-side derived view (grouping, filtering,
// sorting) that may be invalidated by a change batch.
type DerivedViewHook interface {
	// Name returns a stable hook identifier for logs and metrics.
	Name() string
	// NeedsRefresh reports whether events invalidate the hook's derived state
	// in a way an incremental patch cannot express.
	NeedsRefresh(events []ChangeEvent) bool
}

// Comparator orders two snapshots; it returns a negative value when a ranks before b.
type Comparator func(a, b EntitySnapshot) int

// Predicate reports whether a snapshot passes the active display filter.
type Predicate func(snapshot EntitySnapshot) bool

// HookFunc adapts a plain function into a DerivedViewHook.
type HookFunc struct {
	// HookName is returned by Name.
	HookName string
	// Fn implements NeedsRefresh.
	Fn func(events []ChangeEvent) bool
}

// Name returns the hook name.
func (h HookFunc) Name() string {
	return h.HookName
}

// NeedsRefresh delegates to Fn; a nil Fn never requests a refresh.
func (h HookFunc) NeedsRefresh(events []ChangeEvent) bool {
	if h.Fn == nil {
		return false
	}

	return h.Fn(events)
}
