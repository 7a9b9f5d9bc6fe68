// Package viewsync keeps the cached contents of the currently displayed news
// view consistent with the backing store.
//
// An Engine resolves the full membership of a bound view, classifies store
// change batches against it, and either patches its ViewCache in place or
// resolves the view again, reporting the difference as a newsview.Delta.
package viewsync
