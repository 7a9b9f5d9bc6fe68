// Package derived provides the consumer-side derived views rendered on top of
// a view cache: date-band grouping, a display filter, and a sort order.
//
// Each one is a newsview.DerivedViewHook and asks the engine for a full
// refresh when a change batch moves an item in a way an incremental patch
// cannot place.
package derived
