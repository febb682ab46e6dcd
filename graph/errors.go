package graph

import "errors"

var (
	// ErrNotFound is returned when a queried id does not exist in
	// the store. Implementations never invent placeholder records
	// for missing ids.
	ErrNotFound = errors.New("graph: not found")

	// ErrStoreUnavailable is returned, wrapping the backend cause,
	// when the graph database cannot be reached. The adapter does
	// not retry internally, the caller owns the retry policy.
	ErrStoreUnavailable = errors.New("graph: store unavailable")

	// ErrConflict is returned when a write collides with existing
	// state under the same key, e.g. inserting a txid that is
	// already stored with different content.
	ErrConflict = errors.New("graph: conflicting write")
)
