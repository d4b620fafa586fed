package feed

import "sync"

// scopeState is everything the syncer holds for one open scope. The mutex
// serializes reconciliation so exactly one pass runs per scope at a time.
type scopeState struct {
	mu sync.Mutex
	// notifyMu serializes listener and bus dispatch. It is acquired while mu
	// is still held, so views reach listeners in reconcile order even when
	// refreshes race on the release of mu.
	notifyMu sync.Mutex
	// items is the canonical merged view, ordered by createdAt.
	items []Item
	// cursor is the highest remote createdAt seen, used as the poll since
	// parameter.
	cursor int64
	// pollInFlight guards against overlapping fetches; a cadence tick that
	// lands while one runs is skipped, not queued.
	pollInFlight bool
	// closed marks a scope the user navigated away from. Deliveries that
	// arrive afterwards are discarded.
	closed bool

	listeners    map[int]Listener
	nextListener int
}
