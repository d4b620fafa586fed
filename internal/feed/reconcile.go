package feed

import (
	"sort"

	"github.com/egayivor-E/Pensaconnect-sub000/internal/wire"
)

// pendingMatchWindowMS bounds the gap between a pending write's submit time
// and an incoming item's createdAt for the fallback content heuristic. Wide
// enough to absorb clock skew and slow round trips, narrow enough that two
// identical sends minutes apart stay distinct.
const pendingMatchWindowMS = 30_000

// reconcileResult is the outcome of one reconciler pass.
type reconcileResult struct {
	// items is the new canonical ordered list.
	items []Item
	// confirmed maps a pending write's temp id to the server item that
	// confirmed it.
	confirmed map[string]Item
	// added lists remote items observed for the first time in this pass.
	added []Item
	// dropped counts malformed incoming items discarded by this pass.
	dropped int
	// changed is false when the resulting list is observably identical to
	// current, letting callers skip subscriber notification.
	changed bool
}

// reconcile merges a scope's current list, an incoming batch, and the
// still-unconfirmed pending writes into a new canonical ordered list.
//
// It is a pure function of its inputs: no I/O, no clock, no shared state.
// Malformed incoming items are counted and dropped without aborting the
// batch.
func reconcile(current []Item, incoming []wire.FeedItem, pending []PendingSnapshot) reconcileResult {
	res := reconcileResult{confirmed: make(map[string]Item)}

	known := make(map[string]struct{}, len(current))
	merged := make(map[string]Item, len(current)+len(incoming))
	for _, item := range current {
		known[item.ID] = struct{}{}
		// Local entries are re-derived from the pending list below so state
		// transitions (pending -> failed, confirmed -> removed) take effect.
		if item.Origin == OriginRemote {
			merged[item.ID] = item
		}
	}

	unconfirmed := make([]PendingSnapshot, 0, len(pending))
	for _, p := range pending {
		if p.State != WriteConfirmed {
			unconfirmed = append(unconfirmed, p)
		}
	}

	for _, w := range incoming {
		if w.Validate() != nil {
			res.dropped++
			continue
		}
		item := itemFromWire(w)

		matched := false
		if idx := matchPending(item, unconfirmed); idx >= 0 {
			res.confirmed[unconfirmed[idx].TempID] = item
			unconfirmed = append(unconfirmed[:idx], unconfirmed[idx+1:]...)
			matched = true
		}

		// Confirmations of our own writes are replacements, not new arrivals.
		if !matched {
			if _, seen := known[item.ID]; !seen {
				if _, seenNow := merged[item.ID]; !seenNow {
					res.added = append(res.added, item)
				}
			}
		}
		merged[item.ID] = item
	}

	// Still-unconfirmed writes keep their optimistic entries, under their
	// temp ids.
	for _, p := range unconfirmed {
		if _, taken := merged[p.TempID]; taken {
			continue
		}
		merged[p.TempID] = p.item()
	}

	res.items = make([]Item, 0, len(merged))
	for _, item := range merged {
		res.items = append(res.items, item)
	}
	sort.Slice(res.items, func(i, j int) bool {
		a, b := res.items[i], res.items[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})

	res.changed = !sameView(current, res.items)
	return res
}

// matchPending finds the pending write an incoming item confirms, preferring
// the echoed idempotency key and falling back to a content+author+time
// heuristic for transports that do not echo it.
func matchPending(item Item, pending []PendingSnapshot) int {
	if item.LocalID != "" {
		for i, p := range pending {
			if p.TempID == item.LocalID {
				return i
			}
		}
	}
	for i, p := range pending {
		if p.AuthorID != item.AuthorID || p.Content != item.Content {
			continue
		}
		delta := item.CreatedAt - p.SubmittedAt
		if delta < 0 {
			delta = -delta
		}
		if delta <= pendingMatchWindowMS {
			return i
		}
	}
	return -1
}

// sameView reports whether two lists are observably identical: same id
// sequence, content, and origin. Poll-driven scopes refetch on a fixed
// interval, so skipping no-op notifications is required, not cosmetic.
func sameView(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Content != b[i].Content || a[i].Origin != b[i].Origin {
			return false
		}
	}
	return true
}
