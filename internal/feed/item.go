// Package feed is the client-side feed synchronization engine.
//
// It merges server-pushed events, polled snapshots, and locally pending
// optimistic writes into one de-duplicated, time-ordered item list per
// conversation scope, tolerating intermittent connectivity.
package feed

import (
	"github.com/egayivor-E/Pensaconnect-sub000/internal/wire"
)

// Origin records how an item entered the local list.
type Origin int

const (
	// OriginRemote marks a server-confirmed item.
	OriginRemote Origin = iota
	// OriginLocalPending marks an optimistic item awaiting confirmation.
	OriginLocalPending
	// OriginLocalFailed marks an optimistic item whose send was rejected.
	OriginLocalFailed
)

func (o Origin) String() string {
	switch o {
	case OriginLocalPending:
		return "local-pending"
	case OriginLocalFailed:
		return "local-failed"
	default:
		return "remote"
	}
}

// Item is a single entry in a scope's reconciled list.
//
// Identity is (ScopeID, ID): two items with the same id are the same logical
// item regardless of origin. Pending items carry their temp id until the
// server-confirmed id is known.
type Item struct {
	// ID is the item id; a temp id for local-pending/local-failed items.
	ID string
	// ScopeID identifies the owning scope.
	ScopeID string
	// AuthorID is the authoring user's id.
	AuthorID string
	// Content is the item body.
	Content string
	// CreatedAt is the creation time in milliseconds since epoch; for local
	// items, the submit time until confirmation.
	CreatedAt int64
	// LocalID is the idempotency key the item was sent with, when known.
	LocalID string
	// Origin records how the item entered the list.
	Origin Origin
}

func itemFromWire(w wire.FeedItem) Item {
	item := Item{
		ID:        string(w.ID),
		ScopeID:   string(w.ScopeID),
		AuthorID:  string(w.AuthorID),
		Content:   w.Content,
		CreatedAt: int64(w.CreatedAt),
		Origin:    OriginRemote,
	}
	if w.LocalID != nil {
		item.LocalID = *w.LocalID
	}
	return item
}
