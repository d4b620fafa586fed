// Package transport abstracts the channels that deliver feed item batches:
// a Socket.IO push connection, a plain websocket push connection, and a
// caller-driven HTTP poll fetch.
package transport

import (
	"context"

	"github.com/egayivor-E/Pensaconnect-sub000/internal/wire"
)

// Kind distinguishes how a batch reached the client.
type Kind int

const (
	// KindPush marks batches delivered by a push connection as they occur.
	KindPush Kind = iota
	// KindPoll marks snapshot batches returned by a poll fetch.
	KindPoll
)

func (k Kind) String() string {
	if k == KindPoll {
		return "poll"
	}
	return "push"
}

// Batch is a group of feed items delivered together for one scope.
type Batch struct {
	// ScopeID identifies the scope the items belong to.
	ScopeID wire.ID
	// Items are the delivered items. Malformed entries have already been
	// dropped by the wire layer; the reconciler re-checks anyway.
	Items []wire.FeedItem
	// Kind records the delivery path.
	Kind Kind
}

// DeliverFunc receives batches for a subscribed scope.
//
// Implementations must be safe to call from transport goroutines at any
// time, including while a poll for the same scope is in flight.
type DeliverFunc func(Batch)

// Channel is the common contract all transports satisfy.
//
// Connect/Disconnect may be called again after a failure without leaking a
// duplicate subscription.
type Channel interface {
	// Connect subscribes a scope and registers the batch consumer.
	Connect(ctx context.Context, scopeID wire.ID, deliver DeliverFunc) error
	// Send submits a new item and returns the server-confirmed item.
	Send(ctx context.Context, req wire.SendRequest) (wire.FeedItem, error)
	// Disconnect unsubscribes a scope. Unknown scopes are a no-op.
	Disconnect(scopeID wire.ID) error
}

// Poller is implemented by channels whose delivery is caller-driven.
type Poller interface {
	Channel
	// Poll runs one bounded fetch for a subscribed scope, delivering the
	// snapshot through the Connect-registered consumer. since restricts the
	// fetch to items created after the given epoch-millisecond cursor; zero
	// fetches the full snapshot.
	Poll(ctx context.Context, scopeID wire.ID, since int64) error
}

// TypingFunc receives ephemeral typing/presence signals.
type TypingFunc func(wire.TypingEvent)
