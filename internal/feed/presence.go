package feed

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

// PresenceAggregator tracks which peers signalled typing activity recently.
// Signals are not expired by timers; staleness is evaluated lazily against
// the quiet window whenever the active set is read.
type PresenceAggregator struct {
	clock    clockwork.Clock
	windowMS int64

	mu   sync.Mutex
	seen map[string]map[string]int64 // scopeID -> peerID -> last signal ms
}

// NewPresenceAggregator creates an aggregator with the given quiet window.
func NewPresenceAggregator(clock clockwork.Clock, windowMS int64) *PresenceAggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PresenceAggregator{
		clock:    clock,
		windowMS: windowMS,
		seen:     make(map[string]map[string]int64),
	}
}

// Signal records typing activity from a peer. A fresh signal refreshes the
// peer's window from now.
func (a *PresenceAggregator) Signal(scopeID, peerID string) {
	now := a.clock.Now().UnixMilli()

	a.mu.Lock()
	defer a.mu.Unlock()
	peers, ok := a.seen[scopeID]
	if !ok {
		peers = make(map[string]int64)
		a.seen[scopeID] = peers
	}
	peers[peerID] = now
}

// ActivePeers returns the peers whose latest signal falls inside the quiet
// window, sorted for stable rendering. Stale entries are pruned as a side
// effect.
func (a *PresenceAggregator) ActivePeers(scopeID string) []string {
	now := a.clock.Now().UnixMilli()

	a.mu.Lock()
	defer a.mu.Unlock()
	peers, ok := a.seen[scopeID]
	if !ok {
		return nil
	}

	var active []string
	for peerID, at := range peers {
		if now-at <= a.windowMS {
			active = append(active, peerID)
		} else {
			delete(peers, peerID)
		}
	}
	if len(peers) == 0 {
		delete(a.seen, scopeID)
	}
	sort.Strings(active)
	return active
}

// Clear drops all state for a scope.
func (a *PresenceAggregator) Clear(scopeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.seen, scopeID)
}
