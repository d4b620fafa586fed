package feed

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestPresenceQuietWindow(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	agg := NewPresenceAggregator(clock, 3000)

	agg.Signal("scope-1", "stale")
	clock.Advance(9 * time.Second)
	agg.Signal("scope-1", "recent")
	clock.Advance(1 * time.Second)

	// "recent" signalled 1s ago, "stale" 10s ago, with a 3s window.
	require.Equal(t, []string{"recent"}, agg.ActivePeers("scope-1"))
}

func TestPresenceSignalRefreshesWindow(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	agg := NewPresenceAggregator(clock, 3000)

	agg.Signal("scope-1", "p1")
	clock.Advance(2 * time.Second)
	agg.Signal("scope-1", "p1")
	clock.Advance(2 * time.Second)

	// 4s since the first signal, 2s since the refresh.
	require.Equal(t, []string{"p1"}, agg.ActivePeers("scope-1"))

	clock.Advance(2 * time.Second)
	require.Empty(t, agg.ActivePeers("scope-1"))
}

func TestPresenceScopesAreIndependent(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	agg := NewPresenceAggregator(clock, 3000)

	agg.Signal("scope-1", "p1")
	agg.Signal("scope-2", "p2")

	require.Equal(t, []string{"p1"}, agg.ActivePeers("scope-1"))
	require.Equal(t, []string{"p2"}, agg.ActivePeers("scope-2"))
}

func TestPresenceActivePeersSorted(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	agg := NewPresenceAggregator(clock, 3000)

	agg.Signal("scope-1", "zoe")
	agg.Signal("scope-1", "ama")
	agg.Signal("scope-1", "kofi")

	require.Equal(t, []string{"ama", "kofi", "zoe"}, agg.ActivePeers("scope-1"))
}

func TestPresenceClear(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	agg := NewPresenceAggregator(clock, 3000)

	agg.Signal("scope-1", "p1")
	agg.Clear("scope-1")
	require.Empty(t, agg.ActivePeers("scope-1"))
}
