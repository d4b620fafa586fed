package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	tracker := NewTracker(clock)

	snap := tracker.Submit("scope-1", "me", "hello", nil)
	require.NotEmpty(t, snap.TempID)
	require.Equal(t, WriteSending, snap.State)
	require.Equal(t, 1, snap.Attempts)
	require.Equal(t, clock.Now().UnixMilli(), snap.SubmittedAt)

	tracker.MarkSent(snap.TempID)
	pending := tracker.Pending("scope-1")
	require.Len(t, pending, 1)
	require.Equal(t, WriteSentUnconfirmed, pending[0].State)

	confirmed, ok := tracker.Confirm(snap.TempID)
	require.True(t, ok)
	require.Equal(t, snap.TempID, confirmed.TempID)
	require.Empty(t, tracker.Pending("scope-1"))

	_, ok = tracker.Confirm(snap.TempID)
	require.False(t, ok)
}

func TestTrackerRetryReusesTempID(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	tracker := NewTracker(clock)

	snap := tracker.Submit("scope-1", "me", "hello", nil)
	tracker.Fail(snap.TempID, errors.New("rejected"))

	pending := tracker.Pending("scope-1")
	require.Len(t, pending, 1)
	require.Equal(t, WriteFailed, pending[0].State)
	require.EqualError(t, pending[0].Err, "rejected")

	clock.Advance(5 * time.Second)
	retried, ok := tracker.Retry(snap.TempID)
	require.True(t, ok)
	require.Equal(t, snap.TempID, retried.TempID)
	require.Equal(t, WriteSending, retried.State)
	require.Equal(t, 2, retried.Attempts)
	require.NoError(t, retried.Err)
	require.Greater(t, retried.SubmittedAt, snap.SubmittedAt)
}

func TestTrackerRetryOnlyAppliesToFailedWrites(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(clockwork.NewFakeClock())
	snap := tracker.Submit("scope-1", "me", "hello", nil)

	_, ok := tracker.Retry(snap.TempID)
	require.False(t, ok)

	tracker.MarkSent(snap.TempID)
	_, ok = tracker.Retry(snap.TempID)
	require.False(t, ok)

	_, ok = tracker.Retry("no-such-write")
	require.False(t, ok)
}

func TestTrackerScopesAreIndependent(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(clockwork.NewFakeClock())
	tracker.Submit("scope-1", "me", "a", nil)
	tracker.Submit("scope-2", "me", "b", nil)

	require.Len(t, tracker.Pending("scope-1"), 1)
	require.Len(t, tracker.Pending("scope-2"), 1)
	require.Empty(t, tracker.Pending("scope-3"))
}

func TestTrackerAbandonDropsWrite(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(clockwork.NewFakeClock())
	snap := tracker.Submit("scope-1", "me", "oops", nil)
	tracker.Fail(snap.TempID, errors.New("rejected"))

	tracker.Abandon(snap.TempID)
	require.Empty(t, tracker.Pending("scope-1"))
}
