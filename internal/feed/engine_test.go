package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/egayivor-E/Pensaconnect-sub000/internal/backoff"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/bus"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/transport"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/wire"
)

// fakePoller is an in-memory Poller whose fetch responses are queued by the
// test.
type fakePoller struct {
	mu       sync.Mutex
	delivers map[wire.ID]transport.DeliverFunc
	queued   map[wire.ID][][]wire.FeedItem
	pollErr  error
	block    chan struct{}
	polls    int
	sent     []wire.SendRequest
	sendFn   func(wire.SendRequest) (wire.FeedItem, error)
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		delivers: make(map[wire.ID]transport.DeliverFunc),
		queued:   make(map[wire.ID][][]wire.FeedItem),
	}
}

func (f *fakePoller) Connect(_ context.Context, scopeID wire.ID, deliver transport.DeliverFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivers[scopeID] = deliver
	return nil
}

func (f *fakePoller) Disconnect(scopeID wire.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.delivers, scopeID)
	return nil
}

func (f *fakePoller) Send(_ context.Context, req wire.SendRequest) (wire.FeedItem, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	sendFn := f.sendFn
	f.mu.Unlock()
	if sendFn == nil {
		return wire.FeedItem{}, errors.New("no send handler")
	}
	return sendFn(req)
}

func (f *fakePoller) Poll(_ context.Context, scopeID wire.ID, _ int64) error {
	f.mu.Lock()
	f.polls++
	block := f.block
	err := f.pollErr
	var batch []wire.FeedItem
	var deliver transport.DeliverFunc
	if queue := f.queued[scopeID]; len(queue) > 0 {
		batch, f.queued[scopeID] = queue[0], queue[1:]
		deliver = f.delivers[scopeID]
	}
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	if deliver != nil {
		deliver(transport.Batch{ScopeID: scopeID, Items: batch, Kind: transport.KindPoll})
	}
	return nil
}

func (f *fakePoller) queue(scopeID wire.ID, items ...wire.FeedItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[scopeID] = append(f.queued[scopeID], items)
}

func (f *fakePoller) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakePoller) deliver(scopeID wire.ID) transport.DeliverFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivers[scopeID]
}

func (f *fakePoller) sentRequests() []wire.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.SendRequest, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakePusher is an in-memory push channel.
type fakePusher struct {
	*fakePoller
	typing transport.TypingFunc
	status backoff.Status
}

func (f *fakePusher) OnTyping(fn transport.TypingFunc) { f.typing = fn }

func (f *fakePusher) ConnectionState() backoff.State {
	return backoff.State{Status: f.status}
}

func (f *fakePusher) ResetConnection() {}

func (f *fakePusher) Close() error { return nil }

func newTestSyncer(t *testing.T, opts Options) *Syncer {
	t.Helper()
	if opts.AuthorID == "" {
		opts.AuthorID = "me"
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClock()
	}
	s, err := NewSyncer(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncerOpenFetchesInitialSnapshot(t *testing.T) {
	t.Parallel()

	fp := newFakePoller()
	fp.queue("scope-1", wireItem("2", "u2", "b", 2000), wireItem("1", "u2", "a", 1000))

	s := newTestSyncer(t, Options{Poll: fp})
	require.NoError(t, s.Open(context.Background(), "scope-1"))

	require.Eventually(t, func() bool {
		items := s.Items("scope-1")
		return len(items) == 2 && items[0].ID == "1" && items[1].ID == "2"
	}, time.Second, 5*time.Millisecond)
}

func TestSyncerClosedScopeDiscardsLateDelivery(t *testing.T) {
	t.Parallel()

	fp := newFakePoller()
	s := newTestSyncer(t, Options{Poll: fp})
	require.NoError(t, s.Open(context.Background(), "scope-1"))

	deliver := fp.deliver("scope-1")
	require.NotNil(t, deliver)

	var notified bool
	s.Listen("scope-1", func(string, []Item) { notified = true })
	s.CloseScope("scope-1")

	// A fetch that was in flight when the scope closed completes now.
	deliver(transport.Batch{
		ScopeID: "scope-1",
		Items:   []wire.FeedItem{wireItem("1", "u2", "late", 1000)},
		Kind:    transport.KindPoll,
	})

	require.Empty(t, s.Items("scope-1"))
	require.False(t, notified)
}

func TestSyncerMergesPushAndPollWithoutDuplicates(t *testing.T) {
	t.Parallel()

	fp := newFakePoller()
	s := newTestSyncer(t, Options{Poll: fp})
	require.NoError(t, s.Open(context.Background(), "scope-1"))

	deliver := fp.deliver("scope-1")
	deliver(transport.Batch{
		ScopeID: "scope-1",
		Items:   []wire.FeedItem{wireItem("7", "u2", "hi", 1000)},
		Kind:    transport.KindPush,
	})
	deliver(transport.Batch{
		ScopeID: "scope-1",
		Items: []wire.FeedItem{
			wireItem("7", "u2", "hi", 1000),
			wireItem("8", "u3", "ho", 2000),
		},
		Kind: transport.KindPoll,
	})

	items := s.Items("scope-1")
	require.Equal(t, []string{"7", "8"}, viewIDs(items))
}

func TestSyncerPublishesRemoteArrivalsOnly(t *testing.T) {
	t.Parallel()

	fp := newFakePoller()
	b := bus.New()
	sub := b.Subscribe(TopicItemCreated, 8)
	defer sub.Unsubscribe()

	s := newTestSyncer(t, Options{Poll: fp, Bus: b})
	require.NoError(t, s.Open(context.Background(), "scope-1"))

	deliver := fp.deliver("scope-1")
	deliver(transport.Batch{
		ScopeID: "scope-1",
		Items: []wire.FeedItem{
			wireItem("1", "u2", "from a peer", 1000),
			wireItem("2", "me", "my own echo", 2000),
		},
		Kind: transport.KindPush,
	})

	event := <-sub.C()
	item, ok := event.Payload.(Item)
	require.True(t, ok)
	require.Equal(t, "1", item.ID)

	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected second event: %+v", extra.Payload)
	default:
	}
}

func TestSyncerSubmitConfirmsOptimisticEntry(t *testing.T) {
	t.Parallel()

	fp := newFakePoller()
	fp.sendFn = func(req wire.SendRequest) (wire.FeedItem, error) {
		localID := req.LocalID
		return wire.FeedItem{
			ID:        "41",
			ScopeID:   req.ScopeID,
			AuthorID:  "me",
			Content:   req.Content,
			CreatedAt: 5000,
			LocalID:   &localID,
		}, nil
	}

	s := newTestSyncer(t, Options{Poll: fp})
	require.NoError(t, s.Open(context.Background(), "scope-1"))

	snap, err := s.Submit(context.Background(), "scope-1", "hello", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		items := s.Items("scope-1")
		return len(items) == 1 && items[0].ID == "41" && items[0].Origin == OriginRemote
	}, time.Second, 5*time.Millisecond)

	require.Empty(t, s.FailedWrites("scope-1"))
	sent := fp.sentRequests()
	require.Len(t, sent, 1)
	require.Equal(t, snap.TempID, sent[0].LocalID)
}

func TestSyncerFailedSendIsRetriedManually(t *testing.T) {
	t.Parallel()

	fp := newFakePoller()
	fp.sendFn = func(wire.SendRequest) (wire.FeedItem, error) {
		return wire.FeedItem{}, errors.New("server rejected")
	}
	b := bus.New()
	sub := b.Subscribe(TopicWriteFailed, 8)
	defer sub.Unsubscribe()

	s := newTestSyncer(t, Options{Poll: fp, Bus: b})
	require.NoError(t, s.Open(context.Background(), "scope-1"))

	snap, err := s.Submit(context.Background(), "scope-1", "hello", nil)
	require.NoError(t, err)

	event := <-sub.C()
	failed, ok := event.Payload.(PendingSnapshot)
	require.True(t, ok)
	require.Equal(t, snap.TempID, failed.TempID)
	require.Equal(t, WriteFailed, failed.State)

	items := s.Items("scope-1")
	require.Len(t, items, 1)
	require.Equal(t, OriginLocalFailed, items[0].Origin)

	// The resend succeeds and must reuse the original temp id.
	fp.mu.Lock()
	fp.sendFn = func(req wire.SendRequest) (wire.FeedItem, error) {
		localID := req.LocalID
		return wire.FeedItem{
			ID: "90", ScopeID: req.ScopeID, AuthorID: "me",
			Content: req.Content, CreatedAt: 9000, LocalID: &localID,
		}, nil
	}
	fp.mu.Unlock()

	require.NoError(t, s.RetryFailed(context.Background(), "scope-1", snap.TempID))
	require.Eventually(t, func() bool {
		items := s.Items("scope-1")
		return len(items) == 1 && items[0].ID == "90"
	}, time.Second, 5*time.Millisecond)

	sent := fp.sentRequests()
	require.Len(t, sent, 2)
	require.Equal(t, sent[0].LocalID, sent[1].LocalID)
}

func TestSyncerListenerViewsArriveInReconcileOrder(t *testing.T) {
	t.Parallel()

	fp := newFakePoller()
	s := newTestSyncer(t, Options{Poll: fp})
	require.NoError(t, s.Open(context.Background(), "scope-1"))

	var mu sync.Mutex
	var sizes []int
	s.Listen("scope-1", func(_ string, items []Item) {
		mu.Lock()
		sizes = append(sizes, len(items))
		mu.Unlock()
	})

	// Each batch grows the view by one item, so the view sizes a listener
	// observes must be strictly increasing regardless of which goroutine
	// delivered the batch.
	deliver := fp.deliver("scope-1")
	const batches = 64
	var wg sync.WaitGroup
	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			deliver(transport.Batch{
				ScopeID: "scope-1",
				Items:   []wire.FeedItem{wireItem(fmt.Sprintf("m-%d", i), "u2", "x", int64(1000+i))},
				Kind:    transport.KindPush,
			})
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sizes, batches)
	for i := 1; i < len(sizes); i++ {
		require.Greater(t, sizes[i], sizes[i-1])
	}
}

func TestSyncerPollSkippedWhileFetchInFlight(t *testing.T) {
	t.Parallel()

	fp := newFakePoller()
	block := make(chan struct{})
	fp.block = block

	s := newTestSyncer(t, Options{Poll: fp})
	require.NoError(t, s.Open(context.Background(), "scope-1"))

	require.Eventually(t, func() bool { return fp.pollCount() == 1 }, time.Second, 5*time.Millisecond)

	// Cadence ticks while the first fetch is still running.
	s.pollAll()
	s.pollAll()
	require.Equal(t, 1, fp.pollCount())

	close(block)
	require.Eventually(t, func() bool {
		return s.PollState().Status == backoff.StatusConnected
	}, time.Second, 5*time.Millisecond)
}

func TestSyncerPollGivesUpAndResets(t *testing.T) {
	t.Parallel()

	fp := newFakePoller()
	fp.pollErr = errors.New("backend down")
	b := bus.New()
	sub := b.Subscribe(TopicPollGaveUp, 1)
	defer sub.Unsubscribe()

	clock := clockwork.NewFakeClock()
	s := newTestSyncer(t, Options{
		Poll:                   fp,
		Bus:                    b,
		Clock:                  clock,
		RetryBaseDelay:         2 * time.Second,
		MaxConsecutiveFailures: 3,
	})
	require.NoError(t, s.Open(context.Background(), "scope-1"))

	// Each failed fetch schedules a retry; advancing past the delay fires it
	// and fails again until the controller gives up.
	waitFailures := func(n int) {
		require.Eventually(t, func() bool {
			state := s.PollState()
			return state.ConsecutiveFailures == n && state.Status == backoff.StatusBackingOff
		}, time.Second, 5*time.Millisecond)
	}
	waitFailures(1)
	clock.Advance(2 * time.Second)
	waitFailures(2)
	clock.Advance(4 * time.Second)

	require.Eventually(t, func() bool {
		return s.PollState().Status == backoff.StatusFailed
	}, time.Second, 5*time.Millisecond)
	<-sub.C()

	// Further cadence rounds are ignored until the manual reset.
	before := fp.pollCount()
	s.pollAll()
	require.Equal(t, before, fp.pollCount())

	fp.mu.Lock()
	fp.pollErr = nil
	fp.mu.Unlock()

	s.ResetPolling()
	require.Eventually(t, func() bool {
		return s.PollState().Status == backoff.StatusConnected
	}, time.Second, 5*time.Millisecond)
}

func TestSyncerTypingFeedsPresence(t *testing.T) {
	t.Parallel()

	fp := newFakePoller()
	push := &fakePusher{fakePoller: newFakePoller(), status: backoff.StatusConnected}

	s := newTestSyncer(t, Options{Poll: fp, Push: push, PresenceWindow: 3 * time.Second})
	require.NoError(t, s.Open(context.Background(), "scope-1"))
	require.NotNil(t, push.typing)

	push.typing(wire.TypingEvent{ScopeID: "scope-1", PeerID: "peer-7"})
	require.Equal(t, []string{"peer-7"}, s.ActiveTypists("scope-1"))

	// Signals for scopes we are not watching are dropped.
	push.typing(wire.TypingEvent{ScopeID: "scope-9", PeerID: "peer-7"})
	require.Empty(t, s.ActiveTypists("scope-9"))
}

func TestSyncerPrefersConnectedPushForSends(t *testing.T) {
	t.Parallel()

	fp := newFakePoller()
	push := &fakePusher{fakePoller: newFakePoller(), status: backoff.StatusConnected}
	push.sendFn = func(req wire.SendRequest) (wire.FeedItem, error) {
		localID := req.LocalID
		return wire.FeedItem{
			ID: "50", ScopeID: req.ScopeID, AuthorID: "me",
			Content: req.Content, CreatedAt: 5000, LocalID: &localID,
		}, nil
	}

	s := newTestSyncer(t, Options{Poll: fp, Push: push})
	require.NoError(t, s.Open(context.Background(), "scope-1"))

	_, err := s.Submit(context.Background(), "scope-1", "via push", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(push.sentRequests()) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, fp.sentRequests())
}
