package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/egayivor-E/Pensaconnect-sub000/internal/backoff"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/bus"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/transport"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/wire"
)

// Bus topics published by the syncer.
const (
	// TopicItemCreated carries an Item that arrived from another author.
	TopicItemCreated = "feed.item-created"
	// TopicWriteFailed carries the PendingSnapshot of a rejected send.
	TopicWriteFailed = "feed.write-failed"
	// TopicTyping carries a wire.TypingEvent for an open scope.
	TopicTyping = "feed.typing"
	// TopicPollGaveUp fires when polling hits the terminal failed state.
	TopicPollGaveUp = "sync.poll-gave-up"
)

// Pusher is a push transport the syncer can drive alongside polling.
type Pusher interface {
	transport.Channel
	// OnTyping registers the consumer for ephemeral typing signals.
	OnTyping(transport.TypingFunc)
	// ConnectionState reports the push channel's connection state.
	ConnectionState() backoff.State
	// ResetConnection manually restarts a terminally failed push channel.
	ResetConnection()
	// Close tears the connection down.
	Close() error
}

// Listener observes one scope's merged item view. It runs on syncer
// goroutines and must not block.
type Listener func(scopeID string, items []Item)

// Options configures a Syncer.
type Options struct {
	// Push is the realtime channel; nil runs poll-only.
	Push Pusher
	// Poll is the snapshot fetch channel.
	Poll transport.Poller
	// Bus receives cross-component notifications; nil disables publishing.
	Bus *bus.Bus
	// AuthorID is the local user's id, stamped on optimistic items.
	AuthorID string
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger

	// PollInterval is the snapshot cadence.
	PollInterval time.Duration
	// PollTimeout bounds a single fetch.
	PollTimeout time.Duration
	// RetryBaseDelay and MaxConsecutiveFailures parameterize the poll
	// cadence controller.
	RetryBaseDelay         time.Duration
	MaxConsecutiveFailures int
	// PresenceWindow is the typing quiet window.
	PresenceWindow time.Duration
}

// Syncer keeps local feed views for open scopes in sync with the server,
// merging push deliveries, poll snapshots, and the user's own in-flight
// writes into one ordered list per scope.
type Syncer struct {
	push     Pusher
	poll     transport.Poller
	bus      *bus.Bus
	tracker  *Tracker
	presence *PresenceAggregator
	pollCtrl *backoff.Controller
	clock    clockwork.Clock
	log      zerolog.Logger

	authorID     string
	pollInterval time.Duration
	pollTimeout  time.Duration

	mu     sync.Mutex
	scopes map[string]*scopeState

	done chan struct{}
	once sync.Once
}

// NewSyncer creates a syncer. Run must be called to drive the poll cadence.
func NewSyncer(opts Options) (*Syncer, error) {
	if opts.Poll == nil {
		return nil, fmt.Errorf("feed: poll channel is required")
	}
	if opts.AuthorID == "" {
		return nil, fmt.Errorf("feed: author id is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 10 * time.Second
	}
	if opts.PresenceWindow <= 0 {
		opts.PresenceWindow = 3 * time.Second
	}

	s := &Syncer{
		push:         opts.Push,
		poll:         opts.Poll,
		bus:          opts.Bus,
		tracker:      NewTracker(clock),
		presence:     NewPresenceAggregator(clock, opts.PresenceWindow.Milliseconds()),
		clock:        clock,
		log:          log,
		authorID:     opts.AuthorID,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		scopes:       make(map[string]*scopeState),
		done:         make(chan struct{}),
	}
	s.pollCtrl = backoff.New(clock, log, opts.RetryBaseDelay, opts.MaxConsecutiveFailures,
		s.pollAll, s.pollGaveUp)

	if s.push != nil {
		s.push.OnTyping(s.handleTyping)
	}
	return s, nil
}

// Run drives the poll cadence until the context is cancelled or Close is
// called. Ticks are skipped while the cadence controller is backing off and
// per scope while a previous fetch is still in flight.
func (s *Syncer) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.Chan():
			if !s.pollCtrl.Ready() {
				continue
			}
			s.pollAll()
		}
	}
}

// Close stops the poll loop and tears down the push channel.
func (s *Syncer) Close() error {
	s.once.Do(func() { close(s.done) })
	if s.push != nil {
		return s.push.Close()
	}
	return nil
}

// Open starts syncing a scope: subscribes it on both channels, runs an
// immediate snapshot fetch, and from then on merges whatever arrives.
// Opening an already open scope is a no-op.
func (s *Syncer) Open(ctx context.Context, scopeID string) error {
	s.mu.Lock()
	st, ok := s.scopes[scopeID]
	if ok && !st.closed {
		s.mu.Unlock()
		return nil
	}
	st = &scopeState{listeners: make(map[int]Listener)}
	s.scopes[scopeID] = st
	s.mu.Unlock()

	if err := s.poll.Connect(ctx, wire.ID(scopeID), s.applyBatch); err != nil {
		return fmt.Errorf("error subscribing poll channel: %w", err)
	}
	if s.push != nil {
		if err := s.push.Connect(ctx, wire.ID(scopeID), s.applyBatch); err != nil {
			s.log.Warn().Err(err).Str("scope", scopeID).Msg("push subscribe failed, continuing poll-only")
		}
	}

	go s.pollScope(scopeID, st)
	return nil
}

// CloseScope stops syncing a scope. Poll results and push deliveries that
// arrive after the close are discarded.
func (s *Syncer) CloseScope(scopeID string) {
	s.mu.Lock()
	st, ok := s.scopes[scopeID]
	s.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.closed = true
	st.listeners = make(map[int]Listener)
	st.mu.Unlock()

	s.poll.Disconnect(wire.ID(scopeID))
	if s.push != nil {
		s.push.Disconnect(wire.ID(scopeID))
	}
	s.presence.Clear(scopeID)
}

// Items returns a copy of the scope's current merged view.
func (s *Syncer) Items(scopeID string) []Item {
	st := s.scope(scopeID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Item, len(st.items))
	copy(out, st.items)
	return out
}

// Listen registers a view listener on an open scope and returns its remove
// function. The listener fires only when the merged view actually changed,
// in reconcile order; it must not block.
func (s *Syncer) Listen(scopeID string, fn Listener) (remove func()) {
	st := s.scope(scopeID)
	if st == nil {
		return func() {}
	}
	st.mu.Lock()
	st.nextListener++
	id := st.nextListener
	st.listeners[id] = fn
	st.mu.Unlock()

	return func() {
		st.mu.Lock()
		delete(st.listeners, id)
		st.mu.Unlock()
	}
}

// ActiveTypists returns the peers currently typing in a scope.
func (s *Syncer) ActiveTypists(scopeID string) []string {
	return s.presence.ActivePeers(scopeID)
}

// PollState reports the poll cadence controller's state.
func (s *Syncer) PollState() backoff.State {
	return s.pollCtrl.State()
}

// ResetPolling manually restarts polling after it gave up.
func (s *Syncer) ResetPolling() {
	s.pollCtrl.Reset()
}

// Submit records an optimistic write, surfaces it in the scope view
// immediately, and sends it in the background. The returned snapshot carries
// the temp id the caller can use to follow the write's fate.
func (s *Syncer) Submit(ctx context.Context, scopeID, content string, attachments []string) (PendingSnapshot, error) {
	st := s.scope(scopeID)
	if st == nil {
		return PendingSnapshot{}, fmt.Errorf("feed: scope %s is not open", scopeID)
	}

	snap := s.tracker.Submit(scopeID, s.authorID, content, attachments)
	s.refresh(scopeID, st, nil)

	go s.deliverWrite(ctx, st, snap)
	return snap, nil
}

// RetryFailed re-sends a failed write under its original temp id. Only
// writes in the failed state can be retried.
func (s *Syncer) RetryFailed(ctx context.Context, scopeID, tempID string) error {
	st := s.scope(scopeID)
	if st == nil {
		return fmt.Errorf("feed: scope %s is not open", scopeID)
	}
	snap, ok := s.tracker.Retry(tempID)
	if !ok {
		return fmt.Errorf("feed: write %s is not retryable", tempID)
	}
	s.refresh(scopeID, st, nil)

	go s.deliverWrite(ctx, st, snap)
	return nil
}

// Abandon drops a failed write from the view.
func (s *Syncer) Abandon(scopeID, tempID string) {
	st := s.scope(scopeID)
	if st == nil {
		return
	}
	s.tracker.Abandon(tempID)
	s.refresh(scopeID, st, nil)
}

func (s *Syncer) scope(scopeID string) *scopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scopeID]
	if !ok || st.closed {
		return nil
	}
	return st
}

// openScopes snapshots the currently open scopes.
func (s *Syncer) openScopes() map[string]*scopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*scopeState, len(s.scopes))
	for id, st := range s.scopes {
		out[id] = st
	}
	return out
}

// pollAll runs one fetch round across every open scope. It doubles as the
// cadence controller's retry callback.
func (s *Syncer) pollAll() {
	for scopeID, st := range s.openScopes() {
		s.pollScope(scopeID, st)
	}
}

func (s *Syncer) pollScope(scopeID string, st *scopeState) {
	// No fetches while backing off or after giving up; Reset and the retry
	// timer re-enter through the connecting state.
	if !s.pollCtrl.Ready() {
		return
	}
	st.mu.Lock()
	if st.closed || st.pollInFlight {
		st.mu.Unlock()
		return
	}
	st.pollInFlight = true
	since := st.cursor
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.pollInFlight = false
		st.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.pollTimeout)
	defer cancel()

	if err := s.poll.Poll(ctx, wire.ID(scopeID), since); err != nil {
		s.log.Debug().Err(err).Str("scope", scopeID).Msg("poll fetch failed")
		s.pollCtrl.Failure(err)
		return
	}
	s.pollCtrl.Connected()
}

func (s *Syncer) pollGaveUp(err error) {
	if s.bus != nil {
		s.bus.Publish(TopicPollGaveUp, err)
	}
}

// applyBatch merges a delivered batch into its scope's view. It is the
// single entry point for push deliveries, poll snapshots, and send echoes,
// so every path goes through the same reconciliation.
func (s *Syncer) applyBatch(b transport.Batch) {
	scopeID := string(b.ScopeID)
	st := s.scope(scopeID)
	if st == nil {
		s.log.Debug().Str("scope", scopeID).Str("kind", b.Kind.String()).
			Int("items", len(b.Items)).Msg("batch for closed scope discarded")
		return
	}
	s.refresh(scopeID, st, b.Items)
}

// refresh reconciles the scope's view against incoming items (possibly none)
// and the current pending writes, then notifies listeners when it changed.
func (s *Syncer) refresh(scopeID string, st *scopeState, incoming []wire.FeedItem) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}

	res := reconcile(st.items, incoming, s.tracker.Pending(scopeID))
	for tempID := range res.confirmed {
		s.tracker.Confirm(tempID)
	}
	if res.dropped > 0 {
		s.log.Warn().Str("scope", scopeID).Int("dropped", res.dropped).Msg("dropped malformed items")
	}
	if !res.changed {
		st.mu.Unlock()
		return
	}

	st.items = res.items
	for _, item := range res.items {
		if item.Origin == OriginRemote && item.CreatedAt > st.cursor {
			st.cursor = item.CreatedAt
		}
	}
	listeners := make([]Listener, 0, len(st.listeners))
	for _, fn := range st.listeners {
		listeners = append(listeners, fn)
	}
	view := make([]Item, len(st.items))
	copy(view, st.items)

	// Taking notifyMu before releasing mu pins dispatch to reconcile order;
	// listeners must not block (they may re-enter Items, which only needs mu).
	st.notifyMu.Lock()
	st.mu.Unlock()
	defer st.notifyMu.Unlock()

	for _, fn := range listeners {
		fn(scopeID, view)
	}
	if s.bus != nil {
		for _, item := range res.added {
			if item.AuthorID != s.authorID {
				s.bus.Publish(TopicItemCreated, item)
			}
		}
	}
}

// deliverWrite sends one pending write and folds the outcome back into the
// scope view.
func (s *Syncer) deliverWrite(ctx context.Context, st *scopeState, snap PendingSnapshot) {
	req := wire.SendRequest{
		ScopeID:     wire.ID(snap.ScopeID),
		Content:     snap.Content,
		Attachments: snap.Attachments,
		LocalID:     snap.TempID,
	}

	item, err := s.sendChannel().Send(ctx, req)
	if err != nil {
		s.log.Warn().Err(err).Str("scope", snap.ScopeID).Str("tempId", snap.TempID).Msg("send failed")
		s.tracker.Fail(snap.TempID, err)
		s.refresh(snap.ScopeID, st, nil)
		if s.bus != nil {
			if failed := s.failedSnapshot(snap.TempID, snap.ScopeID); failed != nil {
				s.bus.Publish(TopicWriteFailed, *failed)
			}
		}
		return
	}

	s.tracker.MarkSent(snap.TempID)
	s.refresh(snap.ScopeID, st, []wire.FeedItem{item})
}

// sendChannel prefers the push channel while it is connected and falls back
// to the poll channel otherwise.
func (s *Syncer) sendChannel() transport.Channel {
	if s.push != nil && s.push.ConnectionState().Status == backoff.StatusConnected {
		return s.push
	}
	return s.poll
}

func (s *Syncer) failedSnapshot(tempID, scopeID string) *PendingSnapshot {
	for _, p := range s.tracker.Pending(scopeID) {
		if p.TempID == tempID && p.State == WriteFailed {
			return &p
		}
	}
	return nil
}

func (s *Syncer) handleTyping(event wire.TypingEvent) {
	scopeID := string(event.ScopeID)
	if s.scope(scopeID) == nil {
		return
	}
	s.presence.Signal(scopeID, string(event.PeerID))
	if s.bus != nil {
		s.bus.Publish(TopicTyping, event)
	}
}

// FailedWrites lists a scope's writes stuck in the failed state, oldest
// first, for a retry UI.
func (s *Syncer) FailedWrites(scopeID string) []PendingSnapshot {
	var out []PendingSnapshot
	for _, p := range s.tracker.Pending(scopeID) {
		if p.State == WriteFailed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt < out[j].SubmittedAt })
	return out
}
