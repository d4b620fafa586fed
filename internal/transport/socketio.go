package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/egayivor-E/Pensaconnect-sub000/internal/auth"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/backoff"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/wire"
)

// EventType represents the Socket.IO events the backend emits.
type EventType string

const (
	// EventMessage delivers a created feed item to subscribed scopes.
	EventMessage EventType = "message"
	// EventTyping delivers an ephemeral typing signal.
	EventTyping EventType = "typing"
	// EventSubscribe joins a scope room.
	EventSubscribe EventType = "subscribe"
	// EventUnsubscribe leaves a scope room.
	EventUnsubscribe EventType = "unsubscribe"
)

const sendAckTimeout = 5 * time.Second

// messagePayload is the "message" event payload.
type messagePayload struct {
	// ScopeID identifies the destination scope.
	ScopeID wire.ID `json:"scopeId"`
	// Item is the created item.
	Item wire.FeedItem `json:"item"`
}

// sendAck is the ACK response shape for the "message" emit.
type sendAck struct {
	// Result is "success" or "error".
	Result string `json:"result"`
	// Message is an optional error annotation.
	Message string `json:"message,omitempty"`
	// Item is the created item on success.
	Item wire.FeedItem `json:"item"`
}

// SocketChannel is the Socket.IO push transport used for the live-stream chat
// and user-scoped update feed.
//
// One channel owns one connection; scopes are joined and left as rooms on
// that connection. The channel owns its backoff controller: disconnects and
// connect errors feed it, and its retry callback re-dials.
type SocketChannel struct {
	serverURL string
	tokens    auth.TokenSource
	log       zerolog.Logger
	ctrl      *backoff.Controller

	mu        sync.RWMutex
	socket    *socket.Socket
	connected bool
	scopes    map[wire.ID]DeliverFunc
	typing    TypingFunc
	done      chan struct{}
	closeOnce sync.Once
}

// SocketOptions configures a SocketChannel.
type SocketOptions struct {
	// ServerURL is the Socket.IO endpoint base URL.
	ServerURL string
	// Tokens supplies the auth token attached to the handshake.
	Tokens auth.TokenSource
	// RetryBaseDelay and MaxConsecutiveFailures configure the channel's
	// backoff controller.
	RetryBaseDelay         time.Duration
	MaxConsecutiveFailures int
	// Clock drives retry timers; tests inject a fake.
	Clock clockwork.Clock
	// Logger receives channel diagnostics.
	Logger zerolog.Logger
	// OnGaveUp is invoked once when the channel exhausts its retries.
	OnGaveUp func(error)
}

// NewSocketChannel creates a disconnected channel. Dial establishes the
// connection.
func NewSocketChannel(opts SocketOptions) *SocketChannel {
	c := &SocketChannel{
		serverURL: opts.ServerURL,
		tokens:    opts.Tokens,
		log:       opts.Logger,
		scopes:    make(map[wire.ID]DeliverFunc),
		done:      make(chan struct{}),
	}
	c.ctrl = backoff.New(opts.Clock, opts.Logger, opts.RetryBaseDelay, opts.MaxConsecutiveFailures,
		c.redial, opts.OnGaveUp)
	return c
}

// ConnectionState exposes the channel's backoff state for presentation
// ("disconnected, tap to retry").
func (c *SocketChannel) ConnectionState() backoff.State {
	return c.ctrl.State()
}

// ResetConnection is the manual "tap to retry" entry point after the channel
// gave up.
func (c *SocketChannel) ResetConnection() {
	c.ctrl.Reset()
}

// OnTyping registers the consumer for ephemeral typing signals.
func (c *SocketChannel) OnTyping(fn TypingFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = fn
}

// Dial establishes the Socket.IO connection and registers event handlers.
func (c *SocketChannel) Dial() error {
	token, err := c.tokens.Token()
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		c.ctrl.Failure(terr)
		return terr
	}

	opts := socket.DefaultOptions()
	opts.SetPath("/api/v1/updates")
	opts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	opts.SetAuth(map[string]interface{}{
		"token":      token,
		"clientType": "user-scoped",
	})

	c.ctrl.Connecting()
	sock, err := socket.Connect(c.serverURL, opts)
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		c.ctrl.Failure(terr)
		return terr
	}

	c.mu.Lock()
	c.socket = sock
	c.mu.Unlock()

	sock.On(types.EventName("connect"), func(args ...any) {
		c.mu.Lock()
		c.connected = true
		scopes := make([]wire.ID, 0, len(c.scopes))
		for id := range c.scopes {
			scopes = append(scopes, id)
		}
		c.mu.Unlock()

		c.ctrl.Connected()
		c.log.Debug().Str("sid", string(sock.Id())).Msg("socket connected")

		// Rejoin rooms subscribed before the (re)connect.
		for _, id := range scopes {
			sock.Emit(string(EventSubscribe), map[string]interface{}{"scopeId": string(id)})
		}
	})

	sock.On(types.EventName("disconnect"), func(args ...any) {
		reason := ""
		if len(args) > 0 {
			if r, ok := args[0].(string); ok {
				reason = r
			}
		}
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		c.log.Debug().Str("reason", reason).Msg("socket disconnected")
		select {
		case <-c.done:
			// Deliberate Close; do not schedule a reconnect.
		default:
			c.ctrl.Failure(&TransportError{Op: "read", Err: fmt.Errorf("disconnected: %s", reason)})
		}
	})

	sock.On(types.EventName("connect_error"), func(args ...any) {
		var detail any
		if len(args) > 0 {
			detail = args[0]
		}
		c.ctrl.Failure(&TransportError{Op: "dial", Err: fmt.Errorf("connect error: %v", detail)})
	})

	sock.On(types.EventName(EventMessage), func(args ...any) {
		var payload messagePayload
		if !decodeEventArg(args, &payload) {
			c.log.Warn().Msg("dropped undecodable message event")
			return
		}
		if err := payload.Item.Validate(); err != nil {
			c.log.Warn().Err(err).Msg("dropped malformed pushed item")
			return
		}
		scopeID := payload.ScopeID
		if scopeID == "" {
			scopeID = payload.Item.ScopeID
		}

		c.mu.RLock()
		deliver := c.scopes[scopeID]
		c.mu.RUnlock()
		if deliver != nil {
			deliver(Batch{ScopeID: scopeID, Items: []wire.FeedItem{payload.Item}, Kind: KindPush})
		}
	})

	sock.On(types.EventName(EventTyping), func(args ...any) {
		var event wire.TypingEvent
		if !decodeEventArg(args, &event) {
			return
		}
		c.mu.RLock()
		typing := c.typing
		c.mu.RUnlock()
		if typing != nil {
			typing(event)
		}
	})

	return nil
}

// redial is the backoff controller's retry callback.
func (c *SocketChannel) redial() {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.RLock()
	sock := c.socket
	connected := c.connected
	c.mu.RUnlock()

	if connected {
		c.ctrl.Connected()
		return
	}
	if sock != nil {
		sock.Disconnect()
	}
	if err := c.Dial(); err != nil {
		c.log.Debug().Err(err).Msg("socket redial failed")
	}
}

// Connect joins a scope room and registers its batch consumer. Joining a
// scope twice replaces the consumer without duplicating the room membership.
func (c *SocketChannel) Connect(_ context.Context, scopeID wire.ID, deliver DeliverFunc) error {
	if scopeID == "" {
		return fmt.Errorf("scope id required")
	}

	c.mu.Lock()
	_, rejoining := c.scopes[scopeID]
	c.scopes[scopeID] = deliver
	sock := c.socket
	connected := c.connected
	c.mu.Unlock()

	if connected && !rejoining && sock != nil {
		sock.Emit(string(EventSubscribe), map[string]interface{}{"scopeId": string(scopeID)})
	}
	return nil
}

// Disconnect leaves a scope room.
func (c *SocketChannel) Disconnect(scopeID wire.ID) error {
	c.mu.Lock()
	_, subscribed := c.scopes[scopeID]
	delete(c.scopes, scopeID)
	sock := c.socket
	connected := c.connected
	c.mu.Unlock()

	if subscribed && connected && sock != nil {
		sock.Emit(string(EventUnsubscribe), map[string]interface{}{"scopeId": string(scopeID)})
	}
	return nil
}

// Send emits the item and waits for the server ACK carrying the confirmed
// item.
func (c *SocketChannel) Send(ctx context.Context, req wire.SendRequest) (wire.FeedItem, error) {
	c.mu.RLock()
	sock := c.socket
	connected := c.connected
	c.mu.RUnlock()

	if sock == nil || !connected {
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: fmt.Errorf("not connected")}
	}

	payload := map[string]interface{}{
		"scopeId": string(req.ScopeID),
		"content": req.Content,
	}
	if req.LocalID != "" {
		payload["localId"] = req.LocalID
	}
	if len(req.Attachments) > 0 {
		payload["attachments"] = req.Attachments
	}

	ackCh := make(chan sendAck, 1)
	errCh := make(chan error, 1)
	sock.Emit(string(EventMessage), payload, func(args []any, err error) {
		if err != nil {
			errCh <- err
			return
		}
		var ack sendAck
		if !decodeAckArg(args, &ack) {
			errCh <- fmt.Errorf("undecodable ack")
			return
		}
		ackCh <- ack
	})

	select {
	case ack := <-ackCh:
		if ack.Result != "success" {
			return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: fmt.Errorf("rejected: %s", ack.Message)}
		}
		if err := ack.Item.Validate(); err != nil {
			return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: err}
		}
		return ack.Item, nil
	case err := <-errCh:
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: err}
	case <-ctx.Done():
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: ctx.Err()}
	case <-time.After(sendAckTimeout):
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: fmt.Errorf("ack timeout")}
	}
}

// SendTyping emits an ephemeral typing signal for a scope. Best effort: it is
// silently skipped while disconnected.
func (c *SocketChannel) SendTyping(scopeID wire.ID) {
	c.mu.RLock()
	sock := c.socket
	connected := c.connected
	c.mu.RUnlock()

	if sock != nil && connected {
		sock.Emit(string(EventTyping), map[string]interface{}{"scopeId": string(scopeID)})
	}
}

// Close tears the connection down. The channel cannot be reused afterwards.
func (c *SocketChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != nil {
		c.socket.Disconnect()
		c.socket = nil
	}
	c.connected = false
	return nil
}

// decodeEventArg converts the first socket event argument into out via a JSON
// round trip, tolerating the map shapes the client library produces.
func decodeEventArg(args []any, out any) bool {
	if len(args) == 0 {
		return false
	}
	raw, err := json.Marshal(args[0])
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func decodeAckArg(args []any, out any) bool {
	return decodeEventArg(args, out)
}
