package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/egayivor-E/Pensaconnect-sub000/internal/auth"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/backoff"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/wire"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
	wsReadTimeout      = 60 * time.Second
	wsPingInterval     = 20 * time.Second
	wsAckTimeout       = 5 * time.Second
)

// wsFrame is the JSON frame exchanged on the group-chat websocket.
type wsFrame struct {
	// Type discriminates the frame: "subscribe", "unsubscribe", "batch",
	// "typing", "send", "ack".
	Type string `json:"type"`
	// ID correlates a "send" with its "ack".
	ID string `json:"id,omitempty"`
	// ScopeID identifies the scope for subscribe/unsubscribe/batch frames.
	ScopeID wire.ID `json:"scopeId,omitempty"`
	// Items carries the delivered items of a "batch" frame.
	Items []wire.FeedItem `json:"items,omitempty"`
	// Typing carries the payload of a "typing" frame.
	Typing *wire.TypingEvent `json:"typing,omitempty"`
	// Send carries the payload of a "send" frame.
	Send *wire.SendRequest `json:"send,omitempty"`
	// Result is "success" or "error" on "ack" frames.
	Result string `json:"result,omitempty"`
	// Message annotates failed acks.
	Message string `json:"message,omitempty"`
	// Item is the confirmed item on successful acks.
	Item *wire.FeedItem `json:"item,omitempty"`
}

// WebsocketChannel is the push transport for group chat.
//
// One channel owns one connection shared by all subscribed scopes. The
// channel owns its backoff controller: read failures feed it and its retry
// callback redials, resubscribing every scope that was joined before the
// drop.
type WebsocketChannel struct {
	url          string
	tokens       auth.TokenSource
	log          zerolog.Logger
	ctrl         *backoff.Controller
	dialer       *websocket.Dialer
	readTimeout  time.Duration
	pingInterval time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	scopes  map[wire.ID]DeliverFunc
	typing  TypingFunc
	acks    map[string]chan wsFrame

	done      chan struct{}
	closeOnce sync.Once
}

// WebsocketOptions configures a WebsocketChannel.
type WebsocketOptions struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// Tokens supplies the bearer token sent on the handshake.
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
	// ReadTimeout and PingInterval override the keepalive defaults. The read
	// deadline must outlast at least one ping/pong round trip or an idle
	// connection is torn down as dead.
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// NewWebsocketChannel creates a disconnected channel. Dial establishes the
// connection.
func NewWebsocketChannel(opts WebsocketOptions) *WebsocketChannel {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = wsReadTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = wsPingInterval
	}
	c := &WebsocketChannel{
		url:          opts.URL,
		tokens:       opts.Tokens,
		log:          opts.Logger,
		dialer:       &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
		readTimeout:  opts.ReadTimeout,
		pingInterval: opts.PingInterval,
		scopes:       make(map[wire.ID]DeliverFunc),
		acks:         make(map[string]chan wsFrame),
		done:         make(chan struct{}),
	}
	c.ctrl = backoff.New(opts.Clock, opts.Logger, opts.RetryBaseDelay, opts.MaxConsecutiveFailures,
		c.redial, opts.OnGaveUp)
	return c
}

// ConnectionState exposes the channel's backoff state.
func (c *WebsocketChannel) ConnectionState() backoff.State {
	return c.ctrl.State()
}

// ResetConnection is the manual retry entry point after the channel gave up.
func (c *WebsocketChannel) ResetConnection() {
	c.ctrl.Reset()
}

// OnTyping registers the consumer for ephemeral typing signals.
func (c *WebsocketChannel) OnTyping(fn TypingFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = fn
}

// Dial establishes the websocket connection and starts the read and ping
// loops. Scopes joined before the dial are resubscribed.
func (c *WebsocketChannel) Dial() error {
	token, err := c.tokens.Token()
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		c.ctrl.Failure(terr)
		return terr
	}

	c.ctrl.Connecting()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := c.dialer.Dial(c.url, header)
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		c.ctrl.Failure(terr)
		return terr
	}

	// The server's pongs must extend the read deadline, or an idle scope
	// kills a healthy connection once the deadline lapses.
	conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	scopes := make([]wire.ID, 0, len(c.scopes))
	for id := range c.scopes {
		scopes = append(scopes, id)
	}
	c.mu.Unlock()

	c.ctrl.Connected()
	c.log.Debug().Str("url", c.url).Msg("group chat socket connected")

	for _, id := range scopes {
		if err := c.writeFrame(conn, wsFrame{Type: "subscribe", ScopeID: id}); err != nil {
			c.handleConnError(conn, &TransportError{Op: "subscribe", Err: err})
			return err
		}
	}

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

func (c *WebsocketChannel) readLoop(conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			c.handleConnError(conn, &TransportError{Op: "read", Err: err})
			return
		}

		switch frame.Type {
		case "batch":
			c.deliverBatch(frame)
		case "typing":
			c.mu.Lock()
			typing := c.typing
			c.mu.Unlock()
			if typing != nil && frame.Typing != nil {
				typing(*frame.Typing)
			}
		case "ack":
			c.mu.Lock()
			ch := c.acks[frame.ID]
			delete(c.acks, frame.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- frame
			}
		default:
			c.log.Debug().Str("type", frame.Type).Msg("ignoring unknown frame")
		}
	}
}

func (c *WebsocketChannel) deliverBatch(frame wsFrame) {
	valid := frame.Items[:0:0]
	for _, item := range frame.Items {
		if err := item.Validate(); err != nil {
			c.log.Warn().Err(err).Str("scope", string(frame.ScopeID)).Msg("dropped malformed pushed item")
			continue
		}
		valid = append(valid, item)
	}
	if len(valid) == 0 {
		return
	}

	c.mu.Lock()
	deliver := c.scopes[frame.ScopeID]
	c.mu.Unlock()
	if deliver != nil {
		deliver(Batch{ScopeID: frame.ScopeID, Items: valid, Kind: KindPush})
	}
}

func (c *WebsocketChannel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				// The read loop observes the broken connection and reports
				// the failure; the ping loop just exits.
				return
			}
		}
	}
}

// handleConnError tears down a broken connection and feeds the backoff
// controller, unless the channel is being closed deliberately.
func (c *WebsocketChannel) handleConnError(conn *websocket.Conn, terr *TransportError) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	// In-flight sends on the broken connection will never be acked.
	for id, ch := range c.acks {
		close(ch)
		delete(c.acks, id)
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		c.ctrl.Failure(terr)
	}
}

// redial is the backoff controller's retry callback.
func (c *WebsocketChannel) redial() {
	select {
	case <-c.done:
		return
	default:
	}
	if err := c.Dial(); err != nil {
		c.log.Debug().Err(err).Msg("group chat redial failed")
	}
}

// Connect subscribes a scope and registers its batch consumer. Subscribing a
// scope twice replaces the consumer without duplicating the subscription.
func (c *WebsocketChannel) Connect(_ context.Context, scopeID wire.ID, deliver DeliverFunc) error {
	if scopeID == "" {
		return fmt.Errorf("scope id required")
	}

	c.mu.Lock()
	_, rejoining := c.scopes[scopeID]
	c.scopes[scopeID] = deliver
	conn := c.conn
	c.mu.Unlock()

	if conn != nil && !rejoining {
		if err := c.writeFrame(conn, wsFrame{Type: "subscribe", ScopeID: scopeID}); err != nil {
			return &TransportError{Op: "subscribe", Err: err}
		}
	}
	return nil
}

// Disconnect unsubscribes a scope.
func (c *WebsocketChannel) Disconnect(scopeID wire.ID) error {
	c.mu.Lock()
	_, subscribed := c.scopes[scopeID]
	delete(c.scopes, scopeID)
	conn := c.conn
	c.mu.Unlock()

	if subscribed && conn != nil {
		// Best effort; a broken connection is already being handled.
		_ = c.writeFrame(conn, wsFrame{Type: "unsubscribe", ScopeID: scopeID})
	}
	return nil
}

// Send submits an item over the socket and waits for the correlated ack.
func (c *WebsocketChannel) Send(ctx context.Context, req wire.SendRequest) (wire.FeedItem, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: fmt.Errorf("not connected")}
	}

	id := uuid.NewString()
	ackCh := make(chan wsFrame, 1)
	c.mu.Lock()
	c.acks[id] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
	}()

	frame := wsFrame{Type: "send", ID: id, ScopeID: req.ScopeID, Send: &req}
	if err := c.writeFrame(conn, frame); err != nil {
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: err}
	}

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: fmt.Errorf("connection lost before ack")}
		}
		if ack.Result != "success" || ack.Item == nil {
			return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: fmt.Errorf("rejected: %s", ack.Message)}
		}
		if err := ack.Item.Validate(); err != nil {
			return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: err}
		}
		return *ack.Item, nil
	case <-ctx.Done():
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: ctx.Err()}
	case <-time.After(wsAckTimeout):
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: fmt.Errorf("ack timeout")}
	}
}

// SendTyping emits an ephemeral typing signal. Best effort.
func (c *WebsocketChannel) SendTyping(scopeID wire.ID, peerID wire.ID) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = c.writeFrame(conn, wsFrame{
		Type:    "typing",
		ScopeID: scopeID,
		Typing:  &wire.TypingEvent{ScopeID: scopeID, PeerID: peerID, At: wire.Millis(time.Now().UnixMilli())},
	})
}

// Close tears the connection down. The channel cannot be reused afterwards.
func (c *WebsocketChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *WebsocketChannel) writeFrame(conn *websocket.Conn, frame wsFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(frame)
}
