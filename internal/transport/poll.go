package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/egayivor-E/Pensaconnect-sub000/internal/auth"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/wire"
)

const (
	// defaultPollTimeout bounds a single fetch when the caller's context
	// carries no deadline.
	defaultPollTimeout = 10 * time.Second
)

// PollChannel fetches scope snapshots over plain HTTP.
//
// The channel itself holds no cadence: callers (the sync engine's per-scope
// ticker) decide when Poll runs. Each fetch is bounded; a fetch that exceeds
// its deadline is reported as a TimeoutError so it feeds backoff instead of
// hanging.
type PollChannel struct {
	baseURL string
	tokens  auth.TokenSource
	client  *http.Client
	log     zerolog.Logger

	mu     sync.Mutex
	scopes map[wire.ID]DeliverFunc
}

// NewPollChannel creates a poll channel against the backend base URL.
func NewPollChannel(baseURL string, tokens auth.TokenSource, timeout time.Duration, log zerolog.Logger) *PollChannel {
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	return &PollChannel{
		baseURL: baseURL,
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
		log:     log,
		scopes:  make(map[wire.ID]DeliverFunc),
	}
}

// Connect registers the scope's batch consumer. Reconnecting a scope replaces
// the previous registration rather than duplicating it.
func (p *PollChannel) Connect(_ context.Context, scopeID wire.ID, deliver DeliverFunc) error {
	if scopeID == "" {
		return fmt.Errorf("scope id required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scopes[scopeID] = deliver
	return nil
}

// Disconnect removes the scope registration.
func (p *PollChannel) Disconnect(scopeID wire.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.scopes, scopeID)
	return nil
}

// Poll fetches the scope's snapshot and delivers it through the registered
// consumer.
func (p *PollChannel) Poll(ctx context.Context, scopeID wire.ID, since int64) error {
	p.mu.Lock()
	deliver, ok := p.scopes[scopeID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("scope %s not connected", scopeID)
	}

	items, err := p.fetch(ctx, scopeID, since)
	if err != nil {
		return err
	}
	deliver(Batch{ScopeID: scopeID, Items: items, Kind: KindPoll})
	return nil
}

func (p *PollChannel) fetch(ctx context.Context, scopeID wire.ID, since int64) ([]wire.FeedItem, error) {
	endpoint := fmt.Sprintf("%s/api/v1/feeds/%s/items", p.baseURL, url.PathEscape(string(scopeID)))
	if since > 0 {
		endpoint += "?since=" + strconv.FormatInt(since, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TransportError{Op: "fetch", Err: err}
	}
	if err := p.authorize(req); err != nil {
		return nil, &TransportError{Op: "fetch", Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, &TimeoutError{Op: "fetch", After: p.client.Timeout}
		}
		return nil, &TransportError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "fetch", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "fetch", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	data, err := wire.DecodeEnvelope(body)
	if err != nil {
		return nil, &TransportError{Op: "fetch", Err: err}
	}
	items, dropped, err := wire.DecodeFeedItems(data)
	if err != nil {
		return nil, &TransportError{Op: "fetch", Err: err}
	}
	for _, derr := range dropped {
		p.log.Warn().Err(derr).Str("scope", string(scopeID)).Msg("dropped malformed poll item")
	}
	return items, nil
}

// Send submits a new item over HTTP and returns the confirmed item.
func (p *PollChannel) Send(ctx context.Context, req wire.SendRequest) (wire.FeedItem, error) {
	endpoint := fmt.Sprintf("%s/api/v1/feeds/%s/items", p.baseURL, url.PathEscape(string(req.ScopeID)))

	payload, err := json.Marshal(req)
	if err != nil {
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := p.authorize(httpReq); err != nil {
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: err}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: err}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	data, err := wire.DecodeEnvelope(body)
	if err != nil {
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: err}
	}
	item, err := wire.DecodeFeedItem(data)
	if err != nil {
		return wire.FeedItem{}, &WriteFailedError{ScopeID: req.ScopeID, Err: err}
	}
	return item, nil
}

func (p *PollChannel) authorize(req *http.Request) error {
	token, err := p.tokens.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
