package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the standard HTTP response wrapper used by the backend.
//
// Every REST endpoint responds with `{"status": ..., "message": ..., "data": ...}`;
// data holds the endpoint-specific payload.
type Envelope struct {
	// Status is "success" or "error".
	Status string `json:"status"`
	// Message is a human-readable annotation; on errors it describes the failure.
	Message string `json:"message,omitempty"`
	// Data is the endpoint-specific payload, left raw for typed decoding.
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses a response body and returns its data payload.
//
// A non-"success" status is returned as an error carrying the server message.
func DecodeEnvelope(body []byte) (json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Status != "success" {
		msg := env.Message
		if msg == "" {
			msg = "request failed"
		}
		return nil, fmt.Errorf("server error: %s", msg)
	}
	return env.Data, nil
}

// DecodeFeedItems parses an envelope data payload as a list of feed items.
//
// Items that fail validation are returned separately so callers can log and
// drop them without aborting the batch.
func DecodeFeedItems(data json.RawMessage) (valid []FeedItem, dropped []error, err error) {
	if len(data) == 0 {
		return nil, nil, nil
	}
	var items []FeedItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, nil, fmt.Errorf("decode feed items: %w", err)
	}
	for _, item := range items {
		if verr := item.Validate(); verr != nil {
			dropped = append(dropped, verr)
			continue
		}
		valid = append(valid, item)
	}
	return valid, dropped, nil
}

// DecodeFeedItem parses an envelope data payload as a single feed item.
func DecodeFeedItem(data json.RawMessage) (FeedItem, error) {
	var item FeedItem
	if err := json.Unmarshal(data, &item); err != nil {
		return FeedItem{}, fmt.Errorf("decode feed item: %w", err)
	}
	if err := item.Validate(); err != nil {
		return FeedItem{}, err
	}
	return item, nil
}
