package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Millis is a wall-clock timestamp in milliseconds since epoch.
//
// The backend serializes timestamps in two shapes depending on the endpoint:
// numeric epoch milliseconds (socket events) and RFC 3339 strings (REST
// responses rendered from ORM models). This type normalizes both.
type Millis int64

// Time converts the timestamp to a time.Time.
func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

// UnmarshalJSON decodes a timestamp from epoch milliseconds or an RFC 3339
// string.
func (m *Millis) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*m = 0
		return nil
	}
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if raw == "" {
			*m = 0
			return nil
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			// ORM-rendered timestamps omit the zone when the column is naive.
			ts, err = time.Parse("2006-01-02T15:04:05", raw)
			if err != nil {
				return fmt.Errorf("invalid timestamp %q: %w", raw, err)
			}
		}
		*m = Millis(ts.UnixMilli())
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*m = Millis(int64(n))
	return nil
}

// ID is an opaque item identifier.
//
// The backend uses integer primary keys for forum posts and comments and
// string ids for socket-delivered messages; both decode into the string form.
type ID string

// UnmarshalJSON decodes an id from a JSON string or number.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*id = ID(raw)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(strconv.FormatInt(n, 10))
	return nil
}

// FeedItem is a single item in a conversation scope: a chat message, a forum
// post, a comment, or a live-stream message.
type FeedItem struct {
	// ID is the server-assigned item id, unique within the scope.
	ID ID `json:"id"`
	// ScopeID identifies the conversation/thread/group the item belongs to.
	ScopeID ID `json:"scopeId"`
	// AuthorID is the sending user's id.
	AuthorID ID `json:"authorId"`
	// Content is the item body.
	Content string `json:"content"`
	// CreatedAt is the server-side creation time.
	CreatedAt Millis `json:"createdAt"`
	// LocalID is the client idempotency key echoed back by the server when
	// the send carried one; null when absent.
	LocalID *string `json:"localId,omitempty"`
}

// MalformedItemError reports a feed item missing a required field.
//
// Malformed items are dropped at the reconciler boundary and never surfaced
// to presentation layers.
type MalformedItemError struct {
	// Field names the missing or invalid field.
	Field string
}

func (e *MalformedItemError) Error() string {
	return fmt.Sprintf("malformed feed item: missing %s", e.Field)
}

// Validate ensures the item carries the fields the sync engine requires.
func (i FeedItem) Validate() error {
	if i.ID == "" {
		return &MalformedItemError{Field: "id"}
	}
	if i.CreatedAt == 0 {
		return &MalformedItemError{Field: "createdAt"}
	}
	return nil
}

// SendRequest is the payload for creating a message/post/comment in a scope.
type SendRequest struct {
	// ScopeID identifies the destination scope.
	ScopeID ID `json:"scopeId"`
	// Content is the item body.
	Content string `json:"content"`
	// Attachments lists uploaded attachment references, when any.
	Attachments []string `json:"attachments,omitempty"`
	// LocalID is the client-generated idempotency key. The server echoes it
	// back in the created item so senders can match optimistic entries.
	LocalID string `json:"localId,omitempty"`
}

// TypingEvent is the ephemeral "peer is typing" socket payload.
//
// Typing events are never persisted; they only feed the presence aggregator.
type TypingEvent struct {
	// ScopeID identifies the scope the peer is typing in.
	ScopeID ID `json:"scopeId"`
	// PeerID is the typing user's id.
	PeerID ID `json:"peerId"`
	// At is the client-side signal time.
	At Millis `json:"at,omitempty"`
}
