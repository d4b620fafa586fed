package feed

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// WriteState is a pending write's lifecycle state.
type WriteState int

const (
	// WriteSending means the transport send has not returned yet.
	WriteSending WriteState = iota
	// WriteSentUnconfirmed means the transport acked the send but no server
	// item has been reconciled against it yet.
	WriteSentUnconfirmed
	// WriteConfirmed means a matching server item replaced the entry.
	WriteConfirmed
	// WriteFailed means the send was rejected. Failed writes are retained
	// for a user-initiated resend, never retried automatically.
	WriteFailed
)

func (s WriteState) String() string {
	switch s {
	case WriteSending:
		return "sending"
	case WriteSentUnconfirmed:
		return "sent-unconfirmed"
	case WriteConfirmed:
		return "confirmed"
	case WriteFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingSnapshot is an immutable view of one pending write, as consumed by
// the reconciler.
type PendingSnapshot struct {
	// TempID is the client-generated id, doubling as the send idempotency key.
	TempID string
	// ScopeID is the destination scope.
	ScopeID string
	// AuthorID is the local user's id.
	AuthorID string
	// Content is the submitted body.
	Content string
	// Attachments lists attachment references, when any.
	Attachments []string
	// SubmittedAt is the submit (or last resend) time in ms since epoch.
	SubmittedAt int64
	// Attempts counts send attempts, including user-initiated resends.
	Attempts int
	// State is the lifecycle state at snapshot time.
	State WriteState
	// Err is the rejection error for failed writes.
	Err error
}

// item renders the snapshot as an optimistic list entry.
func (p PendingSnapshot) item() Item {
	origin := OriginLocalPending
	if p.State == WriteFailed {
		origin = OriginLocalFailed
	}
	return Item{
		ID:        p.TempID,
		ScopeID:   p.ScopeID,
		AuthorID:  p.AuthorID,
		Content:   p.Content,
		CreatedAt: p.SubmittedAt,
		LocalID:   p.TempID,
		Origin:    origin,
	}
}

// Tracker records locally-submitted writes until they are confirmed by a
// reconciled server item or abandoned by the user.
type Tracker struct {
	clock clockwork.Clock

	mu     sync.Mutex
	writes map[string]*PendingSnapshot
}

// NewTracker creates an empty tracker.
func NewTracker(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{clock: clock, writes: make(map[string]*PendingSnapshot)}
}

// Submit records a new write and returns its snapshot. The temp id is
// generated here and stays stable across resends.
func (t *Tracker) Submit(scopeID, authorID, content string, attachments []string) PendingSnapshot {
	write := &PendingSnapshot{
		TempID:      uuid.NewString(),
		ScopeID:     scopeID,
		AuthorID:    authorID,
		Content:     content,
		Attachments: attachments,
		SubmittedAt: t.clock.Now().UnixMilli(),
		Attempts:    1,
		State:       WriteSending,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes[write.TempID] = write
	return *write
}

// MarkSent transitions a write to sent-unconfirmed after the transport ack.
func (t *Tracker) MarkSent(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.writes[tempID]; ok && w.State == WriteSending {
		w.State = WriteSentUnconfirmed
	}
}

// Fail marks a write rejected. The entry is retained so the UI can offer a
// manual resend.
func (t *Tracker) Fail(tempID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.writes[tempID]; ok && w.State != WriteConfirmed {
		w.State = WriteFailed
		w.Err = err
	}
}

// Confirm removes a write after a matching server item was reconciled.
func (t *Tracker) Confirm(tempID string) (PendingSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.writes[tempID]
	if !ok {
		return PendingSnapshot{}, false
	}
	w.State = WriteConfirmed
	delete(t.writes, tempID)
	return *w, true
}

// Retry transitions a failed write back to sending, reusing the same temp
// id, and returns the refreshed snapshot. Only failed writes can be retried.
func (t *Tracker) Retry(tempID string) (PendingSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.writes[tempID]
	if !ok || w.State != WriteFailed {
		return PendingSnapshot{}, false
	}
	w.State = WriteSending
	w.Err = nil
	w.Attempts++
	w.SubmittedAt = t.clock.Now().UnixMilli()
	return *w, true
}

// Abandon drops a write entirely (user dismissed a failed send).
func (t *Tracker) Abandon(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.writes, tempID)
}

// Pending returns snapshots of the scope's unconfirmed writes.
func (t *Tracker) Pending(scopeID string) []PendingSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PendingSnapshot
	for _, w := range t.writes {
		if w.ScopeID == scopeID {
			out = append(out, *w)
		}
	}
	return out
}
