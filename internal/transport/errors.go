package transport

import (
	"fmt"
	"time"

	"github.com/egayivor-E/Pensaconnect-sub000/internal/wire"
)

// TransportError is a network-level connect or receive failure.
//
// It feeds the channel's backoff controller and is never surfaced per item.
type TransportError struct {
	// Op names the failing operation ("dial", "fetch", "read", ...).
	Op string
	// Err is the underlying error.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports a poll fetch that exceeded its bound.
//
// It follows the same recovery path as TransportError.
type TimeoutError struct {
	// Op names the timed-out operation.
	Op string
	// After is the bound that was exceeded.
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transport %s: timed out after %s", e.Op, e.After)
}

// WriteFailedError reports a rejected send.
//
// It is surfaced on the specific pending write only and never retried
// automatically.
type WriteFailedError struct {
	// ScopeID is the destination scope of the rejected send.
	ScopeID wire.ID
	// Err is the underlying error.
	Err error
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("send to scope %s failed: %v", e.ScopeID, e.Err)
}

func (e *WriteFailedError) Unwrap() error { return e.Err }
