// Package backoff governs reconnection and refetch cadence after failures.
//
// Each transport channel owns exactly one Controller. The delay grows
// linearly with the consecutive-failure count and is capped; after the
// configured failure threshold the controller stops retrying and surfaces a
// terminal state that only a manual Reset can leave.
package backoff

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Status is a channel's connection lifecycle state.
type Status int

const (
	// StatusDisconnected means the channel has never connected or was closed.
	StatusDisconnected Status = iota
	// StatusConnecting means a connection or fetch attempt is in progress.
	StatusConnecting
	// StatusConnected means the last attempt succeeded.
	StatusConnected
	// StatusBackingOff means a retry is scheduled after a failure.
	StatusBackingOff
	// StatusFailed is terminal: the failure threshold was exceeded and no
	// automatic retry will run until Reset is called.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusBackingOff:
		return "backing-off"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is a snapshot of a controller.
type State struct {
	// Status is the current lifecycle status.
	Status Status
	// ConsecutiveFailures counts failures since the last success or reset.
	ConsecutiveFailures int
	// NextRetryAt is when the scheduled retry fires; zero when none is pending.
	NextRetryAt time.Time
}

// Controller tracks one channel's connection state and schedules retries.
type Controller struct {
	clock       clockwork.Clock
	log         zerolog.Logger
	baseDelay   time.Duration
	maxFailures int

	// retry runs on its own goroutine when a scheduled retry fires or Reset
	// is called.
	retry func()
	// exhausted runs once when the controller enters StatusFailed.
	exhausted func(err error)

	mu           sync.Mutex
	status       Status
	failures     int
	retryPending bool
	nextRetryAt  time.Time
	timer        clockwork.Timer
}

// New creates a controller.
//
// retry and exhausted may be nil when the caller polls State instead.
func New(clock clockwork.Clock, log zerolog.Logger, baseDelay time.Duration, maxFailures int, retry func(), exhausted func(error)) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Controller{
		clock:       clock,
		log:         log,
		baseDelay:   baseDelay,
		maxFailures: maxFailures,
		retry:       retry,
		exhausted:   exhausted,
		status:      StatusDisconnected,
	}
}

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Status:              c.status,
		ConsecutiveFailures: c.failures,
		NextRetryAt:         c.nextRetryAt,
	}
}

// Ready reports whether the channel may attempt work right now.
//
// It is false while a retry is pending and in the terminal failed state.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status != StatusBackingOff && c.status != StatusFailed
}

// Connecting marks an attempt as started.
func (c *Controller) Connecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusFailed {
		return
	}
	c.status = StatusConnecting
}

// Connected records a successful attempt and clears the failure count.
func (c *Controller) Connected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusConnected
	c.failures = 0
	c.nextRetryAt = time.Time{}
}

// Failure records a failed attempt.
//
// Below the threshold it schedules exactly one retry timer; a failure
// reported while a retry is already pending does not schedule another. At the
// threshold the controller transitions to the terminal failed state and
// reports the error through the exhausted callback.
func (c *Controller) Failure(err error) {
	c.mu.Lock()
	if c.status == StatusFailed {
		c.mu.Unlock()
		return
	}

	c.failures++
	if c.failures >= c.maxFailures {
		c.status = StatusFailed
		c.nextRetryAt = time.Time{}
		c.stopTimerLocked()
		exhausted := c.exhausted
		failures := c.failures
		c.mu.Unlock()

		c.log.Warn().Err(err).Int("failures", failures).Msg("channel gave up, manual reset required")
		if exhausted != nil {
			exhausted(err)
		}
		return
	}

	if c.retryPending {
		c.mu.Unlock()
		return
	}

	delay := c.delayLocked()
	c.status = StatusBackingOff
	c.retryPending = true
	c.nextRetryAt = c.clock.Now().Add(delay)
	c.timer = c.clock.AfterFunc(delay, c.fireRetry)
	failures := c.failures
	c.mu.Unlock()

	c.log.Debug().Err(err).Int("failures", failures).Dur("delay", delay).Msg("channel retry scheduled")
}

// Reset manually returns a controller to connecting and immediately runs the
// retry callback. It is the "tap to retry" entry point for the UI layer.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.failures = 0
	c.retryPending = false
	c.nextRetryAt = time.Time{}
	c.stopTimerLocked()
	c.status = StatusConnecting
	retry := c.retry
	c.mu.Unlock()

	if retry != nil {
		go retry()
	}
}

// delayLocked computes the next retry delay: base delay times the failure
// count, capped at maxFailures times the base.
func (c *Controller) delayLocked() time.Duration {
	delay := time.Duration(c.failures) * c.baseDelay
	maxDelay := time.Duration(c.maxFailures) * c.baseDelay
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.retryPending = false
}

func (c *Controller) fireRetry() {
	c.mu.Lock()
	if !c.retryPending || c.status == StatusFailed {
		c.mu.Unlock()
		return
	}
	c.retryPending = false
	c.timer = nil
	c.nextRetryAt = time.Time{}
	c.status = StatusConnecting
	retry := c.retry
	c.mu.Unlock()

	if retry != nil {
		go retry()
	}
}
