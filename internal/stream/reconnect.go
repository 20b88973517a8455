// Package stream consumes the venue's user-data WebSocket and keeps
// open trades in sync with fills the Executor didn't place itself
// (stop-loss/take-profit triggers). The reconnect state machine is a
// generalisation of the teacher's StreamKlines reconnect-loop shape,
// with explicit state transitions and schedule coalescing.
package stream

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"tradeengine/internal/domain"
	"tradeengine/internal/ports"
)

// ConnState is a state in the reconnect state machine.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

const defaultMaxAttempts = 20

// ReconnectCoordinator implements the Disconnected/Connecting/Connected
// state machine: it fires onOpen/onFailure/onClosed transitions,
// schedules exponential-backoff reconnect attempts, and guarantees at
// most one pending reconnect task at a time.
type ReconnectCoordinator struct {
	mu sync.Mutex

	state         ConnState
	alertSent     bool
	selfInitiated bool
	shuttingDown  bool
	timer         *time.Timer

	backoff     *backoff.Backoff
	maxAttempts int

	notifier ports.Notifier
	logger   ports.Logger
	onRetry  func()
}

// NewReconnectCoordinator builds a coordinator that calls onRetry each
// time a backoff delay elapses. baseDelay/maxDelay/maxAttempts default
// to 1s/60s/20 when zero, matching the venue's own reconnect guidance.
func NewReconnectCoordinator(notifier ports.Notifier, logger ports.Logger, baseDelay, maxDelay time.Duration, maxAttempts int, onRetry func()) *ReconnectCoordinator {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &ReconnectCoordinator{
		backoff:     &backoff.Backoff{Min: baseDelay, Max: maxDelay, Factor: 2},
		maxAttempts: maxAttempts,
		notifier:    notifier,
		logger:      logger,
		onRetry:     onRetry,
	}
}

// State reports the current connection state.
func (c *ReconnectCoordinator) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkSelfInitiatedClose must be called immediately before the caller
// closes the active socket as part of its own reconnect() attempt, so
// the resulting OnClosed call is treated as a no-op rather than
// triggering a second reconnect schedule.
func (c *ReconnectCoordinator) MarkSelfInitiatedClose() {
	c.mu.Lock()
	c.selfInitiated = true
	c.mu.Unlock()
}

// OnOpen transitions to Connected, resets the backoff, and — if a
// disconnect alert had fired — sends a green "recovered" notification.
func (c *ReconnectCoordinator) OnOpen() {
	c.mu.Lock()
	wasAlerted := c.alertSent
	c.state = StateConnected
	c.alertSent = false
	c.selfInitiated = false
	c.backoff.Reset()
	c.mu.Unlock()

	if wasAlerted {
		c.notifier.Notify("Stream recovered", "User-data stream reconnected successfully.", domain.SeverityGreen)
	}
}

// OnFailure marks a failed connection attempt and schedules a retry.
func (c *ReconnectCoordinator) OnFailure(err error) {
	c.transitionToDisconnected("Stream connection failed", err)
	c.scheduleReconnect()
}

// OnClosed handles the loss of an already-open connection.
// selfInitiated=true — passed by the caller or latched earlier via
// MarkSelfInitiatedClose — means the socket was closed deliberately as
// part of a reconnect, so this is a no-op; the flag stays set until
// the replacement socket opens.
func (c *ReconnectCoordinator) OnClosed(selfInitiated bool) {
	c.mu.Lock()
	selfInitiated = selfInitiated || c.selfInitiated
	c.mu.Unlock()
	if selfInitiated {
		return
	}
	c.transitionToDisconnected("Stream disconnected", nil)
	c.scheduleReconnect()
}

func (c *ReconnectCoordinator) transitionToDisconnected(title string, err error) {
	c.mu.Lock()
	fireAlert := !c.alertSent
	c.state = StateDisconnected
	c.alertSent = true
	c.mu.Unlock()

	if fireAlert {
		body := "User-data stream connection lost."
		if err != nil {
			body = err.Error()
		}
		c.notifier.Notify(title, body, domain.SeverityRed)
	}
}

// scheduleReconnect cancels any pending reconnect task and schedules a
// new one, unless shutting down or MAX_ATTEMPTS has been reached.
func (c *ReconnectCoordinator) scheduleReconnect() {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	if int(c.backoff.Attempt()) >= c.maxAttempts {
		c.mu.Unlock()
		c.notifier.Notify("Stream reconnect exhausted", "Maximum reconnect attempts reached; manual restart required.", domain.SeverityRed)
		return
	}

	delay := c.backoff.Duration()
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.state == StateDisconnected {
			c.state = StateConnecting
		}
		c.mu.Unlock()
		c.onRetry()
	})
	c.mu.Unlock()
}

// Shutdown suppresses all further reconnect scheduling and cancels any
// pending task.
func (c *ReconnectCoordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
