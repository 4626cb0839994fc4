// Package reconnect implements the batch reconnection ticker shared by
// components that need exponential backoff with jitter (C6's AI WebSocket,
// and anything else that dials out). A single ticker processes every pending
// per-call reconnect instead of each call owning its own timer goroutine.
package reconnect

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	tickInterval = 500 * time.Millisecond

	baseDelay = 1000 * time.Millisecond
	capDelay  = 30 * time.Second
	jitterPct = 0.2
)

// ErrorClass tells Manager's caller whether a failure is worth retrying.
type ErrorClass int

const (
	// ClassTransient covers network errors (ECONNREFUSED, ENOTFOUND, general
	// WS close) and rate-limit/quota responses: retry with the standard backoff.
	ClassTransient ErrorClass = iota
	// ClassAuth covers authentication/authorization failures: never retry.
	ClassAuth
)

// pendingEntry is one scheduled reconnect attempt.
type pendingEntry struct {
	executeAt time.Time
	fn        func()
}

// Manager is the single process-wide reconnect ticker. Constructed once and
// passed by reference; holds no package-level state.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	ticker  *time.Ticker
	stopCh  chan struct{}
	running bool

	logger *zap.SugaredLogger
}

// New constructs an idle Manager; the ticker starts lazily on the first
// Schedule call and stops itself once the pending set drains.
func New(logger *zap.SugaredLogger) *Manager {
	return &Manager{
		pending: make(map[string]*pendingEntry),
		logger:  logger,
	}
}

// Schedule records a reconnect callback for callID to run after delay.
// Duplicate schedules for a callID already pending are ignored — the
// in-flight timer wins.
func (m *Manager) Schedule(callID string, delay time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[callID]; exists {
		return
	}

	m.pending[callID] = &pendingEntry{
		executeAt: time.Now().Add(delay),
		fn:        fn,
	}

	if !m.running {
		m.running = true
		m.ticker = time.NewTicker(tickInterval)
		m.stopCh = make(chan struct{})
		go m.run(m.ticker, m.stopCh)
	}
}

// Cancel removes a pending reconnect for callID, if any (e.g. the call was
// torn down before its reconnect fired).
func (m *Manager) Cancel(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, callID)
}

func (m *Manager) run(ticker *time.Ticker, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			m.fireReady(now)
		}
	}
}

func (m *Manager) fireReady(now time.Time) {
	m.mu.Lock()
	var ready []func()
	for callID, entry := range m.pending {
		if !now.Before(entry.executeAt) {
			ready = append(ready, entry.fn)
			delete(m.pending, callID)
		}
	}
	empty := len(m.pending) == 0
	if empty && m.running {
		m.running = false
		ticker := m.ticker
		stopCh := m.stopCh
		m.ticker = nil
		m.stopCh = nil
		m.mu.Unlock()
		ticker.Stop()
		close(stopCh)
	} else {
		m.mu.Unlock()
	}

	for _, fn := range ready {
		fn()
	}
}

// NextDelay computes the backoff delay for the given attempt number (0-based)
// using the spec's base/cap/jitter policy: min(base*2^attempt, cap) ± 20%.
func NextDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = baseDelay
	eb.Multiplier = 2
	eb.MaxInterval = capDelay
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = eb.NextBackOff()
	}

	jitter := 1 + (rand.Float64()*2-1)*jitterPct
	return time.Duration(float64(delay) * jitter)
}

// Classify maps a failure to a retry decision. The caller decides whether
// the failure was an authentication failure and passes that as a bool; every
// other failure is ClassTransient.
func Classify(isAuthFailure bool) ErrorClass {
	if isAuthFailure {
		return ClassAuth
	}
	return ClassTransient
}
