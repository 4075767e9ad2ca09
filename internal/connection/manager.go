// Package connection keeps a long-lived streaming session to a remote
// endpoint and decides what happens when the peer closes it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/internal/metrics"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("connection manager closed")

// State is the lifecycle state of a managed connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectPending
	StateClosedByPeer
	StateClosedByClient
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnectPending:
		return "RECONNECT_PENDING"
	case StateClosedByPeer:
		return "CLOSING_BY_PEER"
	case StateClosedByClient:
		return "CLOSED_BY_CLIENT"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is an established transport session.
type Session interface {
	Close() error
}

// Endpoint opens sessions. Connect makes exactly one attempt; onClose is
// called once, from any goroutine, when an established session ends.
type Endpoint interface {
	Connect(ctx context.Context, onClose func(error)) (Session, error)
	String() string
}

// Manager owns the sessions opened to one endpoint. Reconnection attempts
// run on a single worker goroutine owned by the manager, so at most one is
// outstanding at a time.
type Manager struct {
	endpoint Endpoint
	policy   Policy
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	state    State
	session  Session
	gen      uint64
	pending  bool
	closed   bool
	attempts int

	workerOnce sync.Once
	wake       chan struct{}
	quit       chan struct{}
}

// NewManager creates a manager for endpoint. A nil policy is the standard
// policy.
func NewManager(endpoint Endpoint, policy Policy) *Manager {
	if policy == nil {
		policy = StandardPolicy{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		endpoint: endpoint,
		policy:   policy,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	metrics.SetConnectionState(endpoint.String(), int(StateDisconnected))
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current session, or nil when not connected.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Attempts returns the number of reconnection attempts made so far.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) setState(s State) {
	m.state = s
	metrics.SetConnectionState(m.endpoint.String(), int(s))
}

// Connect makes a single connection attempt. It never retries; a failure is
// returned to the caller.
func (m *Manager) Connect(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.setState(StateConnecting)
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	sess, err := m.endpoint.Connect(ctx, m.onCloseFunc(gen))
	if err != nil {
		m.mu.Lock()
		if m.gen == gen && !m.closed {
			m.setState(StateDisconnected)
		}
		m.mu.Unlock()
		return nil, err
	}
	if !m.established(gen, sess) {
		sess.Close()
		return nil, ErrClosed
	}
	logging.Info("connected", zap.String("endpoint", m.endpoint.String()))
	return sess, nil
}

// established records sess as the current session. It reports false when
// the manager was closed while the attempt was in flight.
func (m *Manager) established(gen uint64, sess Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if m.gen == gen && m.state == StateConnecting {
		m.session = sess
		m.setState(StateConnected)
	}
	return true
}

func (m *Manager) onCloseFunc(gen uint64) func(error) {
	var once sync.Once
	return func(cause error) {
		once.Do(func() { m.sessionClosed(gen, cause) })
	}
}

func (m *Manager) sessionClosed(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.session = nil
	if m.closed {
		m.setState(StateClosedByClient)
		m.mu.Unlock()
		return
	}
	m.setState(StateClosedByPeer)
	m.mu.Unlock()

	logging.Warn("connection closed by peer",
		zap.String("endpoint", m.endpoint.String()),
		zap.Error(cause))
	m.policy.onClose(m, cause)
}

// scheduleReconnect queues one attempt on the worker. It does nothing when
// the manager is closed or an attempt is already pending.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.pending {
		return
	}
	m.pending = true
	m.setState(StateReconnectPending)
	m.workerOnce.Do(func() { go m.worker() })
	m.wake <- struct{}{}
}

func (m *Manager) worker() {
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}

		delay := m.policy.delay()
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-m.quit:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		m.reconnect()
	}
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.pending = false
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	m.setState(StateConnecting)
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	sess, err := m.endpoint.Connect(m.ctx, m.onCloseFunc(gen))
	if err != nil {
		metrics.RecordReconnectAttempt(false)
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		logging.Warn("reconnect attempt failed",
			zap.String("endpoint", m.endpoint.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		m.scheduleReconnect()
		return
	}

	metrics.RecordReconnectAttempt(true)
	if !m.established(gen, sess) {
		sess.Close()
		return
	}
	logging.Info("reconnected",
		zap.String("endpoint", m.endpoint.String()),
		zap.Int("attempt", attempt))
}

// Close marks the manager permanently closed. No reconnection attempt runs
// its connect logic afterwards, including one already scheduled. Close does
// not tear down the current session; callers close it through Session.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.pending = false
	if m.session == nil {
		m.setState(StateClosedByClient)
	}
	m.mu.Unlock()

	close(m.quit)
	m.cancel()
}
