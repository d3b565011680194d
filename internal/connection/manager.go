// Package connection owns the persistent push channel to the school service:
// connect and authenticate, reconnect with backoff, room membership, and
// forwarding of push events to the listener bus.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"schoolmsg/internal/domain"
	"schoolmsg/internal/metrics"
)

var errNotConnected = errors.New("not connected")

// Config wires a Manager.
type Config struct {
	Transport   domain.Transport
	Bus         domain.Publisher
	Backoff     Backoff
	DialTimeout time.Duration // per automatic reconnect attempt
	Logger      *slog.Logger
}

// attempt is one in-flight connect that concurrent callers can wait on.
type attempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAttempt() *attempt { return &attempt{done: make(chan struct{})} }

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Manager is the only writer of the connection state and the subscription
// set. Frames to the service are sent while holding mu so join, leave and
// replay frames never interleave out of order.
type Manager struct {
	transport   domain.Transport
	bus         domain.Publisher
	backoff     Backoff
	dialTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	state   domain.ConnectionState
	token   string
	conn    domain.Conn
	gen     uint64 // bumped by Disconnect; stale work compares and bails
	pending *attempt
	subs    map[string]struct{}
	retries int
	timer   *time.Timer
	timerID uint64 // identifies the scheduled timer; a callback that lost its slot bails
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	metrics.SetConnectionState(domain.StateDisconnected)
	return &Manager{
		transport:   cfg.Transport,
		bus:         cfg.Bus,
		backoff:     cfg.Backoff,
		dialTimeout: cfg.DialTimeout,
		logger:      cfg.Logger,
		state:       domain.StateDisconnected,
		subs:        make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscriptions returns the joined conversation keys, sorted.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedSubsLocked()
}

func (m *Manager) sortedSubsLocked() []string {
	keys := make([]string, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) setStateLocked(s domain.ConnectionState) {
	if m.state == s {
		return
	}
	m.logger.Debug("connection state", "from", m.state, "to", s)
	m.state = s
	metrics.SetConnectionState(s)
}

// Connect opens the push channel with token. It returns immediately when
// already connected and waits for the running attempt when one is in flight.
// A failed attempt publishes connection/error and schedules a reconnect.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state == domain.StateConnected {
		m.mu.Unlock()
		return nil
	}
	if a := m.pending; a != nil {
		m.mu.Unlock()
		return wait(ctx, a)
	}
	m.token = token
	m.stopTimerLocked()
	a, gen := m.beginLocked()
	m.mu.Unlock()

	m.dial(ctx, a, gen, token)
	return wait(ctx, a)
}

func wait(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) beginLocked() (*attempt, uint64) {
	a := newAttempt()
	m.pending = a
	m.setStateLocked(domain.StateConnecting)
	return a, m.gen
}

// dial runs one connect attempt and settles a.
func (m *Manager) dial(ctx context.Context, a *attempt, gen uint64, token string) {
	conn, err := m.transport.Dial(ctx, token)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		a.finish(domain.ErrCancelled)
		return
	}
	if err != nil {
		m.failLocked(a)
		m.mu.Unlock()
		m.surface(a, domain.TransportErr("connect", err))
		return
	}

	// Joins are not durable on the transport: replay the whole set before
	// reporting the connection as up.
	for _, key := range m.sortedSubsLocked() {
		if err := conn.Send(ctx, frame(domain.EventJoinConversation, key)); err != nil {
			m.failLocked(a)
			m.mu.Unlock()
			conn.Close()
			m.surface(a, domain.TransportErr("rejoin "+key, err))
			return
		}
		metrics.RoomJoins.WithLabelValues("replay").Inc()
	}

	m.conn = conn
	m.pending = nil
	m.retries = 0
	m.setStateLocked(domain.StateConnected)
	rooms := len(m.subs)
	m.mu.Unlock()

	go m.readLoop(conn, gen)

	m.logger.Info("connected", "rooms", rooms)
	m.bus.Publish(domain.ChannelConnection, domain.EventConnected, nil)
	a.finish(nil)
}

// failLocked moves to the error state and schedules the next attempt.
func (m *Manager) failLocked(a *attempt) {
	if m.pending == a {
		m.pending = nil
	}
	m.setStateLocked(domain.StateError)
	m.scheduleLocked()
}

func (m *Manager) surface(a *attempt, err error) {
	m.logger.Warn("connection failed", "err", err)
	m.bus.Publish(domain.ChannelConnection, domain.EventError, err)
	if a != nil {
		a.finish(err)
	}
}

func (m *Manager) scheduleLocked() {
	if m.token == "" || m.timer != nil {
		return
	}
	delay := m.backoff.Delay(m.retries)
	m.retries++
	gen := m.gen
	m.timerID++
	id := m.timerID
	m.logger.Info("reconnect scheduled", "attempt", m.retries, "delay", delay)
	m.timer = time.AfterFunc(delay, func() { m.reconnect(gen, id) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) reconnect(gen, id uint64) {
	m.mu.Lock()
	if gen != m.gen || m.timer == nil || id != m.timerID {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if m.state == domain.StateConnected || m.pending != nil {
		m.mu.Unlock()
		return
	}
	token := m.token
	a, gen := m.beginLocked()
	m.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	m.dial(ctx, a, gen, token)
}

func (m *Manager) readLoop(conn domain.Conn, gen uint64) {
	for {
		f, err := conn.Receive()
		if err != nil {
			m.dropped(conn, gen, err)
			return
		}
		if !domain.IsPushEvent(f.Event) {
			m.logger.Debug("ignoring frame", "event", f.Event)
			continue
		}
		metrics.PushEvents.WithLabelValues(f.Event).Inc()
		m.bus.Publish(domain.ChannelMessage, f.Event, f.Data)
	}
}

// dropped handles an unexpected loss of conn. The subscription set survives
// and is replayed by the next successful attempt.
func (m *Manager) dropped(conn domain.Conn, gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.setStateLocked(domain.StateError)
	m.scheduleLocked()
	m.mu.Unlock()

	conn.Close()
	m.surface(nil, domain.TransportErr("receive", err))
}

// Disconnect closes the channel on purpose: pending retries are cancelled,
// in-flight attempts fail with ErrCancelled and the subscription set is
// discarded.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	conn := m.conn
	m.conn = nil
	a := m.pending
	m.pending = nil
	m.subs = make(map[string]struct{})
	m.retries = 0
	m.token = ""
	wasActive := m.state != domain.StateDisconnected
	m.setStateLocked(domain.StateDisconnected)
	m.mu.Unlock()

	if a != nil {
		a.finish(domain.ErrCancelled)
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("close failed", "err", err)
		}
	}
	if wasActive {
		m.logger.Info("disconnected")
		m.bus.Publish(domain.ChannelConnection, domain.EventDisconnected, nil)
	}
}

// JoinConversation adds key to the subscription set. The join frame goes out
// now when connected, otherwise on the next successful connect.
func (m *Manager) JoinConversation(ctx context.Context, key string) error {
	if key == "" {
		return domain.Invalid("conversationKey", "conversation key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[key]; ok {
		return nil
	}
	m.subs[key] = struct{}{}
	if m.state != domain.StateConnected || m.conn == nil {
		return nil
	}
	if err := m.conn.Send(ctx, frame(domain.EventJoinConversation, key)); err != nil {
		return domain.TransportErr("join", err)
	}
	metrics.RoomJoins.WithLabelValues("join").Inc()
	return nil
}

// LeaveConversation removes key from the subscription set.
func (m *Manager) LeaveConversation(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[key]; !ok {
		return nil
	}
	delete(m.subs, key)
	if m.state != domain.StateConnected || m.conn == nil {
		return nil
	}
	if err := m.conn.Send(ctx, frame(domain.EventLeaveConversation, key)); err != nil {
		return domain.TransportErr("leave", err)
	}
	return nil
}

// Emit sends an arbitrary client event, e.g. typing notices.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Invalid("payload", "cannot encode %s payload: %v", event, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateConnected || m.conn == nil {
		return domain.TransportErr(event, errNotConnected)
	}
	if err := m.conn.Send(ctx, domain.Frame{Event: event, Data: data}); err != nil {
		return domain.TransportErr(event, err)
	}
	return nil
}

func frame(event, key string) domain.Frame {
	data, _ := json.Marshal(domain.TypingNotice{ConversationID: key})
	return domain.Frame{Event: event, Data: data}
}
