// Package realtime owns the single websocket connection to the chat
// server: its auth handshake, reconnection policy, heartbeat, room
// membership replay and event dispatch. The handler registry and room
// memory live on the Manager and survive transport recreation; each
// websocket generation is an ephemeral sink the registry is replayed
// into.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/backoff"
	"github.com/wasel-chat/wasel/internal/domain"
	"github.com/wasel-chat/wasel/internal/queue"
	"github.com/wasel-chat/wasel/internal/store"
)

var ErrClosed = errors.New("manager closed")

// Config tunes the connection manager. Zero values fall back to the
// canonical policy.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string

	DialTimeout time.Duration
	AuthTimeout time.Duration

	// PingInterval is how often the liveness probe fires while
	// connected; PongTimeout is how long to wait for the reply before
	// declaring the connection dead.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Backoff drives reconnection delays. MaxAttempts caps consecutive
	// failed attempts; 0 means retry forever.
	Backoff     backoff.Policy
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 5 * time.Second
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.Default()
	}
}

// Handler receives the raw payload of a dispatched event.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	id int
	fn Handler
}

// Manager is the connection core. One instance per process in normal
// use; tests build isolated ones.
type Manager struct {
	cfg    Config
	store  *store.SessionStore
	queue  *queue.Queue
	dialer *websocket.Dialer

	mu          sync.Mutex
	state       State
	conn        *transportConn
	attempts    int
	lastErr     error
	everAuthed  bool
	currentRoom domain.RoomID
	reconnect   *time.Timer
	authTimer   *time.Timer

	handlersMu sync.RWMutex
	handlers   map[string][]handlerEntry
	nextID     int

	cbMu    sync.RWMutex
	onState func(StateChange)
	onError func(error)

	events chan StateChange
	errs   chan error
	done   chan struct{}
}

// New builds a manager around the given session store and queue. The
// remembered room, if any, is restored from the persisted session.
func New(cfg Config, st *store.SessionStore, q *queue.Queue) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:         cfg,
		store:       st,
		queue:       q,
		dialer:      websocket.DefaultDialer,
		handlers:    make(map[string][]handlerEntry),
		currentRoom: st.Get().RoomID,
		events:      make(chan StateChange, 16),
		errs:        make(chan error, 16),
		done:        make(chan struct{}),
	}
	go m.notifier()
	return m
}

// notifier funnels observer callbacks onto one goroutine so a slow
// consumer cannot stall the pumps.
func (m *Manager) notifier() {
	for {
		select {
		case <-m.done:
			return
		case sc := <-m.events:
			m.cbMu.RLock()
			cb := m.onState
			m.cbMu.RUnlock()
			if cb != nil {
				cb(sc)
			}
		case err := <-m.errs:
			m.cbMu.RLock()
			cb := m.onError
			m.cbMu.RUnlock()
			if cb != nil {
				cb(err)
			}
		}
	}
}

// OnStateChange registers the state observer. One per manager.
func (m *Manager) OnStateChange(cb func(StateChange)) {
	m.cbMu.Lock()
	m.onState = cb
	m.cbMu.Unlock()
}

// OnError registers the error funnel. One per manager.
func (m *Manager) OnError(cb func(error)) {
	m.cbMu.Lock()
	m.onError = cb
	m.cbMu.Unlock()
}

// setStateLocked is the only place state transitions happen. Callers
// hold m.mu.
func (m *Manager) setStateLocked(to State, err error) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	if err != nil {
		m.lastErr = err
	}
	log.Debug().Str("module", "realtime").Str("from", from.String()).Str("to", to.String()).Msg("state")
	select {
	case m.events <- StateChange{From: from, To: to, Err: err}:
	default:
		log.Warn().Str("module", "realtime").Msg("state observer lagging, dropping event")
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errs <- err:
	default:
	}
}

// Snapshot returns a read-only view of the connection.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:        m.state,
		Connected:    m.state.live(),
		Reconnecting: m.state == StateReconnecting,
		Attempts:     m.attempts,
		LastError:    m.lastErr,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the transport if none is live. Device identity and a
// still-usable token ride on the handshake request itself, so the
// server knows who is dialing before any event arrives. The auth
// handshake result is observed through state changes; Connect returns
// once the transport is open and the auth request is on the wire.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.state == StateClosed:
		m.mu.Unlock()
		return ErrClosed
	case m.state.live() || m.state == StateConnecting:
		m.mu.Unlock()
		return nil
	}
	if m.state == StateDisconnected {
		// Manual (re)connect starts a fresh attempt budget.
		m.attempts = 0
	}
	m.cancelReconnectLocked()
	m.setStateLocked(StateConnecting, nil)
	reconnect := m.everAuthed
	m.mu.Unlock()

	sess := m.store.Get()
	header := http.Header{}
	header.Set("X-Device-ID", m.store.DeviceID())
	if sess.Token != "" && tokenUsable(sess.Token) {
		header.Set("Authorization", "Bearer "+sess.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	ws, resp, err := m.dialer.DialContext(dialCtx, m.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("dial %s: %w", m.cfg.URL, err)
		m.reportError(err)
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateDisconnected // silent: scheduleReconnect announces
			m.scheduleReconnectLocked(err)
		}
		m.mu.Unlock()
		return err
	}

	tc := newTransportConn(ws)
	m.mu.Lock()
	if m.state != StateConnecting {
		// Torn down while dialing.
		m.mu.Unlock()
		tc.close()
		return ErrClosed
	}
	m.conn = tc
	m.setStateLocked(StateConnected, nil)
	m.mu.Unlock()

	log.Info().Str("module", "realtime").Str("url", m.cfg.URL).Msg("transport open")
	go tc.writePump()
	go m.readPump(tc)
	go m.heartbeat(tc)
	m.sendAuth(tc, sess, reconnect)
	return nil
}

// sendAuth emits the explicit handshake and arms the auth timeout. An
// expired token is dropped locally instead of round-tripping a
// guaranteed authError.
func (m *Manager) sendAuth(tc *transportConn, sess domain.Session, reconnect bool) {
	req := AuthRequest{Reconnect: reconnect}
	if sess.LoggedIn() {
		req.UserID = sess.UserID
		req.Username = sess.Username
		req.UserType = sess.UserType
		if sess.Token != "" {
			if tokenUsable(sess.Token) {
				req.Token = sess.Token
			} else {
				log.Info().Str("module", "realtime").Msg("stored token expired, dropping")
				m.store.DropToken()
			}
		}
	}
	f, err := NewFrame(EventAuth, req)
	if err != nil {
		m.reportError(err)
		return
	}
	if err := tc.trySend(f); err != nil {
		m.reportError(fmt.Errorf("send auth: %w", err))
		tc.close()
		return
	}
	m.mu.Lock()
	if m.conn == tc {
		m.authTimer = time.AfterFunc(m.cfg.AuthTimeout, func() {
			m.mu.Lock()
			stale := m.conn != tc || m.state != StateConnected
			m.mu.Unlock()
			if stale {
				return
			}
			log.Warn().Str("module", "realtime").Msg("auth handshake timed out, recycling transport")
			tc.close()
		})
	}
	m.mu.Unlock()
}

// Emit sends an application event if authenticated, otherwise buffers
// it for replay. Buffered intents are delivered at least once; callers
// must tolerate idempotent replays.
func (m *Manager) Emit(event string, payload any) error {
	f, err := NewFrame(event, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return ErrClosed
	}
	m.emitLocked(f)
	return nil
}

func (m *Manager) emitLocked(f Frame) {
	if m.state == StateAuthenticated && m.conn != nil {
		if err := m.conn.trySend(f); err == nil {
			return
		}
		// Fall through: a failed immediate send becomes a queued intent.
	}
	m.queue.Enqueue(f.Event, f.Data)
}

// Disconnect tears the transport down deliberately: no reconnection is
// scheduled, pending timers are cancelled and room memory is cleared.
// The manager stays usable; Connect starts over.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.cancelReconnectLocked()
	m.stopAuthTimerLocked()
	tc := m.conn
	m.conn = nil
	m.currentRoom = ""
	m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()
	if tc != nil {
		tc.close()
	}
}

// Logout clears the persisted session and drops the connection,
// releasing the transport so a later Connect starts fresh.
func (m *Manager) Logout() {
	m.store.Clear()
	m.Disconnect()
}

// Close shuts the manager down permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.cancelReconnectLocked()
	m.stopAuthTimerLocked()
	tc := m.conn
	m.conn = nil
	m.currentRoom = ""
	m.setStateLocked(StateClosed, nil)
	m.mu.Unlock()
	if tc != nil {
		tc.close()
	}
	close(m.done)
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) stopAuthTimerLocked() {
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
}

// scheduleReconnectLocked arms the backoff timer. Attempts are
// strictly sequential: an armed timer means no new one is scheduled.
func (m *Manager) scheduleReconnectLocked(cause error) {
	if m.state == StateClosed || m.reconnect != nil {
		return
	}
	m.attempts++
	if m.cfg.MaxAttempts > 0 && m.attempts > m.cfg.MaxAttempts {
		log.Warn().Str("module", "realtime").Int("attempts", m.attempts-1).Msg("reconnect attempts exhausted")
		m.setStateLocked(StateDisconnected, cause)
		m.reportError(fmt.Errorf("reconnect attempts exhausted: %w", cause))
		return
	}
	delay := m.cfg.Backoff.Delay(m.attempts)
	m.setStateLocked(StateReconnecting, cause)
	log.Info().Str("module", "realtime").Int("attempt", m.attempts).Dur("delay", delay).Msg("reconnect scheduled")
	m.reconnect = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnect = nil
		if m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		_ = m.Connect(context.Background())
	})
}
