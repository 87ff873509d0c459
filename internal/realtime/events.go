package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/domain"
	"github.com/wasel-chat/wasel/internal/queue"
)

// On registers a handler for an event name. The registry belongs to
// the manager, not the transport, so registrations survive reconnects.
// The returned func removes the handler.
func (m *Manager) On(event string, h Handler) (off func()) {
	m.handlersMu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: h})
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		entries := m.handlers[event]
		for i, e := range entries {
			if e.id == id {
				m.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(m.handlers[event]) == 0 {
			delete(m.handlers, event)
		}
	}
}

// dispatch calls registered handlers in registration order, on the
// read pump goroutine, preserving transport delivery order.
func (m *Manager) dispatch(event string, data json.RawMessage) {
	m.handlersMu.RLock()
	entries := make([]handlerEntry, len(m.handlers[event]))
	copy(entries, m.handlers[event])
	m.handlersMu.RUnlock()
	for _, e := range entries {
		e.fn(data)
	}
}

// readPump consumes frames from one transport generation until it
// fails, then routes the failure into the disconnect path.
func (m *Manager) readPump(tc *transportConn) {
	for {
		_, raw, err := tc.ws.ReadMessage()
		if err != nil {
			m.handleDisconnect(tc, err)
			return
		}
		f, derr := DecodeFrame(raw)
		if derr != nil {
			log.Warn().Err(derr).Str("module", "realtime").Msg("dropping malformed frame")
			continue
		}
		m.handleFrame(tc, f)
	}
}

func (m *Manager) handleFrame(tc *transportConn, f Frame) {
	switch f.Event {
	case EventPong:
		tc.notifyPong()
		return
	case EventAuthSuccess:
		m.handleAuthSuccess(tc, f.Data)
	case EventAuthError:
		m.handleAuthError(tc, f.Data)
	}
	m.dispatch(f.Event, f.Data)
}

// handleAuthSuccess flips to Authenticated, flushes the queue in FIFO
// order, replays the remembered room, and finally persists the
// acknowledged identity. The lock is held from the state flip through
// the flush so a concurrent Emit cannot jump ahead of queued intents:
// it blocks until every buffered frame is on the wire.
func (m *Manager) handleAuthSuccess(tc *transportConn, data json.RawMessage) {
	p, err := DecodeAuthSuccess(data)
	if err != nil {
		log.Error().Err(err).Str("module", "realtime").Msg("authSuccess payload")
		m.reportError(err)
		return
	}
	sess := domain.Session{
		UserID:       p.User.ID,
		Username:     p.User.Username,
		UserType:     p.User.Role,
		Token:        p.Token,
		LastActivity: time.Now(),
	}

	m.mu.Lock()
	if m.conn != tc {
		m.mu.Unlock()
		return
	}
	m.stopAuthTimerLocked()
	m.attempts = 0
	m.lastErr = nil
	m.everAuthed = true
	m.setStateLocked(StateAuthenticated, nil)
	m.queue.Drain(func(event string, data json.RawMessage) error {
		err := tc.trySend(Frame{Event: event, Data: data})
		if errors.Is(err, ErrBackpressure) {
			// A full send buffer on a healthy transport is not a
			// delivery failure; keep the message without burning a
			// retry.
			return queue.ErrRetryLater
		}
		return err
	})
	if m.currentRoom != "" {
		m.replayRoomLocked(sess)
	}
	m.mu.Unlock()

	m.store.Save(sess)
	log.Info().Str("module", "realtime").Str("user", string(p.User.ID)).Msg("authenticated")
}

// handleAuthError discards the dead credential and reports; the
// transport stays open, unauthenticated, until the UI supplies new
// credentials.
func (m *Manager) handleAuthError(tc *transportConn, data json.RawMessage) {
	p, err := DecodeAuthError(data)
	if err != nil {
		log.Error().Err(err).Str("module", "realtime").Msg("authError payload")
		m.reportError(err)
		return
	}
	m.mu.Lock()
	if m.conn != tc {
		m.mu.Unlock()
		return
	}
	m.stopAuthTimerLocked()
	m.mu.Unlock()

	m.store.DropToken()
	log.Warn().Str("module", "realtime").Str("message", p.Message).Msg("authentication rejected")
	m.reportError(fmt.Errorf("authentication rejected: %s", p.Message))
}

// handleDisconnect decides between a clean stop and the reconnect
// path. A normal closure is deliberate: room memory is cleared and no
// retry is scheduled. Anything else folds into backoff.
func (m *Manager) handleDisconnect(tc *transportConn, cause error) {
	m.mu.Lock()
	if m.conn != tc {
		// A newer generation took over, or Disconnect already ran.
		m.mu.Unlock()
		tc.close()
		return
	}
	m.conn = nil
	m.stopAuthTimerLocked()

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		log.Info().Str("module", "realtime").Msg("server closed the connection")
		m.currentRoom = ""
		m.setStateLocked(StateDisconnected, nil)
		m.mu.Unlock()
		tc.close()
		return
	}

	if !errors.Is(cause, errConnClosed) {
		log.Warn().Err(cause).Str("module", "realtime").Msg("transport dropped")
	}
	m.scheduleReconnectLocked(cause)
	m.mu.Unlock()
	tc.close()
	m.reportError(cause)
}
