package realtime

import (
	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/domain"
)

// Rooms are mutually exclusive per connection: joining a new room
// implicitly leaves the previous one, so the manager remembers a
// single current room id and replays it after every successful
// (re)authentication.

// JoinRoom records the room as current, persists it, and emits the
// join request (queued like any other event when offline).
func (m *Manager) JoinRoom(roomID domain.RoomID) error {
	if roomID == "" {
		return ErrBadPayload
	}
	sess := m.store.Get()
	m.store.SetRoom(roomID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return ErrClosed
	}
	m.currentRoom = roomID
	f, err := NewFrame(EventJoinRoom, JoinRoomRequest{
		RoomID:   roomID,
		UserID:   sess.UserID,
		Username: sess.Username,
	})
	if err != nil {
		return err
	}
	m.emitLocked(f)
	return nil
}

// LeaveRoom forgets the room only when it is the one being left, and
// emits the leave request.
func (m *Manager) LeaveRoom(roomID domain.RoomID) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	forget := m.currentRoom == roomID
	if forget {
		m.currentRoom = ""
	}
	f, err := NewFrame(EventLeaveRoom, LeaveRoomRequest{RoomID: roomID})
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.emitLocked(f)
	m.mu.Unlock()

	if forget {
		m.store.SetRoom("")
	}
	return nil
}

// CurrentRoom returns the remembered room id, empty when none.
func (m *Manager) CurrentRoom() domain.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRoom
}

// replayRoomLocked re-sends the join intent after reauthentication so
// a reconnect restores the user's room without UI involvement.
// Callers hold m.mu with state Authenticated.
func (m *Manager) replayRoomLocked(sess domain.Session) {
	f, err := NewFrame(EventJoinRoom, JoinRoomRequest{
		RoomID:   m.currentRoom,
		UserID:   sess.UserID,
		Username: sess.Username,
	})
	if err != nil {
		return
	}
	log.Info().Str("module", "realtime").Str("room", string(m.currentRoom)).Msg("replaying room join")
	m.emitLocked(f)
}
