package devserver

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/domain"
	"github.com/wasel-chat/wasel/internal/realtime"
)

func (s *Server) handleFrame(cl *client, data []byte) {
	f, err := realtime.DecodeFrame(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "devserver").Str("sid", cl.SID).Msg("bad frame")
		return
	}

	switch f.Event {
	case realtime.EventAuth:
		s.handleAuth(cl, f.Data)
	case realtime.EventPing:
		cl.Conn.sendJSON(realtime.Frame{Event: realtime.EventPong})
	case realtime.EventJoinRoom:
		s.handleJoinRoom(cl, f.Data)
	case realtime.EventLeaveRoom:
		s.handleLeaveRoom(cl, f.Data)
	case realtime.EventVoiceJoin:
		s.handleVoiceJoin(cl, f.Data)
	case realtime.EventVoiceLeave:
		s.handleVoiceLeave(cl)
	case realtime.EventVoiceToggleMute:
		s.handleVoiceToggleMute(cl, f.Data)
	case realtime.EventVoiceSignal:
		s.handleVoiceSignal(cl, f.Data)
	default:
		// Application events relay to the sender's room.
		s.relayToRoom(cl, f)
	}
}

func sendEvent(c *wsConn, event string, payload any) {
	f, err := realtime.NewFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "devserver").Str("event", event).Msg("build frame")
		return
	}
	c.sendJSON(f)
}

// handleAuth resolves the identity in priority order: a valid token,
// explicit credentials, the token that rode the transport handshake,
// then a fresh guest. An invalid token with no fallback identity is an
// authError.
func (s *Server) handleAuth(cl *client, data json.RawMessage) {
	var req realtime.AuthRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			sendEvent(cl.Conn, realtime.EventAuthError, realtime.AuthError{Message: "bad auth payload"})
			return
		}
	}

	seeded, _ := cl.identity()
	var user domain.User
	switch {
	case req.Token != "":
		u, err := verifyToken(s.secret, req.Token)
		if err != nil {
			log.Warn().Err(err).Str("module", "devserver").Str("sid", cl.SID).Msg("token rejected")
			sendEvent(cl.Conn, realtime.EventAuthError, realtime.AuthError{Message: "invalid or expired token"})
			return
		}
		user = u
	case req.UserID != "" && req.Username != "":
		user = domain.User{ID: req.UserID, Username: req.Username, Role: req.UserType}
	case seeded.ID != "":
		user = seeded
	default:
		user = domain.User{ID: domain.UserID(uuid.NewString()), Username: "guest", Role: "guest"}
	}

	token, err := issueToken(s.secret, user)
	if err != nil {
		sendEvent(cl.Conn, realtime.EventAuthError, realtime.AuthError{Message: "token issue failed"})
		return
	}

	s.registry.authenticate(cl.SID, user)
	log.Info().Str("module", "devserver").Str("sid", cl.SID).Str("user", string(user.ID)).Bool("reconnect", req.Reconnect).Msg("authenticated")
	sendEvent(cl.Conn, realtime.EventAuthSuccess, realtime.AuthSuccess{User: user, Token: token})
}

func (s *Server) handleJoinRoom(cl *client, data json.RawMessage) {
	var req realtime.JoinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		log.Warn().Str("module", "devserver").Str("sid", cl.SID).Msg("bad join payload")
		return
	}
	if _, authed := cl.identity(); !authed {
		sendEvent(cl.Conn, realtime.EventAuthError, realtime.AuthError{Message: "join before auth"})
		return
	}
	prev := cl.setRoom(req.RoomID)
	log.Info().Str("module", "devserver").Str("sid", cl.SID).Str("room", string(req.RoomID)).Msg("joined room")
	if prev != "" && prev != req.RoomID {
		s.broadcastRoomUpdate(prev)
	}
	s.broadcastRoomUpdate(req.RoomID)
}

func (s *Server) handleLeaveRoom(cl *client, data json.RawMessage) {
	var req realtime.LeaveRoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if !cl.leaveRoom(req.RoomID) {
		return
	}
	s.broadcastRoomUpdate(req.RoomID)
}

// broadcastRoomUpdate tells everyone in a room (and the room's new
// member) to refetch room state.
func (s *Server) broadcastRoomUpdate(roomID domain.RoomID) {
	payload := realtime.RoomUpdate{RoomID: roomID}
	for _, mate := range s.registry.roomMates(roomID, "") {
		sendEvent(mate.Conn, realtime.EventRoomUpdate, payload)
	}
}

// relayToRoom forwards an application frame to the sender's roommates.
func (s *Server) relayToRoom(cl *client, f realtime.Frame) {
	st := cl.state()
	if !st.Authed || st.Room == "" {
		return
	}
	for _, mate := range s.registry.roomMates(st.Room, cl.SID) {
		mate.Conn.sendJSON(f)
	}
}

func voicePeerPayload(cl *client) realtime.VoicePeer {
	st := cl.state()
	return realtime.VoicePeer{
		RoomID:   st.Room,
		UserID:   st.User.ID,
		Username: st.User.Username,
		Muted:    st.Muted,
	}
}

func (s *Server) handleVoiceJoin(cl *client, data json.RawMessage) {
	var req realtime.VoiceJoin
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		sendEvent(cl.Conn, realtime.EventVoiceError, realtime.VoiceError{Message: "bad voice join payload"})
		return
	}
	if _, authed := cl.identity(); !authed {
		sendEvent(cl.Conn, realtime.EventVoiceError, realtime.VoiceError{Message: "voice join before auth"})
		return
	}
	cl.joinVoice(req.RoomID)
	sendEvent(cl.Conn, realtime.EventVoiceRoomJoined, voicePeerPayload(cl))
	s.broadcastVoice(cl, realtime.EventVoiceUserJoined, voicePeerPayload(cl))
}

func (s *Server) handleVoiceLeave(cl *client) {
	if !cl.leaveVoice() {
		return
	}
	s.broadcastVoice(cl, realtime.EventVoiceUserLeft, voicePeerPayload(cl))
}

func (s *Server) handleVoiceToggleMute(cl *client, data json.RawMessage) {
	var req realtime.VoiceToggleMute
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	cl.setMuted(req.Muted)
	s.broadcastVoice(cl, realtime.EventVoiceMuteChanged, voicePeerPayload(cl))
}

// handleVoiceSignal relays one signaling leg: to its target when
// addressed, to the whole room otherwise.
func (s *Server) handleVoiceSignal(cl *client, data json.RawMessage) {
	sig, err := realtime.DecodeVoiceSignal(data)
	if err != nil {
		sendEvent(cl.Conn, realtime.EventVoiceError, realtime.VoiceError{Message: "bad signal payload"})
		return
	}
	user, _ := cl.identity()
	sig.FromUserID = user.ID

	if sig.TargetUserID != "" {
		if target, ok := s.registry.byUserID(sig.TargetUserID); ok && target.currentRoom() == sig.RoomID {
			sendEvent(target.Conn, realtime.EventVoiceSignal, sig)
		}
		return
	}
	for _, mate := range s.registry.roomMates(sig.RoomID, cl.SID) {
		sendEvent(mate.Conn, realtime.EventVoiceSignal, sig)
	}
}

func (s *Server) broadcastVoice(cl *client, event string, payload realtime.VoicePeer) {
	for _, mate := range s.registry.roomMates(cl.currentRoom(), cl.SID) {
		sendEvent(mate.Conn, event, payload)
	}
}
