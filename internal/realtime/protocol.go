package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wasel-chat/wasel/internal/domain"
)

// Event names on the wire. Anything outside this set is an
// application event and passes through to registered handlers
// unvalidated.
const (
	EventAuth        = "auth"
	EventAuthSuccess = "authSuccess"
	EventAuthError   = "authError"
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventRoomUpdate  = "roomUpdate"
	EventPing        = "ping"
	EventPong        = "pong"

	EventVoiceJoin         = "voice:join-room"
	EventVoiceLeave        = "voice:leave-room"
	EventVoiceSignal       = "voice:signal"
	EventVoiceToggleMute   = "voice:toggle-mute"
	EventVoiceRoomJoined   = "voice:room-joined"
	EventVoiceUserJoined   = "voice:user-joined"
	EventVoiceUserLeft     = "voice:user-left"
	EventVoiceMuteChanged  = "voice:user-mute-changed"
	EventVoiceSpeakChanged = "voice:user-speaking-changed"
	EventVoiceError        = "voice:error"
)

var (
	ErrEmptyEvent   = errors.New("frame without event name")
	ErrBadPayload   = errors.New("bad payload")
	ErrBackpressure = errors.New("backpressure")
)

// Frame is the wire envelope: an event name plus its raw payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(event string, payload any) (Frame, error) {
	if event == "" {
		return Frame{}, ErrEmptyEvent
	}
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// DecodeFrame validates the envelope of an inbound message. Malformed
// input fails here, at the transport boundary, instead of propagating
// missing fields into handlers.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if f.Event == "" {
		return Frame{}, ErrEmptyEvent
	}
	return f, nil
}

// AuthRequest is the explicit handshake sent right after the transport
// opens. All identity fields are optional; an empty request asks for a
// guest identity.
type AuthRequest struct {
	UserID    domain.UserID `json:"userId,omitempty"`
	Username  string        `json:"username,omitempty"`
	UserType  string        `json:"userType,omitempty"`
	Token     string        `json:"token,omitempty"`
	Reconnect bool          `json:"reconnect"`
}

// AuthSuccess acknowledges the handshake.
type AuthSuccess struct {
	User  domain.User `json:"user"`
	Token string      `json:"token,omitempty"`
}

// AuthError rejects the handshake; the credential is dead.
type AuthError struct {
	Message string `json:"message"`
}

// JoinRoomRequest enters a room, implicitly leaving the previous one.
type JoinRoomRequest struct {
	RoomID   domain.RoomID `json:"roomId"`
	UserID   domain.UserID `json:"userId,omitempty"`
	Username string        `json:"username,omitempty"`
}

// LeaveRoomRequest exits a room.
type LeaveRoomRequest struct {
	RoomID domain.RoomID `json:"roomId"`
}

// RoomUpdate notifies that room state changed; the payload only
// triggers a refetch upstream.
type RoomUpdate struct {
	RoomID domain.RoomID `json:"roomId,omitempty"`
}

// SignalKind tags a voice signaling message.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
)

// VoiceJoin asks to join a voice room.
type VoiceJoin struct {
	RoomID domain.RoomID `json:"roomId"`
	UserID domain.UserID `json:"userId"`
}

// VoiceLeave exits the current voice room.
type VoiceLeave struct {
	RoomID domain.RoomID `json:"roomId"`
}

// VoiceSignal carries one leg of the offer/answer/ICE exchange.
type VoiceSignal struct {
	Type         SignalKind      `json:"type"`
	RoomID       domain.RoomID   `json:"roomId"`
	FromUserID   domain.UserID   `json:"fromUserId,omitempty"`
	TargetUserID domain.UserID   `json:"targetUserId,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// VoiceToggleMute reports the local mute state.
type VoiceToggleMute struct {
	Muted bool `json:"muted"`
}

// VoicePeer describes a participant in voice events.
type VoicePeer struct {
	RoomID   domain.RoomID `json:"roomId"`
	UserID   domain.UserID `json:"userId"`
	Username string        `json:"username,omitempty"`
	Muted    bool          `json:"muted,omitempty"`
	Speaking bool          `json:"speaking,omitempty"`
}

// VoiceError reports a voice-level failure from the server.
type VoiceError struct {
	Message string `json:"message"`
}

// decodeInto is the validating decode step for known payloads.
func decodeInto(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrBadPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// DecodeAuthSuccess validates an authSuccess payload. A success frame
// without a user id is malformed.
func DecodeAuthSuccess(data json.RawMessage) (AuthSuccess, error) {
	var p AuthSuccess
	if err := decodeInto(data, &p); err != nil {
		return AuthSuccess{}, err
	}
	if p.User.ID == "" {
		return AuthSuccess{}, fmt.Errorf("%w: authSuccess without user id", ErrBadPayload)
	}
	return p, nil
}

// DecodeAuthError validates an authError payload.
func DecodeAuthError(data json.RawMessage) (AuthError, error) {
	var p AuthError
	if err := decodeInto(data, &p); err != nil {
		return AuthError{}, err
	}
	return p, nil
}

// DecodeVoiceSignal validates a voice:signal payload.
func DecodeVoiceSignal(data json.RawMessage) (VoiceSignal, error) {
	var p VoiceSignal
	if err := decodeInto(data, &p); err != nil {
		return VoiceSignal{}, err
	}
	switch p.Type {
	case SignalOffer, SignalAnswer, SignalCandidate:
	default:
		return VoiceSignal{}, fmt.Errorf("%w: unknown signal type %q", ErrBadPayload, p.Type)
	}
	if p.RoomID == "" {
		return VoiceSignal{}, fmt.Errorf("%w: signal without room", ErrBadPayload)
	}
	return p, nil
}
