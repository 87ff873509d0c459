// Package voice manages peer-to-peer audio sessions layered on top of
// the realtime transport, which carries the offer/answer/ICE exchange.
// Unlike chat, voice recovery is deliberately manual: peer failures
// are reported, never silently retried.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/domain"
	"github.com/wasel-chat/wasel/internal/realtime"
	"github.com/wasel-chat/wasel/internal/store"
)

// Signaler is the slice of the realtime manager that voice uses for
// signaling. Implemented by *realtime.Manager.
type Signaler interface {
	Emit(event string, payload any) error
	On(event string, h realtime.Handler) (off func())
}

// Config wires the voice manager's collaborators.
type Config struct {
	// APIBase is the REST endpoint prefix used for the room
	// permission check, e.g. http://localhost:8080.
	APIBase string
	// RTC overrides the peer connection configuration; zero value
	// means the default STUN set.
	RTC webrtc.Configuration
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Capture defaults to SilenceSource.
	Capture CaptureSource
}

// Manager owns the voice connections, keyed by room id. Only one room
// is joined at a time by policy; joining leaves the previous room
// first.
type Manager struct {
	cfg      Config
	signaler Signaler
	sessions *store.SessionStore
	backend  store.Backend

	mu       sync.Mutex
	conns    map[domain.RoomID]*Connection
	readers  map[domain.RoomID]SampleReader
	current  domain.RoomID
	settings domain.VoiceSettings
	closed   bool
	offs     []func()

	cbMu        sync.RWMutex
	onError     func(error)
	onPeerState func(domain.RoomID, webrtc.PeerConnectionState)
}

func NewManager(cfg Config, signaler Signaler, sessions *store.SessionStore, backend store.Backend) *Manager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Capture == nil {
		cfg.Capture = SilenceSource{}
	}
	if len(cfg.RTC.ICEServers) == 0 {
		cfg.RTC = DefaultRTCConfig()
	}
	m := &Manager{
		cfg:      cfg,
		signaler: signaler,
		sessions: sessions,
		backend:  backend,
		conns:    make(map[domain.RoomID]*Connection),
		readers:  make(map[domain.RoomID]SampleReader),
		settings: loadSettings(backend),
	}
	m.offs = append(m.offs,
		signaler.On(realtime.EventVoiceSignal, m.handleSignal),
		signaler.On(realtime.EventVoiceError, m.handleVoiceError),
	)
	return m
}

// OnError registers the error funnel for signaling and peer failures.
func (m *Manager) OnError(cb func(error)) {
	m.cbMu.Lock()
	m.onError = cb
	m.cbMu.Unlock()
}

// OnPeerStateChange observes peer connection state transitions.
func (m *Manager) OnPeerStateChange(cb func(domain.RoomID, webrtc.PeerConnectionState)) {
	m.cbMu.Lock()
	m.onPeerState = cb
	m.cbMu.Unlock()
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	m.cbMu.RLock()
	cb := m.onError
	m.cbMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// Settings returns the current audio preferences.
func (m *Manager) Settings() domain.VoiceSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateSettings replaces the persisted preferences. Takes effect on
// the next JoinRoom.
func (m *Manager) UpdateSettings(s domain.VoiceSettings) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
	saveSettings(m.backend, s)
}

// CurrentRoom returns the joined voice room id, empty when none.
func (m *Manager) CurrentRoom() domain.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Connection returns the live connection for a room, if any.
func (m *Manager) Connection(roomID domain.RoomID) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[roomID]
	return c, ok
}

// JoinRoom joins a voice room: permission check over REST, peer
// connection with the local audio track attached, join intent and SDP
// offer over the shared transport. Any current room is left first.
func (m *Manager) JoinRoom(ctx context.Context, roomID domain.RoomID) error {
	if roomID == "" {
		return fmt.Errorf("join voice room: empty room id")
	}
	m.LeaveRoom()

	sess := m.sessions.Get()
	uid := sess.UserID

	if err := m.requestJoinPermission(ctx, roomID, uid); err != nil {
		return fmt.Errorf("voice room %s: %w", roomID, err)
	}

	conn, err := newConnection(m.cfg.RTC, roomID, uid)
	if err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}

	conn.onICE = func(ci webrtc.ICECandidateInit) {
		data, err := json.Marshal(ci)
		if err != nil {
			return
		}
		m.emitSignal(realtime.VoiceSignal{
			Type:       realtime.SignalCandidate,
			RoomID:     roomID,
			FromUserID: uid,
			Data:       data,
		})
	}
	conn.onState = func(s webrtc.PeerConnectionState) {
		m.cbMu.RLock()
		cb := m.onPeerState
		m.cbMu.RUnlock()
		if cb != nil {
			cb(roomID, s)
		}
		if s == webrtc.PeerConnectionStateFailed {
			m.reportError(fmt.Errorf("voice peer connection failed for room %s", roomID))
		}
	}

	m.mu.Lock()
	settings := m.settings
	m.mu.Unlock()

	reader, err := m.cfg.Capture.Open(settings)
	if err != nil {
		conn.close()
		return fmt.Errorf("open audio input: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		string(uid),
	)
	if err != nil {
		_ = reader.Close()
		conn.close()
		return fmt.Errorf("local track: %w", err)
	}
	conn.start()
	if err := conn.addLocalTrack(track); err != nil {
		_ = reader.Close()
		conn.close()
		return fmt.Errorf("attach local track: %w", err)
	}
	go m.pump(conn, reader)

	if err := m.signaler.Emit(realtime.EventVoiceJoin, realtime.VoiceJoin{RoomID: roomID, UserID: uid}); err != nil {
		_ = reader.Close()
		conn.close()
		return err
	}

	offer, err := conn.createOffer()
	if err != nil {
		_ = reader.Close()
		conn.close()
		return fmt.Errorf("create offer: %w", err)
	}
	offerData, err := json.Marshal(map[string]string{"sdp": offer.SDP})
	if err != nil {
		_ = reader.Close()
		conn.close()
		return err
	}
	m.emitSignal(realtime.VoiceSignal{
		Type:       realtime.SignalOffer,
		RoomID:     roomID,
		FromUserID: uid,
		Data:       offerData,
	})

	m.mu.Lock()
	m.conns[roomID] = conn
	m.readers[roomID] = reader
	m.current = roomID
	m.mu.Unlock()

	log.Info().Str("module", "voice").Str("room", string(roomID)).Msg("joined voice room")
	return nil
}

// LeaveRoom exits the current voice room. Safe to call when none is
// joined, and safe to call twice.
func (m *Manager) LeaveRoom() {
	m.mu.Lock()
	roomID := m.current
	if roomID == "" {
		m.mu.Unlock()
		return
	}
	conn := m.conns[roomID]
	reader := m.readers[roomID]
	delete(m.conns, roomID)
	delete(m.readers, roomID)
	m.current = ""
	m.mu.Unlock()

	_ = m.signaler.Emit(realtime.EventVoiceLeave, realtime.VoiceLeave{RoomID: roomID})
	if reader != nil {
		_ = reader.Close()
	}
	if conn != nil {
		conn.close()
	}
	log.Info().Str("module", "voice").Str("room", string(roomID)).Msg("left voice room")
}

// ToggleMute flips the local mute gate, notifies the server, and
// persists the preference. Every call sends exactly one signal, so two
// rapid calls land back on the original state.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	m.settings.Muted = !m.settings.Muted
	muted := m.settings.Muted
	settings := m.settings
	m.mu.Unlock()

	saveSettings(m.backend, settings)
	_ = m.signaler.Emit(realtime.EventVoiceToggleMute, realtime.VoiceToggleMute{Muted: muted})
	log.Info().Str("module", "voice").Bool("muted", muted).Msg("toggled mute")
	return muted
}

func (m *Manager) isMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.Muted
}

// Close leaves any joined room and unregisters the signaling handlers.
// Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	offs := m.offs
	m.offs = nil
	m.mu.Unlock()

	m.LeaveRoom()
	for _, off := range offs {
		off()
	}
}

// pump feeds captured samples into the local track. While muted,
// samples are read and dropped so the capture cadence is preserved and
// unmuting resumes instantly.
func (m *Manager) pump(conn *Connection, reader SampleReader) {
	for {
		sample, err := reader.Read()
		if err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Str("module", "voice").Msg("capture read")
			}
			return
		}
		if m.isMuted() {
			continue
		}
		if err := conn.local.WriteSample(sample); err != nil {
			log.Warn().Err(err).Str("module", "voice").Msg("write sample")
			return
		}
	}
}

func (m *Manager) emitSignal(sig realtime.VoiceSignal) {
	if err := m.signaler.Emit(realtime.EventVoiceSignal, sig); err != nil {
		m.reportError(err)
	}
}

// handleSignal applies inbound answers and ICE candidates to the
// connection of their room. Offers are server/peer-initiated
// renegotiation, which this client does not do; they are logged and
// ignored.
func (m *Manager) handleSignal(data json.RawMessage) {
	sig, err := realtime.DecodeVoiceSignal(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "voice").Msg("dropping malformed signal")
		return
	}

	m.mu.Lock()
	conn, ok := m.conns[sig.RoomID]
	m.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "voice").Str("room", string(sig.RoomID)).Msg("signal for unjoined room")
		return
	}
	if sig.TargetUserID != "" && sig.TargetUserID != conn.UserID {
		return
	}

	switch sig.Type {
	case realtime.SignalAnswer:
		var p struct {
			SDP string `json:"sdp"`
		}
		if err := json.Unmarshal(sig.Data, &p); err != nil || p.SDP == "" {
			log.Warn().Str("module", "voice").Msg("bad answer payload")
			return
		}
		if err := conn.applyAnswer(p.SDP); err != nil {
			m.reportError(fmt.Errorf("apply answer: %w", err))
		}
	case realtime.SignalCandidate:
		var ci webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Data, &ci); err != nil {
			log.Warn().Str("module", "voice").Msg("bad candidate payload")
			return
		}
		if err := conn.addICECandidate(ci); err != nil {
			m.reportError(fmt.Errorf("add ice candidate: %w", err))
		}
	case realtime.SignalOffer:
		log.Debug().Str("module", "voice").Str("room", string(sig.RoomID)).Msg("ignoring inbound offer")
	}
}

func (m *Manager) handleVoiceError(data json.RawMessage) {
	var p realtime.VoiceError
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.reportError(fmt.Errorf("voice server error: %s", p.Message))
}

// requestJoinPermission asks the REST side whether this user may join
// the voice room before any media setup happens.
func (m *Manager) requestJoinPermission(ctx context.Context, roomID domain.RoomID, uid domain.UserID) error {
	body, err := json.Marshal(map[string]string{"userId": string(uid)})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/voice/rooms/%s/join", m.cfg.APIBase, roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("permission check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("permission denied: status %d", resp.StatusCode)
	}
	return nil
}

// RoomInfo fetches voice room metadata over REST.
func (m *Manager) RoomInfo(ctx context.Context, roomID domain.RoomID) (map[string]any, error) {
	url := fmt.Sprintf("%s/api/voice/rooms/%s", m.cfg.APIBase, roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("room info: status %d", resp.StatusCode)
	}
	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return info, nil
}
