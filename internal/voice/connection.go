package voice

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/domain"
)

// Connection wraps one peer connection for one voice room. Remote
// tracks are keyed by their stream id (peers publish under their user
// id) and never shared across rooms.
type Connection struct {
	RoomID domain.RoomID
	UserID domain.UserID

	pc    *webrtc.PeerConnection
	local *webrtc.TrackLocalStaticSample

	mu            sync.RWMutex
	remoteStreams map[string]*webrtc.TrackRemote
	closed        bool

	onICE    func(webrtc.ICECandidateInit)
	onState  func(webrtc.PeerConnectionState)
	onClosed func()
}

// DefaultRTCConfig is used when no STUN servers are configured.
func DefaultRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

func newConnection(cfg webrtc.Configuration, roomID domain.RoomID, userID domain.UserID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{
		RoomID:        roomID,
		UserID:        userID,
		pc:            pc,
		remoteStreams: make(map[string]*webrtc.TrackRemote),
	}, nil
}

// start wires the pion callbacks. Must be called before signaling.
func (c *Connection) start() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "voice").Str("room", string(c.RoomID)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "voice").Str("room", string(c.RoomID)).Str("peer_state", s.String()).Msg("peer state")
		if c.onState != nil {
			c.onState(s)
		}
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			if c.onClosed != nil {
				c.onClosed()
			}
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "voice").
			Str("room", string(c.RoomID)).
			Str("kind", track.Kind().String()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		c.mu.Lock()
		c.remoteStreams[track.StreamID()] = track
		c.mu.Unlock()
	})
}

func (c *Connection) addLocalTrack(track *webrtc.TrackLocalStaticSample) error {
	_, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.local = track
	return nil
}

// createOffer produces the local SDP offer to send over signaling.
func (c *Connection) createOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// applyAnswer installs the remote answer received out of band.
func (c *Connection) applyAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (c *Connection) addICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// RemoteStreams returns a snapshot of remote tracks keyed by stream id.
func (c *Connection) RemoteStreams() map[string]*webrtc.TrackRemote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*webrtc.TrackRemote, len(c.remoteStreams))
	for k, v := range c.remoteStreams {
		out[k] = v
	}
	return out
}

// close is idempotent.
func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.remoteStreams = make(map[string]*webrtc.TrackRemote)
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "voice").Str("room", string(c.RoomID)).Msg("close peer connection")
	} else {
		log.Info().Str("module", "voice").Str("room", string(c.RoomID)).Msg("peer connection closed")
	}
}
