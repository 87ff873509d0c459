package devserver

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/domain"
)

// client is one connected peer. The mutable membership fields are read
// by broadcast paths on other connections' goroutines, so all access
// goes through the locked accessors.
type client struct {
	SID    string
	Conn   *wsConn
	Cancel context.CancelFunc

	mu      sync.Mutex
	user    domain.User
	authed  bool
	room    domain.RoomID
	inVoice bool
	muted   bool
}

// clientState is a consistent snapshot of the mutable fields.
type clientState struct {
	User    domain.User
	Authed  bool
	Room    domain.RoomID
	InVoice bool
	Muted   bool
}

func (c *client) state() clientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clientState{
		User:    c.user,
		Authed:  c.authed,
		Room:    c.room,
		InVoice: c.inVoice,
		Muted:   c.muted,
	}
}

// seedUser records the identity that rode the transport handshake,
// before the explicit auth event confirms it.
func (c *client) seedUser(user domain.User) {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
}

func (c *client) setAuth(user domain.User) {
	c.mu.Lock()
	c.user = user
	c.authed = true
	c.mu.Unlock()
}

func (c *client) identity() (domain.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user, c.authed
}

// setRoom enters a room and returns the one left behind.
func (c *client) setRoom(id domain.RoomID) (prev domain.RoomID) {
	c.mu.Lock()
	prev = c.room
	c.room = id
	c.mu.Unlock()
	return prev
}

func (c *client) currentRoom() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// leaveRoom clears the room only when it is the one being left.
func (c *client) leaveRoom(id domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != id {
		return false
	}
	c.room = ""
	return true
}

func (c *client) joinVoice(roomID domain.RoomID) {
	c.mu.Lock()
	c.room = roomID
	c.inVoice = true
	c.mu.Unlock()
}

// leaveVoice reports whether the client was in voice.
func (c *client) leaveVoice() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.inVoice
	c.inVoice = false
	return was
}

func (c *client) setMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

// registry tracks connected clients by their transport token and by
// authenticated user id. Lock order is registry before client: registry
// methods may take c.mu under r.mu, never the reverse.
type registry struct {
	mu      sync.RWMutex
	clients map[string]*client
	byUser  map[domain.UserID]string
}

func newRegistry() *registry {
	return &registry{
		clients: make(map[string]*client),
		byUser:  make(map[domain.UserID]string),
	}
}

func (r *registry) bind(sid string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[sid] = c
	log.Info().Str("module", "devserver").Str("sid", sid).Msg("client bound")
}

func (r *registry) unbind(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[sid]; ok {
		if user, authed := c.identity(); authed {
			delete(r.byUser, user.ID)
		}
	}
	delete(r.clients, sid)
	log.Info().Str("module", "devserver").Str("sid", sid).Msg("client unbound")
}

func (r *registry) get(sid string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[sid]
	return c, ok
}

// authenticate records the identity for a connection. A previous
// connection of the same user is superseded.
func (r *registry) authenticate(sid string, user domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[sid]
	if !ok {
		return
	}
	c.setAuth(user)
	r.byUser[user.ID] = sid
}

func (r *registry) byUserID(uid domain.UserID) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byUser[uid]
	if !ok {
		return nil, false
	}
	c, ok := r.clients[sid]
	return c, ok
}

// roomMates returns every other client sharing the given room.
func (r *registry) roomMates(roomID domain.RoomID, exceptSID string) []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*client
	for sid, c := range r.clients {
		if sid == exceptSID || roomID == "" || c.currentRoom() != roomID {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *registry) roomCount(roomID domain.RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.clients {
		if c.currentRoom() == roomID {
			n++
		}
	}
	return n
}
