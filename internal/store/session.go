package store

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/domain"
)

// SessionStore is the single writer for the persisted session record
// and the device identity. Save and Clear never fail from the caller's
// point of view; backend errors are logged and swallowed.
type SessionStore struct {
	backend Backend

	mu       sync.Mutex
	session  domain.Session
	loaded   bool
	deviceID string
}

func NewSessionStore(backend Backend) *SessionStore {
	return &SessionStore{backend: backend}
}

// Save merges partial into the stored session, last writer wins per
// field, and persists the result.
func (s *SessionStore) Save(partial domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	s.session = s.session.Merge(partial)
	data, err := json.Marshal(s.session)
	if err != nil {
		log.Error().Err(err).Str("module", "store").Msg("marshal session")
		return
	}
	if err := s.backend.Save(KeySession, data); err != nil {
		log.Warn().Err(err).Str("module", "store").Msg("persist session, keeping in memory")
	}
}

// Get returns the current session. Missing or unparseable storage
// yields the zero session.
func (s *SessionStore) Get() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	return s.session
}

// Clear removes the persisted session. The device id survives.
func (s *SessionStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = domain.Session{}
	s.loaded = true
	if err := s.backend.Delete(KeySession); err != nil {
		log.Warn().Err(err).Str("module", "store").Msg("clear session")
	}
}

// SetRoom records the current room id, or forgets it when id is
// empty. Merge cannot clear fields, so this is an explicit setter.
func (s *SessionStore) SetRoom(id domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	s.session.RoomID = id
	data, err := json.Marshal(s.session)
	if err != nil {
		return
	}
	if err := s.backend.Save(KeySession, data); err != nil {
		log.Warn().Err(err).Str("module", "store").Msg("persist room id")
	}
}

// DropToken discards the stored auth token, keeping the identity
// fields. Used after the server rejects the credential.
func (s *SessionStore) DropToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	s.session.Token = ""
	data, err := json.Marshal(s.session)
	if err != nil {
		return
	}
	if err := s.backend.Save(KeySession, data); err != nil {
		log.Warn().Err(err).Str("module", "store").Msg("persist session after token drop")
	}
}

// load must be called with s.mu held.
func (s *SessionStore) load() {
	if s.loaded {
		return
	}
	s.loaded = true
	data, ok := s.backend.Load(KeySession)
	if !ok {
		return
	}
	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		log.Warn().Err(err).Str("module", "store").Msg("unparseable session, starting fresh")
		return
	}
	s.session = sess
}

// DeviceID returns the permanent random identifier for this install,
// generating and persisting it on first use. It is immutable once
// created; if persistence fails the id is stable only for this
// process life.
func (s *SessionStore) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID != "" {
		return s.deviceID
	}
	if data, ok := s.backend.Load(KeyDeviceID); ok && len(data) > 0 {
		s.deviceID = string(data)
		return s.deviceID
	}
	s.deviceID = uuid.NewString()
	if err := s.backend.Save(KeyDeviceID, []byte(s.deviceID)); err != nil {
		log.Warn().Err(err).Str("module", "store").Msg("persist device id")
	}
	return s.deviceID
}
