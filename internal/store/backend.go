// Package store persists the client's small local records: the session,
// the device identity, the outbound message queue and voice settings.
// Persistence is advisory. The in-memory state stays authoritative for
// the current process life; a failing backend degrades features, it
// never fails them.
package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Storage keys shared with the rest of the client.
const (
	KeySession       = "chat_session"
	KeyDeviceID      = "device_id"
	KeyMessageQueue  = "socket_message_queue"
	KeyVoiceSettings = "voice_settings"
)

// Backend is the capability interface for durable key/value blobs.
// Callers may ignore Save/Delete errors; Load reports presence, not
// failure.
type Backend interface {
	Load(key string) ([]byte, bool)
	Save(key string, data []byte) error
	Delete(key string) error
}

// FileBackend keeps each key as a JSON file under a data directory.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(key string) string {
	// Keys are internal constants; the replace guards against
	// separators sneaking in from config.
	name := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(b.dir, name+".json")
}

func (b *FileBackend) Load(key string) ([]byte, bool) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (b *FileBackend) Save(key string, data []byte) error {
	tmp := b.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path(key))
}

func (b *FileBackend) Delete(key string) error {
	err := os.Remove(b.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MemoryBackend is the test double and the silent fallback when the
// file backend cannot be created.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (b *MemoryBackend) Load(key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.data[key]
	return data, ok
}

func (b *MemoryBackend) Save(key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.data[key] = cp
	return nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}
