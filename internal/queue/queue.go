// Package queue buffers outbound events that could not be sent while
// the transport was down or unauthenticated. The queue is persisted so
// a restart does not lose queued intents, and replayed FIFO once the
// connection authenticates. Delivery is at-least-once: callers must
// tolerate idempotent replays.
package queue

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/store"
)

const (
	// MaxRetries is the per-message delivery attempt cap.
	MaxRetries = 3
	// MaxAge is how long a persisted entry survives a reload before it
	// is considered an abandoned intent and dropped.
	MaxAge = 5 * time.Minute
	// DefaultCap bounds the queue; beyond it the oldest entry is
	// evicted to make room.
	DefaultCap = 100
)

// Message is a single queued outbound event.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Retries   int             `json:"retries"`
}

// ErrRetryLater tells Drain that delivery could not even be attempted
// this pass (the transport was momentarily saturated, say). The message
// is kept as-is without consuming a retry.
var ErrRetryLater = errors.New("retry later")

// SendFunc attempts delivery of one event over the live transport.
type SendFunc func(event string, data json.RawMessage) error

// Queue is an ordered, bounded-lifetime buffer of outbound events.
// Order is always insertion order; retries never reorder.
type Queue struct {
	backend store.Backend
	cap     int

	mu       sync.Mutex
	messages []Message
}

// New loads the persisted queue, garbage-collecting entries older than
// MaxAge before exposing it.
func New(backend store.Backend, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	q := &Queue{backend: backend, cap: capacity}
	q.load()
	return q
}

func (q *Queue) load() {
	data, ok := q.backend.Load(store.KeyMessageQueue)
	if !ok {
		return
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		log.Warn().Err(err).Str("module", "queue").Msg("unparseable queue, starting empty")
		return
	}
	cutoff := time.Now().Add(-MaxAge)
	fresh := msgs[:0]
	for _, m := range msgs {
		if m.Timestamp.After(cutoff) {
			fresh = append(fresh, m)
		}
	}
	if dropped := len(msgs) - len(fresh); dropped > 0 {
		log.Info().Str("module", "queue").Int("dropped", dropped).Msg("expired queued messages")
	}
	q.messages = fresh
	q.persist()
}

// persist must be called with q.mu held (or from a single-owner path).
func (q *Queue) persist() {
	data, err := json.Marshal(q.messages)
	if err != nil {
		log.Error().Err(err).Str("module", "queue").Msg("marshal queue")
		return
	}
	if err := q.backend.Save(store.KeyMessageQueue, data); err != nil {
		log.Warn().Err(err).Str("module", "queue").Msg("persist queue, keeping in memory")
	}
}

// Enqueue appends an event with a fresh id and zero retries.
func (q *Queue) Enqueue(event string, data json.RawMessage) Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := Message{
		ID:        uuid.NewString(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now(),
	}
	q.messages = append(q.messages, m)
	if len(q.messages) > q.cap {
		evicted := q.messages[0]
		q.messages = q.messages[1:]
		log.Warn().Str("module", "queue").Str("event", evicted.Event).Msg("queue full, evicting oldest")
	}
	q.persist()
	log.Debug().Str("module", "queue").Str("event", event).Int("depth", len(q.messages)).Msg("queued")
	return m
}

// Drain attempts delivery oldest-first. A delivered message leaves the
// queue; a failed one has its retry count bumped and is dropped once
// it reaches MaxRetries, except for ErrRetryLater which keeps the
// message untouched. Messages enqueued while Drain runs are not
// touched in this pass.
func (q *Queue) Drain(send SendFunc) {
	q.mu.Lock()
	pending := make([]Message, len(q.messages))
	copy(pending, q.messages)
	q.mu.Unlock()

	var kept []Message
	for _, m := range pending {
		if err := send(m.Event, m.Data); err != nil {
			if errors.Is(err, ErrRetryLater) {
				kept = append(kept, m)
				continue
			}
			m.Retries++
			if m.Retries >= MaxRetries {
				log.Warn().Str("module", "queue").Str("event", m.Event).Str("id", m.ID).Msg("dropping after retry cap")
				continue
			}
			kept = append(kept, m)
			continue
		}
		log.Debug().Str("module", "queue").Str("event", m.Event).Msg("flushed")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// Preserve anything enqueued behind the drained snapshot.
	tail := q.messages[len(pending):]
	q.messages = append(kept, tail...)
	q.persist()
}

// Len reports the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Messages returns a snapshot in queue order.
func (q *Queue) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.messages))
	copy(out, q.messages)
	return out
}
