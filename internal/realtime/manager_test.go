package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wasel-chat/wasel/internal/backoff"
	"github.com/wasel-chat/wasel/internal/domain"
	"github.com/wasel-chat/wasel/internal/queue"
	"github.com/wasel-chat/wasel/internal/store"
)

// wsServer is a scripted endpoint: each accepted connection surfaces on
// the conns channel and its inbound frames on serverConn.frames, so a
// test plays the server side by hand.
type wsServer struct {
	srv      *httptest.Server
	conns    chan *serverConn
	autoPong atomic.Bool
}

type serverConn struct {
	ws       *websocket.Conn
	frames   chan Frame
	autoPong *atomic.Bool

	// Serializes writes: the auto-pong reply runs on the read loop
	// while tests write from their own goroutine.
	wmu sync.Mutex
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *serverConn, 4)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{ws: ws, frames: make(chan Frame, 64), autoPong: &s.autoPong}
		go sc.readLoop()
		s.conns <- sc
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(3 * time.Second):
		t.Fatal("no client connected")
		return nil
	}
}

func (s *wsServer) expectNoConn(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-s.conns:
		t.Fatal("unexpected reconnection")
	case <-time.After(within):
	}
}

func (sc *serverConn) readLoop() {
	for {
		_, raw, err := sc.ws.ReadMessage()
		if err != nil {
			close(sc.frames)
			return
		}
		f, err := DecodeFrame(raw)
		if err != nil {
			continue
		}
		if f.Event == EventPing && sc.autoPong.Load() {
			sc.send(EventPong, nil)
			continue
		}
		sc.frames <- f
	}
}

func (sc *serverConn) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f, ok := <-sc.frames:
		if !ok {
			t.Fatal("server side closed while waiting for a frame")
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return Frame{}
}

func (sc *serverConn) expect(t *testing.T, event string) Frame {
	t.Helper()
	f := sc.next(t)
	if f.Event != event {
		t.Fatalf("got event %q, want %q", f.Event, event)
	}
	return f
}

func (sc *serverConn) send(event string, payload any) {
	f, err := NewFrame(event, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	_ = sc.ws.WriteMessage(websocket.TextMessage, data)
}

// closeNormal performs a clean websocket closure, the deliberate kind.
func (sc *serverConn) closeNormal() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = sc.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	time.Sleep(50 * time.Millisecond)
	_ = sc.ws.Close()
}

// drop kills the TCP connection without a close frame, the crash kind.
func (sc *serverConn) drop() {
	_ = sc.ws.Close()
}

func newTestManager(t *testing.T, url string, mut func(*Config)) (*Manager, *store.SessionStore, *queue.Queue) {
	t.Helper()
	backend := store.NewMemoryBackend()
	st := store.NewSessionStore(backend)
	q := queue.New(backend, 0)
	cfg := Config{
		URL:          url,
		DialTimeout:  2 * time.Second,
		AuthTimeout:  2 * time.Second,
		PingInterval: time.Hour,
		PongTimeout:  time.Hour,
		Backoff:      backoff.Policy{Initial: 20 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
	}
	if mut != nil {
		mut(&cfg)
	}
	m := New(cfg, st, q)
	t.Cleanup(m.Close)
	return m, st, q
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestQueuedEventsFlushAfterAuth(t *testing.T) {
	s := newWSServer(t)
	m, st, q := newTestManager(t, s.url(), nil)
	st.Save(domain.Session{UserID: "u1", Username: "sara"})

	// Offline emits buffer instead of failing.
	for i := 0; i < 3; i++ {
		if err := m.Emit("sendMessage", map[string]int{"n": i}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("queue depth = %d, want 3", q.Len())
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sc := s.accept(t)

	// The handshake is the first frame on the wire, before anything
	// queued.
	f := sc.expect(t, EventAuth)
	var req AuthRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		t.Fatal(err)
	}
	if req.UserID != "u1" || req.Username != "sara" || req.Reconnect {
		t.Errorf("auth request = %+v", req)
	}

	sc.send(EventAuthSuccess, AuthSuccess{User: domain.User{ID: "u1", Username: "sara"}, Token: "tok"})

	// Queued intents replay in insertion order.
	for i := 0; i < 3; i++ {
		f := sc.expect(t, "sendMessage")
		var p map[string]int
		if err := json.Unmarshal(f.Data, &p); err != nil {
			t.Fatal(err)
		}
		if p["n"] != i {
			t.Errorf("flush %d carried n=%d", i, p["n"])
		}
	}
	waitFor(t, "queue not drained", func() bool { return q.Len() == 0 })
	waitFor(t, "never authenticated", func() bool { return m.State() == StateAuthenticated })

	if got := st.Get().Token; got != "tok" {
		t.Errorf("persisted token = %q, want %q", got, "tok")
	}

	// While authenticated, emits bypass the queue.
	if err := m.Emit("sendMessage", map[string]string{"text": "live"}); err != nil {
		t.Fatal(err)
	}
	sc.expect(t, "sendMessage")
	if q.Len() != 0 {
		t.Errorf("live emit landed in the queue")
	}
}

// hookBackend lets a test run code on persistence writes.
type hookBackend struct {
	store.Backend

	mu     sync.Mutex
	onSave func(key string)
}

func (b *hookBackend) Save(key string, data []byte) error {
	b.mu.Lock()
	hook := b.onSave
	b.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return b.Backend.Save(key, data)
}

func (b *hookBackend) setHook(fn func(key string)) {
	b.mu.Lock()
	b.onSave = fn
	b.mu.Unlock()
}

func TestEmitDuringAuthFlushCannotOvertakeQueue(t *testing.T) {
	s := newWSServer(t)
	hb := &hookBackend{Backend: store.NewMemoryBackend()}
	st := store.NewSessionStore(hb)
	q := queue.New(hb, 0)
	m := New(Config{
		URL:          s.url(),
		DialTimeout:  2 * time.Second,
		AuthTimeout:  2 * time.Second,
		PingInterval: time.Hour,
		PongTimeout:  time.Hour,
		Backoff:      backoff.Policy{Initial: 20 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
	}, st, q)
	t.Cleanup(m.Close)
	st.Save(domain.Session{UserID: "u1", Username: "sara"})

	for i := 0; i < 3; i++ {
		if err := m.Emit("sendMessage", map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	// The session persist runs inside the auth-success handling; an
	// emit fired from there is the tightest race against the flush and
	// must still land behind every queued intent.
	var once sync.Once
	hb.setHook(func(key string) {
		if key != store.KeySession {
			return
		}
		once.Do(func() {
			_ = m.Emit("sendMessage", map[string]string{"text": "late"})
		})
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc := s.accept(t)
	sc.expect(t, EventAuth)
	sc.send(EventAuthSuccess, AuthSuccess{User: domain.User{ID: "u1", Username: "sara"}, Token: "tok"})

	for i := 0; i < 3; i++ {
		f := sc.expect(t, "sendMessage")
		var p map[string]int
		if err := json.Unmarshal(f.Data, &p); err != nil {
			t.Fatal(err)
		}
		if p["n"] != i {
			t.Fatalf("delivery %d carried %s, queued order broken", i, f.Data)
		}
	}
	f := sc.expect(t, "sendMessage")
	var late map[string]string
	if err := json.Unmarshal(f.Data, &late); err != nil {
		t.Fatal(err)
	}
	if late["text"] != "late" {
		t.Errorf("fourth delivery = %s, want the racing emit", f.Data)
	}
}

func TestReconnectReplaysRoom(t *testing.T) {
	s := newWSServer(t)
	m, st, _ := newTestManager(t, s.url(), nil)
	st.Save(domain.Session{UserID: "u1", Username: "sara"})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc1 := s.accept(t)
	sc1.expect(t, EventAuth)
	sc1.send(EventAuthSuccess, AuthSuccess{User: domain.User{ID: "u1", Username: "sara"}})
	waitFor(t, "never authenticated", func() bool { return m.State() == StateAuthenticated })

	if err := m.JoinRoom("general"); err != nil {
		t.Fatal(err)
	}
	f := sc1.expect(t, EventJoinRoom)
	var join JoinRoomRequest
	if err := json.Unmarshal(f.Data, &join); err != nil {
		t.Fatal(err)
	}
	if join.RoomID != "general" || join.UserID != "u1" {
		t.Errorf("join request = %+v", join)
	}

	// Unclean drop: the manager must come back on its own and restore
	// the room without caller involvement.
	sc1.drop()
	sc2 := s.accept(t)

	f = sc2.expect(t, EventAuth)
	var req AuthRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		t.Fatal(err)
	}
	if !req.Reconnect {
		t.Error("reconnect handshake not flagged as such")
	}
	sc2.send(EventAuthSuccess, AuthSuccess{User: domain.User{ID: "u1", Username: "sara"}})

	f = sc2.expect(t, EventJoinRoom)
	if err := json.Unmarshal(f.Data, &join); err != nil {
		t.Fatal(err)
	}
	if join.RoomID != "general" {
		t.Errorf("replayed room = %q, want %q", join.RoomID, "general")
	}

	waitFor(t, "attempt counter not reset", func() bool {
		snap := m.Snapshot()
		return snap.State == StateAuthenticated && snap.Attempts == 0
	})
}

func TestDisconnectIsQuiet(t *testing.T) {
	s := newWSServer(t)
	m, st, _ := newTestManager(t, s.url(), nil)
	st.Save(domain.Session{UserID: "u1", Username: "sara"})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc := s.accept(t)
	sc.expect(t, EventAuth)
	sc.send(EventAuthSuccess, AuthSuccess{User: domain.User{ID: "u1", Username: "sara"}})
	waitFor(t, "never authenticated", func() bool { return m.State() == StateAuthenticated })
	if err := m.JoinRoom("general"); err != nil {
		t.Fatal(err)
	}
	sc.expect(t, EventJoinRoom)

	m.Disconnect()
	if got := m.State(); got != StateDisconnected {
		t.Errorf("state after Disconnect = %v", got)
	}
	if got := m.CurrentRoom(); got != "" {
		t.Errorf("room remembered across Disconnect: %q", got)
	}
	s.expectNoConn(t, 300*time.Millisecond)

	// The manager stays usable: a manual Connect starts over.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc2 := s.accept(t)
	sc2.expect(t, EventAuth)
}

func TestServerNormalCloseStopsRetry(t *testing.T) {
	s := newWSServer(t)
	m, st, _ := newTestManager(t, s.url(), nil)
	st.Save(domain.Session{UserID: "u1", Username: "sara"})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc := s.accept(t)
	sc.expect(t, EventAuth)
	sc.send(EventAuthSuccess, AuthSuccess{User: domain.User{ID: "u1", Username: "sara"}})
	waitFor(t, "never authenticated", func() bool { return m.State() == StateAuthenticated })
	if err := m.JoinRoom("general"); err != nil {
		t.Fatal(err)
	}
	sc.expect(t, EventJoinRoom)

	sc.closeNormal()
	waitFor(t, "state never settled", func() bool { return m.State() == StateDisconnected })
	if got := m.CurrentRoom(); got != "" {
		t.Errorf("room survived a deliberate closure: %q", got)
	}
	s.expectNoConn(t, 300*time.Millisecond)
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	s := newWSServer(t)
	m, st, _ := newTestManager(t, s.url(), func(c *Config) {
		c.PingInterval = 30 * time.Millisecond
		c.PongTimeout = 30 * time.Millisecond
	})
	st.Save(domain.Session{UserID: "u1", Username: "sara"})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc1 := s.accept(t)
	sc1.expect(t, EventAuth)
	sc1.send(EventAuthSuccess, AuthSuccess{User: domain.User{ID: "u1", Username: "sara"}})

	// A probe arrives and goes unanswered; the manager must declare the
	// transport dead and dial again.
	sc1.expect(t, EventPing)
	sc2 := s.accept(t)
	sc2.expect(t, EventAuth)
}

func TestHeartbeatPongKeepsConnection(t *testing.T) {
	s := newWSServer(t)
	s.autoPong.Store(true)
	m, st, _ := newTestManager(t, s.url(), func(c *Config) {
		c.PingInterval = 20 * time.Millisecond
		c.PongTimeout = 40 * time.Millisecond
	})
	st.Save(domain.Session{UserID: "u1", Username: "sara"})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc := s.accept(t)
	sc.expect(t, EventAuth)
	sc.send(EventAuthSuccess, AuthSuccess{User: domain.User{ID: "u1", Username: "sara"}})
	waitFor(t, "never authenticated", func() bool { return m.State() == StateAuthenticated })

	// Several ping cycles pass with answers; nothing recycles.
	time.Sleep(150 * time.Millisecond)
	if got := m.State(); got != StateAuthenticated {
		t.Errorf("state = %v after answered pings", got)
	}
	s.expectNoConn(t, 50*time.Millisecond)
}

func TestDialFailureSchedulesRetry(t *testing.T) {
	m, _, _ := newTestManager(t, "ws://127.0.0.1:1/ws", func(c *Config) {
		c.Backoff = backoff.Policy{Initial: time.Hour, Max: time.Hour, Factor: 1}
	})

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect against a dead endpoint returned nil")
	}
	snap := m.Snapshot()
	if !snap.Reconnecting {
		t.Errorf("not reconnecting after dial failure: %+v", snap)
	}
	if snap.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", snap.Attempts)
	}
	if snap.LastError == nil {
		t.Error("last error not recorded")
	}
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	m, _, _ := newTestManager(t, "ws://127.0.0.1:1/ws", func(c *Config) {
		c.Backoff = backoff.Policy{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond, Factor: 1}
		c.MaxAttempts = 2
	})
	errs := make(chan error, 16)
	m.OnError(func(err error) { errs <- err })

	_ = m.Connect(context.Background())

	deadline := time.After(3 * time.Second)
	for {
		select {
		case err := <-errs:
			if strings.Contains(err.Error(), "exhausted") {
				waitFor(t, "state not settled after giving up", func() bool {
					return m.State() == StateDisconnected
				})
				return
			}
		case <-deadline:
			t.Fatal("never reported exhaustion")
		}
	}
}

func TestAuthErrorDropsToken(t *testing.T) {
	s := newWSServer(t)
	m, st, _ := newTestManager(t, s.url(), nil)
	st.Save(domain.Session{UserID: "u1", Username: "sara", Token: "stale-tok"})
	errs := make(chan error, 16)
	m.OnError(func(err error) { errs <- err })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc := s.accept(t)
	f := sc.expect(t, EventAuth)
	var req AuthRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		t.Fatal(err)
	}
	if req.Token != "stale-tok" {
		t.Errorf("handshake token = %q", req.Token)
	}

	sc.send(EventAuthError, AuthError{Message: "token expired"})

	waitFor(t, "token not dropped", func() bool { return st.Get().Token == "" })
	if got := st.Get(); got.UserID != "u1" {
		t.Errorf("identity lost with the token: %+v", got)
	}
	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "authentication rejected") {
			t.Errorf("reported error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("rejection never reported")
	}
	// Transport stays open, unauthenticated, waiting for fresh
	// credentials.
	if got := m.State(); got != StateConnected {
		t.Errorf("state after authError = %v", got)
	}
}

func TestExpiredTokenNeverSent(t *testing.T) {
	s := newWSServer(t)
	m, st, _ := newTestManager(t, s.url(), nil)
	st.Save(domain.Session{UserID: "u1", Username: "sara", Token: expiredJWT(t)})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc := s.accept(t)
	f := sc.expect(t, EventAuth)
	var req AuthRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		t.Fatal(err)
	}
	if req.Token != "" {
		t.Errorf("expired token crossed the wire: %q", req.Token)
	}
	if req.UserID != "u1" {
		t.Errorf("identity missing from handshake: %+v", req)
	}
	waitFor(t, "expired token not purged", func() bool { return st.Get().Token == "" })
}

func TestEmitAfterClose(t *testing.T) {
	m, _, _ := newTestManager(t, "ws://127.0.0.1:1/ws", nil)
	m.Close()

	if err := m.Emit("sendMessage", nil); err != ErrClosed {
		t.Errorf("Emit after Close = %v, want ErrClosed", err)
	}
	if err := m.Connect(context.Background()); err != ErrClosed {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	if err := m.JoinRoom("general"); err != ErrClosed {
		t.Errorf("JoinRoom after Close = %v, want ErrClosed", err)
	}
}

func TestHandlerRegistry(t *testing.T) {
	m, _, _ := newTestManager(t, "ws://127.0.0.1:1/ws", nil)

	var got []string
	off1 := m.On("roomUpdate", func(data json.RawMessage) {
		got = append(got, "first:"+string(data))
	})
	m.On("roomUpdate", func(data json.RawMessage) {
		got = append(got, "second:"+string(data))
	})

	m.dispatch("roomUpdate", json.RawMessage(`1`))
	off1()
	m.dispatch("roomUpdate", json.RawMessage(`2`))
	off1() // removing twice is harmless

	want := []string{"first:1", "second:1", "second:2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("dispatch order = %v, want %v", got, want)
	}
}
