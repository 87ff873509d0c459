package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/backoff"
	"github.com/wasel-chat/wasel/internal/config"
	"github.com/wasel-chat/wasel/internal/domain"
	"github.com/wasel-chat/wasel/internal/queue"
	"github.com/wasel-chat/wasel/internal/realtime"
	"github.com/wasel-chat/wasel/internal/store"
	"github.com/wasel-chat/wasel/internal/voice"
)

type chatMessage struct {
	RoomID   domain.RoomID `json:"roomId,omitempty"`
	Username string        `json:"username,omitempty"`
	Text     string        `json:"text"`
	SentAt   time.Time     `json:"sentAt"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var backend store.Backend
	fb, err := store.NewFileBackend(cfg.DataDir)
	if err != nil {
		log.Warn().Err(err).Msg("file storage unavailable, falling back to memory")
		backend = store.NewMemoryBackend()
	} else {
		backend = fb
	}

	sessions := store.NewSessionStore(backend)
	q := queue.New(backend, cfg.QueueCap)

	manager := realtime.New(realtime.Config{
		URL:          cfg.ServerURL,
		DialTimeout:  cfg.DialTimeout,
		AuthTimeout:  cfg.AuthTimeout,
		PingInterval: cfg.PingInterval,
		PongTimeout:  cfg.PongTimeout,
		Backoff: backoff.Policy{
			Initial: cfg.BackoffInitial,
			Max:     cfg.BackoffMax,
			Factor:  cfg.BackoffFactor,
			Jitter:  0.1,
		},
		MaxAttempts: cfg.MaxAttempts,
	}, sessions, q)
	defer manager.Close()

	manager.OnStateChange(func(sc realtime.StateChange) {
		fmt.Printf("* connection: %s\n", sc.To)
	})
	manager.OnError(func(err error) {
		fmt.Printf("* error: %v\n", err)
	})
	manager.On("sendMessage", func(data json.RawMessage) {
		var msg chatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		fmt.Printf("[%s] %s: %s\n", msg.RoomID, msg.Username, msg.Text)
	})

	var rtcCfg webrtc.Configuration
	if len(cfg.STUNServers) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}
	voiceMgr := voice.NewManager(voice.Config{APIBase: cfg.APIBase, RTC: rtcCfg}, manager, sessions, backend)
	defer voiceMgr.Close()
	voiceMgr.OnError(func(err error) {
		fmt.Printf("* voice error: %v\n", err)
	})

	if err := manager.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}

	fmt.Println("commands: /login <name>, /join <room>, /leave, /voice <room>, /mute, /hangup, /quit")
	go inputLoop(ctx, cancel, manager, voiceMgr, sessions)

	<-ctx.Done()
	fmt.Println("bye")
}

func inputLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	manager *realtime.Manager,
	voiceMgr *voice.Manager,
	sessions *store.SessionStore,
) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "/quit":
			cancel()
			return
		case "/login":
			if arg == "" {
				fmt.Println("usage: /login <name>")
				continue
			}
			sessions.Save(domain.Session{
				UserID:   domain.UserID(arg),
				Username: arg,
				UserType: "member",
			})
			manager.Disconnect()
			if err := manager.Connect(ctx); err != nil {
				fmt.Printf("* connect: %v\n", err)
			}
		case "/join":
			if err := manager.JoinRoom(domain.RoomID(arg)); err != nil {
				fmt.Printf("* join: %v\n", err)
			}
		case "/leave":
			if room := manager.CurrentRoom(); room != "" {
				_ = manager.LeaveRoom(room)
			}
		case "/voice":
			if err := voiceMgr.JoinRoom(ctx, domain.RoomID(arg)); err != nil {
				fmt.Printf("* voice: %v\n", err)
			}
		case "/mute":
			fmt.Printf("* muted: %v\n", voiceMgr.ToggleMute())
		case "/hangup":
			voiceMgr.LeaveRoom()
		default:
			sess := sessions.Get()
			err := manager.Emit("sendMessage", chatMessage{
				RoomID:   manager.CurrentRoom(),
				Username: sess.Username,
				Text:     line,
				SentAt:   time.Now(),
			})
			if err != nil {
				fmt.Printf("* send: %v\n", err)
			}
		}
	}
}
