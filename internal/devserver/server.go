// Package devserver is a local peer speaking the client's wire
// protocol: auth handshake, room events, ping/pong liveness and voice
// signaling relay, plus the REST endpoints the voice manager consults.
// It keeps everything in memory; it exists for development and
// integration tests, not production.
package devserver

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/config"
	"github.com/wasel-chat/wasel/internal/domain"
)

type Server struct {
	secret   string
	registry *registry
}

func New(secret string) *Server {
	return &Server{
		secret:   secret,
		registry: newRegistry(),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientTokenMiddleware gives every browser/process a stable transport
// token via cookie, falling back to the X-Device-ID header for
// non-cookie clients.
func clientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = c.GetHeader("X-Device-ID")
		}
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter builds the gin engine serving the ws endpoint and the
// voice REST endpoints.
func SetupRouter(ctx context.Context, cfg *config.Config, srv *Server) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("WaselSessions", store))
	r.Use(clientTokenMiddleware())

	r.GET("/ws", func(c *gin.Context) {
		srv.handleWS(ctx, c)
	})

	api := r.Group("/api")
	api.POST("/voice/rooms/:id/join", srv.handleVoiceJoinPermission)
	api.GET("/voice/rooms/:id", srv.handleVoiceRoomInfo)

	return r
}

func (s *Server) handleWS(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	log.Info().Str("module", "devserver").Str("sid", sid).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "devserver").Msg("ws upgrade")
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	conn := newWSConn(ws)
	cl := &client{SID: sid, Conn: conn, Cancel: cancel}

	// Token on the transport handshake authenticates early, before
	// the explicit auth event arrives.
	if auth := c.GetHeader("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		if user, err := verifyToken(s.secret, auth[7:]); err == nil {
			cl.seedUser(user)
		}
	}

	s.registry.bind(sid, cl)

	go conn.writePump(connCtx)
	go s.readPump(connCtx, cl)
}

func (s *Server) readPump(ctx context.Context, cl *client) {
	defer func() {
		log.Info().Str("module", "devserver").Str("sid", cl.SID).Msg("readPump closing")
		s.dropClient(cl)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := cl.Conn.ws.ReadMessage()
			if err != nil {
				return
			}
			s.handleFrame(cl, data)
		}
	}
}

func (s *Server) dropClient(cl *client) {
	st := cl.state()
	if st.InVoice {
		s.broadcastVoice(cl, "voice:user-left", voicePeerPayload(cl))
	}
	s.registry.unbind(cl.SID)
	cl.Cancel()
	cl.Conn.close()
	if st.Room != "" {
		s.broadcastRoomUpdate(st.Room)
	}
}

// handleVoiceJoinPermission is the REST permission check consulted
// before a client opens a peer connection. The dev policy admits
// everyone.
func (s *Server) handleVoiceJoinPermission(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing room id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "roomId": roomID})
}

func (s *Server) handleVoiceRoomInfo(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{
		"id":          roomID,
		"memberCount": s.registry.roomCount(roomID),
	})
}
