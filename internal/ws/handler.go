package ws

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dez2003/bio-for-dummies/internal/agent"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler serves GET /session.
type Handler struct {
	manager *agent.Manager
	// frames per second accepted from one client; excess frames are dropped
	rate rate.Limit
	log  *zap.Logger
}

func NewHandler(m *agent.Manager, framesPerSecond int, logger *zap.Logger) *Handler {
	if framesPerSecond <= 0 {
		framesPerSecond = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: m, rate: rate.Limit(framesPerSecond), log: logger}
}

// Serve upgrades the request and runs the session until the client leaves.
// The optional id query parameter names the session; otherwise one is generated.
func (h *Handler) Serve(c echo.Context) error {
	id := c.QueryParam("id")
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := h.manager.Get(id); exists {
		return echo.NewHTTPError(http.StatusConflict, "session already connected")
	}

	raw, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return nil
	}
	conn := NewConn(raw)
	defer conn.Close()

	log := h.log.With(zap.String("session", id))
	sess, err := h.manager.Open(context.Background(), id, conn, conn)
	if err != nil {
		log.Warn("open session failed", zap.Error(err))
		return nil
	}
	defer func() {
		if err := h.manager.Close(id); err != nil {
			log.Warn("close session", zap.Error(err))
		}
	}()
	log.Info("session connected")

	h.readLoop(raw, sess, log)
	log.Info("session disconnected")
	return nil
}

func (h *Handler) readLoop(raw *websocket.Conn, sess *agent.Session, log *zap.Logger) {
	limiter := rate.NewLimiter(h.rate, int(h.rate))
	dropped := 0
	for {
		kind, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("ws read error", zap.Error(err))
			}
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if !limiter.Allow() {
				dropped++
				if dropped%100 == 1 {
					log.Warn("inbound audio over rate, dropping frames", zap.Int("dropped", dropped))
				}
				continue
			}
			sess.WriteAudio(data)
		case websocket.TextMessage:
			// invalid control is logged by the session and ignored
			_ = sess.HandleControl(data)
		}
	}
}
