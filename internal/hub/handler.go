package hub

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP connections to WebSocket clients of one
// Hub, mirroring the teacher's gateway/websocket Handler but over the
// standard library's http.Handler instead of gin.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler builds an http.Handler wiring new connections into hub.
func NewHandler(h *Hub, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{hub: h, logger: log.WithFields(zap.String("component", "hub_handler"))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("client connected", zap.String("clientId", clientID), zap.String("remoteAddr", r.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(r.Context())
}
