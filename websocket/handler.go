package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func newUpgrader(opts Options, log *zap.Logger) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		if normalized, ok := normalizeOrigin(origin); ok {
			allowed[normalized] = struct{}{}
		}
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// non-browser clients send no Origin
			if origin == "" || opts.AllowAllOrigins {
				return true
			}
			if normalized, ok := normalizeOrigin(origin); ok {
				if _, exists := allowed[normalized]; exists {
					return true
				}
			}
			log.Warn("blocked websocket connection from disallowed origin", zap.String("origin", origin))
			return false
		},
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// HandleConnection godoc
// @Summary Open a chat connection
// @Description Upgrades to a WebSocket carrying join_room and send_message events from the client and receive_message and error events from the server. Every frame is a JSON object {"type": string, "payload": any}.
// @Tags chat
// @Success 101 {string} string "Switching Protocols"
// @Failure 400 {string} string "Not a WebSocket handshake"
// @Failure 403 {string} string "Origin not allowed"
// @Router /ws [get]
func (h *Hub) HandleConnection(c *gin.Context) {
	// Upgrade HTTP connection to WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Info("error upgrading connection", zap.String("remote_addr", c.Request.RemoteAddr), zap.Error(err))
		return
	}

	client := newClient(h, conn, c.Request.RemoteAddr)

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}
