package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/rottym/fambam/internal/auth"
	"github.com/rottym/fambam/internal/optimistic"
)

// HandleWebSocket returns an HTTP handler that upgrades connections to
// WebSocket and runs them as Hub clients. It must run behind the identity
// middleware.
func HandleWebSocket(hub *Hub, windows Windows, writer optimistic.Writer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.FromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // Allow connections from any origin (family LAN)
		})
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		client := NewClient(hub, conn, actor, windows, writer, logger)
		client.Run(r.Context())
		conn.Close(ws.StatusNormalClosure, "")
	}
}
