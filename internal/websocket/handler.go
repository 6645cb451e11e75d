package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleWebSocket upgrades the request and streams the activity of the
// owner returned by ownerOf. Requests without an owner are rejected.
// originPatterns lists extra hosts allowed to open the socket.
func HandleWebSocket(hub *Hub, ownerOf func(*http.Request) string, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerOf(r)
		if owner == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			hub.logger.Warn("websocket accept failed", "error", err)
			return
		}

		NewClient(hub, conn, owner).Run(r.Context())
	}
}
