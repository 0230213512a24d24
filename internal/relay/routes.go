package relay

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Clients are CLIs, not browsers; there is no origin to check.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs upgrades a request and attaches the connection to hub.
func ServeWs(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("failed to upgrade connection", "error", err)
			return
		}

		c := newConn(hub, ws)
		select {
		case hub.register <- c:
		case <-hub.done:
			ws.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling relay is healthy."))
}

// NewRouter serves the relay on /ws and a health check on /health.
func NewRouter(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthCheckHandler)
	mux.HandleFunc("/ws", ServeWs(hub))
	return mux
}
