package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents connect from anywhere; identity comes from the handshake,
	// not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Router builds the HTTP surface: the websocket endpoint plus the
// operational endpoints.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return r
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.Serve(newSession(h, conn))
}

type healthResponse struct {
	Status          string `json:"status"`
	Server          string `json:"server"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Agents          int    `json:"agents"`
	Channels        int    `json:"channels"`
	ActiveProposals int    `json:"active_proposals"`
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		Server:          h.cfg.Server.Name,
		UptimeSeconds:   int64(h.Uptime() / time.Second),
		Agents:          h.connectedCount(),
		Channels:        h.channels.Count(),
		ActiveProposals: h.proposals.CountActive(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
