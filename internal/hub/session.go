package hub

import (
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Session handshake states.
const (
	stateAwaitingIdentify = "awaiting_identify"
	stateAwaitingVerify   = "awaiting_verify"
	stateCaptchaPending   = "captcha_pending"
	stateVerified         = "verified"
)

// Session is one WebSocket connection. The write pump is the only
// goroutine that touches the connection for writes; everything else goes
// through the send channel.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	state     string
	agentID   string
	name      string
	pubkeyHex string
	pubkey    ed25519.PublicKey
	lurk      bool

	status     string
	statusText string

	challengeID    string
	challengeNonce string
	captchaID      string

	remoteAddr  string
	connectedAt time.Time
}

func newSession(h *Hub, conn *websocket.Conn) *Session {
	return &Session{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		state:       stateAwaitingIdentify,
		status:      "online",
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: time.Now(),
	}
}

// State returns the handshake state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// AgentID returns the assigned agent id, empty before the handshake
// completes.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// Keyed reports whether the session verified a pubkey.
func (s *Session) Keyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubkey != nil
}

// Lurking reports whether failed captcha routed the session into
// receive-only mode.
func (s *Session) Lurking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lurk
}

// sendFrame queues a frame for delivery. A session that cannot keep up
// with its send buffer is closed rather than blocking the hub.
func (s *Session) sendFrame(f *protocol.Frame) {
	raw, err := f.Encode()
	if err != nil {
		slog.Error("failed to encode frame", "type", f.Type, "error", err)
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- raw:
		metrics.FramesOut.WithLabelValues(f.Type).Inc()
	default:
		slog.Warn("dropping slow consumer", "agent_id", s.AgentID(), "remote", s.remoteAddr)
		s.close()
	}
}

// sendError emits an ERROR frame from the closed taxonomy.
func (s *Session) sendError(code, format string, args ...any) {
	metrics.Errors.WithLabelValues(code).Inc()
	s.sendFrame(protocol.Errorf(code, format, args...))
}

// close tears the session down once. The send channel stays open so late
// sendFrame calls never panic; the done channel stops the write pump and
// closing the connection unblocks the read pump, whose exit triggers hub
// cleanup.
func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// readPump owns all reads. It exits on any read error and unregisters the
// session.
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(protocol.MaxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket closed", "remote", s.remoteAddr, "error", err)
			}
			return
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			s.sendError(protocol.ErrInvalidMsg, "%v", err)
			continue
		}
		s.hub.route(s, frame)
	}
}

// writePump owns all writes, including keepalive pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case raw := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
