// Package relay implements the signaling relay: a WebSocket router that
// forwards offers, answers and candidates between registered identities.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/haneulee/HEAD-plaza/pkg/signal"
)

const (
	defaultPath      = "/myapp"
	defaultWriteWait = 5 * time.Second
	defaultReadWait  = 30 * time.Second
)

// Config configures the relay server.
type Config struct {
	// Path is the WebSocket endpoint. Identities register with ?id=<identity>.
	Path string

	// ReadWait is how long a socket may stay silent (no message, no ping)
	// before it is dropped.
	ReadWait time.Duration

	WriteWait time.Duration
	Logger    *zap.Logger
}

// Server routes signaling messages between identities.
type Server struct {
	config   Config
	log      *zap.Logger
	registry *Registry
	upgrader websocket.Upgrader

	mu   sync.Mutex
	open map[signal.PeerID]int
}

// NewServer creates a relay server.
func NewServer(config Config) *Server {
	if config.Path == "" {
		config.Path = defaultPath
	}
	if config.ReadWait <= 0 {
		config.ReadWait = defaultReadWait
	}
	if config.WriteWait <= 0 {
		config.WriteWait = defaultWriteWait
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Server{
		config:   config,
		log:      log.Named("relay"),
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		open: make(map[signal.PeerID]int),
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"peers":  s.registry.Len(),
		})
	})
	return mux
}

// Registry exposes the identity registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// OpenSockets returns how many sockets are currently open for id.
func (s *Server) OpenSockets(id signal.PeerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[id]
}

func (s *Server) track(id signal.PeerID, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open[id] += delta
	if s.open[id] <= 0 {
		delete(s.open, id)
	}
}

// handleWebSocket registers the socket under its ?id= identity and routes
// its messages until it closes or is displaced.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	id := signal.PeerID(r.URL.Query().Get("id"))
	peer := newPeer(id, conn, s.config.WriteWait)
	if id == "" {
		msg, _ := signal.New(signal.TypeError, "", signal.ErrorPayload{Reason: signal.ReasonMissingID})
		_ = peer.SendMessage(msg)
		peer.Close(websocket.ClosePolicyViolation, signal.ReasonMissingID)
		return
	}

	s.register(peer)
	defer s.unregister(peer)

	if err := peer.SendMessage(signal.Message{Type: signal.TypeOpen, Dst: id}); err != nil {
		s.log.Warn("Sending registration ack failed", zap.String("peer", string(id)), zap.Error(err))
		return
	}

	s.readLoop(peer)
}

func (s *Server) register(peer *Peer) {
	if old := s.registry.Register(peer); old != nil {
		s.log.Info("Identity re-registered, displacing previous socket", zap.String("peer", string(peer.ID)))
		s.closePeer(old, websocket.ClosePolicyViolation, "displaced")
	}
	s.track(peer.ID, 1)
	s.log.Info("Peer registered", zap.String("peer", string(peer.ID)))
}

func (s *Server) unregister(peer *Peer) {
	if s.registry.Remove(peer) {
		s.log.Info("Peer disconnected", zap.String("peer", string(peer.ID)))
	}
	s.closePeer(peer, websocket.CloseNormalClosure, "")
}

func (s *Server) closePeer(peer *Peer, code int, reason string) {
	if peer.Close(code, reason) {
		s.track(peer.ID, -1)
	}
}

// Disconnect drops the socket registered for id.
func (s *Server) Disconnect(id signal.PeerID) bool {
	peer := s.registry.Get(id)
	if peer == nil {
		return false
	}
	s.log.Info("Disconnecting peer", zap.String("peer", string(id)))
	s.closePeer(peer, websocket.CloseGoingAway, "disconnected")
	return true
}

func (s *Server) readLoop(peer *Peer) {
	conn := peer.Conn
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadWait))
	}
	extend()
	conn.SetPingHandler(func(appData string) error {
		extend()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.config.WriteWait))
	})

	for {
		var msg signal.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("WebSocket read error", zap.String("peer", string(peer.ID)), zap.Error(err))
			}
			return
		}
		extend()

		switch msg.Type {
		case signal.TypeOffer, signal.TypeAnswer, signal.TypeCandidate, signal.TypeReject:
			s.route(peer, msg)

		case signal.TypeHeartbeat:

		default:
			s.log.Debug("Ignoring message", zap.String("peer", string(peer.ID)), zap.String("type", string(msg.Type)))
		}
	}
}

// route forwards msg to its destination, stamping the sender identity.
func (s *Server) route(from *Peer, msg signal.Message) {
	msg.Src = from.ID
	if msg.Dst == "" {
		s.replyError(from, signal.TypeError, "", msg.Call, signal.ReasonInvalid)
		return
	}

	target := s.registry.Get(msg.Dst)
	if target == nil {
		s.log.Debug("Destination not registered",
			zap.String("peer", string(from.ID)),
			zap.String("dst", string(msg.Dst)),
			zap.String("type", string(msg.Type)))
		// Candidates for a missing peer are dropped silently; the offer or
		// answer that goes with them already reported the failure.
		if msg.Type != signal.TypeCandidate {
			s.replyError(from, signal.TypeUnavailable, msg.Dst, msg.Call, string(msg.Type))
		}
		return
	}

	if err := target.SendMessage(msg); err != nil {
		s.log.Warn("Forwarding failed",
			zap.String("peer", string(from.ID)),
			zap.String("dst", string(msg.Dst)),
			zap.Error(err))
		s.replyError(from, signal.TypeUnavailable, msg.Dst, msg.Call, string(msg.Type))
	}
}

func (s *Server) replyError(to *Peer, t signal.Type, about signal.PeerID, call, reason string) {
	msg, err := signal.New(t, to.ID, signal.ErrorPayload{Reason: reason})
	if err != nil {
		return
	}
	msg.Src = about
	msg.Call = call
	if err := to.SendMessage(msg); err != nil {
		s.log.Debug("Replying failed", zap.String("peer", string(to.ID)), zap.Error(err))
	}
}
