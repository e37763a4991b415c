package webrtc

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/exopticon/exopticon/internal/router"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the one HTTP surface this core owns: the WebRTC signaling
// WebSocket upgrade endpoint. The admin CRUD surface is explicitly out of
// scope (spec.md Non-goals).
type Server struct {
	router  *router.Router
	demux   *Demux
	hostIPs []string
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer constructs the signaling HTTP handler.
func NewServer(r *router.Router, demux *Demux, hostIPs []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		router:   r,
		demux:    demux,
		hostIPs:  hostIPs,
		log:      logger.With("component", "webrtc-server"),
		sessions: make(map[string]*Session),
	}
}

// Handler returns the chi-routed HTTP handler exposing only the signaling
// WebSocket endpoint under allowedOrigins.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/ws", s.handleWebSocket)

	return r
}

func (s *Server) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess, err := NewSession(SessionConfig{
		ID:      uuid.NewString(),
		WS:      conn,
		Router:  s.router,
		HostIPs: s.hostIPs,
		Demux:   s.demux,
		Logger:  s.log,
	})
	if err != nil {
		s.log.Error("failed to create peer session", "error", err)
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	}()

	sess.Run()
}

// SessionCount reports how many Peer Sessions are currently connected, used
// by diagnostics.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
