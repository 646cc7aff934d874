package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/http/middleware"
)

// DefaultMaxClients caps concurrent monitor streams.
const DefaultMaxClients = 16

// Server upgrades monitor requests to session event streams.
type Server struct {
	hub          *Hub
	logger       *zap.Logger
	writeTimeout time.Duration
	maxClients   int
	upgrader     websocket.Upgrader
}

// NewServer builds ws server.
func NewServer(hub *Hub, writeTimeout time.Duration, logger *zap.Logger) *Server {
	return &Server{
		hub:          hub,
		logger:       logger,
		writeTimeout: writeTimeout,
		maxClients:   DefaultMaxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  512,
			WriteBufferSize: 2048,
			// Monitors authenticate with a bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS is the HTTP handler for /ws/sessions.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub.Len() >= s.maxClients {
		http.Error(w, "too many monitor clients", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(uuid.NewString(), conn, s.writeTimeout, s.logger, func(id string) {
		s.hub.Remove(id)
		cancel()
	})
	s.hub.Add(client)
	go client.Start(ctx)

	subject, _ := middleware.SubjectFromContext(r.Context())
	s.logger.Info("monitor client connected",
		zap.String("client_id", client.ID()),
		zap.String("subject", subject),
		zap.String("remote", r.RemoteAddr),
		zap.Int("clients", s.hub.Len()),
	)
}
