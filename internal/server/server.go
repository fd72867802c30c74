package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HealthChecker reports whether the instance can reach the rest of the fleet.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Server is the transport of one relay instance.
type Server struct {
	cfg      Config
	hub      *Hub
	health   HealthChecker
	origins  *originPolicy
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// New builds a Server. cfg is sanitized; sessions receives all client
// traffic and health backs the /health endpoint.
func New(cfg Config, sessions Sessions, health HealthChecker, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = sanitize(cfg)

	s := &Server{
		cfg:     cfg,
		hub:     NewHub(sessions, log.Named("hub")),
		health:  health,
		origins: newOriginPolicy(cfg.AllowedOrigins, log),
		log:     log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  readBufSize,
		WriteBufferSize: writeBufSize,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Hub returns the server's client hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// StartHub runs the hub in its own goroutine. Call it before serving.
func (s *Server) StartHub() {
	go s.hub.Run()
	s.log.Info("hub started and ready to manage websocket connections")
}

// Shutdown stops the hub and disconnects every client.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}
