// Package server coordinates client registration, session hand-off, and
// connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/roomrelay/internal/presence"
)

// Sessions is the chat protocol driven by the hub and its clients.
type Sessions interface {
	Connect(conn presence.Conn) error
	Handle(ctx context.Context, conn presence.Conn, raw []byte)
	Disconnect(ctx context.Context, id string)
}

// Hub tracks the live WebSocket clients of one instance. Registration
// connects the client to the session layer and starts its pumps;
// unregistration disconnects it and closes its send queue.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	sessions   Sessions
	log        *zap.Logger
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub handing client traffic to sessions.
func NewHub(sessions Sessions, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		sessions:   sessions,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		h.log.Warn("received nil client registration; skipping")
		return
	}

	if err := h.sessions.Connect(client); err != nil {
		h.log.Error("rejecting client", zap.String("conn", client.id), zap.Error(err))
		client.closeSend()
		if client.conn != nil {
			_ = client.conn.Close()
		}
		return
	}

	h.mutex.Lock()
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()
	h.log.Info("client registered",
		zap.String("conn", client.id),
		zap.String("addr", client.addr),
		zap.Int("total", clientCount))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) handleUnregister(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.sessions.Disconnect(h.ctx, client.id)
	client.closeSend()
	h.log.Info("client unregistered",
		zap.String("conn", client.id),
		zap.String("addr", client.addr),
		zap.Int("total", clientCount))
}

// shutdownClients disconnects every remaining client from the session layer
// and closes its socket.
func (h *Hub) shutdownClients() {
	h.log.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mutex.Unlock()

	for _, client := range clients {
		h.sessions.Disconnect(context.Background(), client.id)
		client.closeSend()
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn("closing client connection", zap.String("conn", client.id), zap.Error(err))
			}
		}
	}

	h.log.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown stops the hub and waits for all client goroutines to finish, or
// for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
