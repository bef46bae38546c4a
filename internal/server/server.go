// Package server exposes the sync engine over HTTP: the apply and snapshot
// write paths, the read-side fetch, and a WebSocket channel that pushes
// revision advances to connected clients so they learn about remote writes
// without polling.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mgrattan/permitsync/internal/record"
	"github.com/mgrattan/permitsync/internal/store"
)

// Store is the engine surface the server needs. *store.Store satisfies it;
// tests may substitute a stub.
type Store interface {
	ApplyChanges(ctx context.Context, tenant string, req store.ApplyRequest) (store.ApplyResult, error)
	SaveSnapshot(ctx context.Context, tenant string, req store.SnapshotRequest) (store.ApplyResult, error)
	FetchSnapshot(ctx context.Context, tenant string) (store.Snapshot, error)
	FetchLiveState(ctx context.Context, tenant string) (uint64, record.Bundle, error)
}

// RevisionEvent is broadcast to every WebSocket client after a successful
// apply or snapshot.
type RevisionEvent struct {
	Tenant    string    `json:"tenant"`
	Revision  uint64    `json:"revision"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8787").
	Addr string

	// AuthToken is the shared bearer credential. Empty disables auth.
	AuthToken string

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// Server carries the sync operations over HTTP and manages WebSocket
// subscribers.
type Server struct {
	addr     string
	token    string
	store    Store
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan RevisionEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a server around a store. The server must be started with
// Start before it accepts connections.
func New(st Store, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	addr := config.Addr
	if addr == "" {
		addr = ":8787"
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      addr,
		token:     config.AuthToken,
		store:     st,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan RevisionEvent, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins listening and serving. It returns once the listener is
// bound; serving continues in the background until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/state/{tenant}/apply", s.requireAuth(s.handleApply))
	mux.HandleFunc("POST /v1/state/{tenant}/snapshot", s.requireAuth(s.handleSnapshot))
	mux.HandleFunc("GET /v1/state/{tenant}", s.requireAuth(s.handleFetch))
	mux.HandleFunc("GET /v1/ws", s.requireAuth(s.handleWebSocket))
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server and closes all WebSocket
// connections.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	// A server that was never started has nothing to shut down.
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	return nil
}

// notifyRevision queues a revision event for broadcast. Never blocks a
// request handler: if the channel is full the event is dropped, and clients
// catch up on their next fetch.
func (s *Server) notifyRevision(event RevisionEvent) {
	select {
	case s.broadcast <- event:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping revision event")
	}
}

// broadcastLoop fans revision events out to all connected clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case event := <-s.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Printf("Failed to marshal revision event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades the connection and registers the client for
// revision events. The read loop exists only to detect disconnects;
// clients never send anything meaningful.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket accept failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("WebSocket client connected (%d total)", count)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.removeClient(conn)
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

// removeClient unregisters and closes a WebSocket connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	s.clientsMu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
