// Package server exposes the binder sync API over HTTP.
//
// The server triggers runs, reports run status, and broadcasts run
// lifecycle events to connected WebSocket clients so dashboards can
// follow a sync without polling.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/example/cardbinder/internal/runner"
	"github.com/example/cardbinder/internal/store"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default ":8080").
	Addr string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// Server manages the HTTP API and WebSocket broadcast connections.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	runner *runner.Runner
	store  *store.Store

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan runner.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a server around an existing runner and store.
func New(r *runner.Runner, st *store.Store, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	addr := config.Addr
	if addr == "" {
		addr = ":8080"
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[server] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      addr,
		runner:    r,
		store:     st,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan runner.Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins listening and serving. It returns once the listener is
// bound; serving continues on background goroutines.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("API server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Handler returns the HTTP routes. Exposed so tests can drive the API
// without a real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/sync/", s.handleSyncStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	// Start may never have run (or failed to bind).
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

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Broadcast queues a run event for delivery to all WebSocket clients.
// Wire this as the runner's Notify callback.
func (s *Server) Broadcast(ev runner.Event) {
	select {
	case s.broadcast <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

// errorResponse is the JSON body for all non-2xx API responses.
type errorResponse struct {
	Error string `json:"error"`
}

// triggerResponse acknowledges an accepted sync trigger.
type triggerResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// handleSync triggers a new run. POST only; concurrent triggers get a
// 409 with the conflict reason.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	runID, err := s.runner.Start(r.Context())
	if err != nil {
		if errors.Is(err, runner.ErrSyncInProgress) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		s.logger.Printf("Failed to start sync: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to start sync"})
		return
	}

	writeJSON(w, http.StatusAccepted, triggerResponse{
		RunID:  runID,
		Status: string(store.RunPending),
	})
}

// statusResponse is the run snapshot served by the status endpoints.
// total_count and progress_percentage are omitted while the source has
// not reported a total, so clients can distinguish "0 of unknown" from
// "0 of N".
type statusResponse struct {
	ID                 string          `json:"id"`
	StartedAt          time.Time       `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	Status             store.RunStatus `json:"status"`
	TotalCount         *int64          `json:"total_count,omitempty"`
	ProcessedCount     int64           `json:"processed_count"`
	InsertedCount      int64           `json:"inserted_count"`
	UpdatedCount       int64           `json:"updated_count"`
	UnchangedCount     int64           `json:"unchanged_count"`
	ErrorCount         int64           `json:"error_count"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	ProgressPercentage *int            `json:"progress_percentage,omitempty"`
}

func newStatusResponse(run *store.Run) statusResponse {
	resp := statusResponse{
		ID:             run.ID,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
		Status:         run.Status,
		ProcessedCount: run.ProcessedCount,
		InsertedCount:  run.InsertedCount,
		UpdatedCount:   run.UpdatedCount,
		UnchangedCount: run.UnchangedCount,
		ErrorCount:     run.ErrorCount,
		ErrorMessage:   run.ErrorMessage,
	}
	if run.TotalCount >= 0 {
		resp.TotalCount = &run.TotalCount
	}
	if pct, ok := run.ProgressPercentage(); ok {
		resp.ProgressPercentage = &pct
	}
	return resp
}

// handleSyncStatus serves GET /api/sync/{id} and GET /api/sync/latest.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/sync/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing run ID"})
		return
	}

	var (
		run *store.Run
		err error
	)
	if id == "latest" {
		run, err = s.runner.Latest(r.Context())
	} else {
		run, err = s.runner.Status(r.Context(), id)
	}

	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
			return
		}
		s.logger.Printf("Failed to load run %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load run"})
		return
	}

	writeJSON(w, http.StatusOK, newStatusResponse(run))
}

// handleHealth reports liveness plus connected client count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleWebSocket upgrades connections for run event streaming.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// broadcastLoop fans queued events out to every connected client.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot
			// stall connect/disconnect handling.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

// readLoop keeps the connection alive and detects client disconnects.
// Client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", clientCount)
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
