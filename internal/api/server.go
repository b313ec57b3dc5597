// Package api serves the read-only status surface for the sibling
// dashboard: JSON views of the persisted state files, a Prometheus
// endpoint, a WebSocket push of engine notifications, and the HTTP
// bridge into the remote command source. Nothing here mutates engine
// state directly; the close and stop commands flow through the same
// command queue the engine polls.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/command"
	"github.com/ver3-trading/engine/internal/metrics"
	"github.com/ver3-trading/engine/internal/store"
	"github.com/ver3-trading/engine/pkg/types"
)

// Server is the HTTP/WebSocket status server.
type Server struct {
	logger   *zap.Logger
	store    *store.Store
	commands *command.ChanSource
	router   *mux.Router
	http     *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// commandRequest is the POST /command body.
type commandRequest struct {
	Kind string `json:"kind"`
	Coin string `json:"coin,omitempty"`
}

// New creates the server. commands may be nil to disable the command
// bridge; m may be nil to disable /metrics.
func New(logger *zap.Logger, listen string, st *store.Store, commands *command.ChanSource, m *metrics.Metrics) *Server {
	s := &Server{
		logger:   logger.Named("api"),
		store:    st,
		commands: commands,
		router:   mux.NewRouter(),
		clients:  make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/factors", s.handleFactors).Methods("GET")
	s.router.HandleFunc("/api/v1/history", s.handleHistory).Methods("GET")
	s.router.HandleFunc("/api/v1/performance", s.handlePerformance).Methods("GET")
	s.router.HandleFunc("/api/v1/journal", s.handleJournal).Methods("GET")
	if commands != nil {
		s.router.HandleFunc("/api/v1/command", s.handleCommand).Methods("POST")
	}
	if m != nil {
		s.router.Handle("/metrics", m.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.http = &http.Server{
		Addr:         listen,
		Handler:      cors.Default().Handler(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("status server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, c := range s.clients {
		close(c.send)
		delete(s.clients, id)
	}
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

// Send implements notify.Notifier: engine notifications are pushed to
// every connected WebSocket client.
func (s *Server) Send(ctx context.Context, msg string) error {
	payload, err := json.Marshal(map[string]any{
		"type":      "notification",
		"msg":       msg,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer: drop the connection rather than the engine.
			close(c.send)
			delete(s.clients, id)
		}
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.LoadEngineState())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.LoadPositions()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if positions == nil {
		positions = []*types.Position{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleFactors(w http.ResponseWriter, r *http.Request) {
	rec := s.store.LoadFactors()
	if rec == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no factors computed yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.LoadDailyHistory())
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.LoadPerformance())
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.LoadJournal())
}

// handleCommand bridges HTTP into the engine's command queue and waits
// briefly for the reply.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	kind := command.Kind(req.Kind)
	switch kind {
	case command.KindStatus, command.KindPositions, command.KindFactors, command.KindStop:
	case command.KindClose:
		if req.Coin == "" {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "close requires coin"})
			return
		}
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown command"})
		return
	}

	reply := make(chan string, 1)
	if !s.commands.Submit(command.Command{Kind: kind, Coin: req.Coin, Reply: reply}) {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "command queue full"})
		return
	}

	select {
	case msg := <-reply:
		s.writeJSON(w, http.StatusOK, map[string]string{"result": msg})
	case <-time.After(10 * time.Second):
		s.writeJSON(w, http.StatusAccepted, map[string]string{"result": "queued"})
	case <-r.Context().Done():
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	c := &client{conn: conn, send: make(chan []byte, 64)}

	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()

	s.logger.Debug("websocket client connected", zap.String("client", id))

	go s.writePump(id, c)
	s.readPump(id, c)
}

func (s *Server) readPump(id string, c *client) {
	defer func() {
		s.mu.Lock()
		if cur, ok := s.clients[id]; ok && cur == c {
			close(c.send)
			delete(s.clients, id)
		}
		s.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	for {
		// Clients are listen-only; any read error ends the session.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(id string, c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
