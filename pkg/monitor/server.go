// Package monitor exposes the live machine state over HTTP and a
// websocket push stream: position, ring depth, geometry report and the
// Prometheus metrics.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	uuid "github.com/satori/go.uuid"

	"printcore/pkg/log"
	"printcore/pkg/metrics"
)

// StatusSource supplies the state snapshot pushed to clients.
type StatusSource interface {
	Status() map[string]interface{}
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. ":7125").
	Addr string

	// Source supplies status snapshots.
	Source StatusSource

	// Metrics is rendered at /metrics; optional.
	Metrics *metrics.Registry

	// PushInterval is the websocket status push period (default 1s).
	PushInterval time.Duration

	Logger *log.Logger
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Server is the monitor HTTP/websocket server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	upgrader   websocket.Upgrader

	clientMu sync.Mutex
	clients  map[string]*wsClient

	running atomic.Bool
}

// New builds a Server; call Start to listen.
func New(cfg Config) *Server {
	if cfg.PushInterval == 0 {
		cfg.PushInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New("monitor")
	}
	s := &Server{
		cfg:     cfg,
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/printer/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebsocket)
	if cfg.Metrics != nil {
		mux.HandleFunc("/metrics", s.handleMetrics)
	}
	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Start listens in the background and begins pushing status.
func (s *Server) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Errorf("listen: %v", err)
		}
	}()
	go s.pushLoop()
	s.cfg.Logger.Infof("listening on %s", s.cfg.Addr)
}

// Stop shuts the server down and disconnects all clients.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.clientMu.Lock()
	for _, c := range s.clients {
		close(c.send)
	}
	s.clients = make(map[string]*wsClient)
	s.clientMu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"result": s.cfg.Source.Status(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(s.cfg.Metrics.Render()))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Errorf("websocket upgrade: %v", err)
		return
	}

	client := &wsClient{
		id:   uuid.NewV4().String(),
		conn: conn,
		send: make(chan []byte, 8),
	}
	s.clientMu.Lock()
	s.clients[client.id] = client
	s.clientMu.Unlock()
	s.cfg.Logger.Debugf("client %s connected", client.id)

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) dropClient(c *wsClient) {
	s.clientMu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		close(c.send)
	}
	s.clientMu.Unlock()
	c.conn.Close()
}

// readPump discards inbound frames; the stream is push-only, but reading
// is required to notice disconnects and answer pings.
func (s *Server) readPump(c *wsClient) {
	defer s.dropClient(c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *wsClient) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// pushLoop broadcasts a status snapshot to every client on the interval.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()
	for s.running.Load() {
		<-ticker.C
		s.clientMu.Lock()
		if len(s.clients) == 0 {
			s.clientMu.Unlock()
			continue
		}
		msg, err := json.Marshal(map[string]interface{}{
			"method": "status_update",
			"params": s.cfg.Source.Status(),
		})
		if err != nil {
			s.clientMu.Unlock()
			continue
		}
		for _, c := range s.clients {
			select {
			case c.send <- msg:
			default: // slow client; drop this update
			}
		}
		s.clientMu.Unlock()
	}
}
