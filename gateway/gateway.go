// Package gateway serves the work cell's status surface over HTTP: REST
// endpoints for dashboards, health and metrics for operations, and a
// websocket stream that pushes live snapshots and cell events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nombers/test-sorter/audit"
	"github.com/nombers/test-sorter/errors"
	"github.com/nombers/test-sorter/health"
	"github.com/nombers/test-sorter/inventory"
	"github.com/nombers/test-sorter/metric"
	"github.com/nombers/test-sorter/natsclient"
	"github.com/nombers/test-sorter/operator"
	"github.com/nombers/test-sorter/pkg/buffer"
)

// Websocket message types.
const (
	MessageStatus = "status"
	MessageEvent  = "event"
)

const (
	broadcastInterval = time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 30 * time.Second

	defaultCycleHistory     = 20
	defaultPlacementHistory = 50
	maxHistoryLimit         = 500

	defaultEventBacklog = 128
)

// Envelope frames every websocket message so clients can demultiplex
// the stream.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StatusSource reports where the coordination loop currently is.
type StatusSource interface {
	Phase() string
	CycleID() string
}

// Config carries the gateway's listen settings.
type Config struct {
	Address string

	// EventBacklog is how many recent bus events are kept for replay
	// to late websocket subscribers and GET /api/events. Zero or
	// negative uses the default.
	EventBacklog int
}

// Deps collects the gateway's collaborators. Audit, Registry and NATS
// are optional; endpoints depending on them degrade to empty answers.
type Deps struct {
	Model    *inventory.Model
	Source   StatusSource
	Coord    *operator.Coordinator
	Monitor  *health.Monitor
	Registry *metric.Registry
	Audit    *audit.Store
	NATS     *natsclient.Client
	Prefix   string
	Logger   *slog.Logger
}

// Server is the HTTP and websocket status gateway.
type Server struct {
	addr     string
	model    *inventory.Model
	source   StatusSource
	coord    *operator.Coordinator
	monitor  *health.Monitor
	registry *metric.Registry
	audit    *audit.Store
	nats     *natsclient.Client
	prefix   string
	logger   *slog.Logger

	upgrader websocket.Upgrader
	backlog  *buffer.Ring[json.RawMessage]

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*wsClient

	mu       sync.Mutex
	ln       net.Listener
	server   *http.Server
	shutdown chan struct{}
	wg       *sync.WaitGroup

	msgCounter atomic.Uint64
}

// wsClient is one connected websocket consumer. The write mutex is
// required: gorilla connections do not tolerate concurrent writers.
type wsClient struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a stopped gateway server.
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case cfg.Address == "":
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "listen address is required")
	case deps.Model == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "inventory model is required")
	case deps.Source == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "status source is required")
	case deps.Coord == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "coordinator is required")
	case deps.Monitor == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "health monitor is required")
	case deps.Logger == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "logger is required")
	}

	backlogSize := cfg.EventBacklog
	if backlogSize <= 0 {
		backlogSize = defaultEventBacklog
	}

	return &Server{
		addr:     cfg.Address,
		model:    deps.Model,
		source:   deps.Source,
		coord:    deps.Coord,
		monitor:  deps.Monitor,
		registry: deps.Registry,
		audit:    deps.Audit,
		nats:     deps.NATS,
		prefix:   deps.Prefix,
		logger:   deps.Logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		backlog: buffer.NewRing[json.RawMessage](backlogSize),
		clients: make(map[*websocket.Conn]*wsClient),
	}, nil
}

// Name implements component.Lifecycle.
func (s *Server) Name() string { return "gateway" }

// Initialize implements component.Lifecycle.
func (s *Server) Initialize() error { return nil }

// Start binds the listener and launches the server and broadcast
// goroutines.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Gateway", "Start", "listen on "+s.addr)
	}
	s.ln = ln

	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.shutdown = make(chan struct{})
	s.wg = &sync.WaitGroup{}

	s.wg.Add(2)
	go s.serve()
	go s.broadcastLoop()

	if s.nats != nil {
		subject := s.prefix + ".events.>"
		if err := s.nats.Subscribe(ctx, subject, s.relayEvent); err != nil {
			s.logger.Warn("event relay unavailable, websocket serves snapshots only", "error", err)
		}
	}

	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains the HTTP server and closes every websocket client.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	server := s.server
	shutdown := s.shutdown
	wg := s.wg
	s.server = nil
	s.ln = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	close(shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown incomplete", "error", err)
	}

	// Websocket connections are hijacked, so Shutdown does not end them;
	// closing them is what unblocks the reader goroutines.
	s.closeAllClients()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("gateway goroutines still running after timeout")
	}
	return nil
}

// BoundAddr reports the bound listen address, useful when the
// configured address carries port zero.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// ClientCount reports how many websocket consumers are connected.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/racks", s.handleRacks)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.registry != nil {
		mux.Handle("GET /metrics", metric.Handler(s.registry))
	}
	return mux
}

func (s *Server) serve() {
	s.mu.Lock()
	server, ln, wg := s.server, s.ln, s.wg
	s.mu.Unlock()
	defer wg.Done()
	if server == nil || ln == nil {
		return
	}

	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.logger.Error("gateway serve failed", "error", err)
	}
}

// statusPayload is the /api/status answer and the websocket snapshot.
type statusPayload struct {
	Phase     string                 `json:"phase"`
	CycleID   string                 `json:"cycle_id,omitempty"`
	Operator  string                 `json:"operator_state"`
	Inventory inventory.SystemStatus `json:"inventory"`
}

func (s *Server) status() statusPayload {
	return statusPayload{
		Phase:     s.source.Phase(),
		CycleID:   s.source.CycleID(),
		Operator:  s.coord.State(),
		Inventory: s.model.Snapshot(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleRacks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.model.Snapshot().Racks)
}

// historyPayload is the /api/history answer, newest first.
type historyPayload struct {
	Cycles     []audit.CycleRecord     `json:"cycles"`
	Placements []audit.PlacementRecord `json:"placements"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	cycleLimit := queryLimit(r, "cycles", defaultCycleHistory)
	placementLimit := queryLimit(r, "placements", defaultPlacementHistory)

	cycles, err := s.audit.RecentCycles(r.Context(), cycleLimit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	placements, err := s.audit.RecentPlacements(r.Context(), placementLimit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	if cycles == nil {
		cycles = []audit.CycleRecord{}
	}
	if placements == nil {
		placements = []audit.PlacementRecord{}
	}
	s.writeJSON(w, http.StatusOK, historyPayload{Cycles: cycles, Placements: placements})
}

func queryLimit(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}

// eventsPayload is the /api/events answer: the buffered event
// envelopes, oldest first.
type eventsPayload struct {
	Events []json.RawMessage `json:"events"`
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, eventsPayload{Events: s.backlog.Snapshot()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := s.monitor.AggregateHealth("tubesort")
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("response marshal failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	data, _ := json.Marshal(map[string]any{"error": message, "status": code})
	_, _ = w.Write(data)
}

// handleWebSocket upgrades the connection, sends one immediate snapshot
// so a fresh dashboard paints at once, and keeps the client until it
// disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Stop clears the server under mu, so an Add taken here always lands
	// before the shutdown wait observes a drained counter.
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	wg := s.wg
	wg.Add(1)
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wg.Done()
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn}
	s.clientsMu.Lock()
	s.clients[conn] = c
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Info("websocket client connected", "clients", count)

	s.sendTo(c, s.envelope(MessageStatus, s.status()))
	for _, frame := range s.backlog.Snapshot() {
		s.sendTo(c, frame)
	}

	go s.readClient(c, wg)
}

// readClient drains inbound frames to keep the connection's control
// handling alive; the stream is one-directional. Closing the
// connection is what ends the loop.
func (s *Server) readClient(c *wsClient, wg *sync.WaitGroup) {
	defer wg.Done()
	defer s.removeClient(c)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(c *wsClient) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		s.clientsMu.Lock()
		delete(s.clients, c.conn)
		count := len(s.clients)
		s.clientsMu.Unlock()
		_ = c.conn.Close()
		s.logger.Info("websocket client disconnected", "clients", count)
	})
}

func (s *Server) closeAllClients() {
	s.clientsMu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		s.removeClient(c)
	}
}

// broadcastLoop pushes periodic snapshots and pings on one goroutine.
func (s *Server) broadcastLoop() {
	s.mu.Lock()
	shutdown, wg := s.shutdown, s.wg
	s.mu.Unlock()
	defer wg.Done()

	statusTicker := time.NewTicker(broadcastInterval)
	defer statusTicker.Stop()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-statusTicker.C:
			if s.ClientCount() > 0 {
				s.broadcast(s.envelope(MessageStatus, s.status()))
			}
		case <-pingTicker.C:
			s.pingClients()
		}
	}
}

// relayEvent buffers one bus event for replay and forwards it to every
// websocket client.
func (s *Server) relayEvent(_ context.Context, data []byte) {
	frame := s.envelope(MessageEvent, json.RawMessage(data))
	if frame == nil {
		return
	}
	s.backlog.Push(json.RawMessage(frame))
	s.broadcast(frame)
}

func (s *Server) envelope(kind string, payload any) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("payload marshal failed", "type", kind, "error", err)
		return nil
	}
	env := Envelope{
		Type:      kind,
		ID:        fmt.Sprintf("msg-%d-%d", time.Now().UnixMilli(), s.msgCounter.Add(1)),
		Timestamp: time.Now().UnixMilli(),
		Payload:   body,
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("envelope marshal failed", "type", kind, "error", err)
		return nil
	}
	return data
}

// broadcast fans a frame out to every client concurrently. A client
// that cannot take the frame within the write deadline is dropped; a
// stalled dashboard must not hold the stream for the others.
func (s *Server) broadcast(data []byte) {
	if data == nil {
		return
	}

	s.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		if !c.closed.Load() {
			clients = append(clients, c)
		}
	}
	s.clientsMu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *wsClient) {
			defer wg.Done()
			s.sendTo(c, data)
		}(c)
	}
	wg.Wait()
}

func (s *Server) sendTo(c *wsClient, data []byte) {
	if data == nil || c.closed.Load() {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.removeClient(c)
	}
}

func (s *Server) pingClients() {
	s.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		if !c.closed.Load() {
			clients = append(clients, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			s.removeClient(c)
		}
	}
}
