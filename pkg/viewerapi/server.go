// Package viewerapi exposes a playback engine to viewers over HTTP and a
// JSON-RPC 2.0 websocket. Engine events are forwarded as notifications and
// a status snapshot is broadcast periodically.
package viewerapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gcode-sim/pkg/errors"
	"gcode-sim/pkg/geometry"
	"gcode-sim/pkg/log"
	"gcode-sim/pkg/metrics"
	"gcode-sim/pkg/playback"
)

// Player is the engine surface the server drives.
type Player interface {
	Dispatch(ctx context.Context, a playback.Action) error
	Snapshot() playback.Snapshot
	Subscribe(buf int) (<-chan playback.Event, func())
	Geometry() *geometry.Buffer
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7125")
	Addr   string
	Player Player

	// StatusInterval is the notify_status_update period; 250ms when zero.
	StatusInterval time.Duration
	// RequestTimeout bounds a single control request, seeks included.
	RequestTimeout time.Duration

	Metrics *metrics.SimMetrics
	Logger  *log.Logger
}

// Server serves the viewer API.
type Server struct {
	player  Player
	metrics *metrics.SimMetrics
	logger  *log.Logger

	httpServer *http.Server
	addr       string

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	statusInterval time.Duration
	requestTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	running   atomic.Bool
	startTime time.Time
}

// New creates a viewer API server.
func New(cfg Config) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 250 * time.Millisecond // 4 Hz update rate
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger("viewerapi")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		player:         cfg.Player,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		addr:           cfg.Addr,
		wsClients:      make(map[int64]*WSClient),
		statusInterval: cfg.StatusInterval,
		requestTimeout: cfg.RequestTimeout,
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // viewers are served from anywhere
		},
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/playback/state", s.handleState)
	mux.HandleFunc("/playback/geometry", s.handleGeometry)
	mux.HandleFunc("/playback/control", s.handleControl)
	return s.corsMiddleware(mux)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves the API on l until Stop.
func (s *Server) Serve(l net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.startLoops()
	s.logger.WithField("addr", l.Addr().String()).Info("viewer API listening")
	err := s.httpServer.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) startLoops() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	events, unsubscribe := s.player.Subscribe(1024)
	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		defer unsubscribe()
		s.eventLoop(events)
	}()
	go func() {
		defer s.loops.Done()
		s.statusBroadcastLoop()
	}()
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)
	s.cancel()

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.metrics.ClientConnected(-len(s.wsClients))
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.loops.Wait()
	return err
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Data carries the error code name, e.g. SEEK_TIMEOUT.
	Data string `json:"data,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

func rpcError(err error) *jsonRPCError {
	e := &jsonRPCError{Code: codeServerError, Message: err.Error()}
	switch code := errors.CodeOf(err); code {
	case "":
		if _, ok := err.(methodNotFound); ok {
			e.Code = codeMethodNotFound
		}
	case errors.ErrInvalidArgument:
		e.Code = codeInvalidParams
		e.Data = string(code)
	default:
		e.Data = string(code)
	}
	return e
}

func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.requestTimeout)
}

// call dispatches one method and records it.
func (s *Server) call(ctx context.Context, method string, params map[string]any, client *WSClient) (any, error) {
	result, err := s.dispatchMethod(ctx, method, params, client)
	status := "ok"
	if err != nil {
		status = "error"
		s.logger.WithFields(log.Fields{"method": method}).WithError(err).Debug("request failed")
	}
	s.metrics.RecordRequest(method, status)
	return result, err
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo(), nil
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	case "playback.state":
		return s.player.Snapshot(), nil
	case "playback.geometry":
		return geometryPayload(s.player.Geometry().Snapshot()), nil
	}

	name, ok := strings.CutPrefix(method, "playback.")
	if !ok {
		return nil, methodNotFound(method)
	}
	action, err := parseAction(name, params)
	if err != nil {
		return nil, err
	}
	if err := s.player.Dispatch(ctx, action); err != nil {
		return nil, err
	}
	return s.player.Snapshot(), nil
}

type methodNotFound string

func (m methodNotFound) Error() string { return "method not found: " + string(m) }

func (s *Server) methodServerInfo() map[string]any {
	hostname, _ := os.Hostname()
	snap := s.player.Snapshot()

	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()

	return map[string]any{
		"session_id":      snap.SessionID,
		"state":           snap.State,
		"websocket_count": clients,
		"uptime":          time.Since(s.startTime).Seconds(),
		"hostname":        hostname,
		"api_version":     []int{1, 0, 0},
		"notifications": []string{
			"notify_playback_state",
			"notify_segments",
			"notify_buffer_changed",
			"notify_load_progress",
			"notify_seek_progress",
			"notify_error",
			"notify_status_update",
		},
	}
}

func (s *Server) methodIdentify(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, errors.New(errors.ErrInvalidArgument, "identify requires a websocket connection")
	}
	if name, ok := params["client_name"].(string); ok {
		client.name.Store(name)
	}
	s.logger.WithFields(log.Fields{"client": client.id, "name": client.Name()}).Info("client identified")
	return map[string]any{"connection_id": client.connID}, nil
}

// REST endpoint handlers

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: codeParseError, Message: "Parse error"},
		})
		return
	}

	ctx, cancel := s.requestContext()
	defer cancel()
	result, err := s.call(ctx, req.Method, req.Params, nil)
	if err != nil {
		s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Error: rpcError(err), ID: req.ID})
		return
	}
	s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordRequest("GET /server/info", "ok")
	s.writeJSON(w, map[string]any{"result": s.methodServerInfo()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordRequest("GET /playback/state", "ok")
	s.writeJSON(w, map[string]any{"result": s.player.Snapshot()})
}

func (s *Server) handleGeometry(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordRequest("GET /playback/geometry", "ok")
	s.writeJSON(w, map[string]any{"result": geometryPayload(s.player.Geometry().Snapshot())})
}

// handleControl applies a JSON action such as {"action":"jump_to","index":42}.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.metrics.RecordRequest("POST /playback/control", "error")
		s.writeJSONError(w, http.StatusBadRequest, errors.Wrap(err, errors.ErrInvalidArgument, "invalid body"))
		return
	}
	name, _ := params["action"].(string)

	ctx, cancel := s.requestContext()
	defer cancel()
	result, err := s.call(ctx, "playback."+name, params, nil)
	if err != nil {
		s.writeJSONError(w, httpStatus(err), err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func httpStatus(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrInvalidArgument, errors.ErrState:
		return http.StatusBadRequest
	case errors.ErrSeekTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCancelled:
		return http.StatusConflict
	case "":
		if _, ok := err.(methodNotFound); ok {
			return http.StatusNotFound
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": rpcError(err)})
}
