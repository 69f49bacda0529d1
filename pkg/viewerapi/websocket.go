package viewerapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gcode-sim/pkg/log"
	"gcode-sim/pkg/playback"
	"gcode-sim/pkg/pool"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id     int64
	connID string
	name   atomic.Value

	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		connID: uuid.NewString(),
		conn:   conn,
		server: s,
		sendCh: make(chan any, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Name returns the name the client identified with.
func (c *WSClient) Name() string {
	n, _ := c.name.Load().(string)
	return n
}

// Send queues a message. A client that cannot keep up loses messages.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.WithField("client", c.id).Debug("dropping message, send buffer full")
	}
}

// Close closes the client connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.WithField("client", c.id).WithError(err).Warn("websocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			var err error
			if pm, ok := msg.(*websocket.PreparedMessage); ok {
				err = c.conn.WritePreparedMessage(pm)
			} else {
				err = c.conn.WriteJSON(msg)
			}
			if err != nil {
				c.server.logger.WithField("client", c.id).WithError(err).Debug("websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage answers one request. Seeks run on their own goroutine so a
// stop sent while one is replaying can still be read and cancel it.
func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: codeParseError, Message: "Parse error"},
		})
		return
	}
	switch req.Method {
	case "playback.jump_to", "playback.step_back":
		go c.respond(req)
	default:
		c.respond(req)
	}
}

func (c *WSClient) respond(req jsonRPCRequest) {
	ctx, cancel := c.server.requestContext()
	defer cancel()

	result, err := c.server.call(ctx, req.Method, req.Params, c)
	if err != nil {
		c.Send(jsonRPCResponse{JSONRPC: "2.0", Error: rpcError(err), ID: req.ID})
		return
	}
	c.Send(jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.metrics.ClientConnected(1)

	s.logger.WithFields(log.Fields{"client": client.id, "remote": r.RemoteAddr}).Info("websocket client connected")

	go client.writePump()

	// New viewers get the current state before the next broadcast.
	if msg, err := s.statusMessage(); err == nil {
		client.Send(msg)
	}

	client.readPump()
}

func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	_, ok := s.wsClients[client.id]
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	if ok {
		s.metrics.ClientConnected(-1)
		s.logger.WithField("client", client.id).Info("websocket client disconnected")
	}
}

func (s *Server) clientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

// broadcast encodes a notification once and queues it for every client.
func (s *Server) broadcast(method string, params ...any) {
	if s.clientCount() == 0 {
		return
	}
	data, err := json.Marshal(notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		s.logger.WithError(err).WithField("method", method).Error("encoding notification")
		return
	}
	pm, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		return
	}
	s.sendAll(pm)
}

func (s *Server) sendAll(pm *websocket.PreparedMessage) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(pm)
	}
}

// eventLoop forwards engine events until the server stops.
func (s *Server) eventLoop(events <-chan playback.Event) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.broadcast(ev.Name(), eventPayload(ev))
		}
	}
}

func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.clientCount() == 0 {
				continue
			}
			if pm, err := s.statusMessage(); err == nil {
				s.sendAll(pm)
			}
		}
	}
}

// statusMessage builds a notify_status_update from a pooled map.
func (s *Server) statusMessage() (*websocket.PreparedMessage, error) {
	status := pool.GetStatusMap()
	defer pool.PutStatusMap(status)

	status["playback"] = s.player.Snapshot()
	status["geometry"] = geometryStats(s.player.Geometry().Stats())

	eventtime := time.Since(s.startTime).Seconds()
	data, err := json.Marshal(notification{
		JSONRPC: "2.0",
		Method:  "notify_status_update",
		Params:  []any{status, eventtime},
	})
	if err != nil {
		return nil, err
	}
	return websocket.NewPreparedMessage(websocket.TextMessage, data)
}
