package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	hub    *WSHub
	server *Server
}

func newWSClient(conn *websocket.Conn, s *Server) *WSClient {
	return &WSClient{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		hub:    s.hub,
		server: s,
	}
}

// close marks the client as gone. The send channel is never closed so late
// responses from transmit goroutines cannot panic.
func (c *WSClient) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue queues a message for the write pump. It reports false once the
// client is gone.
func (c *WSClient) enqueue(message []byte) bool {
	select {
	case c.send <- message:
		return true
	case <-c.done:
		return false
	}
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	quit       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		quit:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than stall the listener.
					client.close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and disconnects every client. It is safe to call twice.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends message to every client. It is dropped once the hub stopped.
func (h *WSHub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.quit:
	}
}

// BroadcastEvent sends an unsolicited message of msgType to every client.
func (h *WSHub) BroadcastEvent(msgType string, payload interface{}) {
	message, err := encodeEvent(msgType, payload)
	if err != nil {
		logging.Error(logging.CatWebSocket, "Failed to encode event", map[string]any{
			"type":  msgType,
			"error": err.Error(),
		})
		return
	}
	h.Broadcast(message)
}

func encodeEvent(msgType string, payload interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: msgType, Payload: payloadBytes})
}

func (h *WSHub) add(c *WSClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *WSHub) remove(c *WSClient) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"remoteAddr": r.RemoteAddr,
	})

	client := newWSClient(conn, s)
	if !s.hub.add(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.hub.remove(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "transmit":
		c.handleTransmit(msg.ID, msg.Payload)
	case "start_listening":
		c.handleStartListening(msg.ID, msg.Payload)
	case "stop_listening":
		c.handleStopListening(msg.ID)
	case "listener_status":
		c.sendResponse(msg.ID, "listener_status", c.server.listenerStatus())
	case "version":
		c.sendResponse(msg.ID, "version", versionInfo())
	case "health":
		c.sendResponse(msg.ID, "health", c.server.health())
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.enqueue(responseBytes)
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.enqueue(responseBytes)
}

// readerRequest selects a reader by index or name.
type readerRequest struct {
	ReaderIndex *int   `json:"readerIndex"`
	Reader      string `json:"reader"`
}

func (c *WSClient) handleListReaders(id string) {
	readers, err := c.server.readers.DescribeReaders()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "readers", readers)
}

func (c *WSClient) handleTransmit(id string, payload json.RawMessage) {
	var req struct {
		readerRequest
		APDU string `json:"apdu"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	apdu, err := parseAPDU(req.APDU)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	reader, err := c.server.resolveReader(req.ReaderIndex, req.Reader)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	// Exchanges can take a while; keep reading other requests meanwhile.
	go func() {
		defer logging.RecoverAndLog("WebSocket transmit", false)

		ctx, cancel := context.WithTimeout(context.Background(), c.server.transmitTimeout)
		defer cancel()

		rsp, err := c.server.readers.Transmit(ctx, reader, apdu)
		if err != nil {
			c.sendError(id, err.Error())
			return
		}
		c.sendResponse(id, "transmit_result", map[string]string{
			"reader":   reader,
			"response": encodeHex(rsp),
		})
	}()
}

func (c *WSClient) handleStartListening(id string, payload json.RawMessage) {
	var req readerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	reader, err := c.server.resolveReader(req.ReaderIndex, req.Reader)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	if err := c.server.StartListening(reader); err != nil {
		c.sendError(id, err.Error())
		return
	}

	logging.Info(logging.CatWebSocket, "Client started listener", map[string]any{
		"reader": reader,
	})
	c.sendResponse(id, "listening", c.server.listenerStatus())
}

func (c *WSClient) handleStopListening(id string) {
	if err := c.server.StopListening(); err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "listener_stopped", c.server.listenerStatus())
}
