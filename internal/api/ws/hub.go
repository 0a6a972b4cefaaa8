package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/trackd/internal/observability"
	"github.com/your-org/trackd/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client is one connected WebSocket subscriber. An empty stream means the
// client receives events for every stream.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	stream string
}

type event struct {
	stream  string
	payload []byte
}

// Hub fans tracking events out to WebSocket subscribers, optionally filtered
// by stream id. The run loop is the sole owner of the client set.
type Hub struct {
	clients    map[*Client]struct{}
	events     chan event
	register   chan *Client
	unregister chan *Client
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		events:     make(chan event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub event loop. Call this in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			observability.WSConnections.Inc()
			slog.Debug("ws client connected", "filter", client.stream)

		case client := <-h.unregister:
			h.drop(client)

		case ev := <-h.events:
			for client := range h.clients {
				if client.stream != "" && client.stream != ev.stream {
					continue
				}
				select {
				case client.send <- ev.payload:
				default:
					// Slow consumer: disconnect rather than block the hub.
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	observability.WSConnections.Dec()
	slog.Debug("ws client disconnected")
}

// BroadcastEvent delivers one tracking event to all matching subscribers.
func (h *Hub) BroadcastEvent(evt *dto.WSEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("marshal ws event", "error", err)
		return
	}
	h.events <- event{stream: evt.StreamID.String(), payload: data}
}

// HandleWS upgrades the request and subscribes the client. The stream_id
// query parameter restricts delivery to one stream's events.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, 64),
		stream: c.Query("stream_id"),
	}

	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump discards inbound messages; it exists to notice disconnects.
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
