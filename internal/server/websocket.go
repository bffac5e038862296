package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kode4food/caravan/topic"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/pkg/api"
	"github.com/paywise/flowengine/pkg/log"
)

// Client represents a WebSocket client connection for live flow updates
type Client struct {
	server   *Server
	conn     *websocket.Conn
	consumer topic.Consumer[*bus.Event]
	filter   bus.Filter
	minSeq   int64
}

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 512
	wsBufferSize       = 1024
	incomingBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed",
			log.Error(err))
		return
	}

	client := &Client{
		server:   s,
		conn:     conn,
		consumer: s.bus.NewConsumer(),
		filter:   bus.FilterNone(),
	}
	s.registerWebSocket(client)

	go client.run()
}

// Close terminates the connection; the run loop cleans up on read failure
func (c *Client) Close() {
	_ = c.conn.Close()
}

func (c *Client) run() {
	defer func() {
		c.server.unregisterWebSocket(c)
		c.consumer.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	incoming := make(chan []byte, incomingBufferSize)
	go c.readMessages(incoming)

	for {
		select {
		case message, ok := <-incoming:
			if !ok {
				return
			}
			c.handleSubscribe(message)

		case event, ok := <-c.consumer.Receive():
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.sendEventIfMatched(event) {
				return
			}

		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		}
	}
}

func (c *Client) readMessages(incoming chan []byte) {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			close(incoming)
			return
		}
		incoming <- message
	}
}

func (c *Client) handleSubscribe(message []byte) {
	var sub api.SubscribeRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		slog.Error("Failed to parse WebSocket message",
			log.Error(err))
		return
	}

	if sub.Type != "subscribe" {
		return
	}

	c.filter = BuildFilter(&sub.Data)

	if sub.Data.FlowID != "" {
		c.sendSubscribeState(sub.Data.FlowID)
	}
}

// sendSubscribeState delivers the full snapshot a flow subscription starts
// from. Deltas older than the snapshot version are suppressed afterwards so
// the client never observes a gap
func (c *Client) sendSubscribeState(flowID api.FlowID) {
	st, err := c.server.engine.GetFlow(context.Background(), flowID)
	if err != nil {
		slog.Error("Failed to get flow for subscription",
			log.FlowID(flowID),
			log.Error(err))
		return
	}

	data, err := json.Marshal(st)
	if err != nil {
		slog.Error("Failed to marshal flow",
			log.FlowID(flowID),
			log.Error(err))
		return
	}

	c.minSeq = st.Version + 1

	msg := api.SubscribedResult{
		Type:     "subscribed",
		FlowID:   flowID,
		Data:     data,
		Sequence: st.Version,
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		slog.Error("WebSocket write failed",
			slog.String("context", "subscribed"),
			log.Error(err))
	}
}

func (c *Client) sendEventIfMatched(event *bus.Event) bool {
	if event.Sequence < c.minSeq || !c.filter(event) {
		return true
	}

	wsEvent := transformEvent(event)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(wsEvent); err != nil {
		slog.Error("WebSocket write failed",
			log.Error(err))
		return false
	}
	return true
}

func transformEvent(ev *bus.Event) *api.WebSocketEvent {
	return &api.WebSocketEvent{
		Type:      ev.Type,
		Data:      ev.Data,
		FlowID:    ev.FlowID,
		Timestamp: ev.Timestamp.UnixMilli(),
		Sequence:  ev.Sequence,
	}
}

func (c *Client) sendPing() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.PingMessage, nil)
	return err == nil
}

// BuildFilter creates an event filter from a client subscription. An empty
// flow ID is the admin stream covering every flow
func BuildFilter(sub *api.ClientSubscription) bus.Filter {
	var flowFilter bus.Filter
	if sub.FlowID != "" {
		flowFilter = bus.FilterFlow(sub.FlowID)
	} else {
		flowFilter = bus.FilterAll()
	}

	if len(sub.EventTypes) > 0 {
		return bus.And(flowFilter, bus.FilterTypes(sub.EventTypes...))
	}
	return flowFilter
}
