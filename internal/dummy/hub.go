package dummy

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type channelEvent struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
}

type chatMessage struct {
	Type    string    `json:"type"`
	User    string    `json:"user"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// Hub fans every inbound message out to all connected clients. Slow clients
// are dropped rather than allowed to stall the broadcast.
type Hub struct {
	clients   sync.Map
	broadcast chan []byte

	connections atomic.Int64
	messages    atomic.Int64
}

func newHub() *Hub {
	return &Hub{broadcast: make(chan []byte, 10000)}
}

func (h *Hub) register(c *client) {
	h.clients.Store(c, struct{}{})
	h.connections.Add(1)
}

func (h *Hub) unregister(c *client) {
	if _, ok := h.clients.LoadAndDelete(c); ok {
		h.connections.Add(-1)
		c.closeSend()
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.broadcast:
			h.clients.Range(func(key, _ any) bool {
				c := key.(*client)
				select {
				case c.send <- msg:
				default:
					h.unregister(c)
				}
				return true
			})
		}
	}
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	id    string
	topic string

	closeOnce sync.Once
}

func newClient(h *Hub, ws *websocket.Conn, id, topic string) *client {
	return &client{hub: h, conn: ws, send: make(chan []byte, 1024), id: id, topic: topic}
}

func (c *client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.hub.messages.Add(1)

		out, ok := c.rebroadcast(data)
		if !ok {
			continue
		}
		select {
		case c.hub.broadcast <- out:
		default:
		}
	}
}

// rebroadcast stamps the sender onto a decoded message. Channel clients get
// their event payload unwrapped first.
func (c *client) rebroadcast(data []byte) ([]byte, bool) {
	var msg chatMessage
	if c.topic != "" {
		var ev channelEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, false
		}
		msg.Type = ev.Event
		msg.Content, _ = ev.Payload["content"].(string)
	} else if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	msg.User = c.id
	msg.Time = time.Now()
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	return out, true
}

func (c *client) writePump() {
	ticker := time.NewTicker(60 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
