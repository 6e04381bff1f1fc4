package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// client is one WebSocket connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string

	mu     sync.Mutex
	send   chan []byte
	subs   map[string]struct{}
	closed bool
}

// subscribeMsg is what a client sends to follow or drop transactions.
type subscribeMsg struct {
	Action       string   `json:"action"` // "subscribe" or "unsubscribe"
	Transactions []string `json:"transactions"`
}

func (c *client) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.hub.logger.Warn("ws: dropping message for slow client", slog.String("user_id", c.userID))
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) subscriptions() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.subs))
	for id := range c.subs {
		out[id] = struct{}{}
	}
	return out
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply(map[string]any{"type": "error", "error": "malformed message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg subscribeMsg) {
	ctx := context.Background()
	for _, id := range msg.Transactions {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subscribe(ctx, id)
		case "unsubscribe":
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			c.hub.unfollow(c, id)
			c.reply(map[string]any{"type": "unsubscribed", "transaction_id": id})
		default:
			c.reply(map[string]any{"type": "error", "error": "unknown action " + msg.Action})
			return
		}
	}
}

// subscribe authorizes the user, replays recent events, then follows live
// ones. An event published during the catch-up can arrive twice.
func (c *client) subscribe(ctx context.Context, transactionID string) {
	if c.hub.authorize != nil {
		if err := c.hub.authorize(ctx, c.userID, transactionID); err != nil {
			c.reply(map[string]any{
				"type":           "error",
				"transaction_id": transactionID,
				"kind":           domain.KindOf(err),
				"error":          domain.Message(err),
			})
			return
		}
	}
	if err := c.hub.follow(c, transactionID); err != nil {
		c.hub.logger.Error("ws: subscribe failed",
			slog.String("transaction_id", transactionID),
			slog.String("error", err.Error()),
		)
		c.reply(map[string]any{"type": "error", "transaction_id": transactionID, "error": "subscribe failed"})
		return
	}
	c.mu.Lock()
	c.subs[transactionID] = struct{}{}
	c.mu.Unlock()

	if c.hub.replay != nil {
		past, err := c.hub.replay.Recent(ctx, domain.TransactionChannel(transactionID), replayDepth)
		if err != nil {
			c.hub.logger.Warn("ws: replay failed",
				slog.String("transaction_id", transactionID),
				slog.String("error", err.Error()),
			)
		}
		for _, data := range past {
			if frame, err := encodeFrame(data); err == nil {
				c.enqueue(frame)
			}
		}
	}
	c.reply(map[string]any{"type": "subscribed", "transaction_id": transactionID})
}

func (c *client) reply(m map[string]any) {
	frame, err := structFrame(m)
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
