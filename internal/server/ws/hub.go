// Package ws streams transaction events to WebSocket clients. Clients
// subscribe to the deals they are party to and receive protobuf
// google.protobuf.Struct frames.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/server/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	// replayDepth is how many past events a new subscription catches up on.
	replayDepth = 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authorizer decides whether userID may follow a transaction's events.
type Authorizer func(ctx context.Context, userID, transactionID string) error

// Hub bridges the event bus to WebSocket clients. One bus subscription is
// held per followed transaction, shared by all of its clients.
type Hub struct {
	bus       domain.EventBus
	replay    domain.EventReplayer
	authorize Authorizer
	logger    *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	topics  map[string]*topic
	clients map[*client]struct{}
}

type topic struct {
	cancel  context.CancelFunc
	clients map[*client]struct{}
}

// NewHub creates a Hub. Replay is enabled when bus implements
// domain.EventReplayer.
func NewHub(bus domain.EventBus, authorize Authorizer, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		bus:       bus,
		authorize: authorize,
		logger:    logger.With(slog.String("component", "ws_hub")),
		ctx:       context.Background(),
		topics:    make(map[string]*topic),
		clients:   make(map[*client]struct{}),
	}
	h.replay, _ = bus.(domain.EventReplayer)
	return h
}

// Run ties bus subscriptions to ctx and closes every client when it ends.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	<-ctx.Done()

	h.mu.Lock()
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*client]struct{})
	for id, t := range h.topics {
		t.cancel()
		delete(h.topics, id)
	}
	h.mu.Unlock()
	return ctx.Err()
}

// HandleWS upgrades the request. The caller must be identified by X-User-ID.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"user identity is required","kind":"Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.String("user_id", userID), slog.Int("clients", h.clientCount()))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// follow adds c to a transaction's topic, opening the bus subscription for
// the first follower.
func (h *Hub) follow(c *client, transactionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[transactionID]; ok {
		t.clients[c] = struct{}{}
		return nil
	}
	ctx, cancel := context.WithCancel(h.ctx)
	msgs, err := h.bus.Subscribe(ctx, domain.TransactionChannel(transactionID))
	if err != nil {
		cancel()
		return err
	}
	t := &topic{cancel: cancel, clients: map[*client]struct{}{c: {}}}
	h.topics[transactionID] = t
	go h.pump(transactionID, msgs)
	return nil
}

func (h *Hub) unfollow(c *client, transactionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[transactionID]
	if !ok {
		return
	}
	delete(t.clients, c)
	if len(t.clients) == 0 {
		t.cancel()
		delete(h.topics, transactionID)
	}
}

// pump forwards one topic's bus messages to its current followers.
func (h *Hub) pump(transactionID string, msgs <-chan []byte) {
	for data := range msgs {
		frame, err := encodeFrame(data)
		if err != nil {
			h.logger.Warn("ws: drop undecodable event",
				slog.String("transaction_id", transactionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		h.mu.Lock()
		if t, ok := h.topics[transactionID]; ok {
			for c := range t.clients {
				c.enqueue(frame)
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()

	for id := range c.subscriptions() {
		h.unfollow(c, id)
	}
	c.close()
	h.logger.Info("ws: client disconnected", slog.String("user_id", c.userID))
}

// encodeFrame turns a JSON event into a binary google.protobuf.Struct.
func encodeFrame(data []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structFrame(m)
}

func structFrame(m map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}
