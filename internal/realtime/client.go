package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"parabol/api/internal/auth"
	"parabol/api/internal/pubsub"
)

const (
	frameConnectionAck = "connection_ack"
	frameSubscribe     = "subscribe"
	frameUnsubscribe   = "unsubscribe"
	frameSubscribed    = "subscribed"
	frameData          = "data"
	frameError         = "error"
)

// frame is the JSON message exchanged with the browser.
type frame struct {
	Type     string           `json:"type"`
	SocketID string           `json:"socketId,omitempty"`
	Kinds    []string         `json:"kinds,omitempty"`
	Event    *pubsub.Envelope `json:"event,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// Client is one subscription socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	claims auth.Claims
	kinds  []pubsub.EventKind
	closed bool

	// subMu guards subscription. It is never held together with mu while a
	// bus handler may be running.
	subMu        sync.Mutex
	subscription pubsub.Subscription
}

func newClient(h *Hub, conn *websocket.Conn, id string, claims auth.Claims) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:    h,
		conn:   conn,
		id:     id,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		claims: claims,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Claims() auth.Claims {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("socket read failed", zap.String("socket_id", c.id), zap.Error(err))
			}
			return
		}
		var msg frame
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.queue(frame{Type: frameError, Message: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg frame) {
	switch msg.Type {
	case frameSubscribe:
		kinds, err := parseKinds(msg.Kinds)
		if err != nil {
			c.queue(frame{Type: frameError, Message: err.Error()})
			return
		}
		if err := c.subscribe(kinds); err != nil {
			c.hub.logger.Warn("socket subscribe failed", zap.String("socket_id", c.id), zap.Error(err))
			c.queue(frame{Type: frameError, Message: "subscribe failed"})
			return
		}
		c.queue(frame{Type: frameSubscribed, Kinds: msg.Kinds})
	case frameUnsubscribe:
		c.mu.Lock()
		c.kinds = nil
		c.mu.Unlock()
		c.closeSubscription()
	default:
		c.queue(frame{Type: frameError, Message: "unknown message type"})
	}
}

// subscribe replaces the socket's bus subscription with one for kinds.
func (c *Client) subscribe(kinds []pubsub.EventKind) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.kinds = kinds
	topics := Topics(c.claims, kinds)
	c.mu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subscription != nil {
		_ = c.subscription.Close()
		c.subscription = nil
	}
	if len(topics) == 0 {
		return nil
	}
	sub, err := c.hub.bus.Subscribe(c.ctx, topics, c.deliver)
	if err != nil {
		return err
	}
	c.subscription = sub
	return nil
}

// reauthenticate swaps in claims from a newer token for the same user and
// recomputes topics, so a socket joins a team it was just added to.
func (c *Client) reauthenticate(token string) {
	claims, err := c.hub.verify(token)
	if err != nil {
		c.hub.logger.Warn("socket token refresh rejected", zap.String("socket_id", c.id), zap.Error(err))
		return
	}
	c.mu.Lock()
	if claims.Sub != c.claims.Sub {
		c.mu.Unlock()
		return
	}
	c.claims = claims
	kinds := c.kinds
	c.mu.Unlock()

	if len(kinds) == 0 {
		return
	}
	if err := c.subscribe(kinds); err != nil {
		c.hub.logger.Warn("socket resubscribe failed", zap.String("socket_id", c.id), zap.Error(err))
		return
	}
	names := make([]string, len(kinds))
	for i, kind := range kinds {
		names[i] = string(kind)
	}
	c.queue(frame{Type: frameSubscribed, Kinds: names})
}

// deliver forwards a bus event unless this socket caused it.
func (c *Client) deliver(envelope pubsub.Envelope) {
	if envelope.Kind == pubsub.NewAuthToken {
		var payload struct {
			AuthToken string `json:"authToken"`
		}
		if err := json.Unmarshal(envelope.Payload, &payload); err == nil && payload.AuthToken != "" {
			go c.reauthenticate(payload.AuthToken)
		}
	}
	if envelope.MutatorID != "" && envelope.MutatorID == c.id {
		return
	}
	c.queue(frame{Type: frameData, Event: &envelope})
}

// queue drops the frame when the socket cannot keep up.
func (c *Client) queue(f frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- raw:
	default:
		c.hub.logger.Warn("socket send buffer full; dropping frame", zap.String("socket_id", c.id))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) closeSubscription() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subscription != nil {
		_ = c.subscription.Close()
		c.subscription = nil
	}
}

// close stops delivery and lets the write pump send a close frame.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
}
