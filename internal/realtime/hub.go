// Package realtime serves event subscriptions over websockets. Each socket
// is authenticated with a bearer token and subscribed to bus topics derived
// from the token's claims.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"parabol/api/internal/auth"
	"parabol/api/internal/pubsub"
	"parabol/api/internal/util"
)

const (
	defaultWriteWait = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 4096
	sendBuffer       = 256
)

// TokenVerifier turns a bearer token into claims.
type TokenVerifier func(token string) (auth.Claims, error)

// Hub tracks connected sockets by socket id.
type Hub struct {
	bus       pubsub.Bus
	verify    TokenVerifier
	logger    *zap.Logger
	writeWait time.Duration
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

type Option func(*Hub)

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeWait = d
		}
	}
}

// WithAllowedOrigin restricts upgrades to one origin. "*" or empty allows any.
func WithAllowedOrigin(origin string) Option {
	return func(h *Hub) {
		if origin == "" || origin == "*" {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			return r.Header.Get("Origin") == origin
		}
	}
}

func NewHub(bus pubsub.Bus, verify TokenVerifier, logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		bus:       bus,
		verify:    verify,
		logger:    logger,
		writeWait: defaultWriteWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP authenticates and upgrades a subscription socket. The token comes
// from the Authorization header or, for browsers, the token query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := h.verify(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	socketID := r.URL.Query().Get("socketId")
	if socketID == "" {
		socketID = util.ShortID()
	}
	if h.Client(socketID) != nil {
		http.Error(w, "Socket id in use", http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, socketID, claims)
	h.register(client)
	client.queue(frame{Type: frameConnectionAck, SocketID: socketID})

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("socket connected", zap.String("socket_id", c.id), zap.String("user_id", c.Claims().Sub))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.closeSubscription()
	h.logger.Debug("socket disconnected", zap.String("socket_id", c.id))
}

// Client returns the connected client with the socket id, or nil.
func (h *Hub) Client(socketID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[socketID]
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every socket.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
	for h.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// Topics computes the bus topics a token may listen to for the given kinds:
// team kinds for every team in tms, user kinds for sub.
func Topics(claims auth.Claims, kinds []pubsub.EventKind) []string {
	var topics []string
	seen := map[string]bool{}
	add := func(topic string) {
		if !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}
	for _, kind := range kinds {
		team, user := kind.Scopes()
		if team {
			for _, teamID := range claims.Tms {
				add(pubsub.Topic(kind, teamID))
			}
		}
		if user && claims.Sub != "" {
			add(pubsub.Topic(kind, claims.Sub))
		}
	}
	return topics
}

var errUnknownKind = errors.New("unknown event kind")

func parseKinds(names []string) ([]pubsub.EventKind, error) {
	if len(names) == 0 {
		return pubsub.Kinds(), nil
	}
	kinds := make([]pubsub.EventKind, 0, len(names))
	for _, name := range names {
		kind := pubsub.EventKind(name)
		if !kind.Valid() {
			return nil, errUnknownKind
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
