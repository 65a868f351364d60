package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/obeci/obeci/backend/go-services/internal/models"
	"github.com/obeci/obeci/backend/go-services/pkg/logger"
	"github.com/obeci/obeci/backend/go-services/pkg/metrics"
)

// Envelope kinds.
const (
	KindTopic   = "topic"
	KindPrivate = "private"
)

// Envelope is the unit the hub fans out and the bus carries between instances.
type Envelope struct {
	Kind     string          `json:"kind"`
	Topic    string          `json:"topic,omitempty"`
	Queue    string          `json:"queue,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Version  *int64          `json:"version,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Versioned payloads take part in per-topic ordering.
type Versioned interface {
	StreamVersion() int64
}

// Broadcaster fans messages out to topic subscribers and to single connections.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, msg interface{}) error
	PublishToPrincipal(ctx context.Context, clientID, queue string, msg interface{}) error
}

var ErrClientGone = errors.New("client not connected")

type Client struct {
	ID        string
	Principal models.Principal
	Outbound  chan Envelope
	topics    map[string]bool
	done      chan struct{}
	closed    bool
}

// Done is closed when the hub drops the client.
func (c *Client) Done() <-chan struct{} { return c.done }

// Hub is the in-process topic registry.
type Hub struct {
	mu            sync.Mutex
	log           *logger.Logger
	bufferSize    int
	subscriptions map[string]map[*Client]bool
	clients       map[string]*Client
	lastVersion   map[string]int64
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		log:           logger.With("component", "Hub"),
		bufferSize:    bufferSize,
		subscriptions: make(map[string]map[*Client]bool),
		clients:       make(map[string]*Client),
		lastVersion:   make(map[string]int64),
	}
}

// NewClient registers a connection for principal p.
func (h *Hub) NewClient(p models.Principal) *Client {
	c := &Client{
		ID:        uuid.NewString(),
		Principal: p,
		Outbound:  make(chan Envelope, h.bufferSize),
		topics:    make(map[string]bool),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	metrics.Connections.Inc()
	return c
}

func (h *Hub) Subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed || topic == "" {
		return
	}
	c.topics[topic] = true
	subs, ok := h.subscriptions[topic]
	if !ok {
		subs = make(map[*Client]bool)
		h.subscriptions[topic] = subs
	}
	subs[c] = true
	h.log.Debug("client subscribed", "clientID", c.ID, "topic", topic)
}

func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, topic)
}

func (h *Hub) unsubscribeLocked(c *Client, topic string) {
	delete(c.topics, topic)
	if subs, ok := h.subscriptions[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.subscriptions, topic)
		}
	}
}

// IsSubscribed reports whether c currently receives topic.
func (h *Hub) IsSubscribed(c *Client, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.topics[topic]
}

// Subscribers returns the number of local subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscriptions[topic])
}

// CloseClient unregisters c and closes its outbound channel. Safe to call twice.
func (h *Hub) CloseClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	for t := range c.topics {
		h.unsubscribeLocked(c, t)
	}
	delete(h.clients, c.ID)
	c.closed = true
	close(c.done)
	close(c.Outbound)
	metrics.Connections.Dec()
}

// CloseAll drops every client, e.g. on shutdown.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.CloseClient(c)
	}
	return len(clients)
}

// Deliver hands env to local recipients. A versioned topic message older
// than the newest already delivered on its topic is dropped.
func (h *Hub) Deliver(env Envelope) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch env.Kind {
	case KindPrivate:
		c, ok := h.clients[env.ClientID]
		if !ok {
			return 0
		}
		if h.sendLocked(c, env) {
			metrics.MessagesPublished.WithLabelValues(KindPrivate).Inc()
			return 1
		}
		return 0
	case KindTopic:
		if env.Version != nil {
			if last, seen := h.lastVersion[env.Topic]; seen && *env.Version < last {
				metrics.MessagesPublished.WithLabelValues("superseded").Inc()
				h.log.Debug("dropping superseded message", "topic", env.Topic, "version", *env.Version, "last", last)
				return 0
			}
			h.lastVersion[env.Topic] = *env.Version
		}
		n := 0
		for c := range h.subscriptions[env.Topic] {
			if h.sendLocked(c, env) {
				n++
			}
		}
		metrics.MessagesPublished.WithLabelValues(KindTopic).Inc()
		return n
	}
	return 0
}

func (h *Hub) sendLocked(c *Client, env Envelope) bool {
	select {
	case c.Outbound <- env:
		return true
	default:
		metrics.MessagesPublished.WithLabelValues("dropped").Inc()
		h.log.Warn("dropping message; outbound buffer full", "clientID", c.ID, "topic", env.Topic, "queue", env.Queue)
		return false
	}
}

// Publish delivers msg to the local subscribers of topic.
func (h *Hub) Publish(ctx context.Context, topic string, msg interface{}) error {
	env, err := TopicEnvelope(topic, msg)
	if err != nil {
		return err
	}
	h.Deliver(env)
	return nil
}

// PublishToPrincipal delivers msg to a single connection's private queue.
func (h *Hub) PublishToPrincipal(ctx context.Context, clientID, queue string, msg interface{}) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal private message: %w", err)
	}
	if h.Deliver(Envelope{Kind: KindPrivate, Queue: queue, ClientID: clientID, Payload: raw}) == 0 {
		return ErrClientGone
	}
	return nil
}

// TopicEnvelope marshals msg for topic, carrying its version when it has one.
func TopicEnvelope(topic string, msg interface{}) (Envelope, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal topic message: %w", err)
	}
	env := Envelope{Kind: KindTopic, Topic: topic, Payload: raw}
	if v, ok := msg.(Versioned); ok {
		ver := v.StreamVersion()
		env.Version = &ver
	}
	return env, nil
}
