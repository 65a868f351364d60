package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/obeci/obeci/backend/go-services/internal/collab"
	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"github.com/obeci/obeci/backend/go-services/internal/models"
	"github.com/obeci/obeci/backend/go-services/internal/realtime"
	"github.com/obeci/obeci/backend/go-services/pkg/logger"
	"github.com/obeci/obeci/backend/go-services/pkg/middleware"
)

// Frame types on the realtime socket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameUpdate      = "update"
	FrameSubscribed  = "subscribed"
	FrameMessage     = "message"
	FrameError       = "error"
)

// Frame is the JSON envelope exchanged over the socket in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Queue   string          `json:"queue,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionBinder fixes a connection's principal for its lifetime.
type SessionBinder interface {
	Bind(connID string, p models.Principal) error
	Unbind(connID string)
}

// RealtimeDispatcher handles inbound frames for a connection.
type RealtimeDispatcher interface {
	HandleUpdate(ctx context.Context, connID string, req collab.UpdateRequest) (*instrument.Broadcast, error)
	HandleSubscribe(ctx context.Context, connID, topic string) (string, error)
	Forget(connID string)
}

type RealtimeConfig struct {
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
}

func (c RealtimeConfig) withDefaults() RealtimeConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4 << 20
	}
	return c
}

// RealtimeHandler upgrades /ws requests and runs one read loop and one
// write pump per connection.
type RealtimeHandler struct {
	auth     middleware.PrincipalSource
	hub      *realtime.Hub
	binder   SessionBinder
	dispatch RealtimeDispatcher
	cfg      RealtimeConfig
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewRealtimeHandler(auth middleware.PrincipalSource, hub *realtime.Hub, binder SessionBinder, dispatch RealtimeDispatcher, cfg RealtimeConfig) *RealtimeHandler {
	cfg = cfg.withDefaults()
	h := &RealtimeHandler{
		auth:     auth,
		hub:      hub,
		binder:   binder,
		dispatch: dispatch,
		cfg:      cfg,
		log:      logger.With("component", "RealtimeHandler"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func (h *RealtimeHandler) Register(r gin.IRouter) {
	r.GET("/ws", h.ServeWS)
}

// originChecker allows listed origins, or everything for "*". With no list
// the gorilla same-origin check applies.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		return set[strings.TrimRight(strings.ToLower(origin), "/")]
	}
}

// ServeWS authenticates the handshake and binds the principal. A failed
// authentication still upgrades; the connection is bound as anonymous and
// every subscribe or update on it is refused.
func (h *RealtimeHandler) ServeWS(c *gin.Context) {
	p, _, err := h.auth.FromRequest(c.Request)
	if err != nil {
		h.log.Debug("handshake without valid credentials", "remote", c.ClientIP(), "error", err)
		p = models.Anonymous
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := h.hub.NewClient(p)
	if err := h.binder.Bind(client.ID, p); err != nil {
		h.log.Error("bind session failed", "connID", client.ID, "error", err)
		h.hub.CloseClient(client)
		_ = ws.Close()
		return
	}
	log := h.log.With("connID", client.ID, "principal", p.Name)
	log.Debug("connection opened", "authenticated", p.Authenticated)

	conn := &wsConn{ws: ws, writeWait: h.cfg.WriteWait}
	ctx, cancel := context.WithCancel(c.Request.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writePump(conn, client)
	}()

	h.readLoop(ctx, conn, client, log)

	cancel()
	h.binder.Unbind(client.ID)
	h.dispatch.Forget(client.ID)
	h.hub.CloseClient(client)
	wg.Wait()
	_ = ws.Close()
	log.Debug("connection closed")
}

func (h *RealtimeHandler) readLoop(ctx context.Context, conn *wsConn, client *realtime.Client, log *logger.Logger) {
	ws := conn.ws
	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("read failed", "error", err)
			}
			return
		}
		switch f.Type {
		case FrameSubscribe:
			topic, err := h.dispatch.HandleSubscribe(ctx, client.ID, f.Topic)
			if err != nil {
				log.Info("subscription denied", "topic", f.Topic, "code", collab.Code(err))
				conn.sendError(collab.NewErrorMessage(err, ownerOf(f.Topic), "", time.Now().UTC()))
				conn.closeWith(websocket.ClosePolicyViolation, collab.Code(err))
				return
			}
			h.hub.Subscribe(client, topic)
			if err := conn.send(Frame{Type: FrameSubscribed, Topic: topic}); err != nil {
				return
			}
		case FrameUnsubscribe:
			if topic, err := realtime.CanonicalTopic(f.Topic); err == nil {
				h.hub.Unsubscribe(client, topic)
			}
		case FrameUpdate:
			var req collab.UpdateRequest
			if err := json.Unmarshal(f.Payload, &req); err != nil {
				conn.sendError(collab.NewErrorMessage(fmt.Errorf("%w: malformed update: %v", collab.ErrUpdateFailed, err), 0, "", time.Now().UTC()))
				continue
			}
			// errors are delivered privately by the dispatcher
			_, _ = h.dispatch.HandleUpdate(ctx, client.ID, req)
		default:
			conn.sendError(collab.NewErrorMessage(fmt.Errorf("%w: unknown frame type %q", collab.ErrUpdateFailed, f.Type), 0, "", time.Now().UTC()))
		}
	}
}

// writePump drains the client's outbound queue until the hub closes it.
func (h *RealtimeHandler) writePump(conn *wsConn, client *realtime.Client) {
	ticker := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-client.Outbound:
			if !ok {
				// the hub dropped the client; closing unblocks the read loop
				conn.closeWith(websocket.CloseGoingAway, "")
				_ = conn.ws.Close()
				return
			}
			if err := conn.send(frameFor(env)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

func frameFor(env realtime.Envelope) Frame {
	if env.Kind == realtime.KindPrivate {
		t := FrameMessage
		if env.Queue == realtime.ErrorQueue {
			t = FrameError
		}
		return Frame{Type: t, Queue: env.Queue, Payload: env.Payload}
	}
	return Frame{Type: FrameMessage, Topic: env.Topic, Payload: env.Payload}
}

func ownerOf(topic string) int64 {
	id, _, err := realtime.ParseTopic(topic)
	if err != nil {
		return 0
	}
	return id
}

// wsConn serializes data frames; gorilla allows one concurrent writer.
type wsConn struct {
	mu        sync.Mutex
	ws        *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
}

func (c *wsConn) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteJSON(f)
}

func (c *wsConn) sendError(msg instrument.ErrorMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.send(Frame{Type: FrameError, Queue: realtime.ErrorQueue, Payload: payload})
}

// closeWith sends the close frame once; later calls are ignored.
func (c *wsConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeWait))
	})
}
