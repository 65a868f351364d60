package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/obeci/obeci/backend/go-services/internal/access"
	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"github.com/obeci/obeci/backend/go-services/internal/models"
	"github.com/obeci/obeci/backend/go-services/internal/realtime"
	"github.com/obeci/obeci/backend/go-services/pkg/logger"
	"github.com/obeci/obeci/backend/go-services/pkg/metrics"
)

type Updater interface {
	ApplyUpdate(ctx context.Context, req UpdateRequest) (*instrument.Broadcast, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, ownerID int64, p *models.Principal) error
}

// SessionResolver returns the principal bound to a connection.
type SessionResolver interface {
	Resolve(connID string) (models.Principal, bool)
}

// Dispatcher is the message-handling boundary for realtime connections.
// Every failed update produces exactly one private error to the acting
// connection and nothing on the document topics.
type Dispatcher struct {
	engine   Updater
	gate     Authorizer
	sessions SessionResolver
	out      realtime.Broadcaster
	log      *logger.Logger
	now      func() time.Time

	rps      rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDispatcher(engine Updater, gate Authorizer, sessions SessionResolver, out realtime.Broadcaster) *Dispatcher {
	return &Dispatcher{
		engine:   engine,
		gate:     gate,
		sessions: sessions,
		out:      out,
		log:      logger.With("component", "Dispatcher"),
		now:      func() time.Time { return time.Now().UTC() },
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithUpdateRate limits updates per connection; rps <= 0 disables it.
func (d *Dispatcher) WithUpdateRate(rps float64, burst int) *Dispatcher {
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		d.rps = rate.Limit(rps)
		d.burst = burst
	}
	return d
}

func (d *Dispatcher) allow(connID string) bool {
	if d.rps == 0 {
		return true
	}
	d.mu.Lock()
	l, ok := d.limiters[connID]
	if !ok {
		l = rate.NewLimiter(d.rps, d.burst)
		d.limiters[connID] = l
	}
	d.mu.Unlock()
	return l.Allow()
}

// Forget drops per-connection state once the connection closes.
func (d *Dispatcher) Forget(connID string) {
	d.mu.Lock()
	delete(d.limiters, connID)
	d.mu.Unlock()
}

// HandleUpdate processes an update frame from connID.
func (d *Dispatcher) HandleUpdate(ctx context.Context, connID string, req UpdateRequest) (b *instrument.Broadcast, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic while handling update", "connID", connID, "panic", r)
			b, err = nil, fmt.Errorf("%w: %v", ErrUnhandled, r)
			d.sendError(ctx, connID, req, err)
		}
	}()

	p, ok := d.sessions.Resolve(connID)
	if !ok || !p.Authenticated {
		err = &access.DenyError{Reason: access.ErrUnauthenticated, OwnerID: req.OwnerID}
		d.sendError(ctx, connID, req, err)
		return nil, err
	}
	if !d.allow(connID) {
		err = fmt.Errorf("%w on connection %s", ErrRateLimited, connID)
		d.sendError(ctx, connID, req, err)
		return nil, err
	}
	b, err = d.Apply(ctx, p, req)
	if err != nil {
		d.sendError(ctx, connID, req, err)
		return nil, err
	}
	return b, nil
}

// Apply authorizes p, runs the engine and fans out the result. Errors are
// returned to the caller and never published.
func (d *Dispatcher) Apply(ctx context.Context, p models.Principal, req UpdateRequest) (*instrument.Broadcast, error) {
	if err := d.Authorize(ctx, req.OwnerID, p); err != nil {
		return nil, err
	}
	req.Actor = p.Name
	b, err := d.engine.ApplyUpdate(ctx, req)
	if err != nil {
		return nil, err
	}
	d.Fanout(ctx, b)
	return b, nil
}

// Fanout publishes a broadcast and its change-log entry, if any.
func (d *Dispatcher) Fanout(ctx context.Context, b *instrument.Broadcast) {
	if err := d.out.Publish(ctx, realtime.DocumentTopic(b.OwnerID), b); err != nil {
		d.log.Warn("publish broadcast failed", "ownerId", b.OwnerID, "version", b.Version, "error", err)
	}
	if b.ChangeLogEntry != nil {
		if err := d.out.Publish(ctx, realtime.ChangesTopic(b.OwnerID), b.ChangeLogEntry); err != nil {
			d.log.Warn("publish change entry failed", "ownerId", b.OwnerID, "error", err)
		}
	}
}

// HandleSubscribe checks whether connID may subscribe to topic and returns
// the canonical topic name.
func (d *Dispatcher) HandleSubscribe(ctx context.Context, connID, topic string) (string, error) {
	p, _ := d.sessions.Resolve(connID)
	ownerID, _, err := realtime.ParseTopic(topic)
	if err != nil {
		metrics.SubscribeDenied.WithLabelValues("invalid_topic").Inc()
		if !p.Authenticated {
			return "", &access.DenyError{Reason: access.ErrUnauthenticated}
		}
		return "", &access.DenyError{Reason: access.ErrForbidden, Detail: err.Error()}
	}
	if err := d.Authorize(ctx, ownerID, p); err != nil {
		metrics.SubscribeDenied.WithLabelValues(denyLabel(err)).Inc()
		return "", err
	}
	canonical, _ := realtime.CanonicalTopic(topic)
	return canonical, nil
}

// Authorize runs the access gate for p. Lookup failures become Forbidden
// so the gate fails closed.
func (d *Dispatcher) Authorize(ctx context.Context, ownerID int64, p models.Principal) error {
	err := d.gate.Authorize(ctx, ownerID, &p)
	if err == nil || access.IsDenied(err) {
		return err
	}
	d.log.Error("authorization lookup failed", "ownerId", ownerID, "principal", p.Name, "error", err)
	return &access.DenyError{Reason: access.ErrForbidden, OwnerID: ownerID, Detail: "authorization unavailable"}
}

func (d *Dispatcher) sendError(ctx context.Context, connID string, req UpdateRequest, err error) {
	msg := NewErrorMessage(err, req.OwnerID, req.OriginatorTag, d.now())
	if perr := d.out.PublishToPrincipal(ctx, connID, realtime.ErrorQueue, msg); perr != nil {
		d.log.Warn("private error not delivered", "connID", connID, "code", msg.Code, "error", perr)
	}
}

// NewErrorMessage builds the private error payload for err.
func NewErrorMessage(err error, ownerID int64, originatorTag string, at time.Time) instrument.ErrorMessage {
	msg := instrument.ErrorMessage{
		Code:          Code(err),
		Message:       errorText(err),
		OriginatorTag: originatorTag,
		At:            at,
	}
	if ownerID > 0 {
		id := ownerID
		msg.OwnerID = &id
	}
	return msg
}

func errorText(err error) string {
	switch {
	case errors.Is(err, access.ErrUnauthenticated):
		return "session is not authenticated"
	case access.IsDenied(err):
		return "not allowed to access this instrument"
	default:
		return err.Error()
	}
}

func denyLabel(err error) string {
	switch {
	case errors.Is(err, access.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, access.ErrNotFound):
		return "not_found"
	default:
		return "forbidden"
	}
}
