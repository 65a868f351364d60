package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/repository"
	"github.com/obeci/obeci/backend/go-services/pkg/logger"
	"github.com/obeci/obeci/backend/go-services/pkg/metrics"
)

// UpdateRequest is an editor's snapshot update. A nil ExpectedVersion
// means the client does not track versions.
type UpdateRequest struct {
	OwnerID         int64           `json:"ownerId"`
	Snapshot        json.RawMessage `json:"snapshot"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	OriginatorTag   string          `json:"originatorTag,omitempty"`
	EventType       string          `json:"eventType,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Actor           string          `json:"-"`
}

// Engine applies snapshot updates: conflict check, persist, change log.
// Publishing the returned Broadcast is left to the caller.
type Engine struct {
	docs       repository.DocumentStore
	changes    repository.ChangeLog
	locks      *ownerLocks
	maxRetries int
	now        func() time.Time
	tracer     trace.Tracer
	log        *logger.Logger
}

type Option func(*Engine)

// WithMaxRetries bounds re-reads for writes without an expected version.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(docs repository.DocumentStore, changes repository.ChangeLog, opts ...Option) *Engine {
	e := &Engine{
		docs:       docs,
		changes:    changes,
		locks:      newOwnerLocks(),
		maxRetries: 3,
		now:        func() time.Time { return time.Now().UTC() },
		tracer:     otel.Tracer("github.com/obeci/obeci/backend/go-services/internal/collab"),
		log:        logger.With("component", "CollaborationEngine"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ApplyUpdate runs one update as a single transaction. It returns
// ErrDocumentNotFound, a *repository.VersionConflictError, a
// *SerializationError or an ErrUpdateFailed-wrapped store error; on any
// of them nothing was written.
func (e *Engine) ApplyUpdate(ctx context.Context, req UpdateRequest) (*instrument.Broadcast, error) {
	ctx, span := e.tracer.Start(ctx, "collab.ApplyUpdate", trace.WithAttributes(
		attribute.Int64("owner.id", req.OwnerID),
		attribute.String("actor", req.Actor),
	))
	defer span.End()

	b, outcome, err := e.apply(ctx, req)
	metrics.CollabUpdates.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("version", b.Version))
	return b, nil
}

func (e *Engine) apply(ctx context.Context, req UpdateRequest) (*instrument.Broadcast, string, error) {
	canonical, serErr := Canonicalize(req.Snapshot)

	release := e.locks.Lock(req.OwnerID)
	defer release()

	for attempt := 0; ; attempt++ {
		doc, err := e.docs.GetByOwner(ctx, req.OwnerID)
		if errors.Is(err, repository.ErrNotFound) {
			e.log.Error("update for unprovisioned owner", "ownerId", req.OwnerID, "actor", req.Actor)
			return nil, metrics.OutcomeNotFound, fmt.Errorf("%w for owner %d", ErrDocumentNotFound, req.OwnerID)
		}
		if err != nil {
			return nil, metrics.OutcomeFailed, fmt.Errorf("%w: load document: %v", ErrUpdateFailed, err)
		}

		if req.ExpectedVersion != nil && *req.ExpectedVersion != doc.Version {
			return nil, metrics.OutcomeConflict, &repository.VersionConflictError{Expected: *req.ExpectedVersion, Actual: doc.Version}
		}
		if serErr != nil {
			return nil, metrics.OutcomeInvalid, serErr
		}

		if canonical == doc.Snapshot {
			return e.broadcast(doc, req, nil), metrics.OutcomeNoop, nil
		}

		expected := doc.Version
		if req.ExpectedVersion != nil {
			expected = *req.ExpectedVersion
		}
		saved, err := e.docs.CompareAndSwap(ctx, doc.ID, &expected, canonical)
		if errors.Is(err, repository.ErrVersionConflict) {
			if req.ExpectedVersion == nil && attempt < e.maxRetries {
				e.log.Debug("unchecked write lost a race; retrying", "ownerId", req.OwnerID, "attempt", attempt+1)
				continue
			}
			return nil, metrics.OutcomeConflict, err
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, metrics.OutcomeNotFound, fmt.Errorf("%w for owner %d", ErrDocumentNotFound, req.OwnerID)
		}
		if err != nil {
			return nil, metrics.OutcomeFailed, fmt.Errorf("%w: %v", ErrUpdateFailed, err)
		}

		entry := e.record(ctx, saved, req)
		return e.broadcast(saved, req, entry), metrics.OutcomeApplied, nil
	}
}

// record appends a change-log entry unless suppressed. A failed append is
// logged and does not fail the committed update.
func (e *Engine) record(ctx context.Context, doc *instrument.Document, req UpdateRequest) *instrument.ChangeLogEntry {
	if !ShouldRecord(req.EventType, req.Summary) {
		metrics.ChangeLogEntries.WithLabelValues("suppressed").Inc()
		return nil
	}
	eventType, summary := withDefaults(req.EventType, req.Summary)
	payload, _ := json.Marshal(struct {
		ClientID string `json:"clientId"`
		Version  int64  `json:"version"`
	}{ClientID: req.OriginatorTag, Version: doc.Version})

	entry, err := e.changes.Append(ctx, &instrument.ChangeLogEntry{
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Actor:      req.Actor,
		EventType:  eventType,
		Summary:    summary,
		Payload:    string(payload),
	})
	if err != nil {
		metrics.ChangeLogEntries.WithLabelValues("failed").Inc()
		e.log.Error("change log append failed", "ownerId", doc.OwnerID, "version", doc.Version, "error", err)
		return nil
	}
	metrics.ChangeLogEntries.WithLabelValues("recorded").Inc()
	return entry
}

func (e *Engine) broadcast(doc *instrument.Document, req UpdateRequest, entry *instrument.ChangeLogEntry) *instrument.Broadcast {
	snap := json.RawMessage(doc.Snapshot)
	if len(snap) == 0 {
		snap = json.RawMessage("null")
	}
	return &instrument.Broadcast{
		DocumentID:     doc.ID,
		OwnerID:        doc.OwnerID,
		Snapshot:       snap,
		Version:        doc.Version,
		Actor:          req.Actor,
		UpdatedAt:      e.now(),
		OriginatorTag:  req.OriginatorTag,
		ChangeLogEntry: entry,
	}
}
