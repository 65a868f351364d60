package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/obeci/obeci/backend/go-services/internal/access"
	"github.com/obeci/obeci/backend/go-services/internal/collab"
	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/service"
	"github.com/obeci/obeci/backend/go-services/internal/models"
	"github.com/obeci/obeci/backend/go-services/internal/storage"
	"github.com/obeci/obeci/backend/go-services/pkg/logger"
	"github.com/obeci/obeci/backend/go-services/pkg/middleware"
)

// InstrumentReader is the read side of the instrument service.
type InstrumentReader interface {
	GetByOwner(ctx context.Context, ownerID int64) (*instrument.Document, error)
	EnsureForOwner(ctx context.Context, ownerID int64) (*instrument.Document, error)
	RecentChanges(ctx context.Context, ownerID int64, limit int) ([]*instrument.ChangeLogEntry, error)
}

// ClassFinder reports whether a class exists; (nil, nil) when absent.
type ClassFinder interface {
	FindByID(ctx context.Context, id int64) (*models.Class, error)
}

// UpdateApplier is the shared write path (authorize, apply, fan out).
type UpdateApplier interface {
	Authorize(ctx context.Context, ownerID int64, p models.Principal) error
	Apply(ctx context.Context, p models.Principal, req collab.UpdateRequest) (*instrument.Broadcast, error)
}

// InstrumentResponse is the REST view of a Document.
type InstrumentResponse struct {
	DocumentID string          `json:"documentId"`
	OwnerID    int64           `json:"ownerId"`
	Snapshot   json.RawMessage `json:"snapshot"`
	Version    int64           `json:"version"`
}

// InstrumentHandler serves the instrument REST API.
type InstrumentHandler struct {
	docs     InstrumentReader
	classes  ClassFinder
	updates  UpdateApplier
	images   storage.ImageStore
	maxBytes int64
	log      *logger.Logger
}

func NewInstrumentHandler(docs InstrumentReader, classes ClassFinder, updates UpdateApplier, images storage.ImageStore, maxBytes int64) *InstrumentHandler {
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	return &InstrumentHandler{
		docs:     docs,
		classes:  classes,
		updates:  updates,
		images:   images,
		maxBytes: maxBytes,
		log:      logger.With("component", "InstrumentHandler"),
	}
}

// Register routes under /instruments. rg is expected to carry AuthMiddleware.
func (h *InstrumentHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/instruments")
	a.GET("/class/:ownerId", h.Get)
	a.PUT("/class/:ownerId", h.Replace)
	a.POST("/class/:ownerId", h.Replace)
	a.GET("/class/:ownerId/changes", h.Changes)
	if h.images != nil {
		a.POST("/images", h.UploadImage)
		a.GET("/images/:id", h.GetImage)
	}
}

// Get returns the class's instrument, provisioning it for a class that
// predates automatic creation.
func (h *InstrumentHandler) Get(c *gin.Context) {
	ownerID, p, ok := h.authorize(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	doc, err := h.docs.GetByOwner(ctx, ownerID)
	if errors.Is(err, service.ErrNotFound) {
		doc, err = h.provision(ctx, ownerID)
		if err == nil && doc == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "class not found"})
			return
		}
		if err == nil {
			h.log.Info("instrument provisioned on read", "ownerId", ownerID, "principal", p.Name)
		}
	}
	if err != nil {
		h.log.Error("load instrument failed", "ownerId", ownerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load instrument"})
		return
	}
	c.JSON(http.StatusOK, toResponse(doc))
}

func (h *InstrumentHandler) provision(ctx context.Context, ownerID int64) (*instrument.Document, error) {
	cl, err := h.classes.FindByID(ctx, ownerID)
	if err != nil || cl == nil {
		return nil, err
	}
	return h.docs.EnsureForOwner(ctx, ownerID)
}

// Replace stores the request body as the new snapshot and notifies subscribers.
func (h *InstrumentHandler) Replace(c *gin.Context) {
	ownerID, err := parseOwnerID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, _ := middleware.PrincipalFrom(c)
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "snapshot too large"})
		return
	}
	req := collab.UpdateRequest{
		OwnerID:       ownerID,
		Snapshot:      body,
		OriginatorTag: c.GetHeader("X-Originator-Tag"),
		EventType:     c.Query("eventType"),
		Summary:       c.Query("summary"),
	}
	b, err := h.updates.Apply(c.Request.Context(), p, req)
	if err != nil {
		h.writeError(c, ownerID, err)
		return
	}
	c.JSON(http.StatusOK, InstrumentResponse{DocumentID: b.DocumentID, OwnerID: b.OwnerID, Snapshot: b.Snapshot, Version: b.Version})
}

// Changes lists the newest change-log entries, newest first.
func (h *InstrumentHandler) Changes(c *gin.Context) {
	ownerID, _, ok := h.authorize(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.docs.RecentChanges(c.Request.Context(), ownerID, limit)
	if err != nil {
		h.log.Error("list changes failed", "ownerId", ownerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list changes"})
		return
	}
	if entries == nil {
		entries = []*instrument.ChangeLogEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// UploadImage stores multipart field "file" and returns its id and URL.
func (h *InstrumentHandler) UploadImage(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
		return
	}
	if fh.Size > storage.MaxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": storage.ErrTooLarge.Error()})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	info, err := h.images.Put(c.Request.Context(), f, fh.Size, fh.Header.Get("Content-Type"))
	switch {
	case errors.Is(err, storage.ErrUnsupportedType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
		return
	case errors.Is(err, storage.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.log.Error("image upload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}
	id := strings.TrimPrefix(info.Key, "instruments/")
	c.JSON(http.StatusCreated, gin.H{"id": id, "url": "/api/instruments/images/" + id})
}

// GetImage streams a stored image with its content type.
func (h *InstrumentHandler) GetImage(c *gin.Context) {
	key := "instruments/" + c.Param("id")
	if !storage.ValidKey(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	rc, info, err := h.images.Get(c.Request.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		h.log.Error("image download failed", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "download failed"})
		return
	}
	defer rc.Close()
	c.Header("Cache-Control", "private, max-age=86400")
	c.DataFromReader(http.StatusOK, info.Size, info.ContentType, rc, nil)
}

func (h *InstrumentHandler) authorize(c *gin.Context) (int64, models.Principal, bool) {
	ownerID, err := parseOwnerID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, models.Anonymous, false
	}
	p, _ := middleware.PrincipalFrom(c)
	if err := h.updates.Authorize(c.Request.Context(), ownerID, p); err != nil {
		h.writeError(c, ownerID, err)
		return 0, p, false
	}
	return ownerID, p, true
}

func (h *InstrumentHandler) writeError(c *gin.Context, ownerID int64, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("instrument update failed", "ownerId", ownerID, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": collab.Code(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, access.ErrNotFound), errors.Is(err, collab.ErrDocumentNotFound):
		return http.StatusNotFound
	case access.IsDenied(err):
		return http.StatusForbidden
	case errors.Is(err, collab.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, collab.ErrSerialization):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var errBadOwnerID = errors.New("ownerId must be a positive integer")

func parseOwnerID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("ownerId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadOwnerID
	}
	return id, nil
}

func toResponse(doc *instrument.Document) InstrumentResponse {
	snap := json.RawMessage(doc.Snapshot)
	if len(snap) == 0 {
		snap = json.RawMessage("null")
	}
	return InstrumentResponse{DocumentID: doc.ID, OwnerID: doc.OwnerID, Snapshot: snap, Version: doc.Version}
}
