package handlers

import (
	"context"
	"iter"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/sitesync/cmd/sync-server/service"
	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
)

// DocumentAPI is the document store behind /api/v1/documents and /api/v1/heads
type DocumentAPI interface {
	CreateDocument(ctx context.Context, draft models.DocumentDraft) (*models.Document, error)
	WriteDocument(ctx context.Context, storeID string, draft models.DocumentDraft, strategy service.MergeStrategy) (*models.Document, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	Ancestors(ctx context.Context, id string) iter.Seq2[models.AncestorDetail, error]
	Head(ctx context.Context, name, storeID string) (*models.DocumentHead, error)
	UpdateHead(ctx context.Context, name, storeID string, doc *models.Document) (*models.DocumentHead, error)
	MergeHeads(ctx context.Context, name, storeID, oursID, author string, strategy service.MergeStrategy) (*models.Document, error)
}

// DocumentHandler handles versioned document requests
type DocumentHandler struct {
	docs DocumentAPI
	log  *logger.Logger
}

// NewDocumentHandler creates a new document handler
func NewDocumentHandler(docs DocumentAPI, log *logger.Logger) *DocumentHandler {
	return &DocumentHandler{docs: docs, log: log}
}

// createDocumentRequest is a draft, optionally installed as the head of a store
type createDocumentRequest struct {
	models.DocumentDraft

	// When set, parents are taken from the store's head and the head moves
	Store string `json:"store,omitempty"`

	// Merge strategy on a lost race; "none" reports the conflict
	Strategy string `json:"strategy,omitempty"`
}

type headRequest struct {
	Name       string `json:"name"`
	Store      string `json:"store"`
	DocumentID string `json:"document_id"`
	Author     string `json:"author,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
}

type headResponse struct {
	Head     *models.DocumentHead `json:"head"`
	Document *models.Document     `json:"document,omitempty"`
}

// CreateDocument stores a new document version
// POST /api/v1/documents
func (h *DocumentHandler) CreateDocument(c echo.Context) error {
	ctx := c.Request().Context()

	var req createDocumentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("documents.Create", err)
	}

	if req.Store == "" {
		doc, err := h.docs.CreateDocument(ctx, req.DocumentDraft)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, doc)
	}

	strategy, err := strategyFor(req.Strategy)
	if err != nil {
		return err
	}

	doc, err := h.docs.WriteDocument(ctx, req.Store, req.DocumentDraft, strategy)
	if err != nil {
		return err
	}

	h.log.Info("document written", "id", doc.ID, "name", doc.Name, "store", req.Store)
	return c.JSON(http.StatusCreated, doc)
}

// GetDocument retrieves a document version by its content id
// GET /api/v1/documents/:id
func (h *DocumentHandler) GetDocument(c echo.Context) error {
	id := c.Param("id")

	doc, err := h.docs.GetDocument(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if doc == nil {
		return notFound("document %s not found", id)
	}

	return c.JSON(http.StatusOK, doc)
}

// GetAncestors lists the versions a document descends from, nearest first
// GET /api/v1/documents/:id/ancestors?limit=100
func (h *DocumentHandler) GetAncestors(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return syncerr.Protocol("documents.Ancestors", "invalid limit %q", raw)
		}
		limit = n
	}

	doc, err := h.docs.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return notFound("document %s not found", id)
	}

	ancestors := make([]models.AncestorDetail, 0)
	for detail, err := range h.docs.Ancestors(ctx, id) {
		if err != nil {
			return err
		}
		ancestors = append(ancestors, detail)
		if len(ancestors) == limit {
			break
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":        id,
		"ancestors": ancestors,
	})
}

// GetHead returns the head of a (name, store) pair with its document
// GET /api/v1/heads?name=...&store=...
func (h *DocumentHandler) GetHead(c echo.Context) error {
	ctx := c.Request().Context()
	name, store := c.QueryParam("name"), c.QueryParam("store")
	if name == "" || store == "" {
		return syncerr.Protocol("heads.Get", "name and store are required")
	}

	head, err := h.docs.Head(ctx, name, store)
	if err != nil {
		return err
	}
	if head == nil {
		return notFound("no head for %s", models.HeadKey(name, store))
	}

	doc, err := h.docs.GetDocument(ctx, head.DocumentID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, headResponse{Head: head, Document: doc})
}

// UpdateHead moves a head with compare-and-swap semantics
// PUT /api/v1/heads
func (h *DocumentHandler) UpdateHead(c echo.Context) error {
	ctx := c.Request().Context()

	var req headRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("heads.Update", err)
	}

	doc, err := h.docs.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return notFound("document %s not found", req.DocumentID)
	}

	head, err := h.docs.UpdateHead(ctx, req.Name, req.Store, doc)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, headResponse{Head: head})
}

// MergeHead installs a stored version, merging with the current head if needed
// POST /api/v1/heads/merge
func (h *DocumentHandler) MergeHead(c echo.Context) error {
	var req headRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("heads.Merge", err)
	}

	strategy, err := service.StrategyByName(req.Strategy)
	if err != nil {
		return syncerr.Protocol("heads.Merge", "%v", err)
	}

	doc, err := h.docs.MergeHeads(c.Request().Context(), req.Name, req.Store, req.DocumentID, req.Author, strategy)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, doc)
}

func strategyFor(name string) (service.MergeStrategy, error) {
	if name == "none" {
		return nil, nil
	}
	strategy, err := service.StrategyByName(name)
	if err != nil {
		return nil, syncerr.Protocol("documents.Create", "%v", err)
	}
	return strategy, nil
}
