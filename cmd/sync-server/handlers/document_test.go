package handlers

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/sitesync/cmd/sync-server/service"
	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocuments struct {
	docs          map[string]*models.Document
	heads         map[string]*models.DocumentHead
	lastStrategy  service.MergeStrategy
	writeStore    string
	updateHeadErr error
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{docs: map[string]*models.Document{}, heads: map[string]*models.DocumentHead{}}
}

func (f *fakeDocuments) add(t *testing.T, d models.DocumentDraft) *models.Document {
	doc, err := models.NewDocument(d)
	require.NoError(t, err)
	f.docs[doc.ID] = doc
	return doc
}

func (f *fakeDocuments) CreateDocument(ctx context.Context, d models.DocumentDraft) (*models.Document, error) {
	doc, err := models.NewDocument(d)
	if err != nil {
		return nil, syncerr.Protocol("create", "%v", err)
	}
	f.docs[doc.ID] = doc
	return doc, nil
}

func (f *fakeDocuments) WriteDocument(ctx context.Context, store string, d models.DocumentDraft, s service.MergeStrategy) (*models.Document, error) {
	f.writeStore = store
	f.lastStrategy = s
	return f.CreateDocument(ctx, d)
}

func (f *fakeDocuments) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return f.docs[id], nil
}

func (f *fakeDocuments) Ancestors(ctx context.Context, id string) iter.Seq2[models.AncestorDetail, error] {
	return func(yield func(models.AncestorDetail, error) bool) {
		depth := 0
		for doc := f.docs[id]; doc != nil && len(doc.Parents) > 0; {
			depth++
			doc = f.docs[doc.Parents[0]]
			if !yield(models.AncestorDetail{Document: doc, Depth: depth}, nil) {
				return
			}
		}
	}
}

func (f *fakeDocuments) Head(ctx context.Context, name, store string) (*models.DocumentHead, error) {
	return f.heads[models.HeadKey(name, store)], nil
}

func (f *fakeDocuments) UpdateHead(ctx context.Context, name, store string, doc *models.Document) (*models.DocumentHead, error) {
	if f.updateHeadErr != nil {
		return nil, f.updateHeadErr
	}
	head := &models.DocumentHead{Name: name, StoreID: store, DocumentID: doc.ID, Version: 1}
	f.heads[head.Key()] = head
	return head, nil
}

func (f *fakeDocuments) MergeHeads(ctx context.Context, name, store, oursID, author string, s service.MergeStrategy) (*models.Document, error) {
	f.lastStrategy = s
	return f.docs[oursID], nil
}

func newDocumentServer(t *testing.T, api DocumentAPI) *httptest.Server {
	t.Helper()

	log := logger.NewDiscard()
	e := echo.New()
	e.HTTPErrorHandler = HTTPErrorHandler(log)

	h := NewDocumentHandler(api, log)
	e.POST("/api/v1/documents", h.CreateDocument)
	e.GET("/api/v1/documents/:id", h.GetDocument)
	e.GET("/api/v1/documents/:id/ancestors", h.GetAncestors)
	e.GET("/api/v1/heads", h.GetHead)
	e.PUT("/api/v1/heads", h.UpdateHead)
	e.POST("/api/v1/heads/merge", h.MergeHead)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestCreateAndFetchDocument(t *testing.T) {
	api := newFakeDocuments()
	srv := newDocumentServer(t, api)

	status, body := do(t, http.MethodPost, srv.URL+"/api/v1/documents",
		`{"name":"config/pricing","author":"alice","type":"config","data":{"price":1}}`)
	require.Equal(t, http.StatusCreated, status)
	id, _ := body["id"].(string)
	assert.True(t, strings.HasPrefix(id, "sha256:"))
	assert.Empty(t, api.writeStore, "no store, no head move")

	status, body = do(t, http.MethodGet, srv.URL+"/api/v1/documents/"+id, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "config/pricing", body["name"])

	status, body = do(t, http.MethodGet, srv.URL+"/api/v1/documents/sha256:missing", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestCreateDocumentWithStoreWritesHead(t *testing.T) {
	api := newFakeDocuments()
	srv := newDocumentServer(t, api)

	status, _ := do(t, http.MethodPost, srv.URL+"/api/v1/documents",
		`{"name":"config/pricing","data":{},"store":"store-1"}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "store-1", api.writeStore)
	require.NotNil(t, api.lastStrategy)
	assert.Equal(t, service.StrategyJSONMergePatch, api.lastStrategy.Name())

	status, _ = do(t, http.MethodPost, srv.URL+"/api/v1/documents",
		`{"name":"config/pricing","data":{},"store":"store-1","strategy":"none"}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Nil(t, api.lastStrategy)

	status, body := do(t, http.MethodPost, srv.URL+"/api/v1/documents",
		`{"name":"config/pricing","data":{},"store":"store-1","strategy":"coin_flip"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(syncerr.KindProtocol), body["error"])
}

func TestHeadEndpoints(t *testing.T) {
	api := newFakeDocuments()
	root := api.add(t, models.DocumentDraft{Name: "config/pricing", Data: json.RawMessage(`{}`)})
	srv := newDocumentServer(t, api)

	status, _ := do(t, http.MethodGet, srv.URL+"/api/v1/heads?name=config/pricing&store=store-1", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodGet, srv.URL+"/api/v1/heads?name=config/pricing", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := do(t, http.MethodPut, srv.URL+"/api/v1/heads",
		`{"name":"config/pricing","store":"store-1","document_id":"`+root.ID+`"}`)
	require.Equal(t, http.StatusOK, status)
	head, _ := body["head"].(map[string]any)
	assert.Equal(t, root.ID, head["document_id"])

	status, body = do(t, http.MethodGet, srv.URL+"/api/v1/heads?name=config/pricing&store=store-1", "")
	require.Equal(t, http.StatusOK, status)
	doc, _ := body["document"].(map[string]any)
	assert.Equal(t, root.ID, doc["id"])

	api.updateHeadErr = syncerr.ConcurrentModification("op", "head moved")
	status, body = do(t, http.MethodPut, srv.URL+"/api/v1/heads",
		`{"name":"config/pricing","store":"store-1","document_id":"`+root.ID+`"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(syncerr.KindConcurrentModification), body["error"])

	status, _ = do(t, http.MethodPut, srv.URL+"/api/v1/heads",
		`{"name":"config/pricing","store":"store-1","document_id":"sha256:missing"}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodPost, srv.URL+"/api/v1/heads/merge",
		`{"name":"config/pricing","store":"store-1","document_id":"`+root.ID+`","strategy":"prefer_theirs"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, service.StrategyPreferTheirs, api.lastStrategy.Name())
}

func TestAncestorsEndpointHonoursLimit(t *testing.T) {
	api := newFakeDocuments()
	root := api.add(t, models.DocumentDraft{Name: "n", Data: json.RawMessage(`{"v":0}`)})
	mid := api.add(t, models.DocumentDraft{Name: "n", Parents: []string{root.ID}, Data: json.RawMessage(`{"v":1}`)})
	tip := api.add(t, models.DocumentDraft{Name: "n", Parents: []string{mid.ID}, Data: json.RawMessage(`{"v":2}`)})
	srv := newDocumentServer(t, api)

	status, body := do(t, http.MethodGet, srv.URL+"/api/v1/documents/"+tip.ID+"/ancestors", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["ancestors"], 2)

	status, body = do(t, http.MethodGet, srv.URL+"/api/v1/documents/"+tip.ID+"/ancestors?limit=1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["ancestors"], 1)

	status, _ = do(t, http.MethodGet, srv.URL+"/api/v1/documents/"+tip.ID+"/ancestors?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, status)
}
