package service

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"

	"github.com/lyzr/sitesync/cmd/sync-server/repository"
	"github.com/lyzr/sitesync/common/cache"
	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
)

// DocumentOptions tunes the document store
type DocumentOptions struct {
	// Merge-and-retry rounds before a write gives up
	MaxMergeAttempts int
	CacheTTL         time.Duration
}

// DocumentService stores content-addressed documents and moves the
// (name, store) heads that point at them
type DocumentService struct {
	tx    repository.Transactor
	docs  repository.DocumentStore
	heads repository.HeadStore
	cache cache.Cache
	opts  DocumentOptions
	log   *logger.Logger
}

// NewDocumentService creates a new document service. c may be nil.
func NewDocumentService(
	tx repository.Transactor,
	docs repository.DocumentStore,
	heads repository.HeadStore,
	c cache.Cache,
	opts DocumentOptions,
	log *logger.Logger,
) *DocumentService {
	if opts.MaxMergeAttempts <= 0 {
		opts.MaxMergeAttempts = 3
	}

	return &DocumentService{
		tx:    tx,
		docs:  docs,
		heads: heads,
		cache: c,
		opts:  opts,
		log:   log,
	}
}

// CreateDocument stores the version described by draft and returns it.
// Storing a version that already exists is a successful no-op.
func (s *DocumentService) CreateDocument(ctx context.Context, draft models.DocumentDraft) (*models.Document, error) {
	const op = "document.Create"

	doc, err := models.NewDocument(draft)
	if err != nil {
		return nil, syncerr.Protocol(op, "%v", err)
	}

	if len(doc.Parents) > 0 {
		parents, err := s.docs.GetMany(ctx, doc.Parents)
		if err != nil {
			return nil, syncerr.Storage(op, err)
		}
		for _, id := range doc.Parents {
			parent, ok := parents[id]
			if !ok {
				return nil, syncerr.Protocol(op, "parent %s does not exist", id)
			}
			if parent.Name != doc.Name {
				return nil, syncerr.Protocol(op, "parent %s belongs to %q, not %q", id, parent.Name, doc.Name)
			}
		}
	}

	inserted, err := s.docs.Insert(ctx, doc)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}

	if inserted {
		s.log.Info("stored document", "id", doc.ID, "name", doc.Name, "parents", len(doc.Parents))
	} else {
		s.log.Debug("document already exists", "id", doc.ID)
	}
	s.cachePut(ctx, doc)

	return doc, nil
}

// GetDocument retrieves a version by id, nil if unknown
func (s *DocumentService) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	if doc := s.cacheGet(ctx, id); doc != nil {
		return doc, nil
	}

	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, syncerr.Storage("document.Get", err)
	}
	if doc != nil {
		s.cachePut(ctx, doc)
	}
	return doc, nil
}

// Head returns the head pointer of (name, store), nil if none
func (s *DocumentService) Head(ctx context.Context, name, storeID string) (*models.DocumentHead, error) {
	head, err := s.heads.Get(ctx, name, storeID)
	if err != nil {
		return nil, syncerr.Storage("document.Head", err)
	}
	return head, nil
}

// GetHead returns the current version of (name, store), nil if none
func (s *DocumentService) GetHead(ctx context.Context, name, storeID string) (*models.Document, error) {
	head, err := s.Head(ctx, name, storeID)
	if err != nil || head == nil {
		return nil, err
	}
	return s.GetDocument(ctx, head.DocumentID)
}

// UpdateHead moves (name, store) to doc. It succeeds only if doc supersedes
// the current head (doc.Parents contains it), or if there is no head and doc
// is a root; otherwise the caller lost a race and gets ConcurrentModification.
// Pointing the head at the version it already holds is a no-op.
func (s *DocumentService) UpdateHead(ctx context.Context, name, storeID string, doc *models.Document) (*models.DocumentHead, error) {
	const op = "document.UpdateHead"

	if doc == nil || doc.ID == "" {
		return nil, syncerr.Protocol(op, "document is required")
	}
	if doc.Name != name {
		return nil, syncerr.Protocol(op, "document %s is named %q, not %q", doc.ID, doc.Name, name)
	}
	if storeID == "" {
		return nil, syncerr.Protocol(op, "store id is required")
	}

	stored, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, syncerr.Protocol(op, "document %s has not been stored", doc.ID)
	}

	var result *models.DocumentHead
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.heads.Get(ctx, name, storeID)
		if err != nil {
			return syncerr.Storage(op, err)
		}

		if current == nil {
			if !stored.IsRoot() {
				return syncerr.ConcurrentModification(op, "%s has no head but %s has parents", models.HeadKey(name, storeID), doc.ID)
			}
			head := &models.DocumentHead{Name: name, StoreID: storeID, DocumentID: doc.ID}
			created, err := s.heads.Create(ctx, head)
			if err != nil {
				return syncerr.Storage(op, err)
			}
			if !created {
				return syncerr.ConcurrentModification(op, "%s was created concurrently", models.HeadKey(name, storeID))
			}
			result = head
			return nil
		}

		if current.DocumentID == doc.ID {
			result = current
			return nil
		}

		if !stored.HasParent(current.DocumentID) {
			return syncerr.ConcurrentModification(op, "%s is at %s, which %s does not supersede",
				models.HeadKey(name, storeID), current.DocumentID, doc.ID)
		}

		swapped, ok, err := s.heads.CompareAndSwap(ctx, name, storeID, current.DocumentID, doc.ID)
		if err != nil {
			return syncerr.Storage(op, err)
		}
		if !ok {
			return syncerr.ConcurrentModification(op, "%s moved concurrently", models.HeadKey(name, storeID))
		}
		result = swapped
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}

	s.log.Info("moved head", "head", models.HeadKey(name, storeID), "document_id", doc.ID, "version", result.Version)
	return result, nil
}

// Ancestors walks the versions id descends from, breadth first, yielding each
// once with its distance in edges. The walk is lazy: it stops reading as soon
// as the caller stops ranging.
func (s *DocumentService) Ancestors(ctx context.Context, id string) iter.Seq2[models.AncestorDetail, error] {
	return func(yield func(models.AncestorDetail, error) bool) {
		const op = "document.Ancestors"

		start, err := s.GetDocument(ctx, id)
		if err != nil {
			yield(models.AncestorDetail{}, err)
			return
		}
		if start == nil {
			yield(models.AncestorDetail{}, syncerr.Protocol(op, "document %s does not exist", id))
			return
		}

		seen := map[string]struct{}{start.ID: {}}
		frontier := start.Parents
		for depth := 1; len(frontier) > 0; depth++ {
			level, err := s.loadLevel(ctx, frontier, seen)
			if err != nil {
				yield(models.AncestorDetail{}, err)
				return
			}

			var next []string
			for _, doc := range level {
				if !yield(models.AncestorDetail{Document: doc, Depth: depth}, nil) {
					return
				}
				next = append(next, doc.Parents...)
			}
			frontier = next
		}
	}
}

// loadLevel fetches the unseen ids of one BFS level, preserving order
func (s *DocumentService) loadLevel(ctx context.Context, ids []string, seen map[string]struct{}) ([]*models.Document, error) {
	var want []string
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		want = append(want, id)
	}
	if len(want) == 0 {
		return nil, nil
	}

	found := make(map[string]*models.Document, len(want))
	var missing []string
	for _, id := range want {
		if doc := s.cacheGet(ctx, id); doc != nil {
			found[id] = doc
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		loaded, err := s.docs.GetMany(ctx, missing)
		if err != nil {
			return nil, syncerr.Storage("document.Ancestors", err)
		}
		for id, doc := range loaded {
			found[id] = doc
			s.cachePut(ctx, doc)
		}
	}

	level := make([]*models.Document, 0, len(want))
	for _, id := range want {
		doc, ok := found[id]
		if !ok {
			return nil, syncerr.Storage("document.Ancestors", errors.New("parent "+id+" is missing from the store"))
		}
		level = append(level, doc)
	}
	return level, nil
}

// IsAncestor reports whether ancestor is reachable from descendant through
// parent links. A version is not its own ancestor.
func (s *DocumentService) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	for detail, err := range s.Ancestors(ctx, descendant) {
		if err != nil {
			return false, err
		}
		if detail.Document.ID == ancestor {
			return true, nil
		}
	}
	return false, nil
}

// CommonAncestor returns the closest version both a and b descend from (or
// are), nil when their histories never meet
func (s *DocumentService) CommonAncestor(ctx context.Context, a, b string) (*models.Document, error) {
	reachable := map[string]struct{}{a: {}}
	for detail, err := range s.Ancestors(ctx, a) {
		if err != nil {
			return nil, err
		}
		reachable[detail.Document.ID] = struct{}{}
	}

	if _, ok := reachable[b]; ok {
		return s.GetDocument(ctx, b)
	}
	for detail, err := range s.Ancestors(ctx, b) {
		if err != nil {
			return nil, err
		}
		if _, ok := reachable[detail.Document.ID]; ok {
			return detail.Document, nil
		}
	}
	return nil, nil
}

// WriteDocument stores draft as the next version of (draft.Name, store) and
// moves the head to it. When another writer wins the race the two versions
// are merged with strategy and the merge is retried, up to MaxMergeAttempts.
// A nil strategy reports the conflict instead.
func (s *DocumentService) WriteDocument(ctx context.Context, storeID string, draft models.DocumentDraft, strategy MergeStrategy) (*models.Document, error) {
	head, err := s.GetHead(ctx, draft.Name, storeID)
	if err != nil {
		return nil, err
	}

	draft.Parents = nil
	if head != nil {
		draft.Parents = []string{head.ID}
	}

	doc, err := s.CreateDocument(ctx, draft)
	if err != nil {
		return nil, err
	}

	return s.install(ctx, storeID, doc, draft.Author, strategy)
}

// MergeHeads moves (name, store) to the already stored version oursID,
// merging with the current head when oursID does not supersede it
func (s *DocumentService) MergeHeads(ctx context.Context, name, storeID, oursID, author string, strategy MergeStrategy) (*models.Document, error) {
	const op = "document.MergeHeads"

	ours, err := s.GetDocument(ctx, oursID)
	if err != nil {
		return nil, err
	}
	if ours == nil {
		return nil, syncerr.Protocol(op, "document %s does not exist", oursID)
	}
	if ours.Name != name {
		return nil, syncerr.Protocol(op, "document %s is named %q, not %q", ours.ID, ours.Name, name)
	}
	if strategy == nil {
		strategy = JSONMergePatch{}
	}

	return s.install(ctx, storeID, ours, author, strategy)
}

// install runs the CAS / merge / retry loop
func (s *DocumentService) install(ctx context.Context, storeID string, doc *models.Document, author string, strategy MergeStrategy) (*models.Document, error) {
	for attempt := 1; ; attempt++ {
		_, err := s.UpdateHead(ctx, doc.Name, storeID, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, syncerr.ErrConcurrentModification) || strategy == nil || attempt > s.opts.MaxMergeAttempts {
			return nil, err
		}

		theirs, err := s.GetHead(ctx, doc.Name, storeID)
		if err != nil {
			return nil, err
		}
		if theirs == nil {
			// head vanished; start a new root from our data
			doc, err = s.CreateDocument(ctx, draftFrom(doc, author, nil, doc.Data))
			if err != nil {
				return nil, err
			}
			continue
		}

		contained, err := s.IsAncestor(ctx, doc.ID, theirs.ID)
		if err != nil {
			return nil, err
		}
		if contained {
			s.log.Info("version already merged into head", "document_id", doc.ID, "head", theirs.ID)
			return theirs, nil
		}

		doc, err = s.merge(ctx, doc, theirs, author, strategy)
		if err != nil {
			return nil, err
		}

		s.log.Info("merged concurrent versions",
			"name", doc.Name,
			"store", storeID,
			"strategy", strategy.Name(),
			"merge_id", doc.ID,
			"attempt", attempt,
		)
	}
}

// merge stores a version whose parents are both tips
func (s *DocumentService) merge(ctx context.Context, ours, theirs *models.Document, author string, strategy MergeStrategy) (*models.Document, error) {
	base, err := s.CommonAncestor(ctx, ours.ID, theirs.ID)
	if err != nil {
		return nil, err
	}

	data, err := strategy.Merge(ctx, base, ours, theirs)
	if err != nil {
		return nil, syncerr.ConcurrentModification("document.Merge", "strategy %s failed: %v", strategy.Name(), err)
	}

	return s.CreateDocument(ctx, draftFrom(ours, author, []string{theirs.ID, ours.ID}, data))
}

func draftFrom(doc *models.Document, author string, parents []string, data json.RawMessage) models.DocumentDraft {
	if author == "" {
		author = doc.Author
	}
	return models.DocumentDraft{
		Name:    doc.Name,
		Parents: parents,
		Author:  author,
		Type:    doc.Type,
		Data:    data,
		Schema:  doc.Schema,
	}
}

func documentCacheKey(id string) string { return "document:" + id }

func (s *DocumentService) cacheGet(ctx context.Context, id string) *models.Document {
	if s.cache == nil {
		return nil
	}
	raw, ok, err := s.cache.Get(ctx, documentCacheKey(id))
	if err != nil || !ok {
		return nil
	}
	var doc models.Document
	if err := json.Unmarshal(raw, &doc); err != nil || !doc.Verify() {
		return nil
	}
	return &doc
}

func (s *DocumentService) cachePut(ctx context.Context, doc *models.Document) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, documentCacheKey(doc.ID), raw, s.opts.CacheTTL); err != nil {
		s.log.Warn("failed to cache document", "id", doc.ID, "error", err)
	}
}
