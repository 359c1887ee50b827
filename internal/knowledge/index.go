package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

const (
	DefaultMaxResults    = 3
	DefaultMinSimilarity = 0.7

	// oversample compensates for hits dropped after the store lookup.
	oversample     = 3
	// maxQueryWidth caps how far a query is widened to settle ties at the cutoff.
	maxQueryWidth = 512
	reindexWorkers = 4
)

// Index keeps knowledge entries in the store and their vectors in a VectorIndex.
type Index struct {
	store    storage.KnowledgeRepo
	vectors  VectorIndex
	embedder Embedder
	log      *zap.Logger
	now      func() time.Time
}

func NewIndex(store storage.KnowledgeRepo, vectors VectorIndex, embedder Embedder, log *zap.Logger) *Index {
	return &Index{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		log:      log.Named("knowledge"),
		now:      utils.Now,
	}
}

// Save validates, embeds and stores an entry. An empty ID creates a new entry.
func (x *Index) Save(ctx context.Context, entry model.KnowledgeEntry) (*model.KnowledgeEntry, error) {
	if err := validator.Validate(entry); err != nil {
		return nil, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.UpdatedAt = x.now()

	vecs, err := x.embedder.Embed(ctx, []string{entry.Document()})
	if err != nil {
		return nil, fmt.Errorf("embed knowledge entry %s: %w", entry.ID, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed knowledge entry %s: got %d vectors", entry.ID, len(vecs))
	}
	entry.Embedding = vecs[0]

	if err := x.store.SaveKnowledge(ctx, entry); err != nil {
		return nil, err
	}
	if err := x.index(ctx, entry); err != nil {
		return nil, err
	}

	logger.FromContextOr(ctx, x.log).Debug("Knowledge entry saved",
		zap.String("entry_id", entry.ID),
		zap.Bool("active", entry.IsActive),
	)
	return x.store.FindKnowledgeByID(ctx, entry.ID)
}

// index pushes the entry's vector to the vector index. Entries whose text yields
// no features get no vector and are removed from the index instead.
func (x *Index) index(ctx context.Context, entry model.KnowledgeEntry) error {
	if isZero(entry.Embedding) {
		return x.vectors.Delete(ctx, entry.ID)
	}
	doc := VectorDoc{ID: entry.ID, Vector: entry.Embedding, Active: entry.IsActive}
	if err := x.vectors.Upsert(ctx, []VectorDoc{doc}); err != nil {
		return fmt.Errorf("index knowledge entry %s: %w", entry.ID, err)
	}
	return nil
}

func (x *Index) Delete(ctx context.Context, id string) error {
	if err := x.store.DeleteKnowledge(ctx, id); err != nil {
		return err
	}
	if err := x.vectors.Delete(ctx, id); err != nil {
		return fmt.Errorf("remove knowledge entry %s from index: %w", id, err)
	}
	return nil
}

func (x *Index) Get(ctx context.Context, id string) (*model.KnowledgeEntry, error) {
	return x.store.FindKnowledgeByID(ctx, id)
}

func (x *Index) List(ctx context.Context, activeOnly bool) ([]model.KnowledgeEntry, error) {
	return x.store.ListKnowledge(ctx, activeOnly)
}

// Retrieve returns active entries similar to query, most similar first. Similarity is
// clamped to [0,1]; hits below minSimilarity are dropped and ties go to the most
// recently updated entry. An empty result is not an error.
func (x *Index) Retrieve(ctx context.Context, query string, maxResults int, minSimilarity float64) ([]model.ScoredEntry, error) {
	if maxResults <= 0 {
		return nil, nil
	}
	vecs, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 || isZero(vecs[0]) {
		return nil, nil
	}

	hits, err := x.query(ctx, vecs[0], maxResults, minSimilarity)
	if err != nil {
		return nil, err
	}

	out := make([]model.ScoredEntry, 0, len(hits))
	for _, hit := range hits {
		sim := clamp(hit.Similarity)
		if sim < minSimilarity {
			continue
		}
		entry, err := x.store.FindKnowledgeByID(ctx, hit.ID)
		if errors.Is(err, apperrors.ErrNotFound) {
			// Index lags the store, e.g. after a failed delete.
			continue
		}
		if err != nil {
			return nil, err
		}
		if !entry.IsActive {
			continue
		}
		out = append(out, model.ScoredEntry{Entry: *entry, Similarity: sim})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if !out[i].Entry.UpdatedAt.Equal(out[j].Entry.UpdatedAt) {
			return out[i].Entry.UpdatedAt.After(out[j].Entry.UpdatedAt)
		}
		return out[i].Entry.ID < out[j].Entry.ID
	})
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// query asks the backend for the nearest hits. The backend orders equal scores its
// own way, so while the last hit ties the maxResults-th one more equally similar
// entries may be cut off; the query is widened until the tie is fully inside the
// window and the most recently updated entry can win it.
func (x *Index) query(ctx context.Context, vector []float32, maxResults int, minSimilarity float64) ([]VectorHit, error) {
	n := maxResults * oversample
	for {
		hits, err := x.vectors.Query(ctx, vector, n)
		if err != nil {
			return nil, err
		}
		if len(hits) < n || n >= maxQueryWidth || len(hits) < maxResults {
			return hits, nil
		}
		last := clamp(hits[len(hits)-1].Similarity)
		if last < minSimilarity || last < clamp(hits[maxResults-1].Similarity) {
			return hits, nil
		}
		n = min(n*2, maxQueryWidth)
	}
}

// Reindex rebuilds the vector index from the store. Stored embeddings are reused when
// their size matches the embedder; everything else is embedded again. It returns the
// number of entries indexed.
func (x *Index) Reindex(ctx context.Context) (int, error) {
	entries, err := x.store.ListKnowledge(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	dims := x.embedder.Dimensions()
	mapper := iter.Mapper[model.KnowledgeEntry, model.KnowledgeEntry]{MaxGoroutines: reindexWorkers}
	embedded, err := mapper.MapErr(entries, func(e *model.KnowledgeEntry) (model.KnowledgeEntry, error) {
		entry := *e
		if len(entry.Embedding) == dims {
			return entry, nil
		}
		vecs, err := x.embedder.Embed(ctx, []string{entry.Document()})
		if err != nil {
			return entry, fmt.Errorf("embed knowledge entry %s: %w", entry.ID, err)
		}
		entry.Embedding = vecs[0]
		if err := x.store.SaveKnowledge(ctx, entry); err != nil {
			return entry, err
		}
		return entry, nil
	})
	if err != nil {
		return 0, err
	}

	docs := make([]VectorDoc, 0, len(embedded))
	for _, e := range embedded {
		if isZero(e.Embedding) {
			continue
		}
		docs = append(docs, VectorDoc{ID: e.ID, Vector: e.Embedding, Active: e.IsActive})
	}
	if err := x.vectors.Upsert(ctx, docs); err != nil {
		return 0, fmt.Errorf("reindex knowledge: %w", err)
	}

	x.log.Info("Knowledge index rebuilt",
		zap.Int("entries", len(docs)),
		zap.String("embedder", x.embedder.Name()),
	)
	return len(docs), nil
}

func clamp(sim float64) float64 {
	switch {
	case sim < 0:
		return 0
	case sim > 1:
		return 1
	}
	return sim
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
