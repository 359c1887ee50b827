package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"github.com/qdrant/go-client/qdrant"
)

// VectorDoc is one knowledge entry as stored in a vector index.
type VectorDoc struct {
	ID     string
	Vector []float32
	Active bool
}

// VectorHit is a raw nearest-neighbour match. Similarity is cosine, in [-1,1].
type VectorHit struct {
	ID         string
	Similarity float64
}

// VectorIndex stores entry vectors and answers nearest-neighbour queries over active entries.
type VectorIndex interface {
	Upsert(ctx context.Context, docs []VectorDoc) error
	Delete(ctx context.Context, ids ...string) error
	Query(ctx context.Context, vector []float32, n int) ([]VectorHit, error)
	Close() error
}

const activeKey = "active"

// ChromemIndex keeps vectors in process with chromem-go.
type ChromemIndex struct {
	mu         sync.Mutex
	collection *chromem.Collection
}

// NewChromemIndex creates an in-memory collection. Vectors are always supplied by the
// caller, so the collection never embeds on its own.
func NewChromemIndex(collection string) (*ChromemIndex, error) {
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(collection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("create chromem collection: %w", err)
	}
	return &ChromemIndex{collection: col}, nil
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("chromem index requires precomputed embeddings")
}

func (c *ChromemIndex) Upsert(ctx context.Context, docs []VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}
	chromDocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		chromDocs[i] = chromem.Document{
			ID:        d.ID,
			Embedding: append([]float32(nil), d.Vector...),
			Metadata:  map[string]string{activeKey: strconv.FormatBool(d.Active)},
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collection.AddDocuments(ctx, chromDocs, 1)
}

func (c *ChromemIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collection.Delete(ctx, nil, nil, ids...)
}

func (c *ChromemIndex) Query(ctx context.Context, vector []float32, n int) ([]VectorHit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// chromem requires n <= collection size.
	count := c.collection.Count()
	if count == 0 || n <= 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}

	results, err := c.collection.QueryEmbedding(ctx, vector, n, map[string]string{activeKey: "true"}, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	hits := make([]VectorHit, len(results))
	for i, r := range results {
		hits[i] = VectorHit{ID: r.ID, Similarity: float64(r.Similarity)}
	}
	return hits, nil
}

func (c *ChromemIndex) Close() error { return nil }

// QdrantConfig locates the qdrant collection.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions int
}

// QdrantIndex stores vectors in a remote qdrant collection using cosine distance.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
}

const entryIDKey = "entry_id"

// NewQdrantIndex connects to qdrant and creates the collection when missing.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	idx := &QdrantIndex{client: client, collection: cfg.Collection}
	exists, err := client.CollectionExists(ctx, cfg.Collection)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check qdrant collection: %w", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(cfg.Dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("create qdrant collection: %w", err)
		}
	}
	return idx, nil
}

// pointID maps an entry ID to a qdrant point ID. Qdrant accepts only UUIDs or integers,
// so other IDs are mapped to a name-based UUID and the original kept in the payload.
func pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte("knowledge/"+id)).String())
}

func (q *QdrantIndex) Upsert(ctx context.Context, docs []VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, d := range docs {
		points = append(points, &qdrant.PointStruct{
			Id:      pointID(d.ID),
			Vectors: qdrant.NewVectorsDense(d.Vector),
			Payload: qdrant.NewValueMap(map[string]any{entryIDKey: d.ID, activeKey: d.Active}),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	return err
}

func (q *QdrantIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorIDs(pids),
	})
	return err
}

func (q *QdrantIndex) Query(ctx context.Context, vector []float32, n int) ([]VectorHit, error) {
	if n <= 0 {
		return nil, nil
	}
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          qdrant.PtrOf(uint64(n)),
		Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchBool(activeKey, true)}},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	hits := make([]VectorHit, 0, len(results))
	for _, r := range results {
		id := r.GetPayload()[entryIDKey].GetStringValue()
		if id == "" {
			id = r.GetId().GetUuid()
		}
		hits = append(hits, VectorHit{ID: id, Similarity: float64(r.GetScore())})
	}
	return hits, nil
}

func (q *QdrantIndex) Close() error { return q.client.Close() }
