package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Chromem is an embedded Index backed by chromem-go. With an empty path it
// is memory-only, which suits development and tests.
type Chromem struct {
	db *chromem.DB

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

var _ Index = (*Chromem)(nil)

var errTextEmbedding = errors.New("chromem index only accepts precomputed embeddings")

// NewChromem opens a chromem-go database, persisted under path if set.
func NewChromem(path string) (*Chromem, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem %s: %w", path, err)
		}
	}
	return &Chromem{db: db, collections: make(map[string]*chromem.Collection)}, nil
}

func noTextEmbedding(context.Context, string) ([]float32, error) {
	return nil, errTextEmbedding
}

func (c *Chromem) collection(name string) (*chromem.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[name]; ok {
		return col, nil
	}
	col, err := c.db.GetOrCreateCollection(name, nil, noTextEmbedding)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", name, err)
	}
	c.collections[name] = col
	return col, nil
}

// EnsureCollection creates the collection. Chromem infers the dimension
// from the first document.
func (c *Chromem) EnsureCollection(_ context.Context, name string, _ uint64) error {
	_, err := c.collection(name)
	return err
}

func (c *Chromem) Upsert(ctx context.Context, collection string, points ...Point) error {
	col, err := c.collection(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		meta := make(map[string]string, len(p.Payload))
		for k, v := range p.Payload {
			meta[k] = v
		}
		content := meta["content"]
		if content == "" {
			content = p.ID
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		if err := col.AddDocument(ctx, chromem.Document{
			ID:        p.ID,
			Metadata:  meta,
			Embedding: vec,
			Content:   content,
		}); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", collection, p.ID, err)
		}
	}
	return nil
}

// Search clamps topK to the collection size; chromem rejects larger values.
func (c *Chromem) Search(ctx context.Context, collection string, vector []float32, topK uint64) ([]*SearchResult, error) {
	col, err := c.collection(collection)
	if err != nil {
		return nil, err
	}
	n := col.Count()
	if n == 0 || topK == 0 {
		return []*SearchResult{}, nil
	}
	if uint64(n) > topK {
		n = int(topK)
	}
	res, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	out := make([]*SearchResult, 0, len(res))
	for _, r := range res {
		out = append(out, &SearchResult{ID: r.ID, Score: r.Similarity, Payload: r.Metadata})
	}
	return out, nil
}

func (c *Chromem) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := c.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

func (c *Chromem) Close() error { return nil }
