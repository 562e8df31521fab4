// Package knowledge is the knowledge-base corpus: chunks of externally
// ingested sources, indexed by embedding and keyed by a numeric chunk id.
package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
	"github.com/nidhogg/memorybank/internal/vectorstore"
)

// DefaultCollection is the vector collection holding knowledge chunks.
const DefaultCollection = "kb_chunks"

// Candidate is one chunk returned by an unfiltered ANN query.
type Candidate struct {
	Chunk model.KnowledgeChunk
	Score float32
}

// Corpus reads and writes knowledge chunks in a vector index.
type Corpus struct {
	index      vectorstore.Index
	collection string
	dimension  int
	logger     *zap.Logger
}

// NewCorpus creates a knowledge corpus over the given index collection.
// Every indexed chunk must have exactly dimension components.
func NewCorpus(index vectorstore.Index, collection string, dimension int, logger *zap.Logger) *Corpus {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Corpus{index: index, collection: collection, dimension: dimension, logger: logger}
}

// InitCollection ensures the chunk collection exists.
func (c *Corpus) InitCollection(ctx context.Context) error {
	if err := c.index.EnsureCollection(ctx, c.collection, uint64(c.dimension)); err != nil {
		return fmt.Errorf("init collection %s: %w", c.collection, err)
	}
	return nil
}

// Index upserts chunks produced by an ingestion pipeline. Each chunk must
// carry an id, a source and an embedding of the corpus dimension. Nothing
// is written unless every chunk is valid.
func (c *Corpus) Index(ctx context.Context, chunks ...model.KnowledgeChunk) error {
	points := make([]vectorstore.Point, 0, len(chunks))
	for _, ch := range chunks {
		if ch.ID == 0 || ch.SourceID == 0 {
			return errs.Invalid("chunk needs an id and a source id")
		}
		if len(ch.Embedding) == 0 {
			return errs.Invalid("chunk %d has no embedding", ch.ID)
		}
		if c.dimension > 0 && len(ch.Embedding) != c.dimension {
			return errs.Invalid("chunk %d embedding has %d dimensions, want %d", ch.ID, len(ch.Embedding), c.dimension)
		}
		indexedAt := ch.IndexedAt
		if indexedAt.IsZero() {
			indexedAt = time.Now()
		}
		points = append(points, vectorstore.Point{
			ID:     strconv.FormatUint(ch.ID, 10),
			Vector: ch.Embedding,
			Payload: map[string]string{
				"source_id":   strconv.FormatInt(ch.SourceID, 10),
				"chunk_index": strconv.Itoa(ch.ChunkIndex),
				"title":       ch.Title,
				"url":         ch.URL,
				"content":     ch.Content,
				"indexed_at":  indexedAt.UTC().Format(time.RFC3339Nano),
			},
		})
	}
	if err := c.index.Upsert(ctx, c.collection, points...); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}
	return nil
}

// Remove deletes chunks from the index.
func (c *Corpus) Remove(ctx context.Context, ids ...uint64) error {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatUint(id, 10)
	}
	return c.index.Delete(ctx, c.collection, strs...)
}

// Candidates returns up to k nearest chunks with no filtering applied.
// Hits whose payload cannot be decoded are skipped.
func (c *Corpus) Candidates(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	hits, err := c.index.Search(ctx, c.collection, vector, uint64(k))
	if err != nil {
		return nil, fmt.Errorf("knowledge candidates: %w", err)
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		ch, err := decodeChunk(h)
		if err != nil {
			c.logger.Warn("skip malformed chunk", zap.String("id", h.ID), zap.Error(err))
			continue
		}
		out = append(out, Candidate{Chunk: ch, Score: h.Score})
	}
	return out, nil
}

func decodeChunk(h *vectorstore.SearchResult) (model.KnowledgeChunk, error) {
	var ch model.KnowledgeChunk
	id, err := strconv.ParseUint(h.ID, 10, 64)
	if err != nil {
		return ch, fmt.Errorf("chunk id: %w", err)
	}
	src, err := strconv.ParseInt(h.Payload["source_id"], 10, 64)
	if err != nil {
		return ch, fmt.Errorf("source_id: %w", err)
	}
	ch.ID = id
	ch.SourceID = src
	ch.ChunkIndex, _ = strconv.Atoi(h.Payload["chunk_index"])
	ch.Title = h.Payload["title"]
	ch.URL = h.Payload["url"]
	ch.Content = h.Payload["content"]
	if ts := h.Payload["indexed_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ch.IndexedAt = t
		}
	}
	return ch, nil
}
