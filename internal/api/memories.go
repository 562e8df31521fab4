package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nidhogg/memorybank/internal/memory"
	"github.com/nidhogg/memorybank/internal/model"
	"github.com/nidhogg/memorybank/internal/retrieval"
)

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, agentFrom(r.Context()))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	c, _ := h.caller(r, false)
	st, err := h.Engine.Stats(r.Context(), c)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type rememberRequest struct {
	Type       model.MemoryType `json:"memory_type"`
	Content    string           `json:"content"`
	Summary    string           `json:"summary"`
	Embedding  []float32        `json:"embedding"`
	Scope      model.Scope      `json:"scope"`
	SourceID   *int64           `json:"source_id"`
	ChunkID    *int64           `json:"chunk_id"`
	Tags       []string         `json:"tags"`
	Namespace  string           `json:"namespace"`
	Metadata   json.RawMessage  `json:"metadata"`
	Importance *float64         `json:"importance"`
	ExpiresAt  *time.Time       `json:"expires_at"`
}

func (h *Handler) remember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	vec, err := h.queryVector(r.Context(), req.Embedding, req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Type == "" {
		req.Type = model.Semantic
	}
	c, _ := h.caller(r, false)
	m, err := h.Engine.Remember(r.Context(), c, memory.Draft{
		Type:       req.Type,
		Scope:      req.Scope,
		Content:    req.Content,
		Summary:    req.Summary,
		Embedding:  vec,
		SourceID:   req.SourceID,
		ChunkID:    req.ChunkID,
		Tags:       req.Tags,
		Namespace:  req.Namespace,
		Metadata:   req.Metadata,
		Importance: req.Importance,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, _ := h.caller(r, false)
	m, err := h.Engine.Get(r.Context(), c, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type updateRequest struct {
	Content     *string         `json:"content"`
	Summary     *string         `json:"summary"`
	Embedding   []float32       `json:"embedding"`
	Importance  *float64        `json:"importance"`
	Tags        []string        `json:"tags"`
	Scope       *model.Scope    `json:"scope"`
	Namespace   *string         `json:"namespace"`
	Metadata    json.RawMessage `json:"metadata"`
	ExpiresAt   *time.Time      `json:"expires_at"`
	ClearExpiry bool            `json:"clear_expiry"`
}

func (h *Handler) updateMemory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req updateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Content != nil && len(req.Embedding) == 0 && h.Embedder != nil {
		if req.Embedding, err = h.queryVector(r.Context(), nil, *req.Content); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	c, _ := h.caller(r, false)
	m, err := h.Engine.Update(r.Context(), c, id, memory.Patch{
		Content:     req.Content,
		Summary:     req.Summary,
		Embedding:   req.Embedding,
		Importance:  req.Importance,
		Tags:        req.Tags,
		Scope:       req.Scope,
		Namespace:   req.Namespace,
		Metadata:    req.Metadata,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) forgetMemory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, _ := h.caller(r, false)
	if err := h.Engine.Forget(r.Context(), c, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	QueryVector []float32          `json:"query_vector"`
	Query       string             `json:"query"`
	MatchCount  int                `json:"match_count"`
	Threshold   *float64           `json:"threshold"`
	Types       []model.MemoryType `json:"memory_types"`
	Scopes      []model.Scope      `json:"scopes"`
	Namespace   string             `json:"namespace"`
	Tags        []string           `json:"tags"`
	// Trusted requests the trusted-principal bypass.
	Trusted bool `json:"trusted"`
}

func (h *Handler) searchMemory(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.caller(r, req.Trusted)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	vec, err := h.queryVector(r.Context(), req.QueryVector, req.Query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	results, err := h.Engine.SearchMemory(r.Context(), c, retrieval.MemoryQuery{
		Vector:     vec,
		MatchCount: req.MatchCount,
		Threshold:  req.Threshold,
		Types:      req.Types,
		Scopes:     req.Scopes,
		Namespace:  req.Namespace,
		Tags:       req.Tags,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

type unifiedRequest struct {
	QueryVector []float32 `json:"query_vector"`
	Query       string    `json:"query"`
	MatchCount  int       `json:"match_count"`
	Threshold   *float64  `json:"threshold"`
	Trusted     bool      `json:"trusted"`
}

func (h *Handler) searchUnified(w http.ResponseWriter, r *http.Request) {
	var req unifiedRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.caller(r, req.Trusted)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	vec, err := h.queryVector(r.Context(), req.QueryVector, req.Query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	results, err := h.Engine.SearchUnified(r.Context(), c, retrieval.UnifiedQuery{
		Vector:     vec,
		MatchCount: req.MatchCount,
		Threshold:  req.Threshold,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}
