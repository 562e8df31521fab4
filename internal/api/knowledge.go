package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
)

func pathSourceID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sourceID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Invalid("sourceID must be a positive integer")
	}
	return id, nil
}

// grantor is the agent recorded as granted_by. Agent requests use the
// caller; admin-token requests must name one.
func grantor(r *http.Request, named *uuid.UUID) (uuid.UUID, error) {
	if a := agentFrom(r.Context()); a != nil {
		return a.ID, nil
	}
	if named == nil || *named == uuid.Nil {
		return uuid.Nil, errs.Invalid("granted_by is required with the admin token")
	}
	return *named, nil
}

func (h *Handler) listGrants(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathSourceID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	grants, err := h.Grants.List(r.Context(), sourceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if grants == nil {
		grants = []*model.AccessGrant{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"grants": grants})
}

type grantRequest struct {
	AgentID    *uuid.UUID       `json:"agent_id"`
	TeamID     *uuid.UUID       `json:"team_id"`
	Global     bool             `json:"global"`
	Permission model.Permission `json:"permission"`
	GrantedBy  *uuid.UUID       `json:"granted_by"`
}

func (h *Handler) createGrant(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathSourceID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req grantRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := model.ParsePrincipal(req.AgentID, req.TeamID, req.Global)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	by, err := grantor(r, req.GrantedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.Grants.Grant(r.Context(), sourceID, p, req.Permission, by)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"grant_id": id})
}

type shareRequest struct {
	// TeamID shares with one team; omitted shares globally.
	TeamID    *uuid.UUID `json:"team_id"`
	GrantedBy *uuid.UUID `json:"granted_by"`
}

func (h *Handler) shareSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathSourceID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req shareRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	by, err := grantor(r, req.GrantedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.Grants.Share(r.Context(), sourceID, req.TeamID, by)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"grant_id": id})
}

func (h *Handler) revokeGrant(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "grantID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Grants.Revoke(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bootstrapRequest struct {
	GrantedBy *uuid.UUID `json:"granted_by"`
}

func (h *Handler) bootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	by, err := grantor(r, req.GrantedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	n, err := h.Grants.BootstrapGlobalAccess(r.Context(), by)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"grants_created": n})
}

func (h *Handler) aggregate(w http.ResponseWriter, r *http.Request) {
	n, err := h.Maintenance.RunAggregate(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"memories_updated": n})
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	n, err := h.Maintenance.RunPurge(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"memories_purged": n})
}

type sourceRequest struct {
	URL        string          `json:"url"`
	Title      string          `json:"title"`
	SourceType string          `json:"source_type"`
	Metadata   json.RawMessage `json:"metadata"`
}

func (h *Handler) upsertSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.URL == "" {
		h.writeError(w, r, errs.Invalid("url is required"))
		return
	}
	src := &model.KnowledgeSource{URL: req.URL, Title: req.Title, SourceType: req.SourceType, Metadata: req.Metadata}
	id, err := h.Sources.UpsertSource(r.Context(), src)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	src.ID = id
	writeJSON(w, http.StatusOK, src)
}

type chunkRequest struct {
	ID         uint64    `json:"id"`
	ChunkIndex int       `json:"chunk_index"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding"`
}

func (h *Handler) indexChunks(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathSourceID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Chunks []chunkRequest `json:"chunks"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Chunks) == 0 {
		h.writeError(w, r, errs.Invalid("chunks is empty"))
		return
	}
	if _, err := h.Sources.GetSource(r.Context(), sourceID); err != nil {
		h.writeError(w, r, err)
		return
	}
	chunks := make([]model.KnowledgeChunk, len(req.Chunks))
	for i, c := range req.Chunks {
		vec, err := h.queryVector(r.Context(), c.Embedding, c.Content)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		chunks[i] = model.KnowledgeChunk{
			ID:         c.ID,
			SourceID:   sourceID,
			ChunkIndex: c.ChunkIndex,
			Title:      c.Title,
			URL:        c.URL,
			Content:    c.Content,
			Embedding:  vec,
		}
	}
	if err := h.Chunks.Index(r.Context(), chunks...); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": len(chunks)})
}
