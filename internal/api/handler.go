package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/embedding"
	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/grants"
	"github.com/nidhogg/memorybank/internal/identity"
	"github.com/nidhogg/memorybank/internal/model"
	"github.com/nidhogg/memorybank/internal/retrieval"
)

// Maintenance runs the sweeper jobs on demand.
type Maintenance interface {
	RunPurge(ctx context.Context) (int64, error)
	RunAggregate(ctx context.Context) (int64, error)
}

// Sources registers knowledge sources and indexes their chunks.
type Sources interface {
	UpsertSource(ctx context.Context, src *model.KnowledgeSource) (int64, error)
	GetSource(ctx context.Context, id int64) (*model.KnowledgeSource, error)
}

// ChunkIndexer writes knowledge chunks to the vector index.
type ChunkIndexer interface {
	Index(ctx context.Context, chunks ...model.KnowledgeChunk) error
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the HTTP API. Embedder and Health may be
// nil.
type Deps struct {
	Identity    *identity.Service
	Grants      *grants.Service
	Engine      *retrieval.Engine
	Maintenance Maintenance
	Sources     Sources
	Chunks      ChunkIndexer
	Embedder    embedding.Provider
	Health      Pinger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Deps
	adminToken string
	logger     *zap.Logger
}

// NewHandler creates a new API handler. adminToken guards registration
// and maintenance routes; an empty token disables token access to them.
func NewHandler(deps Deps, adminToken string, logger *zap.Logger) *Handler {
	return &Handler{Deps: deps, adminToken: adminToken, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.With(h.requireAdmin).Post("/agents", h.registerAgent)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)

			r.Get("/me", h.me)
			r.Get("/me/stats", h.stats)

			// Memory routes
			r.Post("/memories", h.remember)
			r.Post("/memories/search", h.searchMemory)
			r.Get("/memories/{id}", h.getMemory)
			r.Patch("/memories/{id}", h.updateMemory)
			r.Delete("/memories/{id}", h.forgetMemory)

			r.Post("/search", h.searchUnified)

			// Team routes
			r.Post("/teams", h.createTeam)
			r.Get("/teams", h.listTeams)
			r.Post("/teams/{teamID}/join", h.joinTeam)
			r.Post("/teams/{teamID}/leave", h.leaveTeam)
			r.Get("/teams/{teamID}/members", h.listMembers)
			r.Put("/teams/{teamID}/members/{agentID}", h.addMember)
			r.Delete("/teams/{teamID}/members/{agentID}", h.removeMember)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/bootstrap", h.bootstrap)
			r.Post("/aggregate", h.aggregate)
			r.Post("/purge", h.purge)
			r.Post("/sources", h.upsertSource)
			r.Post("/sources/{sourceID}/chunks", h.indexChunks)

			// Knowledge grant routes
			r.Get("/sources/{sourceID}/grants", h.listGrants)
			r.Post("/sources/{sourceID}/grants", h.createGrant)
			r.Post("/sources/{sourceID}/share", h.shareSource)
			r.Delete("/grants/{grantID}", h.revokeGrant)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queryVector returns the request's vector, embedding text when no vector
// was sent and an embedder is configured.
func (h *Handler) queryVector(ctx context.Context, vector []float32, text string) ([]float32, error) {
	if len(vector) > 0 {
		return vector, nil
	}
	if text == "" {
		return nil, errs.Invalid("query_vector or query is required")
	}
	if h.Embedder == nil {
		return nil, errs.Invalid("text queries need an embedding provider; send query_vector")
	}
	return embedding.EmbedOne(ctx, h.Embedder, text)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errs.Invalid("%s is not a uuid", name)
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 8<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Invalid("request body is empty")
		}
		return errs.Invalid("decode body: %v", err)
	}
	return nil
}

// writeError maps err to a status code. Internal details stay in the log.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		msg = "internal error"
	case http.StatusServiceUnavailable:
		h.logger.Warn("backend unavailable",
			zap.String("path", r.URL.Path), zap.Error(err))
		msg = "service unavailable, retry later"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
