package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
	"github.com/nidhogg/memorybank/internal/retrieval"
)

type ctxKey int

const (
	agentKey ctxKey = iota
	adminKey
)

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// authenticate resolves the bearer credential to an agent.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" {
			h.writeError(w, r, fmt.Errorf("missing bearer credential: %w", errs.ErrUnauthorized))
			return
		}
		a, err := h.Identity.Authenticate(r.Context(), token)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), agentKey, a)))
	})
}

// requireAdmin admits the admin token, or an agent credential whose agent is
// a configured trusted principal.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" {
			h.writeError(w, r, fmt.Errorf("missing bearer credential: %w", errs.ErrUnauthorized))
			return
		}
		if h.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, true)))
			return
		}
		a, err := h.Identity.Authenticate(r.Context(), token)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if _, err := h.Engine.Trusted(a.ID); err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), agentKey, a)))
	})
}

// agentFrom returns the authenticated agent, or nil on admin-token requests.
func agentFrom(ctx context.Context) *model.Agent {
	a, _ := ctx.Value(agentKey).(*model.Agent)
	return a
}

// caller builds the retrieval caller. trusted asks for the trusted-principal
// bypass, which fails unless the agent is configured as trusted.
func (h *Handler) caller(r *http.Request, trusted bool) (retrieval.Caller, error) {
	a := agentFrom(r.Context())
	if trusted {
		return h.Engine.Trusted(a.ID)
	}
	return h.Engine.Caller(a.ID), nil
}
