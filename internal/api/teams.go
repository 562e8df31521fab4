package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nidhogg/memorybank/internal/identity"
	"github.com/nidhogg/memorybank/internal/model"
)

type registerResponse struct {
	Agent      *model.Agent `json:"agent"`
	Credential string       `json:"credential"`
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, cred, err := h.Identity.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Agent: a, Credential: cred})
}

type createTeamRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) createTeam(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	t, err := h.Identity.CreateTeam(r.Context(), agentFrom(r.Context()).ID, req.Name, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.Identity.ListTeams(r.Context(), agentFrom(r.Context()).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"teams": teams})
}

type roleRequest struct {
	Role model.Role `json:"role"`
}

// decodeRole reads an optional {"role": ...} body.
func decodeRole(r *http.Request) (model.Role, error) {
	if r.ContentLength == 0 {
		return "", nil
	}
	var req roleRequest
	if err := decode(r, &req); err != nil {
		return "", err
	}
	return req.Role, nil
}

func (h *Handler) joinTeam(w http.ResponseWriter, r *http.Request) {
	teamID, err := pathUUID(r, "teamID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	role, err := decodeRole(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Identity.JoinTeam(r.Context(), teamID, agentFrom(r.Context()).ID, role); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) leaveTeam(w http.ResponseWriter, r *http.Request) {
	teamID, err := pathUUID(r, "teamID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Identity.LeaveTeam(r.Context(), teamID, agentFrom(r.Context()).ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type member struct {
	AgentID uuid.UUID  `json:"agent_id"`
	Role    model.Role `json:"role"`
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	teamID, err := pathUUID(r, "teamID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	roles, err := h.Identity.Members(r.Context(), agentFrom(r.Context()).ID, teamID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	members := make([]member, 0, len(roles))
	for id, role := range roles {
		members = append(members, member{AgentID: id, Role: role})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": members})
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	teamID, err := pathUUID(r, "teamID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	agentID, err := pathUUID(r, "agentID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	role, err := decodeRole(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if role == "" {
		role = model.RoleMember
	}
	if err := h.Identity.AddMember(r.Context(), agentFrom(r.Context()).ID, teamID, agentID, role); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	teamID, err := pathUUID(r, "teamID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	agentID, err := pathUUID(r, "agentID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Identity.RemoveMember(r.Context(), agentFrom(r.Context()).ID, teamID, agentID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
