package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/api/middleware"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/handoff"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/contracts"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/go-chi/chi/v5"
)

// routingRequest is the body of the auto-assign and recommendation endpoints.
// A message is classified first; a classification is used as given; neither
// routes in degraded mode.
type routingRequest struct {
	Classification *models.Classification `json:"classification,omitempty"`
	Message        string                 `json:"message,omitempty"`
}

// handoffResponse is the JSON view of a lifecycle outcome.
type handoffResponse struct {
	Handoff          *models.Handoff      `json:"handoff"`
	Conversation     *models.Conversation `json:"conversation,omitempty"`
	AlreadyProcessed bool                 `json:"already_processed"`
}

func outcomeResponse(out *handoff.Outcome) handoffResponse {
	return handoffResponse{
		Handoff:          out.Handoff,
		Conversation:     out.Conversation,
		AlreadyProcessed: out.AlreadyProcessed,
	}
}

// decodeOptional decodes body into v, accepting an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ══════════════════════════════════════════════════════════════
// ── Assignment Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// AssignAutomatically routes a conversation. Routing failures are reported in
// the result body with status 200.
func (h *Handlers) AssignAutomatically(w http.ResponseWriter, r *http.Request) {
	var req routingRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := chi.URLParam(r, "conversationId")
	var (
		res *models.AssignmentResult
		err error
	)
	if req.Classification == nil && strings.TrimSpace(req.Message) != "" {
		res, err = h.Assignment.AssignFromMessage(r.Context(), id, req.Message)
	} else {
		res, err = h.Assignment.AssignAutomatically(r.Context(), id, req.Classification)
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// AssignManually transfers a conversation to a team and/or agent. An empty
// target unassigns it.
func (h *Handlers) AssignManually(w http.ResponseWriter, r *http.Request) {
	var target contracts.ManualTarget
	if err := decodeOptional(r, &target); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	actor := middleware.GetActor(r.Context())
	res, err := h.Assignment.AssignManually(r.Context(), chi.URLParam(r, "conversationId"), target, actor)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Recommend previews routing without assigning. A message is classified the
// same way as for auto-assign.
func (h *Handlers) Recommend(w http.ResponseWriter, r *http.Request) {
	var req routingRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := chi.URLParam(r, "conversationId")
	var (
		rec *models.HandoffRecommendation
		err error
	)
	if req.Classification == nil && strings.TrimSpace(req.Message) != "" {
		rec, err = h.Assignment.RecommendFromMessage(r.Context(), id, req.Message)
	} else {
		rec, err = h.Assignment.Recommend(r.Context(), id, req.Classification)
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handlers) TeamCapacities(w http.ResponseWriter, r *http.Request) {
	caps, err := h.Assignment.TeamCapacities(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, caps)
}

func (h *Handlers) TeamEquity(w http.ResponseWriter, r *http.Request) {
	report, err := h.Assignment.EquityStats(r.Context(), chi.URLParam(r, "teamId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ══════════════════════════════════════════════════════════════
// ── Handoff Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateHandoff(w http.ResponseWriter, r *http.Request) {
	var req contracts.HandoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ConversationID == "" {
		respondError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	req.Actor = middleware.GetActor(r.Context())

	out, err := h.Assignment.CreateHandoff(r.Context(), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if out.AlreadyProcessed {
		status = http.StatusOK
	}
	respondJSON(w, status, outcomeResponse(out))
}

// ListPendingHandoffs supports agent_id and team_id query parameters.
func (h *Handlers) ListPendingHandoffs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hs, err := h.Assignment.PendingHandoffs(r.Context(), handoff.PendingFilter{
		AgentID: q.Get("agent_id"),
		TeamID:  q.Get("team_id"),
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if hs == nil {
		hs = []models.Handoff{}
	}
	respondJSON(w, http.StatusOK, hs)
}

func (h *Handlers) GetHandoff(w http.ResponseWriter, r *http.Request) {
	ho, err := h.Assignment.GetHandoff(r.Context(), chi.URLParam(r, "handoffId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ho)
}

// AcceptHandoff accepts for the agent named in the body, or for the caller
// when the body omits it.
func (h *Handlers) AcceptHandoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AgentID == "" {
		req.AgentID = middleware.GetActor(r.Context()).UserID
	}

	out, err := h.Assignment.AcceptHandoff(r.Context(), chi.URLParam(r, "handoffId"), req.AgentID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcomeResponse(out))
}

func (h *Handlers) RejectHandoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	out, err := h.Assignment.RejectHandoff(r.Context(), chi.URLParam(r, "handoffId"), req.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcomeResponse(out))
}
