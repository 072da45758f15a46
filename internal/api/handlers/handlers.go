// Package handlers implements the HTTP handlers for the assignment service.
// Directory handlers (teams, agents, conversations) talk to the Store;
// everything that routes or transfers a conversation goes through the
// AssignmentService.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/store"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/contracts"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.Store
	Assignment contracts.AssignmentService
	now        func() time.Time
}

// New creates a new Handlers instance.
func New(s store.Store, svc contracts.AssignmentService) *Handlers {
	return &Handlers{
		Store:      s,
		Assignment: svc,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Health reports whether the store is reachable.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "educhat-assignment",
	})
}

// ══════════════════════════════════════════════════════════════
// ── Team Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.Store.ListTeams(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if teams == nil {
		teams = []models.Team{}
	}
	respondJSON(w, http.StatusOK, teams)
}

func (h *Handlers) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var req models.Team
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Type == "" {
		respondError(w, http.StatusBadRequest, "name and team_type are required")
		return
	}
	if req.MaxCapacity < 0 {
		respondError(w, http.StatusBadRequest, "max_capacity must not be negative")
		return
	}

	now := h.now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.CreatedAt = now
	req.UpdatedAt = now

	if err := h.Store.CreateTeam(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("team", req.Name).Str("id", req.ID).Str("type", string(req.Type)).Msg("Team created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetTeam(w http.ResponseWriter, r *http.Request) {
	team, err := h.Store.GetTeam(r.Context(), chi.URLParam(r, "teamId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, team)
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Store.ListAgents(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if teamID := r.URL.Query().Get("team_id"); teamID != "" {
		filtered := agents[:0]
		for _, a := range agents {
			if a.MemberOf(teamID) {
				filtered = append(filtered, a)
			}
		}
		agents = filtered
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req models.Agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.RoleCapacity < 0 {
		respondError(w, http.StatusBadRequest, "role_capacity must not be negative")
		return
	}

	now := h.now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	for i := range req.Memberships {
		if _, err := h.Store.GetTeam(r.Context(), req.Memberships[i].TeamID); err != nil {
			respondDomainError(w, err)
			return
		}
		if req.Memberships[i].JoinedAt.IsZero() {
			req.Memberships[i].JoinedAt = now
		}
	}
	req.CreatedAt = now
	req.UpdatedAt = now

	if err := h.Store.CreateAgent(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("agent", req.Name).Str("id", req.ID).Int("teams", len(req.Memberships)).Msg("Agent created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Store.GetAgent(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

// SetPresence records an agent heartbeat: {"online": true}.
func (h *Handlers) SetPresence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		respondError(w, http.StatusBadRequest, "online is required")
		return
	}

	agentID := chi.URLParam(r, "agentId")
	if err := h.Assignment.SetAgentOnline(r.Context(), agentID, *req.Online); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "online": *req.Online})
}

// ══════════════════════════════════════════════════════════════
// ── Conversation Handlers ────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListConversations supports status, team_id, user_id, unassigned and limit
// query parameters.
func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ConversationFilter{
		Status: models.ConversationStatus(q.Get("status")),
		TeamID: q.Get("team_id"),
		UserID: q.Get("user_id"),
	}
	filter.Unassigned, _ = strconv.ParseBool(q.Get("unassigned"))
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	convs, err := h.Store.ListConversations(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	respondJSON(w, http.StatusOK, convs)
}

func (h *Handlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req models.Conversation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !req.Priority.Valid() {
		respondError(w, http.StatusBadRequest, "unknown priority "+string(req.Priority))
		return
	}
	if req.Status == "" {
		req.Status = models.ConversationOpen
	}

	now := h.now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	// Assignment only happens through handoffs.
	req.AssignedTeamID = ""
	req.AssignedUserID = ""
	req.AssignmentMethod = ""
	req.AssignedAt = nil
	req.Version = 0
	req.CreatedAt = now
	req.UpdatedAt = now

	if err := h.Store.CreateConversation(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("conversation", req.ID).Str("channel", req.Channel).Msg("Conversation created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.Store.GetConversation(r.Context(), chi.URLParam(r, "conversationId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps engine errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	switch {
	case errors.As(err, &nf),
		errors.Is(err, models.ErrConversationNotFound),
		errors.Is(err, models.ErrHandoffNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInvalidHandoffTarget),
		errors.Is(err, models.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNoEligibleTeam):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, models.ErrHandoffAlreadyProcessed):
		respondJSON(w, http.StatusOK, map[string]any{"already_processed": true})
	default:
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
