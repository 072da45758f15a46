// Package store provides the storage interface and implementations for the
// conversation assignment engine. The in-memory store backs tests and local
// development; PostgreSQL backs production.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
)

// Store is the primary storage interface. All services depend on this
// interface so the in-memory and PostgreSQL implementations are swappable.
type Store interface {
	TeamStore
	AgentStore
	ConversationStore
	HandoffStore

	// Snapshot returns one consistent read of everything routing needs.
	// Assignment statistics only count handoffs completed at or after since.
	Snapshot(ctx context.Context, since time.Time) (*Snapshot, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error
}

// ── Team Store ──────────────────────────────────────────────

type TeamStore interface {
	ListTeams(ctx context.Context) ([]models.Team, error)
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	CreateTeam(ctx context.Context, team *models.Team) error
	UpdateTeam(ctx context.Context, team *models.Team) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	ListAgents(ctx context.Context) ([]models.Agent, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error

	// SetAgentOnline records a presence heartbeat.
	SetAgentOnline(ctx context.Context, id string, online bool, at time.Time) error
}

// ── Conversation Store ──────────────────────────────────────

// ConversationFilter narrows ListConversations. Zero fields match everything.
type ConversationFilter struct {
	Status     models.ConversationStatus
	TeamID     string
	UserID     string
	Unassigned bool
	Limit      int
}

type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	ListConversations(ctx context.Context, filter ConversationFilter) ([]models.Conversation, error)
}

// ── Handoff Store ───────────────────────────────────────────

// HandoffFilter narrows ListHandoffs. Zero fields match everything.
type HandoffFilter struct {
	ConversationID string
	Status         models.HandoffStatus
	ToUserID       string
	ToTeamID       string
	Limit          int
}

type HandoffStore interface {
	CreateHandoff(ctx context.Context, h *models.Handoff) error
	GetHandoff(ctx context.Context, id string) (*models.Handoff, error)
	ListHandoffs(ctx context.Context, filter HandoffFilter) ([]models.Handoff, error)

	// TransitionHandoff applies mutate to the handoff if its current status is
	// one of from. Otherwise it returns models.ErrHandoffAlreadyProcessed and
	// the stored record unchanged.
	TransitionHandoff(ctx context.Context, id string, from []models.HandoffStatus, mutate func(*models.Handoff)) (*models.Handoff, error)

	// CompleteHandoff atomically writes the handoff's target onto its
	// conversation and marks the handoff completed. It returns
	// models.ErrHandoffAlreadyProcessed when the handoff is no longer
	// executable, and ErrSuperseded (which matches it) after rejecting a
	// handoff whose conversation changed since the handoff was created.
	CompleteHandoff(ctx context.Context, id string, at time.Time) (*models.Handoff, *models.Conversation, error)

	// ExpiredHandoffs returns up to limit completed or rejected handoffs that
	// reached their terminal state before the cutoff, oldest first.
	ExpiredHandoffs(ctx context.Context, before time.Time, limit int) ([]models.Handoff, error)

	// DeleteHandoffs removes handoffs by ID and reports how many existed.
	DeleteHandoffs(ctx context.Context, ids []string) (int, error)
}

// ── Snapshot ────────────────────────────────────────────────

// AssignmentStat is the windowed assignment history of one agent in one team.
type AssignmentStat struct {
	Count          int
	LastAssignedAt *time.Time
}

// Snapshot is a point-in-time view of teams, rosters and load.
type Snapshot struct {
	TakenAt time.Time
	Since   time.Time
	Teams   []models.Team
	Agents  []models.Agent

	// TeamOpen counts open/pending conversations per assigned team.
	TeamOpen map[string]int
	// AgentOpen counts open/pending conversations per assigned agent, across teams.
	AgentOpen map[string]int
	// Assignments is keyed by StatKey(teamID, agentID).
	Assignments map[string]AssignmentStat
}

// StatKey builds the Snapshot.Assignments key.
func StatKey(teamID, agentID string) string {
	return key(teamID, agentID)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// applyHandoff writes the handoff target onto conv. Shared by both stores so
// the assignment semantics cannot drift apart.
func applyHandoff(conv *models.Conversation, h *models.Handoff, at time.Time) {
	if h.Unassign {
		conv.AssignedTeamID = ""
		conv.AssignedUserID = ""
		conv.AssignmentMethod = ""
		conv.AssignedAt = nil
	} else {
		conv.AssignedTeamID = h.ToTeamID
		conv.AssignedUserID = h.ToUserID
		conv.AssignmentMethod = h.Method
		t := at
		conv.AssignedAt = &t
	}
	if h.Priority != "" {
		conv.Priority = h.Priority
	}
	conv.Version++
	conv.UpdatedAt = at
}

// SupersededReason is stored on handoffs rejected because another transfer won.
const SupersededReason = "superseded: conversation changed since handoff was created"

// ErrSuperseded is returned by CompleteHandoff when it rejected the handoff
// because the conversation changed. It matches models.ErrHandoffAlreadyProcessed.
var ErrSuperseded = fmt.Errorf("%w: superseded", models.ErrHandoffAlreadyProcessed)
