// Package contracts defines the boundary between the assignment engine and
// its collaborators: the route layer, the classifier and the event sinks.
//
// The Handlers struct in api/handlers depends on AssignmentService, so an
// alternative engine (or a test double) is a single line change in the
// wiring code.
package contracts

import (
	"context"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/handoff"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/store"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Assignment Service ──────────────────────────────────────

// ManualTarget names where a conversation should go. Both IDs empty means
// unassign.
type ManualTarget struct {
	TeamID   string          `json:"team_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Priority models.Priority `json:"priority,omitempty"`
	Note     string          `json:"note,omitempty"`
}

// HandoffRequest is a lifecycle request coming from outside the engine.
type HandoffRequest struct {
	ConversationID string                 `json:"conversation_id"`
	ToTeamID       string                 `json:"to_team_id,omitempty"`
	ToUserID       string                 `json:"to_user_id,omitempty"`
	Type           models.HandoffType     `json:"type,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Priority       models.Priority        `json:"priority,omitempty"`
	Classification *models.Classification `json:"classification,omitempty"`
	Note           string                 `json:"note,omitempty"`
	Actor          models.Actor           `json:"-"`
}

// AssignmentService is the engine as seen by the route layer.
// Implementation: internal/assignment.Service
type AssignmentService interface {
	AssignAutomatically(ctx context.Context, conversationID string, cls *models.Classification) (*models.AssignmentResult, error)
	AssignFromMessage(ctx context.Context, conversationID, text string) (*models.AssignmentResult, error)
	AssignManually(ctx context.Context, conversationID string, target ManualTarget, actor models.Actor) (*models.AssignmentResult, error)
	Recommend(ctx context.Context, conversationID string, cls *models.Classification) (*models.HandoffRecommendation, error)
	RecommendFromMessage(ctx context.Context, conversationID, text string) (*models.HandoffRecommendation, error)

	TeamCapacities(ctx context.Context) ([]models.TeamCapacity, error)
	EquityStats(ctx context.Context, teamID string) (*models.EquityReport, error)

	CreateHandoff(ctx context.Context, req HandoffRequest) (*handoff.Outcome, error)
	AcceptHandoff(ctx context.Context, handoffID, agentID string) (*handoff.Outcome, error)
	RejectHandoff(ctx context.Context, handoffID, reason string) (*handoff.Outcome, error)
	PendingHandoffs(ctx context.Context, f handoff.PendingFilter) ([]models.Handoff, error)
	GetHandoff(ctx context.Context, id string) (*models.Handoff, error)

	SetAgentOnline(ctx context.Context, agentID string, online bool) error
}

// ── Classification Provider ─────────────────────────────────

// ClassificationProvider labels an inbound message. Failures should wrap
// models.ErrClassificationUnavailable.
// Implementation: internal/classifier.Client
type ClassificationProvider interface {
	Classify(ctx context.Context, conversationID, text string) (*models.Classification, error)
}

// ── Events ──────────────────────────────────────────────────

// EventMeta identifies one published event.
type EventMeta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"` // e.g. conversation.assigned
	Time          time.Time `json:"time"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
}

// Event is the envelope every sink receives.
type Event struct {
	Meta EventMeta `json:"meta"`
	Data any       `json:"data"`
}

// EventSink delivers events to one destination. Publish may block; the
// notify service calls it off the request path.
// Implementations: internal/notify.WebhookSink, internal/notify.AMQPSink
type EventSink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}
