// Package handoff owns the lifecycle of conversation transfers.
//
//	pending ──accept──▶ accepted ──execute──▶ completed
//	   │                                         ▲
//	   ├──────────────execute────────────────────┘
//	   └──reject──▶ rejected
//
// Execute is the only place where conversation ownership changes. It is
// idempotent: executing a handoff that is no longer pending or accepted, or
// whose conversation moved on since the handoff was created, is a no-op.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/metrics"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/store"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Observer is told about every lifecycle change. Implementations must not block.
type Observer interface {
	HandoffCreated(ctx context.Context, h *models.Handoff)
	HandoffCompleted(ctx context.Context, h *models.Handoff, conv *models.Conversation)
	HandoffRejected(ctx context.Context, h *models.Handoff)
}

// Request asks for a transfer. At least one of ToTeamID and ToUserID is
// required unless Unassign is set, in which case both must be empty.
type Request struct {
	ConversationID string
	ToTeamID       string
	ToUserID       string
	Unassign       bool
	Type           models.HandoffType
	Method         models.AssignmentMethod // derived from Type when empty
	Reason         string
	Priority       models.Priority
	Classification *models.Classification
	Metadata       models.Metadata
	Actor          models.Actor
}

// Outcome is the result of an execution attempt.
type Outcome struct {
	Handoff      *models.Handoff
	Conversation *models.Conversation
	// AlreadyProcessed is set when the call was a no-op.
	AlreadyProcessed bool
}

// Machine is the handoff state machine.
type Machine struct {
	store     store.Store
	now       func() time.Time
	newID     func() string
	metrics   metrics.Collector
	observers []Observer
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithIDGenerator overrides uuid.NewString.
func WithIDGenerator(f func() string) Option { return func(m *Machine) { m.newID = f } }

// WithMetrics records transitions.
func WithMetrics(c metrics.Collector) Option { return func(m *Machine) { m.metrics = c } }

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// New creates a Machine.
func New(s store.Store, opts ...Option) *Machine {
	m := &Machine{
		store:   s,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		metrics: metrics.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create validates req and persists a pending handoff. Nothing is written
// when validation fails.
func (m *Machine) Create(ctx context.Context, req Request) (*models.Handoff, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	conv, err := m.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, mapNotFound(err)
	}

	teamID, userID, err := m.resolveTarget(ctx, &req, conv)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = models.MethodManual
		if req.Type == models.HandoffAutomatic {
			method = models.MethodAutomatic
		}
	}

	h := &models.Handoff{
		ID:                  m.newID(),
		ConversationID:      conv.ID,
		FromUserID:          conv.AssignedUserID,
		FromTeamID:          conv.AssignedTeamID,
		ToUserID:            userID,
		ToTeamID:            teamID,
		Unassign:            req.Unassign,
		Type:                req.Type,
		Method:              method,
		Reason:              req.Reason,
		Priority:            req.Priority,
		Status:              models.HandoffPending,
		Metadata:            req.Metadata,
		ConversationVersion: conv.Version,
		RequestedBy:         req.Actor.UserID,
		CreatedAt:           m.now(),
	}
	if req.Classification != nil {
		cls := *req.Classification
		h.ClassificationSnapshot = &cls
	}

	if err := m.store.CreateHandoff(ctx, h); err != nil {
		return nil, fmt.Errorf("create handoff: %w", err)
	}
	m.metrics.RecordHandoffTransition(models.HandoffPending)
	for _, o := range m.observers {
		o.HandoffCreated(ctx, h)
	}

	log.Info().
		Str("handoff", h.ID).
		Str("conversation", h.ConversationID).
		Str("type", string(h.Type)).
		Str("to_team", h.ToTeamID).
		Str("to_user", h.ToUserID).
		Bool("unassign", h.Unassign).
		Msg("Handoff created")
	return h, nil
}

func validate(req *Request) error {
	if req.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", models.ErrInvalidRequest)
	}
	if req.Type == "" {
		req.Type = models.HandoffManual
	}
	switch req.Type {
	case models.HandoffManual, models.HandoffAutomatic, models.HandoffEscalation:
	default:
		return fmt.Errorf("%w: handoff type %q", models.ErrInvalidRequest, req.Type)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", models.ErrInvalidRequest, req.Priority)
	}
	if req.Unassign {
		if req.ToTeamID != "" || req.ToUserID != "" {
			return fmt.Errorf("%w: unassign cannot name a target", models.ErrInvalidHandoffTarget)
		}
		if req.Type == models.HandoffEscalation {
			return fmt.Errorf("%w: an escalation cannot unassign", models.ErrInvalidHandoffTarget)
		}
		return nil
	}
	if req.ToTeamID == "" && req.ToUserID == "" {
		return fmt.Errorf("%w: neither team nor user specified", models.ErrInvalidHandoffTarget)
	}
	return nil
}

// resolveTarget checks the target exists and is consistent. An agent-only
// target lands in the conversation's current team when the agent belongs to
// it, else in the agent's first active team. Supervisors may place an agent
// outside their teams.
func (m *Machine) resolveTarget(ctx context.Context, req *Request, conv *models.Conversation) (string, string, error) {
	if req.Unassign {
		return "", "", nil
	}

	teamID := req.ToTeamID
	if teamID != "" {
		if _, err := m.store.GetTeam(ctx, teamID); err != nil {
			return "", "", targetErr(err, "team %s", teamID)
		}
	}
	if req.ToUserID == "" {
		return teamID, "", nil
	}

	agent, err := m.store.GetAgent(ctx, req.ToUserID)
	if err != nil {
		return "", "", targetErr(err, "agent %s", req.ToUserID)
	}
	if !agent.IsActive {
		return "", "", fmt.Errorf("%w: agent %s is inactive", models.ErrInvalidHandoffTarget, agent.ID)
	}

	supervisor := req.Actor.Supervisor
	if teamID == "" {
		switch {
		case conv.AssignedTeamID != "" && agent.MemberOf(conv.AssignedTeamID):
			teamID = conv.AssignedTeamID
		case agent.PrimaryTeam() != "":
			teamID = agent.PrimaryTeam()
		case supervisor && conv.AssignedTeamID != "":
			teamID = conv.AssignedTeamID
		case supervisor:
			return "", "", fmt.Errorf("%w: supervisor must name a team for agent %s", models.ErrInvalidHandoffTarget, agent.ID)
		default:
			return "", "", fmt.Errorf("%w: agent %s belongs to no active team", models.ErrInvalidHandoffTarget, agent.ID)
		}
		return teamID, agent.ID, nil
	}

	if !agent.MemberOf(teamID) && !supervisor {
		return "", "", fmt.Errorf("%w: agent %s is not a member of team %s", models.ErrInvalidHandoffTarget, agent.ID, teamID)
	}
	return teamID, agent.ID, nil
}

func targetErr(err error, format string, args ...any) error {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: "+format+" not found", append([]any{models.ErrInvalidHandoffTarget}, args...)...)
	}
	return err
}

// Execute applies a pending or accepted handoff to its conversation in one
// atomic step. A handoff that is already terminal, or that lost a race with
// another transfer of the same conversation, yields AlreadyProcessed and no
// error. An unknown conversation is a hard error.
func (m *Machine) Execute(ctx context.Context, id string) (*Outcome, error) {
	at := m.now()
	h, conv, err := m.store.CompleteHandoff(ctx, id, at)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrHandoffAlreadyProcessed):
		if errors.Is(err, store.ErrSuperseded) {
			m.metrics.RecordHandoffTransition(models.HandoffRejected)
			for _, o := range m.observers {
				o.HandoffRejected(ctx, h)
			}
			log.Info().Str("handoff", id).Str("conversation", h.ConversationID).Msg("Handoff superseded by a concurrent transfer")
		} else {
			log.Info().Str("handoff", id).Str("status", string(h.Status)).Msg("Handoff already processed, skipping execute")
		}
		return &Outcome{Handoff: h, Conversation: conv, AlreadyProcessed: true}, nil
	default:
		return nil, mapNotFound(err)
	}

	m.metrics.RecordHandoffTransition(models.HandoffCompleted)
	for _, o := range m.observers {
		o.HandoffCompleted(ctx, h, conv)
	}
	log.Info().
		Str("handoff", h.ID).
		Str("conversation", conv.ID).
		Str("team", conv.AssignedTeamID).
		Str("agent", conv.AssignedUserID).
		Str("method", string(conv.AssignmentMethod)).
		Msg("Handoff executed")
	return &Outcome{Handoff: h, Conversation: conv}, nil
}

// Accept claims a handoff for agentID and then executes it. A team-only
// handoff is taken by the accepting agent, who must belong to that team.
func (m *Machine) Accept(ctx context.Context, id, agentID string) (*Outcome, error) {
	out, err := m.Claim(ctx, id, agentID)
	if err != nil || out.AlreadyProcessed {
		return out, err
	}
	return m.Execute(ctx, id)
}

// Claim moves a pending handoff to accepted on behalf of agentID without
// executing it. A handoff already accepted by the same agent is returned as
// is so a failed execution can be retried.
func (m *Machine) Claim(ctx context.Context, id, agentID string) (*Outcome, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: accepting agent is required", models.ErrInvalidRequest)
	}
	h, err := m.store.GetHandoff(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	switch {
	case h.Status == models.HandoffAccepted && h.AcceptedBy == agentID:
		log.Info().Str("handoff", id).Str("agent", agentID).Msg("Handoff already accepted, resuming execute")
		return &Outcome{Handoff: h}, nil
	case h.Status == models.HandoffAccepted:
		return nil, fmt.Errorf("%w: handoff %s was accepted by agent %s", models.ErrInvalidTransition, id, h.AcceptedBy)
	case h.Status != models.HandoffPending:
		log.Info().Str("handoff", id).Str("status", string(h.Status)).Msg("Handoff already processed, skipping accept")
		return &Outcome{Handoff: h, AlreadyProcessed: true}, nil
	}
	if h.Unassign {
		return nil, fmt.Errorf("%w: unassign handoffs cannot be accepted", models.ErrInvalidTransition)
	}
	if h.ToUserID != "" && h.ToUserID != agentID {
		return nil, fmt.Errorf("%w: handoff %s is addressed to agent %s", models.ErrInvalidTransition, id, h.ToUserID)
	}
	if h.ToUserID == "" {
		agent, err := m.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, targetErr(err, "agent %s", agentID)
		}
		if !agent.IsActive || !agent.MemberOf(h.ToTeamID) {
			return nil, fmt.Errorf("%w: agent %s cannot take handoffs for team %s", models.ErrInvalidHandoffTarget, agentID, h.ToTeamID)
		}
	}

	at := m.now()
	accepted, err := m.store.TransitionHandoff(ctx, id, []models.HandoffStatus{models.HandoffPending}, func(h *models.Handoff) {
		h.Status = models.HandoffAccepted
		h.AcceptedBy = agentID
		h.AcceptedAt = &at
		if h.ToUserID == "" {
			h.ToUserID = agentID
		}
	})
	if errors.Is(err, models.ErrHandoffAlreadyProcessed) {
		cur, _ := m.store.GetHandoff(ctx, id)
		log.Info().Str("handoff", id).Msg("Handoff already processed, skipping accept")
		return &Outcome{Handoff: cur, AlreadyProcessed: true}, nil
	}
	if err != nil {
		return nil, mapNotFound(err)
	}
	m.metrics.RecordHandoffTransition(models.HandoffAccepted)
	log.Info().Str("handoff", id).Str("agent", agentID).Msg("Handoff accepted")
	return &Outcome{Handoff: accepted}, nil
}

// Reject moves a pending handoff to rejected. The conversation is untouched.
func (m *Machine) Reject(ctx context.Context, id, reason string) (*Outcome, error) {
	at := m.now()
	h, err := m.store.TransitionHandoff(ctx, id, []models.HandoffStatus{models.HandoffPending}, func(h *models.Handoff) {
		h.Status = models.HandoffRejected
		h.RejectionReason = reason
		h.RejectedAt = &at
	})
	if errors.Is(err, models.ErrHandoffAlreadyProcessed) {
		log.Info().Str("handoff", id).Str("status", string(h.Status)).Msg("Handoff already processed, skipping reject")
		return &Outcome{Handoff: h, AlreadyProcessed: true}, nil
	}
	if err != nil {
		return nil, mapNotFound(err)
	}

	m.metrics.RecordHandoffTransition(models.HandoffRejected)
	for _, o := range m.observers {
		o.HandoffRejected(ctx, h)
	}
	log.Info().Str("handoff", id).Str("reason", reason).Msg("Handoff rejected")
	return &Outcome{Handoff: h}, nil
}

// PendingFilter selects pending handoffs by addressee. Empty fields match all.
type PendingFilter struct {
	AgentID string
	TeamID  string
}

// Pending lists handoffs awaiting a decision, oldest first.
func (m *Machine) Pending(ctx context.Context, f PendingFilter) ([]models.Handoff, error) {
	hs, err := m.store.ListHandoffs(ctx, store.HandoffFilter{
		Status:   models.HandoffPending,
		ToUserID: f.AgentID,
		ToTeamID: f.TeamID,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending handoffs: %w", err)
	}
	if hs == nil {
		hs = []models.Handoff{}
	}
	return hs, nil
}

// Get returns one handoff.
func (m *Machine) Get(ctx context.Context, id string) (*models.Handoff, error) {
	h, err := m.store.GetHandoff(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return h, nil
}

// mapNotFound converts store misses into domain errors.
func mapNotFound(err error) error {
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		return err
	}
	switch nf.Entity {
	case "conversation":
		return fmt.Errorf("%w: %s", models.ErrConversationNotFound, nf.Key)
	case "handoff":
		return fmt.Errorf("%w: %s", models.ErrHandoffNotFound, nf.Key)
	}
	return err
}
