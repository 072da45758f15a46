// Package notify publishes assignment and handoff events to registered sinks
// (webhook, RabbitMQ). Delivery is fire-and-forget: events are queued and a
// background worker fans each one out to every sink, so a slow or failing
// sink never delays an assignment.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/handoff"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/contracts"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// ── Event types ─────────────────────────────────────────────

const (
	EventHandoffCreated         = "handoff.created"
	EventHandoffCompleted       = "handoff.completed"
	EventHandoffRejected        = "handoff.rejected"
	EventConversationAssigned   = "conversation.assigned"
	EventConversationUnassigned = "conversation.unassigned"
)

// Event is the envelope handed to sinks.
type Event = contracts.Event

// HandoffEvent is the payload of handoff.* events.
type HandoffEvent struct {
	HandoffID       string                  `json:"handoff_id"`
	ConversationID  string                  `json:"conversation_id"`
	Type            models.HandoffType      `json:"type"`
	Status          models.HandoffStatus    `json:"status"`
	Method          models.AssignmentMethod `json:"method,omitempty"`
	FromTeamID      string                  `json:"from_team_id,omitempty"`
	FromUserID      string                  `json:"from_user_id,omitempty"`
	ToTeamID        string                  `json:"to_team_id,omitempty"`
	ToUserID        string                  `json:"to_user_id,omitempty"`
	Priority        models.Priority         `json:"priority,omitempty"`
	Reason          string                  `json:"reason,omitempty"`
	RejectionReason string                  `json:"rejection_reason,omitempty"`
	Summary         string                  `json:"summary,omitempty"`
	Metadata        models.Metadata         `json:"metadata"`
}

// AssignmentEvent is the payload of conversation.* events.
type AssignmentEvent struct {
	ConversationID string                  `json:"conversation_id"`
	HandoffID      string                  `json:"handoff_id"`
	TeamID         string                  `json:"team_id,omitempty"`
	AgentID        string                  `json:"agent_id,omitempty"`
	PreviousTeamID string                  `json:"previous_team_id,omitempty"`
	PreviousUserID string                  `json:"previous_user_id,omitempty"`
	Method         models.AssignmentMethod `json:"method,omitempty"`
	Priority       models.Priority         `json:"priority,omitempty"`
	AssignedAt     *time.Time              `json:"assigned_at,omitempty"`
}

// ── Service ─────────────────────────────────────────────────

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 30 * time.Second
)

// Service queues events and delivers them to every sink.
type Service struct {
	producer string
	sinks    []contracts.EventSink
	queue    chan Event
	timeout  time.Duration
	newID    func() string
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ handoff.Observer = (*Service)(nil)

// NewService starts a Service delivering to sinks. producer identifies this
// process in event metadata.
func NewService(producer string, sinks ...contracts.EventSink) *Service {
	s := &Service{
		producer: producer,
		sinks:    sinks,
		queue:    make(chan Event, defaultQueueSize),
		timeout:  defaultSendTimeout,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
	}
	for _, sk := range sinks {
		log.Info().Str("sink", sk.Name()).Msg("Registered event sink")
	}
	go s.run()
	return s
}

// Publish enqueues an event without blocking. When the queue is full the
// event is dropped and logged.
func (s *Service) Publish(ctx context.Context, eventType, correlationID string, data any) {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		correlationID = sc.TraceID().String()
	}
	ev := Event{
		Meta: contracts.EventMeta{
			ID:            s.newID(),
			Type:          eventType,
			Time:          s.now(),
			CorrelationID: correlationID,
			Producer:      s.producer,
		},
		Data: data,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		log.Warn().Str("event", eventType).Msg("Notify service closed, event dropped")
		return
	}
	select {
	case s.queue <- ev:
	default:
		log.Warn().Str("event", eventType).Str("id", ev.Meta.ID).Msg("Notify queue full, event dropped")
	}
}

func (s *Service) run() {
	defer close(s.done)
	for ev := range s.queue {
		s.deliver(ev)
	}
}

// deliver sends ev to all sinks concurrently and waits for them.
func (s *Service) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, sk := range s.sinks {
		wg.Add(1)
		go func(sk contracts.EventSink) {
			defer wg.Done()
			if err := sk.Publish(ctx, ev); err != nil {
				log.Warn().Err(err).Str("sink", sk.Name()).Str("event", ev.Meta.Type).Str("id", ev.Meta.ID).Msg("Event delivery failed")
				return
			}
			log.Debug().Str("sink", sk.Name()).Str("event", ev.Meta.Type).Str("id", ev.Meta.ID).Msg("Event delivered")
		}(sk)
	}
	wg.Wait()
}

// Close stops accepting events and waits until the queue drains or ctx ends.
// Sinks implementing io.Closer are closed afterwards.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("notify drain: %w", ctx.Err())
	}
	var errs []error
	for _, sk := range s.sinks {
		if c, ok := sk.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", sk.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// ── handoff.Observer ────────────────────────────────────────

// HandoffCreated announces handoffs that wait for a human decision.
// Immediately executed handoffs are announced on completion only.
func (s *Service) HandoffCreated(ctx context.Context, h *models.Handoff) {
	if h.Type != models.HandoffEscalation {
		return
	}
	s.Publish(ctx, EventHandoffCreated, h.ID, handoffEvent(h))
}

func (s *Service) HandoffCompleted(ctx context.Context, h *models.Handoff, conv *models.Conversation) {
	s.Publish(ctx, EventHandoffCompleted, h.ID, handoffEvent(h))

	ae := AssignmentEvent{
		ConversationID: conv.ID,
		HandoffID:      h.ID,
		TeamID:         conv.AssignedTeamID,
		AgentID:        conv.AssignedUserID,
		PreviousTeamID: h.FromTeamID,
		PreviousUserID: h.FromUserID,
		Method:         conv.AssignmentMethod,
		Priority:       conv.Priority,
		AssignedAt:     conv.AssignedAt,
	}
	if h.Unassign {
		s.Publish(ctx, EventConversationUnassigned, h.ID, ae)
		return
	}
	s.Publish(ctx, EventConversationAssigned, h.ID, ae)
}

func (s *Service) HandoffRejected(ctx context.Context, h *models.Handoff) {
	s.Publish(ctx, EventHandoffRejected, h.ID, handoffEvent(h))
}

func handoffEvent(h *models.Handoff) HandoffEvent {
	return HandoffEvent{
		HandoffID:       h.ID,
		ConversationID:  h.ConversationID,
		Type:            h.Type,
		Status:          h.Status,
		Method:          h.Method,
		FromTeamID:      h.FromTeamID,
		FromUserID:      h.FromUserID,
		ToTeamID:        h.ToTeamID,
		ToUserID:        h.ToUserID,
		Priority:        h.Priority,
		Reason:          h.Reason,
		RejectionReason: h.RejectionReason,
		Summary:         Summarize(h.Metadata),
		Metadata:        h.Metadata,
	}
}

// Summarize renders handoff metadata as one human-readable line.
func Summarize(m models.Metadata) string {
	switch p := m.Value().(type) {
	case nil:
		return ""
	case models.RoutingMetadata:
		switch {
		case p.Degraded:
			return "routed without classification"
		case p.Fallback:
			return fmt.Sprintf("routed to fallback team (preferred %s), confidence %.1f", p.PreferredType, p.Confidence)
		default:
			return fmt.Sprintf("routed to %s team, confidence %.1f", p.PreferredType, p.Confidence)
		}
	case models.EscalationMetadata:
		if p.FrustrationLevel > 0 {
			return fmt.Sprintf("escalated by %s, frustration %d/10", orUnknown(p.RequestedBy), p.FrustrationLevel)
		}
		return fmt.Sprintf("escalated by %s", orUnknown(p.RequestedBy))
	case models.ManualMetadata:
		if p.Supervisor {
			return fmt.Sprintf("transferred by supervisor %s", orUnknown(p.ActorID))
		}
		return fmt.Sprintf("transferred by %s", orUnknown(p.ActorID))
	default:
		log.Warn().Str("type", fmt.Sprintf("%T", p)).Msg("Unhandled handoff metadata, no summary")
		return ""
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "system"
	}
	return s
}
