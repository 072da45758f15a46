// Package assignment is the entry point of the assignment engine. It ties
// the snapshot read, the team router and the handoff state machine together
// and turns routing failures into result values the route layer can queue
// for manual triage.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/capacity"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/equity"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/handoff"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/metrics"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/router"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/store"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/contracts"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultEquityWindow bounds the assignment history used for fairness.
const DefaultEquityWindow = 30 * 24 * time.Hour

var tracer = otel.Tracer("educhat-assignment")

// Classifier produces a Classification for an inbound message.
type Classifier = contracts.ClassificationProvider

// ManualTarget names where a conversation should go.
type ManualTarget = contracts.ManualTarget

// HandoffRequest is a lifecycle request coming from outside the engine.
type HandoffRequest = contracts.HandoffRequest

// Service is the assignment façade.
type Service struct {
	store      store.Store
	analyzer   *capacity.Analyzer
	selector   *equity.Selector
	router     *router.Router
	machine    *handoff.Machine
	classifier Classifier
	metrics    metrics.Collector
	window     time.Duration
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

var _ contracts.AssignmentService = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithClassifier enables AssignFromMessage and RecommendFromMessage.
func WithClassifier(c Classifier) Option { return func(s *Service) { s.classifier = c } }

// WithMetrics records assignment outcomes.
func WithMetrics(c metrics.Collector) Option { return func(s *Service) { s.metrics = c } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithEquityWindow sets how far back assignment history counts.
func WithEquityWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithRetryBackOff sets the policy used to retry a failed execution.
func WithRetryBackOff(f func() backoff.BackOff) Option {
	return func(s *Service) { s.newBackOff = f }
}

// New creates a Service.
func New(st store.Store, analyzer *capacity.Analyzer, selector *equity.Selector, r *router.Router, m *handoff.Machine, opts ...Option) *Service {
	s := &Service{
		store:    st,
		analyzer: analyzer,
		selector: selector,
		router:   r,
		machine:  m,
		metrics:  metrics.NewNop(),
		window:   DefaultEquityWindow,
		now:      func() time.Time { return time.Now().UTC() },
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 1)
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ── Automatic assignment ────────────────────────────────────

// AssignAutomatically routes the conversation and executes the result. A nil
// classification routes in degraded mode to the least-utilized eligible team.
// Routing failures come back as AssignmentResult.Failure with a nil error.
func (s *Service) AssignAutomatically(ctx context.Context, conversationID string, cls *models.Classification) (res *models.AssignmentResult, err error) {
	ctx, span := tracer.Start(ctx, "assignment.AssignAutomatically",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Bool("assignment.degraded", cls == nil),
		),
	)
	defer func() { endSpan(span, res, err) }()

	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	rec, err := s.recommend(ctx, conv, cls)
	s.metrics.ObserveSelection(time.Since(started))

	res = &models.AssignmentResult{ConversationID: conv.ID, Degraded: cls == nil}
	switch {
	case errors.Is(err, models.ErrNoEligibleTeam):
		res.Failure = models.FailureNoEligibleTeam
		s.metrics.RecordAssignment("", metrics.OutcomeNoEligibleTeam)
		log.Warn().Str("conversation", conv.ID).Msg("No eligible team, leaving conversation for manual triage")
		return res, nil
	case err != nil:
		s.metrics.RecordAssignment("", metrics.OutcomeError)
		return nil, err
	}
	res.Recommendation = rec
	res.TeamID = rec.TeamID

	if rec.AgentID == "" {
		res.Failure = models.FailureNoAvailableAgent
		s.metrics.RecordAssignment("", metrics.OutcomeNoAvailableAgent)
		log.Warn().Str("conversation", conv.ID).Str("team", rec.TeamID).Msg("Team has no available agent, leaving conversation for manual triage")
		return res, nil
	}

	method := models.MethodAutomaticEquitable
	if rec.Degraded {
		method = models.MethodAutomatic
	}
	alts := make([]string, 0, len(rec.Alternatives))
	for _, a := range rec.Alternatives {
		alts = append(alts, a.TeamID)
	}
	h, err := s.machine.Create(ctx, handoff.Request{
		ConversationID: conv.ID,
		ToTeamID:       rec.TeamID,
		ToUserID:       rec.AgentID,
		Type:           models.HandoffAutomatic,
		Method:         method,
		Reason:         rec.Reason,
		Priority:       rec.Priority,
		Classification: cls,
		Metadata: models.NewMetadata(models.RoutingMetadata{
			PreferredType: rec.PreferredType,
			Confidence:    rec.Confidence,
			Reason:        rec.Reason,
			Alternatives:  alts,
			Fallback:      rec.Fallback,
			Degraded:      rec.Degraded,
			TableVersion:  rec.TableVersion,
		}),
	})
	if err != nil {
		s.metrics.RecordAssignment(method, metrics.OutcomeError)
		return nil, err
	}
	res.HandoffID = h.ID
	res.Method = method

	if err := s.finish(ctx, res, h, method); err != nil {
		return nil, err
	}
	return res, nil
}

// AssignFromMessage classifies text and assigns. When the classifier is not
// configured or fails, assignment degrades instead of failing.
func (s *Service) AssignFromMessage(ctx context.Context, conversationID, text string) (*models.AssignmentResult, error) {
	return s.AssignAutomatically(ctx, conversationID, s.classify(ctx, conversationID, text))
}

// RecommendFromMessage classifies text and previews routing, degrading the
// same way as AssignFromMessage.
func (s *Service) RecommendFromMessage(ctx context.Context, conversationID, text string) (*models.HandoffRecommendation, error) {
	return s.Recommend(ctx, conversationID, s.classify(ctx, conversationID, text))
}

// classify returns nil when no classification is available.
func (s *Service) classify(ctx context.Context, conversationID, text string) *models.Classification {
	if s.classifier == nil {
		return nil
	}
	cls, err := s.classifier.Classify(ctx, conversationID, text)
	if err != nil {
		log.Warn().Err(err).Str("conversation", conversationID).Msg("Classification unavailable, routing degraded")
		return nil
	}
	return cls
}

// Recommend previews routing without writing anything.
func (s *Service) Recommend(ctx context.Context, conversationID string, cls *models.Classification) (*models.HandoffRecommendation, error) {
	ctx, span := tracer.Start(ctx, "assignment.Recommend",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.recommend(ctx, conv, cls)
}

func (s *Service) recommend(ctx context.Context, conv *models.Conversation, cls *models.Classification) (*models.HandoffRecommendation, error) {
	now := s.now()
	snap, err := s.store.Snapshot(ctx, now.Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	rc := router.ContextFor(conv)
	if cls == nil {
		return s.router.RecommendFallback(ctx, snap, rc, now)
	}
	return s.router.Recommend(ctx, snap, *cls, rc, now)
}

// ── Manual assignment ───────────────────────────────────────

// AssignManually transfers the conversation to target without routing. An
// empty target unassigns the conversation.
func (s *Service) AssignManually(ctx context.Context, conversationID string, target ManualTarget, actor models.Actor) (res *models.AssignmentResult, err error) {
	ctx, span := tracer.Start(ctx, "assignment.AssignManually",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("actor.id", actor.UserID),
		),
	)
	defer func() { endSpan(span, res, err) }()

	unassign := target.TeamID == "" && target.UserID == ""
	h, err := s.machine.Create(ctx, handoff.Request{
		ConversationID: conversationID,
		ToTeamID:       target.TeamID,
		ToUserID:       target.UserID,
		Unassign:       unassign,
		Type:           models.HandoffManual,
		Method:         models.MethodManual,
		Reason:         target.Reason,
		Priority:       target.Priority,
		Actor:          actor,
		Metadata: models.NewMetadata(models.ManualMetadata{
			ActorID:    actor.UserID,
			Supervisor: actor.Supervisor,
			Note:       target.Note,
		}),
	})
	if err != nil {
		return nil, err
	}

	res = &models.AssignmentResult{
		ConversationID: conversationID,
		HandoffID:      h.ID,
		Method:         models.MethodManual,
		TeamID:         h.ToTeamID,
		AgentID:        h.ToUserID,
	}
	if err := s.finish(ctx, res, h, models.MethodManual); err != nil {
		return nil, err
	}
	return res, nil
}

// finish executes h and fills res from the outcome.
func (s *Service) finish(ctx context.Context, res *models.AssignmentResult, h *models.Handoff, method models.AssignmentMethod) error {
	out, err := s.execute(ctx, h.ID)
	if err != nil {
		s.metrics.RecordAssignment(method, metrics.OutcomeError)
		log.Error().Err(err).Str("handoff", h.ID).Str("conversation", h.ConversationID).Msg("Handoff execution failed, handoff left pending")
		return err
	}

	if out.AlreadyProcessed {
		res.AlreadyProcessed = true
		if out.Conversation != nil {
			res.TeamID = out.Conversation.AssignedTeamID
			res.AgentID = out.Conversation.AssignedUserID
		}
		s.metrics.RecordAssignment(method, metrics.OutcomeAlreadyProcessed)
		return nil
	}

	res.TeamID = out.Conversation.AssignedTeamID
	res.AgentID = out.Conversation.AssignedUserID
	if h.Unassign {
		s.metrics.RecordAssignment(method, metrics.OutcomeUnassigned)
		return nil
	}
	res.Assigned = true
	s.metrics.RecordAssignment(method, metrics.OutcomeAssigned)
	return nil
}

// execute runs the handoff, retrying storage failures per the back-off
// policy. Domain errors are not retried.
func (s *Service) execute(ctx context.Context, handoffID string) (*handoff.Outcome, error) {
	op := func() (*handoff.Outcome, error) {
		out, err := s.machine.Execute(ctx, handoffID)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, models.ErrConversationNotFound) || errors.Is(err, models.ErrHandoffNotFound) {
			return nil, backoff.Permanent(err)
		}
		log.Warn().Err(err).Str("handoff", handoffID).Msg("Handoff execution failed, retrying")
		return nil, err
	}
	return backoff.RetryWithData(op, backoff.WithContext(s.newBackOff(), ctx))
}

// ── Handoff lifecycle ───────────────────────────────────────

// CreateHandoff records a pending handoff. Manual and automatic handoffs are
// executed immediately; escalations wait for AcceptHandoff or RejectHandoff.
func (s *Service) CreateHandoff(ctx context.Context, req HandoffRequest) (*handoff.Outcome, error) {
	ctx, span := tracer.Start(ctx, "assignment.CreateHandoff",
		trace.WithAttributes(
			attribute.String("conversation.id", req.ConversationID),
			attribute.String("handoff.type", string(req.Type)),
		),
	)
	defer span.End()

	var meta models.Metadata
	switch req.Type {
	case models.HandoffEscalation:
		level := 0
		if req.Classification != nil {
			level = req.Classification.FrustrationLevel
		}
		meta = models.NewMetadata(models.EscalationMetadata{
			RequestedBy:      req.Actor.UserID,
			FrustrationLevel: level,
			Note:             req.Note,
		})
	default:
		meta = models.NewMetadata(models.ManualMetadata{
			ActorID:    req.Actor.UserID,
			Supervisor: req.Actor.Supervisor,
			Note:       req.Note,
		})
	}

	h, err := s.machine.Create(ctx, handoff.Request{
		ConversationID: req.ConversationID,
		ToTeamID:       req.ToTeamID,
		ToUserID:       req.ToUserID,
		Type:           req.Type,
		Reason:         req.Reason,
		Priority:       req.Priority,
		Classification: req.Classification,
		Metadata:       meta,
		Actor:          req.Actor,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if h.Type == models.HandoffEscalation {
		return &handoff.Outcome{Handoff: h}, nil
	}

	out, err := s.execute(ctx, h.ID)
	if err != nil {
		span.RecordError(err)
		s.metrics.RecordAssignment(h.Method, metrics.OutcomeError)
		return nil, err
	}
	outcome := metrics.OutcomeAssigned
	if out.AlreadyProcessed {
		outcome = metrics.OutcomeAlreadyProcessed
	}
	s.metrics.RecordAssignment(h.Method, outcome)
	return out, nil
}

// AcceptHandoff accepts a pending handoff for agentID and executes it. A
// handoff this agent already accepted whose execution failed is executed again.
func (s *Service) AcceptHandoff(ctx context.Context, handoffID, agentID string) (*handoff.Outcome, error) {
	ctx, span := tracer.Start(ctx, "assignment.AcceptHandoff",
		trace.WithAttributes(attribute.String("handoff.id", handoffID)))
	defer span.End()

	claimed, err := s.machine.Claim(ctx, handoffID, agentID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if claimed.AlreadyProcessed {
		return claimed, nil
	}

	out, err := s.execute(ctx, handoffID)
	if err != nil {
		span.RecordError(err)
		s.metrics.RecordAssignment(claimed.Handoff.Method, metrics.OutcomeError)
		return nil, err
	}
	outcome := metrics.OutcomeAssigned
	if out.AlreadyProcessed {
		outcome = metrics.OutcomeAlreadyProcessed
	}
	s.metrics.RecordAssignment(claimed.Handoff.Method, outcome)
	return out, nil
}

// RejectHandoff rejects a pending handoff.
func (s *Service) RejectHandoff(ctx context.Context, handoffID, reason string) (*handoff.Outcome, error) {
	return s.machine.Reject(ctx, handoffID, reason)
}

// PendingHandoffs lists handoffs awaiting a decision for an agent or team.
func (s *Service) PendingHandoffs(ctx context.Context, f handoff.PendingFilter) ([]models.Handoff, error) {
	return s.machine.Pending(ctx, f)
}

// GetHandoff returns one handoff.
func (s *Service) GetHandoff(ctx context.Context, id string) (*models.Handoff, error) {
	return s.machine.Get(ctx, id)
}

// ── Observability ───────────────────────────────────────────

// TeamCapacities returns the load picture of every active team.
func (s *Service) TeamCapacities(ctx context.Context) ([]models.TeamCapacity, error) {
	snap, err := s.store.Snapshot(ctx, s.now().Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	caps := s.analyzer.TeamCapacities(snap)
	for _, tc := range caps {
		s.metrics.SetTeamUtilization(tc.TeamName, tc.UtilizationRate)
	}
	if caps == nil {
		caps = []models.TeamCapacity{}
	}
	return caps, nil
}

// EquityStats reports how evenly the team's work is spread and who would be
// picked next.
func (s *Service) EquityStats(ctx context.Context, teamID string) (*models.EquityReport, error) {
	if _, err := s.store.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	now := s.now()
	snap, err := s.store.Snapshot(ctx, now.Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	loads := s.analyzer.AgentLoads(snap, teamID)
	report := &models.EquityReport{
		TeamID:          teamID,
		GeneratedAt:     now,
		WindowDays:      int(math.Round(s.window.Hours() / 24)),
		IsBusinessHours: s.selector.IsBusinessHours(now),
		Agents:          make([]models.AgentEquity, 0, len(loads)),
	}
	minAssigned, maxAssigned := 0, 0
	for i, l := range loads {
		report.Agents = append(report.Agents, models.AgentEquity{AgentLoad: l, Score: s.selector.Score(l, now)})
		report.TotalAssigned += l.TotalAssignments
		if i == 0 || l.TotalAssignments < minAssigned {
			minAssigned = l.TotalAssignments
		}
		if l.TotalAssignments > maxAssigned {
			maxAssigned = l.TotalAssignments
		}
	}
	if n := len(loads); n > 0 {
		report.MeanAssigned = float64(report.TotalAssigned) / float64(n)
		report.Spread = maxAssigned - minAssigned
	}
	if ranked := s.selector.Rank(loads, now); len(ranked) > 0 {
		report.NextAgentID = ranked[0].Load.AgentID
	}
	return report, nil
}

// SetAgentOnline records an agent presence heartbeat.
func (s *Service) SetAgentOnline(ctx context.Context, agentID string, online bool) error {
	return s.store.SetAgentOnline(ctx, agentID, online, s.now())
}

// ── helpers ─────────────────────────────────────────────────

func (s *Service) conversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", models.ErrConversationNotFound, id)
		}
		return nil, err
	}
	return conv, nil
}

func endSpan(span trace.Span, res *models.AssignmentResult, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if res != nil {
		span.SetAttributes(
			attribute.Bool("assignment.assigned", res.Assigned),
			attribute.String("assignment.team", res.TeamID),
			attribute.String("assignment.agent", res.AgentID),
			attribute.String("assignment.failure", string(res.Failure)),
		)
	}
	span.End()
}
