package assignment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/assignment"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/capacity"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/equity"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/handoff"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/metrics"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/router"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/store"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday 09:00 in São Paulo.
var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

var errDB = errors.New("connection reset")

// flakyStore fails the next failures calls to CompleteHandoff.
type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) CompleteHandoff(ctx context.Context, id string, at time.Time) (*models.Handoff, *models.Conversation, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, nil, errDB
	}
	f.mu.Unlock()
	return f.MemoryStore.CompleteHandoff(ctx, id, at)
}

type spyMetrics struct {
	metrics.Nop
	mu          sync.Mutex
	outcomes    []string
	utilization map[string]float64
}

func (s *spyMetrics) RecordAssignment(method models.AssignmentMethod, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, string(method)+"/"+outcome)
}

func (s *spyMetrics) SetTeamUtilization(team string, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.utilization == nil {
		s.utilization = map[string]float64{}
	}
	s.utilization[team] = rate
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string, string) (*models.Classification, error) {
	return nil, fmt.Errorf("%w: timeout", models.ErrClassificationUnavailable)
}

type staticClassifier struct{ cls models.Classification }

func (c staticClassifier) Classify(context.Context, string, string) (*models.Classification, error) {
	cls := c.cls
	return &cls, nil
}

type env struct {
	store   *flakyStore
	svc     *assignment.Service
	metrics *spyMetrics
}

func newEnv(t *testing.T, opts ...assignment.Option) *env {
	t.Helper()
	ms := store.NewMemoryStore("")
	t.Cleanup(func() { ms.Close() })
	fs := &flakyStore{MemoryStore: ms}
	spy := &spyMetrics{}

	clock := func() time.Time { return t0 }
	analyzer := capacity.NewAnalyzer()
	selector := equity.NewSelector(equity.NewScorer(equity.DefaultWeights()), equity.DefaultBusinessHours())
	r := router.New(analyzer, selector, nil)
	m := handoff.New(fs, handoff.WithClock(clock), handoff.WithMetrics(spy))

	base := []assignment.Option{
		assignment.WithClock(clock),
		assignment.WithMetrics(spy),
		assignment.WithRetryBackOff(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
		}),
	}
	svc := assignment.New(fs, analyzer, selector, r, m, append(base, opts...)...)
	return &env{store: fs, svc: svc, metrics: spy}
}

func (e *env) team(t *testing.T, id string, typ models.TeamType, maxCap int) {
	t.Helper()
	require.NoError(t, e.store.CreateTeam(context.Background(), &models.Team{
		ID: id, Name: id, Type: typ, MaxCapacity: maxCap, IsActive: true, AutoAssignmentEnabled: true,
	}))
}

func (e *env) agent(t *testing.T, id string, online bool, teams ...string) {
	t.Helper()
	a := &models.Agent{ID: id, Name: id, IsActive: true, IsOnline: online, RoleCapacity: 50}
	for _, tm := range teams {
		a.Memberships = append(a.Memberships, models.TeamMembership{TeamID: tm, IsActive: true})
	}
	require.NoError(t, e.store.CreateAgent(context.Background(), a))
}

func (e *env) conversation(t *testing.T, id, team string) {
	t.Helper()
	require.NoError(t, e.store.CreateConversation(context.Background(), &models.Conversation{
		ID: id, Channel: "whatsapp", Status: models.ConversationOpen, AssignedTeamID: team,
		Priority: models.PriorityNormal, CreatedAt: t0,
	}))
}

func support() *models.Classification {
	return &models.Classification{Intent: "technical_support", Urgency: models.UrgencyNormal, FrustrationLevel: 3, Confidence: 60}
}

func TestAssignAutomatically_AssignsEquitably(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	e.agent(t, "ana", true, "sup")
	e.conversation(t, "c1", "")

	res, err := e.svc.AssignAutomatically(ctx, "c1", support())

	require.NoError(t, err)
	assert.True(t, res.Assigned)
	assert.Equal(t, "sup", res.TeamID)
	assert.Equal(t, "ana", res.AgentID)
	assert.Equal(t, models.MethodAutomaticEquitable, res.Method)
	assert.NotEmpty(t, res.HandoffID)
	require.NotNil(t, res.Recommendation)

	conv, err := e.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "ana", conv.AssignedUserID)
	assert.Equal(t, models.MethodAutomaticEquitable, conv.AssignmentMethod)

	h, err := e.store.GetHandoff(ctx, res.HandoffID)
	require.NoError(t, err)
	assert.Equal(t, models.HandoffCompleted, h.Status)
	assert.Equal(t, models.HandoffAutomatic, h.Type)
	require.NotNil(t, h.ClassificationSnapshot)
	assert.Equal(t, "technical_support", h.ClassificationSnapshot.Intent)
	meta, ok := h.Metadata.Payload.(models.RoutingMetadata)
	require.True(t, ok)
	assert.False(t, meta.Degraded)
	assert.Contains(t, e.metrics.outcomes, "automatic_equitable/assigned")
}

func TestAssignAutomatically_EquityConvergence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	agents := []string{"a1", "a2", "a3", "a4"}
	for _, id := range agents {
		e.agent(t, id, true, "sup")
	}

	counts := map[string]int{}
	for i := 0; i < 41; i++ {
		id := fmt.Sprintf("c%d", i)
		e.conversation(t, id, "")
		res, err := e.svc.AssignAutomatically(ctx, id, support())
		require.NoError(t, err)
		require.True(t, res.Assigned, "conversation %s", id)
		counts[res.AgentID]++
	}

	lo, hi := counts[agents[0]], counts[agents[0]]
	for _, id := range agents {
		lo = min(lo, counts[id])
		hi = max(hi, counts[id])
	}
	assert.LessOrEqual(t, hi-lo, 1, "counts %v", counts)

	report, err := e.svc.EquityStats(ctx, "sup")
	require.NoError(t, err)
	assert.Equal(t, 41, report.TotalAssigned)
	assert.LessOrEqual(t, report.Spread, 1)
	assert.Equal(t, 30, report.WindowDays)
	assert.True(t, report.IsBusinessHours)
	assert.Len(t, report.Agents, 4)
	assert.NotEmpty(t, report.NextAgentID)
}

func TestAssignFromMessage_DegradesWhenClassifierFails(t *testing.T) {
	e := newEnv(t, assignment.WithClassifier(failingClassifier{}))
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 10)
	e.team(t, "fin", models.TeamTypeFinance, 10)
	e.agent(t, "ana", true, "sup")
	e.agent(t, "bia", true, "fin")
	for i := 0; i < 5; i++ {
		e.conversation(t, fmt.Sprintf("busy%d", i), "sup")
	}
	e.conversation(t, "c1", "")

	res, err := e.svc.AssignFromMessage(ctx, "c1", "preciso de ajuda")

	require.NoError(t, err)
	assert.True(t, res.Assigned)
	assert.True(t, res.Degraded)
	assert.Equal(t, "fin", res.TeamID)
	assert.Equal(t, "bia", res.AgentID)
	assert.Equal(t, models.MethodAutomatic, res.Method)
	assert.Zero(t, res.Recommendation.Confidence)

	h, err := e.store.GetHandoff(ctx, res.HandoffID)
	require.NoError(t, err)
	assert.Nil(t, h.ClassificationSnapshot)
	meta, ok := h.Metadata.Payload.(models.RoutingMetadata)
	require.True(t, ok)
	assert.True(t, meta.Degraded)
}

func TestAssignFromMessage_UsesClassification(t *testing.T) {
	cls := models.Classification{Intent: "billing_inquiry", Urgency: models.UrgencyHigh, FrustrationLevel: 4, Confidence: 80}
	e := newEnv(t, assignment.WithClassifier(staticClassifier{cls: cls}))
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 10)
	e.team(t, "fin", models.TeamTypeFinance, 10)
	e.agent(t, "ana", true, "sup")
	e.agent(t, "bia", true, "fin")
	e.conversation(t, "c1", "")

	res, err := e.svc.AssignFromMessage(ctx, "c1", "minha fatura veio errada")

	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, "fin", res.TeamID)
	conv, _ := e.store.GetConversation(ctx, "c1")
	assert.Equal(t, models.PriorityHigh, conv.Priority)
}

func TestRecommendFromMessage(t *testing.T) {
	cls := models.Classification{Intent: "billing_inquiry", Urgency: models.UrgencyNormal, FrustrationLevel: 4, Confidence: 80}
	e := newEnv(t, assignment.WithClassifier(staticClassifier{cls: cls}))
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 10)
	e.team(t, "fin", models.TeamTypeFinance, 10)
	e.agent(t, "bia", true, "fin")
	e.conversation(t, "c1", "")

	rec, err := e.svc.RecommendFromMessage(ctx, "c1", "minha fatura veio errada")

	require.NoError(t, err)
	assert.False(t, rec.Degraded)
	assert.Equal(t, "fin", rec.TeamID)
	assert.Equal(t, models.TeamTypeFinance, rec.PreferredType)
	conv, _ := e.store.GetConversation(ctx, "c1")
	assert.Empty(t, conv.AssignedTeamID, "preview writes nothing")

	e = newEnv(t, assignment.WithClassifier(failingClassifier{}))
	e.team(t, "sup", models.TeamTypeSupport, 10)
	e.conversation(t, "c1", "")
	rec, err = e.svc.RecommendFromMessage(ctx, "c1", "oi")
	require.NoError(t, err)
	assert.True(t, rec.Degraded)
}

func TestAssignAutomatically_NoEligibleTeam(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateTeam(ctx, &models.Team{ID: "sup", Name: "sup", Type: models.TeamTypeSupport, IsActive: true}))
	e.agent(t, "ana", true, "sup")
	e.conversation(t, "c1", "")

	res, err := e.svc.AssignAutomatically(ctx, "c1", support())

	require.NoError(t, err)
	assert.False(t, res.Assigned)
	assert.Equal(t, models.FailureNoEligibleTeam, res.Failure)
	all, _ := e.store.ListHandoffs(ctx, store.HandoffFilter{})
	assert.Empty(t, all)
	conv, _ := e.store.GetConversation(ctx, "c1")
	assert.Empty(t, conv.AssignedTeamID)
	assert.Contains(t, e.metrics.outcomes, "/no_eligible_team")
}

func TestAssignAutomatically_NoAvailableAgent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 10)
	e.conversation(t, "c1", "")

	res, err := e.svc.AssignAutomatically(ctx, "c1", support())

	require.NoError(t, err)
	assert.False(t, res.Assigned)
	assert.Equal(t, models.FailureNoAvailableAgent, res.Failure)
	assert.Equal(t, "sup", res.TeamID)
	all, _ := e.store.ListHandoffs(ctx, store.HandoffFilter{})
	assert.Empty(t, all)
}

func TestAssignAutomatically_UnknownConversation(t *testing.T) {
	e := newEnv(t)
	e.team(t, "sup", models.TeamTypeSupport, 10)

	_, err := e.svc.AssignAutomatically(context.Background(), "ghost", support())

	require.ErrorIs(t, err, models.ErrConversationNotFound)
}

func TestAssignAutomatically_RetriesExecutionOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	e.agent(t, "ana", true, "sup")
	e.conversation(t, "c1", "")
	e.store.failures = 1

	res, err := e.svc.AssignAutomatically(ctx, "c1", support())

	require.NoError(t, err)
	assert.True(t, res.Assigned)
}

func TestAssignAutomatically_ExecutionFailureLeavesHandoffPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	e.agent(t, "ana", true, "sup")
	e.conversation(t, "c1", "")
	e.store.failures = 2

	_, err := e.svc.AssignAutomatically(ctx, "c1", support())

	require.ErrorIs(t, err, errDB)
	pending, err := e.svc.PendingHandoffs(ctx, handoff.PendingFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	conv, _ := e.store.GetConversation(ctx, "c1")
	assert.Empty(t, conv.AssignedUserID)

	out, err := e.svc.AcceptHandoff(ctx, pending[0].ID, "ana")
	require.NoError(t, err)
	assert.Equal(t, "ana", out.Conversation.AssignedUserID)
}

func TestAssignManually(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	e.team(t, "fin", models.TeamTypeFinance, 0)
	e.agent(t, "ana", true, "sup")
	e.agent(t, "bia", false, "fin")
	e.conversation(t, "c1", "sup")
	actor := models.Actor{UserID: "sup-lead"}

	res, err := e.svc.AssignManually(ctx, "c1", assignment.ManualTarget{UserID: "bia", Reason: "billing"}, actor)
	require.NoError(t, err)
	assert.True(t, res.Assigned)
	assert.Equal(t, "fin", res.TeamID)
	assert.Equal(t, "bia", res.AgentID)
	assert.Equal(t, models.MethodManual, res.Method)

	h, err := e.store.GetHandoff(ctx, res.HandoffID)
	require.NoError(t, err)
	assert.Equal(t, "sup", h.FromTeamID)
	meta, ok := h.Metadata.Payload.(models.ManualMetadata)
	require.True(t, ok)
	assert.Equal(t, "sup-lead", meta.ActorID)

	res, err = e.svc.AssignManually(ctx, "c1", assignment.ManualTarget{}, actor)
	require.NoError(t, err)
	assert.False(t, res.Assigned)
	conv, _ := e.store.GetConversation(ctx, "c1")
	assert.Empty(t, conv.AssignedTeamID)
	assert.Empty(t, conv.AssignedUserID)
	assert.Contains(t, e.metrics.outcomes, "manual/unassigned")
}

func TestAssignManually_RejectsInvalidTarget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	e.team(t, "fin", models.TeamTypeFinance, 0)
	e.agent(t, "ana", true, "sup")
	e.conversation(t, "c1", "")

	_, err := e.svc.AssignManually(ctx, "c1", assignment.ManualTarget{TeamID: "fin", UserID: "ana"}, models.Actor{})
	require.ErrorIs(t, err, models.ErrInvalidHandoffTarget)

	_, err = e.svc.AssignManually(ctx, "c1", assignment.ManualTarget{TeamID: "fin", UserID: "ana"}, models.Actor{Supervisor: true})
	require.NoError(t, err)
}

func TestCreateHandoff_EscalationWaitsForDecision(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	e.agent(t, "ana", true, "sup")
	e.conversation(t, "c1", "")

	out, err := e.svc.CreateHandoff(ctx, assignment.HandoffRequest{
		ConversationID: "c1",
		ToTeamID:       "sup",
		Type:           models.HandoffEscalation,
		Reason:         "customer asked for a human",
		Classification: &models.Classification{Intent: "complaint", FrustrationLevel: 9},
	})
	require.NoError(t, err)
	assert.Equal(t, models.HandoffPending, out.Handoff.Status)
	meta, ok := out.Handoff.Metadata.Payload.(models.EscalationMetadata)
	require.True(t, ok)
	assert.Equal(t, 9, meta.FrustrationLevel)

	pending, err := e.svc.PendingHandoffs(ctx, handoff.PendingFilter{TeamID: "sup"})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	accepted, err := e.svc.AcceptHandoff(ctx, out.Handoff.ID, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.HandoffCompleted, accepted.Handoff.Status)
	assert.Equal(t, "ana", accepted.Conversation.AssignedUserID)
}

func TestAcceptHandoff_RetriesExecution(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	e.agent(t, "ana", true, "sup")
	e.conversation(t, "c1", "")
	e.conversation(t, "c2", "")
	escalate := func(conv string) string {
		out, err := e.svc.CreateHandoff(ctx, assignment.HandoffRequest{ConversationID: conv, ToTeamID: "sup", Type: models.HandoffEscalation})
		require.NoError(t, err)
		return out.Handoff.ID
	}

	e.store.failures = 1
	out, err := e.svc.AcceptHandoff(ctx, escalate("c1"), "ana")
	require.NoError(t, err, "one storage failure is retried")
	assert.Equal(t, "ana", out.Conversation.AssignedUserID)

	e.store.failures = 2
	id := escalate("c2")
	_, err = e.svc.AcceptHandoff(ctx, id, "ana")
	require.ErrorIs(t, err, errDB)
	h, err := e.svc.GetHandoff(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.HandoffAccepted, h.Status)

	out, err = e.svc.AcceptHandoff(ctx, id, "ana")
	require.NoError(t, err)
	assert.False(t, out.AlreadyProcessed)
	assert.Equal(t, models.HandoffCompleted, out.Handoff.Status)
	conv, err := e.store.GetConversation(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "ana", conv.AssignedUserID)
}

func TestCreateHandoff_ManualExecutesImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	e.agent(t, "ana", true, "sup")
	e.conversation(t, "c1", "")

	out, err := e.svc.CreateHandoff(ctx, assignment.HandoffRequest{ConversationID: "c1", ToUserID: "ana"})

	require.NoError(t, err)
	assert.Equal(t, models.HandoffCompleted, out.Handoff.Status)
	assert.Equal(t, "sup", out.Conversation.AssignedTeamID)
}

func TestRejectHandoff(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	e.conversation(t, "c1", "")

	out, err := e.svc.CreateHandoff(ctx, assignment.HandoffRequest{ConversationID: "c1", ToTeamID: "sup", Type: models.HandoffEscalation})
	require.NoError(t, err)

	rej, err := e.svc.RejectHandoff(ctx, out.Handoff.ID, "not our area")
	require.NoError(t, err)
	assert.Equal(t, models.HandoffRejected, rej.Handoff.Status)

	again, err := e.svc.RejectHandoff(ctx, out.Handoff.ID, "twice")
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
}

func TestRecommend_HasNoSideEffects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	e.agent(t, "ana", true, "sup")
	e.conversation(t, "c1", "")

	rec, err := e.svc.Recommend(ctx, "c1", support())

	require.NoError(t, err)
	assert.Equal(t, "ana", rec.AgentID)
	all, _ := e.store.ListHandoffs(ctx, store.HandoffFilter{})
	assert.Empty(t, all)
	conv, _ := e.store.GetConversation(ctx, "c1")
	assert.Zero(t, conv.Version)

	_, err = e.svc.Recommend(ctx, "ghost", nil)
	require.ErrorIs(t, err, models.ErrConversationNotFound)
}

func TestTeamCapacities_UpdatesUtilizationGauge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 4)
	e.conversation(t, "c1", "sup")

	caps, err := e.svc.TeamCapacities(ctx)

	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.InDelta(t, 0.25, caps[0].UtilizationRate, 1e-9)
	assert.InDelta(t, 0.25, e.metrics.utilization["sup"], 1e-9)
}

func TestEquityStats_UnknownTeam(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.EquityStats(context.Background(), "ghost")

	var nf *store.ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func TestSetAgentOnline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.team(t, "sup", models.TeamTypeSupport, 0)
	e.agent(t, "ana", false, "sup")

	require.NoError(t, e.svc.SetAgentOnline(ctx, "ana", true))

	a, err := e.store.GetAgent(ctx, "ana")
	require.NoError(t, err)
	assert.True(t, a.IsOnline)
	require.NotNil(t, a.LastSeenAt)
	assert.Equal(t, t0, *a.LastSeenAt)
}
