package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/api"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/api/handlers"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/assignment"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/capacity"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/config"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/equity"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/handoff"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/metrics"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/router"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/store"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type billingClassifier struct{}

func (billingClassifier) Classify(context.Context, string, string) (*models.Classification, error) {
	return &models.Classification{Intent: "billing_inquiry", Urgency: models.UrgencyNormal, Confidence: 80}, nil
}

type testServer struct {
	handler http.Handler
}

func newTestServer(t *testing.T, keys ...string) *testServer {
	t.Helper()
	return newTestServerWith(t, nil, keys...)
}

func newTestServerWith(t *testing.T, opts []assignment.Option, keys ...string) *testServer {
	t.Helper()
	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewPrometheus(reg, "")
	analyzer := capacity.NewAnalyzer()
	selector := equity.NewSelector(equity.NewScorer(equity.DefaultWeights()), equity.DefaultBusinessHours())
	machine := handoff.New(st, handoff.WithMetrics(m))
	svc := assignment.New(st, analyzer, selector, router.New(analyzer, selector, nil), machine, append([]assignment.Option{assignment.WithMetrics(m)}, opts...)...)

	cfg := &config.Config{Version: "test"}
	cfg.Auth.APIKeys = keys
	return &testServer{handler: api.NewRouter(cfg, handlers.New(st, svc), reg)}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// seed creates a support team with one online agent and an unassigned
// conversation, returning their IDs.
func (s *testServer) seed(t *testing.T) (teamID, agentID, convID string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/teams", map[string]any{
		"name": "Suporte", "team_type": "support", "is_active": true, "auto_assignment_enabled": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	teamID = decode[models.Team](t, w).ID

	w = s.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"name": "Ana", "is_active": true, "is_online": true, "role_capacity": 10,
		"memberships": []map[string]any{{"team_id": teamID, "is_active": true}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	agentID = decode[models.Agent](t, w).ID

	w = s.do(t, http.MethodPost, "/api/v1/conversations", map[string]any{"channel": "whatsapp"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	convID = decode[models.Conversation](t, w).ID
	return teamID, agentID, convID
}

func TestRouter_HealthAndVersion(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, w)["status"])

	w = s.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, "test", decode[map[string]string](t, w)["version"])
}

func TestRouter_APIKeyRequired(t *testing.T) {
	s := newTestServer(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/teams", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/teams", nil, "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)
}

func TestRouter_AutoAssign(t *testing.T) {
	s := newTestServer(t)
	teamID, agentID, convID := s.seed(t)

	w := s.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/assign/auto", map[string]any{
		"classification": map[string]any{"intent": "technical_support", "urgency": "normal", "frustration_level": 3, "confidence": 80},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[models.AssignmentResult](t, w)
	assert.True(t, res.Assigned)
	assert.Equal(t, teamID, res.TeamID)
	assert.Equal(t, agentID, res.AgentID)
	assert.Equal(t, models.MethodAutomaticEquitable, res.Method)

	w = s.do(t, http.MethodGet, "/api/v1/conversations/"+convID, nil)
	conv := decode[models.Conversation](t, w)
	assert.Equal(t, agentID, conv.AssignedUserID)
	assert.EqualValues(t, 1, conv.Version)

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Contains(t, w.Body.String(), `educhat_assignment_assignments_total{method="automatic_equitable",outcome="assigned"} 1`)
}

func TestRouter_DegradedAssignWithoutBody(t *testing.T) {
	s := newTestServer(t)
	_, agentID, convID := s.seed(t)

	w := s.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/assign/auto", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[models.AssignmentResult](t, w)
	assert.True(t, res.Degraded)
	assert.Equal(t, agentID, res.AgentID)
	assert.Equal(t, models.MethodAutomatic, res.Method)
}

func TestRouter_RecommendWithoutTeams(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/v1/conversations", map[string]any{"channel": "email"})
	convID := decode[models.Conversation](t, w).ID

	w = s.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/recommendation", map[string]any{
		"classification": map[string]any{"intent": "billing_inquiry", "urgency": "low"},
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRouter_RecommendClassifiesMessage(t *testing.T) {
	s := newTestServerWith(t, []assignment.Option{assignment.WithClassifier(billingClassifier{})})
	_, _, convID := s.seed(t)

	w := s.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/recommendation", map[string]any{
		"message": "minha fatura veio errada",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode[models.HandoffRecommendation](t, w)
	assert.False(t, rec.Degraded)
	assert.Equal(t, models.TeamTypeFinance, rec.PreferredType)
}

func TestRouter_UnknownConversation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/conversations/nope/assign/auto", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_ManualAssignInvalidTarget(t *testing.T) {
	s := newTestServer(t)
	_, _, convID := s.seed(t)

	w := s.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/assign",
		map[string]any{"team_id": "ghost"}, "X-User-Id", "lead")

	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestRouter_EscalationLifecycle(t *testing.T) {
	s := newTestServer(t)
	teamID, agentID, convID := s.seed(t)

	w := s.do(t, http.MethodPost, "/api/v1/handoffs", map[string]any{
		"conversation_id": convID, "to_team_id": teamID, "type": "escalation", "reason": "bot gave up",
	}, "X-User-Id", "bot")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]json.RawMessage](t, w)
	var h models.Handoff
	require.NoError(t, json.Unmarshal(created["handoff"], &h))
	assert.Equal(t, models.HandoffPending, h.Status)

	w = s.do(t, http.MethodGet, "/api/v1/handoffs/pending?team_id="+teamID, nil)
	assert.Len(t, decode[[]models.Handoff](t, w), 1)

	w = s.do(t, http.MethodPost, "/api/v1/handoffs/"+h.ID+"/accept", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "accept needs an agent")

	w = s.do(t, http.MethodPost, "/api/v1/handoffs/"+h.ID+"/accept", nil, "X-User-Id", agentID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/conversations/"+convID, nil)
	conv := decode[models.Conversation](t, w)
	assert.Equal(t, agentID, conv.AssignedUserID)
	assert.Equal(t, models.MethodManual, conv.AssignmentMethod)

	w = s.do(t, http.MethodPost, "/api/v1/handoffs/"+h.ID+"/reject", map[string]any{"reason": "late"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"already_processed":true`))

	w = s.do(t, http.MethodGet, "/api/v1/handoffs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Presence(t *testing.T) {
	s := newTestServer(t)
	_, agentID, _ := s.seed(t)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/api/v1/agents/"+agentID+"/presence", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPut, "/api/v1/agents/ghost/presence", map[string]any{"online": false}).Code)

	w := s.do(t, http.MethodPut, "/api/v1/agents/"+agentID+"/presence", map[string]any{"online": false})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/agents/"+agentID, nil)
	agent := decode[models.Agent](t, w)
	assert.False(t, agent.IsOnline)
	assert.NotNil(t, agent.LastSeenAt)
}

func TestRouter_TeamCapacityAndEquity(t *testing.T) {
	s := newTestServer(t)
	teamID, agentID, _ := s.seed(t)

	w := s.do(t, http.MethodGet, "/api/v1/teams/capacity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	caps := decode[[]models.TeamCapacity](t, w)
	require.Len(t, caps, 1)
	assert.Equal(t, 10, caps[0].MaxCapacity)

	w = s.do(t, http.MethodGet, "/api/v1/teams/"+teamID+"/equity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, agentID, decode[models.EquityReport](t, w).NextAgentID)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/teams/ghost/equity", nil).Code)
}
