package handoff_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/handoff"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/store"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu        sync.Mutex
	created   []string
	completed []string
	rejected  []string
}

func (r *recorder) HandoffCreated(_ context.Context, h *models.Handoff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, h.ID)
}

func (r *recorder) HandoffCompleted(_ context.Context, h *models.Handoff, _ *models.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, h.ID)
}

func (r *recorder) HandoffRejected(_ context.Context, h *models.Handoff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, h.ID)
}

type fixture struct {
	store *store.MemoryStore
	m     *handoff.Machine
	rec   *recorder
}

// newFixture seeds teams sup and fin, agents ana (sup) and bia (sup, fin),
// inactive carl (sup), and conversation c1 assigned to sup.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.CreateTeam(ctx, &models.Team{ID: "sup", Name: "Suporte", Type: models.TeamTypeSupport, IsActive: true, AutoAssignmentEnabled: true}))
	require.NoError(t, s.CreateTeam(ctx, &models.Team{ID: "fin", Name: "Financeiro", Type: models.TeamTypeFinance, IsActive: true, AutoAssignmentEnabled: true}))
	require.NoError(t, s.CreateAgent(ctx, &models.Agent{ID: "ana", Name: "Ana", IsActive: true, RoleCapacity: 5,
		Memberships: []models.TeamMembership{{TeamID: "sup", IsActive: true}}}))
	require.NoError(t, s.CreateAgent(ctx, &models.Agent{ID: "bia", Name: "Bia", IsActive: true, RoleCapacity: 5,
		Memberships: []models.TeamMembership{{TeamID: "fin", IsActive: true}, {TeamID: "sup", IsActive: true}}}))
	require.NoError(t, s.CreateAgent(ctx, &models.Agent{ID: "carl", Name: "Carl", IsActive: false,
		Memberships: []models.TeamMembership{{TeamID: "sup", IsActive: true}}}))
	require.NoError(t, s.CreateConversation(ctx, &models.Conversation{
		ID: "c1", Status: models.ConversationOpen, AssignedTeamID: "sup", Priority: models.PriorityNormal, CreatedAt: t0,
	}))

	var seq atomic.Int32
	rec := &recorder{}
	m := handoff.New(s,
		handoff.WithClock(func() time.Time { return t0 }),
		handoff.WithIDGenerator(func() string { return fmt.Sprintf("h%d", seq.Add(1)) }),
		handoff.WithObserver(rec),
	)
	return &fixture{store: s, m: m, rec: rec}
}

func TestCreate_NoTargetPersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.Create(ctx, handoff.Request{ConversationID: "c1"})

	require.ErrorIs(t, err, models.ErrInvalidHandoffTarget)
	all, _ := f.store.ListHandoffs(ctx, store.HandoffFilter{})
	assert.Empty(t, all)
	assert.Empty(t, f.rec.created)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  handoff.Request
		want error
	}{
		{"unknown conversation", handoff.Request{ConversationID: "nope", ToTeamID: "sup"}, models.ErrConversationNotFound},
		{"missing conversation id", handoff.Request{ToTeamID: "sup"}, models.ErrInvalidRequest},
		{"bad priority", handoff.Request{ConversationID: "c1", ToTeamID: "sup", Priority: "asap"}, models.ErrInvalidRequest},
		{"bad type", handoff.Request{ConversationID: "c1", ToTeamID: "sup", Type: "teleport"}, models.ErrInvalidRequest},
		{"unknown team", handoff.Request{ConversationID: "c1", ToTeamID: "ghost"}, models.ErrInvalidHandoffTarget},
		{"unknown agent", handoff.Request{ConversationID: "c1", ToUserID: "ghost"}, models.ErrInvalidHandoffTarget},
		{"inactive agent", handoff.Request{ConversationID: "c1", ToUserID: "carl"}, models.ErrInvalidHandoffTarget},
		{"agent outside team", handoff.Request{ConversationID: "c1", ToTeamID: "fin", ToUserID: "ana"}, models.ErrInvalidHandoffTarget},
		{"unassign with target", handoff.Request{ConversationID: "c1", ToTeamID: "sup", Unassign: true}, models.ErrInvalidHandoffTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Create(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
	all, _ := f.store.ListHandoffs(ctx, store.HandoffFilter{})
	assert.Empty(t, all)
}

func TestCreate_SupervisorOverridesMembership(t *testing.T) {
	f := newFixture(t)
	h, err := f.m.Create(context.Background(), handoff.Request{
		ConversationID: "c1", ToTeamID: "fin", ToUserID: "ana",
		Actor: models.Actor{UserID: "boss", Supervisor: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "fin", h.ToTeamID)
	assert.Equal(t, "ana", h.ToUserID)
	assert.Equal(t, "boss", h.RequestedBy)
}

func TestCreate_SupervisorCannotLeaveAgentWithoutTeam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateAgent(ctx, &models.Agent{ID: "dan", Name: "Dan", IsActive: true, RoleCapacity: 5}))
	require.NoError(t, f.store.CreateConversation(ctx, &models.Conversation{ID: "c2", Status: models.ConversationOpen}))
	boss := models.Actor{UserID: "boss", Supervisor: true}

	_, err := f.m.Create(ctx, handoff.Request{ConversationID: "c2", ToUserID: "dan", Actor: boss})
	require.ErrorIs(t, err, models.ErrInvalidHandoffTarget)

	conv, err := f.store.GetConversation(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, conv.AssignedUserID)

	h, err := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToUserID: "dan", Actor: boss})
	require.NoError(t, err)
	assert.Equal(t, "sup", h.ToTeamID, "current team when the supervisor names none")

	h, err = f.m.Create(ctx, handoff.Request{ConversationID: "c2", ToTeamID: "fin", ToUserID: "dan", Actor: boss})
	require.NoError(t, err)
	assert.Equal(t, "fin", h.ToTeamID)
}

func TestCreate_AgentOnlyTargetResolvesTeam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToUserID: "bia"})
	require.NoError(t, err)
	assert.Equal(t, "sup", h.ToTeamID, "current team wins when the agent belongs to it")

	require.NoError(t, f.store.CreateConversation(ctx, &models.Conversation{ID: "c2", Status: models.ConversationOpen}))
	h, err = f.m.Create(ctx, handoff.Request{ConversationID: "c2", ToUserID: "bia"})
	require.NoError(t, err)
	assert.Equal(t, "fin", h.ToTeamID, "first active membership otherwise")
}

func TestCreate_SnapshotsState(t *testing.T) {
	f := newFixture(t)
	cls := &models.Classification{Intent: "billing_inquiry", Confidence: 80}

	h, err := f.m.Create(context.Background(), handoff.Request{
		ConversationID: "c1", ToTeamID: "fin", Type: models.HandoffAutomatic, Classification: cls,
		Metadata: models.NewMetadata(models.RoutingMetadata{Confidence: 95, Reason: "intent"}),
	})
	require.NoError(t, err)
	cls.Intent = "mutated"

	assert.Equal(t, models.HandoffPending, h.Status)
	assert.Equal(t, models.MethodAutomatic, h.Method)
	assert.Equal(t, "sup", h.FromTeamID)
	assert.Equal(t, int64(0), h.ConversationVersion)
	require.NotNil(t, h.ClassificationSnapshot)
	assert.Equal(t, "billing_inquiry", h.ClassificationSnapshot.Intent)
	assert.Equal(t, []string{"h1"}, f.rec.created)
}

func TestExecute_WritesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, err := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToTeamID: "fin", ToUserID: "bia", Priority: models.PriorityHigh})
	require.NoError(t, err)

	out, err := f.m.Execute(ctx, h.ID)

	require.NoError(t, err)
	assert.False(t, out.AlreadyProcessed)
	assert.Equal(t, models.HandoffCompleted, out.Handoff.Status)
	require.NotNil(t, out.Handoff.CompletedAt)
	conv, _ := f.store.GetConversation(ctx, "c1")
	assert.Equal(t, "fin", conv.AssignedTeamID)
	assert.Equal(t, "bia", conv.AssignedUserID)
	assert.Equal(t, models.PriorityHigh, conv.Priority)
	assert.Equal(t, models.MethodManual, conv.AssignmentMethod)
	require.NotNil(t, conv.AssignedAt)
	assert.Equal(t, []string{"h1"}, f.rec.completed)
}

func TestExecute_TerminalHandoffNeverMutatesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done, _ := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToTeamID: "fin"})
	_, err := f.m.Execute(ctx, done.ID)
	require.NoError(t, err)
	before, _ := f.store.GetConversation(ctx, "c1")

	rejected, _ := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToTeamID: "sup", Type: models.HandoffEscalation})
	_, err = f.m.Reject(ctx, rejected.ID, "busy")
	require.NoError(t, err)

	for _, id := range []string{done.ID, rejected.ID} {
		out, err := f.m.Execute(ctx, id)
		require.NoError(t, err)
		assert.True(t, out.AlreadyProcessed)
	}
	after, _ := f.store.GetConversation(ctx, "c1")
	assert.Equal(t, before, after)
}

func TestExecute_UnknownHandoff(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Execute(context.Background(), "missing")
	require.ErrorIs(t, err, models.ErrHandoffNotFound)
}

func TestExecute_DeletedConversationIsHardError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateHandoff(ctx, &models.Handoff{
		ID: "orphan", ConversationID: "gone", ToTeamID: "sup", Status: models.HandoffPending, Type: models.HandoffManual,
	}))

	_, err := f.m.Execute(ctx, "orphan")

	require.ErrorIs(t, err, models.ErrConversationNotFound)
	h, _ := f.store.GetHandoff(ctx, "orphan")
	assert.Equal(t, models.HandoffPending, h.Status, "stays pending so it can be retried")
}

func TestExecute_NoDoubleAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToTeamID: "fin", ToUserID: "bia"})
	require.NoError(t, err)
	b, err := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToTeamID: "sup", ToUserID: "ana"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	outcomes := make([]*handoff.Outcome, 2)
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			out, err := f.m.Execute(ctx, id)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i, id)
	}
	wg.Wait()

	winners := 0
	for _, out := range outcomes {
		require.NotNil(t, out)
		if !out.AlreadyProcessed {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	completed, _ := f.store.ListHandoffs(ctx, store.HandoffFilter{ConversationID: "c1", Status: models.HandoffCompleted})
	require.Len(t, completed, 1)
	conv, _ := f.store.GetConversation(ctx, "c1")
	assert.Equal(t, completed[0].ToUserID, conv.AssignedUserID)
	assert.Len(t, f.rec.rejected, 1, "the loser is recorded as superseded")
}

func TestExecute_Unassign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, err := f.m.Create(ctx, handoff.Request{ConversationID: "c1", Unassign: true})
	require.NoError(t, err)

	_, err = f.m.Execute(ctx, h.ID)

	require.NoError(t, err)
	conv, _ := f.store.GetConversation(ctx, "c1")
	assert.Empty(t, conv.AssignedTeamID)
	assert.Empty(t, conv.AssignedUserID)
}

func TestAccept_ExecutesForAcceptingAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, err := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToTeamID: "fin", Type: models.HandoffEscalation})
	require.NoError(t, err)

	out, err := f.m.Accept(ctx, h.ID, "bia")

	require.NoError(t, err)
	assert.Equal(t, models.HandoffCompleted, out.Handoff.Status)
	assert.Equal(t, "bia", out.Handoff.AcceptedBy)
	require.NotNil(t, out.Handoff.AcceptedAt)
	assert.Equal(t, "bia", out.Conversation.AssignedUserID)

	again, err := f.m.Accept(ctx, h.ID, "bia")
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
}

func TestAccept_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	toTeam, _ := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToTeamID: "fin", Type: models.HandoffEscalation})
	_, err := f.m.Accept(ctx, toTeam.ID, "ana")
	require.ErrorIs(t, err, models.ErrInvalidHandoffTarget, "ana is not in fin")

	toBia, _ := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToUserID: "bia", Type: models.HandoffEscalation})
	_, err = f.m.Accept(ctx, toBia.ID, "ana")
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.m.Accept(ctx, "missing", "ana")
	require.ErrorIs(t, err, models.ErrHandoffNotFound)

	h, _ := f.store.GetHandoff(ctx, toTeam.ID)
	assert.Equal(t, models.HandoffPending, h.Status)
}

// failOnce fails the first CompleteHandoff call with a storage error.
type failOnce struct {
	*store.MemoryStore
	failed atomic.Bool
}

func (f *failOnce) CompleteHandoff(ctx context.Context, id string, at time.Time) (*models.Handoff, *models.Conversation, error) {
	if f.failed.CompareAndSwap(false, true) {
		return nil, nil, errors.New("connection reset")
	}
	return f.MemoryStore.CompleteHandoff(ctx, id, at)
}

func TestAccept_RetriesAfterFailedExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := handoff.New(&failOnce{MemoryStore: f.store}, handoff.WithClock(func() time.Time { return t0 }))
	h, err := m.Create(ctx, handoff.Request{ConversationID: "c1", ToTeamID: "sup", Type: models.HandoffEscalation})
	require.NoError(t, err)

	_, err = m.Accept(ctx, h.ID, "bia")
	require.Error(t, err)
	stuck, _ := f.store.GetHandoff(ctx, h.ID)
	assert.Equal(t, models.HandoffAccepted, stuck.Status)

	_, err = m.Accept(ctx, h.ID, "ana")
	require.ErrorIs(t, err, models.ErrInvalidTransition, "another agent cannot take over")

	out, err := m.Accept(ctx, h.ID, "bia")
	require.NoError(t, err)
	assert.False(t, out.AlreadyProcessed)
	assert.Equal(t, models.HandoffCompleted, out.Handoff.Status)

	conv, err := f.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "sup", conv.AssignedTeamID)
	assert.Equal(t, "bia", conv.AssignedUserID)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, _ := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToUserID: "bia", Type: models.HandoffEscalation})

	out, err := f.m.Reject(ctx, h.ID, "on lunch")

	require.NoError(t, err)
	assert.Equal(t, models.HandoffRejected, out.Handoff.Status)
	assert.Equal(t, "on lunch", out.Handoff.RejectionReason)
	conv, _ := f.store.GetConversation(ctx, "c1")
	assert.Empty(t, conv.AssignedUserID)
	assert.Equal(t, []string{h.ID}, f.rec.rejected)

	again, err := f.m.Reject(ctx, h.ID, "twice")
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
	assert.Equal(t, "on lunch", again.Handoff.RejectionReason)

	_, err = f.m.Reject(ctx, "missing", "x")
	require.ErrorIs(t, err, models.ErrHandoffNotFound)
}

func TestPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToUserID: "bia", Type: models.HandoffEscalation})
	f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToTeamID: "fin", Type: models.HandoffEscalation})
	done, _ := f.m.Create(ctx, handoff.Request{ConversationID: "c1", ToTeamID: "sup"})
	f.m.Execute(ctx, done.ID)

	all, err := f.m.Pending(ctx, handoff.PendingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	forBia, _ := f.m.Pending(ctx, handoff.PendingFilter{AgentID: "bia"})
	assert.Len(t, forBia, 1)

	forFin, _ := f.m.Pending(ctx, handoff.PendingFilter{TeamID: "fin"})
	assert.Len(t, forFin, 1)

	none, _ := f.m.Pending(ctx, handoff.PendingFilter{AgentID: "ana"})
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
