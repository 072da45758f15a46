package store

// In-memory Store implementation, used when PostgreSQL is not configured
// (local dev, tests). An optional JSON snapshot file keeps data across restarts.

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshotFile is the JSON-serializable shape written to disk.
type snapshotFile struct {
	Teams         map[string]*models.Team         `json:"teams"`
	Agents        map[string]*models.Agent        `json:"agents"`
	Conversations map[string]*models.Conversation `json:"conversations"`
	Handoffs      map[string]*models.Handoff      `json:"handoffs"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	teams         map[string]*models.Team         // key: id
	agents        map[string]*models.Agent        // key: id
	conversations map[string]*models.Conversation // key: id
	handoffs      map[string]*models.Handoff      // key: id, append-only

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
// If dataDir is non-empty, data is persisted to dataDir/data.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		teams:         make(map[string]*models.Team),
		agents:        make(map[string]*models.Agent),
		conversations: make(map[string]*models.Conversation),
		handoffs:      make(map[string]*models.Handoff),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.MarshalIndent(snapshotFile{
		Teams:         m.teams,
		Agents:        m.agents,
		Conversations: m.conversations,
		Handoffs:      m.handoffs,
	}, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Teams != nil {
		m.teams = snap.Teams
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Conversations != nil {
		m.conversations = snap.Conversations
	}
	if snap.Handoffs != nil {
		m.handoffs = snap.Handoffs
	}

	log.Info().
		Int("teams", len(m.teams)).
		Int("agents", len(m.agents)).
		Int("conversations", len(m.conversations)).
		Int("handoffs", len(m.handoffs)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Copy helpers ────────────────────────────────────────────

func copyTeam(t *models.Team) models.Team {
	c := *t
	c.Intents = append([]string(nil), t.Intents...)
	return c
}

func copyAgent(a *models.Agent) models.Agent {
	c := *a
	c.Memberships = append([]models.TeamMembership(nil), a.Memberships...)
	return c
}

func copyConversation(cv *models.Conversation) models.Conversation {
	c := *cv
	c.Tags = append([]string(nil), cv.Tags...)
	return c
}

func copyHandoff(h *models.Handoff) models.Handoff {
	c := *h
	if h.ClassificationSnapshot != nil {
		cls := *h.ClassificationSnapshot
		c.ClassificationSnapshot = &cls
	}
	return c
}

// ── Team Store ──────────────────────────────────────────────

func (m *MemoryStore) ListTeams(_ context.Context) ([]models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Team, 0, len(m.teams))
	for _, t := range m.teams {
		result = append(result, copyTeam(t))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) GetTeam(_ context.Context, id string) (*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "team", Key: id}
	}
	c := copyTeam(t)
	return &c, nil
}

func (m *MemoryStore) CreateTeam(_ context.Context, team *models.Team) error {
	m.mu.Lock()
	c := copyTeam(team)
	m.teams[team.ID] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateTeam(_ context.Context, team *models.Team) error {
	m.mu.Lock()
	if _, ok := m.teams[team.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "team", Key: team.ID}
	}
	c := copyTeam(team)
	m.teams[team.ID] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) ListAgents(_ context.Context) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		result = append(result, copyAgent(a))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	c := copyAgent(a)
	return &c, nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	c := copyAgent(agent)
	m.agents[agent.ID] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	if _, ok := m.agents[agent.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent", Key: agent.ID}
	}
	c := copyAgent(agent)
	m.agents[agent.ID] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) SetAgentOnline(_ context.Context, id string, online bool, at time.Time) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	a.IsOnline = online
	seen := at
	a.LastSeenAt = &seen
	a.UpdatedAt = at
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Conversation Store ──────────────────────────────────────

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cv, ok := m.conversations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	c := copyConversation(cv)
	return &c, nil
}

func (m *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	c := copyConversation(conv)
	m.conversations[conv.ID] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListConversations(_ context.Context, filter ConversationFilter) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Conversation
	for _, cv := range m.conversations {
		if filter.Status != "" && cv.Status != filter.Status {
			continue
		}
		if filter.TeamID != "" && cv.AssignedTeamID != filter.TeamID {
			continue
		}
		if filter.UserID != "" && cv.AssignedUserID != filter.UserID {
			continue
		}
		if filter.Unassigned && cv.AssignedTeamID != "" {
			continue
		}
		result = append(result, copyConversation(cv))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ── Handoff Store ───────────────────────────────────────────

func (m *MemoryStore) CreateHandoff(_ context.Context, h *models.Handoff) error {
	m.mu.Lock()
	c := copyHandoff(h)
	m.handoffs[h.ID] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetHandoff(_ context.Context, id string) (*models.Handoff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handoffs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "handoff", Key: id}
	}
	c := copyHandoff(h)
	return &c, nil
}

func (m *MemoryStore) ListHandoffs(_ context.Context, filter HandoffFilter) ([]models.Handoff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Handoff
	for _, h := range m.handoffs {
		if filter.ConversationID != "" && h.ConversationID != filter.ConversationID {
			continue
		}
		if filter.Status != "" && h.Status != filter.Status {
			continue
		}
		if filter.ToUserID != "" && h.ToUserID != filter.ToUserID {
			continue
		}
		if filter.ToTeamID != "" && h.ToTeamID != filter.ToTeamID {
			continue
		}
		result = append(result, copyHandoff(h))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ExpiredHandoffs(_ context.Context, before time.Time, limit int) ([]models.Handoff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Handoff
	for _, h := range m.handoffs {
		if at := h.ClosedAt(); at != nil && at.Before(before) {
			result = append(result, copyHandoff(h))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClosedAt().Before(*result[j].ClosedAt()) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) DeleteHandoffs(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	n := 0
	for _, id := range ids {
		if _, ok := m.handoffs[id]; ok {
			delete(m.handoffs, id)
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.requestSave()
	}
	return n, nil
}

func (m *MemoryStore) TransitionHandoff(_ context.Context, id string, from []models.HandoffStatus, mutate func(*models.Handoff)) (*models.Handoff, error) {
	m.mu.Lock()
	h, ok := m.handoffs[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "handoff", Key: id}
	}
	if !statusIn(h.Status, from) {
		c := copyHandoff(h)
		m.mu.Unlock()
		return &c, models.ErrHandoffAlreadyProcessed
	}
	mutate(h)
	c := copyHandoff(h)
	m.mu.Unlock()
	m.requestSave()
	return &c, nil
}

func (m *MemoryStore) CompleteHandoff(_ context.Context, id string, at time.Time) (*models.Handoff, *models.Conversation, error) {
	m.mu.Lock()
	defer m.requestSave()
	defer m.mu.Unlock()

	h, ok := m.handoffs[id]
	if !ok {
		return nil, nil, &ErrNotFound{Entity: "handoff", Key: id}
	}
	if !h.Status.Executable() {
		c := copyHandoff(h)
		return &c, nil, models.ErrHandoffAlreadyProcessed
	}
	conv, ok := m.conversations[h.ConversationID]
	if !ok {
		return nil, nil, &ErrNotFound{Entity: "conversation", Key: h.ConversationID}
	}
	if conv.Version != h.ConversationVersion {
		t := at
		h.Status = models.HandoffRejected
		h.RejectionReason = SupersededReason
		h.RejectedAt = &t
		hc := copyHandoff(h)
		cc := copyConversation(conv)
		return &hc, &cc, ErrSuperseded
	}

	applyHandoff(conv, h, at)
	t := at
	h.Status = models.HandoffCompleted
	h.CompletedAt = &t

	hc := copyHandoff(h)
	cc := copyConversation(conv)
	return &hc, &cc, nil
}

func statusIn(s models.HandoffStatus, set []models.HandoffStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

// ── Snapshot ────────────────────────────────────────────────

func (m *MemoryStore) Snapshot(_ context.Context, since time.Time) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{
		TakenAt:     time.Now().UTC(),
		Since:       since,
		Teams:       make([]models.Team, 0, len(m.teams)),
		Agents:      make([]models.Agent, 0, len(m.agents)),
		TeamOpen:    make(map[string]int),
		AgentOpen:   make(map[string]int),
		Assignments: make(map[string]AssignmentStat),
	}
	for _, t := range m.teams {
		snap.Teams = append(snap.Teams, copyTeam(t))
	}
	sort.Slice(snap.Teams, func(i, j int) bool { return snap.Teams[i].ID < snap.Teams[j].ID })
	for _, a := range m.agents {
		snap.Agents = append(snap.Agents, copyAgent(a))
	}
	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].ID < snap.Agents[j].ID })

	for _, cv := range m.conversations {
		if !cv.Status.Counts() {
			continue
		}
		if cv.AssignedTeamID != "" {
			snap.TeamOpen[cv.AssignedTeamID]++
		}
		if cv.AssignedUserID != "" {
			snap.AgentOpen[cv.AssignedUserID]++
		}
	}

	for _, h := range m.handoffs {
		if h.Status != models.HandoffCompleted || h.ToUserID == "" || h.CompletedAt == nil {
			continue
		}
		if h.CompletedAt.Before(since) {
			continue
		}
		k := StatKey(h.ToTeamID, h.ToUserID)
		st := snap.Assignments[k]
		st.Count++
		if st.LastAssignedAt == nil || h.CompletedAt.After(*st.LastAssignedAt) {
			t := *h.CompletedAt
			st.LastAssignedAt = &t
		}
		snap.Assignments[k] = st
	}
	return snap, nil
}
