package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on PostgreSQL. Handoff execution runs in a
// single transaction with row locks on the handoff and its conversation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to connURL and verifies the connection.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Int32("max_conns", cfg.MaxConns).Msg("PostgreSQL store connected")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS teams (
	id                      TEXT PRIMARY KEY,
	name                    TEXT NOT NULL,
	team_type               TEXT NOT NULL,
	max_capacity            INTEGER NOT NULL DEFAULT 0 CHECK (max_capacity >= 0),
	priority                INTEGER NOT NULL DEFAULT 0,
	is_active               BOOLEAN NOT NULL DEFAULT TRUE,
	auto_assignment_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	intents                 TEXT[] NOT NULL DEFAULT '{}',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS agents (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT '',
	is_online     BOOLEAN NOT NULL DEFAULT FALSE,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	role_capacity INTEGER NOT NULL DEFAULT 0,
	last_seen_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS team_members (
	team_id   TEXT NOT NULL REFERENCES teams(id),
	agent_id  TEXT NOT NULL REFERENCES agents(id),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (team_id, agent_id)
);

CREATE TABLE IF NOT EXISTS conversations (
	id                TEXT PRIMARY KEY,
	contact_id        TEXT NOT NULL DEFAULT '',
	channel           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'open',
	assigned_team_id  TEXT NOT NULL DEFAULT '',
	assigned_user_id  TEXT NOT NULL DEFAULT '',
	assignment_method TEXT NOT NULL DEFAULT '',
	assigned_at       TIMESTAMPTZ,
	priority          TEXT NOT NULL DEFAULT 'normal',
	tags              TEXT[] NOT NULL DEFAULT '{}',
	version           BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_conversations_team_status ON conversations (assigned_team_id, status);
CREATE INDEX IF NOT EXISTS idx_conversations_user_status ON conversations (assigned_user_id, status);

CREATE TABLE IF NOT EXISTS handoffs (
	id                   TEXT PRIMARY KEY,
	conversation_id      TEXT NOT NULL,
	from_user_id         TEXT NOT NULL DEFAULT '',
	from_team_id         TEXT NOT NULL DEFAULT '',
	to_user_id           TEXT NOT NULL DEFAULT '',
	to_team_id           TEXT NOT NULL DEFAULT '',
	unassign             BOOLEAN NOT NULL DEFAULT FALSE,
	type                 TEXT NOT NULL,
	method               TEXT NOT NULL DEFAULT '',
	reason               TEXT NOT NULL DEFAULT '',
	priority             TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	classification       JSONB,
	metadata             JSONB,
	conversation_version BIGINT NOT NULL DEFAULT 0,
	requested_by         TEXT NOT NULL DEFAULT '',
	accepted_by          TEXT NOT NULL DEFAULT '',
	rejection_reason     TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	accepted_at          TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	rejected_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_handoffs_conversation ON handoffs (conversation_id);
CREATE INDEX IF NOT EXISTS idx_handoffs_status ON handoffs (status);
CREATE INDEX IF NOT EXISTS idx_handoffs_completed ON handoffs (to_team_id, to_user_id, completed_at) WHERE status = 'completed';
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("PostgreSQL schema migrated")
	return nil
}

// ── Team Store ──────────────────────────────────────────────

const teamColumns = `id, name, team_type, max_capacity, priority, is_active, auto_assignment_enabled, intents, created_at, updated_at`

func scanTeam(row pgx.Row) (*models.Team, error) {
	var t models.Team
	err := row.Scan(&t.ID, &t.Name, &t.Type, &t.MaxCapacity, &t.Priority, &t.IsActive,
		&t.AutoAssignmentEnabled, &t.Intents, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func listTeams(ctx context.Context, q pgx.Tx, pool *pgxpool.Pool) ([]models.Team, error) {
	var (
		rows pgx.Rows
		err  error
	)
	sql := `SELECT ` + teamColumns + ` FROM teams ORDER BY name`
	if q != nil {
		rows, err = q.Query(ctx, sql)
	} else {
		rows, err = pool.Query(ctx, sql)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListTeams(ctx context.Context) ([]models.Team, error) {
	return listTeams(ctx, nil, s.pool)
}

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	t, err := scanTeam(s.pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "team", Key: id}
	}
	return t, err
}

func (s *PostgresStore) CreateTeam(ctx context.Context, t *models.Team) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO teams (`+teamColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, team_type = EXCLUDED.team_type, max_capacity = EXCLUDED.max_capacity,
			priority = EXCLUDED.priority, is_active = EXCLUDED.is_active,
			auto_assignment_enabled = EXCLUDED.auto_assignment_enabled, intents = EXCLUDED.intents,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Type, t.MaxCapacity, t.Priority, t.IsActive, t.AutoAssignmentEnabled,
		nonNil(t.Intents), t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateTeam(ctx context.Context, t *models.Team) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE teams SET name = $2, team_type = $3, max_capacity = $4, priority = $5, is_active = $6,
			auto_assignment_enabled = $7, intents = $8, updated_at = $9
		WHERE id = $1`,
		t.ID, t.Name, t.Type, t.MaxCapacity, t.Priority, t.IsActive, t.AutoAssignmentEnabled,
		nonNil(t.Intents), t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "team", Key: t.ID}
	}
	return nil
}

// ── Agent Store ─────────────────────────────────────────────

const agentColumns = `id, name, email, role, is_online, is_active, role_capacity, last_seen_at, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.Role, &a.IsOnline, &a.IsActive, &a.RoleCapacity,
		&a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// loadAgents reads agents and attaches memberships. tx may be nil.
func (s *PostgresStore) loadAgents(ctx context.Context, tx pgx.Tx, where string, args ...any) ([]models.Agent, error) {
	query := func(sql string, args ...any) (pgx.Rows, error) {
		if tx != nil {
			return tx.Query(ctx, sql, args...)
		}
		return s.pool.Query(ctx, sql, args...)
	}

	rows, err := query(`SELECT `+agentColumns+` FROM agents `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	var agents []models.Agent
	index := make(map[string]int)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[a.ID] = len(agents)
		agents = append(agents, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return agents, nil
	}

	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	mrows, err := query(`SELECT agent_id, team_id, is_active, joined_at FROM team_members
		WHERE agent_id = ANY($1) ORDER BY joined_at, team_id`, ids)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var agentID string
		var m models.TeamMembership
		if err := mrows.Scan(&agentID, &m.TeamID, &m.IsActive, &m.JoinedAt); err != nil {
			return nil, err
		}
		if i, ok := index[agentID]; ok {
			agents[i].Memberships = append(agents[i].Memberships, m)
		}
	}
	return agents, mrows.Err()
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	return s.loadAgents(ctx, nil, "")
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agents, err := s.loadAgents(ctx, nil, "WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	return &agents[0], nil
}

func (s *PostgresStore) upsertAgent(ctx context.Context, a *models.Agent, mustExist bool) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if mustExist {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return &ErrNotFound{Entity: "agent", Key: a.ID}
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, email = EXCLUDED.email, role = EXCLUDED.role,
				is_online = EXCLUDED.is_online, is_active = EXCLUDED.is_active,
				role_capacity = EXCLUDED.role_capacity, last_seen_at = EXCLUDED.last_seen_at,
				updated_at = EXCLUDED.updated_at`,
			a.ID, a.Name, a.Email, a.Role, a.IsOnline, a.IsActive, a.RoleCapacity, a.LastSeenAt,
			a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM team_members WHERE agent_id = $1`, a.ID); err != nil {
			return err
		}
		for _, m := range a.Memberships {
			joined := m.JoinedAt
			if joined.IsZero() {
				joined = time.Now().UTC()
			}
			if _, err := tx.Exec(ctx, `INSERT INTO team_members (team_id, agent_id, is_active, joined_at)
				VALUES ($1, $2, $3, $4)`, m.TeamID, a.ID, m.IsActive, joined); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	return s.upsertAgent(ctx, a, false)
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, a *models.Agent) error {
	return s.upsertAgent(ctx, a, true)
}

func (s *PostgresStore) SetAgentOnline(ctx context.Context, id string, online bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET is_online = $2, last_seen_at = $3, updated_at = $3 WHERE id = $1`,
		id, online, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	return nil
}

// ── Conversation Store ──────────────────────────────────────

const conversationColumns = `id, contact_id, channel, status, assigned_team_id, assigned_user_id,
	assignment_method, assigned_at, priority, tags, version, created_at, updated_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.ContactID, &c.Channel, &c.Status, &c.AssignedTeamID, &c.AssignedUserID,
		&c.AssignmentMethod, &c.AssignedAt, &c.Priority, &c.Tags, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	return c, err
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.ContactID, c.Channel, c.Status, c.AssignedTeamID, c.AssignedUserID, c.AssignmentMethod,
		c.AssignedAt, c.Priority, nonNil(c.Tags), c.Version, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *PostgresStore) ListConversations(ctx context.Context, f ConversationFilter) ([]models.Conversation, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.TeamID != "" {
		add("assigned_team_id = $%d", f.TeamID)
	}
	if f.UserID != "" {
		add("assigned_user_id = $%d", f.UserID)
	}
	if f.Unassigned {
		conds = append(conds, "assigned_team_id = ''")
	}
	sql := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY created_at"
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

// ── Handoff Store ───────────────────────────────────────────

const handoffColumns = `id, conversation_id, from_user_id, from_team_id, to_user_id, to_team_id, unassign,
	type, method, reason, priority, status, classification, metadata, conversation_version,
	requested_by, accepted_by, rejection_reason, created_at, accepted_at, completed_at, rejected_at`

func scanHandoff(row pgx.Row) (*models.Handoff, error) {
	var (
		h        models.Handoff
		clsJSON  []byte
		metaJSON []byte
	)
	err := row.Scan(&h.ID, &h.ConversationID, &h.FromUserID, &h.FromTeamID, &h.ToUserID, &h.ToTeamID,
		&h.Unassign, &h.Type, &h.Method, &h.Reason, &h.Priority, &h.Status, &clsJSON, &metaJSON,
		&h.ConversationVersion, &h.RequestedBy, &h.AcceptedBy, &h.RejectionReason, &h.CreatedAt,
		&h.AcceptedAt, &h.CompletedAt, &h.RejectedAt)
	if err != nil {
		return nil, err
	}
	if len(clsJSON) > 0 && string(clsJSON) != "null" {
		var cls models.Classification
		if err := json.Unmarshal(clsJSON, &cls); err != nil {
			return nil, fmt.Errorf("decode classification snapshot: %w", err)
		}
		h.ClassificationSnapshot = &cls
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &h.Metadata); err != nil {
			return nil, fmt.Errorf("decode handoff metadata: %w", err)
		}
	}
	return &h, nil
}

func (s *PostgresStore) CreateHandoff(ctx context.Context, h *models.Handoff) error {
	var clsJSON []byte
	if h.ClassificationSnapshot != nil {
		b, err := json.Marshal(h.ClassificationSnapshot)
		if err != nil {
			return fmt.Errorf("encode classification snapshot: %w", err)
		}
		clsJSON = b
	}
	metaJSON, err := json.Marshal(h.Metadata)
	if err != nil {
		return fmt.Errorf("encode handoff metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO handoffs (`+handoffColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		h.ID, h.ConversationID, h.FromUserID, h.FromTeamID, h.ToUserID, h.ToTeamID, h.Unassign,
		h.Type, h.Method, h.Reason, h.Priority, h.Status, clsJSON, metaJSON, h.ConversationVersion,
		h.RequestedBy, h.AcceptedBy, h.RejectionReason, h.CreatedAt, h.AcceptedAt, h.CompletedAt, h.RejectedAt)
	return err
}

func (s *PostgresStore) GetHandoff(ctx context.Context, id string) (*models.Handoff, error) {
	h, err := scanHandoff(s.pool.QueryRow(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "handoff", Key: id}
	}
	return h, err
}

func (s *PostgresStore) ListHandoffs(ctx context.Context, f HandoffFilter) ([]models.Handoff, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ConversationID != "" {
		add("conversation_id = $%d", f.ConversationID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.ToUserID != "" {
		add("to_user_id = $%d", f.ToUserID)
	}
	if f.ToTeamID != "" {
		add("to_team_id = $%d", f.ToTeamID)
	}
	sql := `SELECT ` + handoffColumns + ` FROM handoffs`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY created_at"
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *h)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ExpiredHandoffs(ctx context.Context, before time.Time, limit int) ([]models.Handoff, error) {
	sql := `SELECT ` + handoffColumns + ` FROM handoffs
		WHERE COALESCE(completed_at, rejected_at) < $1
		ORDER BY COALESCE(completed_at, rejected_at)`
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, sql, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *h)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteHandoffs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM handoffs WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// updateHandoffState writes the mutable lifecycle columns of h.
func updateHandoffState(ctx context.Context, tx pgx.Tx, h *models.Handoff) error {
	_, err := tx.Exec(ctx, `
		UPDATE handoffs SET status = $2, to_user_id = $3, accepted_by = $4, rejection_reason = $5,
			accepted_at = $6, completed_at = $7, rejected_at = $8
		WHERE id = $1`,
		h.ID, h.Status, h.ToUserID, h.AcceptedBy, h.RejectionReason, h.AcceptedAt, h.CompletedAt, h.RejectedAt)
	return err
}

func (s *PostgresStore) TransitionHandoff(ctx context.Context, id string, from []models.HandoffStatus, mutate func(*models.Handoff)) (*models.Handoff, error) {
	var (
		result *models.Handoff
		noop   bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		h, err := scanHandoff(tx.QueryRow(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return &ErrNotFound{Entity: "handoff", Key: id}
		}
		if err != nil {
			return err
		}
		result = h
		if !statusIn(h.Status, from) {
			noop = true
			return nil
		}
		mutate(h)
		return updateHandoffState(ctx, tx, h)
	})
	if err != nil {
		return nil, err
	}
	if noop {
		return result, models.ErrHandoffAlreadyProcessed
	}
	return result, nil
}

func (s *PostgresStore) CompleteHandoff(ctx context.Context, id string, at time.Time) (*models.Handoff, *models.Conversation, error) {
	var (
		h          *models.Handoff
		conv       *models.Conversation
		noop       bool
		superseded bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		h, err = scanHandoff(tx.QueryRow(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return &ErrNotFound{Entity: "handoff", Key: id}
		}
		if err != nil {
			return err
		}
		if !h.Status.Executable() {
			noop = true
			return nil
		}

		conv, err = scanConversation(tx.QueryRow(ctx,
			`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, h.ConversationID))
		if errors.Is(err, pgx.ErrNoRows) {
			return &ErrNotFound{Entity: "conversation", Key: h.ConversationID}
		}
		if err != nil {
			return err
		}

		if conv.Version != h.ConversationVersion {
			t := at
			h.Status = models.HandoffRejected
			h.RejectionReason = SupersededReason
			h.RejectedAt = &t
			superseded = true
			return updateHandoffState(ctx, tx, h)
		}

		applyHandoff(conv, h, at)
		if _, err := tx.Exec(ctx, `
			UPDATE conversations SET assigned_team_id = $2, assigned_user_id = $3, assignment_method = $4,
				assigned_at = $5, priority = $6, version = $7, updated_at = $8
			WHERE id = $1`,
			conv.ID, conv.AssignedTeamID, conv.AssignedUserID, conv.AssignmentMethod, conv.AssignedAt,
			conv.Priority, conv.Version, conv.UpdatedAt); err != nil {
			return err
		}

		t := at
		h.Status = models.HandoffCompleted
		h.CompletedAt = &t
		return updateHandoffState(ctx, tx, h)
	})
	if err != nil {
		return nil, nil, err
	}
	if superseded {
		return h, conv, ErrSuperseded
	}
	if noop {
		return h, conv, models.ErrHandoffAlreadyProcessed
	}
	return h, conv, nil
}

// ── Snapshot ────────────────────────────────────────────────

func (s *PostgresStore) Snapshot(ctx context.Context, since time.Time) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	snap := &Snapshot{
		Since:       since,
		TeamOpen:    make(map[string]int),
		AgentOpen:   make(map[string]int),
		Assignments: make(map[string]AssignmentStat),
	}
	if err := tx.QueryRow(ctx, `SELECT NOW()`).Scan(&snap.TakenAt); err != nil {
		return nil, err
	}
	if snap.Teams, err = listTeams(ctx, tx, nil); err != nil {
		return nil, fmt.Errorf("snapshot teams: %w", err)
	}
	if snap.Agents, err = s.loadAgents(ctx, tx, ""); err != nil {
		return nil, fmt.Errorf("snapshot agents: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT assigned_team_id, assigned_user_id, COUNT(*)
		FROM conversations
		WHERE status IN ('open', 'pending')
		GROUP BY assigned_team_id, assigned_user_id`)
	if err != nil {
		return nil, fmt.Errorf("snapshot load: %w", err)
	}
	for rows.Next() {
		var teamID, userID string
		var n int
		if err := rows.Scan(&teamID, &userID, &n); err != nil {
			rows.Close()
			return nil, err
		}
		if teamID != "" {
			snap.TeamOpen[teamID] += n
		}
		if userID != "" {
			snap.AgentOpen[userID] += n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx, `
		SELECT to_team_id, to_user_id, COUNT(*), MAX(completed_at)
		FROM handoffs
		WHERE status = 'completed' AND to_user_id <> '' AND completed_at >= $1
		GROUP BY to_team_id, to_user_id`, since)
	if err != nil {
		return nil, fmt.Errorf("snapshot assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var teamID, userID string
		var st AssignmentStat
		if err := rows.Scan(&teamID, &userID, &st.Count, &st.LastAssignedAt); err != nil {
			return nil, err
		}
		snap.Assignments[StatKey(teamID, userID)] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snap, tx.Commit(ctx)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
