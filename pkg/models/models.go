// Package models holds the domain types shared by the assignment engine,
// the store implementations and the HTTP layer.
package models

import (
	"time"
)

// ── Team ─────────────────────────────────────────────────────

// TeamType is the functional area a team serves. The set is open: routing
// tables may introduce new types without a code change.
type TeamType string

const (
	TeamTypeCommercial TeamType = "commercial"
	TeamTypeSupport    TeamType = "support"
	TeamTypeFinance    TeamType = "finance"
	TeamTypeTutoring   TeamType = "tutoring"
	TeamTypeRegistrar  TeamType = "registrar"
	TeamTypeGeneral    TeamType = "general"
)

// Team is a group of agents that owns conversations.
type Team struct {
	ID       string   `json:"id" db:"id"`
	Name     string   `json:"name" db:"name"`
	Type     TeamType `json:"team_type" db:"team_type"`
	// MaxCapacity is the ceiling on simultaneous open conversations.
	// Zero means "derive from the roster".
	MaxCapacity           int       `json:"max_capacity" db:"max_capacity"`
	Priority              int       `json:"priority" db:"priority"`
	IsActive              bool      `json:"is_active" db:"is_active"`
	AutoAssignmentEnabled bool      `json:"auto_assignment_enabled" db:"auto_assignment_enabled"`
	Intents               []string  `json:"intents,omitempty" db:"intents"` // intents the team specializes in
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// Specializes reports whether the team is specialized for the intent, either
// through its type or an explicit intent list.
func (t *Team) Specializes(intent string, preferred TeamType) bool {
	if preferred != "" && t.Type == preferred {
		return true
	}
	for _, i := range t.Intents {
		if i == intent {
			return true
		}
	}
	return false
}

// ── Agent ────────────────────────────────────────────────────

// TeamMembership links an agent to a team.
type TeamMembership struct {
	TeamID   string    `json:"team_id" db:"team_id"`
	IsActive bool      `json:"is_active" db:"is_active"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
}

// Agent is a human who can own conversations.
type Agent struct {
	ID           string           `json:"id" db:"id"`
	Name         string           `json:"name" db:"name"`
	Email        string           `json:"email,omitempty" db:"email"`
	Role         string           `json:"role,omitempty" db:"role"`
	IsOnline     bool             `json:"is_online" db:"is_online"`
	IsActive     bool             `json:"is_active" db:"is_active"`
	RoleCapacity int              `json:"role_capacity" db:"role_capacity"`
	Memberships  []TeamMembership `json:"memberships,omitempty"`
	LastSeenAt   *time.Time       `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// MemberOf reports whether the agent holds an active membership in the team.
func (a *Agent) MemberOf(teamID string) bool {
	for _, m := range a.Memberships {
		if m.TeamID == teamID && m.IsActive {
			return true
		}
	}
	return false
}

// PrimaryTeam returns the first active membership, or "" if there is none.
func (a *Agent) PrimaryTeam() string {
	for _, m := range a.Memberships {
		if m.IsActive {
			return m.TeamID
		}
	}
	return ""
}

// ── Conversation ─────────────────────────────────────────────

type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationPending  ConversationStatus = "pending"
	ConversationResolved ConversationStatus = "resolved"
	ConversationClosed   ConversationStatus = "closed"
)

// Counts reports whether a conversation in this status counts toward load.
func (s ConversationStatus) Counts() bool {
	return s == ConversationOpen || s == ConversationPending
}

type AssignmentMethod string

const (
	MethodManual             AssignmentMethod = "manual"
	MethodAutomatic          AssignmentMethod = "automatic"
	MethodAutomaticEquitable AssignmentMethod = "automatic_equitable"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Conversation is a customer thread on one channel. It exclusively owns its
// current team/agent assignment. Empty IDs mean unassigned.
type Conversation struct {
	ID               string             `json:"id" db:"id"`
	ContactID        string             `json:"contact_id" db:"contact_id"`
	Channel          string             `json:"channel" db:"channel"` // whatsapp, facebook, email, ...
	Status           ConversationStatus `json:"status" db:"status"`
	AssignedTeamID   string             `json:"assigned_team_id,omitempty" db:"assigned_team_id"`
	AssignedUserID   string             `json:"assigned_user_id,omitempty" db:"assigned_user_id"`
	AssignmentMethod AssignmentMethod   `json:"assignment_method,omitempty" db:"assignment_method"`
	AssignedAt       *time.Time         `json:"assigned_at,omitempty" db:"assigned_at"`
	Priority         Priority           `json:"priority" db:"priority"`
	Tags             []string           `json:"tags,omitempty" db:"tags"`
	// Version increments on every assignment write.
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ── Classification ───────────────────────────────────────────

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Classification is the upstream signal produced by the text classifier.
type Classification struct {
	Intent           string  `json:"intent"`
	Urgency          Urgency `json:"urgency"`
	FrustrationLevel int     `json:"frustration_level"` // 0–10
	Confidence       float64 `json:"confidence"`        // 0–100
	SuggestedTeam    string  `json:"suggested_team,omitempty"`
}

// ── Handoff ──────────────────────────────────────────────────

type HandoffType string

const (
	HandoffManual     HandoffType = "manual"
	HandoffAutomatic  HandoffType = "automatic"
	HandoffEscalation HandoffType = "escalation"
)

type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffAccepted  HandoffStatus = "accepted"
	HandoffRejected  HandoffStatus = "rejected"
	HandoffCompleted HandoffStatus = "completed"
)

// Terminal reports whether no further transition is allowed.
func (s HandoffStatus) Terminal() bool {
	return s == HandoffCompleted || s == HandoffRejected
}

// Executable reports whether a handoff in this status may still be applied.
func (s HandoffStatus) Executable() bool {
	return s == HandoffPending || s == HandoffAccepted
}

// Handoff is a request (and, once executed, the record) of a transfer of
// conversation ownership. Handoffs are append-only; terminal ones never change.
type Handoff struct {
	ID             string `json:"id" db:"id"`
	ConversationID string `json:"conversation_id" db:"conversation_id"`
	FromUserID     string `json:"from_user_id,omitempty" db:"from_user_id"`
	FromTeamID     string `json:"from_team_id,omitempty" db:"from_team_id"`
	ToUserID       string `json:"to_user_id,omitempty" db:"to_user_id"`
	ToTeamID       string `json:"to_team_id,omitempty" db:"to_team_id"`
	// Unassign clears both assignment fields instead of setting them.
	Unassign bool             `json:"unassign,omitempty" db:"unassign"`
	Type     HandoffType      `json:"type" db:"type"`
	Method   AssignmentMethod `json:"method" db:"method"`
	Reason   string           `json:"reason,omitempty" db:"reason"`
	Priority Priority         `json:"priority,omitempty" db:"priority"`
	Status   HandoffStatus    `json:"status" db:"status"`

	ClassificationSnapshot *Classification `json:"classification_snapshot,omitempty" db:"classification_snapshot"`
	Metadata               Metadata        `json:"metadata" db:"metadata"`

	// ConversationVersion is the conversation version observed at creation.
	ConversationVersion int64 `json:"conversation_version" db:"conversation_version"`

	RequestedBy     string     `json:"requested_by,omitempty" db:"requested_by"`
	AcceptedBy      string     `json:"accepted_by,omitempty" db:"accepted_by"`
	RejectionReason string     `json:"rejection_reason,omitempty" db:"rejection_reason"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty" db:"rejected_at"`
}

// ClosedAt returns when the handoff reached a terminal state, or nil.
func (h *Handoff) ClosedAt() *time.Time {
	switch h.Status {
	case HandoffCompleted:
		return h.CompletedAt
	case HandoffRejected:
		return h.RejectedAt
	}
	return nil
}

// ── Derived views ────────────────────────────────────────────

// TeamCapacity is the load picture of one active team.
type TeamCapacity struct {
	TeamID          string   `json:"team_id"`
	TeamName        string   `json:"team_name"`
	TeamType        TeamType `json:"team_type"`
	Priority        int      `json:"priority"`
	ActiveAgents    int      `json:"active_agents"`
	CurrentLoad     int      `json:"current_load"`
	MaxCapacity     int      `json:"max_capacity"`
	UtilizationRate float64  `json:"utilization_rate"`
	IsEligible      bool     `json:"is_eligible"`
	Intents         []string `json:"intents,omitempty"`
}

// AgentLoad is the workload picture of one agent inside one team.
type AgentLoad struct {
	AgentID             string     `json:"agent_id"`
	AgentName           string     `json:"agent_name"`
	TeamID              string     `json:"team_id"`
	ActiveConversations int        `json:"active_conversations"`
	TotalAssignments    int        `json:"total_assignments"`
	LastAssignedAt      *time.Time `json:"last_assigned_at,omitempty"`
	IsOnline            bool       `json:"is_online"`
	IsActive            bool       `json:"is_active"`
	RoleCapacity        int        `json:"role_capacity"`
}

// UnderCapacity reports whether the agent can take another conversation.
func (l *AgentLoad) UnderCapacity() bool {
	return l.ActiveConversations < l.RoleCapacity
}

// AssignmentScore is the transient fairness score of an agent.
type AssignmentScore struct {
	TotalAssignments    int     `json:"total_assignments"`
	ActiveConversations int     `json:"active_conversations"`
	RecencyPenalty      float64 `json:"recency_penalty"`
	DistributionScore   float64 `json:"distribution_score"`
}

// TeamAlternative is a runner-up team in a recommendation.
type TeamAlternative struct {
	TeamID               string   `json:"team_id"`
	TeamName             string   `json:"team_name"`
	TeamType             TeamType `json:"team_type"`
	Confidence           float64  `json:"confidence"`
	UtilizationRate      float64  `json:"utilization_rate"`
	EstimatedWaitMinutes int      `json:"estimated_wait_minutes"`
}

// HandoffRecommendation is the side-effect-free output of the team router.
type HandoffRecommendation struct {
	TeamID               string            `json:"team_id"`
	TeamName             string            `json:"team_name"`
	TeamType             TeamType          `json:"team_type"`
	AgentID              string            `json:"agent_id,omitempty"`
	AgentName            string            `json:"agent_name,omitempty"`
	Confidence           float64           `json:"confidence"`
	Priority             Priority          `json:"priority"`
	Reason               string            `json:"reason"`
	EstimatedWaitMinutes int               `json:"estimated_wait_minutes"`
	Alternatives         []TeamAlternative `json:"alternatives"`
	PreferredType        TeamType          `json:"preferred_team_type"`
	Fallback             bool              `json:"fallback"` // preferred type unavailable
	Degraded             bool              `json:"degraded"` // no classification was available
	TableVersion         string            `json:"routing_table_version,omitempty"`
}

// FailureReason explains why an assignment could not be made.
type FailureReason string

const (
	FailureNoEligibleTeam   FailureReason = "no_eligible_team"
	FailureNoAvailableAgent FailureReason = "no_available_agent"
)

// AssignmentResult is the outcome of an assignment operation. Routing failures
// are reported here rather than as errors.
type AssignmentResult struct {
	ConversationID   string                 `json:"conversation_id"`
	Assigned         bool                   `json:"assigned"`
	TeamID           string                 `json:"team_id,omitempty"`
	AgentID          string                 `json:"agent_id,omitempty"`
	HandoffID        string                 `json:"handoff_id,omitempty"`
	Method           AssignmentMethod       `json:"method,omitempty"`
	Failure          FailureReason          `json:"failure,omitempty"`
	AlreadyProcessed bool                   `json:"already_processed,omitempty"`
	Degraded         bool                   `json:"degraded,omitempty"`
	Recommendation   *HandoffRecommendation `json:"recommendation,omitempty"`
}

// AgentEquity is one row of an equity report.
type AgentEquity struct {
	AgentLoad
	Score AssignmentScore `json:"score"`
}

// EquityReport summarizes how evenly work is spread inside a team.
type EquityReport struct {
	TeamID          string        `json:"team_id"`
	GeneratedAt     time.Time     `json:"generated_at"`
	WindowDays      int           `json:"window_days"`
	IsBusinessHours bool          `json:"is_business_hours"`
	Agents          []AgentEquity `json:"agents"`
	TotalAssigned   int           `json:"total_assigned"`
	MeanAssigned    float64       `json:"mean_assigned"`
	Spread          int           `json:"spread"` // max - min total assignments
	NextAgentID     string        `json:"next_agent_id,omitempty"`
}

// Actor identifies who triggered a manual operation.
type Actor struct {
	UserID     string `json:"user_id"`
	Supervisor bool   `json:"supervisor"`
}
