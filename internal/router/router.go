// Package router implements the intelligent handoff router.
//
// The router maps an upstream Classification to a preferred team type via the
// routing table, avoids overloaded teams, scores its confidence, proposes an
// agent through the equitable selector and lists ranked alternatives. It never
// writes anything: executing a recommendation is the handoff machine's job.
package router

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/capacity"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/equity"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/store"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/rs/zerolog/log"
)

// Context is the conversation state the router may consult.
type Context struct {
	ConversationID string
	CurrentTeamID  string
	CurrentUserID  string
	Channel        string
	Tags           []string
}

// ContextFor builds a routing Context from a conversation.
func ContextFor(c *models.Conversation) Context {
	return Context{
		ConversationID: c.ID,
		CurrentTeamID:  c.AssignedTeamID,
		CurrentUserID:  c.AssignedUserID,
		Channel:        c.Channel,
		Tags:           c.Tags,
	}
}

const maxAlternatives = 2

// Router produces handoff recommendations.
type Router struct {
	analyzer *capacity.Analyzer
	selector *equity.Selector
	tables   TableSource
}

// New creates a Router. A nil tables source uses the built-in table.
func New(analyzer *capacity.Analyzer, selector *equity.Selector, tables TableSource) *Router {
	if tables == nil {
		tables = StaticSource{T: DefaultTable()}
	}
	return &Router{analyzer: analyzer, selector: selector, tables: tables}
}

// Recommend routes cls against snap. It returns models.ErrNoEligibleTeam when
// no active team accepts automatic assignment. A chosen team whose roster is
// empty yields a recommendation with no AgentID.
func (r *Router) Recommend(ctx context.Context, snap *store.Snapshot, cls models.Classification, rc Context, now time.Time) (*models.HandoffRecommendation, error) {
	table, err := r.tables.Table(ctx)
	if err != nil {
		return nil, fmt.Errorf("routing table: %w", err)
	}

	caps := r.analyzer.TeamCapacities(snap)
	eligible := eligibleTeams(caps)
	if len(eligible) == 0 {
		return nil, models.ErrNoEligibleTeam
	}

	preferred, source := table.preferred(&cls, rc, eligible)

	var candidates []models.TeamCapacity
	for _, tc := range eligible {
		if tc.TeamType == preferred && tc.UtilizationRate < table.OverloadThreshold {
			candidates = append(candidates, tc)
		}
	}
	fallback := len(candidates) == 0
	if fallback {
		candidates = eligible
	}
	chosen := candidates[0]

	rec := &models.HandoffRecommendation{
		TeamID:               chosen.TeamID,
		TeamName:             chosen.TeamName,
		TeamType:             chosen.TeamType,
		Confidence:           confidence(table, &cls, &chosen, preferred, fallback),
		Priority:             DerivePriority(&cls),
		EstimatedWaitMinutes: EstimateWait(&chosen),
		PreferredType:        preferred,
		Fallback:             fallback,
		TableVersion:         table.Version,
	}
	rec.Reason = reason(&cls, &chosen, preferred, source, fallback, table.OverloadThreshold)
	r.proposeAgent(rec, snap, now)

	for _, tc := range eligible {
		if len(rec.Alternatives) == maxAlternatives {
			break
		}
		if tc.TeamID == chosen.TeamID {
			continue
		}
		alt := tc
		rec.Alternatives = append(rec.Alternatives, models.TeamAlternative{
			TeamID:               alt.TeamID,
			TeamName:             alt.TeamName,
			TeamType:             alt.TeamType,
			Confidence:           confidence(table, &cls, &alt, preferred, alt.TeamType != preferred),
			UtilizationRate:      alt.UtilizationRate,
			EstimatedWaitMinutes: EstimateWait(&alt),
		})
	}
	if rec.Alternatives == nil {
		rec.Alternatives = []models.TeamAlternative{}
	}

	log.Debug().
		Str("conversation", rc.ConversationID).
		Str("intent", cls.Intent).
		Str("team", rec.TeamID).
		Str("agent", rec.AgentID).
		Float64("confidence", rec.Confidence).
		Bool("fallback", fallback).
		Msg("Routing recommendation")
	return rec, nil
}

// RecommendFallback routes without a classification: the least-utilized
// eligible team, confidence 0, no specialization weighting.
func (r *Router) RecommendFallback(ctx context.Context, snap *store.Snapshot, rc Context, now time.Time) (*models.HandoffRecommendation, error) {
	table, err := r.tables.Table(ctx)
	if err != nil {
		return nil, fmt.Errorf("routing table: %w", err)
	}
	eligible := eligibleTeams(r.analyzer.TeamCapacities(snap))
	if len(eligible) == 0 {
		return nil, models.ErrNoEligibleTeam
	}
	chosen := eligible[0]
	rec := &models.HandoffRecommendation{
		TeamID:               chosen.TeamID,
		TeamName:             chosen.TeamName,
		TeamType:             chosen.TeamType,
		Priority:             models.PriorityNormal,
		EstimatedWaitMinutes: EstimateWait(&chosen),
		Reason: fmt.Sprintf("classification unavailable; %s is the least utilized eligible team (%.0f%%)",
			chosen.TeamName, chosen.UtilizationRate*100),
		Degraded:     true,
		TableVersion: table.Version,
		Alternatives: []models.TeamAlternative{},
	}
	r.proposeAgent(rec, snap, now)
	for _, tc := range eligible[1:] {
		if len(rec.Alternatives) == maxAlternatives {
			break
		}
		rec.Alternatives = append(rec.Alternatives, models.TeamAlternative{
			TeamID:               tc.TeamID,
			TeamName:             tc.TeamName,
			TeamType:             tc.TeamType,
			UtilizationRate:      tc.UtilizationRate,
			EstimatedWaitMinutes: EstimateWait(&tc),
		})
	}
	log.Warn().Str("conversation", rc.ConversationID).Str("team", rec.TeamID).Msg("Degraded routing without classification")
	return rec, nil
}

func (r *Router) proposeAgent(rec *models.HandoffRecommendation, snap *store.Snapshot, now time.Time) {
	if r.selector == nil {
		return
	}
	if c, ok := r.selector.Select(r.analyzer.AgentLoads(snap, rec.TeamID), now); ok {
		rec.AgentID = c.Load.AgentID
		rec.AgentName = c.Load.AgentName
	}
}

// eligibleTeams filters to eligible teams ordered by utilization ascending,
// priority descending, then name.
func eligibleTeams(caps []models.TeamCapacity) []models.TeamCapacity {
	var out []models.TeamCapacity
	for _, tc := range caps {
		if tc.IsEligible {
			out = append(out, tc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UtilizationRate != b.UtilizationRate {
			return a.UtilizationRate < b.UtilizationRate
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.TeamName < b.TeamName
	})
	return out
}

func specializes(tc *models.TeamCapacity, intent string, preferred models.TeamType) bool {
	t := models.Team{Type: tc.TeamType, Intents: tc.Intents}
	return t.Specializes(intent, preferred)
}

// confidence scores how well tc fits cls, always within [0, 100].
func confidence(table *Table, cls *models.Classification, tc *models.TeamCapacity, preferred models.TeamType, fallback bool) float64 {
	specialized := specializes(tc, cls.Intent, preferred)

	c := cls.Confidence
	if specialized {
		c += 30
	}
	switch {
	case tc.UtilizationRate < table.LowUtilization:
		c += 15
	case tc.UtilizationRate < table.MediumUtilization:
		c += 5
	}
	if cls.Urgency == models.UrgencyHigh || cls.Urgency == models.UrgencyCritical {
		c += 10
	}
	if cls.FrustrationLevel > 7 && !specialized {
		c -= 20
	}
	c = clamp(c)
	if fallback {
		c = clamp(c * table.FallbackPenalty)
	}
	return math.Round(c*10) / 10
}

func clamp(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(100, c))
}

// DerivePriority maps urgency and frustration to a conversation priority.
// Low priority needs both a calm customer and no stated urgency.
func DerivePriority(cls *models.Classification) models.Priority {
	switch {
	case cls.Urgency == models.UrgencyCritical || cls.FrustrationLevel >= 8:
		return models.PriorityUrgent
	case cls.Urgency == models.UrgencyHigh || cls.FrustrationLevel >= 6:
		return models.PriorityHigh
	case cls.FrustrationLevel <= 2 && (cls.Urgency == models.UrgencyLow || cls.Urgency == ""):
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}

// EstimateWait is a step function of utilization, in minutes.
func EstimateWait(tc *models.TeamCapacity) int {
	switch {
	case tc.ActiveAgents == 0:
		return 15
	case tc.UtilizationRate < 0.3:
		return 2
	case tc.UtilizationRate < 0.7:
		return 5
	default:
		return min(15, tc.ActiveAgents*2)
	}
}

func reason(cls *models.Classification, chosen *models.TeamCapacity, preferred models.TeamType, source string, fallback bool, threshold float64) string {
	if fallback {
		return fmt.Sprintf("%s → %s, but no %s team is below %.0f%% utilization; widened to %s (%s, %.0f%%)",
			source, preferred, preferred, threshold*100, chosen.TeamName, chosen.TeamType, chosen.UtilizationRate*100)
	}
	r := fmt.Sprintf("%s → %s; %s at %.0f%% utilization", source, preferred, chosen.TeamName, chosen.UtilizationRate*100)
	if cls.FrustrationLevel > 7 {
		r += fmt.Sprintf("; frustration %d", cls.FrustrationLevel)
	}
	return r
}
