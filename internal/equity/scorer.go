// Package equity decides which agent of a team receives the next
// conversation. Agents are ranked by a distribution score that weighs
// windowed assignment history far above live load, with a short recency
// penalty against back-to-back assignments. During business hours online
// agents are preferred.
package equity

import (
	"math"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
)

// Default scoring constants.
const (
	DefaultHistoryWeight = 10.0
	DefaultActiveWeight  = 1.0
	DefaultRecencyHours  = 10.0
)

// Weights parameterize the distribution score.
type Weights struct {
	History float64 // per windowed assignment
	Active  float64 // per open conversation
	// RecencyHours is both the maximum penalty and the number of hours it
	// takes to decay linearly to zero.
	RecencyHours float64
}

// DefaultWeights returns 10 / 1 / 10h.
func DefaultWeights() Weights {
	return Weights{History: DefaultHistoryWeight, Active: DefaultActiveWeight, RecencyHours: DefaultRecencyHours}
}

// Scorer turns agent load into a distribution score. Lower is more deserving.
type Scorer struct {
	w Weights
}

// NewScorer creates a Scorer. Zero weights fall back to the defaults.
func NewScorer(w Weights) *Scorer {
	d := DefaultWeights()
	if w.History == 0 {
		w.History = d.History
	}
	if w.Active == 0 {
		w.Active = d.Active
	}
	if w.RecencyHours == 0 {
		w.RecencyHours = d.RecencyHours
	}
	return &Scorer{w: w}
}

// Score computes
//
//	totalAssignments*History + activeConversations*Active + recencyPenalty
//
// where recencyPenalty = max(0, RecencyHours - hoursSinceLastAssignment).
// An agent never assigned carries no penalty; a last assignment in the
// future (clock skew) counts as "just now".
func (s *Scorer) Score(l models.AgentLoad, now time.Time) models.AssignmentScore {
	var penalty float64
	if l.LastAssignedAt != nil {
		hours := now.Sub(*l.LastAssignedAt).Hours()
		if hours < 0 {
			hours = 0
		}
		penalty = math.Max(0, s.w.RecencyHours-hours)
	}
	return models.AssignmentScore{
		TotalAssignments:    l.TotalAssignments,
		ActiveConversations: l.ActiveConversations,
		RecencyPenalty:      penalty,
		DistributionScore: float64(l.TotalAssignments)*s.w.History +
			float64(l.ActiveConversations)*s.w.Active + penalty,
	}
}
