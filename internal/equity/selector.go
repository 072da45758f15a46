package equity

import (
	"math/rand/v2"
	"sort"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
)

// RandSource picks an index in [0, n). Injected so tests can make the final
// tie-break deterministic.
type RandSource interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Candidate is a ranked agent.
type Candidate struct {
	Load  models.AgentLoad
	Score models.AssignmentScore
}

// Selector chooses one agent from a team roster.
type Selector struct {
	scorer *Scorer
	hours  *BusinessHours
	rnd    RandSource
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithRandSource replaces the tie-break source.
func WithRandSource(r RandSource) SelectorOption {
	return func(s *Selector) { s.rnd = r }
}

// NewSelector creates a Selector. A nil scorer or hours uses the defaults.
func NewSelector(scorer *Scorer, hours *BusinessHours, opts ...SelectorOption) *Selector {
	if scorer == nil {
		scorer = NewScorer(Weights{})
	}
	if hours == nil {
		hours = DefaultBusinessHours()
	}
	s := &Selector{scorer: scorer, hours: hours, rnd: globalRand{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IsBusinessHours reports whether online status gates selection at now.
func (s *Selector) IsBusinessHours(now time.Time) bool {
	return s.hours.IsOpen(now)
}

// Pool returns the agents eligible for the next assignment.
//
// During business hours: online agents under capacity, else online agents at
// capacity, else every active agent. Outside business hours online status is
// ignored: active agents under capacity if any, else every active agent.
func (s *Selector) Pool(loads []models.AgentLoad, now time.Time) []models.AgentLoad {
	active := filter(loads, func(l *models.AgentLoad) bool { return l.IsActive })

	if s.hours.IsOpen(now) {
		if p := filter(active, func(l *models.AgentLoad) bool { return l.IsOnline && l.UnderCapacity() }); len(p) > 0 {
			return p
		}
		if p := filter(active, func(l *models.AgentLoad) bool { return l.IsOnline }); len(p) > 0 {
			return p
		}
		return active
	}

	if p := filter(active, func(l *models.AgentLoad) bool { return l.UnderCapacity() }); len(p) > 0 {
		return p
	}
	return active
}

// Rank scores the candidate pool and orders it by distribution score, then
// active conversations, then last assignment (never assigned first). Agents
// tied on all three keys keep their input order.
func (s *Selector) Rank(loads []models.AgentLoad, now time.Time) []Candidate {
	pool := s.Pool(loads, now)
	ranked := make([]Candidate, len(pool))
	for i, l := range pool {
		ranked[i] = Candidate{Load: l, Score: s.scorer.Score(l, now)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return compare(&ranked[i], &ranked[j]) < 0 })
	return ranked
}

// Select returns the next agent, or false if no active agent exists. Ties on
// every ranking key are broken uniformly at random.
func (s *Selector) Select(loads []models.AgentLoad, now time.Time) (Candidate, bool) {
	ranked := s.Rank(loads, now)
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	tied := 1
	for tied < len(ranked) && compare(&ranked[0], &ranked[tied]) == 0 {
		tied++
	}
	if tied == 1 {
		return ranked[0], true
	}
	return ranked[s.rnd.IntN(tied)], true
}

// Score exposes the scorer for reporting.
func (s *Selector) Score(l models.AgentLoad, now time.Time) models.AssignmentScore {
	return s.scorer.Score(l, now)
}

func compare(a, b *Candidate) int {
	switch {
	case a.Score.DistributionScore < b.Score.DistributionScore:
		return -1
	case a.Score.DistributionScore > b.Score.DistributionScore:
		return 1
	}
	switch {
	case a.Load.ActiveConversations < b.Load.ActiveConversations:
		return -1
	case a.Load.ActiveConversations > b.Load.ActiveConversations:
		return 1
	}
	return compareLast(a.Load.LastAssignedAt, b.Load.LastAssignedAt)
}

func compareLast(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}

func filter(loads []models.AgentLoad, keep func(*models.AgentLoad) bool) []models.AgentLoad {
	var out []models.AgentLoad
	for i := range loads {
		if keep(&loads[i]) {
			out = append(out, loads[i])
		}
	}
	return out
}
