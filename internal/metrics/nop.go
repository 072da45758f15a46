// Package metrics records assignment engine metrics.
package metrics

import (
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
)

// Assignment outcomes.
const (
	OutcomeAssigned         = "assigned"
	OutcomeUnassigned       = "unassigned"
	OutcomeNoEligibleTeam   = "no_eligible_team"
	OutcomeNoAvailableAgent = "no_available_agent"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeError            = "error"
)

// Collector receives engine measurements.
type Collector interface {
	RecordAssignment(method models.AssignmentMethod, outcome string)
	RecordHandoffTransition(to models.HandoffStatus)
	ObserveSelection(d time.Duration)
	SetTeamUtilization(team string, rate float64)
}

// Nop discards everything.
type Nop struct{}

var _ Collector = (*Nop)(nil)

// NewNop creates a no-op collector.
func NewNop() *Nop { return &Nop{} }

func (n *Nop) RecordAssignment(models.AssignmentMethod, string) {}
func (n *Nop) RecordHandoffTransition(models.HandoffStatus)     {}
func (n *Nop) ObserveSelection(time.Duration)                   {}
func (n *Nop) SetTeamUtilization(string, float64)               {}
