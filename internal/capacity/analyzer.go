// Package capacity derives team load and per-agent workload from a store
// snapshot. Everything here is a pure function of the snapshot, so callers
// comparing teams or agents always compare numbers taken at the same instant.
package capacity

import (
	"sort"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/store"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
)

// Analyzer computes TeamCapacity and AgentLoad views.
type Analyzer struct{}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// TeamCapacities returns the load picture of every active team, sorted by name.
//
// The algorithm:
//  1. Count active agents holding an active membership in the team
//  2. Use the team's explicit MaxCapacity, or the sum of those agents'
//     role capacities when it is zero
//  3. utilization = open conversations / capacity, 0 when capacity is 0
func (a *Analyzer) TeamCapacities(snap *store.Snapshot) []models.TeamCapacity {
	result := make([]models.TeamCapacity, 0, len(snap.Teams))
	for i := range snap.Teams {
		t := &snap.Teams[i]
		if !t.IsActive {
			continue
		}
		result = append(result, a.teamCapacity(snap, t))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TeamName != result[j].TeamName {
			return result[i].TeamName < result[j].TeamName
		}
		return result[i].TeamID < result[j].TeamID
	})
	return result
}

// TeamCapacity returns the capacity of one team, active or not. The second
// result is false if the team is not in the snapshot.
func (a *Analyzer) TeamCapacity(snap *store.Snapshot, teamID string) (models.TeamCapacity, bool) {
	for i := range snap.Teams {
		if snap.Teams[i].ID == teamID {
			return a.teamCapacity(snap, &snap.Teams[i]), true
		}
	}
	return models.TeamCapacity{}, false
}

func (a *Analyzer) teamCapacity(snap *store.Snapshot, t *models.Team) models.TeamCapacity {
	activeAgents, rosterCapacity := 0, 0
	for i := range snap.Agents {
		ag := &snap.Agents[i]
		if !ag.IsActive || !ag.MemberOf(t.ID) {
			continue
		}
		activeAgents++
		rosterCapacity += ag.RoleCapacity
	}

	maxCap := t.MaxCapacity
	if maxCap <= 0 {
		maxCap = rosterCapacity
	}
	load := snap.TeamOpen[t.ID]

	var util float64
	if maxCap > 0 {
		util = float64(load) / float64(maxCap)
	}

	return models.TeamCapacity{
		TeamID:          t.ID,
		TeamName:        t.Name,
		TeamType:        t.Type,
		Priority:        t.Priority,
		ActiveAgents:    activeAgents,
		CurrentLoad:     load,
		MaxCapacity:     maxCap,
		UtilizationRate: util,
		IsEligible:      t.IsActive && t.AutoAssignmentEnabled,
		Intents:         append([]string(nil), t.Intents...),
	}
}

// AgentLoads returns the workload of every active agent with an active
// membership in teamID, sorted by agent ID. ActiveConversations counts the
// agent's open work across all teams; TotalAssignments and LastAssignedAt
// only count assignments into teamID within the snapshot window.
func (a *Analyzer) AgentLoads(snap *store.Snapshot, teamID string) []models.AgentLoad {
	var loads []models.AgentLoad
	for i := range snap.Agents {
		ag := &snap.Agents[i]
		if !ag.IsActive || !ag.MemberOf(teamID) {
			continue
		}
		st := snap.Assignments[store.StatKey(teamID, ag.ID)]
		loads = append(loads, models.AgentLoad{
			AgentID:             ag.ID,
			AgentName:           ag.Name,
			TeamID:              teamID,
			ActiveConversations: snap.AgentOpen[ag.ID],
			TotalAssignments:    st.Count,
			LastAssignedAt:      st.LastAssignedAt,
			IsOnline:            ag.IsOnline,
			IsActive:            ag.IsActive,
			RoleCapacity:        ag.RoleCapacity,
		})
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].AgentID < loads[j].AgentID })
	return loads
}
