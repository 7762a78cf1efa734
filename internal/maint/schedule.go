// SPDX-License-Identifier: MIT

package maint

import (
	"github.com/google/uuid"

	"github.com/twinforge/twinforge/internal/config"
	"github.com/twinforge/twinforge/internal/store"
)

// Recommendation is a concrete maintenance action for a ticket, with the
// planning figures the scheduler needs.
type Recommendation struct {
	NodeID                 uuid.UUID `json:"node_id"`
	Severity               Severity  `json:"severity"`
	IssueType              string    `json:"issue_type"`
	Description            string    `json:"description"`
	RecommendedAction      string    `json:"recommended_action"`
	UrgencyHours           int       `json:"urgency_hours"`
	EstimatedCost          float64   `json:"estimated_cost"`
	EstimatedDowntimeHours float64   `json:"estimated_downtime_hours"`
	PartsNeeded            []string  `json:"parts_needed"`
}

// Recommend maps a ticket plus the node's assessed condition to a repair
// action. The decision tree checks the most specific cause first: worn
// tooling, then bearing-level vibration, then thermal issues, falling back
// to routine servicing.
func Recommend(t store.Ticket, h Health, limits config.Thresholds) Recommendation {
	var (
		action   string
		parts    []string
		cost     float64
		downtime float64
	)

	switch {
	case h.ToolWear >= limits.ToolWearCritical:
		action = "Replace cutting tool immediately"
		parts = []string{"Cutting Tool Assembly"}
		cost = 450.0
		downtime = 2.0
	case h.Vibration >= limits.VibrationCritical:
		action = "Inspect and replace bearings"
		parts = []string{"Front Bearing Set", "Rear Bearing Set"}
		cost = 1200.0
		downtime = 8.0
	case h.Temperature >= limits.TemperatureCritical:
		action = "Check cooling system, replace thermal compound"
		parts = []string{"Thermal Compound", "Coolant"}
		cost = 150.0
		downtime = 3.0
	default:
		action = "Perform routine inspection and lubrication"
		parts = []string{"Lubricant", "Filter Kit"}
		cost = 80.0
		downtime = 1.5
	}

	urgency := 168 // one week
	if t.Severity == string(SeverityCritical) {
		urgency = 24
	}

	return Recommendation{
		NodeID:                 t.NodeID,
		Severity:               Severity(t.Severity),
		IssueType:              t.Title,
		Description:            t.Description,
		RecommendedAction:      action,
		UrgencyHours:           urgency,
		EstimatedCost:          cost,
		EstimatedDowntimeHours: downtime,
		PartsNeeded:            parts,
	}
}
