// SPDX-License-Identifier: MIT

package maint

import (
	"context"
	"fmt"

	"github.com/twinforge/twinforge/internal/config"
)

// violation is one threshold breach detected on a node.
type violation struct {
	severity Severity
	title    string
}

// thresholdViolations compares assessed condition metrics against the fleet
// limits. Each metric escalates through a warning tier before the critical
// one, and the critical finding supersedes the warning.
func thresholdViolations(h Health, limits config.Thresholds) []violation {
	var out []violation

	switch {
	case h.Vibration >= limits.VibrationCritical:
		out = append(out, violation{SeverityCritical,
			fmt.Sprintf("Critical vibration: %.2fg (limit: %gg)", h.Vibration, limits.VibrationCritical)})
	case h.Vibration >= limits.VibrationWarning:
		out = append(out, violation{SeverityHigh,
			fmt.Sprintf("High vibration: %.2fg (limit: %gg)", h.Vibration, limits.VibrationWarning)})
	}

	switch {
	case h.Temperature >= limits.TemperatureCritical:
		out = append(out, violation{SeverityCritical,
			fmt.Sprintf("Critical temperature: %.1f°C (limit: %g°C)", h.Temperature, limits.TemperatureCritical)})
	case h.Temperature >= limits.TemperatureWarning:
		out = append(out, violation{SeverityHigh,
			fmt.Sprintf("High temperature: %.1f°C (limit: %g°C)", h.Temperature, limits.TemperatureWarning)})
	}

	switch {
	case h.ToolWear >= limits.ToolWearCritical:
		out = append(out, violation{SeverityCritical,
			fmt.Sprintf("Critical tool wear: %.1f%% (limit: %g%%)", h.ToolWear, limits.ToolWearCritical)})
	case h.ToolWear >= limits.ToolWearWarning:
		out = append(out, violation{SeverityMedium,
			fmt.Sprintf("High tool wear: %.1f%% (limit: %g%%)", h.ToolWear, limits.ToolWearWarning)})
	}

	return out
}

// checkThresholds raises one ticket per violation, all sharing the node's
// current condition snapshot as diagnostics.
func checkThresholds(ctx context.Context, tickets *Engine, h Health, limits config.Thresholds) error {
	violations := thresholdViolations(h, limits)
	if len(violations) == 0 {
		return nil
	}

	diag := map[string]any{
		"vibration_g":       h.Vibration,
		"temperature_c":     h.Temperature,
		"rpm":               h.RPM,
		"tool_wear_percent": h.ToolWear,
	}
	description := fmt.Sprintf("Automatic threshold violation detected. Health score: %.1f", h.Score)

	for _, v := range violations {
		if err := tickets.Create(ctx, h.NodeID, v.severity, v.title, description, diag); err != nil {
			return err
		}
	}
	return nil
}
