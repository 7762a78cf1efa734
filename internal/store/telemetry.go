// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

const sampleColumns = `time, node_id, rpm, torque_nm, vibration_x_g, vibration_y_g, vibration_z_g,
	temperature_c, power_consumption_w, tool_wear_percent, error_code, custom_metrics`

// InsertSample appends one telemetry row stamped with the server clock.
func (s *Store) InsertSample(ctx context.Context, sm Sample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_data (`+sampleColumns+`)
		VALUES (NOW(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sm.NodeID, sm.RPM, sm.TorqueNM, sm.VibrationX, sm.VibrationY, sm.VibrationZ,
		sm.TemperatureC, sm.PowerW, sm.ToolWear, sm.ErrorCode, rawOrEmpty(sm.CustomMetrics))
	if err != nil {
		return fmt.Errorf("store: insert sample: %w", err)
	}
	return nil
}

// InsertSamples appends a batch of telemetry rows with one multi-row insert
// under a single pooled connection.
func (s *Store) InsertSamples(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO telemetry_data (` + sampleColumns + `) VALUES `)
	args := make([]any, 0, len(samples)*11)
	for i, sm := range samples {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 11
		sb.WriteString("(NOW()")
		for j := 1; j <= 11; j++ {
			fmt.Fprintf(&sb, ", $%d", base+j)
		}
		sb.WriteString(")")
		args = append(args,
			sm.NodeID, sm.RPM, sm.TorqueNM, sm.VibrationX, sm.VibrationY, sm.VibrationZ,
			sm.TemperatureC, sm.PowerW, sm.ToolWear, sm.ErrorCode, rawOrEmpty(sm.CustomMetrics))
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("store: insert samples: %w", err)
	}
	return nil
}

// RecentSamples returns up to limit rows for a node within the window,
// newest first.
func (s *Store) RecentSamples(ctx context.Context, nodeID uuid.UUID, window time.Duration, limit int) ([]Sample, error) {
	samples := []Sample{}
	err := s.db.SelectContext(ctx, &samples, `
		SELECT `+sampleColumns+` FROM telemetry_data
		WHERE node_id = $1 AND time > NOW() - $2::interval
		ORDER BY time DESC
		LIMIT $3`,
		nodeID, intervalArg(window), limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent samples: %w", err)
	}
	return samples, nil
}

// SamplesSince returns all rows for a node within the window in ascending
// time order, the shape trend analysis wants.
func (s *Store) SamplesSince(ctx context.Context, nodeID uuid.UUID, window time.Duration) ([]Sample, error) {
	samples := []Sample{}
	err := s.db.SelectContext(ctx, &samples, `
		SELECT `+sampleColumns+` FROM telemetry_data
		WHERE node_id = $1 AND time > NOW() - $2::interval
		ORDER BY time ASC`,
		nodeID, intervalArg(window))
	if err != nil {
		return nil, fmt.Errorf("store: samples since: %w", err)
	}
	return samples, nil
}

// CleanSamples returns up to limit error-free rows for a node within the
// window, newest first. Training data for the anomaly scorer.
func (s *Store) CleanSamples(ctx context.Context, nodeID uuid.UUID, window time.Duration, limit int) ([]Sample, error) {
	samples := []Sample{}
	err := s.db.SelectContext(ctx, &samples, `
		SELECT `+sampleColumns+` FROM telemetry_data
		WHERE node_id = $1 AND time > NOW() - $2::interval AND error_code IS NULL
		ORDER BY time DESC
		LIMIT $3`,
		nodeID, intervalArg(window), limit)
	if err != nil {
		return nil, fmt.Errorf("store: clean samples: %w", err)
	}
	return samples, nil
}

// LatestSample returns the most recent row for a node.
func (s *Store) LatestSample(ctx context.Context, nodeID uuid.UUID) (Sample, error) {
	var sm Sample
	err := s.db.GetContext(ctx, &sm, `
		SELECT `+sampleColumns+` FROM telemetry_data
		WHERE node_id = $1
		ORDER BY time DESC
		LIMIT 1`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return Sample{}, ErrNotFound
	}
	if err != nil {
		return Sample{}, fmt.Errorf("store: latest sample: %w", err)
	}
	return sm, nil
}

// NodesWithRecentTelemetry returns the distinct node ids that reported within
// the window.
func (s *Store) NodesWithRecentTelemetry(ctx context.Context, window time.Duration) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT node_id FROM telemetry_data
		WHERE time > NOW() - $1::interval`, intervalArg(window))
	if err != nil {
		return nil, fmt.Errorf("store: nodes with telemetry: %w", err)
	}
	return ids, nil
}

func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}

func rawOrEmpty(j types.JSONText) types.JSONText {
	if len(j) == 0 {
		return types.JSONText("{}")
	}
	return j
}
