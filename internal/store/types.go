// SPDX-License-Identifier: MIT

package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// StringList is a []string stored as a JSONB array.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// ClockMap is a user_id -> counter vector clock stored as a JSONB object.
type ClockMap map[string]int64

// Value implements driver.Valuer.
func (m ClockMap) Value() (driver.Value, error) {
	if m == nil {
		m = ClockMap{}
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *ClockMap) Scan(src any) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("store: cannot scan %T as JSON", src)
	}
}

// User mirrors a row of the users table.
type User struct {
	UserID         uuid.UUID  `db:"user_id"`
	Email          string     `db:"email"`
	Username       string     `db:"username"`
	PasswordHash   string     `db:"password_hash"`
	OrganizationID *uuid.UUID `db:"organization_id"`
	IsActive       bool       `db:"is_active"`
	CreatedAt      time.Time  `db:"created_at"`
	LastLoginAt    *time.Time `db:"last_login_at"`
}

// Session mirrors a row of the user_sessions table.
type Session struct {
	SessionID uuid.UUID `db:"session_id"`
	UserID    uuid.UUID `db:"user_id"`
	TokenHash string    `db:"token_hash"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Twin mirrors a row of digital_twins joined with its latest version.
type Twin struct {
	TwinID         uuid.UUID      `db:"twin_id"`
	Name           string         `db:"name"`
	Description    *string        `db:"description"`
	TwinType       string         `db:"twin_type"`
	CreatedBy      uuid.UUID      `db:"created_by"`
	OrganizationID *uuid.UUID     `db:"organization_id"`
	Tags           StringList     `db:"tags"`
	CreatedAt      time.Time      `db:"created_at"`
	VersionNumber  int            `db:"version_number"`
	Properties     types.JSONText `db:"properties"`
}

// EditLock mirrors the durable shadow row of an edit lock.
type EditLock struct {
	LockID      uuid.UUID  `db:"lock_id"`
	TwinID      uuid.UUID  `db:"twin_id"`
	UserID      uuid.UUID  `db:"user_id"`
	SessionID   uuid.UUID  `db:"session_id"`
	LockType    string     `db:"lock_type"`
	Components  StringList `db:"locked_components"`
	AcquiredAt  time.Time  `db:"acquired_at"`
	ExpiresAt   time.Time  `db:"expires_at"`
	HeartbeatAt time.Time  `db:"heartbeat_at"`
	IsActive    bool       `db:"is_active"`
}

// EditOperation mirrors a row of the append-only edit_operations log.
type EditOperation struct {
	Seq           int64          `db:"seq"`
	OperationID   uuid.UUID      `db:"operation_id"`
	TwinID        uuid.UUID      `db:"twin_id"`
	UserID        uuid.UUID      `db:"user_id"`
	OperationType string         `db:"operation_type"`
	ComponentPath string         `db:"component_path"`
	OperationData types.JSONText `db:"operation_data"`
	VectorClock   ClockMap       `db:"vector_clock"`
	CreatedAt     time.Time      `db:"created_at"`
}

// Node mirrors a row of machine_nodes.
type Node struct {
	NodeID              uuid.UUID  `db:"node_id"`
	Name                string     `db:"name"`
	Status              string     `db:"status"`
	LastMaintenanceDate *time.Time `db:"last_maintenance_date"`
	CreatedAt           time.Time  `db:"created_at"`
}

// Sample mirrors a row of the telemetry_data time-series table. All metric
// fields are nullable; sensors report partial frames.
type Sample struct {
	Time          time.Time      `db:"time"`
	NodeID        uuid.UUID      `db:"node_id"`
	RPM           *float64       `db:"rpm"`
	TorqueNM      *float64       `db:"torque_nm"`
	VibrationX    *float64       `db:"vibration_x_g"`
	VibrationY    *float64       `db:"vibration_y_g"`
	VibrationZ    *float64       `db:"vibration_z_g"`
	TemperatureC  *float64       `db:"temperature_c"`
	PowerW        *float64       `db:"power_consumption_w"`
	ToolWear      *float64       `db:"tool_wear_percent"`
	ErrorCode     *string        `db:"error_code"`
	CustomMetrics types.JSONText `db:"custom_metrics"`
}

// Ticket mirrors a row of maintenance_tickets.
type Ticket struct {
	TicketID       uuid.UUID      `db:"ticket_id"`
	NodeID         uuid.UUID      `db:"node_id"`
	Severity       string         `db:"severity"`
	Title          string         `db:"title"`
	Description    string         `db:"description"`
	DiagnosticData types.JSONText `db:"diagnostic_data"`
	Status         string         `db:"status"`
	CreatedAt      time.Time      `db:"created_at"`
	AcknowledgedAt *time.Time     `db:"acknowledged_at"`
}
