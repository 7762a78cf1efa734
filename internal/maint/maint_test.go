// SPDX-License-Identifier: MIT

package maint

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinforge/twinforge/internal/config"
	"github.com/twinforge/twinforge/internal/store"
)

func f(v float64) *float64 { return &v }

// sample builds a telemetry row with a 3-axis vibration of the given
// magnitude spread evenly across the axes.
func sample(vibMagnitude, temp, wear float64) store.Sample {
	axis := vibMagnitude / math.Sqrt(3)
	return store.Sample{
		VibrationX:   f(axis),
		VibrationY:   f(axis),
		VibrationZ:   f(axis),
		TemperatureC: f(temp),
		ToolWear:     f(wear),
		RPM:          f(2000),
	}
}

type fakeRepo struct {
	samples map[uuid.UUID][]store.Sample
	nodes   map[uuid.UUID]store.Node
	nodeErr error
	online  []store.Node

	tickets []store.Ticket
	alerts  []store.Ticket
	acked   []uuid.UUID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		samples: make(map[uuid.UUID][]store.Sample),
		nodes:   make(map[uuid.UUID]store.Node),
	}
}

func (r *fakeRepo) RecentSamples(_ context.Context, nodeID uuid.UUID, _ time.Duration, limit int) ([]store.Sample, error) {
	s := r.samples[nodeID]
	if len(s) > limit {
		s = s[:limit]
	}
	return s, nil
}

func (r *fakeRepo) SamplesSince(_ context.Context, nodeID uuid.UUID, _ time.Duration) ([]store.Sample, error) {
	return r.samples[nodeID], nil
}

func (r *fakeRepo) CleanSamples(_ context.Context, nodeID uuid.UUID, _ time.Duration, limit int) ([]store.Sample, error) {
	s := r.samples[nodeID]
	if len(s) > limit {
		s = s[:limit]
	}
	return s, nil
}

func (r *fakeRepo) LatestSample(_ context.Context, nodeID uuid.UUID) (store.Sample, error) {
	s := r.samples[nodeID]
	if len(s) == 0 {
		return store.Sample{}, store.ErrNotFound
	}
	return s[len(s)-1], nil
}

func (r *fakeRepo) NodeByID(_ context.Context, nodeID uuid.UUID) (store.Node, error) {
	if r.nodeErr != nil {
		return store.Node{}, r.nodeErr
	}
	n, ok := r.nodes[nodeID]
	if !ok {
		return store.Node{}, store.ErrNotFound
	}
	return n, nil
}

func (r *fakeRepo) AllNodeIDs(context.Context) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(r.samples))
	for id := range r.samples {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *fakeRepo) NodesWithRecentTelemetry(ctx context.Context, _ time.Duration) ([]uuid.UUID, error) {
	return r.AllNodeIDs(ctx)
}

func (r *fakeRepo) OnlineNodes(context.Context) ([]store.Node, error) {
	return r.online, nil
}

func (r *fakeRepo) HasOpenDuplicate(_ context.Context, nodeID uuid.UUID, title string, _ time.Duration) (bool, error) {
	for _, t := range r.tickets {
		if t.NodeID == nodeID && t.Title == title {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) InsertTicket(_ context.Context, t store.Ticket) error {
	r.tickets = append(r.tickets, t)
	return nil
}

func (r *fakeRepo) OpenTickets(context.Context) ([]store.Ticket, error) {
	return r.tickets, nil
}

func (r *fakeRepo) UnacknowledgedAlerts(context.Context, time.Duration) ([]store.Ticket, error) {
	return r.alerts, nil
}

func (r *fakeRepo) AcknowledgeTicket(_ context.Context, id uuid.UUID) error {
	r.acked = append(r.acked, id)
	return nil
}

func limits() config.Thresholds { return config.DefaultThresholds() }

func TestScoreComposite(t *testing.T) {
	// vib 0.4g of 0.8 -> 50; temp 76 of 95 -> 20; wear 45 -> 55;
	// 180 days -> 100/e.
	want := 0.3*50 + 0.25*20 + 0.25*55 + 0.2*100*math.Exp(-1)
	assert.InDelta(t, want, Score(0.4, 76, 45, 180, limits()), 1e-9)
}

func TestScoreBounds(t *testing.T) {
	assert.InDelta(t, 100, Score(0, 0, 0, 0, limits()), 1e-9)
	assert.InDelta(t, 0, Score(5, 500, 100, 9999, limits()), 1e-6)
}

func TestAssessNoTelemetry(t *testing.T) {
	repo := newFakeRepo()
	a := NewAssessor(repo, limits(), zerolog.Nop())

	h, err := a.Assess(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, "unknown", h.Status)
	assert.Zero(t, h.Score)
	assert.Equal(t, unknownMaintenanceDays, h.DaysSinceMaintenance)
	assert.Nil(t, h.PredictedFailureHours)
}

func TestAssessUnknownNodeWrappedError(t *testing.T) {
	repo := newFakeRepo()
	nodeID := uuid.New()
	repo.samples[nodeID] = []store.Sample{sample(0.2, 60, 10)}
	// Store errors arrive wrapped; a missing node row must not fail the pass.
	repo.nodeErr = fmt.Errorf("store: node by id: %w", store.ErrNotFound)
	a := NewAssessor(repo, limits(), zerolog.Nop())

	h, err := a.Assess(context.Background(), nodeID)
	require.NoError(t, err)
	assert.Equal(t, 0, h.DaysSinceMaintenance)
}

func TestAssessAveragesAndMaintenanceAge(t *testing.T) {
	repo := newFakeRepo()
	nodeID := uuid.New()
	repo.samples[nodeID] = []store.Sample{
		sample(0.2, 70, 30),
		sample(0.4, 74, 34),
		// A partial frame: vibration axes missing, so it only contributes
		// to the temperature and wear means.
		{TemperatureC: f(72), ToolWear: f(32)},
	}
	maintained := time.Now().AddDate(0, 0, -90)
	repo.nodes[nodeID] = store.Node{NodeID: nodeID, LastMaintenanceDate: &maintained}

	a := NewAssessor(repo, limits(), zerolog.Nop())
	h, err := a.Assess(context.Background(), nodeID)
	require.NoError(t, err)

	assert.Equal(t, "online", h.Status)
	assert.InDelta(t, 0.3, h.Vibration, 1e-9)
	assert.InDelta(t, 72, h.Temperature, 1e-9)
	assert.InDelta(t, 32, h.ToolWear, 1e-9)
	assert.Equal(t, 90, h.DaysSinceMaintenance)

	want := Score(0.3, 72, 32, 90, limits())
	assert.InDelta(t, want, h.Score, 1e-9)

	require.NotNil(t, h.PredictedFailureHours)
	assert.InDelta(t, 720*(1-0.3/0.8), *h.PredictedFailureHours, 1e-9)
}

func TestShortTermFailureAtCriticalVibration(t *testing.T) {
	repo := newFakeRepo()
	nodeID := uuid.New()
	repo.samples[nodeID] = []store.Sample{sample(0.9, 70, 10), sample(0.9, 70, 10)}

	a := NewAssessor(repo, limits(), zerolog.Nop())
	h, err := a.Assess(context.Background(), nodeID)
	require.NoError(t, err)
	require.NotNil(t, h.PredictedFailureHours)
	assert.Zero(t, *h.PredictedFailureHours)
}

func TestThresholdViolationTitles(t *testing.T) {
	cases := []struct {
		name     string
		health   Health
		severity Severity
		title    string
	}{
		{"vibration critical", Health{Vibration: 0.85}, SeverityCritical, "Critical vibration: 0.85g (limit: 0.8g)"},
		{"vibration warning", Health{Vibration: 0.6}, SeverityHigh, "High vibration: 0.60g (limit: 0.5g)"},
		{"temperature critical", Health{Temperature: 97.3}, SeverityCritical, "Critical temperature: 97.3°C (limit: 95°C)"},
		{"temperature warning", Health{Temperature: 88}, SeverityHigh, "High temperature: 88.0°C (limit: 85°C)"},
		{"tool wear critical", Health{ToolWear: 82.5}, SeverityCritical, "Critical tool wear: 82.5% (limit: 80%)"},
		{"tool wear warning", Health{ToolWear: 65}, SeverityMedium, "High tool wear: 65.0% (limit: 60%)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vs := thresholdViolations(tc.health, limits())
			require.Len(t, vs, 1)
			assert.Equal(t, tc.severity, vs[0].severity)
			assert.Equal(t, tc.title, vs[0].title)
		})
	}
}

func TestThresholdCriticalSupersedesWarning(t *testing.T) {
	vs := thresholdViolations(Health{Vibration: 0.9, Temperature: 99, ToolWear: 85}, limits())
	require.Len(t, vs, 3)
	for _, v := range vs {
		assert.Equal(t, SeverityCritical, v.severity)
	}
}

func TestHealthyNodeNoViolations(t *testing.T) {
	assert.Empty(t, thresholdViolations(Health{Vibration: 0.2, Temperature: 65, ToolWear: 20}, limits()))
}

func TestTicketDedup(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(repo, zerolog.Nop())
	nodeID := uuid.New()

	for i := 0; i < 3; i++ {
		err := e.Create(context.Background(), nodeID, SeverityCritical,
			"Critical vibration: 0.85g (limit: 0.8g)", "desc", map[string]any{"vibration_g": 0.85})
		require.NoError(t, err)
	}
	assert.Len(t, repo.tickets, 1)

	// A different finding on the same node is not a duplicate.
	err := e.Create(context.Background(), nodeID, SeverityHigh,
		"High temperature: 88.0°C (limit: 85°C)", "desc", nil)
	require.NoError(t, err)
	assert.Len(t, repo.tickets, 2)
}

func TestPrioritizeAgeBoost(t *testing.T) {
	e := NewEngine(newFakeRepo(), zerolog.Nop())
	now := time.Now()
	e.now = func() time.Time { return now }

	freshHigh := store.Ticket{TicketID: uuid.New(), Severity: "high", CreatedAt: now}
	oldMedium := store.Ticket{TicketID: uuid.New(), Severity: "medium", CreatedAt: now.Add(-60 * time.Hour)}
	freshLow := store.Ticket{TicketID: uuid.New(), Severity: "low", CreatedAt: now}

	// medium(50) + 30 age points = 80 outranks high(75).
	got := e.Prioritize([]store.Ticket{freshLow, freshHigh, oldMedium})
	require.Len(t, got, 3)
	assert.Equal(t, oldMedium.TicketID, got[0].TicketID)
	assert.Equal(t, freshHigh.TicketID, got[1].TicketID)
	assert.Equal(t, freshLow.TicketID, got[2].TicketID)
}

func TestRecommendDecisionTree(t *testing.T) {
	cases := []struct {
		name   string
		health Health
		action string
		cost   float64
	}{
		{"worn tooling first", Health{ToolWear: 85, Vibration: 0.9, Temperature: 99}, "Replace cutting tool immediately", 450},
		{"bearings", Health{Vibration: 0.9, Temperature: 99}, "Inspect and replace bearings", 1200},
		{"thermal", Health{Temperature: 99}, "Check cooling system, replace thermal compound", 150},
		{"routine", Health{}, "Perform routine inspection and lubrication", 80},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := Recommend(store.Ticket{Severity: "high"}, tc.health, limits())
			assert.Equal(t, tc.action, rec.RecommendedAction)
			assert.Equal(t, tc.cost, rec.EstimatedCost)
			assert.Equal(t, 168, rec.UrgencyHours)
			assert.NotEmpty(t, rec.PartsNeeded)
		})
	}

	rec := Recommend(store.Ticket{Severity: "critical"}, Health{}, limits())
	assert.Equal(t, 24, rec.UrgencyHours)
}

func TestDispatchAlertsAcknowledges(t *testing.T) {
	repo := newFakeRepo()
	repo.alerts = []store.Ticket{
		{TicketID: uuid.New(), NodeID: uuid.New(), Severity: "critical", Title: "Predicted failure imminent"},
		{TicketID: uuid.New(), NodeID: uuid.New(), Severity: "high", Title: "Anomalous behavior detected"},
	}

	err := DispatchAlerts(context.Background(), repo, LogAlerter{Logger: zerolog.Nop()}, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, repo.acked, 2)
}
