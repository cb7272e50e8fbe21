// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package guardrail

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/armature/internal/assign"
	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/models"
)

// recordingKiller captures kill calls.
type recordingKiller struct {
	mu      sync.Mutex
	killed  []string
	reasons []string
}

func (k *recordingKiller) Kill(_ context.Context, id, reason string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, id)
	k.reasons = append(k.reasons, reason)
	return nil
}

func (k *recordingKiller) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.killed)
}

type monitorFixture struct {
	db      *database.DB
	monitor *Monitor
	killer  *recordingKiller
	exp     *models.Experiment
}

func newMonitor(t *testing.T) *monitorFixture {
	t.Helper()
	db, err := database.New(&config.DatabaseConfig{
		Path:                   filepath.Join(t.TempDir(), "guardrail.duckdb"),
		MaxMemory:              "500MB",
		PreserveInsertionOrder: true,
	})
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	killer := &recordingKiller{}
	cfg := config.GuardrailConfig{
		Window:           time.Hour,
		RollbackCooldown: time.Hour,
	}

	now := time.Now().UTC()
	exp := &models.Experiment{
		ID:              "e1",
		Name:            "guardrail test",
		Surface:         "default",
		Status:          models.StatusActive,
		Salt:            "s1",
		StartAt:         now.Add(-2 * time.Hour),
		TrafficFraction: 1,
		TrafficPlan: assign.Plan{
			{PolicyID: "control", Fraction: 0.5},
			{PolicyID: "thompson", Fraction: 0.5},
		},
		DefaultPolicyID:   "control",
		CatalogVersion:    1,
		RewardMapping:     models.MappingComposite,
		AttributionWindow: 24 * time.Hour,
		Guardrails: models.GuardrailThresholds{
			MaxErrorRate:        0.01,
			MaxLatencyP95MS:     120,
			MaxArmConcentration: 0.5,
			MaxRewardDrop:       0.05,
			SampleRatioPValue:   0.001,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.CreateExperiment(context.Background(), exp); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertPolicies(context.Background(), exp.ID, []models.Policy{
		{ID: "control", ExperimentID: exp.ID, Kind: "control"},
		{ID: "thompson", ExperimentID: exp.ID, Kind: "thompson"},
	}); err != nil {
		t.Fatal(err)
	}

	return &monitorFixture{
		db:      db,
		monitor: NewMonitor(db, killer, cfg),
		killer:  killer,
		exp:     exp,
	}
}

// injectServes appends serve events: total count, erroring count, per-arm ids
// round-robin, fixed latency.
func (f *monitorFixture) injectServes(t *testing.T, total, errored int, arms []string, latencyMS int, reward *float64, policyID string) {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < total; i++ {
		ev := &models.ServeEvent{
			SchemaVersion: 1,
			EventID:       uuid.New().String(),
			ExperimentID:  f.exp.ID,
			UserID:        "u1",
			PolicyID:      policyID,
			ArmID:         arms[i%len(arms)],
			Propensity:    1,
			LatencyMS:     latencyMS,
			ServedAt:      now.Add(-time.Minute),
		}
		if i < errored {
			ev.ErrorKind = "storage"
		}
		if reward != nil {
			ev.Reward = reward
			ev.AttributionVersion = 1
			at := now
			ev.RewardAt = &at
		}
		if err := f.db.AppendServeEvent(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
}

func TestErrorRateRollback(t *testing.T) {
	f := newMonitor(t)
	ctx := context.Background()

	// 2% error rate over the window: critical check, immediate rollback.
	f.injectServes(t, 100, 2, []string{"a", "b", "c"}, 10, nil, "thompson")

	if err := f.monitor.CheckExperiment(ctx, f.exp); err != nil {
		t.Fatalf("CheckExperiment() error = %v", err)
	}

	if f.killer.count() != 1 {
		t.Fatalf("kills = %d, want 1", f.killer.count())
	}

	checks, err := f.db.GuardrailChecks(ctx, f.exp.ID, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, c := range checks {
		if c.Name == CheckErrorRate && c.Status == models.GuardrailFail {
			found = true
			if c.Action != models.ActionRollback {
				t.Errorf("error_rate action = %s, want rollback", c.Action)
			}
		}
	}
	if !found {
		t.Error("no failing error_rate check row written")
	}
}

func TestLatencyRollback(t *testing.T) {
	f := newMonitor(t)
	f.injectServes(t, 50, 0, []string{"a", "b", "c"}, 500, nil, "thompson")

	if err := f.monitor.CheckExperiment(context.Background(), f.exp); err != nil {
		t.Fatal(err)
	}
	if f.killer.count() != 1 {
		t.Errorf("kills = %d, want 1 (p95 latency breach)", f.killer.count())
	}
}

func TestConcentrationNeedsTwoWindows(t *testing.T) {
	f := newMonitor(t)
	ctx := context.Background()

	// All serves on one arm: concentration 100%, but healthy otherwise.
	f.injectServes(t, 60, 0, []string{"a"}, 10, nil, "thompson")

	// First window: alert only.
	if err := f.monitor.CheckExperiment(ctx, f.exp); err != nil {
		t.Fatal(err)
	}
	if f.killer.count() != 0 {
		t.Fatalf("kills after first window = %d, want 0", f.killer.count())
	}

	// Second consecutive failing window: rollback.
	if err := f.monitor.CheckExperiment(ctx, f.exp); err != nil {
		t.Fatal(err)
	}
	if f.killer.count() != 1 {
		t.Errorf("kills after second window = %d, want 1", f.killer.count())
	}
}

func TestRewardDropRollback(t *testing.T) {
	f := newMonitor(t)
	ctx := context.Background()

	controlReward := 0.5
	treatmentReward := 0.1
	f.injectServes(t, 50, 0, []string{"a", "b"}, 10, &controlReward, "control")
	f.injectServes(t, 50, 0, []string{"a", "b"}, 10, &treatmentReward, "thompson")

	if err := f.monitor.CheckExperiment(ctx, f.exp); err != nil {
		t.Fatal(err)
	}

	// Non-critical rollback, no prior rollback: goes through.
	if f.killer.count() != 1 {
		t.Errorf("kills = %d, want 1 (reward drop)", f.killer.count())
	}
}

func TestHealthyExperimentPasses(t *testing.T) {
	f := newMonitor(t)
	r := 0.4
	f.injectServes(t, 90, 0, []string{"a", "b", "c"}, 20, &r, "thompson")
	f.injectServes(t, 90, 0, []string{"a", "b", "c"}, 20, &r, "control")

	if err := f.monitor.CheckExperiment(context.Background(), f.exp); err != nil {
		t.Fatal(err)
	}
	if f.killer.count() != 0 {
		t.Errorf("kills = %d, want 0 for healthy experiment", f.killer.count())
	}
}

func TestNoServesNoChecks(t *testing.T) {
	f := newMonitor(t)
	if err := f.monitor.CheckExperiment(context.Background(), f.exp); err != nil {
		t.Fatal(err)
	}
	checks, _ := f.db.GuardrailChecks(context.Background(), f.exp.ID, time.Now().Add(-time.Hour))
	if len(checks) != 0 {
		t.Errorf("checks = %d, want 0 with no serves", len(checks))
	}
}

func TestChiSquarePValue(t *testing.T) {
	tests := []struct {
		name string
		stat float64
		df   int
		want float64
		tol  float64
	}{
		// Reference values from standard chi-square tables.
		{name: "df1 stat 3.841 is p 0.05", stat: 3.841, df: 1, want: 0.05, tol: 0.001},
		{name: "df2 stat 5.991 is p 0.05", stat: 5.991, df: 2, want: 0.05, tol: 0.001},
		{name: "df1 stat 10.83 is p 0.001", stat: 10.83, df: 1, want: 0.001, tol: 0.0005},
		{name: "zero stat is p 1", stat: 0, df: 3, want: 1, tol: 1e-9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChiSquarePValue(tt.stat, tt.df)
			if math.Abs(got-tt.want) > tt.tol {
				t.Errorf("ChiSquarePValue(%v, %d) = %v, want %v +- %v", tt.stat, tt.df, got, tt.want, tt.tol)
			}
		})
	}
}
