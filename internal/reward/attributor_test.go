// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package reward

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/eventprocessor"
	"github.com/tomtom215/armature/internal/models"
)

// fakeExperiments serves a fixed experiment config.
type fakeExperiments struct {
	exp *models.Experiment
}

func (f *fakeExperiments) Get(ctx context.Context, id string) (*models.Experiment, error) {
	if f.exp != nil && f.exp.ID == id {
		return f.exp, nil
	}
	return nil, database.ErrNotFound
}

// capturePublisher records published reward updates.
type capturePublisher struct {
	mu      sync.Mutex
	updates []*eventprocessor.RewardUpdate
}

func (c *capturePublisher) PublishRewardUpdate(_ context.Context, u *eventprocessor.RewardUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
	return nil
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

// attributorFixture is the shared test rig.
type attributorFixture struct {
	db         *database.DB
	attributor *Attributor
	publisher  *capturePublisher
	exp        *models.Experiment
}

func newFixture(t *testing.T, window time.Duration) *attributorFixture {
	t.Helper()
	db, err := database.New(&config.DatabaseConfig{
		Path:                   filepath.Join(t.TempDir(), "reward.duckdb"),
		MaxMemory:              "500MB",
		PreserveInsertionOrder: true,
	})
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	exp := &models.Experiment{
		ID:                "e1",
		Status:            models.StatusActive,
		RewardMapping:     models.MappingComposite,
		AttributionWindow: window,
	}
	publisher := &capturePublisher{}
	attributor := NewAttributor(db, &fakeExperiments{exp: exp}, publisher, config.RewardConfig{
		AttributionWindow: window,
		MaxAttempts:       5,
	})
	return &attributorFixture{db: db, attributor: attributor, publisher: publisher, exp: exp}
}

// serveEvent inserts one unattributed serve at servedAt.
func (f *attributorFixture) serveEvent(t *testing.T, servedAt time.Time) *models.ServeEvent {
	t.Helper()
	ev := &models.ServeEvent{
		SchemaVersion: 1,
		EventID:       uuid.New().String(),
		ExperimentID:  f.exp.ID,
		UserID:        "u1",
		PolicyID:      "thompson",
		ArmID:         "svd",
		Propensity:    0.5,
		ServedAt:      servedAt,
	}
	if err := f.db.AppendServeEvent(context.Background(), ev); err != nil {
		t.Fatalf("AppendServeEvent() error = %v", err)
	}
	return ev
}

func TestIngestIdempotentReward(t *testing.T) {
	f := newFixture(t, 24*time.Hour)
	ctx := context.Background()
	ev := f.serveEvent(t, time.Now().UTC().Add(-10*time.Second))

	// Ingest the same click twice.
	req := IngestRequest{EventID: ev.EventID, Kind: models.RewardClick, Value: 1}
	if err := f.attributor.Ingest(ctx, req); err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}
	if err := f.attributor.Ingest(ctx, req); err != nil {
		t.Fatalf("second Ingest() error = %v (want no-op)", err)
	}

	got, err := f.db.GetServeEvent(ctx, ev.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reward == nil || *got.Reward != 1.0 {
		t.Errorf("reward = %v, want 1.0", got.Reward)
	}
	if got.AttributionVersion != 1 {
		t.Errorf("attribution_version = %d, want 1 (single write)", got.AttributionVersion)
	}
	if f.publisher.count() != 1 {
		t.Errorf("policy updates = %d, want exactly 1", f.publisher.count())
	}
}

func TestWindowEnforcement(t *testing.T) {
	f := newFixture(t, 24*time.Hour)
	ctx := context.Background()
	servedAt := time.Now().UTC().Add(-24*time.Hour - time.Minute)
	ev := f.serveEvent(t, servedAt)

	// A click one second past the window is rejected.
	err := f.attributor.Ingest(ctx, IngestRequest{
		EventID: ev.EventID,
		Kind:    models.RewardClick,
		Value:   1,
		At:      servedAt.Add(24*time.Hour + time.Second),
	})
	if !errors.Is(err, ErrAttributionClosed) {
		t.Fatalf("Ingest() error = %v, want ErrAttributionClosed", err)
	}

	// The sweep finalizes the event to 0.
	f.attributor.Sweep(ctx, []*models.Experiment{f.exp})

	got, err := f.db.GetServeEvent(ctx, ev.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reward == nil || *got.Reward != 0 {
		t.Errorf("reward = %v, want finalized 0", got.Reward)
	}
}

func TestSweepAttributesCorrelatedSignal(t *testing.T) {
	f := newFixture(t, 24*time.Hour)
	ctx := context.Background()
	ev := f.serveEvent(t, time.Now().UTC().Add(-time.Hour))

	// Signal keyed by (user, arm), not event id.
	if err := f.attributor.Ingest(ctx, IngestRequest{
		UserID: "u1",
		ArmID:  "svd",
		Kind:   models.RewardThumbsUp,
		At:     time.Now().UTC().Add(-30 * time.Minute),
	}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	f.attributor.Sweep(ctx, []*models.Experiment{f.exp})

	got, err := f.db.GetServeEvent(ctx, ev.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reward == nil || *got.Reward != 1 {
		t.Errorf("reward = %v, want 1 from thumbs_up", got.Reward)
	}
}

func TestSweepLeavesOpenEventsAlone(t *testing.T) {
	f := newFixture(t, 24*time.Hour)
	ctx := context.Background()
	ev := f.serveEvent(t, time.Now().UTC().Add(-time.Hour))

	// No signal, window still open: no reward yet.
	f.attributor.Sweep(ctx, []*models.Experiment{f.exp})

	got, err := f.db.GetServeEvent(ctx, ev.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reward != nil {
		t.Errorf("reward = %v, want unattributed while window open", *got.Reward)
	}
	if f.publisher.count() != 0 {
		t.Errorf("policy updates = %d, want 0", f.publisher.count())
	}
}

func TestIngestUnknownEvent(t *testing.T) {
	f := newFixture(t, 24*time.Hour)
	err := f.attributor.Ingest(context.Background(), IngestRequest{
		EventID: "missing",
		Kind:    models.RewardClick,
		Value:   1,
	})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("Ingest() error = %v, want ErrUnknownEvent", err)
	}
}

func TestIngestRejectsInvalidSignal(t *testing.T) {
	f := newFixture(t, 24*time.Hour)
	if err := f.attributor.Ingest(context.Background(), IngestRequest{
		EventID: "x",
		Kind:    "watch",
		Value:   1,
	}); err == nil {
		t.Error("Ingest(unknown kind) error = nil, want error")
	}
	if err := f.attributor.Ingest(context.Background(), IngestRequest{
		Kind:  models.RewardClick,
		Value: 1,
	}); err == nil {
		t.Error("Ingest(no keys) error = nil, want error")
	}
}

func TestRatingNegativeClampsForUpdate(t *testing.T) {
	f := newFixture(t, 24*time.Hour)
	ctx := context.Background()
	ev := f.serveEvent(t, time.Now().UTC().Add(-time.Minute))

	if err := f.attributor.Ingest(ctx, IngestRequest{
		EventID: ev.EventID,
		Kind:    models.RewardRating,
		Value:   1, // maps to -0.6
	}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	got, _ := f.db.GetServeEvent(ctx, ev.EventID)
	if got.Reward == nil || !almostEqual(*got.Reward, -0.6) {
		t.Errorf("event reward = %v, want raw -0.6", got.Reward)
	}
	if f.publisher.count() != 1 {
		t.Fatalf("policy updates = %d, want 1", f.publisher.count())
	}
	if f.publisher.updates[0].Reward != 0 {
		t.Errorf("update reward = %v, want clamped 0", f.publisher.updates[0].Reward)
	}
}
