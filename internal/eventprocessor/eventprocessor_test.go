// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package eventprocessor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/armature/internal/bandit"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/models"
)

func sampleServeEvent() *models.ServeEvent {
	return &models.ServeEvent{
		SchemaVersion: 1,
		EventID:       "ev-1",
		ExperimentID:  "e1",
		UserID:        "u1",
		PolicyID:      "thompson",
		ArmID:         "svd",
		Position:      1,
		Propensity:    0.42,
		Score:         0.9,
		LatencyMS:     12,
		ServedAt:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestServeEventSerializeRoundTrip(t *testing.T) {
	ev := sampleServeEvent()
	data, err := SerializeServeEvent(ev)
	if err != nil {
		t.Fatalf("SerializeServeEvent() error = %v", err)
	}
	got, err := DeserializeServeEvent(data)
	if err != nil {
		t.Fatalf("DeserializeServeEvent() error = %v", err)
	}
	if got.EventID != ev.EventID || got.Propensity != ev.Propensity || !got.ServedAt.Equal(ev.ServedAt) {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestSerializeRejectsInvalidEvents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.ServeEvent)
	}{
		{"missing event id", func(ev *models.ServeEvent) { ev.EventID = "" }},
		{"missing experiment", func(ev *models.ServeEvent) { ev.ExperimentID = "" }},
		{"zero propensity", func(ev *models.ServeEvent) { ev.Propensity = 0 }},
		{"propensity above 1", func(ev *models.ServeEvent) { ev.Propensity = 1.1 }},
		{"missing served_at", func(ev *models.ServeEvent) { ev.ServedAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := sampleServeEvent()
			tt.mutate(ev)
			if _, err := SerializeServeEvent(ev); err == nil {
				t.Error("SerializeServeEvent() error = nil, want error")
			}
		})
	}
}

func TestRewardUpdateSerializeRoundTrip(t *testing.T) {
	u := &RewardUpdate{
		SchemaVersion: 1,
		EventID:       "ev-1",
		ExperimentID:  "e1",
		PolicyID:      "thompson",
		ArmID:         "svd",
		Reward:        0.7,
		At:            time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC),
	}
	data, err := SerializeRewardUpdate(u)
	if err != nil {
		t.Fatalf("SerializeRewardUpdate() error = %v", err)
	}
	got, err := DeserializeRewardUpdate(data)
	if err != nil {
		t.Fatalf("DeserializeRewardUpdate() error = %v", err)
	}
	if got.Reward != 0.7 || got.PolicyID != "thompson" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestRewardUpdateValidate(t *testing.T) {
	valid := RewardUpdate{EventID: "e", ExperimentID: "x", PolicyID: "p", ArmID: "a", Reward: 0.5}

	tests := []struct {
		name    string
		mutate  func(*RewardUpdate)
		wantErr bool
	}{
		{"valid", func(u *RewardUpdate) {}, false},
		{"missing event", func(u *RewardUpdate) { u.EventID = "" }, true},
		{"missing policy", func(u *RewardUpdate) { u.PolicyID = "" }, true},
		{"negative reward", func(u *RewardUpdate) { u.Reward = -0.1 }, true},
		{"reward above 1", func(u *RewardUpdate) { u.Reward = 1.1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := valid
			tt.mutate(&u)
			if err := u.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// memoryEventStore records appended events, idempotent per id.
type memoryEventStore struct {
	mu     sync.Mutex
	events map[string]*models.ServeEvent
}

func (m *memoryEventStore) AppendServeEvent(_ context.Context, ev *models.ServeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = make(map[string]*models.ServeEvent)
	}
	if _, ok := m.events[ev.EventID]; ok {
		return nil
	}
	m.events[ev.EventID] = ev
	return nil
}

func TestServeEventHandler(t *testing.T) {
	store := &memoryEventStore{}
	handler := NewServeEventHandler(store)

	data, err := SerializeServeEvent(sampleServeEvent())
	if err != nil {
		t.Fatal(err)
	}
	msg := message.NewMessage("ev-1", data)

	if err := handler.Handle(msg); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	// Redelivery is a no-op.
	if err := handler.Handle(msg); err != nil {
		t.Fatalf("redelivered Handle() error = %v", err)
	}
	if len(store.events) != 1 {
		t.Errorf("stored events = %d, want 1", len(store.events))
	}

	// Malformed payloads are permanent failures for the poison queue.
	bad := message.NewMessage("bad", []byte("not json"))
	if err := handler.Handle(bad); !errors.Is(err, errPermanent) {
		t.Errorf("Handle(bad) error = %v, want errPermanent", err)
	}
}

// memoryStateStore is a versioned in-memory state table.
type memoryStateStore struct {
	mu        sync.Mutex
	rows      map[database.StateKey]*bandit.ArmState
	conflicts int // inject this many CAS conflicts before succeeding
}

func (m *memoryStateStore) GetArmState(_ context.Context, key database.StateKey) (*bandit.ArmState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *row
	return &copied, nil
}

func (m *memoryStateStore) CompareAndSwapArmState(_ context.Context, key database.StateKey, expectVersion int64, next *bandit.ArmState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return database.ErrStateConflict
	}
	if m.rows == nil {
		m.rows = make(map[database.StateKey]*bandit.ArmState)
	}
	current, ok := m.rows[key]
	switch {
	case expectVersion < 0:
		if ok {
			return database.ErrStateConflict
		}
	case !ok || current.Version != expectVersion:
		return database.ErrStateConflict
	}
	copied := *next
	if ok {
		copied.Version = current.Version + 1
	} else {
		copied.Version = 1
	}
	m.rows[key] = &copied
	return nil
}

// staticResolver returns one shared policy.
type staticResolver struct{ policy bandit.Policy }

func (r *staticResolver) Resolve(context.Context, string, string) (bandit.Policy, error) {
	return r.policy, nil
}

func TestStateUpdateHandler(t *testing.T) {
	thompson, err := bandit.NewThompson(bandit.Params{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	store := &memoryStateStore{}
	handler := NewStateUpdateHandler(store, &staticResolver{policy: thompson})

	update := &RewardUpdate{
		SchemaVersion: 1, EventID: "ev-1", ExperimentID: "e1",
		PolicyID: "thompson", ArmID: "svd", Reward: 1,
	}
	data, err := SerializeRewardUpdate(update)
	if err != nil {
		t.Fatal(err)
	}

	if err := handler.Handle(message.NewMessage("ev-1", data)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	key := database.StateKey{ExperimentID: "e1", PolicyID: "thompson", ArmID: "svd"}
	row, err := store.GetArmState(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if row.Pulls != 1 || row.Successes != 1 {
		t.Errorf("state after update = %+v", row)
	}
	if row.Alpha != 2 || row.Beta != 1 {
		t.Errorf("thompson params = (%v, %v), want (2, 1)", row.Alpha, row.Beta)
	}
}

func TestStateUpdateHandlerRetriesConflicts(t *testing.T) {
	thompson, err := bandit.NewThompson(bandit.Params{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	store := &memoryStateStore{conflicts: 2}
	handler := NewStateUpdateHandler(store, &staticResolver{policy: thompson})

	update := &RewardUpdate{
		SchemaVersion: 1, EventID: "ev-2", ExperimentID: "e1",
		PolicyID: "thompson", ArmID: "svd", Reward: 0,
	}
	data, _ := SerializeRewardUpdate(update)

	if err := handler.Handle(message.NewMessage("ev-2", data)); err != nil {
		t.Fatalf("Handle() error = %v after retriable conflicts", err)
	}

	key := database.StateKey{ExperimentID: "e1", PolicyID: "thompson", ArmID: "svd"}
	row, _ := store.GetArmState(context.Background(), key)
	if row.Pulls != 1 || row.Failures != 1 {
		t.Errorf("state after retried update = %+v", row)
	}
}

func TestStateUpdateHandlerExhaustsRetries(t *testing.T) {
	thompson, err := bandit.NewThompson(bandit.Params{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	store := &memoryStateStore{conflicts: 100}
	handler := NewStateUpdateHandler(store, &staticResolver{policy: thompson})

	update := &RewardUpdate{
		SchemaVersion: 1, EventID: "ev-3", ExperimentID: "e1",
		PolicyID: "thompson", ArmID: "svd", Reward: 1,
	}
	data, _ := SerializeRewardUpdate(update)

	if err := handler.Handle(message.NewMessage("ev-3", data)); !errors.Is(err, database.ErrStateConflict) {
		t.Errorf("Handle() error = %v, want ErrStateConflict after exhausted retries", err)
	}
}
