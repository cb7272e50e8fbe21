// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package reward

import (
	"testing"
	"time"

	"github.com/tomtom215/armature/internal/models"
)

func TestValidateSignal(t *testing.T) {
	tests := []struct {
		name    string
		kind    models.RewardKind
		value   float64
		wantErr bool
	}{
		{name: "click one", kind: models.RewardClick, value: 1},
		{name: "click zero", kind: models.RewardClick, value: 0},
		{name: "click out of range", kind: models.RewardClick, value: 0.5, wantErr: true},
		{name: "rating in range", kind: models.RewardRating, value: 4},
		{name: "rating too low", kind: models.RewardRating, value: 0.5, wantErr: true},
		{name: "rating too high", kind: models.RewardRating, value: 6, wantErr: true},
		{name: "thumbs up", kind: models.RewardThumbsUp, value: 0},
		{name: "thumbs down", kind: models.RewardThumbsDown, value: 0},
		{name: "custom in range", kind: models.RewardCustom, value: -0.5},
		{name: "custom out of range", kind: models.RewardCustom, value: 2, wantErr: true},
		{name: "unknown kind", kind: "watch", value: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignal(tt.kind, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSignal(%s, %v) error = %v, wantErr %v", tt.kind, tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestMapRating(t *testing.T) {
	tests := []struct {
		rating float64
		want   float64
	}{
		{2.5, 0},
		{5, 1},
		{1, -0.6},
		{4, 0.6},
	}
	for _, tt := range tests {
		if got := MapRating(tt.rating); !almostEqual(got, tt.want) {
			t.Errorf("MapRating(%v) = %v, want %v", tt.rating, got, tt.want)
		}
	}

	// The clip boundaries hold for hypothetical out-of-range ratings.
	if got := MapRating(0); got != -1 {
		t.Errorf("MapRating(0) = %v, want -1 (clipped)", got)
	}
	if got := MapRating(10); got != 1 {
		t.Errorf("MapRating(10) = %v, want 1 (clipped)", got)
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func TestCompose(t *testing.T) {
	at := time.Now()
	click := models.RewardEvent{Kind: models.RewardClick, Value: 1, At: at}
	rating5 := models.RewardEvent{Kind: models.RewardRating, Value: 5, At: at}
	rating1 := models.RewardEvent{Kind: models.RewardRating, Value: 1, At: at}
	thumbsUp := models.RewardEvent{Kind: models.RewardThumbsUp, At: at}
	thumbsDown := models.RewardEvent{Kind: models.RewardThumbsDown, At: at}

	tests := []struct {
		name      string
		mapping   models.RewardMapping
		signals   []models.RewardEvent
		want      float64
		qualified bool
	}{
		{
			name:      "composite click only",
			mapping:   models.MappingComposite,
			signals:   []models.RewardEvent{click},
			want:      1,
			qualified: true,
		},
		{
			name:      "composite rating beats click",
			mapping:   models.MappingComposite,
			signals:   []models.RewardEvent{click, rating1},
			want:      -0.6,
			qualified: true,
		},
		{
			name:      "composite rating beats thumbs",
			mapping:   models.MappingComposite,
			signals:   []models.RewardEvent{thumbsDown, rating5},
			want:      1,
			qualified: true,
		},
		{
			name:      "composite thumbs beats click",
			mapping:   models.MappingComposite,
			signals:   []models.RewardEvent{click, thumbsDown},
			want:      0,
			qualified: true,
		},
		{
			name:      "composite thumbs up",
			mapping:   models.MappingComposite,
			signals:   []models.RewardEvent{thumbsUp},
			want:      1,
			qualified: true,
		},
		{
			name:      "composite no signal",
			mapping:   models.MappingComposite,
			signals:   nil,
			qualified: false,
		},
		{
			name:      "binary click ignores rating",
			mapping:   models.MappingBinaryClick,
			signals:   []models.RewardEvent{rating5},
			qualified: false,
		},
		{
			name:      "binary click",
			mapping:   models.MappingBinaryClick,
			signals:   []models.RewardEvent{click},
			want:      1,
			qualified: true,
		},
		{
			name:      "scaled rating",
			mapping:   models.MappingScaledRating,
			signals:   []models.RewardEvent{click, rating5},
			want:      1,
			qualified: true,
		},
		{
			name:      "scaled rating without rating",
			mapping:   models.MappingScaledRating,
			signals:   []models.RewardEvent{click},
			qualified: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, qualified := Compose(tt.mapping, tt.signals)
			if qualified != tt.qualified {
				t.Fatalf("Compose() qualified = %v, want %v", qualified, tt.qualified)
			}
			if qualified && !almostEqual(got, tt.want) {
				t.Errorf("Compose() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClampForUpdate(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-1, 0},
		{-0.6, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
	}
	for _, tt := range tests {
		if got := ClampForUpdate(tt.in); got != tt.want {
			t.Errorf("ClampForUpdate(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
