// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package reward attributes downstream user signals to serve events inside a
// bounded window and pushes the resulting updates into the policy engine.
package reward

import (
	"fmt"

	"github.com/tomtom215/armature/internal/models"
)

// Per-kind value ranges accepted by Ingest.
const (
	RatingMin = 1.0
	RatingMax = 5.0
)

// ValidateSignal rejects unknown kinds and out-of-range values.
func ValidateSignal(kind models.RewardKind, value float64) error {
	switch kind {
	case models.RewardClick:
		if value != 0 && value != 1 {
			return fmt.Errorf("click value must be 0 or 1, got %v", value)
		}
	case models.RewardRating:
		if value < RatingMin || value > RatingMax {
			return fmt.Errorf("rating must be in [%v, %v], got %v", RatingMin, RatingMax, value)
		}
	case models.RewardThumbsUp, models.RewardThumbsDown:
		// Value carries no information for thumbs.
	case models.RewardCustom:
		if value < -1 || value > 1 {
			return fmt.Errorf("custom value must be in [-1, 1], got %v", value)
		}
	default:
		return fmt.Errorf("unknown reward kind %q", kind)
	}
	return nil
}

// MapRating maps a 1-5 rating onto [-1, 1]: 2.5 is neutral, 5 maps to 1, and
// 1 maps to -0.6; results outside [-1, 1] are clipped.
func MapRating(rating float64) float64 {
	r := (rating - 2.5) / 2.5
	if r < -1 {
		return -1
	}
	if r > 1 {
		return 1
	}
	return r
}

// Compose folds the qualifying signals into one reward under the
// experiment's mapping. The second return is false when no qualifying signal
// exists; the window-close pass then finalizes the reward to 0.
//
// Conflicts resolve by priority: explicit rating beats thumbs beats click,
// with custom signals lowest. Within one kind the latest signal wins.
func Compose(mapping models.RewardMapping, signals []models.RewardEvent) (float64, bool) {
	var rating, thumbs, click, custom *models.RewardEvent
	for i := range signals {
		s := &signals[i]
		switch s.Kind {
		case models.RewardRating:
			rating = s
		case models.RewardThumbsUp, models.RewardThumbsDown:
			thumbs = s
		case models.RewardClick:
			if s.Value == 1 {
				click = s
			}
		case models.RewardCustom:
			custom = s
		}
	}

	switch mapping {
	case models.MappingBinaryClick:
		if click != nil {
			return 1, true
		}
		return 0, false

	case models.MappingScaledRating:
		if rating != nil {
			return MapRating(rating.Value), true
		}
		return 0, false

	case models.MappingComposite, "":
		if rating != nil {
			return MapRating(rating.Value), true
		}
		if thumbs != nil {
			if thumbs.Kind == models.RewardThumbsUp {
				return 1, true
			}
			return 0, true
		}
		if click != nil {
			return 1, true
		}
		if custom != nil {
			return custom.Value, true
		}
		return 0, false

	default:
		return 0, false
	}
}

// ClampForUpdate bounds a composed reward to the [0, 1] range the policy
// engine accepts. Serve events keep the raw mapped value (a rating of 1 maps
// to -0.6), while state updates saturate at the boundaries.
func ClampForUpdate(reward float64) float64 {
	if reward < 0 {
		return 0
	}
	if reward > 1 {
		return 1
	}
	return reward
}
