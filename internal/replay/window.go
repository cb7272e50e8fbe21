// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package replay

import (
	"fmt"
	"time"
)

// Window is a contiguous slice of the log selected for replay.
type Window struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Events    int       `json:"events"`
	ArmsCovered int     `json:"arms_covered"`
	TotalArms int       `json:"total_arms"`
	Score     float64   `json:"score"`
}

// SelectWindow picks the contiguous window of at least minDays maximizing
// event density weighted by arm coverage. The scan slides day by day over
// the log's span; the window length is exactly minDays, the minimum that
// qualifies, because a denser shorter window always scores at least as well
// as a diluted longer one.
func SelectWindow(events []LoggedEvent, minDays int) (*Window, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("no events loaded")
	}
	if minDays <= 0 {
		minDays = 14
	}

	// Bucket events and arm sets per day.
	dayCounts := make(map[time.Time]int)
	dayArms := make(map[time.Time]map[string]bool)
	allArms := make(map[string]bool)
	var first, last time.Time
	for _, ev := range events {
		day := ev.At.UTC().Truncate(24 * time.Hour)
		dayCounts[day]++
		if dayArms[day] == nil {
			dayArms[day] = make(map[string]bool)
		}
		dayArms[day][ev.ArmID] = true
		allArms[ev.ArmID] = true
		if first.IsZero() || day.Before(first) {
			first = day
		}
		if day.After(last) {
			last = day
		}
	}

	span := int(last.Sub(first).Hours()/24) + 1
	if span < minDays {
		return nil, fmt.Errorf("log spans %d days, need at least %d", span, minDays)
	}

	var best *Window
	for offset := 0; offset+minDays <= span; offset++ {
		start := first.AddDate(0, 0, offset)
		end := start.AddDate(0, 0, minDays)

		count := 0
		covered := make(map[string]bool)
		for d := 0; d < minDays; d++ {
			day := start.AddDate(0, 0, d)
			count += dayCounts[day]
			for arm := range dayArms[day] {
				covered[arm] = true
			}
		}
		if count == 0 {
			continue
		}

		density := float64(count) / float64(minDays)
		coverage := float64(len(covered)) / float64(len(allArms))
		score := density * coverage

		if best == nil || score > best.Score {
			best = &Window{
				Start:       start,
				End:         end,
				Events:      count,
				ArmsCovered: len(covered),
				TotalArms:   len(allArms),
				Score:       score,
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no window with events found")
	}
	return best, nil
}

// Filter returns the events inside [w.Start, w.End).
func (w *Window) Filter(events []LoggedEvent) []LoggedEvent {
	out := make([]LoggedEvent, 0, w.Events)
	for _, ev := range events {
		at := ev.At.UTC()
		if !at.Before(w.Start) && at.Before(w.End) {
			out = append(out, ev)
		}
	}
	return out
}
