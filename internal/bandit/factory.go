// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package bandit

import (
	"fmt"
	"math/rand"
)

// New constructs a policy from its kind and parameter record. A nil rng lets
// stochastic policies self-seed; replay passes a seeded generator.
func New(kind string, p Params, rng *rand.Rand) (Policy, error) {
	switch kind {
	case KindThompson:
		return NewThompson(p, rng)
	case KindEGreedy:
		return NewEpsilonGreedy(p, rng)
	case KindUCB:
		return NewUCB1(p)
	case KindControl:
		return NewControl(p), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, kind)
	}
}

// Kinds lists the supported policy kinds.
func Kinds() []string {
	return []string{KindThompson, KindEGreedy, KindUCB, KindControl}
}

// Ensure all policies implement the interface.
var (
	_ Policy = (*Thompson)(nil)
	_ Policy = (*EpsilonGreedy)(nil)
	_ Policy = (*UCB1)(nil)
	_ Policy = (*Control)(nil)
)
