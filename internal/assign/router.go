// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package assign maps (user, experiment) pairs to policies deterministically.
//
// The hash function is the source of truth: storage memoizes assignments for
// audit, but the same (salt, user_id, traffic_fraction, traffic_plan) always
// produces the same answer across processes and restarts. Buckets are
// monotone under ramp: raising traffic_fraction only admits new users, it
// never reassigns or evicts users already in the experiment.
package assign

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"sort"
)

// PlanTolerance is the allowed deviation of traffic plan shares from 1.
const PlanTolerance = 1e-9

// Sentinel errors for plan validation.
var (
	ErrEmptySalt   = errors.New("experiment salt is empty")
	ErrInvalidPlan = errors.New("traffic plan shares must sum to 1")
)

// Share is one policy's slice of in-experiment traffic.
type Share struct {
	PolicyID string  `json:"policy_id"`
	Fraction float64 `json:"fraction"`
}

// Plan is a traffic plan kept as a slice of shares. The cumulative walk over
// shares defines which bucket range maps to which policy; Route walks the
// Normalized plan, in policy-id order, so the slice order does not matter.
type Plan []Share

// Validate checks that the shares are non-negative and sum to 1.
func (p Plan) Validate() error {
	if len(p) == 0 {
		return ErrInvalidPlan
	}
	var sum float64
	for _, s := range p {
		if s.PolicyID == "" || s.Fraction < 0 {
			return ErrInvalidPlan
		}
		sum += s.Fraction
	}
	if math.Abs(sum-1) > PlanTolerance {
		return ErrInvalidPlan
	}
	return nil
}

// Normalized returns the plan sorted by policy id with shares rescaled to
// sum exactly 1. Sorting gives a canonical cumulative order so assignment
// does not depend on config serialization order.
func (p Plan) Normalized() Plan {
	out := make(Plan, len(p))
	copy(out, p)
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	var sum float64
	for _, s := range out {
		sum += s.Fraction
	}
	if sum > 0 {
		for i := range out {
			out[i].Fraction /= sum
		}
	}
	return out
}

// Result is the outcome of routing one user.
type Result struct {
	InExperiment bool
	PolicyID     string
	Bucket       float64
}

// Bucket maps (salt, userID) to a uniform value in [0, 1). It is the SHA-256
// low 64 bits of "salt:user_id" divided by 2^64, using the top 53 bits so the
// result is exactly representable and strictly below 1.
func Bucket(salt, userID string) float64 {
	h := sha256.Sum256([]byte(salt + ":" + userID))
	v := binary.BigEndian.Uint64(h[len(h)-8:])
	return float64(v>>11) / (1 << 53)
}

// Route assigns a user to a policy under the experiment's traffic settings.
//
// Users whose bucket lands at or above trafficFraction are out of the
// experiment. In-experiment users walk the normalized plan cumulatively over
// the rescaled bucket, so each policy receives its planned share of
// in-experiment traffic.
func Route(salt, userID string, trafficFraction float64, plan Plan) (Result, error) {
	if salt == "" {
		return Result{}, ErrEmptySalt
	}
	if trafficFraction < 0 || trafficFraction > 1 {
		return Result{}, errors.New("traffic fraction must be in [0, 1]")
	}
	if err := plan.Validate(); err != nil {
		return Result{}, err
	}

	bucket := Bucket(salt, userID)
	if trafficFraction == 0 || bucket >= trafficFraction {
		return Result{InExperiment: false, Bucket: bucket}, nil
	}

	scaled := bucket / trafficFraction
	var cum float64
	normalized := plan.Normalized()
	for _, s := range normalized {
		cum += s.Fraction
		if scaled < cum {
			return Result{InExperiment: true, PolicyID: s.PolicyID, Bucket: bucket}, nil
		}
	}
	// Floating-point slack on the last cumulative boundary.
	last := normalized[len(normalized)-1]
	return Result{InExperiment: true, PolicyID: last.PolicyID, Bucket: bucket}, nil
}
