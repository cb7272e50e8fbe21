// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package decision

import (
	"math"
	"math/rand"
	"testing"
)

func TestStudentTCDF(t *testing.T) {
	tests := []struct {
		name string
		t    float64
		df   float64
		want float64
		tol  float64
	}{
		// Reference values from standard t tables.
		{name: "t 0 is 0.5", t: 0, df: 10, want: 0.5, tol: 1e-9},
		{name: "t 1.812 df 10 is 0.95", t: 1.812, df: 10, want: 0.95, tol: 0.001},
		{name: "t 2.228 df 10 is 0.975", t: 2.228, df: 10, want: 0.975, tol: 0.001},
		{name: "t 1.96 df large is 0.975", t: 1.96, df: 1000, want: 0.975, tol: 0.002},
		{name: "symmetric negative", t: -1.812, df: 10, want: 0.05, tol: 0.001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t2 *testing.T) {
			got := studentTCDF(tt.t, tt.df)
			if math.Abs(got-tt.want) > tt.tol {
				t2.Errorf("studentTCDF(%v, %v) = %v, want %v +- %v", tt.t, tt.df, got, tt.want, tt.tol)
			}
		})
	}
}

func TestWelchTTest(t *testing.T) {
	t.Run("clear separation is significant", func(t *testing.T) {
		// Treatment mean 0.4, control 0.3, large n, modest variance.
		res := welchTTest(0.4, 0.24, 5000, 0.3, 0.21, 5000)
		if res.POneSided > 0.001 {
			t.Errorf("p = %v, want < 0.001 for a clear win", res.POneSided)
		}
	})

	t.Run("identical samples are not significant", func(t *testing.T) {
		res := welchTTest(0.3, 0.21, 1000, 0.3, 0.21, 1000)
		if math.Abs(res.POneSided-0.5) > 0.01 {
			t.Errorf("p = %v, want ~0.5 for identical means", res.POneSided)
		}
	})

	t.Run("worse treatment has p near 1", func(t *testing.T) {
		res := welchTTest(0.2, 0.16, 5000, 0.3, 0.21, 5000)
		if res.POneSided < 0.999 {
			t.Errorf("p = %v, want ~1 for a clear loss", res.POneSided)
		}
	})

	t.Run("tiny samples are inconclusive", func(t *testing.T) {
		res := welchTTest(0.9, 0.1, 1, 0.1, 0.1, 1)
		if res.POneSided != 1 {
			t.Errorf("p = %v, want 1 for n < 2", res.POneSided)
		}
	})

	t.Run("zero variance keeps the statistic finite", func(t *testing.T) {
		// Degenerate inputs: every treatment reward 1, every control 0.
		// The t statistic lands in the persisted estimator map, so it
		// must survive JSON encoding.
		res := welchTTest(1, 0, 100, 0, 0, 100)
		if math.IsInf(res.T, 0) || math.IsNaN(res.T) {
			t.Errorf("t = %v, want finite", res.T)
		}
		if res.POneSided != 0 {
			t.Errorf("p = %v, want 0 for a conclusive win", res.POneSided)
		}
	})
}

func TestBootstrapCI(t *testing.T) {
	samples := make([]float64, 1000)
	rng := rand.New(rand.NewSource(11))
	for i := range samples {
		if rng.Float64() < 0.3 {
			samples[i] = 1
		}
	}

	lo, hi := bootstrapCI(rand.New(rand.NewSource(7)), samples, 1000, 0.95)
	if lo >= hi {
		t.Fatalf("ci = (%v, %v), want lo < hi", lo, hi)
	}
	m := mean(samples)
	if m < lo || m > hi {
		t.Errorf("mean %v outside its own bootstrap CI (%v, %v)", m, lo, hi)
	}
	// A Bernoulli(0.3) mean over 1000 samples has SE ~0.0145; the 95% CI
	// should be in that ballpark.
	if hi-lo > 0.08 {
		t.Errorf("ci width = %v, implausibly wide", hi-lo)
	}
}

func TestBootstrapCIDeterministic(t *testing.T) {
	samples := []float64{0, 1, 1, 0, 1, 0, 0, 0, 1, 1}

	lo1, hi1 := bootstrapCI(rand.New(rand.NewSource(42)), samples, 500, 0.95)
	lo2, hi2 := bootstrapCI(rand.New(rand.NewSource(42)), samples, 500, 0.95)
	if lo1 != lo2 || hi1 != hi2 {
		t.Errorf("bootstrap not reproducible: (%v, %v) vs (%v, %v)", lo1, hi1, lo2, hi2)
	}
}

func TestMeanVariance(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5}
	if m := mean(samples); m != 3 {
		t.Errorf("mean = %v, want 3", m)
	}
	if v := variance(samples); math.Abs(v-2.5) > 1e-12 {
		t.Errorf("variance = %v, want 2.5", v)
	}
	if v := variance([]float64{1}); v != 0 {
		t.Errorf("variance of singleton = %v, want 0", v)
	}
	if m := mean(nil); m != 0 {
		t.Errorf("mean of empty = %v, want 0", m)
	}
}

func TestQuantileSorted(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	tests := []struct {
		q    float64
		want float64
	}{
		{0, 1}, {1, 5}, {0.5, 3}, {0.25, 2},
	}
	for _, tt := range tests {
		if got := quantileSorted(sorted, tt.q); got != tt.want {
			t.Errorf("quantileSorted(%v) = %v, want %v", tt.q, got, tt.want)
		}
	}
}
