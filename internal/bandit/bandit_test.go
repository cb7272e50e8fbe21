// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package bandit

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/goccy/go-json"
)

func testArms(ids ...string) []Arm {
	arms := make([]Arm, len(ids))
	for i, id := range ids {
		arms[i] = Arm{ID: id}
	}
	return arms
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		params  Params
		wantErr error
	}{
		{name: "thompson", kind: KindThompson},
		{name: "egreedy", kind: KindEGreedy, params: Params{Epsilon: 0.1}},
		{name: "ucb", kind: KindUCB},
		{name: "control", kind: KindControl},
		{name: "unknown kind", kind: "softmax", wantErr: ErrUnknownPolicy},
		{name: "empty kind", kind: "", wantErr: ErrUnknownPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.kind, tt.params, rand.New(rand.NewSource(1)))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("New(%q) error = %v, want %v", tt.kind, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q) error = %v", tt.kind, err)
			}
			if p.Kind() != tt.kind {
				t.Errorf("Kind() = %q, want %q", p.Kind(), tt.kind)
			}
		})
	}
}

func TestEmptyCandidateSet(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(kind, func(t *testing.T) {
			p, err := New(kind, Params{}, rand.New(rand.NewSource(1)))
			if err != nil {
				t.Fatalf("New(%q) error = %v", kind, err)
			}
			if _, err := p.Select(nil, NewState("")); !errors.Is(err, ErrNoEligibleArm) {
				t.Errorf("Select(nil) error = %v, want ErrNoEligibleArm", err)
			}
			if _, err := p.Distribution(nil, NewState("")); !errors.Is(err, ErrNoEligibleArm) {
				t.Errorf("Distribution(nil) error = %v, want ErrNoEligibleArm", err)
			}
		})
	}
}

func TestDistributionSumsToOne(t *testing.T) {
	arms := testArms("a", "b", "c", "d")

	for _, kind := range Kinds() {
		t.Run(kind, func(t *testing.T) {
			p, err := New(kind, Params{Epsilon: 0.3, ExplorationFloor: 0.05}, rand.New(rand.NewSource(7)))
			if err != nil {
				t.Fatalf("New(%q) error = %v", kind, err)
			}

			st := NewState("")
			// A few updates so means and counts differ.
			for i, id := range []string{"a", "b", "b", "c"} {
				reward := float64(i % 2)
				if err := p.Update(st, id, reward); err != nil {
					t.Fatalf("Update(%s) error = %v", id, err)
				}
			}

			dist, err := p.Distribution(arms, st)
			if err != nil {
				t.Fatalf("Distribution() error = %v", err)
			}
			if len(dist) != len(arms) {
				t.Fatalf("Distribution() has %d entries, want %d", len(dist), len(arms))
			}
			var sum float64
			for id, prob := range dist {
				if prob < 0 || prob > 1 {
					t.Errorf("propensity(%s) = %v, want in [0, 1]", id, prob)
				}
				sum += prob
			}
			if math.Abs(sum-1) > 1e-6 {
				t.Errorf("propensities sum = %v, want 1 +- 1e-6", sum)
			}
		})
	}
}

func TestEpsilonGreedyBoundaries(t *testing.T) {
	arms := testArms("a", "b", "c", "d")
	st := NewState("")
	// Make "c" the clear best arm.
	for i := 0; i < 10; i++ {
		st.Arm("c", 0, 0).observe(1, st.Arm("c", 0, 0).UpdatedAt)
	}

	t.Run("epsilon zero is pure greedy", func(t *testing.T) {
		p, err := NewEpsilonGreedy(Params{Epsilon: 0}, rand.New(rand.NewSource(3)))
		if err != nil {
			t.Fatalf("NewEpsilonGreedy() error = %v", err)
		}
		for i := 0; i < 50; i++ {
			sel, err := p.Select(arms, st)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if sel.ArmID != "c" {
				t.Fatalf("Select() arm = %s, want c", sel.ArmID)
			}
			if sel.Propensity != 1 {
				t.Fatalf("Select() propensity = %v, want 1", sel.Propensity)
			}
		}
	})

	t.Run("epsilon one is uniform", func(t *testing.T) {
		p, err := NewEpsilonGreedy(Params{Epsilon: 1}, rand.New(rand.NewSource(3)))
		if err != nil {
			t.Fatalf("NewEpsilonGreedy() error = %v", err)
		}
		dist, err := p.Distribution(arms, st)
		if err != nil {
			t.Fatalf("Distribution() error = %v", err)
		}
		for id, prob := range dist {
			if math.Abs(prob-0.25) > 1e-9 {
				t.Errorf("propensity(%s) = %v, want 0.25", id, prob)
			}
		}
	})

	t.Run("closed form propensities", func(t *testing.T) {
		p, err := NewEpsilonGreedy(Params{Epsilon: 0.2}, rand.New(rand.NewSource(3)))
		if err != nil {
			t.Fatalf("NewEpsilonGreedy() error = %v", err)
		}
		dist, err := p.Distribution(arms, st)
		if err != nil {
			t.Fatalf("Distribution() error = %v", err)
		}
		wantBest := 0.8 + 0.2/4
		wantOther := 0.2 / 4
		if math.Abs(dist["c"]-wantBest) > 1e-9 {
			t.Errorf("propensity(best) = %v, want %v", dist["c"], wantBest)
		}
		for _, id := range []string{"a", "b", "d"} {
			if math.Abs(dist[id]-wantOther) > 1e-9 {
				t.Errorf("propensity(%s) = %v, want %v", id, dist[id], wantOther)
			}
		}
	})

	t.Run("ties break to lowest arm id", func(t *testing.T) {
		p, err := NewEpsilonGreedy(Params{Epsilon: 0}, rand.New(rand.NewSource(3)))
		if err != nil {
			t.Fatalf("NewEpsilonGreedy() error = %v", err)
		}
		sel, err := p.Select(arms, NewState(""))
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if sel.ArmID != "a" {
			t.Errorf("Select() arm = %s, want a (lowest id on tie)", sel.ArmID)
		}
	})
}

func TestUCB1ColdStart(t *testing.T) {
	arms := testArms("b", "a", "c")
	p, err := NewUCB1(Params{})
	if err != nil {
		t.Fatalf("NewUCB1() error = %v", err)
	}

	st := NewState("")
	seen := make(map[string]int)
	for i := 0; i < len(arms); i++ {
		sel, err := p.Select(arms, st)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		seen[sel.ArmID]++
		if sel.Propensity != 1 {
			t.Errorf("Select() propensity = %v, want 1", sel.Propensity)
		}
		// Cold-start scores must stay finite: they are recorded on serve
		// events and an Inf cannot survive JSON encoding.
		if math.IsInf(sel.Score, 0) || math.IsNaN(sel.Score) {
			t.Errorf("Select() score = %v, want finite on cold start", sel.Score)
		}
		if err := p.Update(st, sel.ArmID, 0); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	// First |arms| calls visit every arm exactly once, in arm-id order.
	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 1 {
			t.Errorf("cold start served arm %s %d times, want exactly once", id, seen[id])
		}
	}
}

func TestUCB1ColdStartSelectionMarshals(t *testing.T) {
	arms := testArms("a", "b")
	p, err := NewUCB1(Params{})
	if err != nil {
		t.Fatalf("NewUCB1() error = %v", err)
	}

	sel, err := p.Select(arms, NewState(""))
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	// The serve pipeline copies Selection.Score onto the serve event and
	// both the API response and the queue payload JSON-encode it.
	data, err := json.Marshal(sel)
	if err != nil {
		t.Fatalf("Marshal(cold-start selection) error = %v", err)
	}

	var got Selection
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.ArmID != sel.ArmID || got.Score != sel.Score {
		t.Errorf("round trip = %+v, want %+v", got, sel)
	}
}

func TestUCB1PicksHighestBound(t *testing.T) {
	arms := testArms("a", "b")
	p, err := NewUCB1(Params{})
	if err != nil {
		t.Fatalf("NewUCB1() error = %v", err)
	}

	st := NewState("")
	// a: 11 pulls mean 10/11; b: 100 pulls mean 0. The bound favors a.
	for i := 0; i < 10; i++ {
		_ = p.Update(st, "a", 1)
	}
	_ = p.Update(st, "a", 0) // avoid a perfect mean so the test is not degenerate
	for i := 0; i < 100; i++ {
		_ = p.Update(st, "b", 0)
	}

	sel, err := p.Select(arms, st)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.ArmID != "a" {
		t.Errorf("Select() arm = %s, want a", sel.ArmID)
	}
}

func TestUCB1ExplorationFloor(t *testing.T) {
	arms := testArms("a", "b", "c", "d")
	p, err := NewUCB1(Params{ExplorationFloor: 0.04})
	if err != nil {
		t.Fatalf("NewUCB1() error = %v", err)
	}
	st := NewState("")
	for _, id := range []string{"a", "b", "c", "d"} {
		_ = p.Update(st, id, 0)
	}

	dist, err := p.Distribution(arms, st)
	if err != nil {
		t.Fatalf("Distribution() error = %v", err)
	}
	var sum float64
	minSeen := 1.0
	for _, prob := range dist {
		sum += prob
		if prob < minSeen {
			minSeen = prob
		}
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("propensities sum = %v, want 1", sum)
	}
	if math.Abs(minSeen-0.01) > 1e-9 {
		t.Errorf("floor propensity = %v, want 0.01", minSeen)
	}
}

func TestThompsonUniformPriorsSelectEvenly(t *testing.T) {
	arms := testArms("a", "b", "c", "d")
	p, err := NewThompson(Params{PropensityDraws: 500}, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("NewThompson() error = %v", err)
	}

	// With equal priors the Monte-Carlo selection distribution is uniform.
	dist, err := p.Distribution(arms, NewState(""))
	if err != nil {
		t.Fatalf("Distribution() error = %v", err)
	}
	for id, prob := range dist {
		if math.Abs(prob-0.25) > 0.08 {
			t.Errorf("propensity(%s) = %v, want ~0.25 under equal priors", id, prob)
		}
	}
}

func TestThompsonConvergesToBetterArm(t *testing.T) {
	arms := testArms("good", "meh")
	rng := rand.New(rand.NewSource(99))
	p, err := NewThompson(Params{PropensityDraws: 500}, rng)
	if err != nil {
		t.Fatalf("NewThompson() error = %v", err)
	}

	st := NewState("")
	// Bernoulli environments: good 0.30, meh 0.20.
	rates := map[string]float64{"good": 0.30, "meh": 0.20}
	envRng := rand.New(rand.NewSource(7))

	goodServed := 0
	const serves = 3000
	for i := 0; i < serves; i++ {
		sel, err := p.Select(arms, st)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if sel.ArmID == "good" {
			goodServed++
		}
		reward := 0.0
		if envRng.Float64() < rates[sel.ArmID] {
			reward = 1.0
		}
		if err := p.Update(st, sel.ArmID, reward); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	// The last-quarter share should be strongly concentrated; over the whole
	// run a majority share suffices for a deterministic seed.
	if share := float64(goodServed) / serves; share < 0.6 {
		t.Errorf("good arm share = %v, want > 0.6 after %d serves", share, serves)
	}

	good := st.Arm("good", 1, 1)
	if good.Alpha != 1+float64(good.Successes) {
		t.Errorf("alpha = %v, want alpha0 + successes = %v", good.Alpha, 1+float64(good.Successes))
	}
	if good.Beta != 1+float64(good.Failures) {
		t.Errorf("beta = %v, want beta0 + failures = %v", good.Beta, 1+float64(good.Failures))
	}
}

func TestThompsonRejectsCorruptState(t *testing.T) {
	arms := testArms("a", "b")
	p, err := NewThompson(Params{}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewThompson() error = %v", err)
	}

	st := NewState("")
	st.Arms["a"] = &ArmState{Alpha: 0, Beta: 1}

	if _, err := p.Select(arms, st); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Select() error = %v, want ErrInvalidState", err)
	}
	if err := p.Update(st, "a", 1); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Update() error = %v, want ErrInvalidState", err)
	}
}

func TestUpdateRejectsOutOfRangeReward(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(kind, func(t *testing.T) {
			p, err := New(kind, Params{}, rand.New(rand.NewSource(1)))
			if err != nil {
				t.Fatalf("New(%q) error = %v", kind, err)
			}
			for _, reward := range []float64{-0.1, 1.1, 2} {
				if err := p.Update(NewState(""), "a", reward); !errors.Is(err, ErrInvalidReward) {
					t.Errorf("Update(reward=%v) error = %v, want ErrInvalidReward", reward, err)
				}
			}
		})
	}
}

func TestControlFixedArm(t *testing.T) {
	arms := testArms("a", "b", "c")

	t.Run("pinned arm", func(t *testing.T) {
		p := NewControl(Params{ArmID: "b"})
		sel, err := p.Select(arms, NewState(""))
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if sel.ArmID != "b" || sel.Propensity != 1 {
			t.Errorf("Select() = (%s, %v), want (b, 1)", sel.ArmID, sel.Propensity)
		}
	})

	t.Run("unpinned uses lowest arm id", func(t *testing.T) {
		p := NewControl(Params{})
		sel, err := p.Select(arms, NewState(""))
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if sel.ArmID != "a" {
			t.Errorf("Select() arm = %s, want a", sel.ArmID)
		}
	})

	t.Run("pinned arm absent from candidates", func(t *testing.T) {
		p := NewControl(Params{ArmID: "z"})
		if _, err := p.Select(arms, NewState("")); !errors.Is(err, ErrNoEligibleArm) {
			t.Errorf("Select() error = %v, want ErrNoEligibleArm", err)
		}
	})
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	st := NewState("ctx-1234")
	st.Arm("a", 1, 1)
	for i := 0; i < 5; i++ {
		st.Arm("a", 1, 1).observe(1, st.Arm("a", 1, 1).UpdatedAt)
	}
	st.Arm("a", 1, 1).Alpha = 6
	st.Arm("b", 1, 1).observe(0.5, st.Arm("b", 1, 1).UpdatedAt)

	data, err := st.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	restored, err := RestoreState(data)
	if err != nil {
		t.Fatalf("RestoreState() error = %v", err)
	}

	if restored.ContextKey != st.ContextKey {
		t.Errorf("ContextKey = %q, want %q", restored.ContextKey, st.ContextKey)
	}
	if len(restored.Arms) != len(st.Arms) {
		t.Fatalf("restored %d arms, want %d", len(restored.Arms), len(st.Arms))
	}
	for id, want := range st.Arms {
		got, ok := restored.Arms[id]
		if !ok {
			t.Fatalf("arm %s missing after restore", id)
		}
		if got.Pulls != want.Pulls || got.Successes != want.Successes ||
			got.Failures != want.Failures || got.SumReward != want.SumReward ||
			got.Alpha != want.Alpha || got.Beta != want.Beta {
			t.Errorf("arm %s = %+v, want %+v", id, got, want)
		}
	}
}

func TestRestoreStateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "garbage", data: "not json"},
		{name: "wrong version", data: `{"schema_version": 99, "state": {"arms": {}}}`},
		{name: "missing state", data: `{"schema_version": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := RestoreState([]byte(tt.data)); err == nil {
				t.Error("RestoreState() error = nil, want error")
			}
		})
	}
}

func TestContextKey(t *testing.T) {
	recognized := []string{"user_type", "time_period"}

	tests := []struct {
		name string
		a, b Context
		same bool
	}{
		{
			name: "identical contexts",
			a:    Context{"user_type": "power", "time_period": "evening"},
			b:    Context{"time_period": "evening", "user_type": "power"},
			same: true,
		},
		{
			name: "unknown keys ignored",
			a:    Context{"user_type": "power", "junk": "x"},
			b:    Context{"user_type": "power", "junk": "y"},
			same: true,
		},
		{
			name: "different values differ",
			a:    Context{"user_type": "power"},
			b:    Context{"user_type": "cold_start"},
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka, kb := tt.a.Key(recognized), tt.b.Key(recognized)
			if (ka == kb) != tt.same {
				t.Errorf("Key() %q vs %q, same = %v, want %v", ka, kb, ka == kb, tt.same)
			}
		})
	}

	t.Run("empty context is the non-contextual bucket", func(t *testing.T) {
		if key := (Context{}).Key(recognized); key != "" {
			t.Errorf("Key() = %q, want empty", key)
		}
		if key := (Context{"junk": "x"}).Key(recognized); key != "" {
			t.Errorf("Key() = %q, want empty for unrecognized-only context", key)
		}
	})
}

func TestStateInvariants(t *testing.T) {
	p, err := NewThompson(Params{}, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("NewThompson() error = %v", err)
	}
	st := NewState("")

	rewards := []float64{1, 0, 1, 0.5, 0, 1, 0.25}
	for _, r := range rewards {
		if err := p.Update(st, "a", r); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	row := st.Arm("a", 1, 1)
	if row.Pulls != int64(len(rewards)) {
		t.Errorf("Pulls = %d, want %d", row.Pulls, len(rewards))
	}
	if row.Pulls < row.Successes || row.Pulls < row.Failures {
		t.Errorf("pulls %d must dominate successes %d and failures %d", row.Pulls, row.Successes, row.Failures)
	}
	neutrals := row.Pulls - row.Successes - row.Failures
	if neutrals != 2 {
		t.Errorf("neutrals = %d, want 2 (rewards 0.5 and 0.25)", neutrals)
	}
}
