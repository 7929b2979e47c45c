// Project: Stabilized IPTW Analysis of a Three-Level Exposure

package main

import (
	"testing"
)

func unitWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0
	}
	return w
}

func TestWeightedFitRecoversGroupMeans(t *testing.T) {
	// With unit weights the coefficients are exactly the group mean
	// differences against the reference level.
	c := &Cohort{
		Outcome:   []float64{1, 1, 3, 3, 7, 7},
		Exposure:  []int{0, 0, 1, 1, 2, 2},
		NumLevels: 3,
	}

	fit, err := FitWeightedOutcomeModel(c, unitWeights(6), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !almostEqual(fit.Coef[0], 1.0, 1e-9) {
		t.Errorf("intercept: got %v, want 1 (reference group mean)", fit.Coef[0])
	}

	est, se, err := fit.ContrastEstimate(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(est, 2.0, 1e-9) {
		t.Errorf("level 1 vs 0: got %v, want 2", est)
	}
	if se < 0 {
		t.Errorf("robust SE %v, want non-negative", se)
	}

	est, _, err = fit.ContrastEstimate(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(est, 6.0, 1e-9) {
		t.Errorf("level 2 vs 0: got %v, want 6", est)
	}
}

func TestWeightedFitUsesWeights(t *testing.T) {
	// Two subjects per level with weights 1 and 3: the fitted group mean is
	// the weighted mean (y1 + 3*y2) / 4.
	c := &Cohort{
		Outcome:   []float64{0, 4, 2, 6},
		Exposure:  []int{0, 0, 1, 1},
		NumLevels: 2,
	}
	weights := []float64{1, 3, 1, 3}

	fit, err := FitWeightedOutcomeModel(c, weights, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Level 0 weighted mean (0 + 3*4)/4 = 3, level 1 (2 + 3*6)/4 = 5.
	if !almostEqual(fit.Coef[0], 3.0, 1e-9) {
		t.Errorf("intercept: got %v, want 3", fit.Coef[0])
	}
	est, _, err := fit.ContrastEstimate(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(est, 2.0, 1e-9) {
		t.Errorf("level 1 vs 0: got %v, want 2", est)
	}
}

func TestWeightedFitRejectsBadInput(t *testing.T) {
	c := &Cohort{
		Outcome:   []float64{1, 2, 3, 4},
		Exposure:  []int{0, 1, 0, 1}, // level 2 never observed
		NumLevels: 3,
	}
	if _, err := FitWeightedOutcomeModel(c, unitWeights(4), 0); err == nil {
		t.Error("expected error for exposure level with no subjects")
	}

	c2 := &Cohort{
		Outcome:   []float64{1, 2},
		Exposure:  []int{0, 1},
		NumLevels: 2,
	}
	if _, err := FitWeightedOutcomeModel(c2, []float64{1, -1}, 0); err == nil {
		t.Error("expected error for non-positive weight")
	}
	if _, err := FitWeightedOutcomeModel(c2, []float64{1}, 0); err == nil {
		t.Error("expected error for weight/subject count mismatch")
	}
	if _, err := FitWeightedOutcomeModel(c2, unitWeights(2), 5); err == nil {
		t.Error("expected error for reference level outside the level set")
	}
}

func TestContrastEstimateRejectsReferenceLevel(t *testing.T) {
	c := &Cohort{
		Outcome:   []float64{1, 2, 3, 4},
		Exposure:  []int{0, 1, 0, 1},
		NumLevels: 2,
	}
	fit, err := FitWeightedOutcomeModel(c, unitWeights(4), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := fit.ContrastEstimate(0); err == nil {
		t.Error("expected error when requesting the reference level itself")
	}
}

func TestEstimateContrastsTwiceFitConsistency(t *testing.T) {
	// The three pairwise contrasts come from two fits with different
	// reference levels; the estimates must still be transitive.
	c := &Cohort{
		Outcome:   []float64{1.2, 0.8, 3.5, 2.5, 6.9, 7.1, 1.0, 3.0, 7.0},
		Exposure:  []int{0, 0, 1, 1, 2, 2, 0, 1, 2},
		NumLevels: 3,
	}
	weights := []float64{1.1, 0.9, 1.2, 0.8, 1.0, 1.0, 1.0, 1.0, 1.0}

	contrasts := []ContrastSpec{
		{Level: 1, Reference: 0},
		{Level: 2, Reference: 0},
		{Level: 2, Reference: 1},
	}
	ests, err := EstimateContrasts(c, contrasts, weights)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ests) != 3 {
		t.Fatalf("got %d estimates, want 3", len(ests))
	}

	d10, d20, d21 := ests[0].Estimate, ests[1].Estimate, ests[2].Estimate
	if !almostEqual(d21, d20-d10, 1e-8) {
		t.Errorf("transitivity: d21 = %v, d20 - d10 = %v", d21, d20-d10)
	}

	for _, e := range ests {
		if !(e.RobustSE > 0) {
			t.Errorf("contrast %s: robust SE %v, want positive", e.Contrast, e.RobustSE)
		}
	}
}

func TestEstimateContrastsRejectsEmptyRequest(t *testing.T) {
	c := &Cohort{
		Outcome:   []float64{1, 2},
		Exposure:  []int{0, 1},
		NumLevels: 2,
	}
	if _, err := EstimateContrasts(c, nil, unitWeights(2)); err == nil {
		t.Error("expected error for empty contrast list")
	}
}
