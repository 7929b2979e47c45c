// Project: Stabilized IPTW Analysis of a Three-Level Exposure

package main

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestStabilizedWeightsWorkedExample(t *testing.T) {
	// Binary exposure, uniform numerator, known denominators.
	exposure := []int{0, 1, 0, 1}
	denom := mat.NewDense(4, 2, []float64{
		0.6, 0.4,
		0.3, 0.7,
		0.7, 0.3,
		0.4, 0.6,
	})
	numer := mat.NewDense(4, 2, []float64{
		0.5, 0.5,
		0.5, 0.5,
		0.5, 0.5,
		0.5, 0.5,
	})

	weights, err := StabilizedWeights(exposure, 2, numer, denom)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []float64{0.8333, 0.7143, 0.7143, 0.8333}
	for i := range want {
		if !almostEqual(weights[i], want[i], 1e-4) {
			t.Errorf("subject %d: got weight %.6f, want %.6f", i, weights[i], want[i])
		}
	}
}

func TestStabilizedWeightsRejectsBadSimplex(t *testing.T) {
	exposure := []int{0, 1}
	good := mat.NewDense(2, 2, []float64{0.5, 0.5, 0.5, 0.5})

	// Row sums to 1.1.
	badSum := mat.NewDense(2, 2, []float64{0.5, 0.6, 0.5, 0.5})
	if _, err := StabilizedWeights(exposure, 2, good, badSum); !errors.Is(err, ErrModelOutputInvalid) {
		t.Errorf("bad row sum in denominator: got %v, want ErrModelOutputInvalid", err)
	}
	if _, err := StabilizedWeights(exposure, 2, badSum, good); !errors.Is(err, ErrModelOutputInvalid) {
		t.Errorf("bad row sum in numerator: got %v, want ErrModelOutputInvalid", err)
	}

	// Entries outside [0,1] even though the row sums to 1.
	badRange := mat.NewDense(2, 2, []float64{1.2, -0.2, 0.5, 0.5})
	if _, err := StabilizedWeights(exposure, 2, good, badRange); !errors.Is(err, ErrModelOutputInvalid) {
		t.Errorf("out-of-range entry: got %v, want ErrModelOutputInvalid", err)
	}

	// Wrong number of columns for the level count.
	if _, err := StabilizedWeights(exposure, 3, good, good); !errors.Is(err, ErrModelOutputInvalid) {
		t.Errorf("wrong column count: got %v, want ErrModelOutputInvalid", err)
	}
}

func TestStabilizedWeightsDegenerateDenominator(t *testing.T) {
	// Subject 0 observed at level 1 with denominator probability 0.
	exposure := []int{1, 0}
	denom := mat.NewDense(2, 2, []float64{1.0, 0.0, 0.5, 0.5})
	numer := mat.NewDense(2, 2, []float64{0.5, 0.5, 0.5, 0.5})

	_, err := StabilizedWeights(exposure, 2, numer, denom)
	var dw *DegenerateWeightError
	if !errors.As(err, &dw) {
		t.Fatalf("got %v, want DegenerateWeightError", err)
	}
	if len(dw.Subjects) != 1 || dw.Subjects[0] != 0 {
		t.Errorf("got degenerate subjects %v, want [0]", dw.Subjects)
	}
}

func TestStabilizedWeightsIdenticalModelsGiveUnitWeights(t *testing.T) {
	exposure := []int{0, 1, 2, 1}
	P := mat.NewDense(4, 3, []float64{
		0.2, 0.3, 0.5,
		0.1, 0.6, 0.3,
		0.4, 0.4, 0.2,
		0.3, 0.3, 0.4,
	})

	weights, err := StabilizedWeights(exposure, 3, P, P)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, w := range weights {
		if !almostEqual(w, 1.0, 1e-12) {
			t.Errorf("subject %d: got weight %v, want 1", i, w)
		}
	}
}

func TestStabilizedWeightsArePositive(t *testing.T) {
	exposure := []int{0, 1, 2}
	denom := mat.NewDense(3, 3, []float64{
		0.5, 0.25, 0.25,
		0.2, 0.5, 0.3,
		0.1, 0.1, 0.8,
	})
	numer := mat.NewDense(3, 3, []float64{
		1.0 / 3, 1.0 / 3, 1.0 / 3,
		1.0 / 3, 1.0 / 3, 1.0 / 3,
		1.0 / 3, 1.0 / 3, 1.0 / 3,
	})

	weights, err := StabilizedWeights(exposure, 3, numer, denom)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, w := range weights {
		if !(w > 0) || math.IsInf(w, 0) || math.IsNaN(w) {
			t.Errorf("subject %d: weight %v is not positive and finite", i, w)
		}
	}
}

func TestObservedCategoryProbabilities(t *testing.T) {
	P := mat.NewDense(3, 3, []float64{
		0.2, 0.3, 0.5,
		0.1, 0.6, 0.3,
		0.4, 0.4, 0.2,
	})

	got, err := ObservedCategoryProbabilities([]int{2, 1, 0}, P)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{0.5, 0.6, 0.4}
	for i := range want {
		if !almostEqual(got[i], want[i], 1e-12) {
			t.Errorf("subject %d: got %v, want %v", i, got[i], want[i])
		}
	}

	if _, err := ObservedCategoryProbabilities([]int{0, 3, 0}, P); err == nil {
		t.Error("expected error for exposure level outside matrix columns")
	}
	if _, err := ObservedCategoryProbabilities([]int{0, 1}, P); err == nil {
		t.Error("expected error for exposure/row count mismatch")
	}
}

func TestStabilizedWeightMeanNearOne(t *testing.T) {
	// With the denominator model correctly specified (here exposure is
	// independent of the covariate, so both models estimate the same
	// marginal distribution), the mean stabilized weight sits near 1.
	c := testCohort(63)
	fitter := &MLEFitter{}

	denomModel, err := fitter.Fit(c, PropensitySpec{Name: "denominator", Covariates: []string{"x"}}, FitOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	numerModel, err := fitter.Fit(c, PropensitySpec{Name: "numerator"}, FitOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	denomP, err := denomModel.Probabilities(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	numerP, err := numerModel.Probabilities(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	weights, err := StabilizedWeights(c.Exposure, c.NumLevels, numerP, denomP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, err := SummarizeWeights(weights)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(d.Mean, 1.0, 0.05) {
		t.Errorf("mean stabilized weight %v, want near 1", d.Mean)
	}
}

func TestSummarizeWeights(t *testing.T) {
	d, err := SummarizeWeights([]float64{1.0, 2.0, 3.0, 4.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(d.Mean, 2.5, 1e-12) {
		t.Errorf("mean: got %v, want 2.5", d.Mean)
	}
	// Sample SD of 1..4 is sqrt(5/3).
	if !almostEqual(d.SD, math.Sqrt(5.0/3.0), 1e-9) {
		t.Errorf("sd: got %v, want %v", d.SD, math.Sqrt(5.0/3.0))
	}
	if d.Min != 1.0 || d.Max != 4.0 {
		t.Errorf("min/max: got %v/%v, want 1/4", d.Min, d.Max)
	}

	if _, err := SummarizeWeights(nil); err == nil {
		t.Error("expected error for empty weight vector")
	}
}
