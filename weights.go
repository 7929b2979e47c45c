// Project: Stabilized IPTW Analysis of a Three-Level Exposure
// The weighting engine: observed-category probability lookup and
// stabilized weight computation with degenerate-weight detection.

package main

import (
	"fmt"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// Tolerance on each probability row summing to 1
	simplexTol = 1e-6
	// Denominator probabilities at or below this are treated as zero
	degenerateProbTol = 1e-12
)

// ValidateProbabilityMatrix checks that P is n x numLevels, every entry is
// in [0,1], and every row sums to 1 within simplexTol. A malformed simplex
// silently corrupts every downstream weight, so this aborts the fit instead.
func ValidateProbabilityMatrix(P *mat.Dense, numLevels int) error {
	if P == nil {
		return fmt.Errorf("probability matrix not provided: %w", ErrModelOutputInvalid)
	}
	n, k := P.Dims()
	if k != numLevels {
		return fmt.Errorf("probability matrix has %d columns for %d exposure levels: %w", k, numLevels, ErrModelOutputInvalid)
	}

	for i := 0; i < n; i++ {
		row := P.RawRowView(i)
		for j, v := range row {
			if v < 0 || v > 1 {
				return fmt.Errorf("row %d, level %d: probability %g outside [0,1]: %w", i, j, v, ErrModelOutputInvalid)
			}
		}
		if sum := floats.Sum(row); sum < 1-simplexTol || sum > 1+simplexTol {
			return fmt.Errorf("row %d: probabilities sum to %.8f, want 1: %w", i, sum, ErrModelOutputInvalid)
		}
	}
	return nil
}

// ObservedCategoryProbabilities selects, for each subject, the probability
// the model assigned to that subject's actually observed exposure level.
func ObservedCategoryProbabilities(exposure []int, P *mat.Dense) ([]float64, error) {
	n, k := P.Dims()
	if len(exposure) != n {
		return nil, fmt.Errorf("have %d exposures for %d probability rows", len(exposure), n)
	}

	out := make([]float64, n)
	for i, e := range exposure {
		if e < 0 || e >= k {
			return nil, fmt.Errorf("subject %d: exposure level %d outside matrix columns [0, %d)", i, e, k)
		}
		out[i] = P.At(i, e)
	}
	return out, nil
}

// StabilizedWeights computes one weight per subject as the ratio of the
// observed-category probability under the marginal (numerator) model to the
// observed-category probability under the covariate-conditional
// (denominator) model. Both matrices are validated first; a numerically
// zero denominator yields a DegenerateWeightError naming the subjects
// rather than a silent Inf, so the caller decides exclusion versus abort.
// Purely deterministic in its inputs; no state is touched.
func StabilizedWeights(exposure []int, numLevels int, numer, denom *mat.Dense) ([]float64, error) {
	if err := ValidateProbabilityMatrix(denom, numLevels); err != nil {
		return nil, fmt.Errorf("denominator model: %w", err)
	}
	if err := ValidateProbabilityMatrix(numer, numLevels); err != nil {
		return nil, fmt.Errorf("numerator model: %w", err)
	}

	dObs, err := ObservedCategoryProbabilities(exposure, denom)
	if err != nil {
		return nil, fmt.Errorf("denominator model: %w", err)
	}
	nObs, err := ObservedCategoryProbabilities(exposure, numer)
	if err != nil {
		return nil, fmt.Errorf("numerator model: %w", err)
	}

	weights := make([]float64, len(exposure))
	var degenerate []int
	for i := range exposure {
		if dObs[i] <= degenerateProbTol {
			degenerate = append(degenerate, i)
			continue
		}
		weights[i] = nObs[i] / dObs[i]
	}
	if len(degenerate) > 0 {
		return nil, &DegenerateWeightError{Subjects: degenerate}
	}
	return weights, nil
}

// SummarizeWeights computes the diagnostic summary of a weight vector.
func SummarizeWeights(w []float64) (WeightDiagnostics, error) {
	var d WeightDiagnostics
	if len(w) == 0 {
		return d, fmt.Errorf("no weights to summarize")
	}

	var err error
	if d.Mean, err = stats.Mean(w); err != nil {
		return d, err
	}
	if len(w) > 1 {
		if d.SD, err = stats.StandardDeviationSample(w); err != nil {
			return d, err
		}
	}
	if d.Min, err = stats.Min(w); err != nil {
		return d, err
	}
	if d.Max, err = stats.Max(w); err != nil {
		return d, err
	}
	return d, nil
}
