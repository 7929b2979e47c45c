// Project: Stabilized IPTW Analysis of a Three-Level Exposure
// Weighted least-squares outcome models with heteroskedasticity-robust
// (HC0 sandwich) covariance, refit once per reference level.

package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// FitWeightedOutcomeModel regresses the outcome on an intercept plus
// indicator columns for every non-reference exposure level, weighting each
// subject by its stabilized weight. Inverse-probability weighting induces
// heteroskedasticity even under a correct model, so the coefficient
// covariance is the HC0 sandwich rather than the naive OLS variance.
func FitWeightedOutcomeModel(c *Cohort, weights []float64, reference int) (*WeightedFit, error) {
	if c == nil || c.Len() == 0 {
		return nil, fmt.Errorf("cohort data not provided")
	}
	n := c.Len()
	K := c.NumLevels
	if len(weights) != n {
		return nil, fmt.Errorf("have %d weights for %d subjects", len(weights), n)
	}
	if reference < 0 || reference >= K {
		return nil, fmt.Errorf("reference level %d outside [0, %d)", reference, K)
	}

	counts := make([]int, K)
	for i, e := range c.Exposure {
		if e < 0 || e >= K {
			return nil, fmt.Errorf("subject %d: exposure level %d outside [0, %d)", i, e, K)
		}
		counts[e]++
	}
	for l, ct := range counts {
		if ct == 0 {
			return nil, &FitError{Model: "outcome", Err: fmt.Errorf("exposure level %d has no subjects", l)}
		}
	}
	for i, w := range weights {
		if !(w > 0) || math.IsInf(w, 0) {
			return nil, &FitError{Model: "outcome", Err: fmt.Errorf("subject %d has unusable weight %v", i, w)}
		}
	}

	levels := make([]int, 0, K-1)
	for l := 0; l < K; l++ {
		if l != reference {
			levels = append(levels, l)
		}
	}

	// Design: intercept plus one indicator per non-reference level.
	m := 1 + len(levels)
	X := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, 1.0)
		for j, l := range levels {
			if c.Exposure[i] == l {
				X.Set(i, j+1, 1.0)
			}
		}
	}

	// Scale rows by sqrt(w) so the weighted normal equations reduce to
	// ordinary ones: beta = (Xs'Xs)^(-1) Xs'ys with Xs = W^(1/2) X.
	Xs := mat.NewDense(n, m, nil)
	ys := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		sw := math.Sqrt(weights[i])
		for j := 0; j < m; j++ {
			Xs.Set(i, j, sw*X.At(i, j))
		}
		ys.SetVec(i, sw*c.Outcome[i])
	}

	var xtx mat.Dense
	xtx.Mul(Xs.T(), Xs)

	var xtxInv mat.Dense
	if err := xtxInv.Inverse(&xtx); err != nil {
		// With all levels present and positive weights this only happens
		// when a level carries no effective mass.
		return nil, &FitError{Model: "outcome", Err: fmt.Errorf("weighted design is singular: %w", err)}
	}

	var xty mat.VecDense
	xty.MulVec(Xs.T(), ys)

	var betaVec mat.VecDense
	betaVec.MulVec(&xtxInv, &xty)

	beta := make([]float64, m)
	for j := 0; j < m; j++ {
		beta[j] = betaVec.AtVec(j)
	}

	// HC0 sandwich: bread * [sum_i w_i^2 e_i^2 x_i x_i'] * bread,
	// with bread = (X'WX)^(-1) and e_i the unweighted residual.
	meat := mat.NewDense(m, m, nil)
	for i := 0; i < n; i++ {
		fitted := 0.0
		for j := 0; j < m; j++ {
			fitted += X.At(i, j) * beta[j]
		}
		e := c.Outcome[i] - fitted
		s := weights[i] * weights[i] * e * e
		for a := 0; a < m; a++ {
			xa := X.At(i, a)
			if xa == 0 {
				continue
			}
			for b := 0; b < m; b++ {
				meat.Set(a, b, meat.At(a, b)+s*xa*X.At(i, b))
			}
		}
	}

	var half, cov mat.Dense
	half.Mul(&xtxInv, meat)
	cov.Mul(&half, &xtxInv)

	return &WeightedFit{
		Reference: reference,
		Levels:    levels,
		Coef:      beta,
		RobustCov: &cov,
	}, nil
}

// ContrastEstimate returns the fitted coefficient and robust standard error
// for the given level against this fit's reference level.
func (f *WeightedFit) ContrastEstimate(level int) (float64, float64, error) {
	if f == nil || f.RobustCov == nil {
		return 0, 0, fmt.Errorf("outcome model not fitted")
	}
	for idx, l := range f.Levels {
		if l == level {
			p := idx + 1
			return f.Coef[p], math.Sqrt(f.RobustCov.At(p, p)), nil
		}
	}
	return 0, 0, fmt.Errorf("level %d is the reference level or not in the fit", level)
}

// EstimateContrasts fits one weighted outcome model per distinct reference
// level named by the contrasts and extracts each contrast's coefficient.
// Contrasts among 3 levels take two fits with different releveling; the
// whole model is refit per reference rather than reconstructing contrasts
// from a single fit's covariance.
func EstimateContrasts(c *Cohort, contrasts []ContrastSpec, weights []float64) ([]ContrastEstimate, error) {
	if len(contrasts) == 0 {
		return nil, fmt.Errorf("no contrasts requested")
	}

	fits := make(map[int]*WeightedFit)
	out := make([]ContrastEstimate, 0, len(contrasts))

	for _, ct := range contrasts {
		fit, ok := fits[ct.Reference]
		if !ok {
			var err error
			fit, err = FitWeightedOutcomeModel(c, weights, ct.Reference)
			if err != nil {
				return nil, err
			}
			fits[ct.Reference] = fit
		}

		est, se, err := fit.ContrastEstimate(ct.Level)
		if err != nil {
			return nil, fmt.Errorf("contrast %s: %w", ct, err)
		}
		out = append(out, ContrastEstimate{Contrast: ct, Estimate: est, RobustSE: se})
	}

	return out, nil
}
