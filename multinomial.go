// Project: Stabilized IPTW Analysis of a Three-Level Exposure
// Multinomial logistic regression for the propensity models, fit by
// Newton-Raphson maximum likelihood on gonum matrices.

package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	defaultMaxIter = 100
	defaultFitTol  = 1e-8
)

// buildDesign assembles the n x (1+len(covariates)) design matrix for a
// cohort: an intercept column followed by the named covariate columns.
func buildDesign(c *Cohort, covariates []string) (*mat.Dense, []string, error) {
	n := c.Len()
	terms := append([]string{"intercept"}, covariates...)

	X := mat.NewDense(n, len(terms), nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, 1.0)
	}

	for j, name := range covariates {
		col := -1
		for k, cn := range c.CovarNames {
			if cn == name {
				col = k
				break
			}
		}
		if col < 0 {
			return nil, nil, fmt.Errorf("covariate %q not present in cohort columns %v", name, c.CovarNames)
		}
		for i := 0; i < n; i++ {
			X.Set(i, j+1, c.Covars.At(i, col))
		}
	}

	return X, terms, nil
}

// fillProbabilities writes the softmax category probabilities for every row
// of X into dst (n x K). beta is the flattened (K-1) x d coefficient block,
// level j's coefficients at beta[(j-1)*d : j*d]; level 0 is the baseline
// with linear predictor fixed at zero.
func fillProbabilities(X *mat.Dense, beta []float64, K int, dst *mat.Dense) {
	n, d := X.Dims()
	eta := make([]float64, K)

	for i := 0; i < n; i++ {
		xi := X.RawRowView(i)

		eta[0] = 0.0
		maxEta := 0.0
		for j := 1; j < K; j++ {
			v := 0.0
			for a := 0; a < d; a++ {
				v += beta[(j-1)*d+a] * xi[a]
			}
			eta[j] = v
			if v > maxEta {
				maxEta = v
			}
		}

		// shift by the max before exponentiating to avoid overflow
		sum := 0.0
		for j := 0; j < K; j++ {
			eta[j] = math.Exp(eta[j] - maxEta)
			sum += eta[j]
		}
		for j := 0; j < K; j++ {
			dst.Set(i, j, eta[j]/sum)
		}
	}
}

// Fit estimates the multinomial model by Newton-Raphson. Each step solves
// the observed-information system with a Cholesky factorization; losing
// positive definiteness is the numeric signature of separation and fails
// the fit, as does exhausting the iteration budget.
func (f *MLEFitter) Fit(c *Cohort, spec PropensitySpec, opts FitOptions) (*MultinomialModel, error) {
	if c == nil || c.Len() == 0 {
		return nil, fmt.Errorf("cohort data not provided")
	}
	K := c.NumLevels
	if K < 2 {
		return nil, fmt.Errorf("need at least 2 exposure levels, got %d", K)
	}

	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = defaultMaxIter
	}
	tol := opts.Tol
	if tol <= 0 {
		tol = defaultFitTol
	}

	// Every level must appear at least once or its intercept diverges.
	counts := make([]int, K)
	for i, e := range c.Exposure {
		if e < 0 || e >= K {
			return nil, fmt.Errorf("subject %d: exposure level %d outside [0, %d)", i, e, K)
		}
		counts[e]++
	}
	for l, ct := range counts {
		if ct == 0 {
			return nil, &FitError{Model: spec.Name, Err: fmt.Errorf("exposure level %d has no subjects", l)}
		}
	}

	X, terms, err := buildDesign(c, spec.Covariates)
	if err != nil {
		return nil, err
	}
	n, d := X.Dims()
	dim := (K - 1) * d

	beta := make([]float64, dim)
	probs := mat.NewDense(n, K, nil)
	step := mat.NewVecDense(dim, nil)

	converged := false
	iters := 0
	for iter := 1; iter <= maxIter; iter++ {
		iters = iter
		fillProbabilities(X, beta, K, probs)

		// Score vector and observed information, accumulated subject by
		// subject. The information is block-structured: block (j,k) is
		// sum_i x_i x_i' * p_ij (1{j=k} - p_ik).
		grad := make([]float64, dim)
		info := mat.NewSymDense(dim, nil)

		for i := 0; i < n; i++ {
			xi := X.RawRowView(i)

			for j := 1; j < K; j++ {
				ind := 0.0
				if c.Exposure[i] == j {
					ind = 1.0
				}
				r := ind - probs.At(i, j)
				base := (j - 1) * d
				for a := 0; a < d; a++ {
					grad[base+a] += r * xi[a]
				}
			}

			for j := 1; j < K; j++ {
				pj := probs.At(i, j)
				for k := j; k < K; k++ {
					w := -pj * probs.At(i, k)
					if k == j {
						w = pj * (1.0 - pj)
					}
					rowBase := (j - 1) * d
					colBase := (k - 1) * d
					for a := 0; a < d; a++ {
						bStart := 0
						if k == j {
							bStart = a
						}
						for b := bStart; b < d; b++ {
							r, cIdx := rowBase+a, colBase+b
							info.SetSym(r, cIdx, info.At(r, cIdx)+w*xi[a]*xi[b])
						}
					}
				}
			}
		}

		var chol mat.Cholesky
		if !chol.Factorize(info) {
			return nil, &FitError{
				Model: spec.Name,
				Err:   fmt.Errorf("information matrix not positive definite at iteration %d (possible separation)", iter),
			}
		}
		if err := chol.SolveVecTo(step, mat.NewVecDense(dim, grad)); err != nil {
			return nil, &FitError{Model: spec.Name, Err: fmt.Errorf("newton step solve: %w", err)}
		}

		maxStep := 0.0
		for a := 0; a < dim; a++ {
			s := step.AtVec(a)
			beta[a] += s
			if math.Abs(s) > maxStep {
				maxStep = math.Abs(s)
			}
		}
		if maxStep < tol {
			converged = true
			break
		}
	}

	if !converged {
		return nil, &FitError{
			Model: spec.Name,
			Err:   fmt.Errorf("did not converge within %d iterations", maxIter),
		}
	}

	fillProbabilities(X, beta, K, probs)
	logLik := 0.0
	for i := 0; i < n; i++ {
		logLik += math.Log(probs.At(i, c.Exposure[i]))
	}

	coefData := make([]float64, dim)
	copy(coefData, beta)

	return &MultinomialModel{
		NumLevels:  K,
		Covariates: spec.Covariates,
		Terms:      terms,
		Coef:       mat.NewDense(K-1, d, coefData),
		LogLik:     logLik,
		Iterations: iters,
	}, nil
}

// Probabilities predicts the n x NumLevels category probability matrix for
// a cohort. Columns follow the cohort's 0-based level encoding, which is
// the same encoding the weighting engine indexes with.
func (m *MultinomialModel) Probabilities(c *Cohort) (*mat.Dense, error) {
	if m == nil || m.Coef == nil {
		return nil, fmt.Errorf("multinomial model not fitted")
	}
	if c == nil || c.Len() == 0 {
		return nil, fmt.Errorf("cohort data not provided")
	}
	if c.NumLevels != m.NumLevels {
		return nil, fmt.Errorf("cohort has %d exposure levels, model was fit with %d", c.NumLevels, m.NumLevels)
	}

	X, _, err := buildDesign(c, m.Covariates)
	if err != nil {
		return nil, err
	}
	_, d := X.Dims()
	if _, cd := m.Coef.Dims(); cd != d {
		return nil, fmt.Errorf("design has %d terms, model has %d coefficients per level", d, cd)
	}

	P := mat.NewDense(c.Len(), m.NumLevels, nil)
	fillProbabilities(X, m.Coef.RawMatrix().Data, m.NumLevels, P)
	return P, nil
}
