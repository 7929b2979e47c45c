// Project: Stabilized IPTW Analysis of a Three-Level Exposure
// Estimates average treatment effect contrasts for an unordered categorical
// exposure using stabilized inverse-probability weights and a nonparametric
// bootstrap for confidence intervals.

package main

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Cohort holds the analysis table, one row per subject.
// Exposure levels are encoded as 0-based integers in [0, NumLevels); the
// same encoding orders the columns of every probability matrix produced
// from this cohort, so a level index is valid in both places.
type Cohort struct {
	// Continuous outcome, one value per subject
	Outcome []float64
	// Observed exposure level per subject, 0-based
	Exposure []int
	// Confounder covariates, n x p (nil when p == 0)
	Covars *mat.Dense
	// Column names for Covars
	CovarNames []string
	// Number of exposure levels in the fixed level set
	NumLevels int

	// Source column names, kept for reports
	OutcomeName  string
	ExposureName string
}

// Len returns the number of subjects.
func (c *Cohort) Len() int { return len(c.Outcome) }

// PropensitySpec names a propensity model and the covariates entering it.
// An empty covariate list gives the intercept-only (marginal) model.
type PropensitySpec struct {
	// Label used in diagnostics ("denominator", "numerator", ...)
	Name string
	// Cohort covariate columns to condition on
	Covariates []string
}

// FitOptions controls the maximum-likelihood fit.
// Zero values fall back to the defaults in multinomial.go.
type FitOptions struct {
	// Newton iteration cap
	MaxIter int
	// Convergence threshold on the largest coefficient update
	Tol float64
}

// PropensityFitter is the interface for fitting a multinomial propensity model.
type PropensityFitter interface {
	Fit(c *Cohort, spec PropensitySpec, opts FitOptions) (*MultinomialModel, error)
}

// MLEFitter implements maximum-likelihood fitting via Newton-Raphson.
type MLEFitter struct{}

// MultinomialModel is a fitted unordered multinomial logistic regression.
// Level 0 is the baseline category; Coef holds one row per non-baseline
// level, one column per design term (intercept first).
type MultinomialModel struct {
	NumLevels int
	// Covariates the model conditions on (empty for intercept-only)
	Covariates []string
	// Design term names, "intercept" first
	Terms []string
	// (NumLevels-1) x len(Terms) coefficients
	Coef *mat.Dense
	// Log-likelihood at the optimum
	LogLik float64
	// Newton iterations used
	Iterations int
}

// ContrastSpec identifies one pairwise effect: mean outcome at Level minus
// mean outcome at Reference, both under the weighted population.
type ContrastSpec struct {
	Level     int
	Reference int
}

func (ct ContrastSpec) String() string {
	return fmt.Sprintf("level %d vs level %d", ct.Level, ct.Reference)
}

// ContrastEstimate is a point estimate with its sandwich standard error.
type ContrastEstimate struct {
	Contrast ContrastSpec
	Estimate float64
	RobustSE float64
}

// AnalysisSpec fixes the full estimation recipe so the same pipeline can be
// rerun unchanged on every bootstrap resample.
type AnalysisSpec struct {
	Denominator PropensitySpec
	Numerator   PropensitySpec
	Contrasts   []ContrastSpec
	Fit         FitOptions
}

// WeightedFit holds one weighted least-squares fit of the outcome on
// exposure-level indicators with a given reference level.
type WeightedFit struct {
	Reference int
	// Non-reference levels in coefficient order (ascending)
	Levels []int
	// Intercept followed by one coefficient per entry of Levels
	Coef []float64
	// HC0 sandwich covariance of Coef
	RobustCov *mat.Dense
}

// Options for the bootstrap of the effect estimates.
type BootstrapOptions struct {
	// Number of bootstrap replicates (e.g., 500-2000)
	Replicates int

	// Significance level for the normal-approximation interval (e.g. 0.05)
	Alpha float64

	// RNG seed (if 0, time-based seed is used)
	Seed int64

	// Worker goroutines (if 0, runtime.NumCPU is used)
	Workers int
}

// ContrastInterval pairs a contrast's original point estimate with the
// spread of its bootstrap distribution.
type ContrastInterval struct {
	Contrast ContrastSpec

	// Point estimate from the original (non-bootstrap) fit; interval center
	Estimate float64

	// Mean and sample SD of the replicate estimates
	BootMean float64
	BootSD   float64

	// Estimate -/+ z * BootSD
	Lower float64
	Upper float64
}

// BootstrapResult summarizes a completed bootstrap run, including how many
// replicates actually contributed to the intervals.
type BootstrapResult struct {
	Requested int
	Used      int
	Failed    int
	Alpha     float64
	Intervals []ContrastInterval
}

// WeightDiagnostics summarizes the stabilized weight distribution.
// Mean near 1 is the usual sanity check for a well-specified model.
type WeightDiagnostics struct {
	Mean float64
	SD   float64
	Min  float64
	Max  float64
}

var (
	// ErrModelOutputInvalid marks a predicted probability matrix whose rows
	// do not form a valid simplex.
	ErrModelOutputInvalid = errors.New("predicted probability matrix is not a valid simplex")

	// ErrConfigurationInvalid marks unusable bootstrap settings.
	ErrConfigurationInvalid = errors.New("invalid bootstrap configuration")
)

// DegenerateWeightError reports subjects whose observed-category denominator
// probability is numerically zero, making their weights undefined.
type DegenerateWeightError struct {
	Subjects []int
}

func (e *DegenerateWeightError) Error() string {
	return fmt.Sprintf("degenerate stabilized weight for %d subject(s), first at row %d: observed-category denominator probability is numerically zero",
		len(e.Subjects), e.Subjects[0])
}

// FitError marks a model fit that could not be used, naming which model
// failed so bootstrap diagnostics stay readable.
type FitError struct {
	Model string
	Err   error
}

func (e *FitError) Error() string {
	return fmt.Sprintf("%s model fit failed: %v", e.Model, e.Err)
}

func (e *FitError) Unwrap() error { return e.Err }
