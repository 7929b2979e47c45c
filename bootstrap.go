// Project: Stabilized IPTW Analysis of a Three-Level Exposure
// Nonparametric bootstrap of the full estimation pipeline: resample
// subjects with replacement, refit both propensity models and both
// weighted outcome models per replicate, and summarize the contrast
// distribution into normal-approximation intervals.

package main

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// replicateOutcome carries one replicate's contrast vector (or failure)
// back to the aggregator. The index keeps aggregation order independent of
// goroutine scheduling.
type replicateOutcome struct {
	index int
	vals  []float64
	err   error
}

// Resample draws a size-preserving resample of the cohort, sampling subject
// rows independently and uniformly with replacement. Rows may repeat or be
// absent; the original cohort is never mutated.
func (c *Cohort) Resample(rng *rand.Rand) *Cohort {
	n := c.Len()
	p := len(c.CovarNames)

	out := &Cohort{
		Outcome:      make([]float64, n),
		Exposure:     make([]int, n),
		CovarNames:   c.CovarNames,
		NumLevels:    c.NumLevels,
		OutcomeName:  c.OutcomeName,
		ExposureName: c.ExposureName,
	}
	if p > 0 {
		out.Covars = mat.NewDense(n, p, nil)
	}

	for i := 0; i < n; i++ {
		idx := rng.Intn(n)
		out.Outcome[i] = c.Outcome[idx]
		out.Exposure[i] = c.Exposure[idx]
		for j := 0; j < p; j++ {
			out.Covars.Set(i, j, c.Covars.At(idx, j))
		}
	}
	return out
}

// estimateContrastVector runs the whole chain on one cohort: fit the
// denominator and numerator propensity models, form stabilized weights,
// fit the weighted outcome models, and return the contrast estimates in
// AnalysisSpec order. This is the statistic the bootstrap repeats; it is a
// pure function of the cohort, so replicates share nothing mutable.
func estimateContrastVector(c *Cohort, spec AnalysisSpec) ([]float64, error) {
	denomModel, err := (&MLEFitter{}).Fit(c, spec.Denominator, spec.Fit)
	if err != nil {
		return nil, err
	}
	numerModel, err := (&MLEFitter{}).Fit(c, spec.Numerator, spec.Fit)
	if err != nil {
		return nil, err
	}

	denomP, err := denomModel.Probabilities(c)
	if err != nil {
		return nil, err
	}
	numerP, err := numerModel.Probabilities(c)
	if err != nil {
		return nil, err
	}

	weights, err := StabilizedWeights(c.Exposure, c.NumLevels, numerP, denomP)
	if err != nil {
		return nil, err
	}

	ests, err := EstimateContrasts(c, spec.Contrasts, weights)
	if err != nil {
		return nil, err
	}

	vals := make([]float64, len(ests))
	for i := range ests {
		vals[i] = ests[i].Estimate
	}
	return vals, nil
}

// BootstrapContrasts reruns the estimation pipeline on opts.Replicates
// independent resamples and builds a normal-approximation interval per
// contrast, centered on the original point estimate with the bootstrap SD
// as scale. Propensity models are re-estimated on every resample, which is
// what carries their estimation uncertainty into the interval.
//
// A failed replicate (a resample missing an exposure level, a
// non-convergent fit, a degenerate weight) is dropped and counted, never
// fatal; the result reports requested, used, and failed counts since the
// effective confidence level depends on how many replicates contributed.
func BootstrapContrasts(orig *Cohort, spec AnalysisSpec, points []ContrastEstimate, opts BootstrapOptions) (*BootstrapResult, error) {
	R := opts.Replicates
	if R < 1 {
		return nil, fmt.Errorf("replicates must be >= 1, got %d: %w", R, ErrConfigurationInvalid)
	}
	if len(points) != len(spec.Contrasts) {
		return nil, fmt.Errorf("have %d point estimates for %d contrasts: %w", len(points), len(spec.Contrasts), ErrConfigurationInvalid)
	}

	alpha := opts.Alpha
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.05
	}

	// Per-replicate seeds drawn from a master source, so each replicate
	// owns its RNG and results are reproducible under a fixed seed
	// regardless of how the workers are scheduled.
	masterSeed := opts.Seed
	if masterSeed == 0 {
		masterSeed = time.Now().UnixNano()
	}
	masterRng := rand.New(rand.NewSource(masterSeed))

	seeds := make([]int64, R)
	for i := 0; i < R; i++ {
		seeds[i] = masterRng.Int63()
	}

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > R {
		numWorkers = R
	}

	jobs := make(chan int)
	resultsCh := make(chan replicateOutcome, R)

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	worker := func() {
		defer wg.Done()
		for b := range jobs {
			rng := rand.New(rand.NewSource(seeds[b]))
			sample := orig.Resample(rng)

			vals, err := estimateContrastVector(sample, spec)
			if err != nil {
				err = fmt.Errorf("replicate %d: %w", b, err)
			}
			resultsCh <- replicateOutcome{index: b, vals: vals, err: err}
		}
	}

	for w := 0; w < numWorkers; w++ {
		go worker()
	}

	go func() {
		for b := 0; b < R; b++ {
			jobs <- b
		}
		close(jobs)
	}()

	// Aggregator: place results by replicate index so the summary does not
	// depend on arrival order.
	draws := make([][]float64, R)
	failed := 0
	var firstErr error
	for i := 0; i < R; i++ {
		rep := <-resultsCh
		if rep.err != nil {
			failed++
			if firstErr == nil {
				firstErr = rep.err
			}
			continue
		}
		draws[rep.index] = rep.vals
	}

	wg.Wait()
	close(resultsCh)

	used := R - failed
	if used == 0 {
		return nil, fmt.Errorf("all %d bootstrap replicates failed, first failure: %w", R, firstErr)
	}

	z := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(1 - alpha/2)

	intervals := make([]ContrastInterval, len(points))
	for j := range points {
		samples := make([]float64, 0, used)
		for b := 0; b < R; b++ {
			if draws[b] != nil {
				samples = append(samples, draws[b][j])
			}
		}

		mean, err := stats.Mean(samples)
		if err != nil {
			return nil, err
		}
		sd := 0.0
		if len(samples) > 1 {
			if sd, err = stats.StandardDeviationSample(samples); err != nil {
				return nil, err
			}
		}

		est := points[j].Estimate
		intervals[j] = ContrastInterval{
			Contrast: spec.Contrasts[j],
			Estimate: est,
			BootMean: mean,
			BootSD:   sd,
			Lower:    est - z*sd,
			Upper:    est + z*sd,
		}
	}

	return &BootstrapResult{
		Requested: R,
		Used:      used,
		Failed:    failed,
		Alpha:     alpha,
		Intervals: intervals,
	}, nil
}
