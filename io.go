// Project: Stabilized IPTW Analysis of a Three-Level Exposure
// Dataset loading from local or remote CSV, console reporting, and CSV
// output of weights and contrast intervals.

package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ColumnConfig names the dataset columns entering the analysis and fixes
// the exposure's level count up front, so a level absent from the data is
// an error rather than a silently smaller level set.
type ColumnConfig struct {
	Outcome    string
	Exposure   string
	Covariates []string
	NumLevels  int
}

// LoadReport records what listwise deletion did to the raw file.
type LoadReport struct {
	// Data rows in the file, header excluded
	TotalRows int
	// Rows dropped for a missing value in any analysis column
	Dropped int
}

// missingValue reports whether a CSV cell encodes a missing observation.
func missingValue(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "NA", ".":
		return true
	}
	return false
}

// openDataset opens a local file path or fetches an http(s) URL.
func openDataset(location string) (io.ReadCloser, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		resp, err := http.Get(location)
		if err != nil {
			return nil, fmt.Errorf("fetching dataset: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetching dataset: unexpected status %s", resp.Status)
		}
		return resp.Body, nil
	}
	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	return f, nil
}

// LoadCSVToCohort reads the dataset into a Cohort, applying listwise
// deletion: any row with a missing value in the outcome, exposure, or a
// requested covariate column is dropped and counted. Dropping rows biases
// the analysis unless missingness is completely random, so the drop count
// is always surfaced in the LoadReport. The exposure column must hold
// integers in [0, cfg.NumLevels).
func LoadCSVToCohort(location string, cfg ColumnConfig) (*Cohort, *LoadReport, error) {
	if cfg.NumLevels < 2 {
		return nil, nil, fmt.Errorf("need at least 2 exposure levels, got %d", cfg.NumLevels)
	}

	src, err := openDataset(location)
	if err != nil {
		return nil, nil, err
	}
	defer src.Close()

	reader := csv.NewReader(src)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	colIndex := func(name string) (int, error) {
		for i, h := range header {
			if strings.TrimSpace(h) == name {
				return i, nil
			}
		}
		return -1, fmt.Errorf("column %q not found in header %v", name, header)
	}

	outCol, err := colIndex(cfg.Outcome)
	if err != nil {
		return nil, nil, err
	}
	expCol, err := colIndex(cfg.Exposure)
	if err != nil {
		return nil, nil, err
	}
	covCols := make([]int, len(cfg.Covariates))
	for j, name := range cfg.Covariates {
		if covCols[j], err = colIndex(name); err != nil {
			return nil, nil, err
		}
	}

	var (
		outcome  []float64
		exposure []int
		covData  []float64
	)
	report := &LoadReport{}

	for rowNum := 2; ; rowNum++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", rowNum, err)
		}
		report.TotalRows++

		missing := missingValue(record[outCol]) || missingValue(record[expCol])
		for _, col := range covCols {
			if missingValue(record[col]) {
				missing = true
			}
		}
		if missing {
			report.Dropped++
			continue
		}

		y, err := strconv.ParseFloat(strings.TrimSpace(record[outCol]), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d, column %q: %w", rowNum, cfg.Outcome, err)
		}

		ev, err := strconv.ParseFloat(strings.TrimSpace(record[expCol]), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d, column %q: %w", rowNum, cfg.Exposure, err)
		}
		level := int(ev)
		if float64(level) != ev || level < 0 || level >= cfg.NumLevels {
			return nil, nil, fmt.Errorf("row %d, column %q: exposure value %v is not an integer in [0, %d)",
				rowNum, cfg.Exposure, ev, cfg.NumLevels)
		}

		row := make([]float64, len(covCols))
		for j, col := range covCols {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d, column %q: %w", rowNum, cfg.Covariates[j], err)
			}
			row[j] = v
		}

		outcome = append(outcome, y)
		exposure = append(exposure, level)
		covData = append(covData, row...)
	}

	if len(outcome) == 0 {
		return nil, nil, fmt.Errorf("no complete rows in dataset %s", location)
	}

	c := &Cohort{
		Outcome:      outcome,
		Exposure:     exposure,
		CovarNames:   cfg.Covariates,
		NumLevels:    cfg.NumLevels,
		OutcomeName:  cfg.Outcome,
		ExposureName: cfg.Exposure,
	}
	if len(cfg.Covariates) > 0 {
		c.Covars = mat.NewDense(len(outcome), len(cfg.Covariates), covData)
	}
	return c, report, nil
}

// PrintCohortSummary prints the loaded cohort's size and exposure counts.
func PrintCohortSummary(c *Cohort, report *LoadReport) {
	fmt.Printf("Loaded %d subjects (%d rows read, %d dropped for missing values)\n",
		c.Len(), report.TotalRows, report.Dropped)
	fmt.Printf("Outcome: %s  Exposure: %s (%d levels)\n", c.OutcomeName, c.ExposureName, c.NumLevels)

	counts := make([]int, c.NumLevels)
	for _, e := range c.Exposure {
		counts[e]++
	}
	for l, ct := range counts {
		fmt.Printf("  level %d: %d subjects\n", l, ct)
	}
	fmt.Println()
}

// PrintWeightDiagnostics prints the stabilized weight summary.
func PrintWeightDiagnostics(d WeightDiagnostics) {
	fmt.Println("Stabilized weight diagnostics:")
	fmt.Printf("  mean %.4f  sd %.4f  min %.4f  max %.4f\n\n", d.Mean, d.SD, d.Min, d.Max)
}

// PrintPointEstimates prints the weighted contrast estimates with their
// robust standard errors.
func PrintPointEstimates(ests []ContrastEstimate) {
	fmt.Println("Weighted contrast estimates:")
	fmt.Printf("  %-24s %12s %12s\n", "Contrast", "Estimate", "Robust SE")
	for _, e := range ests {
		fmt.Printf("  %-24s %12.4f %12.4f\n", e.Contrast, e.Estimate, e.RobustSE)
	}
	fmt.Println()
}

// PrintBootstrapResult prints the bootstrap intervals and the replicate
// accounting that determines how trustworthy they are.
func PrintBootstrapResult(res *BootstrapResult) {
	fmt.Printf("Bootstrap: %d replicates requested, %d used, %d failed\n",
		res.Requested, res.Used, res.Failed)
	level := 100 * (1 - res.Alpha)
	fmt.Printf("  %-24s %12s %12s %12s %12s\n", "Contrast", "Estimate", "Boot SD",
		fmt.Sprintf("%.0f%% Lower", level), fmt.Sprintf("%.0f%% Upper", level))
	for _, iv := range res.Intervals {
		fmt.Printf("  %-24s %12.4f %12.4f %12.4f %12.4f\n",
			iv.Contrast, iv.Estimate, iv.BootSD, iv.Lower, iv.Upper)
	}
	fmt.Println()
}

// OutputContrastsToCSV writes the bootstrap intervals to a CSV file.
func OutputContrastsToCSV(path string, res *BootstrapResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"Level", "Reference", "Estimate", "BootMean", "BootSD", "Lower", "Upper"}); err != nil {
		return err
	}
	for _, iv := range res.Intervals {
		record := []string{
			strconv.Itoa(iv.Contrast.Level),
			strconv.Itoa(iv.Contrast.Reference),
			strconv.FormatFloat(iv.Estimate, 'f', 6, 64),
			strconv.FormatFloat(iv.BootMean, 'f', 6, 64),
			strconv.FormatFloat(iv.BootSD, 'f', 6, 64),
			strconv.FormatFloat(iv.Lower, 'f', 6, 64),
			strconv.FormatFloat(iv.Upper, 'f', 6, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return w.Error()
}

// OutputWeightsToCSV writes the per-subject probabilities and stabilized
// weights to a CSV file for external inspection.
func OutputWeightsToCSV(path string, c *Cohort, numerP, denomP *mat.Dense, weights []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"Subject", "Exposure", "NumeratorProb", "DenominatorProb", "Weight"}); err != nil {
		return err
	}
	for i := 0; i < c.Len(); i++ {
		e := c.Exposure[i]
		record := []string{
			strconv.Itoa(i),
			strconv.Itoa(e),
			strconv.FormatFloat(numerP.At(i, e), 'f', 6, 64),
			strconv.FormatFloat(denomP.At(i, e), 'f', 6, 64),
			strconv.FormatFloat(weights[i], 'f', 6, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return w.Error()
}
