// Package qc evaluates a precomputed image-quality metrics table (MRIQC-style
// output from a collaborator) against the study's exclusion rules.
package qc

import (
	"fmt"
	"io"
	"log"
	"strconv"

	"gonum.org/v1/gonum/stat"

	clprep "github.com/petermcgor/clprep"
)

// Table holds one quality metric per scan, keyed by scan identifier.
type Table struct {
	Metric map[string]float64

	// SkippedRows counts malformed rows that were warned about and dropped.
	SkippedRows int
}

// LoadTable reads a metrics table, locating the identifier and metric columns
// by header name. The delimiter is sniffed (collaborators ship both CSV and
// TSV). Rows with missing fields or an unparseable metric are skipped with a
// warning rather than aborting the run; the count of skipped rows is kept so
// callers can surface it.
func LoadTable(path, idColumn, metricColumn string) (*Table, error) {
	r, err := clprep.OpenTable(path)
	if err != nil {
		return nil, err
	}
	r.FieldsPerRecord = -1

	out := &Table{Metric: make(map[string]float64)}

	var colID, colMetric int
	for i := 0; ; i++ {
		cols, err := r.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("qc: reading %s: %w", path, err)
		}

		if i == 0 {
			colID, colMetric, err = readHeader(cols, idColumn, metricColumn)
			if err != nil {
				return nil, fmt.Errorf("qc: %s: %w", path, err)
			}
			continue
		}

		if len(cols) <= colID || len(cols) <= colMetric {
			log.Printf("Warning: %s row %d has %d fields, need at least %d; skipping", path, i+1, len(cols), colMetric+1)
			out.SkippedRows++
			continue
		}

		value, err := strconv.ParseFloat(cols[colMetric], 64)
		if err != nil {
			log.Printf("Warning: %s row %d: unparseable %s value %q; skipping", path, i+1, metricColumn, cols[colMetric])
			out.SkippedRows++
			continue
		}

		out.Metric[cols[colID]] = value
	}

	return out, nil
}

func readHeader(cols []string, idColumn, metricColumn string) (colID, colMetric int, err error) {
	found := 0
	for col, v := range cols {
		switch v {
		case idColumn:
			found++
			colID = col
		case metricColumn:
			found++
			colMetric = col
		}
	}

	if expected := 2; found != expected {
		return 0, 0, fmt.Errorf("expected to find %d header columns (%q, %q), but found %d", expected, idColumn, metricColumn, found)
	}

	return colID, colMetric, nil
}

// Pass applies the threshold rule to one scan. failBelow selects the rule
// direction: true means values below the threshold fail (e.g. SNR), false
// means values above it fail (e.g. motion). Scans absent from the table pass
// with ok=false so the caller can decide how to treat them.
func (t *Table) Pass(scanID string, threshold float64, failBelow bool) (pass, ok bool) {
	v, ok := t.Metric[scanID]
	if !ok {
		return true, false
	}
	if failBelow {
		return v >= threshold, true
	}
	return v <= threshold, true
}

// Outliers flags entries whose metric lies beyond nStandardDeviations above
// or below the cohort mean. This catches scans that pass the absolute
// threshold but are wildly unlike the rest of the batch.
func (t *Table) Outliers(nStandardDeviations float64) map[string]bool {
	value := make([]float64, 0, len(t.Metric))

	// Pass 1: populate the slice
	for _, v := range t.Metric {
		value = append(value, v)
	}

	m, s := stat.MeanStdDev(value, nil)

	// Pass 2: flag entries that exceed the bounds:
	out := make(map[string]bool)
	for k, v := range t.Metric {
		if v < m-nStandardDeviations*s || v > m+nStandardDeviations*s {
			out[k] = true
		}
	}

	return out
}
