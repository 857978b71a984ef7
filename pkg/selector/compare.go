package selector

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/gvpkumar27/promptops-chat-lab/pkg/eval"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/report"
)

// Category classifies a sample comparison.
type Category string

const (
	Improved  Category = "improved"
	Regressed Category = "regressed"
	Unchanged Category = "unchanged"
	New       Category = "new"
	Removed   Category = "removed"
)

// SampleDiff represents the comparison of a single sample between two runs.
type SampleDiff struct {
	SampleID   string   `json:"sample_id"`
	Category   Category `json:"category"`
	ScoreA     float64  `json:"score_a"`
	ScoreB     float64  `json:"score_b"`
	ScoreDelta float64  `json:"score_delta"`
	StatusA    string   `json:"status_a"`
	StatusB    string   `json:"status_b"`
}

// DiffResult holds the full comparison between two runs.
type DiffResult struct {
	RunA    string       `json:"run_a"`
	RunB    string       `json:"run_b"`
	Samples []SampleDiff `json:"samples"`
	Summary
}

// Summary holds counts by category.
type Summary struct {
	Improved  int `json:"improved"`
	Regressed int `json:"regressed"`
	Unchanged int `json:"unchanged"`
	New       int `json:"new"`
	Removed   int `json:"removed"`
}

// Compare produces a per-sample diff between two reports. Samples are
// matched by ID and scored on their primary metric. A threshold controls
// the minimum absolute score delta to classify a sample as improved or
// regressed (below threshold = unchanged).
func Compare(a, b *report.Report, threshold float64) *DiffResult {
	dr := &DiffResult{
		RunA: a.RunID,
		RunB: b.RunID,
	}

	aMap := make(map[string]eval.Result, len(a.Results))
	for _, row := range a.Results {
		aMap[row.SampleID] = row
	}

	seen := make(map[string]bool, len(b.Results))
	for _, rowB := range b.Results {
		seen[rowB.SampleID] = true

		rowA, inA := aMap[rowB.SampleID]
		sd := SampleDiff{
			SampleID: rowB.SampleID,
			ScoreB:   primaryScore(rowB),
			StatusB:  statusStr(rowB),
		}

		if !inA {
			sd.Category = New
			dr.Summary.New++
		} else {
			sd.ScoreA = primaryScore(rowA)
			sd.StatusA = statusStr(rowA)
			sd.ScoreDelta = sd.ScoreB - sd.ScoreA

			if math.Abs(sd.ScoreDelta) <= threshold {
				sd.Category = Unchanged
				dr.Summary.Unchanged++
			} else if sd.ScoreDelta > 0 {
				sd.Category = Improved
				dr.Summary.Improved++
			} else {
				sd.Category = Regressed
				dr.Summary.Regressed++
			}
		}

		dr.Samples = append(dr.Samples, sd)
	}

	// Samples in A but not in B are removed.
	for _, rowA := range a.Results {
		if !seen[rowA.SampleID] {
			dr.Samples = append(dr.Samples, SampleDiff{
				SampleID: rowA.SampleID,
				Category: Removed,
				ScoreA:   primaryScore(rowA),
				StatusA:  statusStr(rowA),
			})
			dr.Summary.Removed++
		}
	}

	return dr
}

// Filter returns a new DiffResult with only samples matching the given
// categories. Pass nil to include all.
func (dr *DiffResult) Filter(categories []Category) *DiffResult {
	if len(categories) == 0 {
		return dr
	}

	catSet := make(map[Category]bool, len(categories))
	for _, c := range categories {
		catSet[c] = true
	}

	filtered := &DiffResult{
		RunA: dr.RunA,
		RunB: dr.RunB,
	}
	for _, sd := range dr.Samples {
		if catSet[sd.Category] {
			filtered.Samples = append(filtered.Samples, sd)
		}
	}
	filtered.Summary = dr.Summary
	return filtered
}

// JSON serializes the diff result.
func (dr *DiffResult) JSON() ([]byte, error) {
	return json.MarshalIndent(dr, "", "  ")
}

// PrintTable writes a formatted diff table.
func (dr *DiffResult) PrintTable(w io.Writer) {
	sep := strings.Repeat("-", 82)
	fmt.Fprintf(w, "%s\n", sep)
	fmt.Fprintf(w, "  %-25s  %-10s  %8s  %8s  %8s\n", "SAMPLE", "CHANGE", "SCORE A", "SCORE B", "DELTA")
	fmt.Fprintf(w, "%s\n", sep)

	for _, sd := range dr.Samples {
		var delta string
		switch sd.Category {
		case New:
			delta = "new"
		case Removed:
			delta = "removed"
		default:
			delta = fmt.Sprintf("%+.2f", sd.ScoreDelta)
		}

		fmt.Fprintf(w, "  %-25s  %-10s  %8.2f  %8.2f  %8s\n",
			truncate(sd.SampleID, 25), string(sd.Category), sd.ScoreA, sd.ScoreB, delta)
	}

	fmt.Fprintf(w, "%s\n", sep)
	fmt.Fprintf(w, "  %d improved  %d regressed  %d unchanged  %d new  %d removed\n",
		dr.Summary.Improved, dr.Summary.Regressed, dr.Summary.Unchanged,
		dr.Summary.New, dr.Summary.Removed)
	fmt.Fprintf(w, "%s\n", sep)
}

// primaryScore returns the sample's primary metric score, or 0 when it
// was undefined; the status string carries the reason in that case.
func primaryScore(row eval.Result) float64 {
	v, ok := row.Metrics[row.Metric]
	if !ok || !v.Defined {
		return 0
	}
	return v.Score
}

func statusStr(row eval.Result) string {
	switch {
	case row.Failure != "":
		return "error"
	case row.Refused:
		return "refused"
	default:
		return "ok"
	}
}
