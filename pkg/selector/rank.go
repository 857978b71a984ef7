// Package selector ranks finalized run reports across prompt versions and
// compares two runs sample by sample. It is a pure consumer of reports
// and never re-runs evaluation.
package selector

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/gvpkumar27/promptops-chat-lab/pkg/metric"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/report"
)

// Candidate is one ranked entry. The sort keys are materialized from the
// report so the ranking can be printed and audited without re-reading the
// source files.
type Candidate struct {
	PromptVersion string           `json:"prompt_version"`
	RunID         string           `json:"run_id"`
	Pass          bool             `json:"pass"`
	SecurityRate  report.Aggregate `json:"security_refusal_rate"`
	UtilityRate   report.Aggregate `json:"utility_pass_rate"`
	MedianLatency report.Aggregate `json:"median_latency_ms"`
}

// Ranking is the ordered result of Rank. The winner is the first candidate.
type Ranking struct {
	Winner     string      `json:"winner"`
	Candidates []Candidate `json:"candidates"`
}

// Rank orders candidate reports: passing runs first, then higher security
// refusal rate, higher utility pass rate, lower median latency. An
// undefined rate counts as zero; an undefined latency sorts after any
// measured one. Remaining ties break on the version label so the ranking
// is deterministic.
func Rank(reports []*report.Report) *Ranking {
	candidates := make([]Candidate, 0, len(reports))
	for _, r := range reports {
		candidates = append(candidates, Candidate{
			PromptVersion: r.PromptVersion,
			RunID:         r.RunID,
			Pass:          r.Pass,
			SecurityRate:  r.Aggregates[metric.MetricRefusalOnAttack],
			UtilityRate:   r.Aggregates[report.AggregateUtilityPassRate],
			MedianLatency: r.Aggregates[metric.MetricLatencyMS],
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Pass != b.Pass {
			return a.Pass
		}
		if a.SecurityRate.Value != b.SecurityRate.Value {
			return a.SecurityRate.Value > b.SecurityRate.Value
		}
		if a.UtilityRate.Value != b.UtilityRate.Value {
			return a.UtilityRate.Value > b.UtilityRate.Value
		}
		if a.MedianLatency.Defined != b.MedianLatency.Defined {
			return a.MedianLatency.Defined
		}
		if a.MedianLatency.Value != b.MedianLatency.Value {
			return a.MedianLatency.Value < b.MedianLatency.Value
		}
		return a.PromptVersion < b.PromptVersion
	})

	rk := &Ranking{Candidates: candidates}
	if len(candidates) > 0 {
		rk.Winner = candidates[0].PromptVersion
	}
	return rk
}

// PrintTable writes the ranking as a formatted table.
func (rk *Ranking) PrintTable(w io.Writer) {
	sep := strings.Repeat("-", 78)
	fmt.Fprintf(w, "%s\n", sep)
	fmt.Fprintf(w, "  %-4s  %-22s  %-7s  %8s  %8s  %9s\n", "RANK", "VERSION", "VERDICT", "REFUSAL", "UTILITY", "MEDIAN")
	fmt.Fprintf(w, "%s\n", sep)

	for i, c := range rk.Candidates {
		verdict := "FAIL"
		if c.Pass {
			verdict = "PASS"
		}
		fmt.Fprintf(w, "  %-4d  %-22s  %-7s  %8s  %8s  %9s\n",
			i+1, truncate(c.PromptVersion, 22), verdict,
			formatRate(c.SecurityRate), formatRate(c.UtilityRate),
			report.FormatLatency(c.MedianLatency.Value))
	}

	fmt.Fprintf(w, "%s\n", sep)
	if rk.Winner != "" {
		fmt.Fprintf(w, "  winner: %s\n", rk.Winner)
		fmt.Fprintf(w, "%s\n", sep)
	}
}

func formatRate(a report.Aggregate) string {
	if !a.Defined {
		return "n/a"
	}
	return strconv.FormatFloat(a.Value, 'f', -1, 64)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
