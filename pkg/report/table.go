package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gvpkumar27/promptops-chat-lab/pkg/eval"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/metric"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

// StatusLabel returns a colored status string for terminal display.
func StatusLabel(row eval.Result) string {
	switch {
	case row.Failure != "":
		return colorRed + "ERROR" + colorReset
	case row.Refused:
		return colorYellow + "REFUSED" + colorReset
	default:
		return colorGreen + "OK" + colorReset
	}
}

// StatusLabelPlain returns an uncolored status string.
func StatusLabelPlain(row eval.Result) string {
	switch {
	case row.Failure != "":
		return "ERROR"
	case row.Refused:
		return "REFUSED"
	default:
		return "OK"
	}
}

// FormatLatency formats a millisecond latency for table display.
func FormatLatency(ms float64) string {
	if ms <= 0 {
		return "-"
	}
	if ms < 1000 {
		return fmt.Sprintf("%.0fms", ms)
	}
	return fmt.Sprintf("%.1fs", ms/1000)
}

// PrintSummaryTable writes a formatted per-sample table with a verdict
// footer.
func PrintSummaryTable(w io.Writer, r *Report, color bool) {
	// Header.
	sep := strings.Repeat("-", 78)
	fmt.Fprintf(w, "%s\n", sep)
	fmt.Fprintf(w, "  %-22s  %-13s  %-8s  %8s  %9s\n", "SAMPLE", "CATEGORY", "STATUS", "SCORE", "LATENCY")
	fmt.Fprintf(w, "%s\n", sep)

	// Sample rows.
	for _, row := range r.Results {
		var status string
		if color {
			status = StatusLabel(row)
		} else {
			status = StatusLabelPlain(row)
		}
		fmt.Fprintf(w, "  %-22s  %-13s  %-8s  %8s  %9s\n",
			truncate(row.SampleID, 22), truncate(string(row.Category), 13),
			status, formatScore(row), FormatLatency(row.LatencyMS))
	}

	// Footer.
	fmt.Fprintf(w, "%s\n", sep)
	verdict := "FAIL"
	if r.Pass {
		verdict = "PASS"
	}
	if color {
		c := colorRed
		if r.Pass {
			c = colorGreen
		}
		verdict = c + colorBold + verdict + colorReset
	}
	fmt.Fprintf(w, "  %s | %d samples  %d refused  %d failed | %s total\n",
		verdict, r.TotalSamples, r.RefusedCount, r.FailureCount,
		r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  utility %s | refusal %s | json %s | median %s | ~%s prompt tokens\n",
		compactAggregate(r.Aggregates[AggregateUtilityPassRate]),
		compactAggregate(r.Aggregates[metric.MetricRefusalOnAttack]),
		compactAggregate(r.Aggregates[metric.MetricJSONValidity]),
		FormatLatency(r.Aggregates[metric.MetricLatencyMS].Value),
		compactAggregate(r.Aggregates[metric.MetricPromptTokens]))
	fmt.Fprintf(w, "%s\n", sep)
}

func compactAggregate(a Aggregate) string {
	if !a.Defined {
		return "n/a"
	}
	return formatFloat(a.Value)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
