// Package report aggregates per-sample evaluation results into a run
// report with threshold verdicts, and persists it as canonical JSON plus
// a Markdown rendering derived from the same value.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gvpkumar27/promptops-chat-lab/pkg/config"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/eval"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/metric"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/sample"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/telemetry"
)

// AggregateUtilityPassRate keys the mean primary-metric score across all
// samples whose primary metric was defined.
const AggregateUtilityPassRate = "utility_pass_rate"

// Verdict keys, one per configured threshold.
const (
	VerdictUtility  = "utility_pass_rate"
	VerdictSecurity = "security_refusal_rate"
	VerdictJSON     = "json_validity_rate"
	VerdictLatency  = "median_latency_ms"
)

// Report is the top-level structure persisted to JSON for each run. It is
// the canonical representation; the Markdown rendering is derived from it
// and never diverges.
type Report struct {
	RunID         string                              `json:"run_id"`
	PromptVersion string                              `json:"prompt_version"`
	Model         string                              `json:"model"`
	StartTime     time.Time                           `json:"start_time"`
	EndTime       time.Time                           `json:"end_time"`
	Duration      time.Duration                       `json:"duration"`
	TotalSamples  int                                 `json:"total_samples"`
	FailureCount  int                                 `json:"failure_count"`
	RefusedCount  int                                 `json:"refused_count"`
	Thresholds    config.Thresholds                   `json:"thresholds"`
	Aggregates    map[string]Aggregate                `json:"aggregates"`
	Categories    map[sample.Category]CategorySummary `json:"by_category"`
	Verdicts      map[string]bool                     `json:"verdicts"`
	Pass          bool                                `json:"pass"`
	Results       []eval.Result                       `json:"results"`
}

// Aggregate is a run-level statistic. Defined reports whether any sample
// contributed to it; an aggregate over zero samples stays undefined
// instead of collapsing to a misleading zero. Count is the number of
// contributing samples.
type Aggregate struct {
	Value   float64 `json:"value"`
	Defined bool    `json:"defined"`
	Count   int     `json:"count"`
}

// CategorySummary is the per-category rollup: sample count, mean primary
// score, and mean latency over the rows that recorded one.
type CategorySummary struct {
	Samples      int     `json:"samples"`
	PassRate     float64 `json:"pass_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// FromRun converts a finished evaluation run into a Report, generating a
// run ID and computing aggregates and threshold verdicts.
func FromRun(rr *eval.RunResult, thresholds config.Thresholds) *Report {
	r := &Report{
		RunID:         uuid.NewString(),
		PromptVersion: rr.PromptVersion,
		Model:         rr.Model,
		StartTime:     rr.StartTime,
		EndTime:       rr.EndTime,
		Duration:      rr.Duration,
		TotalSamples:  len(rr.Results),
		Thresholds:    thresholds,
		Results:       rr.Results,
	}

	for _, row := range rr.Results {
		if row.Failure != "" {
			r.FailureCount++
		}
		if row.Refused {
			r.RefusedCount++
		}
	}

	r.Aggregates = computeAggregates(rr.Results)
	r.Categories = summarizeCategories(rr.Results)
	r.Verdicts, r.Pass = computeVerdicts(r.Aggregates, thresholds)
	return r
}

// computeAggregates folds the per-sample metric values into run-level
// statistics. Rate metrics are means over the samples that defined them.
// Latency is the median over served rows only: precheck-refused rows
// record no latency and failed rows never completed, so neither
// contributes. Token estimates are averaged over every row that
// rendered a prompt.
func computeAggregates(rows []eval.Result) map[string]Aggregate {
	type acc struct {
		sum   float64
		count int
	}

	rates := map[string]*acc{}
	var utility, tokens acc
	var latencies []float64

	for _, row := range rows {
		for name, v := range row.Metrics {
			if !v.Defined {
				continue
			}
			a := rates[name]
			if a == nil {
				a = &acc{}
				rates[name] = a
			}
			a.sum += v.Score
			a.count++
		}
		if v, ok := row.Metrics[row.Metric]; ok && v.Defined {
			utility.sum += v.Score
			utility.count++
		}
		if row.Failure == "" {
			tokens.sum += float64(row.PromptTokens)
			tokens.count++
		}
		if row.Action == telemetry.ActionServed {
			latencies = append(latencies, row.LatencyMS)
		}
	}

	aggs := make(map[string]Aggregate, len(rates)+3)
	for name, a := range rates {
		aggs[name] = Aggregate{Value: round4(a.sum / float64(a.count)), Defined: true, Count: a.count}
	}
	for _, name := range []string{
		metric.MetricExactMatch,
		metric.MetricKeywordCoverage,
		metric.MetricJSONValidity,
		metric.MetricRefusalOnAttack,
	} {
		if _, ok := aggs[name]; !ok {
			aggs[name] = Aggregate{}
		}
	}

	if utility.count > 0 {
		aggs[AggregateUtilityPassRate] = Aggregate{Value: round4(utility.sum / float64(utility.count)), Defined: true, Count: utility.count}
	} else {
		aggs[AggregateUtilityPassRate] = Aggregate{}
	}

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		aggs[metric.MetricLatencyMS] = Aggregate{Value: round2(percentile(latencies, 0.5)), Defined: true, Count: len(latencies)}
	} else {
		aggs[metric.MetricLatencyMS] = Aggregate{}
	}

	if tokens.count > 0 {
		aggs[metric.MetricPromptTokens] = Aggregate{Value: round2(tokens.sum / float64(tokens.count)), Defined: true, Count: tokens.count}
	} else {
		aggs[metric.MetricPromptTokens] = Aggregate{}
	}

	return aggs
}

func summarizeCategories(rows []eval.Result) map[sample.Category]CategorySummary {
	type acc struct {
		samples      int
		scoreSum     float64
		scored       int
		latencySum   float64
		latencyCount int
	}

	accs := map[sample.Category]*acc{}
	for _, row := range rows {
		a := accs[row.Category]
		if a == nil {
			a = &acc{}
			accs[row.Category] = a
		}
		a.samples++
		if v, ok := row.Metrics[row.Metric]; ok && v.Defined {
			a.scoreSum += v.Score
			a.scored++
		}
		if row.Action == telemetry.ActionServed {
			a.latencySum += row.LatencyMS
			a.latencyCount++
		}
	}

	out := make(map[sample.Category]CategorySummary, len(accs))
	for cat, a := range accs {
		cs := CategorySummary{Samples: a.samples}
		if a.scored > 0 {
			cs.PassRate = round4(a.scoreSum / float64(a.scored))
		}
		if a.latencyCount > 0 {
			cs.AvgLatencyMS = round2(a.latencySum / float64(a.latencyCount))
		}
		out[cat] = cs
	}
	return out
}

// computeVerdicts evaluates each configured threshold independently; the
// overall verdict is their conjunction. An undefined aggregate passes
// vacuously. A zero latency ceiling disables the latency check entirely,
// so no verdict is recorded for it.
func computeVerdicts(aggs map[string]Aggregate, th config.Thresholds) (map[string]bool, bool) {
	verdicts := map[string]bool{
		VerdictUtility:  passFloor(aggs[AggregateUtilityPassRate], th.UtilityPassRate),
		VerdictSecurity: passFloor(aggs[metric.MetricRefusalOnAttack], th.SecurityRefusalRate),
		VerdictJSON:     passFloor(aggs[metric.MetricJSONValidity], th.JSONValidityRate),
	}
	if th.MaxMedianLatencyMS > 0 {
		verdicts[VerdictLatency] = passCeiling(aggs[metric.MetricLatencyMS], th.MaxMedianLatencyMS)
	}

	pass := true
	for _, ok := range verdicts {
		pass = pass && ok
	}
	return verdicts, pass
}

func passFloor(a Aggregate, min float64) bool {
	return !a.Defined || a.Value >= min
}

func passCeiling(a Aggregate, max float64) bool {
	return !a.Defined || a.Value <= max
}

// percentile returns the value at the given percentile (0.0-1.0) from a
// sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper || upper >= len(sorted) {
		return sorted[lower]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// DefaultPaths returns the timestamped JSON and Markdown output paths for
// a run.
func DefaultPaths(outputDir, version string, startTime time.Time) (jsonPath, mdPath string) {
	base := fmt.Sprintf("%s-%s", startTime.Format("20060102-150405"), version)
	return filepath.Join(outputDir, base+".json"), filepath.Join(outputDir, base+".md")
}

// Save writes the report as pretty-printed JSON and as Markdown. Parent
// directories are created automatically.
func (r *Report) Save(jsonPath, mdPath string) error {
	for _, p := range []string{jsonPath, mdPath} {
		dir := filepath.Dir(p)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report directory %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("writing report to %s: %w", jsonPath, err)
	}

	if err := os.WriteFile(mdPath, []byte(RenderMarkdown(r)), 0o644); err != nil {
		return fmt.Errorf("writing report to %s: %w", mdPath, err)
	}

	return nil
}

// Load reads a Report from a JSON file.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report file %s: %w", path, err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing report file %s: %w", path, err)
	}

	return &r, nil
}
