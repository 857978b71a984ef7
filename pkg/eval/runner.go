// Package eval runs labeled samples through the policy-gated model
// pipeline with bounded concurrency and scores each response.
package eval

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gvpkumar27/promptops-chat-lab/pkg/metric"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/policy"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/prompt"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/provider"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/sample"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/telemetry"
)

// Result holds the scored outcome for a single sample. Metrics carries the
// rubric values keyed by metric name; a value tagged undefined means the
// metric does not apply or could not be measured, which is distinct from a
// zero score.
type Result struct {
	SampleID      string                  `json:"id"`
	Category      sample.Category         `json:"category"`
	Metric        string                  `json:"metric"`
	Input         string                  `json:"input"`
	Output        string                  `json:"output"`
	Action        string                  `json:"action,omitempty"`
	Refused       bool                    `json:"refused"`
	LatencyMS     float64                 `json:"latency_ms"`
	PromptTokens  int                     `json:"estimated_prompt_tokens"`
	ResponseChars int                     `json:"response_length_chars"`
	Metrics       map[string]metric.Value `json:"metrics"`
	Failure       string                  `json:"failure,omitempty"`
}

// RunResult holds the output of an entire evaluation run in original
// sample order.
type RunResult struct {
	Model         string        `json:"model"`
	PromptVersion string        `json:"prompt_version"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Duration      time.Duration `json:"duration"`
	Results       []Result      `json:"results"`
}

// Config controls runner behavior. Telemetry is optional; a nil value
// disables metric recording.
type Config struct {
	Model       string
	Temperature float64
	Concurrency int
	Timeout     time.Duration
	Telemetry   *telemetry.Metrics
}

// Runner executes evaluation runs with bounded concurrency and per-sample
// timeouts.
type Runner struct {
	cfg Config
}

// New creates a Runner with the given configuration.
func New(cfg Config) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Runner{cfg: cfg}
}

// ProgressFunc is called after each sample completes. Index is the 0-based
// completion sequence number, total is the number of samples.
type ProgressFunc func(index, total int, sampleID string, elapsed time.Duration, err error)

// Run evaluates every sample against the prompt version and provider,
// gating each model call on the policy engine. Results are placed in
// original sample order regardless of completion order. Cancelling ctx
// stops admitting new samples; in-flight calls drain or time out, and
// samples that never started are marked as failures so the result stays
// full-length and ordered.
func (r *Runner) Run(ctx context.Context, samples []sample.Sample, version *prompt.Version, eng *policy.Engine, p provider.Provider, progress ProgressFunc) (*RunResult, error) {
	result := &RunResult{
		Model:         r.cfg.Model,
		PromptVersion: version.Name,
		StartTime:     time.Now(),
		Results:       make([]Result, len(samples)),
	}

	sem := make(chan struct{}, r.cfg.Concurrency)
	var mu sync.Mutex
	var completed int

	var wg sync.WaitGroup
	for i, s := range samples {
		wg.Add(1)
		go func(idx int, es sample.Sample) {
			defer wg.Done()

			admitted := false
			if ctx.Err() == nil {
				select {
				case <-ctx.Done():
				case sem <- struct{}{}:
					admitted = true
					defer func() { <-sem }()
				}
			}

			var res Result
			if admitted {
				res = r.runSample(ctx, es, version, eng, p)
			} else {
				res = r.skippedResult(es)
			}

			mu.Lock()
			result.Results[idx] = res
			completed++
			current := completed
			mu.Unlock()

			if progress != nil {
				var sampleErr error
				if res.Failure != "" {
					sampleErr = fmt.Errorf("%s", res.Failure)
				}
				progress(current-1, len(samples), es.ID, time.Since(result.StartTime), sampleErr)
			}
		}(i, s)
	}

	wg.Wait()
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	return result, nil
}

// runSample executes the policy check, model call, and scoring for one
// sample.
func (r *Runner) runSample(ctx context.Context, s sample.Sample, version *prompt.Version, eng *policy.Engine, p provider.Provider) Result {
	res := Result{
		SampleID: s.ID,
		Category: s.Category,
		Metric:   s.Metric,
		Input:    s.Input,
		Metrics:  make(map[string]metric.Value, 2),
	}

	decision := eng.Decide(s.Input, s.Category)
	messages := version.BuildMessages(s.Input)
	res.PromptTokens = metric.EstimateTokens(prompt.Flatten(messages))

	var errFlag bool
	if decision.Action == policy.Refuse {
		// Refused before invocation: the refusal text stands in for the
		// model response and no latency is recorded.
		res.Output = decision.Refusal
		res.Action = refusalAction(decision)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		start := time.Now()
		resp, err := p.Chat(callCtx, &provider.Request{
			Model:       r.cfg.Model,
			Messages:    messages,
			Temperature: r.cfg.Temperature,
		})
		elapsed := time.Since(start)
		cancel()

		if err != nil {
			res.Failure = fmt.Sprintf("model call failed: %v", err)
			res.Action = telemetry.ActionError
			errFlag = true
		} else {
			res.Output = resp.Content
			res.LatencyMS = round2(float64(elapsed) / float64(time.Millisecond))
			res.Action = telemetry.ActionServed
		}
	}

	res.ResponseChars = len(res.Output)
	res.Refused = decision.Action == policy.Refuse || eng.IsRefusal(res.Output)

	if res.Failure == "" {
		v, err := scorePrimary(s, res.Output, res.Refused)
		if err != nil {
			res.Failure = fmt.Sprintf("scoring sample %s: %v", s.ID, err)
		}
		res.Metrics[s.Metric] = v
	} else {
		res.Metrics[s.Metric] = metric.Undefined()
	}
	if s.IsAttack && s.Metric != metric.MetricRefusalOnAttack {
		if res.Failure == "" {
			res.Metrics[metric.MetricRefusalOnAttack] = metric.RefusalOnAttack(true, res.Refused)
		} else {
			res.Metrics[metric.MetricRefusalOnAttack] = metric.Undefined()
		}
	}

	if r.cfg.Telemetry != nil {
		r.cfg.Telemetry.RecordEvent(telemetry.Event{
			Model:           r.cfg.Model,
			Action:          res.Action,
			InScope:         decision.Scope.InScope,
			Attack:          decision.Risk.IsAttack,
			BlockedCategory: decision.Scope.BlockedCategory,
			LatencyMS:       res.LatencyMS,
			Err:             errFlag,
		})
	}

	return res
}

// skippedResult marks a sample that was never admitted because the run was
// cancelled first.
func (r *Runner) skippedResult(s sample.Sample) Result {
	res := Result{
		SampleID: s.ID,
		Category: s.Category,
		Metric:   s.Metric,
		Input:    s.Input,
		Metrics:  map[string]metric.Value{s.Metric: metric.Undefined()},
		Failure:  "run cancelled before sample started",
	}
	if s.IsAttack && s.Metric != metric.MetricRefusalOnAttack {
		res.Metrics[metric.MetricRefusalOnAttack] = metric.Undefined()
	}
	return res
}

// scorePrimary computes the sample's rubric metric against the output
// text, rounded to four decimals. A schema that fails to compile here
// fails only this sample, not the run; dataset validation normally
// catches it before any sample starts.
func scorePrimary(s sample.Sample, output string, refused bool) (metric.Value, error) {
	switch s.Metric {
	case metric.MetricExactMatch:
		return round4(metric.ExactMatch(s.Expected, output)), nil
	case metric.MetricKeywordCoverage:
		return round4(metric.KeywordCoverage(s.ExpectedKeywords, output)), nil
	case metric.MetricJSONValidity:
		if len(s.ExpectedSchema) > 0 {
			sch, err := metric.CompileSchema(string(s.ExpectedSchema))
			if err != nil {
				return metric.Undefined(), err
			}
			return round4(sch.Validity(output)), nil
		}
		return round4(metric.JSONValidity(s.ExpectedJSONKeys, output)), nil
	case metric.MetricRefusalOnAttack:
		return metric.RefusalOnAttack(s.IsAttack, refused), nil
	default:
		return metric.Undefined(), nil
	}
}

// refusalAction maps a refusing decision to its telemetry action label.
func refusalAction(d policy.Decision) string {
	if d.Reason == policy.HarmfulCategory {
		return telemetry.ActionBlockedScope
	}
	return telemetry.ActionBlockedAttack
}

func round4(v metric.Value) metric.Value {
	if !v.Defined {
		return v
	}
	return metric.Defined(math.Round(v.Score*10000) / 10000)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
