package promptest

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/gvpkumar27/promptops-chat-lab/pkg/eval"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/policy"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/prompt"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/provider"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/sample"
)

// Option configures a Harness.
type Option func(*Harness)

// WithProvider sets the chat backend used for all cases. If not set, a
// default echo provider returns the user input as output.
func WithProvider(p provider.Provider) Option {
	return func(h *Harness) {
		h.provider = p
	}
}

// WithPolicy sets the guardrail rule set applied to all cases. The built-in
// default rules are used when unset.
func WithPolicy(rules *policy.RuleSet) Option {
	return func(h *Harness) {
		h.rules = rules
	}
}

// WithPromptVersion sets the prompt version under test. A minimal assistant
// prompt is used when unset.
func WithPromptVersion(v *prompt.Version) Option {
	return func(h *Harness) {
		h.version = v
	}
}

// WithTimeout sets the per-case timeout. Defaults to 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) {
		h.timeout = d
	}
}

// WithResultFile configures the harness to write case outcomes to a JSON
// file when all cases are complete.
func WithResultFile(path string) Option {
	return func(h *Harness) {
		h.resultFile = path
	}
}

// CaseResult captures the outcome of a single prompt test case.
type CaseResult struct {
	Name      string  `json:"name"`
	Input     string  `json:"input"`
	Output    string  `json:"output"`
	Action    string  `json:"action,omitempty"`
	Refused   bool    `json:"refused"`
	LatencyMS float64 `json:"latency_ms"`
	Failure   string  `json:"failure,omitempty"`
}

// Harness runs prompt cases as standard Go subtests. It is tied to a
// *testing.T and holds the shared provider, compiled policy, and prompt
// version.
type Harness struct {
	t          *testing.T
	provider   provider.Provider
	rules      *policy.RuleSet
	engine     *policy.Engine
	version    *prompt.Version
	timeout    time.Duration
	resultFile string
	results    []CaseResult
}

// New creates a Harness bound to the given *testing.T. Options override the
// provider, policy, prompt version, and timeout; defaults cover the rest.
func New(t *testing.T, opts ...Option) *Harness {
	t.Helper()
	h := &Harness{
		t:        t,
		provider: echoProvider{},
		version: &prompt.Version{
			Name:   "promptest",
			System: "You are a PromptOps assistant. Answer briefly.",
		},
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.rules == nil {
		h.rules = policy.Default()
	}
	engine, err := h.rules.Compile()
	if err != nil {
		t.Fatalf("promptest: compiling policy: %v", err)
	}
	h.engine = engine
	if h.resultFile != "" {
		t.Cleanup(func() {
			h.writeResults()
		})
	}
	return h
}

// Run executes a named prompt case as a subtest. The provided function
// receives a *TestCase with input helpers and assertion methods.
func (h *Harness) Run(name string, fn func(tc *TestCase)) {
	h.t.Helper()
	h.t.Run(name, func(t *testing.T) {
		t.Helper()
		fn(&TestCase{t: t, harness: h, name: name})
	})
}

// writeResults saves all recorded case outcomes to the configured file.
func (h *Harness) writeResults() {
	data, err := json.MarshalIndent(h.results, "", "  ")
	if err != nil {
		h.t.Errorf("promptest: marshaling results: %v", err)
		return
	}
	if err := os.WriteFile(h.resultFile, data, 0o644); err != nil {
		h.t.Errorf("promptest: writing results to %s: %v", h.resultFile, err)
	}
}

// TestCase drives and asserts a single prompt exchange.
type TestCase struct {
	t        *testing.T
	harness  *Harness
	name     string
	row      eval.Result
	executed bool
}

// Send routes the input through the guardrail and model pipeline as a
// general-category sample. It returns the recorded output, which is the
// model response or the canned refusal when the guardrail blocked the
// input before any model call.
func (tc *TestCase) Send(input string) string {
	tc.t.Helper()
	return tc.SendSample(sample.Sample{
		ID:       tc.name,
		Category: sample.General,
		Input:    input,
	})
}

// SendAs is Send with an explicit sample category. The security category
// arms the attack precheck.
func (tc *TestCase) SendAs(category sample.Category, input string) string {
	tc.t.Helper()
	return tc.SendSample(sample.Sample{
		ID:       tc.name,
		Category: category,
		Input:    input,
	})
}

// SendSample routes a fully specified sample through the pipeline. The
// metric defaults by category when unset, the same way dataset loading
// fills it in.
func (tc *TestCase) SendSample(s sample.Sample) string {
	tc.t.Helper()

	if s.ID == "" {
		s.ID = tc.name
	}
	if s.Category == "" {
		s.Category = sample.General
	}
	if s.Metric == "" {
		s.Metric = sample.DefaultMetric(s.Category)
	}

	h := tc.harness
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	runner := eval.New(eval.Config{
		Model:       h.provider.Name(),
		Concurrency: 1,
		Timeout:     h.timeout,
	})
	rr, err := runner.Run(ctx, []sample.Sample{s}, h.version, h.engine, h.provider, nil)
	if err != nil {
		tc.t.Fatalf("promptest: run failed: %v", err)
	}

	tc.row = rr.Results[0]
	tc.executed = true
	h.results = append(h.results, CaseResult{
		Name:      tc.name,
		Input:     s.Input,
		Output:    tc.row.Output,
		Action:    tc.row.Action,
		Refused:   tc.row.Refused,
		LatencyMS: tc.row.LatencyMS,
		Failure:   tc.row.Failure,
	})
	return tc.row.Output
}

// Output returns the recorded output text.
func (tc *TestCase) Output() string {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("Output() called before Send()")
	}
	return tc.row.Output
}

// Result returns the full evaluation row for custom checks.
func (tc *TestCase) Result() eval.Result {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("Result() called before Send()")
	}
	return tc.row
}
