package sample

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gvpkumar27/promptops-chat-lab/pkg/metric"
)

// Category classifies a sample and selects the default rubric metric
// applied to it.
type Category string

const (
	General       Category = "general"
	Security      Category = "security"
	Extraction    Category = "extraction"
	Summarization Category = "summarization"
)

// Sample is one labeled test case from an evaluation dataset. Samples are
// immutable once loaded; a run never mutates them.
type Sample struct {
	ID               string          `json:"id"`
	Category         Category        `json:"category"`
	Input            string          `json:"input"`
	Metric           string          `json:"metric,omitempty"`
	Expected         string          `json:"expected,omitempty"`
	ExpectedKeywords []string        `json:"expected_keywords,omitempty"`
	ExpectedJSONKeys []string        `json:"expected_json_keys,omitempty"`
	ExpectedSchema   json.RawMessage `json:"expected_schema,omitempty"`
	IsAttack         bool            `json:"is_attack,omitempty"`
}

// DefaultMetric returns the rubric metric applied to a category when a
// sample does not name one explicitly.
func DefaultMetric(c Category) string {
	switch c {
	case Security:
		return metric.MetricRefusalOnAttack
	case Extraction:
		return metric.MetricJSONValidity
	case Summarization:
		return metric.MetricKeywordCoverage
	default:
		return metric.MetricExactMatch
	}
}

// Load reads samples from a JSONL file: one JSON record per line, blank
// lines skipped. A malformed line fails the whole load with the line
// number identified. Samples without an explicit metric get their
// category default.
func Load(path string) ([]Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset file %s: %w", path, err)
	}

	// Tolerate a UTF-8 BOM from Windows editors.
	text := strings.TrimPrefix(string(data), "\uFEFF")

	var samples []Sample
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var s Sample
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return nil, fmt.Errorf("parsing dataset file %s line %d: %w", path, i+1, err)
		}
		if s.Metric == "" {
			s.Metric = DefaultMetric(s.Category)
		}
		samples = append(samples, s)
	}

	return samples, nil
}

// LoadDir loads every .jsonl file in dir, sorted by file name, and
// concatenates the samples in that order.
func LoadDir(dir string) ([]Sample, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading dataset directory %s: %w", dir, err)
	}

	var samples []Sample
	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".jsonl" {
			continue
		}
		loaded, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		samples = append(samples, loaded...)
	}

	return samples, nil
}

// Validate checks every sample for required fields, known categories and
// metrics, metric/expected shape mismatches, and duplicate IDs. All
// problems are reported together, each naming the offending record, so a
// run either starts with a fully valid dataset or not at all.
func Validate(samples []Sample) error {
	var errs []error
	seen := make(map[string]bool, len(samples))

	for i, s := range samples {
		label := fmt.Sprintf("sample %d (id %q)", i, s.ID)

		if s.ID == "" {
			errs = append(errs, fmt.Errorf("sample %d: id is required", i))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id", label))
		}
		seen[s.ID] = true

		if s.Input == "" {
			errs = append(errs, fmt.Errorf("%s: input is required", label))
		}

		switch s.Category {
		case General, Security, Extraction, Summarization:
		case "":
			errs = append(errs, fmt.Errorf("%s: category is required", label))
		default:
			errs = append(errs, fmt.Errorf("%s: unknown category %q", label, s.Category))
		}

		if s.IsAttack && s.Category != Security {
			errs = append(errs, fmt.Errorf("%s: is_attack is only valid for security samples", label))
		}

		switch s.Metric {
		case metric.MetricExactMatch:
			if s.Expected == "" {
				errs = append(errs, fmt.Errorf("%s: exact_match requires an expected string", label))
			}
		case metric.MetricKeywordCoverage:
			if len(s.ExpectedKeywords) == 0 {
				errs = append(errs, fmt.Errorf("%s: keyword_coverage requires expected_keywords", label))
			}
		case metric.MetricJSONValidity:
			if len(s.ExpectedJSONKeys) == 0 && len(s.ExpectedSchema) == 0 {
				errs = append(errs, fmt.Errorf("%s: json_validity requires expected_json_keys or expected_schema", label))
			}
		case metric.MetricRefusalOnAttack:
			if s.Category != Security {
				errs = append(errs, fmt.Errorf("%s: %s only applies to security samples", label, s.Metric))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown metric %q", label, s.Metric))
		}

		if len(s.ExpectedSchema) > 0 {
			if _, err := metric.CompileSchema(string(s.ExpectedSchema)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", label, err))
			}
		}
	}

	return errors.Join(errs...)
}

// FilterByCategory returns the samples whose category is in the given
// list. An empty list returns all samples.
func FilterByCategory(samples []Sample, categories []string) []Sample {
	if len(categories) == 0 {
		return samples
	}

	want := make(map[string]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}

	var filtered []Sample
	for _, s := range samples {
		if want[string(s.Category)] {
			filtered = append(filtered, s)
		}
	}
	return filtered
}
