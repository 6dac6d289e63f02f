package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/robert-at-pretension-io/vhdl-run/internal/manifest"
)

//go:embed project.rego
var projectPolicy string

const violationsQuery = "data.vhdlrun.project.violations"

// Severities, from least to most serious
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
	SeverityOff     = "off"
)

// Engine evaluates Rego diagnostics against a manifest
type Engine struct {
	query rego.PreparedEvalQuery
}

// Violation represents a diagnostic raised by a rule
type Violation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Library  string `json:"library"`
	Subject  string `json:"subject"`
	File     string `json:"file,omitempty"`
	Message  string `json:"message"`
}

// Result contains the evaluation results
type Result struct {
	Violations []Violation
	Summary    Summary
}

// Summary provides aggregate counts
type Summary struct {
	TotalViolations int `json:"total_violations"`
	Errors          int `json:"errors"`
	Warnings        int `json:"warnings"`
	Info            int `json:"info"`
}

// Input is the data structure passed to OPA
type Input struct {
	*manifest.Manifest
	ImplicitLibraries []string `json:"implicit_libraries"`
}

// New prepares the embedded policy plus every .rego file in extraDir, if
// extraDir is not empty
func New(ctx context.Context, extraDir string) (*Engine, error) {
	modules := []func(*rego.Rego){rego.Module("project.rego", projectPolicy)}

	if extraDir != "" {
		if _, err := os.Stat(extraDir); err != nil {
			return nil, fmt.Errorf("policy directory: %w", err)
		}
		files, err := filepath.Glob(filepath.Join(extraDir, "*.rego"))
		if err != nil {
			return nil, fmt.Errorf("finding policy files: %w", err)
		}
		sort.Strings(files)
		for _, f := range files {
			content, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", f, err)
			}
			modules = append(modules, rego.Module(f, string(content)))
		}
	}

	opts := append(modules, rego.Query(violationsQuery))
	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing violations query: %w", err)
	}
	return &Engine{query: query}, nil
}

// Evaluate runs the policies against the input data. Violations are sorted
// by rule, library, subject and file
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Result, error) {
	if input.ImplicitLibraries == nil {
		input.ImplicitLibraries = []string{}
	}
	inputMap, err := structToMap(input)
	if err != nil {
		return nil, fmt.Errorf("converting input: %w", err)
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		return nil, fmt.Errorf("evaluating violations: %w", err)
	}

	result := &Result{}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		violations, ok := rs[0].Expressions[0].Value.([]interface{})
		if ok {
			for _, v := range violations {
				vmap, ok := v.(map[string]interface{})
				if !ok {
					continue
				}
				result.Violations = append(result.Violations, Violation{
					Rule:     getString(vmap, "rule"),
					Severity: getString(vmap, "severity"),
					Library:  getString(vmap, "library"),
					Subject:  getString(vmap, "subject"),
					File:     getString(vmap, "file"),
					Message:  getString(vmap, "message"),
				})
			}
		}
	}

	sort.Slice(result.Violations, func(i, j int) bool {
		a, b := result.Violations[i], result.Violations[j]
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		if a.Library != b.Library {
			return a.Library < b.Library
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		return a.File < b.File
	})
	result.summarize()
	return result, nil
}

// ApplySeverities replaces each violation's severity with severity(rule,
// current) and drops violations mapped to "off"
func (r *Result) ApplySeverities(severity func(rule, current string) string) {
	kept := r.Violations[:0]
	for _, v := range r.Violations {
		v.Severity = severity(v.Rule, v.Severity)
		if v.Severity == SeverityOff {
			continue
		}
		kept = append(kept, v)
	}
	r.Violations = kept
	r.summarize()
}

// Errors returns the violations with error severity
func (r *Result) Errors() []Violation {
	var errs []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			errs = append(errs, v)
		}
	}
	return errs
}

func (r *Result) summarize() {
	r.Summary = Summary{TotalViolations: len(r.Violations)}
	for _, v := range r.Violations {
		switch v.Severity {
		case SeverityError:
			r.Summary.Errors++
		case SeverityWarning:
			r.Summary.Warnings++
		case SeverityInfo:
			r.Summary.Info++
		}
	}
}

// Helper functions
func structToMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	err = json.Unmarshal(data, &result)
	return result, err
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
