package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// File names searched for in the project root, in order.
var searchNames = []string{"vhdl_run.json", ".vhdl_run.json", "vhdl_run.hcl"}

// Config is the top-level configuration for vhdl-run
type Config struct {
	// Standard specifies the VHDL standard to use: "1993", "2002", "2008", "2019"
	Standard string `json:"standard,omitempty" hcl:"standard,optional"`

	// External lists pre-built libraries the engine supplies, registered
	// before any library is declared
	External []string `json:"external,omitempty" hcl:"external,optional"`

	// Libraries are declared in order
	Libraries []LibraryConfig `json:"libraries,omitempty" hcl:"library,block"`

	// Engine configures the external test runner
	Engine *EngineConfig `json:"engine,omitempty" hcl:"engine,block"`

	// Lint contains diagnostic rule configuration
	Lint *LintConfig `json:"lint,omitempty" hcl:"lint,block"`

	// Cache configures the scan cache
	Cache *CacheConfig `json:"cache,omitempty" hcl:"cache,block"`
}

// LibraryConfig defines a VHDL library's files and dependencies
type LibraryConfig struct {
	Name string `json:"name" hcl:"name,label"`

	// Files is a list of glob patterns for VHDL files in this library
	Files []string `json:"files" hcl:"files"`

	// Exclude is a list of glob patterns to exclude from this library
	Exclude []string `json:"exclude,omitempty" hcl:"exclude,optional"`

	// Dependencies names libraries or external libraries this one uses
	Dependencies []string `json:"dependencies,omitempty" hcl:"dependencies,optional"`

	// BaseDir is the directory patterns are relative to (relative to the
	// project root if not absolute)
	BaseDir string `json:"baseDir,omitempty" hcl:"base_dir,optional"`
}

// EngineConfig configures the external engine process
type EngineConfig struct {
	// Command is the engine executable and its leading arguments
	Command []string `json:"command,omitempty" hcl:"command,optional"`

	// OutputDir receives the manifest (relative to project root if not absolute)
	OutputDir string `json:"outputDir,omitempty" hcl:"output_dir,optional"`

	// Libraries maps the external libraries the engine can supply to their
	// location; an empty location lets the engine find it
	Libraries map[string]string `json:"libraries,omitempty" hcl:"libraries,optional"`
}

// LintConfig contains diagnostic configuration
type LintConfig struct {
	// Rules maps rule names to severity: "off", "info", "warning", "error"
	Rules map[string]string `json:"rules,omitempty" hcl:"rules,optional"`

	// ImplicitLibraries are supplied by the engine without registration
	ImplicitLibraries []string `json:"implicitLibraries,omitempty" hcl:"implicit_libraries,optional"`

	// PolicyDir holds additional .rego modules (relative to project root if not absolute)
	PolicyDir string `json:"policyDir,omitempty" hcl:"policy_dir,optional"`
}

// CacheConfig configures the on-disk cache of scan results
type CacheConfig struct {
	// Enabled turns the cache on; it is off unless set
	Enabled *bool `json:"enabled,omitempty" hcl:"enabled,optional"`

	// Dir holds the cache (relative to project root if not absolute)
	Dir string `json:"dir,omitempty" hcl:"dir,optional"`
}

// DefaultConfig returns the configuration used when no file is found: the
// OSVVM utility library plus axi_bfm_lib built from src and src/test.
func DefaultConfig() *Config {
	cfg := &Config{
		Standard: "2008",
		External: []string{"osvvm"},
		Libraries: []LibraryConfig{
			{
				Name:         "axi_bfm_lib",
				Files:        []string{"src/*.vhd", "src/test/*.vhd"},
				Dependencies: []string{"osvvm"},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Load finds and loads the configuration file for a project root
// Search order:
//  1. $VHDL_RUN_CONFIG
//  2. <rootPath>/vhdl_run.json
//  3. <rootPath>/.vhdl_run.json
//  4. <rootPath>/vhdl_run.hcl
//
// The working directory is never searched. Returns DefaultConfig if no
// config file is found
func Load(rootPath string) (*Config, error) {
	if path := os.Getenv("VHDL_RUN_CONFIG"); path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(rootPath, path)
		}
		return loadFile(path, rootPath)
	}

	for _, name := range searchNames {
		path := filepath.Join(rootPath, name)
		if _, err := os.Stat(path); err == nil {
			return loadFile(path, rootPath)
		}
	}

	return DefaultConfig(), nil
}

// LoadFile loads configuration from a specific file. Files ending in .hcl
// are decoded as HCL, everything else as JSON. HCL expressions see the
// file's directory as root
func LoadFile(path string) (*Config, error) {
	return loadFile(path, filepath.Dir(path))
}

func loadFile(path, rootPath string) (*Config, error) {
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		if err := decodeHCL(path, evalContext(rootPath), &cfg); err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return &cfg, nil
}

// evalContext exposes root (the project root) and env (the process
// environment) to HCL expressions
func evalContext(rootPath string) *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && hclsyntax.ValidIdentifier(k) {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{
		"root": cty.StringVal(rootPath),
		"env":  cty.ObjectVal(env),
	}}
}

func decodeHCL(path string, evalCtx *hcl.EvalContext, cfg *Config) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config %s: %s", path, diags.Error())
	}
	diags = gohcl.DecodeBody(file.Body, evalCtx, cfg)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL config %s: %s", path, diags.Error())
	}
	return nil
}

// ApplyDefaults fills in missing configuration with defaults. It is safe to
// call more than once
func (c *Config) ApplyDefaults() {
	if c.Standard == "" {
		c.Standard = "2008"
	}

	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if c.Engine.OutputDir == "" {
		c.Engine.OutputDir = "vunit_out"
	}
	if c.Engine.Libraries == nil {
		c.Engine.Libraries = map[string]string{"osvvm": ""}
	}

	if c.Lint == nil {
		c.Lint = &LintConfig{}
	}
	if c.Lint.Rules == nil {
		c.Lint.Rules = make(map[string]string)
	}
	if c.Lint.ImplicitLibraries == nil {
		c.Lint.ImplicitLibraries = []string{"vunit_lib"}
	}

	if c.Cache == nil {
		c.Cache = &CacheConfig{}
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = ".vhdl_run_cache"
	}
}

// CacheEnabled reports whether the scan cache is switched on
func (c *Config) CacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled != nil && *c.Cache.Enabled
}

// Validate rejects settings no run could use
func (c *Config) Validate() error {
	switch c.Standard {
	case "1993", "2002", "2008", "2019":
	default:
		return fmt.Errorf("unsupported VHDL standard %q", c.Standard)
	}
	for i, lib := range c.Libraries {
		if strings.TrimSpace(lib.Name) == "" {
			return fmt.Errorf("library %d has no name", i)
		}
	}
	if c.Lint == nil {
		return nil
	}
	for rule, severity := range c.Lint.Rules {
		switch severity {
		case "off", "info", "warning", "error":
		default:
			return fmt.Errorf("rule %s: unknown severity %q", rule, severity)
		}
	}
	return nil
}

// ResolvePath makes a configured path absolute against rootPath
func ResolvePath(rootPath, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootPath, path)
}

// GetRuleSeverity returns the severity for a rule, or the default if not configured
func (c *Config) GetRuleSeverity(rule string, defaultSeverity string) string {
	if c.Lint == nil {
		return defaultSeverity
	}
	if severity, ok := c.Lint.Rules[rule]; ok {
		return severity
	}
	return defaultSeverity
}

// IsRuleEnabled returns true if the rule is not set to "off"
func (c *Config) IsRuleEnabled(rule string) bool {
	if c.Lint == nil {
		return true
	}
	if severity, ok := c.Lint.Rules[rule]; ok {
		return severity != "off"
	}
	return true // enabled by default
}
