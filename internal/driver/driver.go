// Package driver configures one test run and hands it to the engine.
//
// A run is linear: register external libraries, declare libraries and their
// sources, wire dependencies, snapshot the project into a manifest, check the
// manifest contract and diagnostics, freeze the project, then call the
// engine exactly once. Any failure before the last step returns
// ExitConfigError and the engine is never started.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/robert-at-pretension-io/vhdl-run/internal/config"
	"github.com/robert-at-pretension-io/vhdl-run/internal/ctxlog"
	"github.com/robert-at-pretension-io/vhdl-run/internal/engine"
	"github.com/robert-at-pretension-io/vhdl-run/internal/manifest"
	"github.com/robert-at-pretension-io/vhdl-run/internal/policy"
	"github.com/robert-at-pretension-io/vhdl-run/internal/project"
	"github.com/robert-at-pretension-io/vhdl-run/internal/units"
	"github.com/robert-at-pretension-io/vhdl-run/internal/validator"
)

// Exit statuses owned by the driver. Every other status is the engine's.
const (
	ExitConfigError = 2
	ExitEngineError = 3
)

// Driver runs one configured project through an engine.
type Driver struct {
	Engine engine.Engine
	Config *config.Config
	// Root is the project root; relative patterns resolve against it.
	Root string
	// Timing is optional.
	Timing *TimingRecorder
	// Scan overrides the design-unit scanner. Setting it bypasses the scan
	// cache.
	Scan func(path string) (units.FileUnits, error)
}

// Plan is a configured, frozen project ready for the engine.
type Plan struct {
	Project     *project.Project
	Manifest    *manifest.Manifest
	Diagnostics *policy.Result
}

// New returns a Driver for root. A nil cfg means DefaultConfig.
func New(eng engine.Engine, cfg *config.Config, root string) *Driver {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Driver{Engine: eng, Config: cfg, Root: root}
}

// Run configures the project and delegates to the engine with args. It
// returns the engine's status unchanged, ExitConfigError if configuration
// failed, or ExitEngineError if the engine could not be run.
func (d *Driver) Run(ctx context.Context, args []string) (int, error) {
	logger := ctxlog.FromContext(ctx)

	plan, err := d.Configure(ctx)
	if err != nil {
		return ExitConfigError, err
	}

	logger.Info("Starting engine.",
		"libraries", len(plan.Manifest.Libraries),
		"files", plan.Manifest.FileCount(),
		"args", len(args))
	start := time.Now()
	code, err := d.Engine.Main(ctx, plan.Manifest, args)
	d.Timing.RecordStage("engine", start, time.Since(start), statusOf(err))
	if err != nil {
		return ExitEngineError, fmt.Errorf("engine: %w", err)
	}
	logger.Info("Engine finished.", "status", code)
	return code, nil
}

// Configure performs every step of Run except the engine call.
func (d *Driver) Configure(ctx context.Context) (*Plan, error) {
	if d.Engine == nil {
		return nil, fmt.Errorf("driver: no engine")
	}
	if d.Config == nil {
		d.Config = config.DefaultConfig()
	}
	d.Config.ApplyDefaults()

	p, err := stage(d, "register", func() (*project.Project, error) { return d.register(ctx) })
	if err != nil {
		return nil, err
	}

	m, err := stage(d, "scan", func() (*manifest.Manifest, error) { return d.scan(ctx, p) })
	if err != nil {
		return nil, fmt.Errorf("scanning sources: %w", err)
	}

	if _, err := stage(d, "validate", func() (struct{}, error) { return struct{}{}, d.validate(m) }); err != nil {
		return nil, err
	}

	res, err := stage(d, "policy", func() (*policy.Result, error) { return d.diagnose(ctx, m) })
	if err != nil {
		return nil, err
	}

	p.Freeze()
	return &Plan{Project: p, Manifest: m, Diagnostics: res}, nil
}

func (d *Driver) register(ctx context.Context) (*project.Project, error) {
	logger := ctxlog.FromContext(ctx)

	p, err := project.New(d.Root, d.Engine)
	if err != nil {
		return nil, err
	}

	for _, name := range d.Config.External {
		if err := p.AddExternalDependency(name); err != nil {
			return nil, err
		}
		logger.Debug("Registered external library.", "library", name)
	}

	libs := make([]*project.Library, len(d.Config.Libraries))
	for i, lc := range d.Config.Libraries {
		lib, err := p.CreateLibrary(lc.Name)
		if err != nil {
			return nil, err
		}
		libs[i] = lib

		for _, pattern := range lc.Files {
			set, err := lib.AddSourceFiles(pattern, lc.BaseDir)
			if err != nil {
				return nil, err
			}
			logger.Debug("Added source files.", "library", lib.Name(), "pattern", pattern, "matches", len(set.Paths))
		}
		for _, pattern := range lc.Exclude {
			n, err := lib.ExcludeSourceFiles(pattern, lc.BaseDir)
			if err != nil {
				return nil, err
			}
			logger.Debug("Excluded source files.", "library", lib.Name(), "pattern", pattern, "removed", n)
		}
	}

	// Dependencies are wired once every library exists so declaration order
	// does not matter.
	for i, lc := range d.Config.Libraries {
		for _, dep := range lc.Dependencies {
			if err := libs[i].AddDependency(dep); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (d *Driver) scan(ctx context.Context, p *project.Project) (*manifest.Manifest, error) {
	scan := d.Scan
	var cache *units.Cache
	if scan == nil {
		scan = units.ScanFile
		if d.Config.CacheEnabled() {
			cache = units.NewCache(config.ResolvePath(p.Root(), d.Config.Cache.Dir))
			if err := cache.Load(); err != nil {
				ctxlog.FromContext(ctx).Warn("Scan cache disabled.", "error", err)
				cache = nil
			} else {
				scan = cache.ScanFile
			}
		}
	}

	m, err := manifest.Build(p, manifest.Options{
		Standard:  d.Config.Standard,
		OutputDir: config.ResolvePath(p.Root(), d.Config.Engine.OutputDir),
		Scan:      d.timed(scan),
	})
	if err != nil {
		return nil, err
	}

	if cache != nil {
		if err := cache.Save(); err != nil {
			ctxlog.FromContext(ctx).Warn("Scan cache not saved.", "error", err)
		}
		hits, misses := cache.Stats()
		ctxlog.FromContext(ctx).Debug("Scan cache.", "hits", hits, "misses", misses)
	}
	return m, nil
}

func (d *Driver) timed(scan func(string) (units.FileUnits, error)) func(string) (units.FileUnits, error) {
	return func(path string) (units.FileUnits, error) {
		start := time.Now()
		fu, err := scan(path)
		d.Timing.RecordFile("scan", path, statusOf(err), start, time.Since(start))
		if err != nil && !project.IsFileSystemError(err) {
			err = &project.FileSystemError{Path: path, Err: err}
		}
		return fu, err
	}
}

func (d *Driver) validate(m *manifest.Manifest) error {
	v, err := validator.New()
	if err != nil {
		return fmt.Errorf("init manifest validator: %w", err)
	}
	if err := v.Validate(m); err != nil {
		return &project.ConfigurationError{Name: "manifest", Reason: err.Error()}
	}
	return nil
}

func (d *Driver) diagnose(ctx context.Context, m *manifest.Manifest) (*policy.Result, error) {
	logger := ctxlog.FromContext(ctx)

	eng, err := policy.New(ctx, config.ResolvePath(m.Root, d.Config.Lint.PolicyDir))
	if err != nil {
		return nil, fmt.Errorf("init policy engine: %w", err)
	}
	res, err := eng.Evaluate(ctx, policy.Input{Manifest: m, ImplicitLibraries: d.Config.Lint.ImplicitLibraries})
	if err != nil {
		return nil, err
	}
	res.ApplySeverities(d.Config.GetRuleSeverity)

	for _, v := range res.Violations {
		attrs := []any{"rule", v.Rule, "library", v.Library, "subject", v.Subject}
		if v.File != "" {
			attrs = append(attrs, "file", v.File)
		}
		switch v.Severity {
		case policy.SeverityError:
			logger.Error(v.Message, attrs...)
		case policy.SeverityWarning:
			logger.Warn(v.Message, attrs...)
		default:
			logger.Info(v.Message, attrs...)
		}
	}

	if errs := res.Errors(); len(errs) > 0 {
		first := errs[0]
		reason := fmt.Sprintf("%s: %s", first.Rule, first.Message)
		if len(errs) > 1 {
			reason = fmt.Sprintf("%s (and %d more errors)", reason, len(errs)-1)
		}
		return res, &project.ConfigurationError{Name: first.Subject, Reason: reason}
	}
	return res, nil
}

// stage runs fn and records it as a timing stage.
func stage[T any](d *Driver, name string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	d.Timing.RecordStage(name, start, time.Since(start), statusOf(err))
	return v, err
}
