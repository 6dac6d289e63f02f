// =============================================================================
// vhdl-run - Test Runner Entry Point
// =============================================================================
//
// Declares the project's libraries and sources, then hands the whole
// argument vector to the simulation engine. vhdl-run has no flags of its own.
//
// THE SEQUENCE:
//   1. Resolve the project root (VHDL_RUN_ROOT, else this binary's directory)
//   2. Load vhdl_run.json / vhdl_run.hcl from the root, or use the defaults
//   3. Register external libraries, libraries, sources and dependencies
//   4. Scan sources, check the manifest contract, evaluate diagnostics
//   5. Run the engine once and exit with its status
//
// EXIT STATUS:
//   Anything the engine returns, unchanged. vhdl-run itself only exits 2
//   (configuration failed, engine never started) or 3 (engine not runnable).
// =============================================================================

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tebeka/atexit"

	"github.com/robert-at-pretension-io/vhdl-run/internal/config"
	"github.com/robert-at-pretension-io/vhdl-run/internal/ctxlog"
	"github.com/robert-at-pretension-io/vhdl-run/internal/driver"
	"github.com/robert-at-pretension-io/vhdl-run/internal/engine"
)

func main() {
	start := time.Now()
	logger := ctxlog.New(os.Getenv("VHDL_RUN_LOG_LEVEL"), os.Getenv("VHDL_RUN_LOG_FORMAT"), os.Stderr)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	root, err := resolveRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vhdl-run: %v\n", err)
		atexit.Exit(driver.ExitConfigError)
	}

	timing := driver.NewTimingRecorder(start, driver.TimingPath(root))
	atexit.Register(timing.Close)
	if err := timing.Err(); err != nil {
		logger.Warn("Timing output disabled.", "error", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vhdl-run: %v\n", err)
		atexit.Exit(driver.ExitConfigError)
	}

	eng, err := engine.NewExec(cfg.Engine, root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vhdl-run: %v\n", err)
		atexit.Exit(driver.ExitConfigError)
	}

	d := driver.New(eng, cfg, root)
	d.Timing = timing

	code, err := d.Run(ctx, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "vhdl-run: %v\n", err)
	}
	atexit.Exit(code)
}

// resolveRoot returns the project root: VHDL_RUN_ROOT, resolved against the
// directory of this binary when relative, or that directory itself. The
// working directory is never consulted.
func resolveRoot() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating executable: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("locating executable: %w", err)
	}
	dir := filepath.Dir(exe)

	if root := os.Getenv("VHDL_RUN_ROOT"); root != "" {
		return config.ResolvePath(dir, root), nil
	}
	return dir, nil
}
