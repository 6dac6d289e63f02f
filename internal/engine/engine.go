// Package engine is the handle to the external test runner. The driver hands
// it a validated manifest exactly once and reports whatever status it
// returns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/robert-at-pretension-io/vhdl-run/internal/config"
	"github.com/robert-at-pretension-io/vhdl-run/internal/manifest"
	"github.com/robert-at-pretension-io/vhdl-run/internal/project"
)

// ManifestEnv names the environment variable that carries the manifest path
// to the engine process.
const ManifestEnv = "VHDL_RUN_MANIFEST"

// Engine runs a configured project.
type Engine interface {
	project.Catalog

	// Main runs the engine once with args and returns its exit status.
	// A non-nil error means the engine could not be run at all.
	Main(ctx context.Context, m *manifest.Manifest, args []string) (int, error)
}

// Exec runs the engine as a subprocess.
type Exec struct {
	// Command is the executable followed by leading arguments.
	Command []string
	// Dir is the working directory of the process.
	Dir string
	// OutputDir receives manifest.json.
	OutputDir string
	// Libraries is the catalog of external libraries the engine supplies.
	Libraries map[string]string

	Stdout io.Writer
	Stderr io.Writer
}

// NewExec builds an Exec from configuration. VHDL_RUN_ENGINE, split on
// whitespace, overrides engine.command.
func NewExec(cfg *config.EngineConfig, root string) (*Exec, error) {
	command := cfg.Command
	if env := os.Getenv("VHDL_RUN_ENGINE"); env != "" {
		command = strings.Fields(env)
	}
	if len(command) == 0 {
		return nil, &project.ConfigurationError{
			Name:   "engine",
			Reason: "no engine command: set engine.command in vhdl_run.json or VHDL_RUN_ENGINE",
		}
	}

	libs := make(map[string]string, len(cfg.Libraries))
	for name, path := range cfg.Libraries {
		libs[strings.ToLower(name)] = config.ResolvePath(root, path)
	}

	return &Exec{
		Command:   command,
		Dir:       root,
		OutputDir: config.ResolvePath(root, cfg.OutputDir),
		Libraries: libs,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}, nil
}

// Lookup implements project.Catalog.
func (e *Exec) Lookup(name string) (string, bool) {
	path, ok := e.Libraries[strings.ToLower(name)]
	return path, ok
}

// ManifestPath is where Main writes the manifest.
func (e *Exec) ManifestPath() string {
	return filepath.Join(e.OutputDir, "manifest.json")
}

// Main writes the manifest, runs the engine command with args appended and
// returns the process exit status.
func (e *Exec) Main(ctx context.Context, m *manifest.Manifest, args []string) (int, error) {
	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return -1, fmt.Errorf("engine output dir: %w", err)
	}
	manifestPath := e.ManifestPath()
	if err := m.WriteFile(manifestPath); err != nil {
		return -1, err
	}

	argv := append(append([]string(nil), e.Command[1:]...), args...)
	cmd := exec.CommandContext(ctx, e.Command[0], argv...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), ManifestEnv+"="+manifestPath)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("run engine %s: %w", e.Command[0], err)
	}
	return 0, nil
}
