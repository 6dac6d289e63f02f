// Package manifest is the JSON snapshot of a configured project that the
// engine receives. It carries everything the engine needs to compile and run
// the libraries: the external libraries to map, the library list with
// dependencies, and every source file with the design units it declares.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/robert-at-pretension-io/vhdl-run/internal/project"
	"github.com/robert-at-pretension-io/vhdl-run/internal/units"
)

// Manifest is the engine input for one run.
type Manifest struct {
	Root              string            `json:"root"`
	Standard          string            `json:"standard"`
	OutputDir         string            `json:"output_dir,omitempty"`
	ExternalLibraries []ExternalLibrary `json:"external_libraries"`
	Libraries         []Library         `json:"libraries"`
}

// ExternalLibrary is a pre-built library the engine maps by name.
type ExternalLibrary struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// Library is one declared library.
type Library struct {
	Name         string       `json:"name"`
	Dependencies []string     `json:"dependencies"`
	Patterns     []Pattern    `json:"patterns"`
	Files        []SourceFile `json:"files"`
}

// Pattern records one source registration and how many files it matched.
type Pattern struct {
	Pattern string `json:"pattern"`
	BaseDir string `json:"base_dir"`
	Matches int    `json:"matches"`
}

// SourceFile is a registered file and what the scan found in it.
type SourceFile struct {
	Path           string       `json:"path"`
	Units          []units.Unit `json:"units"`
	LibraryClauses []string     `json:"library_clauses"`
	UseClauses     []string     `json:"use_clauses"`
}

// Options control Build.
type Options struct {
	Standard  string
	OutputDir string
	// Scan reads the design units of a file. Defaults to units.ScanFile.
	Scan func(path string) (units.FileUnits, error)
}

// Build snapshots p. Every slice in the result is non-nil so the JSON form
// never carries null lists.
func Build(p *project.Project, opts Options) (*Manifest, error) {
	scan := opts.Scan
	if scan == nil {
		scan = units.ScanFile
	}

	m := &Manifest{
		Root:              p.Root(),
		Standard:          opts.Standard,
		OutputDir:         opts.OutputDir,
		ExternalLibraries: []ExternalLibrary{},
		Libraries:         []Library{},
	}
	for _, ext := range p.ExternalLibraries() {
		m.ExternalLibraries = append(m.ExternalLibraries, ExternalLibrary{Name: ext.Name, Path: ext.Path})
	}

	for _, lib := range p.Libraries() {
		ml := Library{
			Name:         lib.Name(),
			Dependencies: nonNil(lib.Dependencies()),
			Patterns:     []Pattern{},
			Files:        []SourceFile{},
		}
		for _, set := range lib.SourceSets() {
			ml.Patterns = append(ml.Patterns, Pattern{
				Pattern: set.Pattern,
				BaseDir: set.BaseDir,
				Matches: len(set.Paths),
			})
		}
		for _, path := range lib.Files() {
			fu, err := scan(path)
			if err != nil {
				return nil, fmt.Errorf("library %s: %w", lib.Name(), err)
			}
			declared := fu.Units
			if declared == nil {
				declared = []units.Unit{}
			}
			ml.Files = append(ml.Files, SourceFile{
				Path:           path,
				Units:          declared,
				LibraryClauses: nonNil(fu.Libraries),
				UseClauses:     nonNil(fu.Uses),
			})
		}
		m.Libraries = append(m.Libraries, ml)
	}
	return m, nil
}

// Library returns the named library of the manifest.
func (m *Manifest) Library(name string) (Library, bool) {
	for _, l := range m.Libraries {
		if l.Name == name {
			return l, true
		}
	}
	return Library{}, false
}

// FileCount returns the number of source files across all libraries.
func (m *Manifest) FileCount() int {
	n := 0
	for _, l := range m.Libraries {
		n += len(l.Files)
	}
	return n
}

// WriteFile writes the manifest as indented JSON.
func (m *Manifest) WriteFile(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// ReadFile loads a manifest written by WriteFile.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
