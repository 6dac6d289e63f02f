// Package project is the in-memory model of one test run: named HDL
// libraries, the source files discovered for each of them, and the
// pre-built external libraries they reference by name.
//
// The model only organises inputs. Compile ordering, elaboration and
// simulation belong to the engine the project is handed to.
package project

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Catalog answers which pre-built libraries the engine can supply.
type Catalog interface {
	// Lookup returns the engine-side location of the named library. The
	// location may be empty when the engine resolves it itself.
	Lookup(name string) (string, bool)
}

// ExternalLibrary is a pre-built library referenced by name, never owned.
type ExternalLibrary struct {
	Name string
	Path string
}

// Project owns every Library declared for one invocation.
type Project struct {
	root      string
	catalog   Catalog
	externals []ExternalLibrary
	libraries []*Library
	byName    map[string]*Library
	frozen    bool
}

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// New creates an empty project rooted at root. Relative base directories
// given to AddSourceFiles resolve against root.
func New(root string, catalog Catalog) (*Project, error) {
	if catalog == nil {
		return nil, errors.New("project: nil catalog")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving root %s", root)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.WithStack(&FileSystemError{Path: abs, Err: err})
	}
	if !info.IsDir() {
		return nil, errors.WithStack(&FileSystemError{Path: abs, Err: errors.New("not a directory")})
	}
	return &Project{
		root:    canonicalPath(abs),
		catalog: catalog,
		byName:  make(map[string]*Library),
	}, nil
}

// Root returns the canonical project root.
func (p *Project) Root() string { return p.root }

// normalizeName lower-cases a VHDL library name and checks it is a basic
// identifier.
func normalizeName(name string) (string, error) {
	n := lookupName(name)
	if !identifierPattern.MatchString(n) {
		return "", configErrorf(name, "not a valid library name")
	}
	return n, nil
}

// lookupName is the form names are stored and looked up in.
func lookupName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// AddExternalDependency registers a pre-built library the engine supplies so
// that libraries may depend on it. Registering the same name twice is a no-op.
func (p *Project) AddExternalDependency(name string) error {
	if err := p.checkMutable(); err != nil {
		return err
	}
	n, err := normalizeName(name)
	if err != nil {
		return err
	}
	if _, ok := p.External(n); ok {
		return nil
	}
	if _, ok := p.byName[n]; ok {
		return configErrorf(n, "already declared as a project library")
	}
	path, ok := p.catalog.Lookup(n)
	if !ok {
		return configErrorf(n, "external library unknown to the engine")
	}
	p.externals = append(p.externals, ExternalLibrary{Name: n, Path: path})
	return nil
}

// External returns the registered external library with the given name.
func (p *Project) External(name string) (ExternalLibrary, bool) {
	n := lookupName(name)
	for _, ext := range p.externals {
		if ext.Name == n {
			return ext, true
		}
	}
	return ExternalLibrary{}, false
}

// ExternalLibraries returns the external libraries in registration order.
func (p *Project) ExternalLibraries() []ExternalLibrary {
	return append([]ExternalLibrary(nil), p.externals...)
}

// CreateLibrary declares a new library. The name must not already be used by
// a library or an external library.
func (p *Project) CreateLibrary(name string) (*Library, error) {
	if err := p.checkMutable(); err != nil {
		return nil, err
	}
	n, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	if _, ok := p.byName[n]; ok {
		return nil, errors.WithStack(&DuplicateLibraryError{Name: n})
	}
	if _, ok := p.External(n); ok {
		return nil, errors.WithStack(&DuplicateLibraryError{Name: n})
	}
	lib := &Library{
		name:    n,
		project: p,
		files:   make(map[string]bool),
	}
	p.libraries = append(p.libraries, lib)
	p.byName[n] = lib
	return lib, nil
}

// Library returns the declared library with the given name.
func (p *Project) Library(name string) (*Library, bool) {
	lib, ok := p.byName[lookupName(name)]
	return lib, ok
}

// Libraries returns the declared libraries in creation order.
func (p *Project) Libraries() []*Library {
	return append([]*Library(nil), p.libraries...)
}

// Freeze marks the project as handed off. Every later mutation fails.
func (p *Project) Freeze() { p.frozen = true }

// Frozen reports whether Freeze was called.
func (p *Project) Frozen() bool { return p.frozen }

func (p *Project) checkMutable() error {
	if p.frozen {
		return configErrorf("", "project is frozen after handoff to the engine")
	}
	return nil
}

func (p *Project) resolveBaseDir(baseDir string) string {
	if baseDir == "" {
		return p.root
	}
	if filepath.IsAbs(baseDir) {
		return filepath.Clean(baseDir)
	}
	return filepath.Join(p.root, baseDir)
}

// SourceFileSet is the expansion of one pattern at registration time.
type SourceFileSet struct {
	BaseDir string
	Pattern string
	// Paths are canonical absolute paths, sorted.
	Paths []string
}

// Empty reports whether the pattern matched no files.
func (s *SourceFileSet) Empty() bool { return len(s.Paths) == 0 }

// Library is a named set of source files plus the libraries it depends on.
type Library struct {
	name    string
	project *Project
	files   map[string]bool
	sets    []*SourceFileSet
	deps    []string
}

// Name returns the lower-case library name.
func (l *Library) Name() string { return l.name }

// AddSourceFiles expands pattern rooted at baseDir and adds every match to
// the library, deduplicated by canonical path. A pattern that matches nothing
// is recorded and reported by EmptyPatterns, not rejected.
func (l *Library) AddSourceFiles(pattern, baseDir string) (*SourceFileSet, error) {
	if err := l.project.checkMutable(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(pattern) == "" {
		return nil, configErrorf(l.name, "empty source pattern")
	}
	dir := l.project.resolveBaseDir(baseDir)
	paths, err := expandPattern(pattern, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "library %s: adding %s", l.name, pattern)
	}
	set := &SourceFileSet{BaseDir: dir, Pattern: pattern, Paths: paths}
	for _, f := range paths {
		l.files[f] = true
	}
	l.sets = append(l.sets, set)
	return set, nil
}

// ExcludeSourceFiles removes every file matched by pattern from the library
// and returns how many were removed.
func (l *Library) ExcludeSourceFiles(pattern, baseDir string) (int, error) {
	if err := l.project.checkMutable(); err != nil {
		return 0, err
	}
	paths, err := expandPattern(pattern, l.project.resolveBaseDir(baseDir))
	if err != nil {
		return 0, errors.Wrapf(err, "library %s: excluding %s", l.name, pattern)
	}
	removed := 0
	for _, f := range paths {
		if l.files[f] {
			delete(l.files, f)
			removed++
		}
	}
	return removed, nil
}

// AddDependency records that the library depends on name, which must be a
// library of the project or a registered external library.
func (l *Library) AddDependency(name string) error {
	if err := l.project.checkMutable(); err != nil {
		return err
	}
	n, err := normalizeName(name)
	if err != nil {
		return err
	}
	if n == l.name {
		return configErrorf(n, "library cannot depend on itself")
	}
	_, isLib := l.project.byName[n]
	_, isExt := l.project.External(n)
	if !isLib && !isExt {
		return configErrorf(n, "dependency of library %s is not known to the project", l.name)
	}
	for _, d := range l.deps {
		if d == n {
			return nil
		}
	}
	l.deps = append(l.deps, n)
	return nil
}

// Dependencies returns the dependency names in the order they were added.
func (l *Library) Dependencies() []string {
	return append([]string(nil), l.deps...)
}

// Files returns the library's canonical source paths, sorted.
func (l *Library) Files() []string {
	files := make([]string, 0, len(l.files))
	for f := range l.files {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// SourceSets returns every registered expansion in registration order.
func (l *Library) SourceSets() []*SourceFileSet {
	return append([]*SourceFileSet(nil), l.sets...)
}

// EmptyPatterns returns the registrations that matched no files.
func (l *Library) EmptyPatterns() []*SourceFileSet {
	var empty []*SourceFileSet
	for _, s := range l.sets {
		if s.Empty() {
			empty = append(empty, s)
		}
	}
	return empty
}
