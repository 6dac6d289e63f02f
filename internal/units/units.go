// Package units scans VHDL sources for the design units they declare and the
// libraries they reference. It is a line-based scan, not a parser: the
// engine still analyses the sources for compile ordering.
package units

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Unit kinds reported by Scan.
const (
	KindEntity        = "entity"
	KindArchitecture  = "architecture"
	KindPackage       = "package"
	KindPackageBody   = "package_body"
	KindContext       = "context"
	KindConfiguration = "configuration"
)

// Unit is one primary or secondary design unit.
type Unit struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	// Of is the entity an architecture or configuration belongs to.
	Of   string `json:"of,omitempty"`
	Line int    `json:"line"`
}

// FileUnits is everything the scan found in one file.
type FileUnits struct {
	Units []Unit `json:"units"`
	// Libraries are the names from library clauses, lower-case, unique, sorted.
	Libraries []string `json:"libraries"`
	// Uses are the selected names from use and context clauses, lower-case,
	// unique, sorted.
	Uses []string `json:"uses"`
}

// ReferencedLibraries returns every library prefix of the use clauses plus
// the library clause names, unique and sorted.
func (f FileUnits) ReferencedLibraries() []string {
	set := make(map[string]bool)
	for _, l := range f.Libraries {
		set[l] = true
	}
	for _, u := range f.Uses {
		if i := strings.Index(u, "."); i > 0 {
			set[u[:i]] = true
		}
	}
	return sortedKeys(set)
}

// ScanFile reads and scans a VHDL file.
func ScanFile(path string) (FileUnits, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return FileUnits{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return Scan(bytes.NewReader(content))
}

// Scan reads VHDL text from r.
func Scan(r io.Reader) (FileUnits, error) {
	var fu FileUnits
	libs := make(map[string]bool)
	uses := make(map[string]bool)

	// Lines are read without a length limit; generated sources can carry
	// very long literals.
	br := bufio.NewReader(r)
	lineNum := 0
	for {
		raw, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return fu, fmt.Errorf("scanning: %w", readErr)
		}
		if readErr == io.EOF && raw == "" {
			break
		}
		lineNum++
		line := stripComment(strings.TrimRight(raw, "\r\n"))
		if strings.TrimSpace(line) == "" {
			if readErr == io.EOF {
				break
			}
			continue
		}

		if m := matchEntity(line); m != nil {
			fu.Units = append(fu.Units, Unit{Kind: KindEntity, Name: lower(m[0]), Line: lineNum})
		}
		if m := matchArchitecture(line); m != nil {
			fu.Units = append(fu.Units, Unit{Kind: KindArchitecture, Name: lower(m[0]), Of: lower(m[1]), Line: lineNum})
		}
		if m := matchPackage(line); m != nil {
			fu.Units = append(fu.Units, Unit{Kind: KindPackage, Name: lower(m[0]), Line: lineNum})
		}
		if m := matchPackageBody(line); m != nil {
			fu.Units = append(fu.Units, Unit{Kind: KindPackageBody, Name: lower(m[0]), Line: lineNum})
		}
		if m := matchContextDecl(line); m != nil {
			fu.Units = append(fu.Units, Unit{Kind: KindContext, Name: lower(m[0]), Line: lineNum})
		}
		if m := matchConfiguration(line); m != nil {
			fu.Units = append(fu.Units, Unit{Kind: KindConfiguration, Name: lower(m[0]), Of: lower(m[1]), Line: lineNum})
		}

		for _, name := range matchLibraryClause(line) {
			libs[name] = true
		}
		for _, name := range matchUseClause(line) {
			uses[name] = true
		}
		for _, name := range matchContextReference(line) {
			uses[name] = true
		}
		if readErr == io.EOF {
			break
		}
	}

	fu.Libraries = sortedKeys(libs)
	fu.Uses = sortedKeys(uses)
	return fu, nil
}

func lower(s string) string {
	return strings.ToLower(s)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
