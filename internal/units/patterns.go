package units

import (
	"regexp"
	"strings"
)

var (
	// Pattern: entity <name> is
	entityPattern = regexp.MustCompile(`(?i)^\s*entity\s+(\w+)\s+is\b`)

	// Pattern: architecture <name> of <entity> is
	archPattern = regexp.MustCompile(`(?i)^\s*architecture\s+(\w+)\s+of\s+(\w+)\s+is\b`)

	// Pattern: package <name> is (but not "package <name> is new")
	packagePattern = regexp.MustCompile(`(?i)^\s*package\s+(\w+)\s+is\b`)

	// Pattern: package body <name> is
	packageBodyPattern = regexp.MustCompile(`(?i)^\s*package\s+body\s+(\w+)\s+is\b`)

	// Pattern: context <name> is
	contextDeclPattern = regexp.MustCompile(`(?i)^\s*context\s+(\w+)\s+is\b`)

	// Pattern: configuration <name> of <entity> is
	configurationPattern = regexp.MustCompile(`(?i)^\s*configuration\s+(\w+)\s+of\s+(\w+)\s+is\b`)

	// Pattern: library <name>[, <name>];
	libraryPattern = regexp.MustCompile(`(?i)^\s*library\s+([\w\s,]+);`)

	// Pattern: use <library>.<package>.all;
	usePattern = regexp.MustCompile(`(?i)^\s*use\s+([\w.\s,]+);`)

	// Pattern: context <library>.<context>;
	contextRefPattern = regexp.MustCompile(`(?i)^\s*context\s+([\w.\s,]+);`)
)

func matchEntity(line string) []string {
	if m := entityPattern.FindStringSubmatch(line); m != nil {
		return []string{m[1]}
	}
	return nil
}

func matchArchitecture(line string) []string {
	if m := archPattern.FindStringSubmatch(line); m != nil {
		return []string{m[1], m[2]}
	}
	return nil
}

func matchPackage(line string) []string {
	if packageBodyPattern.MatchString(line) {
		return nil
	}
	lower := strings.ToLower(line)
	if m := packagePattern.FindStringSubmatch(line); m != nil {
		// Generic package instantiation, not a declaration
		if strings.Contains(lower, " is new ") {
			return nil
		}
		return []string{m[1]}
	}
	return nil
}

func matchPackageBody(line string) []string {
	if m := packageBodyPattern.FindStringSubmatch(line); m != nil {
		return []string{m[1]}
	}
	return nil
}

func matchContextDecl(line string) []string {
	if m := contextDeclPattern.FindStringSubmatch(line); m != nil {
		return []string{m[1]}
	}
	return nil
}

func matchConfiguration(line string) []string {
	if m := configurationPattern.FindStringSubmatch(line); m != nil {
		return []string{m[1], m[2]}
	}
	return nil
}

// matchLibraryClause returns every name of a library clause.
func matchLibraryClause(line string) []string {
	if m := libraryPattern.FindStringSubmatch(line); m != nil {
		return splitNames(m[1])
	}
	return nil
}

// matchUseClause returns every selected name of a use clause.
func matchUseClause(line string) []string {
	if m := usePattern.FindStringSubmatch(line); m != nil {
		return splitNames(m[1])
	}
	return nil
}

// matchContextReference returns every selected name of a context reference.
func matchContextReference(line string) []string {
	if contextDeclPattern.MatchString(line) {
		return nil
	}
	if m := contextRefPattern.FindStringSubmatch(line); m != nil {
		return splitNames(m[1])
	}
	return nil
}

func splitNames(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if n := strings.ToLower(strings.TrimSpace(part)); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// stripComment drops a trailing "--" comment.
func stripComment(line string) string {
	if i := strings.Index(line, "--"); i >= 0 {
		return line[:i]
	}
	return line
}
