package project

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports a registration the project or the engine cannot
// accept: an unknown external library, an invalid or duplicate name, an
// unresolved dependency, a malformed pattern.
type ConfigurationError struct {
	Name   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Name == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Name, e.Reason)
}

// DuplicateLibraryError is returned by CreateLibrary when the name is taken.
// It unwraps to a *ConfigurationError.
type DuplicateLibraryError struct {
	Name string
}

func (e *DuplicateLibraryError) Error() string {
	return fmt.Sprintf("library %s already exists in project", e.Name)
}

func (e *DuplicateLibraryError) Unwrap() error {
	return &ConfigurationError{Name: e.Name, Reason: "duplicate library"}
}

// FileSystemError reports a base directory that does not exist. An existing
// directory with no matching files is not an error.
type FileSystemError struct {
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("filesystem error: %s: %v", e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsFileSystemError reports whether err is, or wraps, a FileSystemError.
func IsFileSystemError(err error) bool {
	var fsErr *FileSystemError
	return errors.As(err, &fsErr)
}

func configErrorf(name, format string, args ...interface{}) error {
	return errors.WithStack(&ConfigurationError{Name: name, Reason: fmt.Sprintf(format, args...)})
}
