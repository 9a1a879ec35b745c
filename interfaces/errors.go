package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSourceUnreadable is returned when the integrity layer cannot read its
// source image.
var ErrSourceUnreadable = errors.New("source image unreadable")

// ConfigError reports invalid or missing configuration input. It is never
// retried: the caller must fix the input and rerun.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ToolFailure reports an external command that exited non-zero. The exact
// command and exit code are preserved for operator diagnosis; the pipeline
// aborts.
type ToolFailure struct {
	Command  []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolFailure) Error() string {
	return fmt.Sprintf("external command failed: %s (exit code %d)", strings.Join(e.Command, " "), e.ExitCode)
}

func (e *ToolFailure) Unwrap() error {
	return e.Err
}

// IntegrityFailure reports a failed verity formatting or hashing step.
// Always fatal: a half-written hash tree must never be trusted.
type IntegrityFailure struct {
	Op  string
	Err error
}

func (e *IntegrityFailure) Error() string {
	return fmt.Sprintf("integrity protection failed during %s: %v", e.Op, e.Err)
}

func (e *IntegrityFailure) Unwrap() error {
	return e.Err
}

// IncompleteArtifact reports a file a later stage expected but did not find.
// Fatal for measurement and launch; the release packager downgrades it to a
// warning so an incomplete bundle stays inspectable.
type IncompleteArtifact struct {
	Path string
}

func (e *IncompleteArtifact) Error() string {
	return fmt.Sprintf("required artifact missing: %s", e.Path)
}
