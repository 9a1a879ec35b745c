package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/snpguard/vm-builder/interfaces"
)

// Invocation is a resolved command plus the stdio it runs with.
type Invocation struct {
	Path string
	Args []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// CommandRunner abstracts external tool execution so stages can be
// exercised without spawning real processes.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	RunInteractive(ctx context.Context, inv *Invocation) error
}

// Runner executes external build tools. Every non-zero exit becomes a
// ToolFailure carrying the exact argv and exit code; there is no retry.
type Runner struct {
	log *slog.Logger

	// Dir is the working directory for spawned commands, empty for inherit.
	Dir string
}

// NewRunner creates a tool runner.
func NewRunner(log *slog.Logger) *Runner {
	return &Runner{log: log}
}

// Run executes the command and returns its combined output.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	r.log.Debug("Running tool", slog.String("cmd", name), slog.String("args", strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return output, &interfaces.ToolFailure{
			Command:  append([]string{name}, args...),
			ExitCode: exitCode,
			Output:   output,
			Err:      err,
		}
	}
	return output, nil
}

// RunInteractive executes the command with the caller's stdio attached,
// used for launch scripts and debug shells where the operator owns the
// terminal.
func (r *Runner) RunInteractive(ctx context.Context, inv *Invocation) error {
	r.log.Info("Running interactive command", slog.String("cmd", inv.Path), slog.String("args", strings.Join(inv.Args, " ")))

	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	cmd.Dir = r.Dir
	cmd.Stdin = inv.Stdin
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &interfaces.ToolFailure{
			Command:  append([]string{inv.Path}, inv.Args...),
			ExitCode: exitCode,
			Err:      err,
		}
	}
	return nil
}
