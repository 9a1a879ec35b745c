// Package pipeline orders the build stages and runs them fail-fast under a
// single-instance lock. A stage failure surfaces immediately with the
// stage's own error; nothing is retried and no later stage runs.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/snpguard/vm-builder/metrics"
)

// Stage is one named step of the pipeline.
type Stage struct {
	Name string

	// Check validates preconditions without side effects. Optional.
	Check func(ctx context.Context) error

	// Run performs the stage work.
	Run func(ctx context.Context) error
}

// Orchestrator runs stages in order under the build lock.
type Orchestrator struct {
	stages   []Stage
	lockPath string
	log      *slog.Logger
}

// NewOrchestrator creates an orchestrator over the given stages.
func NewOrchestrator(stages []Stage, lockPath string, log *slog.Logger) *Orchestrator {
	return &Orchestrator{stages: stages, lockPath: lockPath, log: log}
}

// Stage returns the named stage, or an error listing what exists.
func (o *Orchestrator) Stage(name string) (*Stage, error) {
	for i := range o.stages {
		if o.stages[i].Name == name {
			return &o.stages[i], nil
		}
	}
	return nil, fmt.Errorf("unknown stage %q, have %v", name, o.StageNames())
}

// StageNames lists the configured stage names in run order.
func (o *Orchestrator) StageNames() []string {
	names := make([]string, len(o.stages))
	for i, s := range o.stages {
		names[i] = s.Name
	}
	return names
}

// RunStage runs a single named stage under the build lock.
func (o *Orchestrator) RunStage(ctx context.Context, name string) error {
	stage, err := o.Stage(name)
	if err != nil {
		return err
	}
	return o.withLock(func() error {
		return o.runOne(ctx, stage)
	})
}

// RunAll runs every stage in order, stopping at the first failure.
func (o *Orchestrator) RunAll(ctx context.Context) error {
	return o.withLock(func() error {
		for i := range o.stages {
			if err := o.runOne(ctx, &o.stages[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// withLock takes the single-instance build lock without waiting. Two
// concurrent invocations against the same build directory would race on
// write-once artifacts, so contention is an immediate error.
func (o *Orchestrator) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(o.lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	lock := flock.New(o.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire build lock %s: %w", o.lockPath, err)
	}
	if !locked {
		return fmt.Errorf("build lock %s is held by another invocation", o.lockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			o.log.Error("Failed to release build lock", "err", err)
		}
	}()

	return fn()
}

func (o *Orchestrator) runOne(ctx context.Context, stage *Stage) error {
	o.log.Info("Running stage", slog.String("stage", stage.Name))
	start := time.Now()

	err := o.execute(ctx, stage)
	metrics.RecordStage(stage.Name, time.Since(start), err)

	if err != nil {
		o.log.Error("Stage failed",
			slog.String("stage", stage.Name),
			slog.Duration("duration", time.Since(start)),
			"err", err)
		return fmt.Errorf("stage %s: %w", stage.Name, err)
	}

	o.log.Info("Stage complete",
		slog.String("stage", stage.Name),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, stage *Stage) error {
	if stage.Check != nil {
		if err := stage.Check(ctx); err != nil {
			return err
		}
	}
	return stage.Run(ctx)
}
