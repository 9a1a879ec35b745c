package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunAllOrder(t *testing.T) {
	var ran []string
	stages := []Stage{
		{Name: "one", Run: func(ctx context.Context) error { ran = append(ran, "one"); return nil }},
		{Name: "two", Run: func(ctx context.Context) error { ran = append(ran, "two"); return nil }},
		{Name: "three", Run: func(ctx context.Context) error { ran = append(ran, "three"); return nil }},
	}

	o := NewOrchestrator(stages, filepath.Join(t.TempDir(), "lock"), testLogger())
	require.NoError(t, o.RunAll(context.Background()))
	require.Equal(t, []string{"one", "two", "three"}, ran)
}

func TestRunAllFailFast(t *testing.T) {
	boom := errors.New("tool exploded")
	var ran []string
	stages := []Stage{
		{Name: "one", Run: func(ctx context.Context) error { ran = append(ran, "one"); return nil }},
		{Name: "two", Run: func(ctx context.Context) error { return boom }},
		{Name: "three", Run: func(ctx context.Context) error { ran = append(ran, "three"); return nil }},
	}

	o := NewOrchestrator(stages, filepath.Join(t.TempDir(), "lock"), testLogger())
	err := o.RunAll(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "stage two")
	require.Equal(t, []string{"one"}, ran, "no stage after a failure may run")
}

func TestCheckRunsBeforeRun(t *testing.T) {
	checkErr := errors.New("precondition missing")
	ran := false
	stages := []Stage{{
		Name:  "guarded",
		Check: func(ctx context.Context) error { return checkErr },
		Run:   func(ctx context.Context) error { ran = true; return nil },
	}}

	o := NewOrchestrator(stages, filepath.Join(t.TempDir(), "lock"), testLogger())
	err := o.RunStage(context.Background(), "guarded")
	require.ErrorIs(t, err, checkErr)
	require.False(t, ran, "run must not execute when the check fails")
}

func TestRunStageUnknown(t *testing.T) {
	o := NewOrchestrator([]Stage{{Name: "init"}}, filepath.Join(t.TempDir(), "lock"), testLogger())

	err := o.RunStage(context.Background(), "bogus")
	require.Error(t, err)
	require.ErrorContains(t, err, "unknown stage")
	require.ErrorContains(t, err, "init")
}

func TestLockContention(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")

	held := flock.New(lockPath)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	stages := []Stage{{Name: "one", Run: func(ctx context.Context) error { return nil }}}
	o := NewOrchestrator(stages, lockPath, testLogger())

	err = o.RunAll(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "lock")
}

func TestLockReleasedAfterRun(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")
	stages := []Stage{{Name: "one", Run: func(ctx context.Context) error { return nil }}}

	o := NewOrchestrator(stages, lockPath, testLogger())
	require.NoError(t, o.RunAll(context.Background()))
	require.NoError(t, o.RunAll(context.Background()), "lock must be released between invocations")
}

func TestStageNames(t *testing.T) {
	o := NewOrchestrator([]Stage{{Name: "a"}, {Name: "b"}}, filepath.Join(t.TempDir(), "lock"), testLogger())
	require.Equal(t, []string{"a", "b"}, o.StageNames())
}
