package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snpguard/vm-builder/interfaces"
)

func TestRunnerCapturesOutput(t *testing.T) {
	r := NewRunner(testLogger())

	out, err := r.Run(context.Background(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	require.Equal(t, "hello\n", out)
}

func TestRunnerToolFailure(t *testing.T) {
	r := NewRunner(testLogger())

	out, err := r.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	require.Error(t, err)
	require.Contains(t, out, "oops")

	var failure *interfaces.ToolFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 3, failure.ExitCode)
	require.Equal(t, []string{"sh", "-c", "echo oops >&2; exit 3"}, failure.Command)
	require.Contains(t, failure.Output, "oops")
}

func TestRunnerContextCancellation(t *testing.T) {
	r := NewRunner(testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, "sleep", "10")
	require.Error(t, err)
}
