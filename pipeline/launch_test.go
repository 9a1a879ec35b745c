package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snpguard/vm-builder/buildconf"
	"github.com/snpguard/vm-builder/interfaces"
	"github.com/snpguard/vm-builder/measurement"
)

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	cfg, err := buildconf.Resolve(buildconf.Overrides{Root: t.TempDir()})
	require.NoError(t, err)
	return NewBuilder(cfg, testLogger())
}

func publishRecord(t *testing.T, b *Builder, vcpus int) {
	t.Helper()
	record := &interfaces.MeasurementInputs{
		Inputs:    []interfaces.MeasurementInput{{Label: "kernel_cmdline", Length: 1, Value: "x"}},
		VCPUCount: vcpus,
	}
	require.NoError(t, measurement.WriteRecord(record, b.cfg.MeasurementInputsPath()))
}

func TestLaunchOptionsBuildModeWithoutRecord(t *testing.T) {
	b := testBuilder(t)

	opts, err := b.launchOptions(interfaces.BuildMode, nil)
	require.NoError(t, err)
	require.Nil(t, opts.Measurement, "no record means automation must be suppressed")
	require.Equal(t, b.cfg.BaseImagePath(), opts.BaseImage)
}

func TestLaunchOptionsBuildModeWithRecord(t *testing.T) {
	b := testBuilder(t)
	publishRecord(t, b, 12)

	opts, err := b.launchOptions(interfaces.BuildMode, nil)
	require.NoError(t, err)
	require.NotNil(t, opts.Measurement)
	require.Equal(t, 12, opts.Measurement.VCPUCount)
}

func TestLaunchOptionsReleaseModeRequiresRecord(t *testing.T) {
	b := testBuilder(t)

	_, err := b.launchOptions(interfaces.ReleaseMode, nil)
	var incomplete *interfaces.IncompleteArtifact
	require.ErrorAs(t, err, &incomplete)
}

func TestLaunchOptionsReleaseModeTargetsVerityPair(t *testing.T) {
	b := testBuilder(t)
	publishRecord(t, b, 12)

	opts, err := b.launchOptions(interfaces.ReleaseMode, &LaunchOverrides{
		DataDisk: "/scratch/data.qcow2",
		Self:     "10.0.0.1",
		Peer:     "10.0.0.2",
	})
	require.NoError(t, err)
	require.Equal(t, b.cfg.VerityImagePath(), opts.VerityImage)
	require.Equal(t, b.cfg.VerityHashTreePath(), opts.HashTree)
	require.Equal(t, b.cfg.VMConfigPath(), opts.VMConfigPath)
	require.Equal(t, "/scratch/data.qcow2", opts.DataDisk)
	require.Equal(t, "10.0.0.1", opts.Network.Self)
	require.Equal(t, "10.0.0.2", opts.Network.Peer)
}
