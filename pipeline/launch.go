package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/snpguard/vm-builder/interfaces"
	"github.com/snpguard/vm-builder/launcher"
	"github.com/snpguard/vm-builder/measurement"
)

// LaunchOverrides carry per-invocation launch settings on top of the build
// configuration.
type LaunchOverrides struct {
	DataDisk string
	Self     string
	Peer     string
}

// Start boots the guest in the given mode with the caller's terminal
// attached.
func (b *Builder) Start(ctx context.Context, mode interfaces.RunMode, o *LaunchOverrides) error {
	opts, err := b.launchOptions(mode, o)
	if err != nil {
		return err
	}

	inv, err := launcher.Translate(opts)
	if err != nil {
		return err
	}

	b.log.Info("Launching guest",
		slog.String("mode", mode.String()),
		slog.String("script", inv.Path))

	return b.runner.RunInteractive(ctx, &Invocation{
		Path:   inv.Path,
		Args:   inv.Args,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
}

func (b *Builder) launchOptions(mode interfaces.RunMode, o *LaunchOverrides) (*launcher.Options, error) {
	def := b.cfg.VMDefinition()

	opts := &launcher.Options{
		Mode:         mode,
		Debug:        b.cfg.Debug,
		EnableKVM:    b.cfg.EnableKVM,
		EnableTPM:    b.cfg.EnableTPM,
		EnableGPU:    b.cfg.EnableGPU,
		VCPUCount:    def.VCPUCount,
		MemoryMB:     def.MemoryMB,
		VMPort:       b.cfg.VMPort,
		ServicePort:  b.cfg.ServicePort,
		MonitorPort:  b.cfg.MonitorPort,
		LaunchScript: b.cfg.LaunchScript,
		LogPath:      b.cfg.LaunchLogPath(),
	}
	if o != nil {
		opts.DataDisk = o.DataDisk
		opts.Network = launcher.Network{Self: o.Self, Peer: o.Peer}
	}

	switch mode {
	case interfaces.BuildMode:
		opts.BaseImage = b.cfg.BaseImagePath()
		opts.CloudConfig = b.cfg.CloudConfigPath()

		// A prior build may have published a record; when it exists the
		// launch shape follows it, otherwise post-boot automation is
		// suppressed.
		record, err := measurement.Load(b.cfg.MeasurementInputsPath())
		if err == nil {
			opts.Measurement = record
		} else {
			var incomplete *interfaces.IncompleteArtifact
			if !errors.As(err, &incomplete) {
				return nil, err
			}
		}
	case interfaces.ReleaseMode:
		opts.VerityImage = b.cfg.VerityImagePath()
		opts.HashTree = b.cfg.VerityHashTreePath()
		opts.VMConfigPath = b.cfg.VMConfigPath()

		// The measured record pins the launch shape; it must exist by the
		// time a release guest boots.
		record, err := measurement.Load(b.cfg.MeasurementInputsPath())
		if err != nil {
			return nil, err
		}
		opts.Measurement = record
	}

	return opts, nil
}

// SSH opens a debug shell into a running build-mode guest.
func (b *Builder) SSH(ctx context.Context) error {
	inv, err := launcher.SSHInvocation(&launcher.SSHOptions{
		Host:           b.cfg.VMHost,
		Port:           b.cfg.VMPort,
		User:           b.cfg.VMUser,
		KnownHostsPath: b.cfg.SSHKnownHostsPath(),
	})
	if err != nil {
		return err
	}

	return b.runner.RunInteractive(ctx, &Invocation{
		Path:   inv.Path,
		Args:   inv.Args,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
}
