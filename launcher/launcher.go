// Package launcher translates launch options into the argument vector of
// the host launch script. Translation is pure: no process is spawned here,
// so every flag combination can be tested as data.
package launcher

import (
	"fmt"
	"strconv"

	"github.com/snpguard/vm-builder/interfaces"
)

// Network identifies this host and its peer for the inter-node overlay.
type Network struct {
	Self string
	Peer string
}

// Options is everything a launch invocation depends on.
type Options struct {
	Mode  interfaces.RunMode
	Debug bool

	EnableKVM bool
	EnableTPM bool
	EnableGPU bool

	VCPUCount int
	MemoryMB  int

	VMPort      int
	ServicePort int
	MonitorPort int

	Network Network

	LaunchScript string
	LogPath      string

	// Build-mode artifacts.
	BaseImage   string
	CloudConfig string

	// Release-mode artifacts.
	VerityImage  string
	HashTree     string
	VMConfigPath string

	// Measurement pins the launch shape to the measured record when set.
	// When nil the script is told to skip attestation-sensitive defaults.
	Measurement *interfaces.MeasurementInputs

	// DataDisk optionally attaches a scratch disk after the measured disks.
	DataDisk string
}

// Invocation is a fully resolved command ready for execution.
type Invocation struct {
	Path string
	Args []string
}

// Argv returns the full argument vector including the command path.
func (i *Invocation) Argv() []string {
	return append([]string{i.Path}, i.Args...)
}

// Translate resolves options into a launch invocation.
//
// The vCPU count always follows the measured record when one is present:
// launching with a different -smp than was measured produces a guest whose
// attestation can never verify.
func Translate(o *Options) (*Invocation, error) {
	if o.LaunchScript == "" {
		return nil, &interfaces.ConfigError{Field: "launch_script", Reason: "must not be empty"}
	}

	vcpus := o.VCPUCount
	if o.Measurement != nil {
		vcpus = o.Measurement.VCPUCount
	}
	if vcpus <= 0 {
		return nil, &interfaces.ConfigError{Field: "vcpu_count", Reason: "must be a positive integer"}
	}

	args := []string{
		"-smp", strconv.Itoa(vcpus),
		"-mem", strconv.Itoa(o.MemoryMB),
	}

	switch o.Mode {
	case interfaces.BuildMode:
		if o.BaseImage == "" {
			return nil, &interfaces.ConfigError{Field: "base_image", Reason: "must not be empty in build mode"}
		}
		args = append(args, "-hda", o.BaseImage)
		if o.CloudConfig != "" {
			args = append(args, "-hdb", o.CloudConfig)
		}
	case interfaces.ReleaseMode:
		if o.VerityImage == "" || o.HashTree == "" {
			return nil, &interfaces.ConfigError{Field: "verity_image", Reason: "release mode requires the verity image pair"}
		}
		if o.VMConfigPath == "" {
			return nil, &interfaces.ConfigError{Field: "vm_config", Reason: "release mode requires the measured config"}
		}
		args = append(args,
			"-sev-snp",
			"-load-config", o.VMConfigPath,
			"-hda", o.VerityImage,
			"-hdb", o.HashTree,
		)
	default:
		return nil, &interfaces.ConfigError{Field: "mode", Reason: fmt.Sprintf("unsupported run mode %q", o.Mode)}
	}

	if o.DataDisk != "" {
		args = append(args, "-hdd", o.DataDisk)
	}

	if o.EnableKVM {
		args = append(args, "-enable-kvm")
	}
	if o.EnableTPM {
		args = append(args, "-enable-tpm")
	}
	if o.EnableGPU {
		args = append(args, "-enable-gpu")
	}
	if o.Debug {
		args = append(args, "-debug")
	}
	if o.Measurement == nil {
		args = append(args, "-noauto")
	}

	if o.VMPort != 0 {
		args = append(args, "-ssh-port", strconv.Itoa(o.VMPort))
	}
	if o.ServicePort != 0 {
		args = append(args, "-service-port", strconv.Itoa(o.ServicePort))
	}
	if o.MonitorPort != 0 {
		args = append(args, "-monitor-port", strconv.Itoa(o.MonitorPort))
	}

	if o.Network.Self != "" {
		args = append(args, "-self", o.Network.Self)
	}
	if o.Network.Peer != "" {
		args = append(args, "-peer", o.Network.Peer)
	}

	if o.LogPath != "" {
		args = append(args, "-log", o.LogPath)
	}

	return &Invocation{Path: o.LaunchScript, Args: args}, nil
}

// SSHOptions describe a debug shell into a running build-mode guest.
type SSHOptions struct {
	Host           string
	Port           int
	User           string
	KnownHostsPath string
}

// SSHInvocation resolves a debug SSH session command. The per-build
// known-hosts file keeps host key churn between rebuilt guests from
// polluting the operator's global known hosts.
func SSHInvocation(o *SSHOptions) (*Invocation, error) {
	if o.Host == "" {
		return nil, &interfaces.ConfigError{Field: "vm_host", Reason: "must not be empty"}
	}
	if o.Port <= 0 {
		return nil, &interfaces.ConfigError{Field: "vm_port", Reason: "must be a positive integer"}
	}
	if o.User == "" {
		return nil, &interfaces.ConfigError{Field: "vm_user", Reason: "must not be empty"}
	}

	args := []string{
		"-p", strconv.Itoa(o.Port),
		"-o", "StrictHostKeyChecking=no",
	}
	if o.KnownHostsPath != "" {
		args = append(args, "-o", "UserKnownHostsFile="+o.KnownHostsPath)
	}
	args = append(args, fmt.Sprintf("%s@%s", o.User, o.Host))

	return &Invocation{Path: "ssh", Args: args}, nil
}
