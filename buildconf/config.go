// Package buildconf resolves the immutable per-invocation build
// configuration: every directory, artifact path, and VM parameter the later
// stages consume. Stages read the configuration, they never write it.
package buildconf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/snpguard/vm-builder/interfaces"
)

// Default VM parameters for the supported SNP platform. FamilyID and
// ImageID intentionally have no defaults beyond all-zero: supplying them is
// how an operator binds an image identity into the measurement.
const (
	DefaultHostCPUFamily = "Milan"
	DefaultVCPUCount     = 12
	DefaultMemoryMB      = 204800
	DefaultGuestFeatures = 0x1
	DefaultPlatformInfo  = 0x3
	DefaultGuestPolicy   = 0x30000
	DefaultCmdline       = "console=ttyS0 earlyprintk=serial root=/dev/sda"
)

// DefaultTCB is the minimum committed TCB for the supported platform
// generation.
var DefaultTCB = interfaces.TCBVersion{Bootloader: 4, TEE: 0, SNP: 22, Microcode: 213}

// DefaultSNPReleaseURL is the baseline SNP toolchain release fetched by the
// init stage.
const DefaultSNPReleaseURL = "https://github.com/SNPGuard/snp-guard/releases/download/v0.1.2/snp-release.tar.gz"

// Directories holds every directory path used by the build system, computed
// from a single root.
type Directories struct {
	Base      string
	Build     string
	Bin       string
	Content   string
	Guest     string
	Kernel    string
	Verity    string
	SNP       string
	Resources string
	Scripts   string
	Config    string
}

// DefaultDirectories computes the directory layout under root.
func DefaultDirectories(root string) Directories {
	build := filepath.Join(root, "build")
	return Directories{
		Base:      root,
		Build:     build,
		Bin:       filepath.Join(build, "bin"),
		Content:   filepath.Join(build, "content"),
		Guest:     filepath.Join(build, "guest"),
		Kernel:    filepath.Join(build, "kernel"),
		Verity:    filepath.Join(build, "verity"),
		SNP:       filepath.Join(build, "snp-release"),
		Resources: filepath.Join(root, "resources"),
		Scripts:   filepath.Join(root, "scripts"),
		Config:    filepath.Join(root, "config"),
	}
}

// All returns every directory in the layout, for creation during init.
func (d Directories) All() []string {
	return []string{d.Base, d.Build, d.Bin, d.Content, d.Guest, d.Kernel,
		d.Verity, d.SNP, d.Resources, d.Scripts, d.Config}
}

// Overrides carries the per-invocation settings a caller may change.
// Zero values fall back to defaults during Resolve.
type Overrides struct {
	Root          string
	ContentBranch string
	ComputeBranch string

	Debug     bool
	EnableKVM bool
	EnableTPM bool
	EnableGPU bool

	VCPUCount     int
	MemoryMB      int
	HostCPUFamily string
	GuestFeatures uint64
	PlatformInfo  uint64
	GuestPolicy   uint64
	FamilyID      string
	ImageID       string

	SNPReleaseURL string
	LaunchScript  string

	VMHost      string
	VMPort      int
	VMUser      string
	ServicePort int
	MonitorPort int
}

// BuildConfig is the immutable snapshot of all paths and parameters for one
// pipeline invocation.
type BuildConfig struct {
	Dirs Directories

	ContentBranch string
	ComputeBranch string

	Debug     bool
	EnableKVM bool
	EnableTPM bool
	EnableGPU bool

	BaseImageName  string
	GuestImageName string

	SNPReleaseURL string
	LaunchScript  string

	VMHost      string
	VMPort      int
	VMUser      string
	ServicePort int
	MonitorPort int

	vmDefinition interfaces.VMDefinition
	cmdline      string
}

// Resolve validates overrides and produces the immutable configuration for
// this invocation. It has no side effects.
func Resolve(o Overrides) (*BuildConfig, error) {
	root := o.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, &interfaces.ConfigError{Field: "root", Reason: fmt.Sprintf("cannot determine working directory: %v", err)}
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, &interfaces.ConfigError{Field: "root", Reason: err.Error()}
	}

	def, err := resolveVMDefinition(o)
	if err != nil {
		return nil, err
	}

	cfg := &BuildConfig{
		Dirs:           DefaultDirectories(root),
		ContentBranch:  o.ContentBranch,
		ComputeBranch:  o.ComputeBranch,
		Debug:          o.Debug,
		EnableKVM:      o.EnableKVM,
		EnableTPM:      o.EnableTPM,
		EnableGPU:      o.EnableGPU,
		BaseImageName:  "base.qcow2",
		GuestImageName: "guest.qcow2",
		SNPReleaseURL:  o.SNPReleaseURL,
		LaunchScript:   o.LaunchScript,
		VMHost:         o.VMHost,
		VMPort:         o.VMPort,
		VMUser:         o.VMUser,
		ServicePort:    o.ServicePort,
		MonitorPort:    o.MonitorPort,
		vmDefinition:   *def,
		cmdline:        DefaultCmdline,
	}

	if cfg.SNPReleaseURL == "" {
		cfg.SNPReleaseURL = DefaultSNPReleaseURL
	}
	if cfg.LaunchScript == "" {
		cfg.LaunchScript = "./launch.sh"
	}
	if cfg.VMHost == "" {
		cfg.VMHost = "localhost"
	}
	if cfg.VMPort == 0 {
		cfg.VMPort = 2222
	}
	if cfg.VMUser == "" {
		cfg.VMUser = "ubuntu"
	}
	if cfg.ServicePort == 0 {
		cfg.ServicePort = 80
	}
	if cfg.MonitorPort == 0 {
		cfg.MonitorPort = 4444
	}

	return cfg, nil
}

func resolveVMDefinition(o Overrides) (*interfaces.VMDefinition, error) {
	def := &interfaces.VMDefinition{
		HostCPUFamily:   o.HostCPUFamily,
		VCPUCount:       o.VCPUCount,
		MemoryMB:        o.MemoryMB,
		GuestFeatures:   o.GuestFeatures,
		PlatformInfo:    o.PlatformInfo,
		GuestPolicy:     o.GuestPolicy,
		MinCommittedTCB: DefaultTCB,
	}

	if def.HostCPUFamily == "" {
		def.HostCPUFamily = DefaultHostCPUFamily
	}
	if def.VCPUCount == 0 {
		def.VCPUCount = DefaultVCPUCount
	}
	if def.MemoryMB == 0 {
		def.MemoryMB = DefaultMemoryMB
	}
	if def.GuestFeatures == 0 {
		def.GuestFeatures = DefaultGuestFeatures
	}
	if def.PlatformInfo == 0 {
		def.PlatformInfo = DefaultPlatformInfo
	}
	if def.GuestPolicy == 0 {
		def.GuestPolicy = DefaultGuestPolicy
	}

	if o.FamilyID != "" {
		familyID, err := interfaces.NewFamilyIDFromHex(o.FamilyID)
		if err != nil {
			return nil, &interfaces.ConfigError{Field: "family_id", Reason: err.Error()}
		}
		def.FamilyID = familyID
	}
	if o.ImageID != "" {
		imageID, err := interfaces.NewImageIDFromHex(o.ImageID)
		if err != nil {
			return nil, &interfaces.ConfigError{Field: "image_id", Reason: err.Error()}
		}
		def.ImageID = imageID
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// VMDefinition returns a copy of the resolved definition. The definition is
// a pure input to measurement; callers get a copy so the snapshot cannot be
// mutated mid-pipeline.
func (c *BuildConfig) VMDefinition() interfaces.VMDefinition {
	return c.vmDefinition
}

// BaseCmdline returns the kernel command line without verity parameters.
func (c *BuildConfig) BaseCmdline() string {
	return c.cmdline
}

// BaseImagePath is the unprotected base disk image.
func (c *BuildConfig) BaseImagePath() string {
	return filepath.Join(c.Dirs.Guest, c.BaseImageName)
}

// CloudConfigPath is the cloud-init config blob attached in build mode.
func (c *BuildConfig) CloudConfigPath() string {
	return filepath.Join(c.Dirs.Guest, "config-blob.img")
}

// TemplateUserDataPath is the cloud-init user data template.
func (c *BuildConfig) TemplateUserDataPath() string {
	return filepath.Join(c.Dirs.Resources, "template-user-data")
}

// KernelDebGlob matches the guest kernel package inside the SNP release.
func (c *BuildConfig) KernelDebGlob() string {
	return filepath.Join(c.Dirs.SNP, "linux", "guest", "linux-image-*.deb")
}

// KernelImageGlob matches the unpacked kernel image.
func (c *BuildConfig) KernelImageGlob() string {
	return filepath.Join(c.Dirs.Kernel, "boot", "vmlinuz-*")
}

// OVMFPath is the direct-boot firmware from the SNP release.
func (c *BuildConfig) OVMFPath() string {
	return filepath.Join(c.Dirs.SNP, "usr", "local", "share", "qemu", "DIRECT_BOOT_OVMF.fd")
}

// InitrdPath is the built initramfs image.
func (c *BuildConfig) InitrdPath() string {
	return filepath.Join(c.Dirs.Build, "initramfs.cpio.gz")
}

// InitScriptPath is the initramfs init script.
func (c *BuildConfig) InitScriptPath() string {
	return filepath.Join(c.Dirs.Scripts, "init.sh")
}

// InitramfsDockerfilePath is the Dockerfile producing the initramfs rootfs.
func (c *BuildConfig) InitramfsDockerfilePath() string {
	return filepath.Join(c.Dirs.Resources, "initramfs.Dockerfile")
}

// ContentDockerfilePath is the Dockerfile producing the guest content.
func (c *BuildConfig) ContentDockerfilePath() string {
	return filepath.Join(c.Dirs.Resources, "content.Dockerfile")
}

// VMConfigPath is the measured VM configuration file.
func (c *BuildConfig) VMConfigPath() string {
	return filepath.Join(c.Dirs.Guest, "vm-config.toml")
}

// VerityImagePath is the integrity-protected guest data image.
func (c *BuildConfig) VerityImagePath() string {
	return filepath.Join(c.Dirs.Verity, c.GuestImageName)
}

// VerityHashTreePath is the materialized hash tree image.
func (c *BuildConfig) VerityHashTreePath() string {
	return filepath.Join(c.Dirs.Verity, "hash_tree.bin")
}

// RootHashPath is the file holding the verity root hash in hex.
func (c *BuildConfig) RootHashPath() string {
	return filepath.Join(c.Dirs.Verity, "roothash.txt")
}

// MeasurementInputsPath is the well-known location of the measurement-input
// record consumed by a remote verifier.
func (c *BuildConfig) MeasurementInputsPath() string {
	return filepath.Join(c.Dirs.Base, "inputs.json")
}

// ReleaseDirPath is the bundle directory produced by packaging.
func (c *BuildConfig) ReleaseDirPath() string {
	return filepath.Join(c.Dirs.Base, "release")
}

// ReleaseArchivePath is the bundle archive produced by packaging.
func (c *BuildConfig) ReleaseArchivePath() string {
	return filepath.Join(c.Dirs.Base, "release.tar.gz")
}

// SSHKnownHostsPath is the known-hosts file for debug-mode SSH sessions.
func (c *BuildConfig) SSHKnownHostsPath() string {
	return filepath.Join(c.Dirs.Build, "known_hosts")
}

// LaunchLogPath is where the launch script mirrors guest console output.
func (c *BuildConfig) LaunchLogPath() string {
	return filepath.Join(c.Dirs.Build, "stdout.log")
}

// AttestationToolsPath is the optional source tree of the attestation tool
// suite, built into the bin dir during init when present.
func (c *BuildConfig) AttestationToolsPath() string {
	return filepath.Join(c.Dirs.Base, "tools", "attestation_server")
}

// LockPath is the single-instance lock guarding the build directory.
func (c *BuildConfig) LockPath() string {
	return filepath.Join(c.Dirs.Build, ".pipeline.lock")
}
