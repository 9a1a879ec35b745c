// Package vmconfig reads and writes the measured VM configuration file.
//
// The file is structured TOML with typed field access, so rewrites (for
// example relocating artifact paths during packaging) can never touch any
// field other than the ones explicitly assigned. The kernel command line
// carries the verity root hash and must never be edited after measurement.
package vmconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/snpguard/vm-builder/interfaces"
)

// TCB mirrors the [min_committed_tcb] table.
type TCB struct {
	Bootloader uint8   `toml:"bootloader"`
	TEE        uint8   `toml:"tee"`
	SNP        uint8   `toml:"snp"`
	Microcode  uint8   `toml:"microcode"`
	Reserved   []uint8 `toml:"_reserved"`
}

// Config is the on-disk VM configuration. Field order matches the file
// layout; the min_committed_tcb table must stay last so plain keys encode
// before it.
type Config struct {
	HostCPUFamily   string `toml:"host_cpu_family"`
	VCPUCount       int    `toml:"vcpu_count"`
	OVMFFile        string `toml:"ovmf_file"`
	GuestFeatures   uint64 `toml:"guest_features"`
	KernelFile      string `toml:"kernel_file"`
	InitrdFile      string `toml:"initrd_file"`
	KernelCmdline   string `toml:"kernel_cmdline"`
	PlatformInfo    uint64 `toml:"platform_info"`
	GuestPolicy     uint64 `toml:"guest_policy"`
	FamilyID        string `toml:"family_id"`
	ImageID         string `toml:"image_id"`
	MinCommittedTCB TCB    `toml:"min_committed_tcb"`
}

// FromDefinition assembles the configuration from a validated definition
// and a finalized boot chain.
func FromDefinition(def *interfaces.VMDefinition, chain *interfaces.BootChain) *Config {
	return &Config{
		HostCPUFamily: def.HostCPUFamily,
		VCPUCount:     def.VCPUCount,
		OVMFFile:      chain.OVMFPath,
		GuestFeatures: def.GuestFeatures,
		KernelFile:    chain.KernelPath,
		InitrdFile:    chain.InitrdPath,
		KernelCmdline: chain.KernelCmdline,
		PlatformInfo:  def.PlatformInfo,
		GuestPolicy:   def.GuestPolicy,
		FamilyID:      def.FamilyID.String(),
		ImageID:       def.ImageID.String(),
		MinCommittedTCB: TCB{
			Bootloader: def.MinCommittedTCB.Bootloader,
			TEE:        def.MinCommittedTCB.TEE,
			SNP:        def.MinCommittedTCB.SNP,
			Microcode:  def.MinCommittedTCB.Microcode,
			Reserved:   []uint8{0, 0, 0, 0},
		},
	}
}

// Load parses the configuration file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &interfaces.IncompleteArtifact{Path: path}
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse vm config %s: %w", path, err)
	}
	return &cfg, nil
}

// WriteFile encodes the configuration to path. Encoding is deterministic:
// identical configurations produce byte-identical files.
func (c *Config) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create vm config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode vm config: %w", err)
	}
	return nil
}

// BootChain returns the boot chain fields of the configuration.
func (c *Config) BootChain() *interfaces.BootChain {
	return &interfaces.BootChain{
		OVMFPath:      c.OVMFFile,
		KernelPath:    c.KernelFile,
		InitrdPath:    c.InitrdFile,
		KernelCmdline: c.KernelCmdline,
	}
}

// Definition reconstructs the measured VM definition from the file,
// validating the identity fields on the way.
func (c *Config) Definition() (*interfaces.VMDefinition, error) {
	familyID, err := interfaces.NewFamilyIDFromHex(c.FamilyID)
	if err != nil {
		return nil, &interfaces.ConfigError{Field: "family_id", Reason: err.Error()}
	}
	imageID, err := interfaces.NewImageIDFromHex(c.ImageID)
	if err != nil {
		return nil, &interfaces.ConfigError{Field: "image_id", Reason: err.Error()}
	}

	def := &interfaces.VMDefinition{
		HostCPUFamily: c.HostCPUFamily,
		VCPUCount:     c.VCPUCount,
		GuestFeatures: c.GuestFeatures,
		PlatformInfo:  c.PlatformInfo,
		GuestPolicy:   c.GuestPolicy,
		FamilyID:      familyID,
		ImageID:       imageID,
		MinCommittedTCB: interfaces.TCBVersion{
			Bootloader: c.MinCommittedTCB.Bootloader,
			TEE:        c.MinCommittedTCB.TEE,
			SNP:        c.MinCommittedTCB.SNP,
			Microcode:  c.MinCommittedTCB.Microcode,
		},
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
