package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
)

// MaxVCPUCount is the largest vCPU count an SNP guest may be launched with
// on currently supported platforms.
const MaxVCPUCount = 512

// FamilyID binds a guest image family into the launch measurement.
type FamilyID [16]byte

// NewFamilyIDFromHex creates a FamilyID from a 32-character hex string.
func NewFamilyIDFromHex(s string) (FamilyID, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 32 {
		return FamilyID{}, errors.New("invalid family id length: hex string must be 32 characters")
	}

	idBytes, err := hex.DecodeString(clean)
	if err != nil {
		return FamilyID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id FamilyID
	copy(id[:], idBytes)
	return id, nil
}

// String returns the hex string representation of the family id.
func (id FamilyID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 16-byte id.
func (id FamilyID) Bytes() []byte {
	return id[:]
}

// ImageID binds a specific guest image into the launch measurement.
type ImageID [16]byte

// NewImageIDFromHex creates an ImageID from a 32-character hex string.
func NewImageIDFromHex(s string) (ImageID, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 32 {
		return ImageID{}, errors.New("invalid image id length: hex string must be 32 characters")
	}

	idBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ImageID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id ImageID
	copy(id[:], idBytes)
	return id, nil
}

// String returns the hex string representation of the image id.
func (id ImageID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 16-byte id.
func (id ImageID) Bytes() []byte {
	return id[:]
}

// TCBVersion is the minimum committed TCB quadruple a platform must report
// for attestation of the guest to be accepted.
type TCBVersion struct {
	Bootloader uint8 `json:"bootloader"`
	TEE        uint8 `json:"tee"`
	SNP        uint8 `json:"snp"`
	Microcode  uint8 `json:"microcode"`
}

// Bytes returns the TCB version in SNP wire layout:
// bootloader, tee, four reserved bytes, snp, microcode.
func (t TCBVersion) Bytes() []byte {
	return []byte{t.Bootloader, t.TEE, 0, 0, 0, 0, t.SNP, t.Microcode}
}

// VMDefinition describes the measured launch parameters of a guest.
// Every field is either a fixed platform constant or explicitly supplied;
// Validate rejects definitions that would silently default a field the
// launch digest depends on.
type VMDefinition struct {
	HostCPUFamily   string
	VCPUCount       int
	MemoryMB        int
	GuestFeatures   uint64
	PlatformInfo    uint64
	GuestPolicy     uint64
	FamilyID        FamilyID
	ImageID         ImageID
	MinCommittedTCB TCBVersion
}

// Validate checks the definition for fields that would break re-measurement.
func (d *VMDefinition) Validate() error {
	if d.HostCPUFamily == "" {
		return &ConfigError{Field: "host_cpu_family", Reason: "must not be empty"}
	}
	if d.VCPUCount <= 0 {
		return &ConfigError{Field: "vcpu_count", Reason: "must be a positive integer"}
	}
	if d.VCPUCount > MaxVCPUCount {
		return &ConfigError{Field: "vcpu_count", Reason: fmt.Sprintf("must not exceed %d", MaxVCPUCount)}
	}
	// Memory is a host launch parameter; it does not enter the launch
	// digest and may stay unset when re-deriving a definition from the
	// measured config file.
	if d.MemoryMB < 0 {
		return &ConfigError{Field: "memory_mb", Reason: "must not be negative"}
	}
	// The masks round-trip through TOML integers, which top out at int64.
	for _, f := range []struct {
		name  string
		value uint64
	}{
		{"guest_features", d.GuestFeatures},
		{"platform_info", d.PlatformInfo},
		{"guest_policy", d.GuestPolicy},
	} {
		if f.value > math.MaxInt64 {
			return &ConfigError{Field: f.name, Reason: "exceeds the representable configuration range"}
		}
	}
	return nil
}

// BootChain holds the resolved boot components of a measured guest. The
// kernel command line is part of the measured input and embeds the verity
// root hash, so a BootChain can only be finalized after integrity
// protection has run.
type BootChain struct {
	OVMFPath      string
	KernelPath    string
	InitrdPath    string
	KernelCmdline string
}

// Complete reports whether all boot chain fields have been resolved.
func (b *BootChain) Complete() error {
	for _, f := range []struct{ name, value string }{
		{"ovmf_file", b.OVMFPath},
		{"kernel_file", b.KernelPath},
		{"initrd_file", b.InitrdPath},
		{"kernel_cmdline", b.KernelCmdline},
	} {
		if f.value == "" {
			return &ConfigError{Field: f.name, Reason: "must not be empty"}
		}
	}
	return nil
}

// RootHash is the digest at the top of a verity Merkle hash tree.
type RootHash [32]byte

// NewRootHashFromHex creates a RootHash from a 64-character hex string.
func NewRootHashFromHex(s string) (RootHash, error) {
	clean := strings.TrimSpace(s)
	if len(clean) != 64 {
		return RootHash{}, errors.New("invalid root hash length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return RootHash{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var h RootHash
	copy(h[:], hashBytes)
	return h, nil
}

// String returns the hex string representation of the root hash.
func (h RootHash) String() string {
	return hex.EncodeToString(h[:])
}

// VerityArtifact is the write-once output of the integrity layer: a
// read-only data image, the hash tree verifying it, and the tree's root.
type VerityArtifact struct {
	DataImage     string
	HashTreeImage string
	RootHash      RootHash
}

// MeasurementInput is one ordered entry of the measurement-input record.
type MeasurementInput struct {
	Label  string `json:"label"`
	Length int    `json:"length"`
	Value  string `json:"value"`
}

// MeasurementInputs is the canonical, ordered record a hardware attestation
// engine reduces to the launch digest. Reordering entries produces a
// different, non-matching digest even with identical values.
type MeasurementInputs struct {
	Inputs    []MeasurementInput `json:"inputs"`
	VCPUCount int                `json:"vcpu_count"`
}

// RunMode selects which artifact set a launch invocation targets.
type RunMode int

const (
	// BuildMode boots the unprotected base image for interactive setup.
	BuildMode RunMode = iota

	// ReleaseMode boots the verity-protected pair with the measured config.
	ReleaseMode
)

// String returns the mode name.
func (m RunMode) String() string {
	switch m {
	case BuildMode:
		return "build"
	case ReleaseMode:
		return "release"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}
