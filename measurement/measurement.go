// Package measurement derives the ordered measurement-input record that a
// remote verifier reduces to the expected SNP launch digest.
//
// The record is a pure function of the boot chain files and the VM
// definition. Entry order is fixed; a verifier folding the entries in order
// must arrive at the same digest every time, so nothing here may depend on
// timestamps, map iteration, or the machine doing the computing.
package measurement

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/snpguard/vm-builder/interfaces"
)

// Computer derives measurement-input records.
type Computer struct {
	log *slog.Logger
}

// NewComputer creates a measurement computer.
func NewComputer(log *slog.Logger) *Computer {
	return &Computer{log: log}
}

// Compute derives the canonical record for a finalized boot chain and a
// validated VM definition. Every referenced file must exist; a missing boot
// component is an IncompleteArtifact, never an empty entry.
func (c *Computer) Compute(chain *interfaces.BootChain, def *interfaces.VMDefinition) (*interfaces.MeasurementInputs, error) {
	if err := chain.Complete(); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	ovmf, err := fileEntry("ovmf", chain.OVMFPath)
	if err != nil {
		return nil, err
	}
	kernel, err := fileEntry("kernel", chain.KernelPath)
	if err != nil {
		return nil, err
	}
	initrd, err := fileEntry("initrd", chain.InitrdPath)
	if err != nil {
		return nil, err
	}

	tcb := def.MinCommittedTCB.Bytes()

	// Entry order is part of the contract with the verifier.
	inputs := []interfaces.MeasurementInput{
		ovmf,
		kernel,
		initrd,
		stringEntry("kernel_cmdline", chain.KernelCmdline),
		intEntry("vcpu_count", def.VCPUCount),
		stringEntry("host_cpu_family", def.HostCPUFamily),
		hexEntry("guest_features", uint64Bytes(def.GuestFeatures)),
		hexEntry("platform_info", uint64Bytes(def.PlatformInfo)),
		hexEntry("guest_policy", uint64Bytes(def.GuestPolicy)),
		hexEntry("family_id", def.FamilyID.Bytes()),
		hexEntry("image_id", def.ImageID.Bytes()),
		hexEntry("min_committed_tcb", tcb),
	}

	record := &interfaces.MeasurementInputs{
		Inputs:    inputs,
		VCPUCount: def.VCPUCount,
	}

	if c.log != nil {
		c.log.Info("Derived measurement inputs",
			slog.Int("entries", len(inputs)),
			slog.Int("vcpuCount", def.VCPUCount))
	}
	return record, nil
}

// WriteRecord serializes the record to its well-known path. Serialization is
// canonical: identical records produce byte-identical files.
func WriteRecord(record *interfaces.MeasurementInputs, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode measurement inputs: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write measurement inputs: %w", err)
	}
	return nil
}

// Load reads a previously written record.
func Load(path string) (*interfaces.MeasurementInputs, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &interfaces.IncompleteArtifact{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read measurement inputs: %w", err)
	}

	var record interfaces.MeasurementInputs
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse measurement inputs %s: %w", path, err)
	}
	return &record, nil
}

// fileEntry hashes a boot component file with SHA-384, the digest size the
// SNP launch measurement is built from.
func fileEntry(label, path string) (interfaces.MeasurementInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return interfaces.MeasurementInput{}, &interfaces.IncompleteArtifact{Path: path}
	}
	defer f.Close()

	h := sha512.New384()
	n, err := io.Copy(h, f)
	if err != nil {
		return interfaces.MeasurementInput{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return interfaces.MeasurementInput{
		Label:  label,
		Length: int(n),
		Value:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func stringEntry(label, value string) interfaces.MeasurementInput {
	return interfaces.MeasurementInput{Label: label, Length: len(value), Value: value}
}

func intEntry(label string, value int) interfaces.MeasurementInput {
	s := strconv.Itoa(value)
	return interfaces.MeasurementInput{Label: label, Length: len(s), Value: s}
}

func hexEntry(label string, value []byte) interfaces.MeasurementInput {
	return interfaces.MeasurementInput{
		Label:  label,
		Length: len(value),
		Value:  hex.EncodeToString(value),
	}
}

// uint64Bytes encodes a value big-endian, the byte order the guest policy
// and feature masks are measured in.
func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
