// Package release assembles the distributable bundle: the verity image
// pair, the boot chain, and a relocated copy of the measured VM
// configuration, archived for transfer to an attestation host.
package release

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/snpguard/vm-builder/interfaces"
	"github.com/snpguard/vm-builder/vmconfig"
)

// Inputs names every artifact the packager collects.
type Inputs struct {
	VMConfigPath string
	VerityImage  string
	HashTree     string

	// MeasurementInputsPath is included when present so a verifier can be
	// pointed at the bundle alone.
	MeasurementInputsPath string
}

// Result describes the produced bundle.
type Result struct {
	BundleDir   string
	ArchivePath string

	// Incomplete is set when optional artifacts were missing. The bundle
	// still archives; Missing lists what a consumer has to supply.
	Incomplete bool
	Missing    []string
}

// Packager assembles release bundles.
type Packager struct {
	log *slog.Logger
}

// NewPackager creates a packager.
func NewPackager(log *slog.Logger) *Packager {
	return &Packager{log: log}
}

// Package assembles the bundle under bundleDir and archives it to
// archivePath. The verity image pair is copied byte-identically: any
// transformation would invalidate the recorded root hash. In the bundled
// configuration only the three boot chain path keys are rewritten to
// bundle-relative paths; every other key re-encodes unchanged.
func (p *Packager) Package(in *Inputs, bundleDir, archivePath string) (*Result, error) {
	cfg, err := vmconfig.Load(in.VMConfigPath)
	if err != nil {
		return nil, err
	}

	// Recreate the bundle directory so stale artifacts from an earlier
	// packaging run cannot leak into the archive.
	if err := os.RemoveAll(bundleDir); err != nil {
		return nil, fmt.Errorf("failed to clear bundle dir: %w", err)
	}
	if err := os.MkdirAll(bundleDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bundle dir: %w", err)
	}

	result := &Result{BundleDir: bundleDir, ArchivePath: archivePath}

	for _, img := range []string{in.VerityImage, in.HashTree} {
		if err := p.copyVerbatim(img, bundleDir); err != nil {
			return nil, err
		}
	}

	chain := cfg.BootChain()
	for _, required := range []struct {
		path string
		set  func(string)
	}{
		{chain.KernelPath, func(s string) { cfg.KernelFile = s }},
		{chain.OVMFPath, func(s string) { cfg.OVMFFile = s }},
		{chain.InitrdPath, func(s string) { cfg.InitrdFile = s }},
	} {
		if err := p.copyVerbatim(required.path, bundleDir); err != nil {
			var incomplete *interfaces.IncompleteArtifact
			if !asIncomplete(err, &incomplete) {
				return nil, err
			}
			p.log.Warn("Bundle artifact missing, continuing", slog.String("path", required.path))
			result.Incomplete = true
			result.Missing = append(result.Missing, required.path)
			continue
		}
		required.set("./" + filepath.Base(required.path))
	}

	if in.MeasurementInputsPath != "" {
		if err := p.copyVerbatim(in.MeasurementInputsPath, bundleDir); err != nil {
			var incomplete *interfaces.IncompleteArtifact
			if !asIncomplete(err, &incomplete) {
				return nil, err
			}
			p.log.Warn("Measurement inputs missing, continuing", slog.String("path", in.MeasurementInputsPath))
			result.Incomplete = true
			result.Missing = append(result.Missing, in.MeasurementInputsPath)
		}
	}

	if err := cfg.WriteFile(filepath.Join(bundleDir, "vm-config.toml")); err != nil {
		return nil, err
	}

	if err := CreateTarGz(bundleDir, archivePath); err != nil {
		return nil, err
	}

	p.log.Info("Release bundle packaged",
		slog.String("bundle", bundleDir),
		slog.String("archive", archivePath),
		slog.Bool("incomplete", result.Incomplete))
	return result, nil
}

// copyVerbatim copies src into dir under its base name, byte for byte.
func (p *Packager) copyVerbatim(src, dir string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return &interfaces.IncompleteArtifact{Path: src}
		}
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	dst := filepath.Join(dir, filepath.Base(src))
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Sync()
}

func asIncomplete(err error, target **interfaces.IncompleteArtifact) bool {
	if e, ok := err.(*interfaces.IncompleteArtifact); ok {
		*target = e
		return true
	}
	return false
}
