package release

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/snpguard/vm-builder/interfaces"
	"github.com/snpguard/vm-builder/measurement"
	"github.com/snpguard/vm-builder/vmconfig"
)

// Downloader fetches a published bundle archive and verifies that the
// bundled artifacts still reduce to the measurement record they shipped
// with.
type Downloader struct {
	client *http.Client
	log    *slog.Logger
}

// NewDownloader creates a downloader.
func NewDownloader(log *slog.Logger) *Downloader {
	return &Downloader{
		client: &http.Client{Timeout: 30 * time.Minute},
		log:    log,
	}
}

// Fetch downloads the archive at url and extracts it into dir.
func (d *Downloader) Fetch(ctx context.Context, url, dir string) error {
	d.log.Info("Downloading release bundle", slog.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bundle download returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create bundle dir: %w", err)
	}
	if err := ExtractTarGz(resp.Body, dir); err != nil {
		return err
	}

	d.log.Info("Release bundle extracted", slog.String("dir", dir))
	return nil
}

// VerifyBundle recomputes the measurement record from an extracted bundle
// and compares it against the record shipped inside. A mismatch means the
// bundle was modified after measurement and must not be launched.
func (d *Downloader) VerifyBundle(dir string) error {
	cfg, err := vmconfig.Load(filepath.Join(dir, "vm-config.toml"))
	if err != nil {
		return err
	}
	def, err := cfg.Definition()
	if err != nil {
		return err
	}

	chain := cfg.BootChain()
	// Bundle-relative boot chain paths resolve against the bundle dir.
	chain.OVMFPath = resolveBundlePath(dir, chain.OVMFPath)
	chain.KernelPath = resolveBundlePath(dir, chain.KernelPath)
	chain.InitrdPath = resolveBundlePath(dir, chain.InitrdPath)

	computed, err := measurement.NewComputer(d.log).Compute(chain, def)
	if err != nil {
		return err
	}

	shipped, err := measurement.Load(filepath.Join(dir, "inputs.json"))
	if err != nil {
		return err
	}

	if err := compareRecords(shipped, computed); err != nil {
		return &interfaces.IntegrityFailure{Op: "bundle verification", Err: err}
	}

	d.log.Info("Bundle measurement verified", slog.String("dir", dir))
	return nil
}

func resolveBundlePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func compareRecords(shipped, computed *interfaces.MeasurementInputs) error {
	if shipped.VCPUCount != computed.VCPUCount {
		return fmt.Errorf("vcpu_count differs: shipped %d, computed %d", shipped.VCPUCount, computed.VCPUCount)
	}
	if len(shipped.Inputs) != len(computed.Inputs) {
		return fmt.Errorf("entry count differs: shipped %d, computed %d", len(shipped.Inputs), len(computed.Inputs))
	}
	for i := range shipped.Inputs {
		s, c := shipped.Inputs[i], computed.Inputs[i]
		if s.Label != c.Label {
			return fmt.Errorf("entry %d label differs: shipped %q, computed %q", i, s.Label, c.Label)
		}
		if s.Value != c.Value || s.Length != c.Length {
			return fmt.Errorf("entry %q differs from shipped record", s.Label)
		}
	}
	return nil
}

// SaveArchive streams an archive download to a local path without
// extracting, for operators that relay bundles between hosts.
func (d *Downloader) SaveArchive(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive download returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to save archive: %w", err)
	}
	return out.Sync()
}
