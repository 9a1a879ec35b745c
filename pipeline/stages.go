package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/snpguard/vm-builder/buildconf"
	"github.com/snpguard/vm-builder/interfaces"
	"github.com/snpguard/vm-builder/launcher"
	"github.com/snpguard/vm-builder/measurement"
	"github.com/snpguard/vm-builder/release"
	"github.com/snpguard/vm-builder/verity"
	"github.com/snpguard/vm-builder/vmconfig"
)

// Builder wires the build stages over one resolved configuration.
type Builder struct {
	cfg       *buildconf.BuildConfig
	runner    CommandRunner
	protector *verity.Protector
	computer  *measurement.Computer
	packager  *release.Packager
	log       *slog.Logger
}

// NewBuilder creates a builder for the given configuration.
func NewBuilder(cfg *buildconf.BuildConfig, log *slog.Logger) *Builder {
	return &Builder{
		cfg:       cfg,
		runner:    NewRunner(log),
		protector: verity.NewProtector(verity.NewNativeFormatter(log), log),
		computer:  measurement.NewComputer(log),
		packager:  release.NewPackager(log),
		log:       log,
	}
}

// Stages returns the build stages in pipeline order.
func (b *Builder) Stages() []Stage {
	return []Stage{
		{Name: "init", Run: b.runInit},
		{Name: "build_base", Check: b.checkSNPRelease, Run: b.runBuildBase},
		{Name: "build_guest", Check: b.checkBaseImage, Run: b.runBuildGuest},
		{Name: "package_release", Run: b.runPackageRelease},
	}
}

// Orchestrator builds the default orchestrator over the build stages.
func (b *Builder) Orchestrator() *Orchestrator {
	return NewOrchestrator(b.Stages(), b.cfg.LockPath(), b.log)
}

// runInit creates the directory layout and fetches the SNP host toolchain
// release the later stages build against.
func (b *Builder) runInit(ctx context.Context) error {
	for _, dir := range b.cfg.Dirs.All() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	marker := filepath.Join(b.cfg.Dirs.SNP, "usr")
	if _, err := os.Stat(marker); err == nil {
		b.log.Info("SNP release already present, skipping download", slog.String("dir", b.cfg.Dirs.SNP))
	} else {
		archive := filepath.Join(b.cfg.Dirs.Build, "snp-release.tar.gz")
		if err := b.download(ctx, b.cfg.SNPReleaseURL, archive); err != nil {
			return err
		}

		// The upstream tarball nests everything under snp-release/.
		if _, err := b.runner.Run(ctx, "tar",
			"-xzf", archive,
			"-C", b.cfg.Dirs.SNP,
			"--strip-components=1"); err != nil {
			return err
		}
	}

	if err := b.installTools(); err != nil {
		return err
	}
	if err := b.buildAttestationTools(ctx); err != nil {
		return err
	}

	b.log.Info("SNP release ready", slog.String("dir", b.cfg.Dirs.SNP))
	return nil
}

// buildAttestationTools compiles the attestation tool suite into the bin
// dir when its source tree is checked out under the build root. Hosts that
// rely on the prebuilt binaries shipped in the SNP release can omit the
// checkout.
func (b *Builder) buildAttestationTools(ctx context.Context) error {
	src := b.cfg.AttestationToolsPath()
	if _, err := os.Stat(src); err != nil {
		b.log.Info("Attestation tool source not present, using release binaries", slog.String("path", src))
		return nil
	}

	// cargo install places the binaries in <root>/bin, which is the bin dir.
	_, err := b.runner.Run(ctx, "cargo", "install", "--locked",
		"--path", src,
		"--root", b.cfg.Dirs.Build)
	return err
}

// installTools places the host-side tool binaries from the SNP release into
// the bin dir, where the launch script and operators expect them.
func (b *Builder) installTools() error {
	tools, err := filepath.Glob(filepath.Join(b.cfg.Dirs.SNP, "usr", "local", "bin", "*"))
	if err != nil {
		return fmt.Errorf("bad tool glob: %w", err)
	}
	for _, tool := range tools {
		dest := filepath.Join(b.cfg.Dirs.Bin, filepath.Base(tool))
		if err := copyPlain(tool, dest); err != nil {
			return fmt.Errorf("failed to install %s: %w", filepath.Base(tool), err)
		}
		if err := os.Chmod(dest, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) checkSNPRelease(ctx context.Context) error {
	if _, err := os.Stat(b.cfg.OVMFPath()); err != nil {
		return &interfaces.IncompleteArtifact{Path: b.cfg.OVMFPath()}
	}
	return nil
}

// runBuildBase unpacks the guest kernel, builds the initramfs, and creates
// the unprotected base image with its cloud-init blob.
func (b *Builder) runBuildBase(ctx context.Context) error {
	kernelDeb, err := newestMatch(b.cfg.KernelDebGlob())
	if err != nil {
		return err
	}
	if _, err := b.runner.Run(ctx, "dpkg", "-x", kernelDeb, b.cfg.Dirs.Kernel); err != nil {
		return err
	}

	if err := b.buildInitramfs(ctx); err != nil {
		return err
	}

	if _, err := b.runner.Run(ctx, "qemu-img", "create",
		"-f", "qcow2", b.cfg.BaseImagePath(), "30G"); err != nil {
		return err
	}

	userData := filepath.Join(b.cfg.Dirs.Guest, "user-data")
	if err := copyPlain(b.cfg.TemplateUserDataPath(), userData); err != nil {
		return err
	}
	if _, err := b.runner.Run(ctx, "cloud-localds", b.cfg.CloudConfigPath(), userData); err != nil {
		return err
	}

	if err := b.setupBoot(ctx); err != nil {
		return err
	}

	b.log.Info("Base image created", slog.String("image", b.cfg.BaseImagePath()))
	return nil
}

// setupBoot boots the base image once with the cloud-init blob attached so
// guest provisioning runs to completion before the image serves as a build
// base. The boot is pre-measurement, so automation stays suppressed.
func (b *Builder) setupBoot(ctx context.Context) error {
	def := b.cfg.VMDefinition()
	inv, err := launcher.Translate(&launcher.Options{
		Mode:         interfaces.BuildMode,
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
		BaseImage:    b.cfg.BaseImagePath(),
		CloudConfig:  b.cfg.CloudConfigPath(),
	})
	if err != nil {
		return err
	}

	b.log.Info("Running setup boot", slog.String("image", b.cfg.BaseImagePath()))
	if _, err := b.runner.Run(ctx, inv.Path, inv.Args...); err != nil {
		return err
	}
	return nil
}

// buildInitramfs produces the initramfs from a container rootfs so its
// content is pinned by the Dockerfile, not by the build host.
func (b *Builder) buildInitramfs(ctx context.Context) error {
	tag := "vm-builder/initramfs"
	if _, err := b.runner.Run(ctx, "docker", "build",
		"-f", b.cfg.InitramfsDockerfilePath(),
		"-t", tag,
		b.cfg.Dirs.Resources); err != nil {
		return err
	}

	container := fmt.Sprintf("initramfs-export-%d", time.Now().Unix())
	if _, err := b.runner.Run(ctx, "docker", "create", "--name", container, tag); err != nil {
		return err
	}
	defer func() {
		if _, err := b.runner.Run(context.Background(), "docker", "rm", container); err != nil {
			b.log.Warn("Failed to remove export container", "err", err)
		}
	}()

	rootfsTar := filepath.Join(b.cfg.Dirs.Build, "initramfs-rootfs.tar")
	if _, err := b.runner.Run(ctx, "docker", "export", "-o", rootfsTar, container); err != nil {
		return err
	}

	script := filepath.Join(b.cfg.Dirs.Scripts, "build-initramfs.sh")
	if _, err := b.runner.Run(ctx, "bash", script,
		rootfsTar, b.cfg.InitScriptPath(), b.cfg.InitrdPath()); err != nil {
		return err
	}
	return nil
}

func (b *Builder) checkBaseImage(ctx context.Context) error {
	if _, err := os.Stat(b.cfg.BaseImagePath()); err != nil {
		return &interfaces.IncompleteArtifact{Path: b.cfg.BaseImagePath()}
	}
	return nil
}

// runBuildGuest builds the guest content image, runs integrity protection
// over it, finalizes the measured configuration, and derives the
// measurement-input record. Rerunning over identical content yields
// byte-identical artifacts.
func (b *Builder) runBuildGuest(ctx context.Context) error {
	contentImage := filepath.Join(b.cfg.Dirs.Content, "content.img")
	if err := b.buildContentImage(ctx, contentImage); err != nil {
		return err
	}

	artifact, err := b.protector.Protect(ctx,
		contentImage,
		b.cfg.VerityImagePath(),
		b.cfg.VerityHashTreePath(),
		b.cfg.RootHashPath())
	if err != nil {
		return err
	}

	kernel, err := newestMatch(b.cfg.KernelImageGlob())
	if err != nil {
		return err
	}

	chain := &interfaces.BootChain{
		OVMFPath:   b.cfg.OVMFPath(),
		KernelPath: kernel,
		InitrdPath: b.cfg.InitrdPath(),
		KernelCmdline: fmt.Sprintf("%s boot=verity verity_disk=/dev/sdb verity_roothash=%s",
			b.cfg.BaseCmdline(), artifact.RootHash.String()),
	}

	def := b.cfg.VMDefinition()
	cfg := vmconfig.FromDefinition(&def, chain)
	if err := cfg.WriteFile(b.cfg.VMConfigPath()); err != nil {
		return err
	}

	record, err := b.computer.Compute(chain, &def)
	if err != nil {
		return err
	}
	if err := measurement.WriteRecord(record, b.cfg.MeasurementInputsPath()); err != nil {
		return err
	}

	b.log.Info("Guest build complete",
		slog.String("rootHash", artifact.RootHash.String()),
		slog.String("vmConfig", b.cfg.VMConfigPath()))
	return nil
}

// buildContentImage assembles the guest content from its Dockerfile and
// materializes it as a raw disk image.
func (b *Builder) buildContentImage(ctx context.Context, out string) error {
	tag := "vm-builder/content"
	args := []string{"build", "-f", b.cfg.ContentDockerfilePath(), "-t", tag}
	if b.cfg.ContentBranch != "" {
		args = append(args, "--build-arg", "CONTENT_BRANCH="+b.cfg.ContentBranch)
	}
	if b.cfg.ComputeBranch != "" {
		args = append(args, "--build-arg", "COMPUTE_BRANCH="+b.cfg.ComputeBranch)
	}
	args = append(args, b.cfg.Dirs.Resources)
	if _, err := b.runner.Run(ctx, "docker", args...); err != nil {
		return err
	}

	script := filepath.Join(b.cfg.Dirs.Scripts, "export-content.sh")
	if _, err := b.runner.Run(ctx, "bash", script, tag, out); err != nil {
		return err
	}
	return nil
}

// runPackageRelease assembles the distributable bundle.
func (b *Builder) runPackageRelease(ctx context.Context) error {
	result, err := b.packager.Package(&release.Inputs{
		VMConfigPath:          b.cfg.VMConfigPath(),
		VerityImage:           b.cfg.VerityImagePath(),
		HashTree:              b.cfg.VerityHashTreePath(),
		MeasurementInputsPath: b.cfg.MeasurementInputsPath(),
	}, b.cfg.ReleaseDirPath(), b.cfg.ReleaseArchivePath())
	if err != nil {
		return err
	}

	if result.Incomplete {
		b.log.Warn("Release bundle is incomplete",
			slog.Any("missing", result.Missing))
	}
	return nil
}

// Clean removes every generated build artifact, keeping resources and
// scripts intact.
func (b *Builder) Clean() error {
	for _, dir := range []string{b.cfg.Dirs.Build, b.cfg.ReleaseDirPath()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	for _, file := range []string{b.cfg.ReleaseArchivePath(), b.cfg.MeasurementInputsPath()} {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	b.log.Info("Build artifacts removed")
	return nil
}

func (b *Builder) download(ctx context.Context, url, dest string) error {
	b.log.Info("Downloading", slog.String("url", url), slog.String("dest", dest))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s returned status %d", url, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := out.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("failed to save %s: %w", dest, err)
	}
	return out.Sync()
}

// newestMatch resolves a glob to its newest match under a version-aware
// ordering, so vmlinuz-6.10 ranks above vmlinuz-6.9.
func newestMatch(pattern string) (string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("bad glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", &interfaces.IncompleteArtifact{Path: pattern}
	}
	sort.Slice(matches, func(i, j int) bool {
		return naturalLess(matches[i], matches[j])
	})
	return matches[len(matches)-1], nil
}

// naturalLess compares digit runs numerically and everything else bytewise.
func naturalLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		if isDigit(a[0]) && isDigit(b[0]) {
			an, aRest := takeNumber(a)
			bn, bRest := takeNumber(b)
			if an != bn {
				return an < bn
			}
			a, b = aRest, bRest
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func takeNumber(s string) (uint64, string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	n, _ := strconv.ParseUint(s[:i], 10, 64)
	return n, s[i:]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func copyPlain(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return &interfaces.IncompleteArtifact{Path: src}
		}
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
