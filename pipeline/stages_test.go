package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snpguard/vm-builder/interfaces"
)

// stubRunner records every command instead of spawning processes. onRun,
// when set, decides per command what "the tool" does.
type stubRunner struct {
	commands [][]string
	onRun    func(name string, args []string) (string, error)
}

func (s *stubRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	s.commands = append(s.commands, append([]string{name}, args...))
	if s.onRun != nil {
		return s.onRun(name, args)
	}
	return "", nil
}

func (s *stubRunner) RunInteractive(ctx context.Context, inv *Invocation) error {
	s.commands = append(s.commands, append([]string{inv.Path}, inv.Args...))
	return nil
}

func (s *stubRunner) ran(name string) bool {
	for _, cmd := range s.commands {
		if cmd[0] == name {
			return true
		}
	}
	return false
}

func writeFixture(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

// guestBuilder wires a builder whose content build is faked: the export
// step writes a fixed content image, everything else succeeds silently.
func guestBuilder(t *testing.T) (*Builder, *stubRunner) {
	t.Helper()
	b := testBuilder(t)

	writeFixture(t, b.cfg.OVMFPath(), []byte("firmware"))
	writeFixture(t, filepath.Join(b.cfg.Dirs.Kernel, "boot", "vmlinuz-6.8.0"), []byte("kernel"))
	writeFixture(t, b.cfg.InitrdPath(), []byte("initrd"))

	content := make([]byte, 2*4096+100)
	for i := range content {
		content[i] = byte(i % 149)
	}

	stub := &stubRunner{
		onRun: func(name string, args []string) (string, error) {
			if name == "bash" && strings.HasSuffix(args[0], "export-content.sh") {
				out := args[2]
				require.NoError(t, os.MkdirAll(filepath.Dir(out), 0755))
				require.NoError(t, os.WriteFile(out, content, 0644))
			}
			return "", nil
		},
	}
	b.runner = stub
	return b, stub
}

func TestBuildGuestIdempotent(t *testing.T) {
	b, _ := guestBuilder(t)

	require.NoError(t, b.runBuildGuest(context.Background()))

	artifacts := []string{
		b.cfg.RootHashPath(),
		b.cfg.VerityHashTreePath(),
		b.cfg.VerityImagePath(),
		b.cfg.VMConfigPath(),
		b.cfg.MeasurementInputsPath(),
	}
	first := make(map[string][]byte)
	for _, path := range artifacts {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		first[path] = data
	}

	require.NoError(t, b.runBuildGuest(context.Background()))

	for _, path := range artifacts {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, first[path], data, "rerun must leave %s byte identical", path)
	}
}

func TestBuildGuestFailedContentBuildLeavesNoArtifacts(t *testing.T) {
	b, stub := guestBuilder(t)
	boom := errors.New("content build broke")
	stub.onRun = func(name string, args []string) (string, error) {
		if name == "docker" {
			return "", boom
		}
		return "", nil
	}

	err := b.runBuildGuest(context.Background())
	require.ErrorIs(t, err, boom)

	for _, path := range []string{
		b.cfg.RootHashPath(),
		b.cfg.VerityHashTreePath(),
		b.cfg.MeasurementInputsPath(),
		b.cfg.VMConfigPath(),
	} {
		_, statErr := os.Stat(path)
		require.True(t, os.IsNotExist(statErr), "%s must not be produced by a failed build", path)
	}
}

func TestBuildBaseRunsSetupBoot(t *testing.T) {
	b := testBuilder(t)
	writeFixture(t, filepath.Join(b.cfg.Dirs.SNP, "linux", "guest", "linux-image-6.8.0.deb"), []byte("deb"))
	writeFixture(t, b.cfg.TemplateUserDataPath(), []byte("#cloud-config\n"))
	require.NoError(t, os.MkdirAll(b.cfg.Dirs.Guest, 0755))

	stub := &stubRunner{}
	b.runner = stub

	require.NoError(t, b.runBuildBase(context.Background()))

	require.True(t, stub.ran("dpkg"))
	require.True(t, stub.ran("qemu-img"))
	require.True(t, stub.ran("cloud-localds"))

	// Provisioning must run last, as a build-mode boot with the cloud-init
	// blob attached and automation suppressed.
	last := stub.commands[len(stub.commands)-1]
	require.Equal(t, b.cfg.LaunchScript, last[0])
	require.Contains(t, last, "-hda")
	require.Contains(t, last, b.cfg.BaseImagePath())
	require.Contains(t, last, "-hdb")
	require.Contains(t, last, b.cfg.CloudConfigPath())
	require.Contains(t, last, "-noauto")
	require.NotContains(t, last, "-sev-snp")
}

func TestInitBuildsAttestationTools(t *testing.T) {
	b := testBuilder(t)
	stub := &stubRunner{}
	b.runner = stub

	// Present release marker skips the download; present tool source
	// triggers the cargo build into the bin dir.
	require.NoError(t, os.MkdirAll(filepath.Join(b.cfg.Dirs.SNP, "usr"), 0755))
	require.NoError(t, os.MkdirAll(b.cfg.AttestationToolsPath(), 0755))

	require.NoError(t, b.runInit(context.Background()))

	require.True(t, stub.ran("cargo"))
	var cargoCmd []string
	for _, cmd := range stub.commands {
		if cmd[0] == "cargo" {
			cargoCmd = cmd
		}
	}
	require.Contains(t, cargoCmd, "install")
	require.Contains(t, cargoCmd, b.cfg.AttestationToolsPath())
	require.Contains(t, cargoCmd, b.cfg.Dirs.Build)
}

func TestInitSkipsToolBuildWithoutSource(t *testing.T) {
	b := testBuilder(t)
	stub := &stubRunner{}
	b.runner = stub

	require.NoError(t, os.MkdirAll(filepath.Join(b.cfg.Dirs.SNP, "usr"), 0755))

	require.NoError(t, b.runInit(context.Background()))
	require.False(t, stub.ran("cargo"))
}

func TestNewestMatchNumericOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"vmlinuz-6.9", "vmlinuz-6.10", "vmlinuz-6.2"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	got, err := newestMatch(filepath.Join(dir, "vmlinuz-*"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "vmlinuz-6.10"), got)
}

func TestNewestMatchMissing(t *testing.T) {
	_, err := newestMatch(filepath.Join(t.TempDir(), "vmlinuz-*"))
	var incomplete *interfaces.IncompleteArtifact
	require.ErrorAs(t, err, &incomplete)
}
