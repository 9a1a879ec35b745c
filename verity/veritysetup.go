package verity

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/snpguard/vm-builder/interfaces"
)

// VeritysetupFormatter shells out to the host veritysetup tool. It exists
// for parity with hosts that mount the tree through the kernel dm-verity
// target; the salt is passed explicitly so the output stays deterministic
// for identical input bytes.
type VeritysetupFormatter struct {
	// Binary overrides the tool path, default "veritysetup".
	Binary string

	log *slog.Logger
}

// NewVeritysetupFormatter creates the exec-based formatter.
func NewVeritysetupFormatter(log *slog.Logger) *VeritysetupFormatter {
	return &VeritysetupFormatter{log: log}
}

// Format runs veritysetup format and parses the root hash from its output.
func (f *VeritysetupFormatter) Format(ctx context.Context, dataImage, hashTreeOut string) (interfaces.RootHash, error) {
	salt, err := DeriveSalt(dataImage)
	if err != nil {
		return interfaces.RootHash{}, &interfaces.IntegrityFailure{Op: "salt derivation", Err: err}
	}

	binary := f.Binary
	if binary == "" {
		binary = "veritysetup"
	}

	args := []string{
		"format", dataImage, hashTreeOut,
		"--data-block-size", fmt.Sprint(BlockSize),
		"--hash-block-size", fmt.Sprint(BlockSize),
		"--hash", "sha256",
		"--salt", hex.EncodeToString(salt),
	}

	f.log.Debug("Running veritysetup", slog.String("args", strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, binary, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return interfaces.RootHash{}, &interfaces.IntegrityFailure{
			Op: "veritysetup format",
			Err: &interfaces.ToolFailure{
				Command:  append([]string{binary}, args...),
				ExitCode: exitCode,
				Output:   buf.String(),
				Err:      err,
			},
		}
	}

	rootHash, err := parseRootHash(buf.String())
	if err != nil {
		return interfaces.RootHash{}, &interfaces.IntegrityFailure{Op: "veritysetup output parse", Err: err}
	}
	return rootHash, nil
}

// parseRootHash extracts the "Root hash:" line from veritysetup output.
func parseRootHash(output string) (interfaces.RootHash, error) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "Root hash:") {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(line, "Root hash:"))
		return interfaces.NewRootHashFromHex(value)
	}
	return interfaces.RootHash{}, fmt.Errorf("no root hash in veritysetup output")
}
