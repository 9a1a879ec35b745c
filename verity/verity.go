// Package verity implements the integrity layer: it turns a raw content
// image into a read-only data image plus a Merkle hash-tree image, and
// yields the tree's root hash.
//
// All parameters are pinned so the same input bytes always yield the same
// hash tree and root hash: 4096-byte blocks, SHA-256 digests, and a salt
// derived deterministically from the source image digest. No timestamps or
// random values enter the computation.
package verity

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"

	"github.com/snpguard/vm-builder/interfaces"
)

// BlockSize is the pinned data and hash block size in bytes.
const BlockSize = 4096

// saltInfo versions the deterministic salt derivation. Changing it changes
// every root hash, so it is part of the measured contract.
const saltInfo = "verity-salt-v1"

// digestsPerBlock is how many SHA-256 digests fit in one hash block.
const digestsPerBlock = BlockSize / sha256.Size

// Formatter materializes a hash tree for a data image and returns the root
// hash. Implementations must be deterministic for identical input bytes.
type Formatter interface {
	Format(ctx context.Context, dataImage, hashTreeOut string) (interfaces.RootHash, error)
}

// Protector runs integrity protection over source images and publishes the
// verity artifact triple.
type Protector struct {
	formatter Formatter
	log       *slog.Logger
}

// NewProtector creates a protector using the given formatter.
func NewProtector(formatter Formatter, log *slog.Logger) *Protector {
	return &Protector{formatter: formatter, log: log}
}

// Protect copies sourceImage verbatim to dataImageOut, formats the hash
// tree into hashTreeOut, and writes the root hash in hex to rootHashOut.
//
// Protect is idempotent: rerunning it over byte-identical input overwrites
// the outputs with byte-identical content. It is never retried internally;
// a half-written hash tree must never be trusted, so any failure aborts.
func (p *Protector) Protect(ctx context.Context, sourceImage, dataImageOut, hashTreeOut, rootHashOut string) (*interfaces.VerityArtifact, error) {
	if _, err := os.Stat(sourceImage); err != nil {
		return nil, &interfaces.IntegrityFailure{Op: "source check", Err: fmt.Errorf("%w: %s", interfaces.ErrSourceUnreadable, sourceImage)}
	}

	p.log.Info("Protecting source image", "source", sourceImage, "dataImage", dataImageOut)

	if err := copyFile(sourceImage, dataImageOut); err != nil {
		return nil, &interfaces.IntegrityFailure{Op: "data image copy", Err: err}
	}

	rootHash, err := p.formatter.Format(ctx, dataImageOut, hashTreeOut)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(rootHashOut), 0755); err != nil {
		return nil, &interfaces.IntegrityFailure{Op: "root hash publish", Err: err}
	}
	if err := os.WriteFile(rootHashOut, []byte(rootHash.String()), 0644); err != nil {
		return nil, &interfaces.IntegrityFailure{Op: "root hash publish", Err: err}
	}

	p.log.Info("Integrity protection complete", "rootHash", rootHash.String())

	return &interfaces.VerityArtifact{
		DataImage:     dataImageOut,
		HashTreeImage: hashTreeOut,
		RootHash:      rootHash,
	}, nil
}

// NativeFormatter computes the hash tree in-process.
//
// Tree construction: every data block is hashed as H(salt || block); each
// hash level packs child digests into 4096-byte blocks (zero padded) and is
// hashed the same way, until a single block remains. The hash-tree image
// stores levels root-first. The root hash is H(salt || root block).
type NativeFormatter struct {
	log *slog.Logger
}

// NewNativeFormatter creates the in-process formatter.
func NewNativeFormatter(log *slog.Logger) *NativeFormatter {
	return &NativeFormatter{log: log}
}

// Format builds the hash tree for dataImage and writes it to hashTreeOut.
func (f *NativeFormatter) Format(ctx context.Context, dataImage, hashTreeOut string) (interfaces.RootHash, error) {
	salt, err := DeriveSalt(dataImage)
	if err != nil {
		return interfaces.RootHash{}, &interfaces.IntegrityFailure{Op: "salt derivation", Err: err}
	}

	leafLevel, err := hashDataBlocks(ctx, dataImage, salt)
	if err != nil {
		return interfaces.RootHash{}, &interfaces.IntegrityFailure{Op: "block hashing", Err: err}
	}

	// Build levels bottom-up until one block holds all digests.
	levels := [][]byte{packDigests(leafLevel)}
	for len(levels[len(levels)-1]) > BlockSize {
		prev := levels[len(levels)-1]
		digests := hashBlocks(prev, salt)
		levels = append(levels, packDigests(digests))
	}

	if err := os.MkdirAll(filepath.Dir(hashTreeOut), 0755); err != nil {
		return interfaces.RootHash{}, &interfaces.IntegrityFailure{Op: "hash tree write", Err: err}
	}
	out, err := os.Create(hashTreeOut)
	if err != nil {
		return interfaces.RootHash{}, &interfaces.IntegrityFailure{Op: "hash tree write", Err: err}
	}
	defer out.Close()

	// Root-first layout.
	for i := len(levels) - 1; i >= 0; i-- {
		if _, err := out.Write(levels[i]); err != nil {
			return interfaces.RootHash{}, &interfaces.IntegrityFailure{Op: "hash tree write", Err: err}
		}
	}

	rootBlock := levels[len(levels)-1]
	var rootHash interfaces.RootHash
	copy(rootHash[:], saltedSum(salt, rootBlock))

	if f.log != nil {
		f.log.Debug("Hash tree formatted",
			slog.String("hashTree", hashTreeOut),
			slog.Int("levels", len(levels)),
			slog.String("rootHash", rootHash.String()))
	}
	return rootHash, nil
}

// DeriveSalt derives the pinned verity salt from the source image content.
// The salt is a pure function of the image bytes, keeping the whole
// computation reproducible without a configured secret.
func DeriveSalt(dataImage string) ([]byte, error) {
	f, err := os.Open(dataImage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSourceUnreadable, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to digest source image: %w", err)
	}

	salt := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, h.Sum(nil), nil, []byte(saltInfo))
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("failed to derive salt: %w", err)
	}
	return salt, nil
}

func hashDataBlocks(ctx context.Context, dataImage string, salt []byte) ([]byte, error) {
	f, err := os.Open(dataImage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSourceUnreadable, err)
	}
	defer f.Close()

	var digests []byte
	block := make([]byte, BlockSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := io.ReadFull(f, block)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to read data block: %w", err)
		}
		// The final partial block is zero padded to the block size.
		for i := n; i < BlockSize; i++ {
			block[i] = 0
		}
		digests = append(digests, saltedSum(salt, block)...)
		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	if len(digests) == 0 {
		return nil, fmt.Errorf("source image is empty")
	}
	return digests, nil
}

// hashBlocks hashes each 4096-byte block of a packed level.
func hashBlocks(level []byte, salt []byte) []byte {
	var digests []byte
	for off := 0; off < len(level); off += BlockSize {
		digests = append(digests, saltedSum(salt, level[off:off+BlockSize])...)
	}
	return digests
}

// packDigests zero-pads a digest run up to a whole number of hash blocks.
func packDigests(digests []byte) []byte {
	blocks := (len(digests)/sha256.Size + digestsPerBlock - 1) / digestsPerBlock
	packed := make([]byte, blocks*BlockSize)
	copy(packed, digests)
	return packed
}

func saltedSum(salt, data []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(data)
	return h.Sum(nil)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSourceUnreadable, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy image: %w", err)
	}
	return out.Sync()
}
