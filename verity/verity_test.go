package verity

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snpguard/vm-builder/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeImage(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "content.img")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func patternImage(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestNativeFormatterDeterministic(t *testing.T) {
	data := patternImage(3*BlockSize + 100)

	var roots []interfaces.RootHash
	for i := 0; i < 2; i++ {
		dir := t.TempDir()
		img := writeImage(t, dir, data)
		root, err := NewNativeFormatter(testLogger()).Format(context.Background(), img, filepath.Join(dir, "tree.bin"))
		require.NoError(t, err)
		roots = append(roots, root)
	}

	require.Equal(t, roots[0], roots[1], "identical input must yield identical root hash")
}

func TestNativeFormatterBitFlip(t *testing.T) {
	data := patternImage(5 * BlockSize)

	dir := t.TempDir()
	img := writeImage(t, dir, data)
	original, err := NewNativeFormatter(testLogger()).Format(context.Background(), img, filepath.Join(dir, "tree.bin"))
	require.NoError(t, err)

	// Flip one bit deep inside the image.
	flipped := append([]byte(nil), data...)
	flipped[3*BlockSize+17] ^= 0x01

	dir2 := t.TempDir()
	img2 := writeImage(t, dir2, flipped)
	changed, err := NewNativeFormatter(testLogger()).Format(context.Background(), img2, filepath.Join(dir2, "tree.bin"))
	require.NoError(t, err)

	require.NotEqual(t, original, changed, "a single flipped bit must change the root hash")
}

func TestNativeFormatterHashTreeSize(t *testing.T) {
	data := patternImage(256 * BlockSize)

	dir := t.TempDir()
	img := writeImage(t, dir, data)
	treePath := filepath.Join(dir, "tree.bin")
	_, err := NewNativeFormatter(testLogger()).Format(context.Background(), img, treePath)
	require.NoError(t, err)

	info, err := os.Stat(treePath)
	require.NoError(t, err)

	// 256 data blocks need 2 leaf-level blocks plus 1 root block.
	require.Equal(t, int64(3*BlockSize), info.Size())
	require.Less(t, info.Size(), int64(len(data)), "hash tree must be a small fraction of the data")
}

func TestProtectPublishesArtifact(t *testing.T) {
	data := patternImage(2*BlockSize + 1)

	dir := t.TempDir()
	src := writeImage(t, dir, data)
	dataOut := filepath.Join(dir, "out", "guest.img")
	treeOut := filepath.Join(dir, "out", "tree.bin")
	rootOut := filepath.Join(dir, "out", "roothash.txt")

	p := NewProtector(NewNativeFormatter(testLogger()), testLogger())
	artifact, err := p.Protect(context.Background(), src, dataOut, treeOut, rootOut)
	require.NoError(t, err)

	copied, err := os.ReadFile(dataOut)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, copied), "data image must be copied byte for byte")

	published, err := os.ReadFile(rootOut)
	require.NoError(t, err)
	require.Equal(t, artifact.RootHash.String(), string(published))

	parsed, err := interfaces.NewRootHashFromHex(string(published))
	require.NoError(t, err)
	require.Equal(t, artifact.RootHash, parsed)
}

func TestProtectIdempotent(t *testing.T) {
	data := patternImage(4 * BlockSize)

	dir := t.TempDir()
	src := writeImage(t, dir, data)
	dataOut := filepath.Join(dir, "guest.img")
	treeOut := filepath.Join(dir, "tree.bin")
	rootOut := filepath.Join(dir, "roothash.txt")

	p := NewProtector(NewNativeFormatter(testLogger()), testLogger())

	first, err := p.Protect(context.Background(), src, dataOut, treeOut, rootOut)
	require.NoError(t, err)
	firstTree, err := os.ReadFile(treeOut)
	require.NoError(t, err)

	second, err := p.Protect(context.Background(), src, dataOut, treeOut, rootOut)
	require.NoError(t, err)
	secondTree, err := os.ReadFile(treeOut)
	require.NoError(t, err)

	require.Equal(t, first.RootHash, second.RootHash)
	require.True(t, bytes.Equal(firstTree, secondTree), "rerun must produce a byte-identical hash tree")
}

func TestProtectUnreadableSource(t *testing.T) {
	dir := t.TempDir()
	p := NewProtector(NewNativeFormatter(testLogger()), testLogger())

	_, err := p.Protect(context.Background(),
		filepath.Join(dir, "does-not-exist.img"),
		filepath.Join(dir, "guest.img"),
		filepath.Join(dir, "tree.bin"),
		filepath.Join(dir, "roothash.txt"))
	require.Error(t, err)
	require.ErrorIs(t, err, interfaces.ErrSourceUnreadable)

	var integrity *interfaces.IntegrityFailure
	require.True(t, errors.As(err, &integrity))
}

func TestParseRootHash(t *testing.T) {
	want := "b3798bf2575ae0be0864757f3b0ca0c6c2e1465132df9fbeeee8d23f3b1e6c51"
	output := "VERITY header information for tree.bin\n" +
		"UUID:            \nHash type:       1\n" +
		"Root hash:      " + want + "\n"

	root, err := parseRootHash(output)
	require.NoError(t, err)
	require.Equal(t, want, root.String())

	_, err = parseRootHash("no useful output")
	require.Error(t, err)
}

func TestDeriveSaltMatchesContentNotPath(t *testing.T) {
	data := patternImage(BlockSize)

	dirA := t.TempDir()
	dirB := t.TempDir()
	imgA := writeImage(t, dirA, data)
	imgB := writeImage(t, dirB, data)

	saltA, err := DeriveSalt(imgA)
	require.NoError(t, err)
	saltB, err := DeriveSalt(imgB)
	require.NoError(t, err)

	require.Equal(t, saltA, saltB, "salt depends only on content")
}
