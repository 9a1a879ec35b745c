package release

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snpguard/vm-builder/interfaces"
	"github.com/snpguard/vm-builder/measurement"
	"github.com/snpguard/vm-builder/vmconfig"
)

// publishBundle packages a complete bundle, including its measurement
// record, and serves the archive over a test HTTP server.
func publishBundle(t *testing.T) (url string, cleanup func()) {
	t.Helper()
	fx := newBundleFixture(t)

	cfg, err := vmconfig.Load(fx.inputs.VMConfigPath)
	require.NoError(t, err)
	def, err := cfg.Definition()
	require.NoError(t, err)

	record, err := measurement.NewComputer(testLogger()).Compute(cfg.BootChain(), def)
	require.NoError(t, err)

	inputsPath := filepath.Join(filepath.Dir(fx.inputs.VMConfigPath), "inputs.json")
	require.NoError(t, measurement.WriteRecord(record, inputsPath))
	fx.inputs.MeasurementInputsPath = inputsPath

	_, err = NewPackager(testLogger()).Package(fx.inputs, fx.bundleDir, fx.archivePath)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, fx.archivePath)
	}))
	return srv.URL + "/release.tar.gz", srv.Close
}

func TestFetchAndVerifyBundle(t *testing.T) {
	url, cleanup := publishBundle(t)
	defer cleanup()

	dir := t.TempDir()
	d := NewDownloader(testLogger())

	require.NoError(t, d.Fetch(context.Background(), url, dir))

	_, err := os.Stat(filepath.Join(dir, "vm-config.toml"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "guest.qcow2"))
	require.NoError(t, err)

	require.NoError(t, d.VerifyBundle(dir))
}

func TestVerifyBundleDetectsTampering(t *testing.T) {
	url, cleanup := publishBundle(t)
	defer cleanup()

	dir := t.TempDir()
	d := NewDownloader(testLogger())
	require.NoError(t, d.Fetch(context.Background(), url, dir))

	// Swap the kernel after download.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vmlinuz-6.8.0"), []byte("evil kernel"), 0644))

	err := d.VerifyBundle(dir)
	require.Error(t, err)

	var integrity *interfaces.IntegrityFailure
	require.ErrorAs(t, err, &integrity)
}

func TestFetchRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	err := NewDownloader(testLogger()).Fetch(context.Background(), srv.URL, t.TempDir())
	require.Error(t, err)
	require.ErrorContains(t, err, "404")
}
