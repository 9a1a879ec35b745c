package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snpguard/vm-builder/interfaces"
	"github.com/snpguard/vm-builder/measurement"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	h := NewHandler(
		filepath.Join(dir, "inputs.json"),
		filepath.Join(dir, "vm-config.toml"),
		filepath.Join(dir, "roothash.txt"),
		testLogger(),
	)
	return h, dir
}

func TestHandleMeasurementInputs(t *testing.T) {
	h, dir := newTestHandler(t)

	record := &interfaces.MeasurementInputs{
		Inputs: []interfaces.MeasurementInput{
			{Label: "kernel_cmdline", Length: 5, Value: "hello"},
		},
		VCPUCount: 12,
	}
	require.NoError(t, measurement.WriteRecord(record, filepath.Join(dir, "inputs.json")))

	rec := httptest.NewRecorder()
	h.HandleMeasurementInputs(rec, httptest.NewRequest(http.MethodGet, "/api/public/measurement-inputs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got interfaces.MeasurementInputs
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, *record, got)
}

func TestHandleMeasurementInputsMissing(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.HandleMeasurementInputs(rec, httptest.NewRequest(http.MethodGet, "/api/public/measurement-inputs", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleVMConfig(t *testing.T) {
	h, dir := newTestHandler(t)

	content := []byte("host_cpu_family = \"Milan\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vm-config.toml"), content, 0644))

	rec := httptest.NewRecorder()
	h.HandleVMConfig(rec, httptest.NewRequest(http.MethodGet, "/api/public/vm-config", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, content, rec.Body.Bytes(), "config must be served verbatim")
}

func TestHandleVMConfigMissing(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.HandleVMConfig(rec, httptest.NewRequest(http.MethodGet, "/api/public/vm-config", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleNodeInfo(t *testing.T) {
	h, dir := newTestHandler(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "roothash.txt"), []byte("cafe"), 0644))

	rec := httptest.NewRecorder()
	h.HandleNodeInfo(rec, httptest.NewRequest(http.MethodGet, "/api/public/node-info", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, "vm-builder", info["service"])
	require.Equal(t, "cafe", info["root_hash"])
}
