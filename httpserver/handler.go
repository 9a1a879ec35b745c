package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/snpguard/vm-builder/common"
	"github.com/snpguard/vm-builder/measurement"
)

// Handler serves the published artifacts of a completed guest build.
type Handler struct {
	measurementInputsPath string
	vmConfigPath          string
	rootHashPath          string
	log                   *slog.Logger
}

// NewHandler creates a handler over the artifact paths of one build.
func NewHandler(measurementInputsPath, vmConfigPath, rootHashPath string, log *slog.Logger) *Handler {
	return &Handler{
		measurementInputsPath: measurementInputsPath,
		vmConfigPath:          vmConfigPath,
		rootHashPath:          rootHashPath,
		log:                   log,
	}
}

// HandleMeasurementInputs serves the measurement-input record. The record
// is parsed before serving so a half-written file can never reach a
// verifier.
func (h *Handler) HandleMeasurementInputs(w http.ResponseWriter, r *http.Request) {
	record, err := measurement.Load(h.measurementInputsPath)
	if err != nil {
		h.log.Debug("Measurement inputs unavailable", "err", err)
		http.Error(w, "measurement inputs not available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(record); err != nil {
		h.log.Error("Failed to encode measurement inputs", "err", err)
	}
}

// HandleVMConfig serves the measured VM configuration file verbatim.
func (h *Handler) HandleVMConfig(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(h.vmConfigPath)
	if err != nil {
		h.log.Debug("VM config unavailable", "err", err)
		http.Error(w, "vm config not available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/toml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type nodeInfo struct {
	Service  string `json:"service"`
	Version  string `json:"version"`
	RootHash string `json:"root_hash,omitempty"`
}

// HandleNodeInfo serves basic identification for this node, including the
// verity root hash of the last completed build when one exists.
func (h *Handler) HandleNodeInfo(w http.ResponseWriter, r *http.Request) {
	info := nodeInfo{
		Service: common.PackageName,
		Version: common.Version,
	}
	if data, err := os.ReadFile(h.rootHashPath); err == nil {
		info.RootHash = string(data)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		h.log.Error("Failed to encode node info", "err", err)
	}
}
