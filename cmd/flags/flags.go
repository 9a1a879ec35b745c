package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/snpguard/vm-builder/buildconf"
	"github.com/snpguard/vm-builder/common"
	"github.com/snpguard/vm-builder/httpserver"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String("metrics-addr")
	enablePprof := cCtx.Bool("pprof")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// BuildOverrides collects the build configuration flags.
func BuildOverrides(cCtx *cli.Context) buildconf.Overrides {
	return buildconf.Overrides{
		Root:          cCtx.String(RootDirFlag.Name),
		ContentBranch: cCtx.String(ContentBranchFlag.Name),
		ComputeBranch: cCtx.String(ComputeBranchFlag.Name),
		Debug:         cCtx.Bool(DebugFlag.Name),
		EnableKVM:     cCtx.Bool(EnableKVMFlag.Name),
		EnableTPM:     cCtx.Bool(EnableTPMFlag.Name),
		EnableGPU:     cCtx.Bool(EnableGPUFlag.Name),
		VCPUCount:     cCtx.Int(VCPUCountFlag.Name),
		MemoryMB:      cCtx.Int(MemoryFlag.Name),
		HostCPUFamily: cCtx.String(CPUFamilyFlag.Name),
		GuestFeatures: cCtx.Uint64(GuestFeaturesFlag.Name),
		PlatformInfo:  cCtx.Uint64(PlatformInfoFlag.Name),
		GuestPolicy:   cCtx.Uint64(GuestPolicyFlag.Name),
		FamilyID:      cCtx.String(FamilyIDFlag.Name),
		ImageID:       cCtx.String(ImageIDFlag.Name),
		SNPReleaseURL: cCtx.String(SNPReleaseURLFlag.Name),
		LaunchScript:  cCtx.String(LaunchScriptFlag.Name),
		VMHost:        cCtx.String(VMHostFlag.Name),
		VMPort:        cCtx.Int(VMPortFlag.Name),
		VMUser:        cCtx.String(VMUserFlag.Name),
		ServicePort:   cCtx.Int(ServicePortFlag.Name),
		MonitorPort:   cCtx.Int(MonitorPortFlag.Name),
	}
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var RootDirFlag = &cli.StringFlag{
	Name:  "root-dir",
	Usage: "build root directory, defaults to the working directory",
}
var ContentBranchFlag = &cli.StringFlag{
	Name:  "content-branch",
	Usage: "branch of the guest content repository to build",
}
var ComputeBranchFlag = &cli.StringFlag{
	Name:  "compute-branch",
	Usage: "branch of the compute stack to build into the guest",
}
var DebugFlag = &cli.BoolFlag{
	Name:  "debug",
	Value: false,
	Usage: "enable guest debug facilities (serial console, SSH)",
}
var EnableKVMFlag = &cli.BoolFlag{
	Name:  "enable-kvm",
	Value: true,
	Usage: "use KVM acceleration",
}
var EnableTPMFlag = &cli.BoolFlag{
	Name:  "enable-tpm",
	Value: false,
	Usage: "attach a virtual TPM to the guest",
}
var EnableGPUFlag = &cli.BoolFlag{
	Name:  "enable-gpu",
	Value: false,
	Usage: "pass a GPU through to the guest",
}
var VCPUCountFlag = &cli.IntFlag{
	Name:  "vcpu-count",
	Usage: "guest vCPU count, part of the launch measurement",
}
var MemoryFlag = &cli.IntFlag{
	Name:  "memory-mb",
	Usage: "guest memory in MB",
}
var CPUFamilyFlag = &cli.StringFlag{
	Name:  "cpu-family",
	Usage: "host CPU family (e.g. Milan), part of the launch measurement",
}
var GuestFeaturesFlag = &cli.Uint64Flag{
	Name:  "guest-features",
	Usage: "SNP guest feature mask",
}
var PlatformInfoFlag = &cli.Uint64Flag{
	Name:  "platform-info",
	Usage: "SNP platform info mask",
}
var GuestPolicyFlag = &cli.Uint64Flag{
	Name:  "guest-policy",
	Usage: "SNP guest policy mask",
}
var FamilyIDFlag = &cli.StringFlag{
	Name:  "family-id",
	Usage: "guest family id. 32-char hex string",
}
var ImageIDFlag = &cli.StringFlag{
	Name:  "image-id",
	Usage: "guest image id. 32-char hex string",
}
var SNPReleaseURLFlag = &cli.StringFlag{
	Name:  "snp-release-url",
	Usage: "URL of the SNP host toolchain release tarball",
}
var LaunchScriptFlag = &cli.StringFlag{
	Name:  "launch-script",
	Usage: "path to the host launch script",
}
var VMHostFlag = &cli.StringFlag{
	Name:  "vm-host",
	Usage: "host the guest's SSH port is forwarded on",
}
var VMPortFlag = &cli.IntFlag{
	Name:  "vm-port",
	Usage: "forwarded guest SSH port",
}
var VMUserFlag = &cli.StringFlag{
	Name:  "vm-user",
	Usage: "guest SSH user",
}
var ServicePortFlag = &cli.IntFlag{
	Name:  "service-port",
	Usage: "forwarded guest service port",
}
var MonitorPortFlag = &cli.IntFlag{
	Name:  "monitor-port",
	Usage: "QEMU monitor port",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var BuildFlags = []cli.Flag{
	RootDirFlag,
	ContentBranchFlag,
	ComputeBranchFlag,
	DebugFlag,
	EnableKVMFlag,
	EnableTPMFlag,
	EnableGPUFlag,
	VCPUCountFlag,
	MemoryFlag,
	CPUFamilyFlag,
	GuestFeaturesFlag,
	PlatformInfoFlag,
	GuestPolicyFlag,
	FamilyIDFlag,
	ImageIDFlag,
	SNPReleaseURLFlag,
	LaunchScriptFlag,
	VMHostFlag,
	VMPortFlag,
	VMUserFlag,
	ServicePortFlag,
	MonitorPortFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
