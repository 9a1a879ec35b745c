// Command vm-builder drives the confidential guest build pipeline: it
// assembles the guest image, protects it with a verity hash tree, derives
// the measurement-input record, and packages or distributes the release
// bundle.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/snpguard/vm-builder/buildconf"
	"github.com/snpguard/vm-builder/cmd/flags"
	"github.com/snpguard/vm-builder/common"
	"github.com/snpguard/vm-builder/httpserver"
	"github.com/snpguard/vm-builder/interfaces"
	"github.com/snpguard/vm-builder/pipeline"
	"github.com/snpguard/vm-builder/release"
)

var bundleURLFlag = &cli.StringFlag{
	Name:     "bundle-url",
	Required: true,
	Usage:    "URL of the release bundle archive",
}
var bundleDirFlag = &cli.StringFlag{
	Name:  "bundle-dir",
	Usage: "directory to extract the bundle into, defaults to <root>/release",
}
var skipVerifyFlag = &cli.BoolFlag{
	Name:  "skip-verify",
	Value: false,
	Usage: "skip re-deriving the measurement record after download",
}

var s3BucketFlag = &cli.StringFlag{
	Name:     "s3-bucket",
	Required: true,
	Usage:    "S3 bucket holding release bundles",
}
var s3PrefixFlag = &cli.StringFlag{
	Name:  "s3-prefix",
	Usage: "key prefix inside the bucket",
}
var s3RegionFlag = &cli.StringFlag{
	Name:  "s3-region",
	Value: "us-east-1",
	Usage: "S3 region",
}
var s3EndpointFlag = &cli.StringFlag{
	Name:  "s3-endpoint",
	Usage: "custom S3 endpoint for compatible services",
}
var s3AccessKeyFlag = &cli.StringFlag{
	Name:    "s3-access-key",
	Usage:   "S3 access key for push access",
	EnvVars: []string{"S3_ACCESS_KEY"},
}
var s3SecretKeyFlag = &cli.StringFlag{
	Name:    "s3-secret-key",
	Usage:   "S3 secret key for push access",
	EnvVars: []string{"S3_SECRET_KEY"},
}
var bundleNameFlag = &cli.StringFlag{
	Name:  "bundle-name",
	Value: "release.tar.gz",
	Usage: "object name of the bundle in the store",
}

var listenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "0.0.0.0:8080",
	Usage: "address to serve build artifacts on",
}

func main() {
	app := &cli.App{
		Name:    "vm-builder",
		Usage:   "build, measure, and package confidential VM images",
		Version: common.Version,
		Commands: []*cli.Command{
			stageCommand("init", "create the build layout and fetch the SNP toolchain release"),
			stageCommand("build_base", "unpack the kernel, build the initramfs, and create the base image"),
			stageCommand("build_guest", "build guest content, protect it, and derive the measurement record"),
			stageCommand("package_release", "assemble and archive the release bundle"),
			{
				Name:  "build",
				Usage: "run every build stage in order",
				Flags: joinFlags(flags.CommonFlags, flags.BuildFlags),
				Action: func(cCtx *cli.Context) error {
					b, _, err := newBuilder(cCtx)
					if err != nil {
						return err
					}
					return b.Orchestrator().RunAll(cCtx.Context)
				},
			},
			{
				Name:  "start",
				Usage: "boot the unprotected base image for interactive setup",
				Flags: joinFlags(flags.CommonFlags, flags.BuildFlags, launchFlags()),
				Action: func(cCtx *cli.Context) error {
					return runStart(cCtx, interfaces.BuildMode)
				},
			},
			{
				Name:  "start_release",
				Usage: "boot the verity-protected guest with the measured configuration",
				Flags: joinFlags(flags.CommonFlags, flags.BuildFlags, launchFlags()),
				Action: func(cCtx *cli.Context) error {
					return runStart(cCtx, interfaces.ReleaseMode)
				},
			},
			{
				Name:  "download_release",
				Usage: "fetch a published bundle and verify its measurement record",
				Flags: joinFlags(flags.CommonFlags, flags.BuildFlags,
					[]cli.Flag{bundleURLFlag, bundleDirFlag, skipVerifyFlag}),
				Action: runDownloadRelease,
			},
			{
				Name:  "push_release",
				Usage: "upload the release archive to an S3 bundle store",
				Flags: joinFlags(flags.CommonFlags, flags.BuildFlags, []cli.Flag{
					s3BucketFlag, s3PrefixFlag, s3RegionFlag, s3EndpointFlag,
					s3AccessKeyFlag, s3SecretKeyFlag, bundleNameFlag,
				}),
				Action: runPushRelease,
			},
			{
				Name:  "serve",
				Usage: "serve the measurement record and VM config over HTTP",
				Flags: joinFlags(flags.CommonFlags, flags.BuildFlags, flags.ServerFlags,
					[]cli.Flag{listenAddrFlag, flags.LogServiceFlagFn("vm-builder")}),
				Action: runServe,
			},
			{
				Name:  "ssh",
				Usage: "open a debug shell into a running build-mode guest",
				Flags: joinFlags(flags.CommonFlags, flags.BuildFlags),
				Action: func(cCtx *cli.Context) error {
					b, _, err := newBuilder(cCtx)
					if err != nil {
						return err
					}
					return b.SSH(cCtx.Context)
				},
			},
			{
				Name:  "clean",
				Usage: "remove every generated build artifact",
				Flags: joinFlags(flags.CommonFlags, flags.BuildFlags),
				Action: func(cCtx *cli.Context) error {
					b, _, err := newBuilder(cCtx)
					if err != nil {
						return err
					}
					return b.Clean()
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func stageCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: joinFlags(flags.CommonFlags, flags.BuildFlags),
		Action: func(cCtx *cli.Context) error {
			b, _, err := newBuilder(cCtx)
			if err != nil {
				return err
			}
			return b.Orchestrator().RunStage(cCtx.Context, name)
		},
	}
}

func newBuilder(cCtx *cli.Context) (*pipeline.Builder, *slog.Logger, error) {
	log := flags.SetupLogger(cCtx)
	cfg, err := buildconf.Resolve(flags.BuildOverrides(cCtx))
	if err != nil {
		return nil, nil, err
	}
	return pipeline.NewBuilder(cfg, log), log, nil
}

var dataDiskFlag = &cli.StringFlag{
	Name:  "data-disk",
	Usage: "scratch disk to attach after the measured disks",
}
var selfAddrFlag = &cli.StringFlag{
	Name:  "self",
	Usage: "this host's address on the inter-node overlay",
}
var peerAddrFlag = &cli.StringFlag{
	Name:  "peer",
	Usage: "peer address on the inter-node overlay",
}

func launchFlags() []cli.Flag {
	return []cli.Flag{dataDiskFlag, selfAddrFlag, peerAddrFlag}
}

func runStart(cCtx *cli.Context, mode interfaces.RunMode) error {
	b, _, err := newBuilder(cCtx)
	if err != nil {
		return err
	}
	return b.Start(cCtx.Context, mode, &pipeline.LaunchOverrides{
		DataDisk: cCtx.String(dataDiskFlag.Name),
		Self:     cCtx.String(selfAddrFlag.Name),
		Peer:     cCtx.String(peerAddrFlag.Name),
	})
}

func runDownloadRelease(cCtx *cli.Context) error {
	log := flags.SetupLogger(cCtx)
	cfg, err := buildconf.Resolve(flags.BuildOverrides(cCtx))
	if err != nil {
		return err
	}

	dir := cCtx.String(bundleDirFlag.Name)
	if dir == "" {
		dir = cfg.ReleaseDirPath()
	}

	d := release.NewDownloader(log)
	if err := d.Fetch(cCtx.Context, cCtx.String(bundleURLFlag.Name), dir); err != nil {
		return err
	}
	if cCtx.Bool(skipVerifyFlag.Name) {
		log.Warn("Skipping bundle verification")
		return nil
	}
	return d.VerifyBundle(dir)
}

func runPushRelease(cCtx *cli.Context) error {
	log := flags.SetupLogger(cCtx)
	cfg, err := buildconf.Resolve(flags.BuildOverrides(cCtx))
	if err != nil {
		return err
	}

	store, err := release.NewBundleStore(
		cCtx.String(s3BucketFlag.Name),
		cCtx.String(s3PrefixFlag.Name),
		cCtx.String(s3RegionFlag.Name),
		cCtx.String(s3EndpointFlag.Name),
		cCtx.String(s3AccessKeyFlag.Name),
		cCtx.String(s3SecretKeyFlag.Name),
		log,
	)
	if err != nil {
		return err
	}
	return store.Push(cCtx.Context, cfg.ReleaseArchivePath(), cCtx.String(bundleNameFlag.Name))
}

func runServe(cCtx *cli.Context) error {
	log := flags.SetupLogger(cCtx)
	cfg, err := buildconf.Resolve(flags.BuildOverrides(cCtx))
	if err != nil {
		return err
	}

	handler := httpserver.NewHandler(
		cfg.MeasurementInputsPath(),
		cfg.VMConfigPath(),
		cfg.RootHashPath(),
		log,
	)

	srv, err := httpserver.New(flags.ConfigureServer(cCtx, log, cCtx.String(listenAddrFlag.Name)), handler)
	if err != nil {
		return err
	}
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	log.Info("Shutting down")
	srv.Shutdown()
	return nil
}

func joinFlags(groups ...[]cli.Flag) []cli.Flag {
	var all []cli.Flag
	for _, g := range groups {
		all = append(all, g...)
	}
	return all
}
