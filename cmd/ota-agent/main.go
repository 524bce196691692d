package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/common"
	"github.com/unbasical/doras-ota/configs"
	"github.com/unbasical/doras-ota/internal/pkg/utils/logutils"
	"github.com/unbasical/doras-ota/pkg/backoff"
	"github.com/unbasical/doras-ota/pkg/client/updater"
	"github.com/unbasical/doras-ota/pkg/client/updater/device"
	"github.com/unbasical/doras-ota/pkg/client/updater/fetcher"
	"github.com/unbasical/doras-ota/pkg/client/updater/healthchecker"
	"github.com/unbasical/doras-ota/pkg/client/updater/validator"
)

func main() {
	var (
		app = kingpin.New("ota-agent", "Over-the-air update agent for devices that run from a plain file tree")

		configPath = app.Flag("config", "Path to the agent configuration file").Envar("OTA_CONFIG").String()
		repoURL    = app.Flag("repo-url", "Repository that serves manifest.json and the release files, overrides the config file").Envar("OTA_REPO_URL").String()
		root       = app.Flag("root", "Device root that holds the live files, overrides the config file").Envar("OTA_ROOT").String()
		// Logging
		logLevel  = app.Flag("log-level", "Log-Level, must be one of [DEBUG, INFO, WARN, ERROR]").Envar("LOG_LEVEL").Enum("DEBUG", "INFO", "WARN", "ERROR", "debug", "info", "warn", "error")
		logFormat = app.Flag("log-format", "Log-Format, must be one of [TEXT, JSON]").Envar("LOG_FORMAT").Enum("TEXT", "JSON")

		// commands
		boot     = app.Command("boot", "Advance a pending update, run this before the application starts")
		run      = app.Command("run", "Run the boot procedure and check for updates periodically")
		check    = app.Command("check", "Check whether the repository offers another version")
		download = app.Command("download", "Download and verify the offered release into the staging area")
		apply    = app.Command("apply", "Apply the staged release")
		rollback = app.Command("rollback", "Restore the files saved by the last apply")
		status   = app.Command("status", "Show the installed version and the pending update")
		version  = app.Command("version", "Show the version of the agent")
	)
	app.HelpFlag.Short('h')

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))
	if cmd == version.FullCommand() {
		fmt.Println(common.Version())
		return
	}

	cfg, err := configs.LoadAgentConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *repoURL != "" {
		cfg.RepoURL = *repoURL
	}
	if *root != "" {
		cfg.Root = *root
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if err := logutils.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newAgent(&cfg)
	if err != nil {
		log.Fatal(err)
	}
	switch cmd {
	case boot.FullCommand():
		_, err = a.boot(ctx)
	case run.FullCommand():
		err = a.run(ctx)
	case check.FullCommand():
		err = a.check(ctx)
	case download.FullCommand():
		err = a.download(ctx)
	case apply.FullCommand():
		err = a.engine.ApplyUpdate(ctx)
	case rollback.FullCommand():
		err = a.engine.Rollback(ctx)
	case status.FullCommand():
		err = a.status()
	}
	if err != nil {
		log.Fatal(err)
	}
}

type agent struct {
	cfg          *configs.AgentConfigFile
	engine       *updater.Engine
	rebooter     device.Rebooter
	connectivity device.Connectivity
}

func newAgent(cfg *configs.AgentConfigFile) (*agent, error) {
	transport := fetcher.NewHTTPTransport(
		fetcher.WithRetry(cfg.HTTP.Retry),
		fetcher.WithTimeout(cfg.HTTP.Timeout),
		fetcher.WithCompression(cfg.HTTP.Compression),
	)
	e, err := updater.NewEngine(
		updater.WithRepoURL(cfg.RepoURL),
		updater.WithLayout(cfg.Layout()),
		updater.WithTransport(transport),
		updater.WithNormalizeExtensions(cfg.NormalizeExtensions),
		updater.WithReportInterval(cfg.ReportInterval),
	)
	if err != nil {
		return nil, err
	}
	return &agent{
		cfg:          cfg,
		engine:       e,
		rebooter:     device.NewCommandRebooter(cfg.RebootCommand),
		connectivity: device.NewHTTPConnectivity(cfg.Commit.ConnectivityURL, cfg.Commit.ConnectivityTries, cfg.Commit.Delay),
	}, nil
}

func (a *agent) boot(ctx context.Context) (updater.Outcome, error) {
	var extra []healthchecker.HealthChecker
	if len(a.cfg.Commit.HealthCheckCommand) > 0 {
		extra = append(extra, healthchecker.NewShellHealthChecker(a.cfg.Commit.HealthCheckCommand))
	}
	verifier := updater.NewCommitVerifier(a.engine, a.connectivity, a.cfg.Commit.Attempts, a.cfg.Commit.Delay, extra...)
	outcome, err := updater.NewOrchestrator(a.engine, a.rebooter, verifier).Boot(ctx)
	log.Infof("boot finished: %s", outcome)
	if err != nil && outcome == updater.RolledBack {
		// the device runs the previous version again, that is not fatal for the agent
		log.WithError(err).Warn("update was rolled back")
		return outcome, nil
	}
	return outcome, err
}

func (a *agent) run(ctx context.Context) error {
	outcome, err := a.boot(ctx)
	if err != nil {
		return err
	}
	if outcome == updater.Rebooting {
		return nil
	}
	opts := []updater.SchedulerOption{
		updater.WithInterval(a.cfg.Scheduler.CheckInterval),
		updater.WithMemoryThreshold(a.cfg.Scheduler.MemoryThreshold),
		updater.WithStorageMargin(a.cfg.Scheduler.StorageMargin),
	}
	if limit := a.cfg.Scheduler.MaxDownloadSize; limit > 0 {
		opts = append(opts, updater.WithValidators(validator.SizeLimitedValidator{Limit: limit}))
	}
	if limit := a.cfg.Scheduler.VolumeLimit; limit > 0 {
		opts = append(opts, updater.WithValidators(validator.VolumeLimitValidator{
			StatsDir: a.cfg.Scheduler.VolumeStatsDir,
			Limit:    limit,
			Period:   a.cfg.Scheduler.VolumePeriod,
		}))
	}
	if a.cfg.Scheduler.Backoff {
		opts = append(opts, updater.WithFailureBackoff(
			backoff.NewExponentialBackoffWithJitter(a.cfg.Scheduler.CheckInterval, a.cfg.Scheduler.BackoffMax, 0),
		))
	}
	resources := device.NewSystemResources(a.cfg.Root)
	return updater.NewScheduler(a.engine, resources, a.rebooter, opts...).Run(ctx)
}

func (a *agent) check(ctx context.Context) error {
	available, err := a.engine.CheckForUpdate(ctx)
	if err != nil {
		return err
	}
	if !available {
		fmt.Println("up to date")
		return nil
	}
	size, err := a.engine.EstimateDownloadSize(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("update available: %s (about %d bytes)\n", a.engine.Remote().Version, size)
	return nil
}

func (a *agent) download(ctx context.Context) error {
	available, err := a.engine.CheckForUpdate(ctx)
	if err != nil {
		return err
	}
	if !available {
		fmt.Println("up to date")
		return nil
	}
	if err := a.engine.DownloadUpdate(ctx); err != nil {
		return err
	}
	fmt.Printf("staged %s in %s\n", a.engine.Remote().Version, a.engine.Layout().StagingPath())
	return nil
}

func (a *agent) status() error {
	layout := a.engine.Layout()
	fmt.Printf("installed: %s\n", layout.CurrentVersion())
	marker, present, err := a.engine.Marker().Load()
	if err != nil {
		return err
	}
	if present {
		fmt.Printf("pending:   %s (%s)\n", marker.Version, marker.Phase)
	} else {
		fmt.Println("pending:   none")
	}
	if addr, ok := a.connectivity.CurrentAddress(); ok {
		fmt.Printf("address:   %s\n", addr)
	}
	return nil
}
