package main

import (
	"context"
	_ "net/http/pprof" // profiling only
	"os"
	"runtime"
	"time"

	"github.com/perforce/p4prometheus/version"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/internal/logutil"
	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/p4"
	"github.com/rcowham/p4transfer/scheduler"
)

const dateTimeFormat = "2006/01/02 15:04"

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Config file for p4transfer.",
		).Default("p4transfer.yaml").Short('c').String()
		sampleConfig = kingpin.Flag(
			"sample-config",
			"Print a sample config file and exit.",
		).Bool()
		maximum = kingpin.Flag(
			"maximum",
			"Max number of changes to process (0 means no limit).",
		).Default("0").Short('m').Int()
		repeat = kingpin.Flag(
			"repeat",
			"Keep polling for new changes indefinitely instead of stopping after one batch.",
		).Bool()
		stopOnError = kingpin.Flag(
			"stoponerror",
			"Stop (instead of sleeping and retrying) on a transient error.",
		).Bool()
		ignoreErrors = kingpin.Flag(
			"ignore-errors",
			"Skip (instead of failing) a change that hits a logic error, and log equivalence mismatches instead of failing on them.",
		).Bool()
		noKeywords = kingpin.Flag(
			"nokeywords",
			"Don't expand/preserve RCS keywords in ktext/kxtext files.",
		).Bool()
		noTransfer = kingpin.Flag(
			"notransfer",
			"Validate the source/target and configuration only; never mutate target state.",
		).Bool()
		ignoreIntegrations = kingpin.Flag(
			"ignore-integrations",
			"Treat all integration edges as plain add/edit.",
		).Bool()
		endDatetime = kingpin.Flag(
			"end-datetime",
			"Stop once this wall-clock time is reached (format: \"YYYY/MM/DD HH:mm\").",
		).String()
		resetConnection = kingpin.Flag(
			"reset-connection",
			"Drop and re-establish both endpoint connections every N replicated changes (0 disables it, overrides config).",
		).Default("0").Int()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Default("0").Int()
		cpuProfile = kingpin.Flag(
			"cpuprofile",
			"Write a pprof CPU profile covering the run to this directory.",
		).String()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("p4transfer")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Replicates submitted changes from a source Perforce depot to a target Perforce depot.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	if *sampleConfig {
		os.Stdout.WriteString(config.SampleConfig())
		return
	}

	if *cpuProfile != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(*cpuProfile)).Stop()
	}

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(1)
	}

	var logFile *logutil.RotatingFile
	if cfg.Logfile != "" {
		logFile, err = logutil.NewRotatingFile(cfg.Logfile, cfg.MaxLogfileSize)
		if err != nil {
			logger.Errorf("error opening logfile %s: %v", cfg.Logfile, err)
			os.Exit(1)
		}
		defer logFile.Close()
		logger = logutil.NewLogger(logFile)
		if *debug > 0 {
			logger.Level = logrus.DebugLevel
		}
	}

	var endDT time.Time
	if *endDatetime != "" {
		endDT, err = time.ParseInLocation(dateTimeFormat, *endDatetime, time.Local)
		if err != nil {
			logger.Errorf("invalid --end-datetime %q: %v", *endDatetime, err)
			os.Exit(1)
		}
	}

	resetEvery := cfg.ResetConnectionEvery
	if *resetConnection > 0 {
		resetEvery = *resetConnection
	}

	opts := scheduler.Options{
		Maximum:              *maximum,
		Repeat:                *repeat,
		StopOnError:          *stopOnError,
		IgnoreErrors:         *ignoreErrors,
		NoTransfer:           *noTransfer,
		IgnoreIntegrations:   *ignoreIntegrations,
		EndDatetime:          endDT,
		ConfigPath:           *configFile,
		ResetConnectionEvery: resetEvery,
		NoKeywords:           *noKeywords,
	}
	logger.Infof("Options: %+v", opts)

	startTime := time.Now()
	logger.Infof("%v", version.Print("p4transfer"))
	logger.Infof("Starting %s", startTime)
	logger.Infof("OS: %s/%s", runtime.GOOS, runtime.GOARCH)

	source := p4.NewClient(cfg.Source.P4Port, cfg.Source.P4User, cfg.Source.P4Client, cfg.Source.P4Password, cfg.Source.Charset, logger)
	target := p4.NewClient(cfg.Target.P4Port, cfg.Target.P4User, cfg.Target.P4Client, cfg.Target.P4Password, cfg.Target.Charset, logger)

	ctx := context.Background()
	if err := source.Connect(ctx); err != nil {
		logger.Errorf("error connecting to source %s: %v", cfg.Source.P4Port, err)
		os.Exit(1)
	}
	defer source.Disconnect(ctx)
	if err := target.Connect(ctx); err != nil {
		logger.Errorf("error connecting to target %s: %v", cfg.Target.P4Port, err)
		os.Exit(1)
	}
	defer target.Disconnect(ctx)

	policy := model.CasePolicy{CaseSensitive: cfg.CaseSensitive}
	sourceWorkspace := p4.NewWorkspace(cfg.WorkspaceRoot, cfg.Views, policy, false)
	// The target workspace view deliberately contains only a dummy mapping
	// (spec §9 Design Notes): real paths are opened explicitly by the
	// replayer rather than pulled in by a broad sync.
	targetWorkspace := p4.NewWorkspace(cfg.WorkspaceRoot, cfg.Views, policy, true)

	metrics := scheduler.NewMetrics("p4transfer", nil)
	dedup := logutil.NewDedup()

	s := scheduler.New(source, target, sourceWorkspace, targetWorkspace, cfg, opts, logger, metrics, logFile, dedup)
	if err := s.Run(ctx); err != nil {
		logger.Errorf("fatal error: %v", err)
		os.Exit(1)
	}
}
