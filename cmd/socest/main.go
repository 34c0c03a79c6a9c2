package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jkaberg/socest/internal/app"
	"github.com/jkaberg/socest/internal/cache"
	"github.com/jkaberg/socest/internal/chargectl"
	"github.com/jkaberg/socest/internal/config"
	"github.com/jkaberg/socest/internal/estimator"
	"github.com/jkaberg/socest/internal/mqtt"
	"github.com/jkaberg/socest/internal/state"
	"github.com/jkaberg/socest/internal/telemetry"
	"github.com/jkaberg/socest/internal/transmission"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// version is injected at build time via ldflags
var version = "dev"

type options struct {
	configPath string
	verbose    bool
	logFile    string
	loop       bool
	forceFetch bool
	status     bool
	chargeArg  string
}

func main() {
	envErr := godotenv.Load()
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "socest: %v\n", err)
		os.Exit(1)
	}
	if opts.verbose {
		cfg.Verbose = true
	}
	if opts.logFile != "" {
		cfg.LogFile = opts.logFile
	}

	logger, closeLog, err := setupLogger(cfg.Verbose, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "socest: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	if envErr != nil {
		logger.WithError(envErr).Debug("No .env file loaded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("Shutdown signal received")
		cancel()
	}()

	// State store -----------------------------------------------------------------
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open state store")
	}
	defer closeStore()

	// Status path -----------------------------------------------------------------
	if opts.status {
		cp := selectChargePoint(cfg, opts.chargeArg, logger)
		if err := printStatus(ctx, store, cp.ID); err != nil {
			logger.WithError(err).Fatal("Failed to read state")
		}
		return
	}

	// Core clients ---------------------------------------------------------------
	var fetcher telemetry.Fetcher = telemetry.NewClient(
		cfg.Telemetry.BaseURL, cfg.Telemetry.TokenPath, cfg.Telemetry.SoCPath, cfg.Telemetry.Timeout, logger)
	fetcher = telemetry.NewBreakerFetcher(fetcher, cfg.Telemetry.BreakerTimeout, logger)

	var mqttClient *mqtt.Client
	if cfg.HasMQTT() {
		mqttClient, err = mqtt.NewClient(cfg.MQTTUrl, fmt.Sprintf("socest-%d", os.Getpid()), logger)
		if err != nil {
			// Only fatal when an MQTT input depends on it.
			logger.WithError(err).Warn("MQTT unavailable")
			mqttClient = nil
		} else {
			defer mqttClient.Disconnect(250)
		}
	}

	var mqttTx *transmission.MQTTTransmitter
	if mqttClient != nil {
		mqttTx = transmission.NewMQTTTransmitter(mqttClient, cfg.DiscoveryPrefix, version, logger)
	}

	chargePoints := cfg.ChargePoints
	if !opts.loop {
		chargePoints = []config.ChargePoint{selectChargePoint(cfg, opts.chargeArg, logger)}
	}

	runners := make([]*app.Runner, 0, len(chargePoints))
	for _, cp := range chargePoints {
		r, err := buildRunner(cp, store, fetcher, mqttClient, mqttTx, logger)
		if err != nil {
			logger.WithError(err).WithField("charge_point", cp.ID).Fatal("Failed to set up charge point")
		}
		runners = append(runners, r)
	}

	first := estimator.Options{ForceFetch: opts.forceFetch}

	// Daemon path -----------------------------------------------------------------
	if opts.loop {
		logger.WithFields(logrus.Fields{
			"version":       version,
			"charge_points": len(runners),
			"poll":          cfg.PollInterval,
		}).Info("Starting socest")

		changes := cache.NewManager(cfg.ForceUpdateInterval)
		if err := app.Run(ctx, runners, cfg.PollInterval, first, changes, logger); err != nil {
			logger.WithError(err).Error("socest stopped with error")
			return
		}
		logger.Info("socest stopped")
		return
	}

	// Single invocation -----------------------------------------------------------
	res, err := runners[0].Invoke(ctx, first, nil, logger)
	if err != nil {
		logger.WithError(err).Error("Invocation failed")
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"charge_point": res.ChargePoint,
		"soc":          res.SoC(),
		"action":       res.Action,
	}).Debug("Done")
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

func parseFlags() options {
	var o options

	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.StringVar(&o.configPath, "config", getEnv("SOCEST_CONFIG", ""), "Path to the YAML config file")
	flag.BoolVar(&o.verbose, "verbose", getEnv("SOCEST_VERBOSE", "false") == "true", "Verbose logging")
	flag.StringVar(&o.logFile, "log-file", getEnv("SOCEST_LOG_FILE", ""), "Append log lines to this file")
	flag.BoolVar(&o.loop, "loop", false, "Run all charge points every poll_interval until stopped")
	flag.BoolVar(&o.forceFetch, "force-fetch", false, "Query the telemetry service now, ignoring the timer")
	flag.BoolVar(&o.status, "status", false, "Print the stored state of the charge point and exit")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: socest [flags] [charge-point]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("socest %s\n", version)
		os.Exit(0)
	}

	o.chargeArg = flag.Arg(0)
	return o
}

// selectChargePoint resolves the positional argument. Anything missing or
// unknown falls back to charge point 1.
func selectChargePoint(cfg *config.Config, arg string, logger *logrus.Logger) config.ChargePoint {
	id := config.DefaultChargePoint
	if arg != "" {
		if v, err := strconv.Atoi(arg); err == nil {
			id = v
		} else {
			logger.WithField("arg", arg).Warn("Unrecognised charge point, using default")
		}
	}

	cp, fellBack, err := cfg.ChargePoint(id)
	if err != nil {
		logger.WithError(err).Fatal("No usable charge point")
	}
	if fellBack {
		logger.WithField("requested", id).Warn("Charge point not configured, using default")
	}
	return cp
}

func openStore(cfg *config.Config, logger *logrus.Logger) (state.Store, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		s, err := state.NewRedisStore(cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := state.NewFileStore(cfg.StateDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

func buildRunner(
	cp config.ChargePoint,
	store state.Store,
	fetcher telemetry.Fetcher,
	mqttClient *mqtt.Client,
	mqttTx *transmission.MQTTTransmitter,
	logger *logrus.Logger,
) (*app.Runner, error) {
	entry := logger.WithField("charge_point", cp.ID)

	var src chargectl.Source
	switch cp.Input.Source {
	case config.InputMQTT:
		if mqttClient == nil {
			return nil, fmt.Errorf("mqtt input configured but MQTT is not connected")
		}
		src = chargectl.NewMQTTSource(mqttClient, cp.Input.ChargingActiveTopic, cp.Input.MeterTopic, cp.Input.Timeout, entry)
	default:
		src = chargectl.NewFileSource(cp.Input.ChargingActiveFile, cp.Input.MeterFile, entry)
	}

	var txs []transmission.Transmitter
	if cp.SoCOutputFile != "" {
		txs = append(txs, transmission.NewSoCFileTransmitter(cp.SoCOutputFile, logger))
	}
	if mqttTx != nil {
		txs = append(txs, mqttTx)
	}

	return &app.Runner{
		Estimator:    estimator.New(cp, store, fetcher, logger),
		Inputs:       src,
		Transmitters: txs,
	}, nil
}

func printStatus(ctx context.Context, store state.Store, id int) error {
	rec, found, err := store.Load(ctx, id)
	if err != nil {
		return err
	}
	out := struct {
		ChargePoint int          `json:"charge_point"`
		Found       bool         `json:"found"`
		Record      state.Record `json:"record"`
		AgeSeconds  int64        `json:"age_seconds,omitempty"`
	}{ChargePoint: id, Found: found, Record: rec}
	if found && !rec.UpdatedAt.IsZero() {
		out.AgeSeconds = int64(time.Since(rec.UpdatedAt).Seconds())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogger(verbose bool, logFile string) (*logrus.Logger, func(), error) {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	closeFn := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.SetOutput(f)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339, DisableColors: true})
		closeFn = func() { _ = f.Close() }
	}
	return l, closeFn, nil
}
