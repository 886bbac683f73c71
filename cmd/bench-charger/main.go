package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jkaberg/bench-charger/internal/app"
	"github.com/jkaberg/bench-charger/internal/config"
	"github.com/sirupsen/logrus"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs, configPath, showVersion := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Printf("bench-charger %s\n", version)
		return 0
	}

	cfg, err := config.Load(config.Sources{File: *configPath, CLI: explicitFlags(fs)})
	if err != nil {
		logger := setupLogger(false)
		logger.WithField("stage", app.StageConfiguration).WithError(err).Error("Charge aborted")
		return 1
	}

	logger := setupLogger(cfg.Verbose)
	logger.WithFields(logrus.Fields{
		"version":  version,
		"resource": cfg.ResourceName,
		"channel":  cfg.Channel,
		"poll":     cfg.PollInterval,
	}).Info("Starting bench-charger")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			logger.Info("Shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := app.Run(ctx, cfg, app.Options{Version: version}, logger); err != nil {
		entry := logger.WithError(err)
		var se *app.StageError
		if errors.As(err, &se) {
			entry = entry.WithField("stage", se.Stage)
		}
		entry.Error("Charge aborted")
		return 1
	}
	logger.Info("bench-charger stopped")
	return 0
}

// newFlagSet declares one flag per configuration key. Only flags the user
// actually passes override the config file and environment.
func newFlagSet() (fs *flag.FlagSet, configPath *string, showVersion *bool) {
	d := config.GetDefaultConfig()
	fs = flag.NewFlagSet("bench-charger", flag.ContinueOnError)

	configPath = fs.String("config", "", "Config file (key=value, or YAML when ending in .yaml/.yml)")
	showVersion = fs.Bool("version", false, "Show version and exit")

	fs.Float64("charge_current", 0, "Charge current limit in A (required)")
	fs.Float64("charge_voltage", 0, "Charge voltage in V (required)")
	fs.Float64("cutoff_current", 0, "Stop when the current falls below this, in A (required)")
	fs.String("log_file", "", "CSV log file; an existing file is never overwritten (required)")
	fs.Int("channel", d.Channel, "Output channel")
	fs.String("resource_name", "", "Instrument resource, e.g. TCPIP0::192.168.1.50::INSTR (required)")
	fs.String("model", "", "Supply model override: DP832 or DP2031 (default: auto-detect)")
	fs.Bool("parallel", false, "Enable parallel output mode")
	fs.Bool("sense", false, "Enable remote sense")
	fs.Bool("plot", false, "Draw a live voltage chart")
	fs.Duration("poll_interval", d.PollInterval, "Measurement interval")
	fs.Duration("cutoff_grace", d.CutoffGrace, "Ignore the cutoff rule this long after output enable")
	fs.Duration("io_timeout", d.IOTimeout, "Instrument I/O timeout")
	fs.Bool("verbose", false, "Verbose logging")
	fs.Bool("notify", false, "Desktop notification when the session ends")
	fs.String("metrics_addr", "", "Serve Prometheus metrics on host:port")
	fs.String("mqtt_url", "", "MQTT URL (mqtt://, mqtts://, ws://, wss://)")
	fs.Duration("mqtt_interval", d.MQTTInterval, "Minimum spacing of MQTT state messages")
	fs.String("device_id", d.DeviceID, "Device identifier for MQTT topics")
	fs.String("discovery_prefix", d.DiscoveryPrefix, "Home Assistant discovery prefix")
	fs.String("db_driver", "", "Database sink driver: postgres or clickhouse")
	fs.String("db_dsn", "", "Database connection string")
	fs.String("db_table", d.DBTable, "Database table for samples")
	fs.Bool("db_create_table", false, "Create the samples table if missing")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: bench-charger [options]\n\nEvery option may also be set as %s<OPTION> or in the config file.\n\n", config.EnvPrefix)
		fs.PrintDefaults()
	}
	return fs, configPath, showVersion
}

// explicitFlags returns the configuration keys set on the command line.
func explicitFlags(fs *flag.FlagSet) map[string]string {
	set := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "version":
			return
		}
		set[f.Name] = f.Value.String()
	})
	return set
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
