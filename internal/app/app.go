package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jkaberg/bench-charger/internal/bus"
	"github.com/jkaberg/bench-charger/internal/charge"
	"github.com/jkaberg/bench-charger/internal/config"
	"github.com/jkaberg/bench-charger/internal/domain"
	"github.com/jkaberg/bench-charger/internal/mqtt"
	"github.com/jkaberg/bench-charger/internal/notify"
	"github.com/jkaberg/bench-charger/internal/psu"
	"github.com/jkaberg/bench-charger/internal/scpi"
	"github.com/jkaberg/bench-charger/internal/telemetry"
	"github.com/jkaberg/bench-charger/internal/transmission"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Stages reported when a run fails.
const (
	StageConfiguration   = "configuration"
	StageConnect         = "connect"
	StageModelResolution = "model resolution"
	StageConfiguring     = "configuring"
	StageCharging        = "charging"
)

// StageError tags a failure with the stage of the run it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s failed: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// DialFunc opens the instrument transport.
type DialFunc func(ctx context.Context, resource string, timeout time.Duration, logger *logrus.Logger) (psu.Transport, error)

func dialSCPI(ctx context.Context, resource string, timeout time.Duration, logger *logrus.Logger) (psu.Transport, error) {
	return scpi.Dial(ctx, resource, timeout, logger)
}

// Options carries the process-level collaborators of a run. Zero values
// select the real implementations.
type Options struct {
	Version string
	Stdout  io.Writer
	Stderr  io.Writer
	Dial    DialFunc
	Clock   charge.Clock
	Listen  func(network, addr string) (net.Listener, error)
}

func (o Options) withDefaults() Options {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Dial == nil {
		o.Dial = dialSCPI
	}
	if o.Clock == nil {
		o.Clock = charge.SystemClock()
	}
	if o.Listen == nil {
		o.Listen = net.Listen
	}
	return o
}

// Run executes one charge session end to end and blocks until it reaches a
// terminal phase. Cancelling ctx stops the session cleanly.
func Run(ctx context.Context, cfg *config.Config, opts Options, logger *logrus.Logger) (domain.Summary, error) {
	opts = opts.withDefaults()
	override := cfg.ModelOverride()

	// A forced model is checked before the network is touched.
	if override != psu.ModelAuto {
		if err := precheck(cfg, override); err != nil {
			return domain.Summary{}, err
		}
	}

	// Instrument ---------------------------------------------------------------
	conn, err := opts.Dial(ctx, cfg.ResourceName, cfg.IOTimeout, logger)
	if err != nil {
		return domain.Summary{}, &StageError{StageConnect, err}
	}

	idn, err := psu.Identify(conn)
	if err != nil {
		conn.Close()
		return domain.Summary{}, &StageError{StageConnect, err}
	}

	profile, err := psu.Resolve(idn, override)
	if err != nil {
		conn.Close()
		return domain.Summary{}, &StageError{StageModelResolution, err}
	}
	logger.WithFields(logrus.Fields{
		"idn":      idn,
		"model":    profile.Model,
		"override": override != psu.ModelAuto,
	}).Info("Power supply identified")

	// Session ------------------------------------------------------------------
	sessionID := uuid.NewString()
	sinks := bus.New(logger)
	supply := psu.NewSupply(conn, profile, logger)

	ctrl, err := charge.New(supply, profile, cfg.Params(), sinks, opts.Clock, logger)
	if err != nil {
		conn.Close()
		var unsupported *psu.UnsupportedFeatureError
		if errors.As(err, &unsupported) {
			return domain.Summary{}, &StageError{StageModelResolution, err}
		}
		return domain.Summary{}, &StageError{StageConfiguration, err}
	}

	// The log file name is fixed before the supply is touched.
	csvSink, err := telemetry.NewCSVSink(cfg.LogFile, logger)
	if err != nil {
		conn.Close()
		return domain.Summary{}, &StageError{StageConfiguration, err}
	}
	sinks.Attach(csvSink)
	sinks.Attach(telemetry.NewConsoleSink(opts.Stdout))
	if cfg.Plot {
		sinks.Attach(telemetry.NewChartSink(opts.Stderr, 0))
	}

	optional := attachOptionalSinks(cfg, opts, sinks, profile, sessionID, logger)
	defer optional.cleanup()

	logger.WithFields(logrus.Fields{
		"session": sessionID,
		"log":     csvSink.Path(),
		"sinks":   sinks.Len(),
	}).Info("Starting charge session")

	// The metrics endpoint lives beside the session; its failure never
	// cancels the charge.
	var grp errgroup.Group
	if optional.metrics != nil {
		grp.Go(func() error {
			if err := optional.metrics.Serve(optional.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Warn("Metrics server stopped")
			}
			return nil
		})
	}

	summary, runErr := ctrl.Run(ctx)

	if optional.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		optional.metrics.Shutdown(shutdownCtx)
	}
	grp.Wait()

	if runErr != nil {
		stage := StageCharging
		var fault *charge.FaultError
		if errors.As(runErr, &fault) && fault.Phase == domain.Configuring {
			stage = StageConfiguring
		}
		return summary, &StageError{stage, runErr}
	}
	return summary, nil
}

func precheck(cfg *config.Config, override psu.Model) error {
	profile, err := psu.Resolve("", override)
	if err != nil {
		return &StageError{StageModelResolution, err}
	}
	if err := profile.Check(cfg.Parallel, cfg.Sense); err != nil {
		return &StageError{StageModelResolution, err}
	}
	if err := profile.ValidChannel(cfg.Channel); err != nil {
		return &StageError{StageConfiguration, &charge.ParamError{Param: "channel", Reason: err.Error()}}
	}
	return nil
}

type optionalSinks struct {
	metrics   *http.Server
	metricsLn net.Listener
	mqtt      *mqtt.Client
}

func (o *optionalSinks) cleanup() {
	if o.mqtt != nil {
		o.mqtt.Disconnect(250)
	}
}

// attachOptionalSinks wires the network sinks that are switched on in cfg.
// One that cannot be set up is skipped with a warning; the charge itself
// does not depend on any of them.
func attachOptionalSinks(cfg *config.Config, opts Options, sinks *bus.Bus, profile *psu.Profile, sessionID string, logger *logrus.Logger) *optionalSinks {
	out := &optionalSinks{}

	if cfg.HasMetrics() {
		reg := prometheus.NewRegistry()
		m, err := telemetry.NewMetricsSink(reg, prometheus.Labels{
			"model":   string(profile.Model),
			"channel": strconv.Itoa(cfg.Channel),
		})
		var ln net.Listener
		if err == nil {
			ln, err = opts.Listen("tcp", cfg.MetricsAddr)
		}
		if err != nil {
			logger.WithError(err).Warn("Metrics endpoint disabled")
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			out.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			out.metricsLn = ln
			sinks.Attach(m)
			logger.WithField("addr", ln.Addr().String()).Info("Serving Prometheus metrics")
		}
	}

	if cfg.HasDatabase() {
		s, err := telemetry.OpenSQLSink(cfg.DBDriver, cfg.DBDSN, cfg.DBTable, sessionID, cfg.DBCreateTable, logger)
		if err != nil {
			logger.WithError(err).Warn("Database sink disabled")
		} else {
			sinks.Attach(s)
		}
	}

	if cfg.HasMQTT() {
		client, err := mqtt.NewClient(cfg.MQTTUrl, cfg.DeviceID, logger)
		if err != nil {
			logger.WithError(err).Warn("MQTT sink disabled")
		} else {
			out.mqtt = client
			sinks.Attach(transmission.NewMQTTTransmitter(client, transmission.MQTTOptions{
				DeviceID:        cfg.DeviceID,
				DiscoveryPrefix: cfg.DiscoveryPrefix,
				SessionID:       sessionID,
				Model:           string(profile.Model),
				Interval:        cfg.MQTTInterval,
				Version:         opts.Version,
			}, logger))
			logger.Info("MQTT transmitter ready")
		}
	}

	if cfg.Notify {
		sinks.Attach(notify.NewDesktopNotifier(logger))
	}
	return out
}
