package psu

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Transport is the raw command channel to the instrument.
type Transport interface {
	Write(cmd string) error
	Query(cmd string) (string, error)
	Close() error
}

// CommError wraps any failed instrument round-trip.
type CommError struct {
	Op  string
	Err error
}

func (e *CommError) Error() string { return fmt.Sprintf("instrument %s: %v", e.Op, e.Err) }

func (e *CommError) Unwrap() error { return e.Err }

// Identify queries the instrument identification string.
func Identify(t Transport) (string, error) {
	idn, err := t.Query(baseDialect.Identify)
	if err != nil {
		return "", &CommError{Op: "identify", Err: err}
	}
	return strings.TrimSpace(idn), nil
}

// Supply exposes the operations a charge session needs on top of a
// Transport, using the command dialect of the resolved profile. Calls are
// synchronous and never retried.
type Supply struct {
	t        Transport
	profile  *Profile
	parallel bool
	logger   *logrus.Logger
}

// NewSupply binds a transport to a resolved profile.
func NewSupply(t Transport, profile *Profile, logger *logrus.Logger) *Supply {
	return &Supply{t: t, profile: profile, logger: logger}
}

// Profile returns the profile the supply was created with.
func (s *Supply) Profile() *Profile { return s.profile }

// SetParallelMode combines the outputs for higher current.
func (s *Supply) SetParallelMode(enabled bool) error {
	if !s.profile.SupportsParallel {
		return &UnsupportedFeatureError{Model: s.profile.Model, Feature: "parallel"}
	}
	cmd := s.profile.Dialect.ParallelOff
	if enabled {
		cmd = s.profile.Dialect.ParallelOn
	}
	if err := s.write("set parallel mode", cmd); err != nil {
		return err
	}
	s.parallel = enabled
	s.logger.WithFields(logrus.Fields{"model": s.profile.Model, "parallel": enabled}).Info("Output mode set")
	return nil
}

// SetSenseMode toggles remote voltage sensing on a channel.
func (s *Supply) SetSenseMode(channel int, enabled bool) error {
	if !s.profile.SupportsSense {
		return &UnsupportedFeatureError{Model: s.profile.Model, Feature: "sense"}
	}
	if err := s.write("set sense mode", fmt.Sprintf(s.profile.Dialect.Sense, channel, onOff(enabled))); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"channel": channel, "sense": enabled}).Info("Remote sense set")
	return nil
}

func (s *Supply) SetVoltage(channel int, volts float64) error {
	return s.write("set voltage", fmt.Sprintf(s.profile.Dialect.SetVoltage, channel, formatFloat(volts)))
}

func (s *Supply) SetCurrentLimit(channel int, amps float64) error {
	return s.write("set current limit", fmt.Sprintf(s.profile.Dialect.SetCurrent, channel, formatFloat(amps)))
}

func (s *Supply) EnableOutput(channel int) error {
	return s.write("enable output", fmt.Sprintf(s.profile.Dialect.OutputOn, channel))
}

func (s *Supply) DisableOutput(channel int) error {
	return s.write("disable output", fmt.Sprintf(s.profile.Dialect.OutputOff, channel))
}

func (s *Supply) MeasureVoltage(channel int) (float64, error) {
	return s.query("measure voltage", fmt.Sprintf(s.profile.Dialect.MeasureVoltage, channel))
}

// MeasureCurrent reads the channel current, or the combined current while
// parallel mode is active.
func (s *Supply) MeasureCurrent(channel int) (float64, error) {
	cmd := fmt.Sprintf(s.profile.Dialect.MeasureCurrent, channel)
	if s.parallel && s.profile.Dialect.MeasureParallel != "" {
		cmd = s.profile.Dialect.MeasureParallel
	}
	return s.query("measure current", cmd)
}

// Close releases the transport.
func (s *Supply) Close() error {
	if err := s.t.Close(); err != nil {
		return &CommError{Op: "close", Err: err}
	}
	return nil
}

func (s *Supply) write(op, cmd string) error {
	if err := s.t.Write(cmd); err != nil {
		return &CommError{Op: op, Err: err}
	}
	return nil
}

func (s *Supply) query(op, cmd string) (float64, error) {
	resp, err := s.t.Query(cmd)
	if err != nil {
		return 0, &CommError{Op: op, Err: err}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, &CommError{Op: op, Err: fmt.Errorf("unparsable reading %q: %w", resp, err)}
	}
	// ParseFloat accepts "NaN" and "Inf"; a supply never legitimately reports them.
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &CommError{Op: op, Err: fmt.Errorf("non-finite reading %q", resp)}
	}
	return v, nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
