// Package charge implements the constant-voltage/constant-current charge
// session: instrument configuration, the poll loop, energy integration and
// the cutoff decision.
package charge

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jkaberg/bench-charger/internal/domain"
	"github.com/jkaberg/bench-charger/internal/psu"
	"github.com/sirupsen/logrus"
)

// Instrument is the subset of the supply the controller drives.
type Instrument interface {
	SetParallelMode(enabled bool) error
	SetSenseMode(channel int, enabled bool) error
	SetVoltage(channel int, volts float64) error
	SetCurrentLimit(channel int, amps float64) error
	EnableOutput(channel int) error
	DisableOutput(channel int) error
	MeasureVoltage(channel int) (float64, error)
	MeasureCurrent(channel int) (float64, error)
	Close() error
}

// Dispatcher fans samples out to the attached sinks. Failures are handled
// on the dispatcher side; the controller never acts on them.
type Dispatcher interface {
	Publish(s domain.Sample) []error
	Close(sum domain.Summary) []error
}

// FaultError is returned when a session ends Faulted.
type FaultError struct {
	Phase domain.Phase // phase in which the fault occurred
	Err   error
}

func (e *FaultError) Error() string { return fmt.Sprintf("%s: %v", e.Phase, e.Err) }

func (e *FaultError) Unwrap() error { return e.Err }

// State is the controller's private session state.
type State struct {
	Phase      domain.Phase
	Start      time.Time
	LastSample time.Time
	AmpHours   float64
	WattHours  float64
	Samples    int
}

// Controller runs one charge session. It owns the instrument for the whole
// session and closes it on every terminal transition. A Controller is single
// use.
type Controller struct {
	inst    Instrument
	profile *psu.Profile
	params  Params
	sinks   Dispatcher
	clock   Clock
	logger  *logrus.Logger

	state     State
	last      *domain.Sample
	finalized bool
}

// New validates the parameters against the profile. Errors here are
// returned before a single instrument command is issued.
func New(inst Instrument, profile *psu.Profile, params Params, sinks Dispatcher, clock Clock, logger *logrus.Logger) (*Controller, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := profile.Check(params.Parallel, params.Sense); err != nil {
		return nil, err
	}
	if err := profile.ValidChannel(params.Channel); err != nil {
		return nil, &ParamError{Param: "channel", Reason: err.Error()}
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Controller{
		inst:    inst,
		profile: profile,
		params:  params.withDefaults(),
		sinks:   sinks,
		clock:   clock,
		logger:  logger,
		state:   State{Phase: domain.Configuring},
	}, nil
}

// State returns a copy of the current session state.
func (c *Controller) State() State { return c.state }

// Run configures the supply, charges until the cutoff current is reached or
// ctx is cancelled, and finalizes. The returned error is a *FaultError when
// the session ended Faulted and nil for a Stopped session.
func (c *Controller) Run(ctx context.Context) (domain.Summary, error) {
	if c.finalized {
		return domain.Summary{}, fmt.Errorf("charge session already finished")
	}

	c.logger.WithFields(logrus.Fields{
		"model":          c.profile.Model,
		"channel":        c.params.Channel,
		"charge_voltage": c.params.ChargeVoltage,
		"charge_current": c.params.ChargeCurrent,
		"cutoff_current": c.params.CutoffCurrent,
		"parallel":       c.params.Parallel,
		"sense":          c.params.Sense,
	}).Info("Configuring supply")

	if err := c.configure(); err != nil {
		return c.finish(domain.Faulted, domain.ReasonFault, err)
	}

	start := c.clock.Now()
	c.state.Phase = domain.Charging
	c.state.Start = start
	c.state.LastSample = start
	c.logger.Info("Output enabled; charging")

	sched := NewSchedule(start, c.params.PollInterval)
	for {
		if err := c.clock.WaitUntil(ctx, sched.Next()); err != nil {
			return c.interrupted()
		}
		if ctx.Err() != nil {
			return c.interrupted()
		}

		now := c.clock.Now()
		v, err := c.inst.MeasureVoltage(c.params.Channel)
		if err != nil {
			return c.finish(domain.Faulted, domain.ReasonFault, err)
		}
		i, err := c.inst.MeasureCurrent(c.params.Channel)
		if err != nil {
			return c.finish(domain.Faulted, domain.ReasonFault, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || math.IsNaN(i) || math.IsInf(i, 0) {
			return c.finish(domain.Faulted, domain.ReasonFault, &psu.CommError{
				Op:  "measure",
				Err: fmt.Errorf("non-finite reading: voltage=%v current=%v", v, i),
			})
		}

		s := c.integrate(now, v, i)
		c.sinks.Publish(s)

		if c.cutoffReached(s) {
			c.logger.WithFields(logrus.Fields{
				"current":   s.Current,
				"cutoff":    c.params.CutoffCurrent,
				"amp_hours": s.AmpHours,
			}).Info("Charging complete; cutoff current reached")
			return c.finish(domain.Stopped, domain.ReasonCutoff, nil)
		}

		sched.Advance(c.clock.Now())
	}
}

func (c *Controller) configure() error {
	p := c.params
	if p.Parallel {
		if err := c.inst.SetParallelMode(true); err != nil {
			return err
		}
	}
	if p.Sense {
		if err := c.inst.SetSenseMode(p.Channel, true); err != nil {
			return err
		}
	}
	if err := c.inst.SetVoltage(p.Channel, p.ChargeVoltage); err != nil {
		return err
	}
	if err := c.inst.SetCurrentLimit(p.Channel, p.ChargeCurrent); err != nil {
		return err
	}
	return c.inst.EnableOutput(p.Channel)
}

// integrate folds one reading into the running totals using the measured
// interval since the previous sample (rectangular rule).
func (c *Controller) integrate(now time.Time, v, i float64) domain.Sample {
	dt := now.Sub(c.state.LastSample).Seconds()
	if dt < 0 {
		dt = 0
	}
	hours := dt / 3600
	// A supply can momentarily report a tiny negative current; never let the
	// totals decrease.
	if i > 0 {
		c.state.AmpHours += i * hours
		if p := v * i; p > 0 {
			c.state.WattHours += p * hours
		}
	}
	c.state.LastSample = now
	c.state.Samples++

	s := domain.Sample{
		Seq:       c.state.Samples,
		Timestamp: now,
		Elapsed:   now.Sub(c.state.Start).Seconds(),
		Voltage:   v,
		Current:   i,
		AmpHours:  c.state.AmpHours,
		WattHours: c.state.WattHours,
	}
	c.last = &s
	c.logger.WithFields(logrus.Fields{
		"seq":     s.Seq,
		"voltage": s.Voltage,
		"current": s.Current,
		"ah":      s.AmpHours,
		"wh":      s.WattHours,
	}).Debug("Sample")
	return s
}

func (c *Controller) cutoffReached(s domain.Sample) bool {
	if s.Current >= c.params.CutoffCurrent {
		return false
	}
	if time.Duration(s.Elapsed*float64(time.Second)) < c.params.CutoffGrace {
		c.logger.WithField("current", s.Current).Debug("Below cutoff during grace period; ignoring")
		return false
	}
	return true
}

func (c *Controller) interrupted() (domain.Summary, error) {
	c.logger.Info("Interrupted; stopping charge")
	return c.finish(domain.Stopped, domain.ReasonInterrupted, nil)
}

// finish performs the terminal transition: output off, sinks closed,
// instrument released. It runs at most once.
func (c *Controller) finish(phase domain.Phase, reason domain.StopReason, cause error) (domain.Summary, error) {
	from := c.state.Phase
	c.state.Phase = phase
	c.finalized = true

	// Also attempted after a failed configuration step: the supply may have
	// accepted part of the sequence.
	if err := c.inst.DisableOutput(c.params.Channel); err != nil {
		c.logger.WithError(err).Error("Failed to disable output")
	} else {
		c.logger.WithField("channel", c.params.Channel).Info("Output disabled")
	}

	var faultErr error
	if phase == domain.Faulted {
		faultErr = &FaultError{Phase: from, Err: cause}
	}

	sum := domain.Summary{
		Phase:     phase,
		Reason:    reason,
		Samples:   c.state.Samples,
		AmpHours:  c.state.AmpHours,
		WattHours: c.state.WattHours,
		Last:      c.last,
		Err:       faultErr,
	}
	if !c.state.Start.IsZero() {
		sum.Duration = c.state.LastSample.Sub(c.state.Start)
	}
	c.sinks.Close(sum)

	if err := c.inst.Close(); err != nil {
		c.logger.WithError(err).Warn("Failed to close instrument")
	}

	entry := c.logger.WithFields(logrus.Fields{
		"phase":      phase,
		"reason":     reason,
		"samples":    sum.Samples,
		"amp_hours":  fmt.Sprintf("%.4f", sum.AmpHours),
		"watt_hours": fmt.Sprintf("%.4f", sum.WattHours),
		"duration":   sum.Duration.Round(time.Second),
	})
	if faultErr != nil {
		entry.WithError(cause).Error("Charge session faulted")
	} else {
		entry.Info("Charge session finished")
	}
	return sum, faultErr
}
