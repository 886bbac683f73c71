package charge

import (
	"fmt"
	"time"
)

// Defaults for the timing parameters.
const (
	DefaultPollInterval = time.Second
	// DefaultCutoffGrace keeps the cutoff rule from firing on the near-zero
	// readings a supply reports while the output is still settling.
	DefaultCutoffGrace = 2 * time.Second
)

// Params are the immutable settings of one charge session.
type Params struct {
	ChargeCurrent float64 // current limit, A
	ChargeVoltage float64 // CV target, V
	CutoffCurrent float64 // stop when the current falls below this, A
	Channel       int
	Parallel      bool
	Sense         bool

	PollInterval time.Duration
	CutoffGrace  time.Duration
}

// ParamError names the offending parameter by its configuration key.
type ParamError struct {
	Param  string
	Reason string
}

func (e *ParamError) Error() string { return fmt.Sprintf("%s: %s", e.Param, e.Reason) }

// Validate checks the invariants a session relies on.
func (p Params) Validate() error {
	switch {
	case p.ChargeCurrent <= 0:
		return &ParamError{"charge_current", "must be > 0"}
	case p.ChargeVoltage <= 0:
		return &ParamError{"charge_voltage", "must be > 0"}
	case p.CutoffCurrent <= 0:
		return &ParamError{"cutoff_current", "must be > 0"}
	case p.CutoffCurrent >= p.ChargeCurrent:
		return &ParamError{"cutoff_current", fmt.Sprintf("must be below charge_current (%g A)", p.ChargeCurrent)}
	case p.Channel < 1:
		return &ParamError{"channel", "must be a positive integer"}
	case p.PollInterval < 0:
		return &ParamError{"poll_interval", "must not be negative"}
	case p.CutoffGrace < 0:
		return &ParamError{"cutoff_grace", "must not be negative"}
	}
	return nil
}

func (p Params) withDefaults() Params {
	if p.PollInterval == 0 {
		p.PollInterval = DefaultPollInterval
	}
	return p
}
