package psu

import (
	"errors"
	"fmt"
	"strings"
)

// Model identifies a supported power supply family.
type Model string

const (
	ModelAuto   Model = ""
	ModelDP832  Model = "DP832"
	ModelDP2031 Model = "DP2031"
)

// ErrUnknownModel is returned when the identification string matches no
// supported model.
var ErrUnknownModel = errors.New("unknown power supply model")

// UnsupportedFeatureError is returned when parallel or sense mode is requested
// on a model that lacks it.
type UnsupportedFeatureError struct {
	Model   Model
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("%s does not support %s mode", e.Model, e.Feature)
}

// Dialect holds the SCPI command templates for one model. Templates taking a
// channel use %d; numeric arguments are appended with %s.
type Dialect struct {
	Identify        string
	SetVoltage      string
	SetCurrent      string
	OutputOn        string
	OutputOff       string
	MeasureVoltage  string
	MeasureCurrent  string
	MeasureParallel string // current readback while channels are paralleled
	ParallelOn      string
	ParallelOff     string
	Sense           string // channel, ON/OFF
}

// Profile describes what a model can do and how to talk to it.
type Profile struct {
	Model            Model
	SupportsParallel bool
	SupportsSense    bool
	Channels         int
	Dialect          Dialect
}

var baseDialect = Dialect{
	Identify:       "*IDN?",
	SetVoltage:     ":SOUR%d:VOLT %s",
	SetCurrent:     ":SOUR%d:CURR %s",
	OutputOn:       ":OUTP CH%d,ON",
	OutputOff:      ":OUTP CH%d,OFF",
	MeasureVoltage: ":MEAS:VOLT? CH%d",
	MeasureCurrent: ":MEAS:CURR? CH%d",
}

func dp832Profile() *Profile {
	return &Profile{
		Model:    ModelDP832,
		Channels: 3,
		Dialect:  baseDialect,
	}
}

func dp2031Profile() *Profile {
	d := baseDialect
	d.MeasureParallel = ":MEAS:CURR? PAR"
	d.ParallelOn = ":SYST:POW:MODE PARA"
	d.ParallelOff = ":SYST:POW:MODE IND"
	d.Sense = ":SYST:SENS CH%d, %s"
	return &Profile{
		Model:            ModelDP2031,
		SupportsParallel: true,
		SupportsSense:    true,
		Channels:         1,
		Dialect:          d,
	}
}

// ParseModel parses a user supplied model override. The empty string means
// auto-detect.
func ParseModel(s string) (Model, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AUTO":
		return ModelAuto, nil
	case string(ModelDP832):
		return ModelDP832, nil
	case string(ModelDP2031):
		return ModelDP2031, nil
	default:
		return ModelAuto, fmt.Errorf("unsupported model %q (want DP832 or DP2031)", s)
	}
}

// Resolve picks the profile for a session. A non-auto override wins
// unconditionally; otherwise the identification string is searched
// case-insensitively for a known model name.
func Resolve(idn string, override Model) (*Profile, error) {
	switch override {
	case ModelDP832:
		return dp832Profile(), nil
	case ModelDP2031:
		return dp2031Profile(), nil
	case ModelAuto:
	default:
		return nil, fmt.Errorf("%w: override %q", ErrUnknownModel, override)
	}

	u := strings.ToUpper(idn)
	switch {
	case strings.Contains(u, "DP2031"):
		return dp2031Profile(), nil
	case strings.Contains(u, "DP832"):
		return dp832Profile(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, strings.TrimSpace(idn))
	}
}

// Check fails if parallel or sense is requested but not supported.
func (p *Profile) Check(parallel, sense bool) error {
	if parallel && !p.SupportsParallel {
		return &UnsupportedFeatureError{Model: p.Model, Feature: "parallel"}
	}
	if sense && !p.SupportsSense {
		return &UnsupportedFeatureError{Model: p.Model, Feature: "sense"}
	}
	return nil
}

// ValidChannel reports whether ch exists on this model.
func (p *Profile) ValidChannel(ch int) error {
	if ch < 1 || ch > p.Channels {
		return fmt.Errorf("%s has no channel %d (valid: 1-%d)", p.Model, ch, p.Channels)
	}
	return nil
}
