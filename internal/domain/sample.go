package domain

import "time"

// Phase is the lifecycle stage of a charge session.
type Phase int

const (
	Configuring Phase = iota
	Charging
	Stopped
	Faulted
)

func (p Phase) String() string {
	switch p {
	case Configuring:
		return "configuring"
	case Charging:
		return "charging"
	case Stopped:
		return "stopped"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further instrument access may happen.
func (p Phase) Terminal() bool { return p == Stopped || p == Faulted }

// Sample is one poll tick worth of measurements plus the running totals at
// that instant. Values are copied to every sink; nothing mutates them after
// the controller emits them.
type Sample struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Elapsed   float64   `json:"elapsed_s"`  // seconds since output enable
	Voltage   float64   `json:"voltage"`    // V
	Current   float64   `json:"current"`    // A
	AmpHours  float64   `json:"amp_hours"`  // Ah since output enable
	WattHours float64   `json:"watt_hours"` // Wh since output enable
}

// Power returns the instantaneous power in watts.
func (s Sample) Power() float64 { return s.Voltage * s.Current }

// StopReason explains why a session left the Charging phase.
type StopReason string

const (
	ReasonCutoff      StopReason = "cutoff"
	ReasonInterrupted StopReason = "interrupted"
	ReasonFault       StopReason = "fault"
)

// Summary is handed to every sink once the session reaches a terminal phase.
type Summary struct {
	Phase     Phase
	Reason    StopReason
	Samples   int
	Duration  time.Duration
	AmpHours  float64
	WattHours float64
	Last      *Sample // nil when no sample was taken
	Err       error   // fault cause, nil on a clean stop
}
