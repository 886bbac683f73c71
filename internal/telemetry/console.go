package telemetry

import (
	"fmt"
	"io"
	"time"

	"github.com/jkaberg/bench-charger/internal/domain"
)

// ConsoleSink prints one human readable line per tick.
type ConsoleSink struct {
	w io.Writer
}

func NewConsoleSink(w io.Writer) *ConsoleSink { return &ConsoleSink{w: w} }

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) OnSample(s domain.Sample) error {
	_, err := fmt.Fprintf(c.w, "Time: %.1fs, Voltage: %.2fV, Current: %.2fA\n", s.Elapsed, s.Voltage, s.Current)
	return err
}

func (c *ConsoleSink) OnSessionEnd(sum domain.Summary) error {
	var msg string
	switch sum.Reason {
	case domain.ReasonCutoff:
		msg = "Charging complete. Cutoff current reached."
	case domain.ReasonInterrupted:
		msg = "Charging interrupted."
	default:
		msg = "Charging aborted after an instrument error."
	}
	_, err := fmt.Fprintf(c.w, "%s Charged %.4f Ah / %.4f Wh in %s.\n", msg, sum.AmpHours, sum.WattHours, sum.Duration.Round(time.Second))
	return err
}
