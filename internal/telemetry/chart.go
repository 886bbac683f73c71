package telemetry

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/jkaberg/bench-charger/internal/domain"
)

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// ChartSink draws a live voltage sparkline in place on a terminal. It runs
// on the poll goroutine; a redraw is a single write.
type ChartSink struct {
	w     io.Writer
	width int
	hist  []float64
	drawn bool
}

// NewChartSink keeps the last width samples on screen.
func NewChartSink(w io.Writer, width int) *ChartSink {
	if width <= 0 {
		width = 60
	}
	return &ChartSink{w: w, width: width}
}

func (c *ChartSink) Name() string { return "chart" }

func (c *ChartSink) OnSample(s domain.Sample) error {
	c.hist = append(c.hist, s.Voltage)
	if len(c.hist) > c.width {
		c.hist = c.hist[len(c.hist)-c.width:]
	}
	c.drawn = true
	_, err := fmt.Fprintf(c.w, "\r\033[K%s", RenderSparkline(c.hist))
	return err
}

func (c *ChartSink) OnSessionEnd(domain.Summary) error {
	if !c.drawn {
		return nil
	}
	_, err := io.WriteString(c.w, "\n")
	return err
}

// RenderSparkline renders values scaled between their min and max followed
// by the range and latest value. Non-finite values are drawn as gaps and
// left out of the range.
func RenderSparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if !finite(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo > hi {
		lo, hi = 0, 0
	}

	var b strings.Builder
	b.WriteString("Voltage ")
	span := hi - lo
	top := len(sparkLevels) - 1
	for _, v := range values {
		if !finite(v) {
			b.WriteRune(' ')
			continue
		}
		idx := top / 2
		if span > 0 {
			idx = int((v - lo) / span * float64(top))
		}
		if idx < 0 {
			idx = 0
		} else if idx > top {
			idx = top
		}
		b.WriteRune(sparkLevels[idx])
	}
	fmt.Fprintf(&b, " [%.3f-%.3f V] %.3f V", lo, hi, values[len(values)-1])
	return b.String()
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
