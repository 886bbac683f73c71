package telemetry

import (
	"github.com/jkaberg/bench-charger/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink mirrors the latest sample into Prometheus gauges.
type MetricsSink struct {
	voltage   prometheus.Gauge
	current   prometheus.Gauge
	ampHours  prometheus.Gauge
	wattHours prometheus.Gauge
	elapsed   prometheus.Gauge
	phase     prometheus.Gauge
	samples   prometheus.Counter
}

// NewMetricsSink registers the charger metrics on reg. constLabels usually
// carry the model and channel.
func NewMetricsSink(reg prometheus.Registerer, constLabels prometheus.Labels) (*MetricsSink, error) {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: constLabels})
	}
	m := &MetricsSink{
		voltage:   gauge("bench_charger_voltage_volts", "Last measured output voltage."),
		current:   gauge("bench_charger_current_amps", "Last measured output current."),
		ampHours:  gauge("bench_charger_charge_amp_hours", "Charge delivered since output enable."),
		wattHours: gauge("bench_charger_energy_watt_hours", "Energy delivered since output enable."),
		elapsed:   gauge("bench_charger_elapsed_seconds", "Seconds since output enable at the last sample."),
		phase:     gauge("bench_charger_phase", "Session phase: 0 configuring, 1 charging, 2 stopped, 3 faulted."),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "bench_charger_samples_total",
			Help:        "Samples taken in this session.",
			ConstLabels: constLabels,
		}),
	}

	for _, c := range []prometheus.Collector{m.voltage, m.current, m.ampHours, m.wattHours, m.elapsed, m.phase, m.samples} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	m.phase.Set(float64(domain.Configuring))
	return m, nil
}

func (m *MetricsSink) Name() string { return "metrics" }

func (m *MetricsSink) OnSample(s domain.Sample) error {
	m.phase.Set(float64(domain.Charging))
	m.voltage.Set(s.Voltage)
	m.current.Set(s.Current)
	m.ampHours.Set(s.AmpHours)
	m.wattHours.Set(s.WattHours)
	m.elapsed.Set(s.Elapsed)
	m.samples.Inc()
	return nil
}

func (m *MetricsSink) OnSessionEnd(sum domain.Summary) error {
	m.phase.Set(float64(sum.Phase))
	return nil
}
