package charge

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/jkaberg/bench-charger/internal/domain"
	"github.com/jkaberg/bench-charger/internal/psu"
	"github.com/sirupsen/logrus"
)

// fakeInstrument replays a current series at a fixed voltage and records
// every call it receives.
type fakeInstrument struct {
	voltage   float64
	currents  []float64
	polls     int
	failPoll  int    // 1-based poll that fails, 0 = never
	failOp    string // configuration op that fails
	calls     []string
	disables  int
	closed    int
	onPoll    func(n int)
	commError error
}

func (f *fakeInstrument) op(name string) error {
	f.calls = append(f.calls, name)
	if f.failOp == name {
		return &psu.CommError{Op: name, Err: f.commError}
	}
	return nil
}

func (f *fakeInstrument) SetParallelMode(bool) error { return f.op("parallel") }
func (f *fakeInstrument) SetSenseMode(int, bool) error { return f.op("sense") }
func (f *fakeInstrument) SetVoltage(int, float64) error { return f.op("voltage") }
func (f *fakeInstrument) SetCurrentLimit(int, float64) error { return f.op("current") }
func (f *fakeInstrument) EnableOutput(int) error { return f.op("enable") }

func (f *fakeInstrument) DisableOutput(int) error {
	f.disables++
	return f.op("disable")
}

func (f *fakeInstrument) MeasureVoltage(int) (float64, error) {
	f.polls++
	if f.onPoll != nil {
		f.onPoll(f.polls)
	}
	f.calls = append(f.calls, "measure_v")
	if f.failPoll == f.polls {
		return 0, &psu.CommError{Op: "measure voltage", Err: f.commError}
	}
	return f.voltage, nil
}

func (f *fakeInstrument) MeasureCurrent(int) (float64, error) {
	f.calls = append(f.calls, "measure_i")
	idx := f.polls - 1
	if idx >= len(f.currents) {
		idx = len(f.currents) - 1
	}
	return f.currents[idx], nil
}

func (f *fakeInstrument) Close() error {
	f.closed++
	return nil
}

// fakeClock jumps straight to each requested boundary.
type fakeClock struct {
	now   time.Time
	delay func(boundary time.Time) time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) WaitUntil(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.After(c.now) {
		c.now = t
	}
	if c.delay != nil {
		c.now = c.now.Add(c.delay(t))
	}
	return nil
}

type captureSinks struct {
	samples []domain.Sample
	closes  []domain.Summary
}

func (c *captureSinks) Publish(s domain.Sample) []error {
	c.samples = append(c.samples, s)
	return nil
}

func (c *captureSinks) Close(sum domain.Summary) []error {
	c.closes = append(c.closes, sum)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func baseParams() Params {
	return Params{
		ChargeCurrent: 1.0,
		ChargeVoltage: 4.2,
		CutoffCurrent: 0.05,
		Channel:       1,
		PollInterval:  time.Second,
		CutoffGrace:   DefaultCutoffGrace,
	}
}

func profile(t *testing.T, m psu.Model) *psu.Profile {
	t.Helper()
	p, err := psu.Resolve("", m)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return p
}

func newController(t *testing.T, inst *fakeInstrument, p Params, m psu.Model) (*Controller, *captureSinks, *fakeClock) {
	t.Helper()
	sinks := &captureSinks{}
	clk := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c, err := New(inst, profile(t, m), p, sinks, clk, quietLogger())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c, sinks, clk
}

func TestScenarioFiveTicks(t *testing.T) {
	inst := &fakeInstrument{voltage: 4.2, currents: []float64{1.0, 0.9, 0.5, 0.2, 0.04}}
	c, sinks, _ := newController(t, inst, baseParams(), psu.ModelDP832)

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Phase != domain.Stopped || sum.Reason != domain.ReasonCutoff {
		t.Fatalf("expected stopped/cutoff, got %s/%s", sum.Phase, sum.Reason)
	}
	if len(sinks.samples) != 5 {
		t.Fatalf("expected 5 samples, got %d", len(sinks.samples))
	}
	wantAh := (1.0 + 0.9 + 0.5 + 0.2 + 0.04) / 3600
	if math.Abs(c.State().AmpHours-wantAh) > 1e-12 {
		t.Fatalf("amp hours = %g, want %g", c.State().AmpHours, wantAh)
	}
	wantWh := 4.2 * wantAh
	if math.Abs(sum.WattHours-wantWh) > 1e-12 {
		t.Fatalf("watt hours = %g, want %g", sum.WattHours, wantWh)
	}
	if inst.disables != 1 {
		t.Fatalf("expected exactly one disable, got %d", inst.disables)
	}
	if inst.closed != 1 || len(sinks.closes) != 1 {
		t.Fatalf("expected instrument closed once and sinks closed once, got %d/%d", inst.closed, len(sinks.closes))
	}
	if c.State().Phase != domain.Stopped {
		t.Fatalf("state phase = %s", c.State().Phase)
	}

	want := []string{"voltage", "current", "enable"}
	for i, w := range want {
		if inst.calls[i] != w {
			t.Fatalf("configuration call %d = %s, want %s", i, inst.calls[i], w)
		}
	}
}

func TestTotalsMonotonicAndIntegral(t *testing.T) {
	currents := []float64{2.0, 1.8, 1.8, 1.2, 0.7, 0.3, 0.31, 0.1, 0.02}
	inst := &fakeInstrument{voltage: 12.0, currents: currents}
	p := baseParams()
	p.ChargeCurrent = 2.0
	p.CutoffCurrent = 0.05
	c, sinks, clk := newController(t, inst, p, psu.ModelDP832)

	// Jitter the scheduler: some ticks arrive late.
	jitter := []time.Duration{0, 150 * time.Millisecond, 0, 40 * time.Millisecond, 0, 0, 900 * time.Millisecond, 0, 0}
	n := 0
	clk.delay = func(time.Time) time.Duration {
		d := jitter[n%len(jitter)]
		n++
		return d
	}

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var ah, wh float64
	prevT := c.State().Start
	for i, s := range sinks.samples {
		dt := s.Timestamp.Sub(prevT).Seconds()
		prevT = s.Timestamp
		ah += s.Current * dt / 3600
		wh += s.Voltage * s.Current * dt / 3600
		if math.Abs(s.AmpHours-ah) > 1e-12 || math.Abs(s.WattHours-wh) > 1e-12 {
			t.Fatalf("sample %d: totals %g/%g, want %g/%g", i, s.AmpHours, s.WattHours, ah, wh)
		}
		if i > 0 {
			prev := sinks.samples[i-1]
			if s.AmpHours < prev.AmpHours || s.WattHours < prev.WattHours {
				t.Fatalf("totals decreased at sample %d", i)
			}
			if s.Elapsed < prev.Elapsed {
				t.Fatalf("elapsed decreased at sample %d", i)
			}
		}
	}
	if len(sinks.samples) != len(currents) {
		t.Fatalf("expected %d samples, got %d", len(currents), len(sinks.samples))
	}
}

func TestCutoffIgnoredDuringGrace(t *testing.T) {
	// A zero reading right after enable must not end the session.
	inst := &fakeInstrument{voltage: 4.2, currents: []float64{0.0, 0.8, 0.6, 0.01}}
	c, sinks, _ := newController(t, inst, baseParams(), psu.ModelDP832)

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Samples != 4 || len(sinks.samples) != 4 {
		t.Fatalf("expected stop on tick 4, stopped after %d", sum.Samples)
	}
	if inst.disables != 1 {
		t.Fatalf("expected one disable, got %d", inst.disables)
	}
}

func TestCutoffAtTickK(t *testing.T) {
	for _, k := range []int{2, 3, 7} {
		currents := make([]float64, k)
		for i := range currents {
			currents[i] = 0.5
		}
		currents[k-1] = 0.01
		inst := &fakeInstrument{voltage: 4.2, currents: currents}
		c, _, _ := newController(t, inst, baseParams(), psu.ModelDP832)

		sum, err := c.Run(context.Background())
		if err != nil {
			t.Fatalf("k=%d: run: %v", k, err)
		}
		if sum.Samples != k || sum.Phase != domain.Stopped {
			t.Fatalf("k=%d: stopped after %d samples in %s", k, sum.Samples, sum.Phase)
		}
		if inst.disables != 1 || inst.polls != k {
			t.Fatalf("k=%d: disables=%d polls=%d", k, inst.disables, inst.polls)
		}
	}
}

func TestPollFaultStopsLoop(t *testing.T) {
	cause := errors.New("read timeout")
	inst := &fakeInstrument{voltage: 4.2, currents: []float64{1.0}, failPoll: 3, commError: cause}
	c, sinks, _ := newController(t, inst, baseParams(), psu.ModelDP832)

	sum, err := c.Run(context.Background())
	var ferr *FaultError
	if !errors.As(err, &ferr) || ferr.Phase != domain.Charging {
		t.Fatalf("expected FaultError in charging, got %v", err)
	}
	var cerr *psu.CommError
	if !errors.As(err, &cerr) || !errors.Is(err, cause) {
		t.Fatalf("fault should wrap the CommError, got %v", err)
	}
	if sum.Phase != domain.Faulted || c.State().Phase != domain.Faulted {
		t.Fatalf("expected faulted, got %s", sum.Phase)
	}
	if inst.polls != 3 {
		t.Fatalf("no polls expected after the fault, got %d", inst.polls)
	}
	if inst.disables != 1 {
		t.Fatalf("expected one best-effort disable, got %d", inst.disables)
	}
	if len(sinks.samples) != 2 || len(sinks.closes) != 1 {
		t.Fatalf("samples=%d closes=%d", len(sinks.samples), len(sinks.closes))
	}
}

func TestNonFiniteCurrentFaults(t *testing.T) {
	inst := &fakeInstrument{voltage: 4.2, currents: []float64{1, 1, 1, math.NaN(), 1}}
	c, sinks, _ := newController(t, inst, baseParams(), psu.ModelDP832)

	sum, err := c.Run(context.Background())
	var cerr *psu.CommError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CommError, got %v", err)
	}
	if sum.Phase != domain.Faulted || sum.Reason != domain.ReasonFault {
		t.Fatalf("NaN must fault, not cut off: %+v", sum)
	}
	if len(sinks.samples) != 3 || inst.disables != 1 {
		t.Fatalf("samples=%d disables=%d", len(sinks.samples), inst.disables)
	}
}

func TestFaultDisableFailureIsNotReturned(t *testing.T) {
	inst := &fakeInstrument{voltage: 4.2, currents: []float64{1.0}, failPoll: 1, failOp: "disable", commError: errors.New("link down")}
	c, _, _ := newController(t, inst, baseParams(), psu.ModelDP832)

	_, err := c.Run(context.Background())
	var ferr *FaultError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FaultError, got %v", err)
	}
	var cerr *psu.CommError
	if !errors.As(ferr.Err, &cerr) || cerr.Op != "measure voltage" {
		t.Fatalf("fault cause should be the poll error, got %v", ferr.Err)
	}
	if inst.closed != 1 {
		t.Fatalf("instrument should still be closed")
	}
}

func TestConfigureFaultNeverCharges(t *testing.T) {
	inst := &fakeInstrument{voltage: 4.2, currents: []float64{1.0}, failOp: "current", commError: errors.New("timeout")}
	c, sinks, _ := newController(t, inst, baseParams(), psu.ModelDP832)

	sum, err := c.Run(context.Background())
	var ferr *FaultError
	if !errors.As(err, &ferr) || ferr.Phase != domain.Configuring {
		t.Fatalf("expected FaultError in configuring, got %v", err)
	}
	if sum.Phase != domain.Faulted || sum.Samples != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	for _, call := range inst.calls {
		if call == "enable" || call == "measure_v" {
			t.Fatalf("unexpected call %s after configuration failure", call)
		}
	}
	if inst.disables != 1 || len(sinks.closes) != 1 || inst.closed != 1 {
		t.Fatalf("disables=%d closes=%d closed=%d", inst.disables, len(sinks.closes), inst.closed)
	}
}

func TestUnsupportedFeatureIssuesNoCommands(t *testing.T) {
	inst := &fakeInstrument{voltage: 4.2, currents: []float64{1.0}}
	p := baseParams()
	p.Parallel = true
	_, err := New(inst, profile(t, psu.ModelDP832), p, &captureSinks{}, &fakeClock{}, quietLogger())
	var uerr *psu.UnsupportedFeatureError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnsupportedFeatureError, got %v", err)
	}
	if len(inst.calls) != 0 || inst.closed != 0 {
		t.Fatalf("expected zero instrument calls, got %v", inst.calls)
	}
}

func TestParallelSenseSequenceDP2031(t *testing.T) {
	inst := &fakeInstrument{voltage: 5.0, currents: []float64{2.0, 0.05}}
	p := baseParams()
	p.ChargeCurrent = 2.0
	p.ChargeVoltage = 5.0
	p.CutoffCurrent = 0.1
	p.Parallel = true
	p.Sense = true
	c, _, _ := newController(t, inst, p, psu.ModelDP2031)

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"parallel", "sense", "voltage", "current", "enable"}
	for i, w := range want {
		if inst.calls[i] != w {
			t.Fatalf("call %d = %s, want %s (%v)", i, inst.calls[i], w, inst.calls)
		}
	}
}

func TestInterruptStopsAndFinalizes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst := &fakeInstrument{voltage: 4.2, currents: []float64{1.0}}
	inst.onPoll = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	c, sinks, _ := newController(t, inst, baseParams(), psu.ModelDP832)

	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("interrupt is a clean stop, got %v", err)
	}
	if sum.Phase != domain.Stopped || sum.Reason != domain.ReasonInterrupted {
		t.Fatalf("expected stopped/interrupted, got %s/%s", sum.Phase, sum.Reason)
	}
	if inst.polls != 3 {
		t.Fatalf("interrupt must be honoured at the next tick boundary, polls=%d", inst.polls)
	}
	if inst.disables != 1 || len(sinks.closes) != 1 || inst.closed != 1 {
		t.Fatalf("disables=%d closes=%d closed=%d", inst.disables, len(sinks.closes), inst.closed)
	}
	if _, err := c.Run(ctx); err == nil {
		t.Fatalf("a finished controller must not run again")
	}
	if inst.disables != 1 {
		t.Fatalf("second Run must not touch the instrument")
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	cases := map[string]func(*Params){
		"cutoff above charge": func(p *Params) { p.CutoffCurrent = 2 },
		"zero voltage":        func(p *Params) { p.ChargeVoltage = 0 },
		"channel 0":           func(p *Params) { p.Channel = 0 },
		"channel 4 on dp832":  func(p *Params) { p.Channel = 4 },
	}
	for name, mut := range cases {
		p := baseParams()
		mut(&p)
		_, err := New(&fakeInstrument{}, profile(t, psu.ModelDP832), p, &captureSinks{}, &fakeClock{}, quietLogger())
		var perr *ParamError
		if !errors.As(err, &perr) {
			t.Fatalf("%s: expected ParamError, got %v", name, err)
		}
	}
}

func TestScheduleSkipsMissedBoundaries(t *testing.T) {
	start := time.Unix(1000, 0)
	s := NewSchedule(start, time.Second)
	if !s.Next().Equal(start.Add(time.Second)) {
		t.Fatalf("first boundary = %v", s.Next())
	}
	s.Advance(start.Add(1100 * time.Millisecond))
	if !s.Next().Equal(start.Add(2 * time.Second)) {
		t.Fatalf("second boundary = %v", s.Next())
	}
	// Round-trip stalled for 3.5s.
	s.Advance(start.Add(5500 * time.Millisecond))
	if !s.Next().Equal(start.Add(6 * time.Second)) {
		t.Fatalf("boundary after stall = %v", s.Next())
	}
}
