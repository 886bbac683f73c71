package bus

import (
	"fmt"
	"sync"

	"github.com/jkaberg/bench-charger/internal/domain"
	"github.com/sirupsen/logrus"
)

// Sink consumes the samples of one charge session.
type Sink interface {
	Name() string
	OnSample(s domain.Sample) error
	OnSessionEnd(sum domain.Summary) error
}

// SinkError wraps a failure reported by a single sink.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return fmt.Sprintf("sink %s: %v", e.Sink, e.Err) }

func (e *SinkError) Unwrap() error { return e.Err }

// Bus provides fan-out semantics for *domain.Sample* values. Unlike a
// channel based pub/sub every sink is called synchronously, in attach order,
// on the publisher's goroutine. A failing sink is logged and skipped; it never
// stops delivery to the others nor the publisher itself.
type Bus struct {
	mu       sync.Mutex
	sinks    []Sink
	failures map[string]int
	closed   bool
	logger   *logrus.Logger
}

// New creates a ready-to-use Bus.
func New(logger *logrus.Logger) *Bus {
	return &Bus{failures: make(map[string]int), logger: logger}
}

// Attach registers a sink for all future publications.
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
	b.logger.WithField("sink", s.Name()).Debug("Sink attached")
}

// Len returns the number of attached sinks.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

// Publish delivers the sample to every sink and returns the errors of the
// sinks that failed. Callers are free to ignore the result; failures are
// already logged.
func (b *Bus) Publish(s domain.Sample) []error {
	sinks := b.snapshot()
	var errs []error
	for _, sk := range sinks {
		if err := guard(func() error { return sk.OnSample(s) }); err != nil {
			errs = append(errs, b.fail(sk, err, s.Seq))
		}
	}
	return errs
}

// Close finalizes every sink exactly once. Subsequent calls are no-ops.
func (b *Bus) Close(sum domain.Summary) []error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	for _, sk := range b.snapshot() {
		if err := guard(func() error { return sk.OnSessionEnd(sum) }); err != nil {
			errs = append(errs, b.fail(sk, err, sum.Samples))
		}
	}
	return errs
}

// Failures returns how many times the named sink has failed so far.
func (b *Bus) Failures(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[name]
}

func (b *Bus) snapshot() []Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	return sinks
}

// guard turns a panicking sink into an ordinary failure.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (b *Bus) fail(sk Sink, err error, seq int) error {
	b.mu.Lock()
	b.failures[sk.Name()]++
	n := b.failures[sk.Name()]
	b.mu.Unlock()

	serr := &SinkError{Sink: sk.Name(), Err: err}
	b.logger.WithError(err).WithFields(logrus.Fields{
		"sink":     sk.Name(),
		"seq":      seq,
		"failures": n,
	}).Warn("Sink failed; continuing")
	return serr
}
