package notify

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/jkaberg/bench-charger/internal/domain"
	"github.com/sirupsen/logrus"
)

// Runner executes a command. Tests swap it for a recorder.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// DesktopNotifier pops a desktop notification through `notify-send` when the
// charge session ends. Without a notification daemon (headless bench PC, SSH
// session) the command fails and the failure is only logged at debug level.
type DesktopNotifier struct {
	binary  string
	timeout time.Duration
	run     Runner
	logger  *logrus.Logger
}

// NewDesktopNotifier returns a notifier using notify-send from PATH.
func NewDesktopNotifier(logger *logrus.Logger) *DesktopNotifier {
	return &DesktopNotifier{
		binary:  "notify-send",
		timeout: 1500 * time.Millisecond,
		run:     execRunner,
		logger:  logger,
	}
}

// WithRunner replaces the command runner.
func (n *DesktopNotifier) WithRunner(r Runner) *DesktopNotifier {
	n.run = r
	return n
}

// Notify posts a notification with the supplied title and message body.
func (n *DesktopNotifier) Notify(title, content string, urgent bool) {
	if title == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	urgency := "normal"
	if urgent {
		urgency = "critical"
	}
	args := []string{"--app-name", "bench-charger", "--urgency", urgency, title, content}

	if err := n.run(ctx, n.binary, args...); err != nil {
		n.logger.WithError(err).Debug("notify-send execution failed")
	}
}

func (n *DesktopNotifier) Name() string { return "notify" }

func (n *DesktopNotifier) OnSample(domain.Sample) error { return nil }

func (n *DesktopNotifier) OnSessionEnd(sum domain.Summary) error {
	title, urgent := Title(sum)
	n.Notify(title, fmt.Sprintf("%.4f Ah, %.4f Wh in %s", sum.AmpHours, sum.WattHours, sum.Duration.Round(time.Second)), urgent)
	return nil
}

// Title picks the notification headline for a finished session.
func Title(sum domain.Summary) (title string, urgent bool) {
	switch sum.Reason {
	case domain.ReasonCutoff:
		return "Charging complete", false
	case domain.ReasonInterrupted:
		return "Charging interrupted", false
	default:
		return "Charging failed", true
	}
}
