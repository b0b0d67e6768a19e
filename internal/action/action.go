// Package action runs the configured reactions for a fired pressure trigger.
// Reactions are fire-and-forget: failures are logged and never reach the
// monitor.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/setevik/psiwatch/internal/event"
)

// SysrqTriggerPath is the magic SysRq control file.
const SysrqTriggerPath = "/proc/sysrq-trigger"

// Reaction responds to one pressure event.
type Reaction interface {
	React(ctx context.Context, ev *event.Event) error
}

// Notifier delivers an event to a remote endpoint. sent is false when the
// notifier chose not to deliver it.
type Notifier interface {
	Report(ctx context.Context, ev *event.Event) (sent bool, err error)
}

// Log records the event in the process log.
type Log struct{}

func (Log) React(_ context.Context, ev *event.Event) error {
	attrs := []any{
		"trigger", ev.Trigger,
		"kind", ev.Kind,
		"line", ev.Line,
		"avg10", ev.Avg10,
		"avg60", ev.Avg60,
		"avg300", ev.Avg300,
		"total", ev.Total,
	}
	if ev.Severity == event.SevCritical {
		slog.Error(ev.Summary, attrs...)
	} else {
		slog.Warn(ev.Summary, attrs...)
	}
	return nil
}

// Ntfy sends the event through a Notifier and marks it as notified once the
// notifier actually delivered it.
type Ntfy struct {
	Notifier Notifier
	Mark     func(id string) error
}

func (n Ntfy) React(ctx context.Context, ev *event.Event) error {
	sent, err := n.Notifier.Report(ctx, ev)
	if err != nil {
		return err
	}
	if sent && n.Mark != nil {
		if err := n.Mark(ev.ID); err != nil {
			return fmt.Errorf("marking event notified: %w", err)
		}
	}
	return nil
}

// OOMKill asks the kernel to run the OOM killer once by writing 'f' to the
// SysRq trigger file. It needs root and sysrq bit 64 enabled.
type OOMKill struct {
	Path string // defaults to SysrqTriggerPath
}

func (o OOMKill) React(_ context.Context, ev *event.Event) error {
	path := o.Path
	if path == "" {
		path = SysrqTriggerPath
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening sysrq trigger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte{'f'}); err != nil {
		return fmt.Errorf("writing sysrq trigger: %w", err)
	}
	slog.Warn("invoked kernel oom killer", "trigger", ev.Trigger, "path", path)
	return nil
}

// Dispatcher maps action names to reactions. It starts empty; callers
// install a reaction per name with Set.
type Dispatcher struct {
	reactions map[string]Reaction
}

// NewDispatcher returns a Dispatcher with no reactions.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{reactions: make(map[string]Reaction)}
}

// Set installs or replaces the reaction for name.
func (d *Dispatcher) Set(name string, r Reaction) {
	d.reactions[name] = r
}

// Has reports whether a reaction is installed for name.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.reactions[name]
	return ok
}

// Dispatch runs the named reactions in order. Errors are logged and do not
// stop the remaining reactions.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event, names []string) {
	for _, name := range names {
		r, ok := d.reactions[name]
		if !ok {
			slog.Warn("no reaction registered", "action", name, "trigger", ev.Trigger)
			continue
		}
		if err := r.React(ctx, ev); err != nil {
			slog.Error("reaction failed", "action", name, "trigger", ev.Trigger, "error", err)
		}
	}
}
