package reporter

import (
	"fmt"
	"strings"

	"github.com/setevik/psiwatch/internal/event"
	"github.com/setevik/psiwatch/internal/psi"
)

// severityEmoji maps severities to display emojis for ntfy titles.
var severityEmoji = map[event.Severity]string{
	event.SevCritical: "\U0001f534", // red circle
	event.SevWarning:  "\U0001f7e0", // orange circle
}

// kindTags maps resources to ntfy tag names.
var kindTags = map[psi.Kind]string{
	psi.Memory: "memory",
	psi.IO:     "floppy_disk",
	psi.CPU:    "computer",
}

// FormatTitle builds the ntfy notification title for an event.
func FormatTitle(ev *event.Event) string {
	emoji := severityEmoji[ev.Severity]
	if emoji == "" {
		emoji = "❗" // exclamation mark
	}
	return fmt.Sprintf("%s [%s] %s", emoji, ev.InstanceID, ev.Summary)
}

// FormatBody builds the ntfy notification body for an event.
func FormatBody(ev *event.Event) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Host: %s\n", ev.InstanceID)
	fmt.Fprintf(&b, "Time: %s\n", ev.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Trigger: %s (%s %s)\n", ev.Trigger, ev.Kind, ev.Line)

	if ev.Detail != "" {
		b.WriteString("\n")
		b.WriteString(ev.Detail)
	}

	return b.String()
}

// TagsForEvent returns the ntfy tags string for an event.
func TagsForEvent(ev *event.Event) string {
	tag, ok := kindTags[ev.Kind]
	if !ok {
		return "warning"
	}
	if ev.Severity == event.SevCritical {
		return "rotating_light," + tag
	}
	return "warning," + tag
}
