package reporter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/setevik/psiwatch/internal/event"
	"github.com/setevik/psiwatch/internal/format"
	"github.com/setevik/psiwatch/internal/psi"
)

// DigestSummary holds aggregated episode counts for a digest period.
type DigestSummary struct {
	InstanceID string
	Since      time.Time
	Until      time.Time

	Episodes  int
	Critical  int
	ByKind    map[psi.Kind]int
	ByTrigger map[string]int // trigger name -> count
	PeakAvg10 map[psi.Kind]float64
}

// BuildDigest aggregates a list of events into a DigestSummary.
func BuildDigest(instanceID string, events []*event.Event, since, until time.Time) *DigestSummary {
	d := &DigestSummary{
		InstanceID: instanceID,
		Since:      since,
		Until:      until,
		ByKind:     make(map[psi.Kind]int),
		ByTrigger:  make(map[string]int),
		PeakAvg10:  make(map[psi.Kind]float64),
	}

	for _, ev := range events {
		d.Episodes++
		if ev.Severity == event.SevCritical {
			d.Critical++
		}
		d.ByKind[ev.Kind]++

		name := ev.Trigger
		if name == "" {
			name = "unknown"
		}
		d.ByTrigger[name]++

		if ev.Avg10 > d.PeakAvg10[ev.Kind] {
			d.PeakAvg10[ev.Kind] = ev.Avg10
		}
	}

	return d
}

// FormatDigest formats a DigestSummary as human-readable text suitable for
// ntfy or stdout output.
func FormatDigest(d *DigestSummary) string {
	var b strings.Builder

	dateRange := fmt.Sprintf("%s - %s",
		d.Since.Local().Format("Jan 02"),
		d.Until.Local().Format("Jan 02"))

	fmt.Fprintf(&b, "=== %s ===\n", d.InstanceID)
	fmt.Fprintf(&b, "Period: %s\n\n", dateRange)

	fmt.Fprintf(&b, "Episodes: %d (%d critical)\n", d.Episodes, d.Critical)

	for _, k := range psi.Kinds {
		label := k.String() + ":"
		fmt.Fprintf(&b, "%-8s %d", label, d.ByKind[k])
		if d.ByKind[k] > 0 {
			fmt.Fprintf(&b, " (peak avg10 %s)", format.Percent(d.PeakAvg10[k]))
		}
		b.WriteString("\n")
	}

	if len(d.ByTrigger) > 0 {
		fmt.Fprintf(&b, "\nTriggers: %s\n", formatBreakdown(d.ByTrigger))
	}

	return b.String()
}

// FormatDigestTitle generates the ntfy title for a digest notification.
func FormatDigestTitle(since, until time.Time) string {
	return fmt.Sprintf("\U0001f4ca psiwatch weekly digest (%s-%s)",
		since.Local().Format("Jan 02"),
		until.Local().Format("Jan 02"))
}

// formatBreakdown turns a map[string]int into "foo x2, bar x1" sorted by count desc.
func formatBreakdown(m map[string]int) string {
	type entry struct {
		name  string
		count int
	}

	entries := make([]entry, 0, len(m))
	for name, count := range m {
		entries = append(entries, entry{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s ×%d", e.name, e.count)
	}
	return strings.Join(parts, ", ")
}
