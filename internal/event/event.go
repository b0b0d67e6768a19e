// Package event defines the recorded form of a fired pressure trigger.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/setevik/psiwatch/internal/format"
	"github.com/setevik/psiwatch/internal/monitor"
	"github.com/setevik/psiwatch/internal/psi"
)

// Severity indicates the urgency of a pressure episode.
type Severity string

const (
	SevCritical Severity = "critical"
	SevWarning  Severity = "warning"
)

// Label returns a human-readable label for severity.
func (s Severity) Label() string {
	switch s {
	case SevCritical:
		return "Critical"
	case SevWarning:
		return "Warning"
	default:
		return string(s)
	}
}

// Event is one fired trigger as stored and reported.
type Event struct {
	ID         string
	InstanceID string
	Timestamp  time.Time
	Trigger    string // configured trigger name
	Kind       psi.Kind
	Line       psi.Line
	Severity   Severity
	Stall      time.Duration
	Window     time.Duration
	Avg10      float64
	Avg60      float64
	Avg300     float64
	Total      time.Duration
	Summary    string
	Detail     string
}

// New creates an Event with a generated UUID from a monitor event.
func New(instanceID, name string, sev Severity, ts time.Time, me monitor.Event) *Event {
	th := me.Trigger.Threshold()
	ev := &Event{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Timestamp:  ts,
		Trigger:    name,
		Kind:       me.Trigger.Kind(),
		Line:       me.Trigger.Line(),
		Severity:   sev,
		Stall:      th.Stall,
		Window:     th.Window,
		Avg10:      me.Sample.Avg10,
		Avg60:      me.Sample.Avg60,
		Avg300:     me.Sample.Avg300,
		Total:      me.Sample.Total,
	}
	ev.Summary = fmt.Sprintf("%s %s pressure %s (%s)",
		ev.Kind, ev.Line, format.Percent(ev.Avg10), name)
	ev.Detail = fmt.Sprintf("Threshold: %s stall in %s window\nPSI %s avg10=%.2f avg60=%.2f avg300=%.2f\nTotal stall: %s\n",
		ev.Stall, ev.Window, ev.Line, ev.Avg10, ev.Avg60, ev.Avg300, format.Stall(ev.Total))
	return ev
}
