package reporter

import (
	"time"

	"github.com/setevik/psiwatch/internal/event"
	"github.com/setevik/psiwatch/internal/psi"
)

// TestEvent creates a synthetic event for testing ntfy connectivity.
type TestEvent struct {
	InstanceID string
}

// ToEvent converts a TestEvent to a real Event suitable for Report().
func (t *TestEvent) ToEvent() *event.Event {
	return &event.Event{
		ID:         "test-" + time.Now().Format("20060102-150405"),
		InstanceID: t.InstanceID,
		Timestamp:  time.Now(),
		Trigger:    "test",
		Kind:       psi.Memory,
		Line:       psi.Some,
		Severity:   event.SevCritical,
		Summary:    "Test notification from psiwatch",
		Detail:     "This is a test notification to verify ntfy connectivity.\nIf you see this, psiwatch is configured correctly.",
	}
}
