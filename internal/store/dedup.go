package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/setevik/psiwatch/internal/event"
)

// DedupResult describes whether an event should be alerted on.
type DedupResult struct {
	// ShouldAlert is true if this event should trigger a notification.
	ShouldAlert bool
	// RecentCount is the number of earlier firings of the same trigger within
	// the cooldown window.
	RecentCount int
	// Aggregated is true if the trigger kept firing through the cooldown and
	// just reached the aggregate threshold, so a summary alert should fire.
	Aggregated bool
}

// CheckCooldown decides whether a fired trigger should alert, based on how
// often the same trigger on the same instance fired within window. Call it
// before inserting ev.
//
// Logic:
//   - No earlier firing within window: alert.
//   - Count below threshold: suppress.
//   - Count == threshold: alert as aggregated (sustained pressure).
//   - Count above threshold: suppress (aggregate already sent).
func (d *DB) CheckCooldown(ev *event.Event, window time.Duration, threshold int) (DedupResult, error) {
	since := ev.Timestamp.Add(-window).UTC().Format(timeLayout)

	var count int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM events
		WHERE instance_id = ? AND trigger_name = ? AND timestamp >= ?`,
		ev.InstanceID, ev.Trigger, since,
	).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return DedupResult{}, fmt.Errorf("checking cooldown: %w", err)
	}

	result := DedupResult{RecentCount: count}
	switch {
	case count == 0:
		result.ShouldAlert = true
	case count == threshold:
		result.ShouldAlert = true
		result.Aggregated = true
	}

	slog.Debug("cooldown check",
		"trigger", ev.Trigger,
		"recent_count", count,
		"threshold", threshold,
		"should_alert", result.ShouldAlert,
	)

	return result, nil
}
