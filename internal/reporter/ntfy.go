// Package reporter sends pressure events to ntfy and builds digests.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/setevik/psiwatch/internal/config"
	"github.com/setevik/psiwatch/internal/event"
)

// NtfyReporter sends event notifications to an ntfy server.
type NtfyReporter struct {
	cfg    *config.Config
	client *http.Client
}

// NewNtfy creates a new NtfyReporter.
func NewNtfy(cfg *config.Config) *NtfyReporter {
	return &NtfyReporter{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Report sends an event notification to ntfy if a URL is configured and the
// event's severity is in the configured alert severities. sent reports
// whether ntfy accepted a notification.
func (r *NtfyReporter) Report(ctx context.Context, ev *event.Event) (sent bool, err error) {
	if r.cfg.Ntfy.URL == "" {
		slog.Debug("ntfy URL not configured, skipping notification")
		return false, nil
	}

	if !r.cfg.ShouldAlert(string(ev.Severity)) {
		slog.Debug("event severity not in alert severities, skipping", "severity", ev.Severity)
		return false, nil
	}

	priority := r.cfg.NtfyPriority(string(ev.Severity))
	if err := r.send(ctx, FormatTitle(ev), FormatBody(ev), priority, TagsForEvent(ev)); err != nil {
		return false, err
	}
	return true, nil
}

// SendDigest posts a digest with low priority, bypassing severity filtering.
func (r *NtfyReporter) SendDigest(ctx context.Context, title, body string) error {
	if r.cfg.Ntfy.URL == "" {
		return fmt.Errorf("ntfy URL not configured")
	}
	return r.send(ctx, title, body, "low", "chart")
}

func (r *NtfyReporter) send(ctx context.Context, title, body, priority, tags string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Ntfy.URL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating ntfy request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}

	slog.Info("notification sent", "title", title, "priority", priority)
	return nil
}
