// psiwatch arms Linux PSI triggers, records every pressure episode the
// kernel reports, and reacts to it (log, ntfy notification, or invoking the
// kernel OOM killer).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/setevik/psiwatch/internal/action"
	"github.com/setevik/psiwatch/internal/config"
	"github.com/setevik/psiwatch/internal/event"
	"github.com/setevik/psiwatch/internal/monitor"
	"github.com/setevik/psiwatch/internal/psi"
	"github.com/setevik/psiwatch/internal/reporter"
	"github.com/setevik/psiwatch/internal/store"
)

var version = "dev"

// topConsumerCount is how many processes are listed with each event.
const topConsumerCount = 5

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "query":
			runQuery(os.Args[2:])
			return
		case "digest":
			runDigest(os.Args[2:])
			return
		case "status":
			runStatus(os.Args[2:])
			return
		case "test-ntfy":
			runTestNtfyCmd(os.Args[2:])
			return
		case "version":
			fmt.Println("psiwatch", version)
			return
		}
	}

	// Default: run daemon.
	runDaemon(os.Args[1:])
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("psiwatch", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	testNtfy := fs.Bool("test-ntfy", false, "send a test notification and exit")
	fs.Parse(args)

	if *showVersion {
		fmt.Println("psiwatch", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Log.Level)

	slog.Info("psiwatch starting",
		"version", version,
		"instance", cfg.Instance.ID,
		"role", cfg.Instance.Role,
		"triggers", len(cfg.Triggers),
	)

	if *testNtfy {
		doTestNtfy(cfg)
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Open event database.
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening event database: %w", err)
	}
	defer db.Close()

	slog.Info("event database opened", "path", cfg.DBPath())

	// Run retention purge on startup.
	if cfg.DB.Retention.Duration > 0 {
		purged, err := db.Purge(cfg.DB.Retention.Duration)
		if err != nil {
			slog.Warn("failed to purge old events", "error", err)
		} else if purged > 0 {
			slog.Info("purged old events", "count", purged, "retention", cfg.DB.Retention.Duration)
		}
	}

	mon, err := monitor.New()
	if err != nil {
		return err
	}

	byID := make(map[monitor.TriggerID]config.TriggerConfig, len(cfg.Triggers))
	for _, tc := range cfg.Triggers {
		d, err := tc.Descriptor()
		if err != nil {
			mon.Close()
			return err
		}
		id, err := mon.Register(d)
		if err != nil {
			mon.Close()
			return fmt.Errorf("registering trigger %q: %w", tc.Name, err)
		}
		byID[id] = tc
	}

	disp := newDispatcher(cfg, db)

	// The wait goroutine owns the monitor from here on. epoll_wait cannot be
	// interrupted from another goroutine, so the triggers are released when
	// the process exits.
	fired := make(chan monitor.Event)
	fatal := make(chan error, 1)
	go watch(mon, fired, fatal)

	// Notify systemd we are ready (sd_notify).
	sdNotify("READY=1", fmt.Sprintf("STATUS=watching %d psi triggers", len(byID)))

	// Start watchdog ticker if WatchdogSec is configured.
	var watchdogTicker *time.Ticker
	if wdInterval := watchdogInterval(); wdInterval > 0 {
		// Ping at half the watchdog interval.
		watchdogTicker = time.NewTicker(wdInterval / 2)
		defer watchdogTicker.Stop()
		slog.Info("systemd watchdog enabled", "interval", wdInterval)
	}

	slog.Info("triggers armed, waiting for pressure events", "count", len(byID))

	for {
		// Watchdog channel (nil if disabled, select skips nil channels).
		var watchdogCh <-chan time.Time
		if watchdogTicker != nil {
			watchdogCh = watchdogTicker.C
		}

		select {
		case me := <-fired:
			tc, ok := byID[me.ID]
			if !ok {
				slog.Warn("event for unknown trigger", "id", me.ID)
				continue
			}
			handleEvent(ctx, me, tc, db, disp, cfg)

		case err := <-fatal:
			sdNotify("STOPPING=1")
			return err

		case <-watchdogCh:
			sdNotify("WATCHDOG=1")

		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			sdNotify("STOPPING=1")
			cancel()
			// mon is not closed here: watch may be blocked in epoll_wait on
			// it. Exiting closes the pressure files, which disarms the
			// triggers.
			return nil
		}
	}
}

// watch forwards fired triggers until the monitor fails in a way that would
// repeat on every call.
func watch(mon *monitor.Monitor, fired chan<- monitor.Event, fatal chan<- error) {
	for {
		me, err := mon.WaitOne()
		if err == nil {
			fired <- me
			continue
		}
		if recoverable(err) {
			slog.Warn("skipping psi event", "error", err)
			continue
		}
		fatal <- fmt.Errorf("psi monitor: %w", err)
		return
	}
}

// recoverable reports whether WaitOne can be called again after err. A bad
// read of one pressure file does not disarm its trigger.
func recoverable(err error) bool {
	var pe *psi.ParseError
	var ue *psi.UnexpectedTriggerEventError
	return errors.As(err, &pe) || errors.As(err, &ue) || errors.Is(err, psi.ErrUnregisteredEvent)
}

// newDispatcher installs the reactions a trigger's actions list can name.
func newDispatcher(cfg *config.Config, db *store.DB) *action.Dispatcher {
	d := action.NewDispatcher()
	d.Set(config.ActionLog, action.Log{})
	d.Set(config.ActionOOMKill, action.OOMKill{Path: action.SysrqTriggerPath})
	d.Set(config.ActionNtfy, action.Ntfy{Notifier: reporter.NewNtfy(cfg), Mark: db.MarkNotified})
	return d
}

// handleEvent records a fired trigger, applies the cooldown, and runs the
// trigger's reactions.
func handleEvent(ctx context.Context, me monitor.Event, tc config.TriggerConfig, db *store.DB, disp *action.Dispatcher, cfg *config.Config) {
	ev := event.New(cfg.Instance.ID, tc.Name, event.Severity(tc.Severity), time.Now(), me)

	top, err := monitor.TopConsumers(ev.Kind, topConsumerCount)
	if err != nil {
		slog.Debug("failed to read top consumers", "kind", ev.Kind, "error", err)
	} else if len(top) > 0 {
		ev.Detail += "\n" + monitor.FormatConsumers(ev.Kind, top)
	}

	slog.Info("pressure event",
		"trigger", ev.Trigger,
		"severity", ev.Severity,
		"summary", ev.Summary,
	)

	// Check cooldown against earlier firings before storing this one.
	dedup, err := db.CheckCooldown(ev, cfg.Cooldown.Window.Duration, cfg.Cooldown.AggregateThreshold)
	if err != nil {
		slog.Error("cooldown check failed", "error", err)
		dedup.ShouldAlert = true
	}
	if dedup.Aggregated {
		ev.Summary = fmt.Sprintf("[x%d] %s", dedup.RecentCount+1, ev.Summary)
	}

	if err := db.Insert(ev); err != nil {
		slog.Error("failed to store event", "error", err)
	}

	names := reactionNames(tc.Actions, dedup.ShouldAlert)
	if !dedup.ShouldAlert {
		slog.Debug("notification suppressed by cooldown",
			"trigger", ev.Trigger,
			"recent_count", dedup.RecentCount,
		)
	}
	disp.Dispatch(ctx, ev, names)
}

// reactionNames returns the actions to run for one event. Only notifications
// are subject to the cooldown.
func reactionNames(actions []string, notify bool) []string {
	if notify {
		return actions
	}
	return slices.DeleteFunc(slices.Clone(actions), func(a string) bool {
		return a == config.ActionNtfy
	})
}

// --- digest subcommand ---

func runDigest(args []string) {
	fs := flag.NewFlagSet("digest", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	send := fs.Bool("send", false, "send digest via ntfy (otherwise print to stdout)")
	last := fs.String("last", "7d", "time window for digest")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	setupLogging("error")

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	duration, err := parseWindow(*last)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --last value: %v\n", err)
		os.Exit(1)
	}

	until := time.Now()
	since := until.Add(-duration)

	events, err := db.Query(store.QueryFilter{Since: since, Until: until})
	if err != nil {
		fmt.Fprintf(os.Stderr, "query error: %v\n", err)
		os.Exit(1)
	}

	digest := reporter.BuildDigest(cfg.Instance.ID, events, since, until)
	body := reporter.FormatDigest(digest)

	if !*send {
		fmt.Print(body)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	title := reporter.FormatDigestTitle(since, until)
	if err := reporter.NewNtfy(cfg).SendDigest(ctx, title, body); err != nil {
		fmt.Fprintf(os.Stderr, "error sending digest: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Digest sent successfully.")
}

// --- status subcommand ---

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	setupLogging("error")

	fmt.Printf("Instance:     %s\n", cfg.Instance.ID)
	fmt.Printf("Role:         %s\n", cfg.Instance.Role)

	// Current pressure, straight from /proc/pressure.
	for _, k := range psi.Kinds {
		set, err := psi.Read(k)
		if err != nil {
			fmt.Printf("PSI %-8s unavailable (%v)\n", k.String()+":", err)
			continue
		}
		fmt.Printf("PSI %-8s %s\n", k.String()+":", set.Some)
		fmt.Printf("             %s\n", set.Full)
	}

	for _, tc := range cfg.Triggers {
		d, err := tc.Descriptor()
		if err != nil {
			continue
		}
		fmt.Printf("Trigger:      %s: %s [%s]\n", tc.Name, d, strings.Join(tc.Actions, ", "))
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	// Last event.
	lastEvents, err := db.Query(store.QueryFilter{Limit: 1})
	if err == nil && len(lastEvents) > 0 {
		ev := lastEvents[0]
		ago := time.Since(ev.Timestamp).Truncate(time.Second)
		fmt.Printf("Last event:   [%s] %s, %s ago\n", ev.Severity.Label(), ev.Summary, formatAgo(ago))
	} else {
		fmt.Println("Last event:   none")
	}

	// Event counts for last 24h.
	since24h := time.Now().Add(-24 * time.Hour)
	events24h, _ := db.Query(store.QueryFilter{Since: since24h})

	counts := make(map[psi.Kind]int)
	for _, ev := range events24h {
		counts[ev.Kind]++
	}
	fmt.Printf("Events (24h): %d memory, %d io, %d cpu\n",
		counts[psi.Memory], counts[psi.IO], counts[psi.CPU])

	// DB info.
	eventCount, _ := db.Count()
	fmt.Printf("DB events:    %d total\n", eventCount)
	fmt.Printf("DB path:      %s\n", cfg.DBPath())
}

// --- query subcommand ---

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	last := fs.String("last", "24h", "time window (e.g. 24h, 7d, 30d)")
	trig := fs.String("trigger", "", "filter by trigger name")
	kind := fs.String("kind", "", "filter by resource (memory, io, cpu)")
	instance := fs.String("instance", "", "filter by instance ID")
	limit := fs.Int("limit", 50, "max events to show")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	setupLogging("error") // quiet for CLI output

	if *kind != "" {
		if _, err := psi.ParseKind(*kind); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --kind value: %v\n", err)
			os.Exit(1)
		}
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	since, err := parseWindow(*last)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --last value %q: %v\n", *last, err)
		os.Exit(1)
	}

	filter := store.QueryFilter{
		Since:      time.Now().Add(-since),
		Trigger:    *trig,
		Kind:       strings.ToLower(*kind),
		InstanceID: *instance,
		Limit:      *limit,
	}

	events, err := db.Query(filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query error: %v\n", err)
		os.Exit(1)
	}

	if len(events) == 0 {
		fmt.Println("No events found.")
		return
	}

	printEvents(events)
}

func printEvents(events []*event.Event) {
	for _, ev := range events {
		ts := ev.Timestamp.Local().Format("2006-01-02 15:04:05")
		fmt.Printf("%s  [%-8s] %-18s %s\n", ts, ev.Severity.Label(), ev.Trigger, ev.Summary)
		if ev.Detail != "" {
			// Print first line of detail as a brief.
			lines := strings.SplitN(ev.Detail, "\n", 2)
			fmt.Printf("             %s\n", lines[0])
		}
		fmt.Println()
	}
	fmt.Printf("Total: %d event(s)\n", len(events))
}

// parseWindow parses a look-back window: any time.ParseDuration string, or a
// whole number of days ("7d") or weeks ("2w").
func parseWindow(s string) (time.Duration, error) {
	var unit time.Duration
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		unit = 7 * 24 * time.Hour
	}

	var d time.Duration
	if unit == 0 {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, err
		}
	} else {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		d = time.Duration(n) * unit
	}

	if d <= 0 {
		return 0, fmt.Errorf("window %q must be positive", s)
	}
	return d, nil
}

// formatAgo renders an elapsed time with its two largest units.
func formatAgo(d time.Duration) string {
	const day = 24 * time.Hour
	switch {
	case d >= day:
		return fmt.Sprintf("%dd %dh", int64(d/day), int64(d%day/time.Hour))
	case d >= time.Hour:
		return fmt.Sprintf("%dh %dm", int64(d/time.Hour), int64(d%time.Hour/time.Minute))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int64(d/time.Minute))
	default:
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
}

// --- test-ntfy subcommand ---

func runTestNtfyCmd(args []string) {
	fs := flag.NewFlagSet("test-ntfy", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Log.Level)
	doTestNtfy(cfg)
}

func doTestNtfy(cfg *config.Config) {
	if cfg.Ntfy.URL == "" {
		fmt.Fprintln(os.Stderr, "error: ntfy.url not configured")
		os.Exit(1)
	}

	rep := reporter.NewNtfy(cfg)
	ev := &reporter.TestEvent{
		InstanceID: cfg.Instance.ID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sent, err := rep.Report(ctx, ev.ToEvent())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error sending test notification: %v\n", err)
		os.Exit(1)
	}
	if !sent {
		fmt.Fprintln(os.Stderr, "error: critical severity is not in ntfy.alert_severities")
		os.Exit(1)
	}
	fmt.Println("Test notification sent successfully.")
}

// setupLogging installs a text handler at the named level. Levels are the
// ones slog itself parses ("debug", "info", "warn", "error"); config
// validation rejects anything else.
func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	})
	slog.SetDefault(slog.New(handler))
}
