package main

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// sdNotify sends state assignments such as "READY=1" to the service manager
// over NOTIFY_SOCKET. It is a no-op outside systemd. Go maps a leading '@'
// in the socket path to the abstract namespace.
func sdNotify(states ...string) {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" || len(states) == 0 {
		return
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		slog.Debug("sd_notify: failed to connect", "socket", addr, "error", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(strings.Join(states, "\n"))); err != nil {
		slog.Debug("sd_notify: failed to send", "states", states, "error", err)
	}
}

// watchdogInterval returns the WatchdogSec the service manager expects pings
// within, or 0 when the watchdog is off or meant for another process.
func watchdogInterval() time.Duration {
	if pid := os.Getenv("WATCHDOG_PID"); pid != "" && pid != strconv.Itoa(os.Getpid()) {
		return 0
	}
	usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	return time.Duration(usec) * time.Microsecond
}
