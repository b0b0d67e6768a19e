package monitor

import (
	"bufio"
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/setevik/psiwatch/internal/format"
	"github.com/setevik/psiwatch/internal/psi"
)

// userHZ is the clock tick rate of the times in /proc/<pid>/stat.
const userHZ = 100

// Consumer is one process ranked by its use of the resource under pressure.
type Consumer struct {
	PID  int
	Name string
	// Usage is resident bytes for memory, bytes read and written for io, and
	// clock ticks of user plus system time for cpu.
	Usage int64
}

// TopConsumers returns the n processes that use the most of the resource
// behind kind. Processes whose counters cannot be read are left out; io
// counters of other users' processes need privileges.
func TopConsumers(kind psi.Kind, n int) ([]Consumer, error) {
	return topConsumers("/proc", kind, n)
}

func topConsumers(procRoot string, kind psi.Kind, n int) ([]Consumer, error) {
	usage, err := usageOf(kind)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", procRoot, err)
	}

	var procs []Consumer
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		dir := filepath.Join(procRoot, entry.Name())
		v, err := usage(dir)
		if err != nil {
			continue
		}
		procs = append(procs, Consumer{PID: pid, Name: commName(dir), Usage: v})
	}

	slices.SortFunc(procs, func(a, b Consumer) int {
		if c := cmp.Compare(b.Usage, a.Usage); c != 0 {
			return c
		}
		return cmp.Compare(a.PID, b.PID)
	})
	if n > 0 && len(procs) > n {
		procs = procs[:n]
	}
	return procs, nil
}

func usageOf(kind psi.Kind) (func(dir string) (int64, error), error) {
	switch kind {
	case psi.Memory:
		return residentBytes, nil
	case psi.IO:
		return ioBytes, nil
	case psi.CPU:
		return cpuTicks, nil
	default:
		return nil, fmt.Errorf("no consumer ranking for %s", kind)
	}
}

// residentBytes reads the resident page count from statm.
func residentBytes(dir string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, "statm"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("short statm in %s", dir)
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return pages * int64(os.Getpagesize()), nil
}

// ioBytes sums the storage bytes read and written from the io file.
func ioBytes(dir string) (int64, error) {
	f, err := os.Open(filepath.Join(dir, "io"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total int64
	var seen int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok || (key != "read_bytes" && key != "write_bytes") {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %s in %s: %w", key, dir, err)
		}
		total += n
		seen++
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if seen != 2 {
		return 0, fmt.Errorf("no byte counters in %s/io", dir)
	}
	return total, nil
}

// cpuTicks adds utime and stime from stat. The command name may contain
// spaces and parentheses, so fields are counted from the last ')'.
func cpuTicks(dir string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return 0, err
	}
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 {
		return 0, fmt.Errorf("malformed stat in %s", dir)
	}
	// Fields after the name start at state (field 3); utime and stime are
	// fields 14 and 15.
	rest := strings.Fields(s[i+1:])
	if len(rest) < 13 {
		return 0, fmt.Errorf("short stat in %s", dir)
	}
	utime, err := strconv.ParseInt(rest[11], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseInt(rest[12], 10, 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}

func commName(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "comm"))
	if err != nil {
		return "?"
	}
	return strings.TrimSpace(string(data))
}

// FormatConsumers renders consumers of kind as a titled, numbered list.
func FormatConsumers(kind psi.Kind, consumers []Consumer) string {
	var b strings.Builder
	switch kind {
	case psi.IO:
		b.WriteString("Top I/O consumers (bytes since start):\n")
	case psi.CPU:
		b.WriteString("Top CPU consumers (time since start):\n")
	default:
		b.WriteString("Top memory consumers:\n")
	}
	for i, c := range consumers {
		fmt.Fprintf(&b, "  %d. %-20s %7d %s\n", i+1, c.Name, c.PID, formatUsage(kind, c.Usage))
	}
	return b.String()
}

func formatUsage(kind psi.Kind, v int64) string {
	if kind == psi.CPU {
		return (time.Duration(v) * time.Second / userHZ).String()
	}
	return format.Bytes(v)
}
