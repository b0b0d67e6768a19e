// Package monitor arms PSI triggers with the kernel and waits for them to
// fire, using the kernel's own notification rather than polling.
package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"

	"github.com/setevik/psiwatch/internal/psi"
	"github.com/setevik/psiwatch/internal/trigger"
)

// ErrClosed is returned by a Monitor after Close.
var ErrClosed = errors.New("psi monitor closed")

// TriggerID identifies a trigger registered with one Monitor. IDs are issued
// by the monitor and never reused.
type TriggerID uint32

// Event is produced each time a registered trigger fires.
type Event struct {
	ID      TriggerID
	Trigger trigger.Descriptor
	// Sample is the line the trigger watches, read right after it fired.
	Sample psi.Sample
	// Samples is the complete pressure file read.
	Samples psi.SampleSet
}

func (e Event) String() string {
	return fmt.Sprintf("event triggered, stats: %s, trigger: %s", e.Sample, e.Trigger)
}

// triggerFile is an open pressure file. It arms the trigger on write, is
// re-read after each event, and disarms the trigger on close.
type triggerFile interface {
	io.ReadWriteSeeker
	io.Closer
	Fd() uintptr
}

// readiness is one notification from the poller.
type readiness struct {
	id  TriggerID
	err bool // the kernel flagged an error condition on the file
}

type poller interface {
	add(fd uintptr, id TriggerID) error
	wait() (readiness, error)
	close() error
}

type registration struct {
	trigger trigger.Descriptor
	file    triggerFile
	buf     bytes.Buffer
}

// Monitor owns a set of armed triggers. It is not safe for concurrent use;
// WaitOne blocks the calling goroutine until a trigger fires.
type Monitor struct {
	poller   poller
	open     func(path string) (triggerFile, error)
	triggers map[TriggerID]*registration
	lastID   TriggerID
	closed   bool
}

// New creates a Monitor with no triggers.
func New() (*Monitor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("creating psi monitor: %w", err)
	}
	return newMonitor(p, openTriggerFile), nil
}

func newMonitor(p poller, open func(string) (triggerFile, error)) *Monitor {
	return &Monitor{
		poller:   p,
		open:     open,
		triggers: make(map[TriggerID]*registration),
	}
}

// Len returns the number of armed triggers.
func (m *Monitor) Len() int {
	return len(m.triggers)
}

// Register arms d with the kernel and starts watching it. A threshold the
// kernel refuses is reported as psi.ErrInvalidThreshold. On any failure the
// pressure file is closed again and nothing is registered.
func (m *Monitor) Register(d trigger.Descriptor) (TriggerID, error) {
	if m.closed {
		return 0, ErrClosed
	}
	if err := d.Validate(); err != nil {
		return 0, err
	}

	f, err := m.open(d.Path())
	if err != nil {
		return 0, fmt.Errorf("opening pressure file: %w", err)
	}

	slog.Info("registering psi trigger", "trigger", d)
	ctl := d.Encode()
	slog.Debug("psi trigger control bytes", "bytes", fmt.Sprintf("%q", ctl))

	if _, err := f.Write(ctl); err != nil {
		f.Close()
		if errors.Is(err, syscall.EINVAL) {
			return 0, fmt.Errorf("arming %s: %w: %w", d, psi.ErrInvalidThreshold, err)
		}
		return 0, fmt.Errorf("arming %s: %w", d, err)
	}

	m.lastID++
	id := m.lastID
	if err := m.poller.add(f.Fd(), id); err != nil {
		f.Close()
		return 0, fmt.Errorf("watching %s: %w", d.Path(), err)
	}

	m.triggers[id] = &registration{trigger: d, file: f}
	slog.Info("successfully registered psi trigger", "id", id, "trigger", d)
	return id, nil
}

// WaitOne blocks until one registered trigger fires and returns the pressure
// read right after. Each call consumes exactly one notification. The kernel
// re-arms the trigger by itself, so a read or parse failure leaves it armed
// for the next call.
func (m *Monitor) WaitOne() (Event, error) {
	if m.closed {
		return Event{}, ErrClosed
	}

	slog.Debug("waiting for psi event")
	r, err := m.poller.wait()
	if err != nil {
		return Event{}, fmt.Errorf("waiting for psi event: %w", err)
	}

	reg, ok := m.triggers[r.id]
	if !ok {
		return Event{}, psi.ErrUnregisteredEvent
	}
	slog.Info("psi event triggered", "id", r.id, "trigger", reg.trigger)

	if r.err {
		slog.Error("error on watched psi file", "id", r.id, "path", reg.trigger.Path())
		return Event{}, fmt.Errorf("%s: %w", reg.trigger.Path(), psi.ErrTriggerFile)
	}

	set, err := reg.read()
	if err != nil {
		return Event{}, err
	}
	sample, err := set.Select(reg.trigger.Kind(), reg.trigger.Line())
	if err != nil {
		return Event{}, err
	}

	return Event{
		ID:      r.id,
		Trigger: reg.trigger,
		Sample:  sample,
		Samples: set,
	}, nil
}

// read re-reads the whole pressure file. The kernel does not rewind it.
func (r *registration) read() (psi.SampleSet, error) {
	path := r.trigger.Path()
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return psi.SampleSet{}, fmt.Errorf("rewinding %s: %w", path, err)
	}
	r.buf.Reset()
	if _, err := r.buf.ReadFrom(r.file); err != nil {
		return psi.SampleSet{}, fmt.Errorf("reading %s: %w", path, err)
	}
	slog.Debug("psi file contents", "path", path, "psi", r.buf.String())

	set, err := psi.ParseAll(r.buf.String())
	if err != nil {
		return psi.SampleSet{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return set, nil
}

// Close disarms every trigger and releases the monitor. No further calls are
// valid afterwards.
func (m *Monitor) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	for id, reg := range m.triggers {
		err = errors.Join(err, reg.file.Close())
		delete(m.triggers, id)
	}
	return errors.Join(err, m.poller.close())
}
