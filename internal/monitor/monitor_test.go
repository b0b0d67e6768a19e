package monitor

import (
	"errors"
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/setevik/psiwatch/internal/psi"
	"github.com/setevik/psiwatch/internal/trigger"
)

const memoryPressure = `some avg10=2.10 avg60=0.50 avg300=0.10 total=123456
full avg10=0.30 avg60=0.05 avg300=0.01 total=7890
`

// fakeFile stands in for an open pressure file.
type fakeFile struct {
	content  string
	off      int64
	written  []byte
	writeErr error
	seeks    int
	closed   bool
	fd       uintptr
}

func (f *fakeFile) Read(p []byte) (int, error) {
	if f.off >= int64(len(f.content)) {
		return 0, io.EOF
	}
	n := copy(p, f.content[f.off:])
	f.off += int64(n)
	return n, nil
}

func (f *fakeFile) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeFile) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, errors.New("unsupported whence")
	}
	f.seeks++
	f.off = offset
	return offset, nil
}

func (f *fakeFile) Close() error {
	f.closed = true
	return nil
}

func (f *fakeFile) Fd() uintptr { return f.fd }

// fakePoller replays queued notifications.
type fakePoller struct {
	added   map[uintptr]TriggerID
	queue   []readiness
	addErr  error
	waitErr error
	closed  bool
}

func newFakePoller() *fakePoller {
	return &fakePoller{added: make(map[uintptr]TriggerID)}
}

func (p *fakePoller) add(fd uintptr, id TriggerID) error {
	if p.addErr != nil {
		return p.addErr
	}
	p.added[fd] = id
	return nil
}

func (p *fakePoller) wait() (readiness, error) {
	if p.waitErr != nil {
		return readiness{}, p.waitErr
	}
	if len(p.queue) == 0 {
		return readiness{}, errors.New("no queued events")
	}
	r := p.queue[0]
	p.queue = p.queue[1:]
	return r, nil
}

func (p *fakePoller) close() error {
	p.closed = true
	return nil
}

// testMonitor builds a Monitor whose opener hands out fakeFiles with the
// given content, recording every file it opened.
func testMonitor(t *testing.T, content string) (*Monitor, *fakePoller, *[]*fakeFile) {
	t.Helper()
	p := newFakePoller()
	var files []*fakeFile
	open := func(path string) (triggerFile, error) {
		f := &fakeFile{content: content, fd: uintptr(100 + len(files))}
		files = append(files, f)
		return f, nil
	}
	return newMonitor(p, open), p, &files
}

func memoryFull(stall, window time.Duration) trigger.Descriptor {
	return trigger.New().Memory().Full().Stall(stall).Window(window).Build()
}

func TestRegisterArmsTrigger(t *testing.T) {
	m, p, files := testMonitor(t, memoryPressure)

	id, err := m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(*files) != 1 {
		t.Fatalf("opened %d files, want 1", len(*files))
	}
	f := (*files)[0]
	if got := string(f.written); got != "full 50000 500000\x00" {
		t.Errorf("control write = %q, want %q", got, "full 50000 500000\x00")
	}
	if p.added[f.fd] != id {
		t.Errorf("poller watches fd %d as %d, want %d", f.fd, p.added[f.fd], id)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestRegisterInvalidThreshold(t *testing.T) {
	m, _, files := testMonitor(t, memoryPressure)

	_, err := m.Register(memoryFull(time.Second, 500*time.Millisecond))
	if !errors.Is(err, psi.ErrInvalidThreshold) {
		t.Fatalf("Register error = %v, want ErrInvalidThreshold", err)
	}
	if len(*files) != 0 {
		t.Error("an invalid threshold should not open the pressure file")
	}
}

func TestRegisterKernelRejects(t *testing.T) {
	p := newFakePoller()
	f := &fakeFile{writeErr: &os.PathError{Op: "write", Path: psi.MemoryPressurePath, Err: syscall.EINVAL}}
	m := newMonitor(p, func(string) (triggerFile, error) { return f, nil })

	_, err := m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond))
	if !errors.Is(err, psi.ErrInvalidThreshold) {
		t.Fatalf("Register error = %v, want ErrInvalidThreshold", err)
	}
	if !f.closed {
		t.Error("file should be closed after a rejected write")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

func TestRegisterWriteIOError(t *testing.T) {
	p := newFakePoller()
	f := &fakeFile{writeErr: &os.PathError{Op: "write", Path: psi.MemoryPressurePath, Err: syscall.EIO}}
	m := newMonitor(p, func(string) (triggerFile, error) { return f, nil })

	_, err := m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, psi.ErrInvalidThreshold) {
		t.Errorf("EIO should not map to ErrInvalidThreshold: %v", err)
	}
	if !errors.Is(err, syscall.EIO) {
		t.Errorf("Register error = %v, want EIO", err)
	}
}

func TestRegisterOpenError(t *testing.T) {
	p := newFakePoller()
	m := newMonitor(p, func(path string) (triggerFile, error) {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrPermission}
	})

	_, err := m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond))
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("Register error = %v, want os.ErrPermission", err)
	}
}

func TestRegisterPollerFailureCleansUp(t *testing.T) {
	m, p, files := testMonitor(t, memoryPressure)
	p.addErr = errors.New("epoll_ctl: operation not permitted")

	if _, err := m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond)); err == nil {
		t.Fatal("expected error")
	}
	if !(*files)[0].closed {
		t.Error("file should be closed when the poller refuses it")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

func TestWaitOneIdentity(t *testing.T) {
	m, p, _ := testMonitor(t, memoryPressure)

	low, err := m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	oom, err := m.Register(memoryFull(100*time.Millisecond, 500*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if low == oom {
		t.Fatalf("trigger IDs should differ, both %d", low)
	}

	p.queue = []readiness{{id: oom}, {id: low}}

	ev, err := m.WaitOne()
	if err != nil {
		t.Fatalf("WaitOne: %v", err)
	}
	if ev.ID != oom {
		t.Errorf("first event ID = %d, want %d", ev.ID, oom)
	}
	if ev.Trigger.Threshold().Stall != 100*time.Millisecond {
		t.Errorf("first event trigger = %s, want the 100ms trigger", ev.Trigger)
	}

	ev, err = m.WaitOne()
	if err != nil {
		t.Fatalf("WaitOne: %v", err)
	}
	if ev.ID != low {
		t.Errorf("second event ID = %d, want %d", ev.ID, low)
	}
	if ev.Trigger.Threshold().Stall != 50*time.Millisecond {
		t.Errorf("second event trigger = %s, want the 50ms trigger", ev.Trigger)
	}
}

func TestWaitOneSelectsLine(t *testing.T) {
	m, p, _ := testMonitor(t, memoryPressure)

	full, _ := m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond))
	some, _ := m.Register(trigger.New().Memory().Some().Stall(50 * time.Millisecond).Window(500 * time.Millisecond).Build())
	p.queue = []readiness{{id: full}, {id: some}}

	ev, err := m.WaitOne()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Sample.Line != psi.Full || ev.Sample.Avg10 != 0.30 {
		t.Errorf("full trigger sample = %+v", ev.Sample)
	}
	if ev.Samples.Some.Avg10 != 2.10 {
		t.Errorf("Samples.Some = %+v", ev.Samples.Some)
	}

	ev, err = m.WaitOne()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Sample.Line != psi.Some || ev.Sample.Avg10 != 2.10 {
		t.Errorf("some trigger sample = %+v", ev.Sample)
	}
}

func TestWaitOneRewindsBeforeRead(t *testing.T) {
	m, p, files := testMonitor(t, memoryPressure)

	id, _ := m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond))
	f := (*files)[0]
	p.queue = []readiness{{id: id}, {id: id}}

	if _, err := m.WaitOne(); err != nil {
		t.Fatal(err)
	}

	f.content = `some avg10=9.00 avg60=0.50 avg300=0.10 total=200000
full avg10=4.00 avg60=0.05 avg300=0.01 total=100000
`
	ev, err := m.WaitOne()
	if err != nil {
		t.Fatalf("second WaitOne: %v", err)
	}
	if ev.Sample.Avg10 != 4.00 {
		t.Errorf("second read Avg10 = %f, want 4.00", ev.Sample.Avg10)
	}
	if f.seeks != 2 {
		t.Errorf("seeks = %d, want 2", f.seeks)
	}
	if len(f.written) != len("full 50000 500000\x00") {
		t.Errorf("trigger should be written once, wrote %q", f.written)
	}
}

func TestWaitOneUnregistered(t *testing.T) {
	m, p, _ := testMonitor(t, memoryPressure)
	p.queue = []readiness{{id: 99}}

	if _, err := m.WaitOne(); !errors.Is(err, psi.ErrUnregisteredEvent) {
		t.Fatalf("WaitOne error = %v, want ErrUnregisteredEvent", err)
	}
}

func TestWaitOneFileError(t *testing.T) {
	m, p, files := testMonitor(t, memoryPressure)
	id, _ := m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond))
	p.queue = []readiness{{id: id, err: true}}

	if _, err := m.WaitOne(); !errors.Is(err, psi.ErrTriggerFile) {
		t.Fatalf("WaitOne error = %v, want ErrTriggerFile", err)
	}
	if (*files)[0].seeks != 0 {
		t.Error("file should not be re-read after an error condition")
	}
}

func TestWaitOneParseErrorKeepsTrigger(t *testing.T) {
	m, p, files := testMonitor(t, "full avg10=0.30 avg60=0.05 avg300=0.01 total=7890\n")
	id, _ := m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond))
	p.queue = []readiness{{id: id}, {id: id}}

	_, err := m.WaitOne()
	var pe *psi.ParseError
	if !errors.As(err, &pe) || pe.Kind != psi.MissingLine || pe.Line != psi.Some {
		t.Fatalf("WaitOne error = %v, want MissingLine(some)", err)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, trigger should stay registered", m.Len())
	}

	(*files)[0].content = memoryPressure
	if _, err := m.WaitOne(); err != nil {
		t.Fatalf("WaitOne after recovery: %v", err)
	}
}

func TestWaitOnePollerError(t *testing.T) {
	m, p, _ := testMonitor(t, memoryPressure)
	p.waitErr = syscall.EBADF

	if _, err := m.WaitOne(); !errors.Is(err, syscall.EBADF) {
		t.Fatalf("WaitOne error = %v, want EBADF", err)
	}
}

func TestClose(t *testing.T) {
	m, p, files := testMonitor(t, memoryPressure)
	m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond))
	m.Register(memoryFull(100*time.Millisecond, 500*time.Millisecond))

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, f := range *files {
		if !f.closed {
			t.Errorf("file %d not closed", i)
		}
	}
	if !p.closed {
		t.Error("poller not closed")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after Close", m.Len())
	}
	if _, err := m.WaitOne(); !errors.Is(err, ErrClosed) {
		t.Errorf("WaitOne after Close = %v, want ErrClosed", err)
	}
	if _, err := m.Register(memoryFull(50*time.Millisecond, 500*time.Millisecond)); !errors.Is(err, ErrClosed) {
		t.Errorf("Register after Close = %v, want ErrClosed", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestEventString(t *testing.T) {
	ev := Event{
		Trigger: memoryFull(50*time.Millisecond, 500*time.Millisecond),
		Sample:  psi.Sample{Line: psi.Full, Avg10: 0.16, Total: 27787674 * time.Microsecond},
	}
	want := "event triggered, stats: full avg10=0.16 avg60=0.00 avg300=0.00 total=27787674, " +
		"trigger: psi memory trigger on 'full' line with threshold: 50000us stall in 500000us window"
	if got := ev.String(); got != want {
		t.Errorf("String() = %q\nwant %q", got, want)
	}
}
