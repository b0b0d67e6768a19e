package action

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/setevik/psiwatch/internal/config"
	"github.com/setevik/psiwatch/internal/event"
	"github.com/setevik/psiwatch/internal/psi"
	"github.com/setevik/psiwatch/internal/reporter"
)

func testEvent() *event.Event {
	return &event.Event{
		ID:       "ev-1",
		Trigger:  "critical-memory",
		Kind:     psi.Memory,
		Line:     psi.Full,
		Severity: event.SevCritical,
		Summary:  "memory full pressure 20.0% (critical-memory)",
	}
}

type recorder struct {
	name  string
	calls *[]string
	err   error
}

func (r recorder) React(context.Context, *event.Event) error {
	*r.calls = append(*r.calls, r.name)
	return r.err
}

type fakeNotifier struct {
	reported []string
	err      error
}

func (f *fakeNotifier) Report(_ context.Context, ev *event.Event) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.reported = append(f.reported, ev.ID)
	return true, nil
}

func TestOOMKillWritesSysrq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sysrq-trigger")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := (OOMKill{Path: path}).React(context.Background(), testEvent()); err != nil {
		t.Fatalf("React: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "f" {
		t.Errorf("sysrq contents = %q, want %q", got, "f")
	}
}

func TestOOMKillMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing")
	err := (OOMKill{Path: path}).React(context.Background(), testEvent())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestNtfyMarksNotified(t *testing.T) {
	n := &fakeNotifier{}
	var marked []string
	r := Ntfy{Notifier: n, Mark: func(id string) error {
		marked = append(marked, id)
		return nil
	}}

	if err := r.React(context.Background(), testEvent()); err != nil {
		t.Fatalf("React: %v", err)
	}
	if !slices.Equal(n.reported, []string{"ev-1"}) {
		t.Errorf("reported = %v", n.reported)
	}
	if !slices.Equal(marked, []string{"ev-1"}) {
		t.Errorf("marked = %v", marked)
	}
}

func TestNtfyFailureSkipsMark(t *testing.T) {
	n := &fakeNotifier{err: errors.New("unreachable")}
	marked := false
	r := Ntfy{Notifier: n, Mark: func(string) error {
		marked = true
		return nil
	}}

	if err := r.React(context.Background(), testEvent()); err == nil {
		t.Fatal("expected notifier error")
	}
	if marked {
		t.Error("event should not be marked after a failed report")
	}
}

func TestNtfySkippedReportIsNotMarked(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var marked []string
	mark := func(id string) error {
		marked = append(marked, id)
		return nil
	}

	// No URL configured: nothing is sent.
	noURL := config.Default()
	noURL.Ntfy.URL = ""
	critical := testEvent()
	critical.ID = "e1"
	if err := (Ntfy{Notifier: reporter.NewNtfy(noURL), Mark: mark}).React(context.Background(), critical); err != nil {
		t.Fatalf("React: %v", err)
	}

	// URL configured but warnings are not alerted.
	withURL := config.Default()
	withURL.Ntfy.URL = server.URL
	withURL.Ntfy.AlertSeverities = []string{"critical"}
	warning := testEvent()
	warning.ID = "e2"
	warning.Severity = event.SevWarning
	r := Ntfy{Notifier: reporter.NewNtfy(withURL), Mark: mark}
	if err := r.React(context.Background(), warning); err != nil {
		t.Fatalf("React: %v", err)
	}
	if requests != 0 || len(marked) != 0 {
		t.Fatalf("requests = %d, marked = %v; want no send and no mark", requests, marked)
	}

	// A delivered critical event is marked.
	critical.ID = "e3"
	if err := r.React(context.Background(), critical); err != nil {
		t.Fatalf("React: %v", err)
	}
	if requests != 1 || !slices.Equal(marked, []string{"e3"}) {
		t.Errorf("requests = %d, marked = %v; want 1 and [e3]", requests, marked)
	}
}

func TestDispatchRunsInOrderAndContinuesOnError(t *testing.T) {
	var calls []string
	d := NewDispatcher()
	d.Set("a", recorder{name: "a", calls: &calls, err: errors.New("boom")})
	d.Set("b", recorder{name: "b", calls: &calls})

	d.Dispatch(context.Background(), testEvent(), []string{"a", "unknown", "b", "a"})

	if want := []string{"a", "b", "a"}; !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestDispatcherSet(t *testing.T) {
	var calls []string
	d := NewDispatcher()
	if d.Has(config.ActionLog) {
		t.Error("new dispatcher should have no reactions")
	}

	d.Set(config.ActionLog, recorder{name: "first", calls: &calls})
	d.Set(config.ActionLog, recorder{name: "second", calls: &calls})
	if !d.Has(config.ActionLog) {
		t.Error("reaction not installed")
	}

	d.Dispatch(context.Background(), testEvent(), []string{config.ActionLog})
	if !slices.Equal(calls, []string{"second"}) {
		t.Errorf("calls = %v, want the replacement only", calls)
	}
}

func TestLogReaction(t *testing.T) {
	if err := (Log{}).React(context.Background(), testEvent()); err != nil {
		t.Errorf("React: %v", err)
	}
}
