package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/events"
	"github.com/dharsanguruparan/PackCam/internal/logging"
	"github.com/dharsanguruparan/PackCam/internal/notify"
	"github.com/dharsanguruparan/PackCam/internal/recording"
)

type call struct {
	op     string
	order  string
	reason recording.StopReason
	at     time.Time
}

type fakeSessions struct {
	mu     sync.Mutex
	active *recording.Session
	calls  []call
	seq    int
}

func (f *fakeSessions) Active() (recording.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return recording.Session{}, false
	}
	return *f.active, true
}

func (f *fakeSessions) StartSession(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != nil {
		return recording.ErrAlreadyActive
	}
	f.seq++
	f.active = &recording.Session{ID: fmt.Sprintf("s%d", f.seq), OrderID: orderID}
	f.calls = append(f.calls, call{op: "start", order: orderID, at: time.Now()})
	return nil
}

func (f *fakeSessions) StopSession(_ context.Context, reason recording.StopReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	f.calls = append(f.calls, call{op: "stop", order: f.active.OrderID, reason: reason, at: time.Now()})
	f.active = nil
	return nil
}

func (f *fakeSessions) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

const selfToken = "PACKCAM-APP-1a2b3c4d"

type harness struct {
	router   *Router
	sessions *fakeSessions
	events   *events.Collector
	cues     *notify.Recorder
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, settle time.Duration) *harness {
	t.Helper()
	c, err := NewClassifier("", []string{"USB-COM-SETUP", "FACTORY-DEFAULT"}, func(s string) bool {
		return strings.EqualFold(s, selfToken)
	})
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	h := &harness{sessions: &fakeSessions{}, events: &events.Collector{}, cues: &notify.Recorder{}}
	h.router = New(c, h.sessions, h.events, h.cues, Options{SettleDelay: settle}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.router.Run(ctx)
	t.Cleanup(cancel)
	return h
}

// sync waits until every previously queued command has been handled.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.router.request(ctx, command{kind: cmdLimit, sessionID: "barrier"}); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestClassify(t *testing.T) {
	c, err := NewClassifier("", []string{"USB-COM-SETUP"}, func(s string) bool { return strings.EqualFold(s, selfToken) })
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	cases := []struct {
		in    string
		kind  Kind
		order string
	}{
		{"https://shop.test/qr/12345", KindOrder, "12345"},
		{"http://x.y/qr/7?ref=slip", KindOrder, "7"},
		{"00981", KindOrder, "00981"},
		{"usb-com-setup", KindCommand, ""},
		{strings.ToLower(selfToken), KindSelf, ""},
		{"hello", KindUnparseable, ""},
		{"12a", KindUnparseable, ""},
	}
	for _, tc := range cases {
		ev, err := c.Classify(tc.in)
		if ev.Kind != tc.kind || ev.OrderID != tc.order {
			t.Fatalf("Classify(%q) = %s/%q, want %s/%q", tc.in, ev.Kind, ev.OrderID, tc.kind, tc.order)
		}
		if (tc.kind == KindUnparseable) != errors.Is(err, ErrParse) {
			t.Fatalf("Classify(%q) error = %v", tc.in, err)
		}
	}
}

func TestClassifierRejectsPatternWithoutGroup(t *testing.T) {
	if _, err := NewClassifier(`\d+`, nil, nil); err == nil {
		t.Fatalf("expected error for pattern without capture group")
	}
}

func TestScanStartsThenSameScanStops(t *testing.T) {
	h := newHarness(t, 0)
	h.router.Scan("COM3", "https://shop.test/qr/100")
	h.router.Scan("COM3", "100")
	h.sync(t)
	calls := h.sessions.snapshot()
	if len(calls) != 2 || calls[0].op != "start" || calls[1].op != "stop" || calls[1].reason != recording.StopManual {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestSwitchWaitsSettleDelay(t *testing.T) {
	settle := 40 * time.Millisecond
	h := newHarness(t, settle)
	h.router.Scan("COM3", "100")
	h.router.Scan("COM3", "200")
	h.sync(t)
	calls := h.sessions.snapshot()
	if len(calls) != 3 {
		t.Fatalf("expected start/stop/start, got %+v", calls)
	}
	if calls[1].op != "stop" || calls[1].reason != recording.StopSwitch || !calls[1].reason.Auto() {
		t.Fatalf("expected automatic switch stop, got %+v", calls[1])
	}
	if calls[2].op != "start" || calls[2].order != "200" {
		t.Fatalf("expected start of 200, got %+v", calls[2])
	}
	if gap := calls[2].at.Sub(calls[1].at); gap < settle {
		t.Fatalf("start came %s after stop, want at least %s", gap, settle)
	}
}

func TestRapidScansAreSerialized(t *testing.T) {
	h := newHarness(t, 5*time.Millisecond)
	for _, id := range []string{"1", "2", "3", "3", "4"} {
		h.router.Scan("COM3", id)
	}
	h.sync(t)
	starts, stops := 0, 0
	live := 0
	for _, c := range h.sessions.snapshot() {
		switch c.op {
		case "start":
			starts++
			live++
		case "stop":
			stops++
			live--
		}
		if live > 1 || live < 0 {
			t.Fatalf("more than one live session at %+v", c)
		}
	}
	// 1, switch 2, switch 3, stop 3, start 4
	if starts != 4 || stops != 3 {
		t.Fatalf("unexpected starts=%d stops=%d", starts, stops)
	}
	if s, ok := h.sessions.Active(); !ok || s.OrderID != "4" {
		t.Fatalf("expected order 4 active, got %+v %v", s, ok)
	}
}

func TestSelfAndCommandTokensDoNotTouchSessions(t *testing.T) {
	h := newHarness(t, 0)
	h.router.Scan("COM3", selfToken)
	h.router.Scan("COM3", "FACTORY-DEFAULT")
	h.router.Scan("COM3", "not an order")
	h.sync(t)
	if calls := h.sessions.snapshot(); len(calls) != 0 {
		t.Fatalf("tokens must not change sessions: %+v", calls)
	}
	if cues := h.cues.Cues(); len(cues) != 1 || cues[0] != notify.CueSelf {
		t.Fatalf("expected self cue, got %v", cues)
	}
	for _, k := range []events.Kind{events.KindSelfScanned, events.KindCommandScanned, events.KindScanRejected} {
		if !h.events.Has(k) {
			t.Fatalf("missing %s event in %v", k, h.events.Kinds())
		}
	}
}

func TestLimitNoticeForStaleSessionIgnored(t *testing.T) {
	h := newHarness(t, 0)
	h.router.Scan("COM3", "100")
	h.sync(t)
	first, _ := h.sessions.Active()
	h.router.Scan("COM3", "100")
	h.router.Scan("COM3", "100")
	h.sync(t)
	h.router.LimitReached(first)
	h.sync(t)
	if s, ok := h.sessions.Active(); !ok || s.ID == first.ID {
		t.Fatalf("stale limit notice stopped the new session")
	}
	current, _ := h.sessions.Active()
	h.router.LimitReached(current)
	h.sync(t)
	calls := h.sessions.snapshot()
	last := calls[len(calls)-1]
	if last.op != "stop" || last.reason != recording.StopLimit {
		t.Fatalf("expected limit stop, got %+v", last)
	}
}

func TestToggleAndStop(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if err := h.router.Toggle(ctx, ""); !errors.Is(err, ErrNoOrder) {
		t.Fatalf("expected ErrNoOrder, got %v", err)
	}
	if err := h.router.Toggle(ctx, "55"); err != nil {
		t.Fatalf("toggle start: %v", err)
	}
	if err := h.router.Toggle(ctx, ""); err != nil {
		t.Fatalf("toggle stop: %v", err)
	}
	if err := h.router.Stop(ctx); err != nil {
		t.Fatalf("idle stop: %v", err)
	}
	calls := h.sessions.snapshot()
	if len(calls) != 2 || calls[1].reason != recording.StopManual {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestRequestAfterShutdown(t *testing.T) {
	h := newHarness(t, 0)
	h.cancel()
	<-h.router.done
	if err := h.router.Stop(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
