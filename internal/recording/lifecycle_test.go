package recording

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/frame"
	"github.com/dharsanguruparan/PackCam/internal/logging"
)

type fakeEncoder struct {
	mu       sync.Mutex
	frames   []frame.Frame
	closed   bool
	closeErr error
}

func (e *fakeEncoder) WriteFrame(f frame.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("write after close")
	}
	e.frames = append(e.frames, f)
	return nil
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return e.closeErr
}

type encoderBox struct {
	mu   sync.Mutex
	encs []*fakeEncoder
	err  error
}

func (b *encoderBox) factory(path string, cfg EncoderConfig) (Encoder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	e := &fakeEncoder{}
	b.encs = append(b.encs, e)
	return e, nil
}

func newTestLifecycle(t *testing.T, box *encoderBox, opts Options) *Lifecycle {
	t.Helper()
	opts.TempDir = t.TempDir()
	if opts.Encoder.Width == 0 {
		opts.Encoder = EncoderConfig{Width: 4, Height: 2, FPS: 30, Codec: "mp4v"}
	}
	return New(box.factory, opts, logging.Discard())
}

func testFrame(w, h int) frame.Frame {
	return frame.Frame{Width: w, Height: h, Data: make([]byte, w*h*frame.Channels)}
}

func TestStartStop(t *testing.T) {
	box := &encoderBox{}
	l := newTestLifecycle(t, box, Options{})
	s, err := l.Start("12345", Operator{Name: "ana", ID: "7"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(s.Path, "12345_") || !strings.HasSuffix(s.Path, ".mp4") {
		t.Fatalf("unexpected path %s", s.Path)
	}
	if s.ID == "" || s.OperatorName != "ana" {
		t.Fatalf("unexpected session %+v", s)
	}
	if _, err := l.Start("999", Operator{}); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if err := l.WriteFrame(testFrame(8, 4)); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := l.Stop(StopManual)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res == nil || res.Path != s.Path || res.Frames != 1 || res.Auto() {
		t.Fatalf("unexpected result %+v", res)
	}
	enc := box.encs[0]
	if !enc.closed || enc.frames[0].Width != 4 || enc.frames[0].Height != 2 {
		t.Fatalf("frame should be resized to the encoder resolution")
	}
	if l.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", l.State())
	}
}

func TestStopWhenIdle(t *testing.T) {
	l := newTestLifecycle(t, &encoderBox{}, Options{})
	res, err := l.Stop(StopManual)
	if res != nil || err != nil {
		t.Fatalf("idle stop should be a no-op, got %+v %v", res, err)
	}
	if err := l.WriteFrame(testFrame(4, 2)); err != nil {
		t.Fatalf("idle write should be ignored: %v", err)
	}
}

func TestWriterInitFailure(t *testing.T) {
	box := &encoderBox{err: errors.New("codec missing")}
	l := newTestLifecycle(t, box, Options{})
	if _, err := l.Start("1", Operator{}); !errors.Is(err, ErrWriterInit) {
		t.Fatalf("expected ErrWriterInit, got %v", err)
	}
	if l.State() != StateStopped {
		t.Fatalf("failed start must return to stopped")
	}
	box.err = nil
	if _, err := l.Start("1", Operator{}); err != nil {
		t.Fatalf("start after failure: %v", err)
	}
	l.Stop(StopShutdown)
}

func TestCloseErrorSuppressesResult(t *testing.T) {
	box := &encoderBox{}
	l := newTestLifecycle(t, box, Options{})
	if _, err := l.Start("1", Operator{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	box.encs[0].closeErr = errors.New("disk full")
	res, err := l.Stop(StopManual)
	if err == nil || res != nil {
		t.Fatalf("expected close error and no result, got %+v %v", res, err)
	}
	if l.State() != StateStopped {
		t.Fatalf("expected stopped after failed close")
	}
}

func TestNoWriteAfterStop(t *testing.T) {
	box := &encoderBox{}
	l := newTestLifecycle(t, box, Options{})
	if _, err := l.Start("1", Operator{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				if err := l.WriteFrame(testFrame(4, 2)); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}
	}()
	time.Sleep(5 * time.Millisecond)
	if _, err := l.Stop(StopManual); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	close(done)
	wg.Wait()
}

func TestLimitFiresOnce(t *testing.T) {
	box := &encoderBox{}
	fired := make(chan Session, 4)
	ticks := make(chan time.Duration, 64)
	l := newTestLifecycle(t, box, Options{
		Limit:        30 * time.Millisecond,
		TickInterval: 10 * time.Millisecond,
		OnLimit:      func(s Session) { fired <- s },
		OnTick: func(_ Session, d time.Duration) {
			select {
			case ticks <- d:
			default:
			}
		},
	})
	s, err := l.Start("42", Operator{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case got := <-fired:
		if got.ID != s.ID {
			t.Fatalf("limit fired for wrong session")
		}
	case <-time.After(time.Second):
		t.Fatalf("limit never fired")
	}
	time.Sleep(50 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("limit should fire once per session")
	}
	if len(ticks) == 0 {
		t.Fatalf("expected tick callbacks")
	}
	res, err := l.Stop(StopLimit)
	if err != nil || !res.Auto() {
		t.Fatalf("expected auto result, got %+v %v", res, err)
	}
}

func TestSetLimitAppliesToNextSession(t *testing.T) {
	box := &encoderBox{}
	l := newTestLifecycle(t, box, Options{Limit: 30 * time.Second})
	s1, _ := l.Start("1", Operator{})
	l.SetLimit(5 * time.Second)
	if s, _ := l.Active(); s.Limit != 30*time.Second || s1.Limit != 30*time.Second {
		t.Fatalf("running session limit must not change")
	}
	l.Stop(StopManual)
	s2, _ := l.Start("2", Operator{})
	if s2.Limit != 5*time.Second {
		t.Fatalf("expected new limit, got %s", s2.Limit)
	}
	l.Stop(StopManual)
}

func TestFileName(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	if got := FileName("A/1", at); got != "A_1_20240309_140507.mp4" {
		t.Fatalf("unexpected file name %s", got)
	}
}

func TestRestartWithinSecondKeepsPreviousFile(t *testing.T) {
	var paths []string
	factory := func(path string, cfg EncoderConfig) (Encoder, error) {
		if err := os.WriteFile(path, []byte("mp4"), 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
		return &fakeEncoder{}, nil
	}
	l := New(factory, Options{TempDir: t.TempDir(), Encoder: EncoderConfig{Width: 4, Height: 2}}, logging.Discard())
	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	l.now = func() time.Time { return at }

	for i := 0; i < 3; i++ {
		if _, err := l.Start("1001", Operator{}); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if _, err := l.Stop(StopManual); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	want := []string{"1001_20240309_140507.mp4", "1001_20240309_140507_1.mp4", "1001_20240309_140507_2.mp4"}
	if len(paths) != len(want) {
		t.Fatalf("expected %d sessions, got %v", len(want), paths)
	}
	for i, p := range paths {
		if filepath.Base(p) != want[i] {
			t.Fatalf("session %d wrote %s, want %s", i, filepath.Base(p), want[i])
		}
	}
}
