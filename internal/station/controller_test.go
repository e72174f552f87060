package station

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/camera"
	"github.com/dharsanguruparan/PackCam/internal/events"
	"github.com/dharsanguruparan/PackCam/internal/frame"
	"github.com/dharsanguruparan/PackCam/internal/logging"
	"github.com/dharsanguruparan/PackCam/internal/metadata"
	"github.com/dharsanguruparan/PackCam/internal/notify"
	"github.com/dharsanguruparan/PackCam/internal/recording"
	"github.com/dharsanguruparan/PackCam/internal/scanner"
	"github.com/dharsanguruparan/PackCam/internal/storage"
	"github.com/dharsanguruparan/PackCam/internal/upload"
)

type stubDevice struct{}

func (stubDevice) Read() (frame.Frame, error) {
	return frame.Frame{Width: 2, Height: 2, Data: make([]byte, 12)}, nil
}
func (stubDevice) Resolution() (int, int) { return 2, 2 }
func (stubDevice) Close() error           { return nil }

type stubEncoder struct {
	mu     sync.Mutex
	frames int
}

func (e *stubEncoder) WriteFrame(frame.Frame) error {
	e.mu.Lock()
	e.frames++
	e.mu.Unlock()
	return nil
}

func (e *stubEncoder) Close() error { return nil }

type encoders struct {
	mu   sync.Mutex
	list []*stubEncoder
}

func (e *encoders) open(path string, _ recording.EncoderConfig) (recording.Encoder, error) {
	if err := os.WriteFile(path, []byte("mp4"), 0o644); err != nil {
		return nil, err
	}
	enc := &stubEncoder{}
	e.mu.Lock()
	e.list = append(e.list, enc)
	e.mu.Unlock()
	return enc, nil
}

func (e *encoders) framesWritten() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, enc := range e.list {
		enc.mu.Lock()
		n += enc.frames
		enc.mu.Unlock()
	}
	return n
}

type stubPort struct {
	lines chan string
}

func (p *stubPort) Read(b []byte) (int, error) {
	select {
	case l := <-p.lines:
		return copy(b, l+"\n"), nil
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (p *stubPort) Close() error { return nil }

type stubDialer struct{ port *stubPort }

func (d stubDialer) Dial(name string, _ int, _ time.Duration) (scanner.Port, error) {
	if name != "COM3" {
		return nil, errors.New("no such port")
	}
	return d.port, nil
}

type stubEnumerator struct{}

func (stubEnumerator) Ports() ([]scanner.PortInfo, error) {
	return []scanner.PortInfo{{Name: "COM3", Description: "USB Serial"}}, nil
}

type stubBackend struct {
	mu        sync.Mutex
	videos    []string
	uploadErr error
	duplicate bool
}

func (b *stubBackend) Authenticate(context.Context) error { return nil }

func (b *stubBackend) UploadVideo(_ context.Context, orderID, path string, progress func(float64)) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uploadErr != nil {
		return "", b.uploadErr
	}
	progress(1)
	key := storage.VideoKey(orderID, filepath.Base(path))
	b.videos = append(b.videos, key)
	return key, nil
}

func (b *stubBackend) UploadSidecar(_ context.Context, path string) (string, error) {
	return storage.SidecarKey(filepath.Base(path)), nil
}

func (b *stubBackend) SidecarExists(context.Context, string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duplicate, nil
}

func (b *stubBackend) DownloadURL(key string) string { return "https://cdn.test/" + key }

func (b *stubBackend) uploaded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.videos...)
}

type harness struct {
	ctrl     *Controller
	port     *stubPort
	backend  *stubBackend
	encoders *encoders
	cues     *notify.Recorder
	uploads  *upload.Pipeline
	tempDir  string
}

// harnessOption adjusts station and upload options before New.
type harnessOption func(*Options, *upload.Options)

func newHarness(t *testing.T, with ...harnessOption) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		port:     &stubPort{lines: make(chan string, 8)},
		backend:  &stubBackend{},
		encoders: &encoders{},
		cues:     &notify.Recorder{},
		tempDir:  filepath.Join(dir, "temp_videos"),
	}
	logger := logging.Discard()
	dispatcher := events.NewDispatcher(64, logger)
	uopts := upload.Options{
		Backend:   h.backend,
		Sidecars:  metadata.NewStore(filepath.Join(dir, "metadata")),
		Publisher: dispatcher,
		Cues:      h.cues,
	}

	opts := Options{
		Camera:          camera.Config{MaxReadFailures: 30, Brightness: camera.NeutralBrightness},
		FPS:             100,
		TempDir:         h.tempDir,
		Encoder:         recording.EncoderConfig{Width: 2, Height: 2, FPS: 30},
		LimitOptions:    []int{3, 5, 10},
		Scanner:         scanner.Config{BaudRate: 9600},
		ScannerPort:     "COM3",
		MonitorInterval: time.Hour,
		Operator:        recording.Operator{Name: "Dana", ID: "7"},
		TokenPrefix:     "PACKCAM-APP-",
	}
	for _, w := range with {
		w(&opts, &uopts)
	}
	h.uploads = upload.New(uopts, logger)
	ctrl, err := New(opts, Deps{
		Opener: camera.OpenerFunc(func(int, camera.Format) (camera.Device, error) {
			return stubDevice{}, nil
		}),
		Encoder:    h.encoders.open,
		Dialer:     stubDialer{port: h.port},
		Enumerator: stubEnumerator{},
		Uploads:    h.uploads,
		Events:     dispatcher,
		Cues:       h.cues,
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	if err := h.ctrl.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()
	return cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func hasCue(r *notify.Recorder, cue notify.Cue) bool {
	for _, c := range r.Cues() {
		if c == cue {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNotReadyBeforeInit(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.StartSession(context.Background(), "100"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("StartSession before Init = %v, want ErrNotReady", err)
	}
	if err := h.ctrl.Run(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Run before Init = %v, want ErrNotReady", err)
	}
}

func TestScanStartsAndStopsRecording(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)
	defer stop(t, cancel, done)

	h.port.lines <- "https://shop.test/qr/100"
	waitFor(t, "recording to start", func() bool {
		s, ok := h.ctrl.Active()
		return ok && s.OrderID == "100"
	})
	waitFor(t, "frames to reach the encoder", func() bool { return h.encoders.framesWritten() > 0 })

	s, _ := h.ctrl.Active()
	if s.OperatorName != "Dana" || s.OperatorID != "7" {
		t.Fatalf("session operator = %q/%q", s.OperatorName, s.OperatorID)
	}

	h.port.lines <- "100"
	waitFor(t, "upload", func() bool { return len(h.backend.uploaded()) == 1 })
	h.uploads.Wait()
	if _, ok := h.ctrl.Active(); ok {
		t.Fatalf("session still active after second scan")
	}

	cues := h.cues.Cues()
	if len(cues) < 2 || cues[0] != notify.CueStart || cues[1] != notify.CueEnd {
		t.Fatalf("cues = %v, want start then end", cues)
	}
}

func TestSwitchUploadsPreviousOrder(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)
	defer stop(t, cancel, done)

	h.port.lines <- "100"
	waitFor(t, "first order", func() bool {
		s, ok := h.ctrl.Active()
		return ok && s.OrderID == "100"
	})
	h.port.lines <- "200"
	waitFor(t, "second order", func() bool {
		s, ok := h.ctrl.Active()
		return ok && s.OrderID == "200"
	})
	waitFor(t, "first upload", func() bool { return len(h.backend.uploaded()) == 1 })
	h.uploads.Wait()
}

func TestShutdownKeepsRecordingLocally(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)

	if err := h.ctrl.Toggle(context.Background(), "300"); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	s, ok := h.ctrl.Active()
	if !ok {
		t.Fatalf("no active session after Toggle")
	}
	stop(t, cancel, done)

	if _, ok := h.ctrl.Active(); ok {
		t.Fatalf("session still active after shutdown")
	}
	if got := h.backend.uploaded(); len(got) != 0 {
		t.Fatalf("shutdown uploaded %v", got)
	}
	if _, err := os.Stat(s.Path); err != nil {
		t.Fatalf("recording missing after shutdown: %v", err)
	}
	if h.ctrl.Status().Ready {
		t.Fatalf("station still ready after shutdown")
	}
}

func TestStartWithoutCamera(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)
	defer stop(t, cancel, done)

	if err := h.ctrl.camera.Close(); err != nil {
		t.Fatalf("close camera: %v", err)
	}
	if err := h.ctrl.Toggle(context.Background(), "400"); !errors.Is(err, ErrNoCamera) {
		t.Fatalf("Toggle without camera = %v, want ErrNoCamera", err)
	}
}

func TestSelfTokenDoesNotRecord(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)
	defer stop(t, cancel, done)

	token := h.ctrl.Identity().Token
	if token == "" {
		t.Fatalf("identity not minted")
	}
	h.port.lines <- token
	waitFor(t, "self cue", func() bool {
		for _, c := range h.cues.Cues() {
			if c == notify.CueSelf {
				return true
			}
		}
		return false
	})
	if _, ok := h.ctrl.Active(); ok {
		t.Fatalf("station token started a recording")
	}
}

func TestSetLimit(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.SetLimit(5); err != nil {
		t.Fatalf("SetLimit(5): %v", err)
	}
	if got := h.ctrl.Status().Limit; got != 5*time.Second {
		t.Fatalf("limit = %v, want 5s", got)
	}
	if err := h.ctrl.SetLimit(0); err != nil {
		t.Fatalf("SetLimit(0): %v", err)
	}
	if err := h.ctrl.SetLimit(7); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("SetLimit(7) = %v, want ErrInvalidLimit", err)
	}
	if err := h.ctrl.SetLimit(-1); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("SetLimit(-1) = %v, want ErrInvalidLimit", err)
	}
}

func TestStatusReportsHardware(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)
	defer stop(t, cancel, done)

	st := h.ctrl.Status()
	if !st.Ready {
		t.Fatalf("not ready after Init")
	}
	if st.Camera.State != camera.StateOpen.String() {
		t.Fatalf("camera state = %q", st.Camera.State)
	}
	if st.Scanner.Port != "COM3" {
		t.Fatalf("scanner port = %q, want COM3", st.Scanner.Port)
	}
	waitFor(t, "status messages", func() bool {
		return h.ctrl.Status().Messages[events.KindScanner] == "scanner connected: COM3"
	})
}

func withLimit(limit time.Duration) harnessOption {
	return func(o *Options, _ *upload.Options) {
		o.Limit = limit
		o.TickInterval = 10 * time.Millisecond
	}
}

func TestLimitStopUploadsAutomatically(t *testing.T) {
	h := newHarness(t, withLimit(50*time.Millisecond))
	cancel, done := h.start(t)
	defer stop(t, cancel, done)

	h.port.lines <- "500"
	waitFor(t, "recording to start", func() bool {
		s, ok := h.ctrl.Active()
		return ok && s.OrderID == "500"
	})
	waitFor(t, "limit stop and upload", func() bool { return len(h.backend.uploaded()) == 1 })
	h.uploads.Wait()
	if _, ok := h.ctrl.Active(); ok {
		t.Fatalf("session still active after the limit")
	}
	if !hasCue(h.cues, notify.CueEnd) {
		t.Fatalf("missing end cue in %v", h.cues.Cues())
	}
	if alerts := h.ctrl.Status().Alerts; len(alerts) != 0 {
		t.Fatalf("limit stop raised alerts %+v", alerts)
	}
}

func TestLimitStopFailureIsNotBlocking(t *testing.T) {
	h := newHarness(t, withLimit(50*time.Millisecond))
	h.backend.uploadErr = storage.ErrTransport
	cancel, done := h.start(t)
	defer stop(t, cancel, done)

	h.port.lines <- "501"
	waitFor(t, "upload failure notice", func() bool {
		return h.ctrl.Status().Messages[events.KindUploadFailed] != ""
	})
	if alerts := h.ctrl.Alerts(); len(alerts) != 0 {
		t.Fatalf("automatic stop must not raise a blocking alert: %+v", alerts)
	}
}

func TestManualStopFailureRaisesAlert(t *testing.T) {
	h := newHarness(t)
	h.backend.uploadErr = storage.ErrTransport
	cancel, done := h.start(t)
	defer stop(t, cancel, done)

	ctx := context.Background()
	if err := h.ctrl.Toggle(ctx, "600"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.ctrl.Toggle(ctx, "600"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "blocking alert", func() bool { return len(h.ctrl.Status().Alerts) == 1 })
	a := h.ctrl.Alerts()[0]
	if a.Kind != events.KindUploadFailed || a.OrderID != "600" {
		t.Fatalf("unexpected alert %+v", a)
	}
	if err := h.ctrl.DismissAlert(a.ID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if err := h.ctrl.DismissAlert(a.ID); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("second dismiss = %v, want ErrAlertNotFound", err)
	}
	if len(h.ctrl.Alerts()) != 0 {
		t.Fatalf("alert not cleared")
	}
}

func TestDuplicateIsAdvisory(t *testing.T) {
	h := newHarness(t, func(_ *Options, u *upload.Options) { u.AutoDelete = true })
	h.backend.duplicate = true
	cancel, done := h.start(t)
	defer stop(t, cancel, done)

	h.port.lines <- "700"
	waitFor(t, "duplicate cue", func() bool { return hasCue(h.cues, notify.CueDuplicate) })
	s, ok := h.ctrl.Active()
	if !ok || s.OrderID != "700" {
		t.Fatalf("duplicate must not stop the session")
	}
	waitFor(t, "duplicate notice", func() bool {
		return h.ctrl.Status().Messages[events.KindDuplicate] != ""
	})

	h.port.lines <- "700"
	waitFor(t, "upload", func() bool { return len(h.backend.uploaded()) == 1 })
	h.uploads.Wait()
	if _, err := os.Stat(s.Path); !os.IsNotExist(err) {
		t.Fatalf("uploaded video should be deleted: %v", err)
	}
}
