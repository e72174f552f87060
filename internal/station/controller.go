// Package station wires the packing station together: the camera frame pump,
// the recording lifecycle, the scan router, the scanner, uploads and the
// health monitor. Controller is the only type that knows about all of them.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/camera"
	"github.com/dharsanguruparan/PackCam/internal/events"
	"github.com/dharsanguruparan/PackCam/internal/health"
	"github.com/dharsanguruparan/PackCam/internal/identity"
	"github.com/dharsanguruparan/PackCam/internal/logging"
	"github.com/dharsanguruparan/PackCam/internal/model"
	"github.com/dharsanguruparan/PackCam/internal/notify"
	"github.com/dharsanguruparan/PackCam/internal/preview"
	"github.com/dharsanguruparan/PackCam/internal/recording"
	"github.com/dharsanguruparan/PackCam/internal/router"
	"github.com/dharsanguruparan/PackCam/internal/scanner"
	"github.com/dharsanguruparan/PackCam/internal/upload"
)

var (
	// ErrNotReady is returned before Init has completed or after shutdown.
	ErrNotReady = errors.New("station not ready")
	// ErrNoCamera means a session was requested with no open camera.
	ErrNoCamera = errors.New("camera not open")
	// ErrInvalidLimit rejects a limit outside the configured choices.
	ErrInvalidLimit = errors.New("invalid recording limit")
)

const duplicateCheckTimeout = 10 * time.Second

// Deps are the hardware and service edges the controller drives.
type Deps struct {
	Opener     camera.Opener
	Encoder    recording.EncoderFactory
	Dialer     scanner.Dialer
	Enumerator scanner.Enumerator

	// Uploads may be nil when no storage is configured; recordings then
	// stay on disk.
	Uploads *upload.Pipeline
	Events  *events.Dispatcher
	Cues    notify.Sink
	// Preview may be nil for headless runs.
	Preview *preview.Hub
}

// Controller owns one station's runtime.
type Controller struct {
	opts    Options
	logger  *slog.Logger
	cues    notify.Sink
	events  *events.Dispatcher
	uploads *upload.Pipeline
	preview *preview.Hub

	camera   *camera.Source
	recorder *recording.Lifecycle
	scanner  *scanner.Manager
	router   *router.Router
	monitor  *health.Monitor

	ready atomic.Bool

	mu       sync.RWMutex
	operator recording.Operator
	identity identity.Identity
	messages map[events.Kind]string
	alerts   []Alert
	elapsed  time.Duration
}

// New assembles a Controller. Nothing touches hardware until Init.
func New(opts Options, deps Deps, logger *slog.Logger) (*Controller, error) {
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if deps.Events == nil {
		deps.Events = events.NewDispatcher(0, logger)
	}
	if deps.Cues == nil {
		deps.Cues = notify.Nop{}
	}

	c := &Controller{
		opts:     opts,
		logger:   logging.Component(logger, "station"),
		cues:     deps.Cues,
		events:   deps.Events,
		uploads:  deps.Uploads,
		preview:  deps.Preview,
		operator: opts.Operator,
		messages: make(map[events.Kind]string),
	}

	classifier, err := router.NewClassifier(opts.OrderPattern, opts.CommandTokens, c.matchesIdentity)
	if err != nil {
		return nil, fmt.Errorf("build classifier: %w", err)
	}

	c.camera = camera.NewSource(deps.Opener, opts.Camera, logger)
	c.recorder = recording.New(deps.Encoder, recording.Options{
		TempDir:      opts.TempDir,
		Encoder:      opts.Encoder,
		Limit:        opts.Limit,
		TickInterval: opts.TickInterval,
		OnTick:       c.onTick,
		OnLimit:      c.onLimit,
	}, logger)
	c.router = router.New(classifier, c, c.events, c.cues, router.Options{SettleDelay: opts.SettleDelay}, logger)
	c.scanner = scanner.NewManager(deps.Dialer, deps.Enumerator, opts.Scanner, c.router.Scan, logger)
	c.monitor = health.New(c.camera, c.scanner, c.events, health.Options{
		Interval:           opts.MonitorInterval,
		DefaultCameraIndex: opts.CameraIndex,
		DefaultPort:        opts.ScannerPort,
		AutoDetect:         opts.AutoDetect,
		Keywords:           opts.Keywords,
	}, logger)

	c.events.Subscribe(c.remember)
	return c, nil
}

// Init opens the camera and the scanner and mints the station identity.
// Hardware failures are logged and left to the health monitor.
func (c *Controller) Init(_ context.Context) error {
	if err := c.camera.Open(c.opts.CameraIndex); err != nil {
		c.logger.Warn("camera not available at startup", "index", c.opts.CameraIndex, "err", err)
		c.status(events.KindCamera, "camera unavailable")
	} else {
		c.status(events.KindCamera, fmt.Sprintf("camera active: Camera %d", c.opts.CameraIndex))
	}

	port := c.pickPort()
	if port != "" {
		if err := c.scanner.Connect(port); err != nil {
			c.logger.Warn("scanner not available at startup", "port", port, "err", err)
			c.status(events.KindScanner, "scanner unavailable")
		} else {
			c.status(events.KindScanner, "scanner connected: "+port)
		}
	} else {
		c.status(events.KindScanner, "scanner unavailable")
	}

	id := identity.New(c.opts.TokenPrefix, port)
	if c.opts.IdentityDir != "" {
		if err := id.Persist(c.opts.IdentityDir); err != nil {
			c.logger.Warn("persist identity failed", "dir", c.opts.IdentityDir, "err", err)
		}
	}
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()

	c.ready.Store(true)
	c.logger.Info("station ready", "token", id.Token, "scanner", port)
	return nil
}

func (c *Controller) pickPort() string {
	if !c.opts.AutoDetect {
		return c.opts.ScannerPort
	}
	ports, err := c.scanner.Ports()
	if err != nil {
		c.logger.Warn("port enumeration failed", "err", err)
		return c.opts.ScannerPort
	}
	if p := scanner.AutoDetect(ports, c.opts.ScannerPort, c.opts.Keywords); p != "" {
		return p
	}
	return c.opts.ScannerPort
}

// Run drives the station until ctx is cancelled, then finalizes any active
// session without uploading it and releases the hardware.
func (c *Controller) Run(ctx context.Context) error {
	if !c.ready.Load() {
		return ErrNotReady
	}
	go c.events.Run(ctx)
	if c.preview != nil {
		go c.preview.Run(ctx)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.router.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		c.monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pump(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	c.monitor.Wait()
	c.shutdown()
	return nil
}

func (c *Controller) shutdown() {
	c.ready.Store(false)
	res, err := c.recorder.Stop(recording.StopShutdown)
	switch {
	case err != nil:
		c.logger.Error("finalize on shutdown failed", "err", err)
	case res != nil:
		c.logger.Info("recording kept on disk", "order", res.Session.OrderID, "path", res.Path)
	}
	c.scanner.Disconnect()
	if err := c.camera.Close(); err != nil {
		c.logger.Warn("camera close failed", "err", err)
	}
	c.logger.Info("station stopped")
}

// pump reads frames at the capture rate, feeds the encoder while recording
// and offers the mirrored frame to preview clients.
func (c *Controller) pump(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(c.opts.FPS))
	defer ticker.Stop()
	var writeErrs int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		f, err := c.camera.NextFrame(camera.PurposeRecording)
		if err != nil {
			continue
		}
		if c.recorder.State() == recording.StateActive {
			if err := c.recorder.WriteFrame(f); err != nil {
				writeErrs++
				if writeErrs == 1 || writeErrs%100 == 0 {
					c.logger.Warn("frame write failed", "count", writeErrs, "err", err)
				}
			}
		}
		if c.preview != nil {
			c.preview.Offer(c.camera.Preview(f))
		}
	}
}

// Active implements router.Sessions.
func (c *Controller) Active() (recording.Session, bool) { return c.recorder.Active() }

// StartSession implements router.Sessions.
func (c *Controller) StartSession(ctx context.Context, orderID string) error {
	if !c.ready.Load() {
		return ErrNotReady
	}
	if c.camera.State() != camera.StateOpen {
		c.publish(events.Event{Kind: events.KindRecordingFailed, OrderID: orderID, Message: "camera not ready"})
		return fmt.Errorf("%w: order %s", ErrNoCamera, orderID)
	}
	s, err := c.recorder.Start(orderID, c.Operator())
	if err != nil {
		c.publish(events.Event{Kind: events.KindRecordingFailed, OrderID: orderID, Message: err.Error()})
		return err
	}
	c.cues.Play(notify.CueStart)
	c.publish(events.Event{Kind: events.KindRecordingStarted, OrderID: orderID, Message: "recording " + orderID})

	if c.uploads != nil {
		go func() {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), duplicateCheckTimeout)
			defer cancel()
			c.uploads.CheckDuplicate(dctx, s.OrderID)
		}()
	}
	return nil
}

// StopSession implements router.Sessions.
func (c *Controller) StopSession(ctx context.Context, reason recording.StopReason) error {
	res, err := c.recorder.Stop(reason)
	if err != nil {
		c.publish(events.Event{Kind: events.KindRecordingFailed, Message: err.Error()})
		return err
	}
	if res == nil {
		return nil
	}
	c.cues.Play(notify.CueEnd)
	c.publish(events.Event{
		Kind:    events.KindRecordingStopped,
		OrderID: res.Session.OrderID,
		Elapsed: res.Duration,
		Message: fmt.Sprintf("saved %s (%s)", res.Session.OrderID, res.Duration.Round(time.Second)),
	})
	c.mu.Lock()
	c.elapsed = 0
	c.mu.Unlock()

	if reason == recording.StopShutdown {
		return nil
	}
	if c.uploads == nil {
		c.logger.Info("storage not configured, recording kept", "order", res.Session.OrderID, "path", res.Path)
		return nil
	}
	c.uploads.Submit(ctx, model.Recording{
		OrderID:      res.Session.OrderID,
		Path:         res.Path,
		OperatorName: res.Session.OperatorName,
		OperatorID:   res.Session.OperatorID,
		Duration:     res.Duration,
	}, res.Auto())
	return nil
}

func (c *Controller) onTick(s recording.Session, elapsed time.Duration) {
	c.mu.Lock()
	c.elapsed = elapsed
	c.mu.Unlock()
	c.publish(events.Event{Kind: events.KindRecordingTick, OrderID: s.OrderID, Elapsed: elapsed})
}

func (c *Controller) onLimit(s recording.Session) { c.router.LimitReached(s) }

func (c *Controller) matchesIdentity(line string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.Matches(line)
}

func (c *Controller) remember(ev events.Event) {
	if events.Droppable(ev.Kind) {
		return
	}
	c.mu.Lock()
	c.messages[ev.Kind] = ev.Message
	if ev.Blocking {
		c.raiseLocked(ev)
	}
	c.mu.Unlock()
}

func (c *Controller) status(kind events.Kind, msg string) {
	c.publish(events.Event{Kind: kind, Message: msg})
}

func (c *Controller) publish(ev events.Event) { c.events.Publish(ev) }

// Scan injects a line as if it came from the scanner on port.
func (c *Controller) Scan(port, line string) { c.router.Scan(port, line) }

// Toggle starts or stops a session for orderID.
func (c *Controller) Toggle(ctx context.Context, orderID string) error {
	return c.router.Toggle(ctx, orderID)
}

// StopRecording stops the active session, if any.
func (c *Controller) StopRecording(ctx context.Context) error { return c.router.Stop(ctx) }

// Cameras probes capture indexes, skipping the open one.
func (c *Controller) Cameras() []camera.Info { return c.camera.Enumerate(c.opts.ProbeCount) }

// SelectCamera reopens the camera at index. An active recording keeps its
// encoder and resumes once frames flow again.
func (c *Controller) SelectCamera(index int) error {
	if err := c.camera.Open(index); err != nil {
		c.status(events.KindCamera, "camera unavailable")
		return err
	}
	c.status(events.KindCamera, fmt.Sprintf("camera active: Camera %d", index))
	return nil
}

// UpdateCameraSetting changes a live camera setting.
func (c *Controller) UpdateCameraSetting(name string, value int) error {
	return c.camera.UpdateSetting(name, value)
}

// Ports lists serial ports on the host.
func (c *Controller) Ports() ([]scanner.PortInfo, error) { return c.scanner.Ports() }

// SelectScanner connects the scanner to port.
func (c *Controller) SelectScanner(port string) error {
	if err := c.scanner.Connect(port); err != nil {
		c.status(events.KindScanner, "scanner unavailable")
		return err
	}
	c.status(events.KindScanner, "scanner connected: "+port)
	return nil
}

// SetLimit changes the recording limit for the next session. Zero disables it.
func (c *Controller) SetLimit(seconds int) error {
	if seconds < 0 || (seconds > 0 && len(c.opts.LimitOptions) > 0 && !slices.Contains(c.opts.LimitOptions, seconds)) {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, seconds)
	}
	c.recorder.SetLimit(time.Duration(seconds) * time.Second)
	return nil
}

// SetAutoDelete toggles removing local files after upload.
func (c *Controller) SetAutoDelete(v bool) {
	if c.uploads != nil {
		c.uploads.SetAutoDelete(v)
	}
}

// SetOperator changes the operator stamped on later sessions.
func (c *Controller) SetOperator(op recording.Operator) {
	c.mu.Lock()
	c.operator = op
	c.mu.Unlock()
}

// Operator returns the current operator.
func (c *Controller) Operator() recording.Operator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.operator
}

// Identity returns the station's token.
func (c *Controller) Identity() identity.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Events exposes the dispatcher for subscribers such as the API.
func (c *Controller) Events() *events.Dispatcher { return c.events }
