// Package health watches the camera and scanner and reconnects whichever one
// drops. Each subsystem has its own in-flight guard so a slow camera probe
// never delays a scanner reconnect, and neither touches an active recording.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/events"
	"github.com/dharsanguruparan/PackCam/internal/logging"
	"github.com/dharsanguruparan/PackCam/internal/scanner"
)

// DefaultInterval is how often both subsystems are checked.
const DefaultInterval = 8 * time.Second

// Camera is the camera surface the monitor needs.
type Camera interface {
	Healthy() bool
	Index() (int, bool)
	Open(index int) error
}

// Scanner is the scanner surface the monitor needs.
type Scanner interface {
	Healthy() bool
	Port() (string, bool)
	LastPort() string
	Ports() ([]scanner.PortInfo, error)
	Connect(name string) error
}

// Options configures a Monitor.
type Options struct {
	Interval           time.Duration
	DefaultCameraIndex int
	DefaultPort        string
	AutoDetect         bool
	Keywords           []string
}

// Monitor periodically checks and repairs device connections.
type Monitor struct {
	camera    Camera
	scanner   Scanner
	opts      Options
	publisher events.Publisher
	logger    *slog.Logger

	cameraBusy  atomic.Bool
	scannerBusy atomic.Bool
	cameraUp    atomic.Bool
	scannerUp   atomic.Bool
	lastIndex   atomic.Int32
	wg          sync.WaitGroup
}

// New builds a Monitor. Either device may be nil to skip it.
func New(cam Camera, sc Scanner, pub events.Publisher, opts Options, logger *slog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Keywords == nil {
		opts.Keywords = scanner.DefaultKeywords
	}
	if pub == nil {
		pub = events.Discard{}
	}
	m := &Monitor{
		camera:    cam,
		scanner:   sc,
		opts:      opts,
		publisher: pub,
		logger:    logging.Component(logger, "health"),
	}
	m.lastIndex.Store(-1)
	return m
}

// Run checks on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check inspects both subsystems once and starts reconnects as needed.
func (m *Monitor) Check(ctx context.Context) {
	if m.camera != nil {
		m.checkCamera(ctx)
	}
	if m.scanner != nil {
		m.checkScanner(ctx)
	}
}

// Wait blocks until in-flight reconnects finish.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) checkCamera(ctx context.Context) {
	if m.camera.Healthy() {
		idx, ok := m.camera.Index()
		if ok {
			m.lastIndex.Store(int32(idx))
		}
		if !m.cameraUp.Swap(true) && ok {
			m.status(events.KindCamera, fmt.Sprintf("camera active: Camera %d", idx))
		}
		return
	}
	if m.cameraUp.Swap(false) {
		m.status(events.KindCamera, "camera lost, retrying")
	}
	if !m.cameraBusy.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.cameraBusy.Store(false)
		m.reconnectCamera(ctx)
	}()
}

func (m *Monitor) reconnectCamera(ctx context.Context) {
	current, ok := m.camera.Index()
	if !ok {
		current = int(m.lastIndex.Load())
		ok = current >= 0
	}
	for _, idx := range CameraCandidates(current, ok, m.opts.DefaultCameraIndex) {
		if ctx.Err() != nil {
			return
		}
		if err := m.camera.Open(idx); err != nil {
			m.logger.Warn("camera reconnect failed", "index", idx, "err", err)
			continue
		}
		m.lastIndex.Store(int32(idx))
		m.cameraUp.Store(true)
		m.status(events.KindCamera, fmt.Sprintf("camera active: Camera %d", idx))
		return
	}
	m.status(events.KindCamera, "camera unavailable")
}

func (m *Monitor) checkScanner(ctx context.Context) {
	if m.scanner.Healthy() {
		if !m.scannerUp.Swap(true) {
			if name, ok := m.scanner.Port(); ok {
				m.status(events.KindScanner, fmt.Sprintf("scanner connected: %s", name))
			}
		}
		return
	}
	if m.scannerUp.Swap(false) {
		m.status(events.KindScanner, "scanner lost, retrying")
	}
	if !m.scannerBusy.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.scannerBusy.Store(false)
		m.reconnectScanner(ctx)
	}()
}

func (m *Monitor) reconnectScanner(ctx context.Context) {
	ports, err := m.scanner.Ports()
	if err != nil {
		m.logger.Warn("port enumeration failed", "err", err)
		ports = nil
	}
	candidates := ScannerCandidates(m.opts.DefaultPort, m.scanner.LastPort(), ports, m.opts.AutoDetect, m.opts.Keywords)
	for _, name := range candidates {
		if ctx.Err() != nil {
			return
		}
		if err := m.scanner.Connect(name); err != nil {
			m.logger.Warn("scanner reconnect failed", "port", name, "err", err)
			continue
		}
		m.scannerUp.Store(true)
		m.status(events.KindScanner, fmt.Sprintf("scanner connected: %s", name))
		return
	}
	if len(candidates) == 0 {
		m.logger.Debug("no scanner candidates")
	}
	m.status(events.KindScanner, "scanner unavailable")
}

func (m *Monitor) status(kind events.Kind, msg string) {
	m.logger.Info(msg)
	m.publisher.Publish(events.Event{Kind: kind, Message: msg})
}
