// Package camera owns the capture device. Every device call happens under a
// single mutex; frame reads never wait for it so a device switch shows up as a
// dropped frame instead of a stalled pump.
package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/frame"
	"github.com/dharsanguruparan/PackCam/internal/logging"
)

var (
	// ErrDeviceUnavailable means the index could not be opened or produced no frame.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrNoFrame means no frame is available right now. Callers skip the tick.
	ErrNoFrame = errors.New("no frame available")
	// ErrUnknownSetting is returned by UpdateSetting for unsupported names.
	ErrUnknownSetting = errors.New("unknown camera setting")
)

// State is the device lifecycle as seen by the rest of the station.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Purpose selects the variant NextFrame returns.
type Purpose int

const (
	// PurposeRecording frames are never mirrored.
	PurposeRecording Purpose = iota
	// PurposePreview frames are mirrored when flip is enabled.
	PurposePreview
)

// Setting names accepted by UpdateSetting.
const (
	SettingBrightness = "brightness"
	SettingFlip       = "flip_horizontal"
)

// NeutralBrightness leaves pixels unchanged.
const NeutralBrightness = 50

// Config tunes a Source.
type Config struct {
	Format          Format
	MaxReadFailures int
	Brightness      int
	Flip            bool
}

// Source is the exclusive owner of the capture device.
type Source struct {
	opener Opener
	format Format
	logger *slog.Logger

	mu     sync.Mutex
	dev    Device
	index  int
	width  int
	height int

	state       atomic.Int32
	current     atomic.Int32
	failures    atomic.Int32
	maxFailures int32
	lastFrame   atomic.Int64
	seq         atomic.Uint64
	brightness  atomic.Int32
	flip        atomic.Bool
}

// NewSource builds a closed Source.
func NewSource(opener Opener, cfg Config, logger *slog.Logger) *Source {
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = 30
	}
	s := &Source{
		opener:      opener,
		format:      cfg.Format,
		logger:      logging.Component(logger, "camera"),
		maxFailures: int32(cfg.MaxReadFailures),
	}
	s.current.Store(-1)
	s.brightness.Store(int32(clampBrightness(cfg.Brightness)))
	s.flip.Store(cfg.Flip)
	return s
}

// Open acquires the device at index, releasing any previously open device.
func (s *Source) Open(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Store(int32(StateOpening))
	s.releaseLocked()

	dev, err := s.opener.Open(index, s.format)
	if err != nil {
		s.state.Store(int32(StateClosed))
		return fmt.Errorf("%w: index %d: %v", ErrDeviceUnavailable, index, err)
	}
	if _, err := dev.Read(); err != nil {
		_ = dev.Close()
		s.state.Store(int32(StateClosed))
		return fmt.Errorf("%w: index %d: probe frame: %v", ErrDeviceUnavailable, index, err)
	}
	s.dev = dev
	s.index = index
	s.width, s.height = dev.Resolution()
	s.current.Store(int32(index))
	s.failures.Store(0)
	s.lastFrame.Store(time.Now().UnixNano())
	s.state.Store(int32(StateOpen))
	s.logger.Info("camera opened", "index", index, "width", s.width, "height", s.height)
	return nil
}

// Close releases the device. Closing a closed Source is a no-op.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.releaseLocked()
	s.state.Store(int32(StateClosed))
	return err
}

func (s *Source) releaseLocked() error {
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	s.current.Store(-1)
	s.logger.Info("camera released", "index", s.index)
	if err != nil {
		return fmt.Errorf("release camera %d: %w", s.index, err)
	}
	return nil
}

// NextFrame reads one frame. It returns ErrNoFrame immediately when an open or
// close holds the device, when nothing is open, or when the read fails.
func (s *Source) NextFrame(purpose Purpose) (frame.Frame, error) {
	if !s.mu.TryLock() {
		return frame.Frame{}, ErrNoFrame
	}
	defer s.mu.Unlock()
	if s.dev == nil {
		return frame.Frame{}, ErrNoFrame
	}
	f, err := s.dev.Read()
	if err != nil {
		n := s.failures.Add(1)
		if n == s.maxFailures {
			s.logger.Warn("camera read failing", "index", s.index, "consecutive", n, "err", err)
		}
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	s.failures.Store(0)
	now := time.Now()
	s.lastFrame.Store(now.UnixNano())
	if f.CapturedAt.IsZero() {
		f.CapturedAt = now
	}
	f.Seq = s.seq.Add(1)
	f.Shift(int(s.brightness.Load()) - NeutralBrightness)
	if purpose == PurposePreview {
		return s.Preview(f), nil
	}
	return f, nil
}

// Preview derives the preview variant of a recording frame.
func (s *Source) Preview(f frame.Frame) frame.Frame {
	if s.flip.Load() {
		return f.Mirror()
	}
	return f
}

// UpdateSetting changes a runtime image setting.
func (s *Source) UpdateSetting(name string, value int) error {
	switch name {
	case SettingBrightness:
		if value < 0 || value > 100 {
			return fmt.Errorf("brightness %d out of range 0..100", value)
		}
		s.brightness.Store(int32(value))
	case SettingFlip:
		s.flip.Store(value != 0)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	s.logger.Info("camera setting changed", "setting", name, "value", value)
	return nil
}

// Settings reports the current brightness and flip values.
func (s *Source) Settings() (brightness int, flip bool) {
	return int(s.brightness.Load()), s.flip.Load()
}

// Enumerate probes indices 0..max-1 and returns the working ones. The open
// index is reported from its live handle instead of being reopened. Frame
// reads return ErrNoFrame while probing runs.
func (s *Source) Enumerate(max int) []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Info
	for i := 0; i < max; i++ {
		if s.dev != nil && i == s.index {
			out = append(out, Info{Index: i, Width: s.width, Height: s.height, Open: true, Label: Label(i, s.width, s.height)})
			continue
		}
		dev, err := s.opener.Open(i, s.format)
		if err != nil {
			continue
		}
		_, readErr := dev.Read()
		w, h := dev.Resolution()
		_ = dev.Close()
		if readErr != nil {
			continue
		}
		out = append(out, Info{Index: i, Width: w, Height: h, Label: Label(i, w, h)})
	}
	return out
}

// State returns the current lifecycle state.
func (s *Source) State() State { return State(s.state.Load()) }

// Index returns the open index, or false when nothing is open.
func (s *Source) Index() (int, bool) {
	idx := s.current.Load()
	return int(idx), idx >= 0
}

// Healthy is true while the device is open and reads are succeeding.
func (s *Source) Healthy() bool {
	return s.State() == StateOpen && s.failures.Load() < s.maxFailures
}

// LastFrameAt returns when the last frame was read successfully.
func (s *Source) LastFrameAt() time.Time {
	n := s.lastFrame.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func clampBrightness(v int) int {
	if v < 0 || v > 100 {
		return NeutralBrightness
	}
	return v
}
