// Package recording implements the per-order session state machine. A
// Lifecycle owns the encoder for the active session; frame writes and stops
// are serialized so a frame can never reach a closed encoder.
package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/PackCam/internal/frame"
	"github.com/dharsanguruparan/PackCam/internal/logging"
)

var (
	// ErrAlreadyActive is returned by Start while a session is live.
	ErrAlreadyActive = errors.New("recording already active")
	// ErrWriterInit means the encoder could not be opened.
	ErrWriterInit = errors.New("video writer init failed")
)

// State is the lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// StopReason records why a session ended.
type StopReason string

const (
	StopManual   StopReason = "manual"
	StopSwitch   StopReason = "switch"
	StopLimit    StopReason = "limit"
	StopShutdown StopReason = "shutdown"
)

// Auto is true for stops the operator did not ask for directly.
func (r StopReason) Auto() bool { return r == StopSwitch || r == StopLimit }

// Operator identifies who is packing.
type Operator struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// Session is one live recording.
type Session struct {
	ID           string        `json:"id"`
	OrderID      string        `json:"orderId"`
	OperatorName string        `json:"operatorName"`
	OperatorID   string        `json:"operatorId,omitempty"`
	Path         string        `json:"path"`
	StartedAt    time.Time     `json:"startedAt"`
	Limit        time.Duration `json:"limit"`
}

// Result describes a finished session.
type Result struct {
	Session  Session
	Path     string
	Duration time.Duration
	Frames   int
	Reason   StopReason
}

// Auto reports whether the stop was automatic.
func (r *Result) Auto() bool { return r.Reason.Auto() }

// EncoderConfig is passed to the EncoderFactory for every session.
type EncoderConfig struct {
	Width            int
	Height           int
	FPS              int
	Codec            string
	TimestampOverlay bool
	TimestampFormat  string
}

// Encoder receives recording frames for one file.
type Encoder interface {
	WriteFrame(f frame.Frame) error
	Close() error
}

// EncoderFactory opens an encoder writing to path.
type EncoderFactory func(path string, cfg EncoderConfig) (Encoder, error)

// Options configures a Lifecycle.
type Options struct {
	TempDir string
	Encoder EncoderConfig
	Limit   time.Duration
	// TickInterval defaults to one second.
	TickInterval time.Duration
	// OnTick receives the elapsed time on every tick while active.
	OnTick func(s Session, elapsed time.Duration)
	// OnLimit fires once per session when the limit is reached. It runs on the
	// timer goroutine and must not block on the Lifecycle.
	OnLimit func(s Session)
}

// Lifecycle is the recording state machine.
type Lifecycle struct {
	factory EncoderFactory
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	state     atomic.Int32
	session   Session
	enc       Encoder
	frames    int
	stopTimer chan struct{}

	limit atomic.Int64
}

// New builds a stopped Lifecycle.
func New(factory EncoderFactory, opts Options, logger *slog.Logger) *Lifecycle {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	l := &Lifecycle{
		factory: factory,
		opts:    opts,
		logger:  logging.Component(logger, "recording"),
		now:     time.Now,
	}
	l.limit.Store(int64(opts.Limit))
	return l
}

// Start opens a new session for orderID.
func (l *Lifecycle) Start(orderID string, op Operator) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if State(l.state.Load()) != StateStopped {
		return nil, fmt.Errorf("%w: order %s", ErrAlreadyActive, l.session.OrderID)
	}
	l.state.Store(int32(StateStarting))

	startedAt := l.now()
	if err := os.MkdirAll(l.opts.TempDir, 0o755); err != nil {
		l.state.Store(int32(StateStopped))
		return nil, fmt.Errorf("%w: create temp dir: %v", ErrWriterInit, err)
	}
	path := freePath(l.opts.TempDir, FileName(orderID, startedAt))
	enc, err := l.factory(path, l.opts.Encoder)
	if err != nil {
		l.state.Store(int32(StateStopped))
		return nil, fmt.Errorf("%w: %s: %v", ErrWriterInit, path, err)
	}

	l.session = Session{
		ID:           uuid.NewString(),
		OrderID:      orderID,
		OperatorName: op.Name,
		OperatorID:   op.ID,
		Path:         path,
		StartedAt:    startedAt,
		Limit:        time.Duration(l.limit.Load()),
	}
	l.enc = enc
	l.frames = 0
	l.stopTimer = make(chan struct{})
	l.state.Store(int32(StateActive))
	go l.runTimer(l.session, l.stopTimer)

	l.logger.Info("recording started", "order", orderID, "session", l.session.ID, "path", path, "limit", l.session.Limit)
	s := l.session
	return &s, nil
}

// WriteFrame hands f to the encoder when a session is active and does
// nothing otherwise.
func (l *Lifecycle) WriteFrame(f frame.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if State(l.state.Load()) != StateActive {
		return nil
	}
	f = f.Resize(l.opts.Encoder.Width, l.opts.Encoder.Height)
	if err := l.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	l.frames++
	return nil
}

// Stop finalizes the active session. It returns nil, nil when nothing is
// recording. When the encoder fails to close the error is returned and no
// Result is produced.
func (l *Lifecycle) Stop(reason StopReason) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if State(l.state.Load()) != StateActive {
		return nil, nil
	}
	l.state.Store(int32(StateStopping))
	close(l.stopTimer)

	err := l.enc.Close()
	l.enc = nil
	session := l.session
	duration := l.now().Sub(session.StartedAt)
	frames := l.frames
	l.session = Session{}
	l.state.Store(int32(StateStopped))

	if err != nil {
		l.logger.Error("recording finalize failed", "order", session.OrderID, "path", session.Path, "err", err)
		return nil, fmt.Errorf("close encoder %s: %w", session.Path, err)
	}
	l.logger.Info("recording stopped", "order", session.OrderID, "reason", reason, "duration", duration.Round(time.Second), "frames", frames)
	return &Result{
		Session:  session,
		Path:     session.Path,
		Duration: duration,
		Frames:   frames,
		Reason:   reason,
	}, nil
}

// Active returns the live session, if any.
func (l *Lifecycle) Active() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if State(l.state.Load()) != StateActive {
		return Session{}, false
	}
	return l.session, true
}

// State returns the current state without waiting on an in-flight write.
func (l *Lifecycle) State() State { return State(l.state.Load()) }

// SetLimit changes the limit for sessions started afterwards. Zero disables it.
func (l *Lifecycle) SetLimit(d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.limit.Store(int64(d))
}

// Limit returns the limit applied to the next session.
func (l *Lifecycle) Limit() time.Duration { return time.Duration(l.limit.Load()) }

func (l *Lifecycle) runTimer(s Session, stop <-chan struct{}) {
	ticker := time.NewTicker(l.opts.TickInterval)
	defer ticker.Stop()
	fired := false
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			elapsed := l.now().Sub(s.StartedAt)
			if l.opts.OnTick != nil {
				l.opts.OnTick(s, elapsed)
			}
			if !fired && s.Limit > 0 && elapsed >= s.Limit {
				fired = true
				l.logger.Info("recording limit reached", "order", s.OrderID, "limit", s.Limit)
				if l.opts.OnLimit != nil {
					l.opts.OnLimit(s)
				}
			}
		}
	}
}

// FileName builds the video file name for an order started at t.
func FileName(orderID string, t time.Time) string {
	return fmt.Sprintf("%s_%s.mp4", safeName(orderID), t.Format("20060102_150405"))
}

// freePath joins dir and name, adding _1, _2, ... before the extension while
// a file of that name exists. A finished session's video may still be
// uploading when the same order restarts within the second.
func freePath(dir, name string) string {
	path := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
