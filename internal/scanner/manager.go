// Package scanner owns the serial barcode scanner: connecting, listening for
// newline-terminated codes, and reporting when the line goes bad.
package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/logging"
)

var (
	// ErrConnect means the port could not be opened.
	ErrConnect = errors.New("scanner connect failed")
	// ErrNotConnected is returned when no port is open.
	ErrNotConnected = errors.New("scanner not connected")
)

const maxPendingBytes = 4096

// LineHandler receives each complete scanned line.
type LineHandler func(port, line string)

// Config tunes a Manager.
type Config struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// Manager owns at most one open scanner port.
type Manager struct {
	dialer Dialer
	enum   Enumerator
	cfg    Config
	onLine LineHandler
	logger *slog.Logger

	mu       sync.Mutex
	conn     *connection
	lastPort string
}

type connection struct {
	port   Port
	name   string
	broken atomic.Bool
	stop   chan struct{}
	done   chan struct{}
}

// NewManager builds a disconnected Manager.
func NewManager(d Dialer, e Enumerator, cfg Config, onLine LineHandler, logger *slog.Logger) *Manager {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	return &Manager{
		dialer: d,
		enum:   e,
		cfg:    cfg,
		onLine: onLine,
		logger: logging.Component(logger, "scanner"),
	}
}

// Connect opens name, replacing any current connection, and starts listening.
func (m *Manager) Connect(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()

	p, err := m.dialer.Dial(name, m.cfg.BaudRate, m.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnect, name, err)
	}
	c := &connection{
		port: p,
		name: name,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.conn = c
	m.lastPort = name
	go m.listen(c)
	m.logger.Info("scanner connected", "port", name, "baud", m.cfg.BaudRate)
	return nil
}

// Disconnect closes the current port. It is a no-op when nothing is open.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	c := m.conn
	if c == nil {
		return
	}
	m.conn = nil
	close(c.stop)
	if err := c.port.Close(); err != nil {
		m.logger.Warn("scanner close failed", "port", c.name, "err", err)
	}
	select {
	case <-c.done:
	case <-time.After(time.Second):
		m.logger.Warn("scanner listener did not exit", "port", c.name)
	}
	m.logger.Info("scanner disconnected", "port", c.name)
}

// Healthy is true while a port is open and its listener has not failed.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && !m.conn.broken.Load()
}

// Port returns the open port name.
func (m *Manager) Port() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return "", false
	}
	return m.conn.name, true
}

// LastPort returns the most recent port that connected successfully.
func (m *Manager) LastPort() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPort
}

// Ports enumerates the host's serial ports.
func (m *Manager) Ports() ([]PortInfo, error) {
	if m.enum == nil {
		return nil, nil
	}
	return m.enum.Ports()
}

// listen runs without the manager lock. A read error marks the connection
// broken and ends the loop; the health monitor takes it from there.
func (m *Manager) listen(c *connection) {
	defer close(c.done)
	buf := make([]byte, 256)
	var pending []byte
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		n, err := c.port.Read(buf)
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			c.broken.Store(true)
			m.logger.Warn("scanner read failed", "port", c.name, "err", err)
			return
		}
		if n == 0 {
			continue
		}
		pending = append(pending, buf[:n]...)
		var lines []string
		lines, pending = SplitLines(pending)
		for _, line := range lines {
			m.logger.Debug("scanned", "port", c.name, "line", line)
			if m.onLine != nil {
				m.onLine(c.name, line)
			}
		}
		if len(pending) > maxPendingBytes {
			m.logger.Warn("scanner line too long, discarding", "port", c.name, "bytes", len(pending))
			pending = pending[:0]
		}
	}
}

// SplitLines extracts complete newline-terminated lines from buf and returns
// them with the unconsumed remainder. Carriage returns, invalid UTF-8 and
// surrounding whitespace are stripped; empty lines are skipped.
func SplitLines(buf []byte) ([]string, []byte) {
	var lines []string
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		raw := buf[:i]
		buf = buf[i+1:]
		line := strings.TrimSpace(strings.ToValidUTF8(strings.ReplaceAll(string(raw), "\r", ""), ""))
		if line != "" {
			lines = append(lines, line)
		}
	}
	rest := make([]byte, len(buf))
	copy(rest, buf)
	return lines, rest
}
