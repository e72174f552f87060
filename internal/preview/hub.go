// Package preview streams the live camera view to browsers over websockets.
// Only the newest frame matters: frames are replaced, never queued, and a
// slow client simply skips frames.
package preview

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dharsanguruparan/PackCam/internal/frame"
	"github.com/dharsanguruparan/PackCam/internal/logging"
)

// ErrNoFrame is returned by Snapshot before the first frame arrives.
var ErrNoFrame = errors.New("no preview frame yet")

const writeTimeout = 2 * time.Second

// Encoder compresses a frame, typically to JPEG.
type Encoder func(frame.Frame) ([]byte, error)

// Hub fans the latest preview frame out to websocket clients.
type Hub struct {
	encode   Encoder
	interval time.Duration
	logger   *slog.Logger
	upgrader websocket.Upgrader

	frameMu sync.Mutex
	latest  frame.Frame
	fresh   bool
	encoded []byte

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]chan []byte
}

// NewHub builds a Hub that broadcasts at most fps frames per second.
func NewHub(encode Encoder, fps int, logger *slog.Logger) *Hub {
	if fps <= 0 {
		fps = 15
	}
	return &Hub{
		encode:   encode,
		interval: time.Second / time.Duration(fps),
		logger:   logging.Component(logger, "preview"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Offer replaces the pending frame. It never blocks on encoding or clients.
func (h *Hub) Offer(f frame.Frame) {
	h.frameMu.Lock()
	h.latest = f
	h.fresh = true
	h.frameMu.Unlock()
}

// Run encodes and broadcasts the newest frame on every tick until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Hub) tick() {
	h.frameMu.Lock()
	if !h.fresh {
		h.frameMu.Unlock()
		return
	}
	f := h.latest
	h.fresh = false
	h.frameMu.Unlock()

	data, err := h.encode(f)
	if err != nil {
		h.logger.Debug("preview encode failed", "err", err)
		return
	}
	h.frameMu.Lock()
	h.encoded = data
	h.frameMu.Unlock()
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- data:
		default:
			// client is still writing the previous frame
		}
	}
}

// Snapshot returns the most recently encoded frame.
func (h *Hub) Snapshot() ([]byte, error) {
	h.frameMu.Lock()
	defer h.frameMu.Unlock()
	if h.encoded == nil {
		return nil, ErrNoFrame
	}
	return h.encoded, nil
}

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams binary frames until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ch := make(chan []byte, 1)
	h.clientsMu.Lock()
	h.clients[conn] = ch
	h.clientsMu.Unlock()
	h.logger.Info("preview client connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go h.writeLoop(conn, ch, done)

	// Reads only detect disconnects; clients never send anything useful.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
	h.remove(conn)
	h.logger.Info("preview client disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) writeLoop(conn *websocket.Conn, ch <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.clientsMu.Unlock()
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		conn.Close()
		delete(h.clients, conn)
	}
}
