// Package router turns scans, limit notices and operator requests into
// session actions. Every command goes through one goroutine, so two scans can
// never race each other into the recorder.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/events"
	"github.com/dharsanguruparan/PackCam/internal/logging"
	"github.com/dharsanguruparan/PackCam/internal/notify"
	"github.com/dharsanguruparan/PackCam/internal/recording"
)

var (
	// ErrStopped is returned when the router loop is no longer running.
	ErrStopped = errors.New("router stopped")
	// ErrNoOrder is returned by Toggle when idle and no order id is given.
	ErrNoOrder = errors.New("order id required")
)

// DefaultSettleDelay separates a switch stop from the next start.
const DefaultSettleDelay = 500 * time.Millisecond

// Sessions is the session surface the router drives.
type Sessions interface {
	Active() (recording.Session, bool)
	StartSession(ctx context.Context, orderID string) error
	StopSession(ctx context.Context, reason recording.StopReason) error
}

type commandKind int

const (
	cmdScan commandKind = iota
	cmdLimit
	cmdToggle
	cmdStop
)

type command struct {
	kind      commandKind
	line      string
	port      string
	orderID   string
	sessionID string
	reply     chan error
}

// Options configures a Router.
type Options struct {
	SettleDelay time.Duration
	QueueSize   int
}

// Router serializes everything that can start or stop a session.
type Router struct {
	classifier *Classifier
	sessions   Sessions
	publisher  events.Publisher
	cues       notify.Sink
	settle     time.Duration
	logger     *slog.Logger

	cmds chan command
	done chan struct{}
}

// New builds a Router. Call Run to start processing.
func New(c *Classifier, s Sessions, pub events.Publisher, cues notify.Sink, opts Options, logger *slog.Logger) *Router {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if pub == nil {
		pub = events.Discard{}
	}
	if cues == nil {
		cues = notify.Nop{}
	}
	return &Router{
		classifier: c,
		sessions:   s,
		publisher:  pub,
		cues:       cues,
		settle:     opts.SettleDelay,
		logger:     logging.Component(logger, "router"),
		cmds:       make(chan command, opts.QueueSize),
		done:       make(chan struct{}),
	}
}

// Run processes commands in arrival order until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.cmds:
			err := r.handle(ctx, cmd)
			if cmd.reply != nil {
				cmd.reply <- err
			}
		}
	}
}

// Scan queues a scanned line. It blocks only while the queue is full.
func (r *Router) Scan(port, line string) {
	r.enqueue(command{kind: cmdScan, port: port, line: line})
}

// LimitReached queues a limit notice for the given session. Notices for a
// session that is no longer active are ignored.
func (r *Router) LimitReached(s recording.Session) {
	r.enqueue(command{kind: cmdLimit, sessionID: s.ID})
}

// Toggle starts orderID when idle and stops the active session otherwise.
func (r *Router) Toggle(ctx context.Context, orderID string) error {
	return r.request(ctx, command{kind: cmdToggle, orderID: orderID})
}

// Stop manually stops the active session.
func (r *Router) Stop(ctx context.Context) error {
	return r.request(ctx, command{kind: cmdStop})
}

func (r *Router) enqueue(cmd command) bool {
	select {
	case r.cmds <- cmd:
		return true
	case <-r.done:
		r.logger.Warn("router stopped, dropping command", "line", cmd.line)
		return false
	}
}

func (r *Router) request(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) handle(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdScan:
		return r.handleScan(ctx, cmd)
	case cmdLimit:
		active, ok := r.sessions.Active()
		if !ok || active.ID != cmd.sessionID {
			r.logger.Debug("stale limit notice ignored", "session", cmd.sessionID)
			return nil
		}
		return r.sessions.StopSession(ctx, recording.StopLimit)
	case cmdToggle:
		if _, ok := r.sessions.Active(); ok {
			return r.sessions.StopSession(ctx, recording.StopManual)
		}
		if cmd.orderID == "" {
			return ErrNoOrder
		}
		return r.sessions.StartSession(ctx, cmd.orderID)
	case cmdStop:
		if _, ok := r.sessions.Active(); !ok {
			return nil
		}
		return r.sessions.StopSession(ctx, recording.StopManual)
	}
	return fmt.Errorf("unknown command %d", cmd.kind)
}

func (r *Router) handleScan(ctx context.Context, cmd command) error {
	ev, err := r.classifier.Classify(cmd.line)
	ev.Port = cmd.port
	switch ev.Kind {
	case KindSelf:
		r.logger.Info("station token scanned", "port", cmd.port)
		r.cues.Play(notify.CueSelf)
		r.publisher.Publish(events.Event{Kind: events.KindSelfScanned, Message: fmt.Sprintf("station identified on %s", cmd.port)})
		return nil
	case KindCommand:
		r.logger.Info("command token scanned", "token", ev.Raw)
		r.publisher.Publish(events.Event{Kind: events.KindCommandScanned, Message: ev.Raw})
		return nil
	case KindUnparseable:
		r.logger.Warn("scan rejected", "err", err)
		r.publisher.Publish(events.Event{Kind: events.KindScanRejected, Message: ev.Raw})
		return err
	}
	r.logger.Info("order scanned", "order", ev.OrderID, "port", cmd.port)
	return r.applyOrder(ctx, ev.OrderID)
}

// applyOrder is the scan transition policy: idle starts, the same order
// stops, a different order switches after the settle delay.
func (r *Router) applyOrder(ctx context.Context, orderID string) error {
	active, ok := r.sessions.Active()
	if !ok {
		return r.sessions.StartSession(ctx, orderID)
	}
	if active.OrderID == orderID {
		return r.sessions.StopSession(ctx, recording.StopManual)
	}
	r.publisher.Publish(events.Event{Kind: events.KindStatus, OrderID: orderID, Message: fmt.Sprintf("switching to %s", orderID)})
	if err := r.sessions.StopSession(ctx, recording.StopSwitch); err != nil {
		r.logger.Error("switch stop failed", "order", active.OrderID, "err", err)
	}
	if _, still := r.sessions.Active(); still {
		return fmt.Errorf("switch to %s: session %s still active", orderID, active.OrderID)
	}
	if r.settle > 0 {
		timer := time.NewTimer(r.settle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return r.sessions.StartSession(ctx, orderID)
}
