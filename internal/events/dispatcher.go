package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/logging"
)

// Handler consumes dispatched events. Handlers run on the dispatcher
// goroutine and should return quickly.
type Handler func(Event)

// Dispatcher fans events out to subscribers from a single goroutine.
// Publish never blocks. Once capacity events are pending, droppable kinds
// (ticks and progress) are discarded; every other event is still queued.
type Dispatcher struct {
	capacity int
	logger   *slog.Logger
	wake     chan struct{}

	qmu     sync.Mutex
	pending []Event

	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
}

// NewDispatcher builds a Dispatcher holding up to capacity droppable events.
func NewDispatcher(capacity int, logger *slog.Logger) *Dispatcher {
	if capacity <= 0 {
		capacity = 256
	}
	return &Dispatcher{
		capacity: capacity,
		logger:   logging.Component(logger, "events"),
		wake:     make(chan struct{}, 1),
		subs:     make(map[int]Handler),
	}
}

// Droppable reports whether k may be discarded under backlog. Later events
// of the same kind supersede it.
func Droppable(k Kind) bool {
	return k == KindRecordingTick || k == KindUploadProgress
}

// Subscribe registers h and returns a function that removes it.
func (d *Dispatcher) Subscribe(h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs[id] = h
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Publish queues ev in order.
func (d *Dispatcher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.qmu.Lock()
	if len(d.pending) >= d.capacity && Droppable(ev.Kind) {
		d.qmu.Unlock()
		d.logger.Debug("event backlog, dropping", "kind", ev.Kind)
		return
	}
	d.pending = append(d.pending, ev)
	d.qmu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns how many events wait for delivery.
func (d *Dispatcher) Pending() int {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return len(d.pending)
}

// Run consumes events until ctx is cancelled. Exactly one Run should be
// active per Dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			for _, ev := range d.take() {
				d.deliver(ev)
			}
		}
	}
}

func (d *Dispatcher) take() []Event {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	batch := d.pending
	d.pending = nil
	return batch
}

func (d *Dispatcher) deliver(ev Event) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.subs))
	for _, h := range d.subs {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
