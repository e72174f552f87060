// Package upload moves finished recordings to object storage. Each recording
// gets its own goroutine; nothing retries automatically, a failed upload
// stays on disk for the operator to resend.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dharsanguruparan/PackCam/internal/events"
	"github.com/dharsanguruparan/PackCam/internal/logging"
	"github.com/dharsanguruparan/PackCam/internal/metadata"
	"github.com/dharsanguruparan/PackCam/internal/model"
	"github.com/dharsanguruparan/PackCam/internal/notify"
)

// ErrDuplicateCheck wraps failures of the advisory duplicate lookup.
var ErrDuplicateCheck = errors.New("duplicate check failed")

// progressStep throttles progress events to roughly one per percent.
const progressStep = 0.01

// Backend is the object storage the pipeline writes to.
type Backend interface {
	Authenticate(ctx context.Context) error
	UploadVideo(ctx context.Context, orderID, path string, progress func(float64)) (string, error)
	UploadSidecar(ctx context.Context, path string) (string, error)
	SidecarExists(ctx context.Context, orderID string) (bool, error)
	DownloadURL(key string) string
}

// Sidecars persists the local metadata files.
type Sidecars interface {
	Save(e metadata.Entry) (string, error)
	AttachRemoteURL(path, url string) error
}

// Ledger mirrors task state somewhere durable.
type Ledger interface {
	RecordQueued(ctx context.Context, task model.UploadTask) error
	RecordUploading(ctx context.Context, id string) error
	RecordDone(ctx context.Context, id, videoURL string) error
	RecordFailed(ctx context.Context, id, msg string) error
}

// NopLedger records nothing.
type NopLedger struct{}

func (NopLedger) RecordQueued(context.Context, model.UploadTask) error { return nil }
func (NopLedger) RecordUploading(context.Context, string) error        { return nil }
func (NopLedger) RecordDone(context.Context, string, string) error     { return nil }
func (NopLedger) RecordFailed(context.Context, string, string) error   { return nil }

// Options wires a Pipeline's collaborators. Only Backend and Sidecars are
// required.
type Options struct {
	Backend    Backend
	Sidecars   Sidecars
	Registry   *Registry
	Publisher  events.Publisher
	Cues       notify.Sink
	Ledger     Ledger
	AutoDelete bool
}

// Pipeline runs uploads and tracks their progress.
type Pipeline struct {
	backend   Backend
	sidecars  Sidecars
	registry  *Registry
	publisher events.Publisher
	cues      notify.Sink
	ledger    Ledger
	logger    *slog.Logger

	autoDelete atomic.Bool
	wg         sync.WaitGroup
}

// New builds a Pipeline.
func New(opts Options, logger *slog.Logger) *Pipeline {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Cues == nil {
		opts.Cues = notify.Nop{}
	}
	if opts.Ledger == nil {
		opts.Ledger = NopLedger{}
	}
	p := &Pipeline{
		backend:   opts.Backend,
		sidecars:  opts.Sidecars,
		registry:  opts.Registry,
		publisher: opts.Publisher,
		cues:      opts.Cues,
		ledger:    opts.Ledger,
		logger:    logging.Component(logger, "upload"),
	}
	p.autoDelete.Store(opts.AutoDelete)
	return p
}

// SetAutoDelete toggles removal of local videos after a successful upload.
func (p *Pipeline) SetAutoDelete(v bool) { p.autoDelete.Store(v) }

// AutoDelete reports the current toggle.
func (p *Pipeline) AutoDelete() bool { return p.autoDelete.Load() }

// Registry exposes the task registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Aggregate is the mean progress of in-flight uploads.
func (p *Pipeline) Aggregate() float64 { return p.registry.Aggregate() }

// Submit registers an upload and runs it on its own goroutine. The upload
// outlives ctx's cancellation so shutdown does not abort a transfer.
func (p *Pipeline) Submit(ctx context.Context, rec model.Recording, auto bool) string {
	task := p.registry.Add(rec, auto)
	ctx = context.WithoutCancel(ctx)
	if err := p.ledger.RecordQueued(ctx, task); err != nil {
		p.logger.Warn("ledger queue failed", "task", task.ID, "err", err)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.run(ctx, task, rec)
	}()
	p.logger.Info("upload queued", "task", task.ID, "order", rec.OrderID, "auto", auto)
	return task.ID
}

// Process runs one upload synchronously. The queue worker uses it for
// operator-requested re-uploads.
func (p *Pipeline) Process(ctx context.Context, rec model.Recording, auto bool) error {
	task := p.registry.Add(rec, auto)
	if err := p.ledger.RecordQueued(ctx, task); err != nil {
		p.logger.Warn("ledger queue failed", "task", task.ID, "err", err)
	}
	return p.run(ctx, task, rec)
}

// Wait blocks until every submitted upload has settled.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) run(ctx context.Context, task model.UploadTask, rec model.Recording) error {
	defer p.registry.Remove(task.ID)

	_ = p.registry.SetStatus(task.ID, model.StatusUploading, "")
	if err := p.ledger.RecordUploading(ctx, task.ID); err != nil {
		p.logger.Warn("ledger update failed", "task", task.ID, "err", err)
	}

	videoURL, err := p.transfer(ctx, task, rec)
	if err != nil {
		p.fail(ctx, task, err)
		return err
	}

	_ = p.registry.SetStatus(task.ID, model.StatusDone, "")
	if err := p.ledger.RecordDone(ctx, task.ID, videoURL); err != nil {
		p.logger.Warn("ledger update failed", "task", task.ID, "err", err)
	}
	p.logger.Info("upload complete", "task", task.ID, "order", task.OrderID, "url", videoURL)
	p.publisher.Publish(events.Event{
		Kind:     events.KindUploadDone,
		TaskID:   task.ID,
		OrderID:  task.OrderID,
		Progress: 1,
		Message:  fmt.Sprintf("uploaded %s", task.FileName),
	})
	return nil
}

func (p *Pipeline) transfer(ctx context.Context, task model.UploadTask, rec model.Recording) (string, error) {
	if err := p.backend.Authenticate(ctx); err != nil {
		return "", err
	}
	if _, err := os.Stat(rec.Path); err != nil {
		return "", fmt.Errorf("recording %s: %w", rec.Path, err)
	}

	var last float64 = -1
	var lastMu sync.Mutex
	key, err := p.backend.UploadVideo(ctx, rec.OrderID, rec.Path, func(frac float64) {
		_ = p.registry.SetProgress(task.ID, frac)
		lastMu.Lock()
		emit := frac >= 1 || frac-last >= progressStep
		if emit {
			last = frac
		}
		lastMu.Unlock()
		if emit {
			p.publisher.Publish(events.Event{
				Kind:     events.KindUploadProgress,
				TaskID:   task.ID,
				OrderID:  task.OrderID,
				Progress: p.registry.Aggregate(),
			})
		}
	})
	if err != nil {
		return "", err
	}
	videoURL := p.backend.DownloadURL(key)

	// The video is in storage from here on; sidecar problems only warn.
	if err := p.writeSidecar(ctx, rec, videoURL); err != nil {
		p.logger.Warn("sidecar not stored", "task", task.ID, "order", task.OrderID, "err", err)
		p.publisher.Publish(events.Event{
			Kind:    events.KindUploadWarning,
			TaskID:  task.ID,
			OrderID: task.OrderID,
			Message: fmt.Sprintf("%s uploaded but its metadata was not: %v", task.FileName, err),
		})
	}

	if p.autoDelete.Load() {
		if err := os.Remove(rec.Path); err != nil {
			p.logger.Warn("local video not deleted", "path", rec.Path, "err", err)
		} else {
			p.logger.Info("local video deleted", "path", rec.Path)
		}
	}
	return videoURL, nil
}

// writeSidecar saves the local sidecar, uploads it and records its URL.
func (p *Pipeline) writeSidecar(ctx context.Context, rec model.Recording, videoURL string) error {
	path, err := p.sidecars.Save(metadata.Entry{
		OrderID:  rec.OrderID,
		User:     rec.OperatorName,
		UserID:   rec.OperatorID,
		VideoURL: videoURL,
		Duration: rec.Duration,
	})
	if err != nil {
		return fmt.Errorf("save sidecar: %w", err)
	}
	jsonKey, err := p.backend.UploadSidecar(ctx, path)
	if err != nil {
		return fmt.Errorf("upload sidecar: %w", err)
	}
	if err := p.sidecars.AttachRemoteURL(path, p.backend.DownloadURL(jsonKey)); err != nil {
		return fmt.Errorf("record sidecar url: %w", err)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, task model.UploadTask, err error) {
	_ = p.registry.SetStatus(task.ID, model.StatusFailed, err.Error())
	if lerr := p.ledger.RecordFailed(ctx, task.ID, err.Error()); lerr != nil {
		p.logger.Warn("ledger update failed", "task", task.ID, "err", lerr)
	}
	p.logger.Error("upload failed", "task", task.ID, "order", task.OrderID, "path", task.VideoPath, "err", err)
	p.publisher.Publish(events.Event{
		Kind:     events.KindUploadFailed,
		TaskID:   task.ID,
		OrderID:  task.OrderID,
		Blocking: !task.Auto,
		Message:  fmt.Sprintf("upload of %s failed: %v", task.FileName, err),
	})
}

// CheckDuplicate reports whether orderID was uploaded before. The answer is
// advisory: lookup errors are logged and treated as "no duplicate".
func (p *Pipeline) CheckDuplicate(ctx context.Context, orderID string) bool {
	exists, err := p.backend.SidecarExists(ctx, orderID)
	if err != nil {
		p.logger.Warn("duplicate check skipped", "order", orderID, "err", fmt.Errorf("%w: %v", ErrDuplicateCheck, err))
		return false
	}
	if !exists {
		return false
	}
	p.logger.Info("order already recorded", "order", orderID)
	p.cues.Play(notify.CueDuplicate)
	p.publisher.Publish(events.Event{
		Kind:    events.KindDuplicate,
		OrderID: orderID,
		Message: fmt.Sprintf("order %s was recorded before", orderID),
	})
	return true
}
