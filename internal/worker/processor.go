package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/PackCam/internal/logging"
	"github.com/dharsanguruparan/PackCam/internal/model"
	"github.com/dharsanguruparan/PackCam/internal/queue"
)

// Uploader runs one upload to completion. upload.Pipeline satisfies it.
type Uploader interface {
	Process(ctx context.Context, rec model.Recording, auto bool) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	uploads Uploader
	logger  *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(uploads Uploader, logger *slog.Logger) *Processor {
	return &Processor{uploads: uploads, logger: logging.Component(logger, "worker")}
}

// Handler registers the re-upload handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ReuploadTask, p.handleReupload)
	return mux
}

func (p *Processor) handleReupload(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeReupload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	rec := model.Recording{
		OrderID:      payload.OrderID,
		Path:         payload.VideoPath,
		OperatorName: payload.OperatorName,
		OperatorID:   payload.OperatorID,
		Duration:     payload.Duration,
	}
	// operator-requested, so failures surface as blocking notices
	if err := p.uploads.Process(ctx, rec, false); err != nil {
		p.logger.Error("reupload failed", "order", payload.OrderID, "path", payload.VideoPath, "err", err)
		return fmt.Errorf("reupload %s: %v: %w", payload.OrderID, err, asynq.SkipRetry)
	}
	p.logger.Info("reupload done", "order", payload.OrderID)
	return nil
}
