package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// ReuploadTask is scheduled when an operator asks to upload a recording
	// that stayed on disk.
	ReuploadTask = "recording:reupload"
)

// ReuploadPayload is serialized into the task so the worker knows which file
// to send and whose order it belongs to.
type ReuploadPayload struct {
	OrderID      string        `json:"order_id"`
	VideoPath    string        `json:"video_path"`
	OperatorName string        `json:"operator_name"`
	OperatorID   string        `json:"operator_id,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// NewReuploadTask builds the task. Retries are off: a failed upload keeps the
// file and the operator decides whether to try again.
func NewReuploadTask(payload ReuploadPayload) (*asynq.Task, error) {
	if payload.OrderID == "" || payload.VideoPath == "" {
		return nil, fmt.Errorf("reupload needs an order id and a video path")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(ReuploadTask, data, asynq.MaxRetry(0)), nil
}

// EnqueueReupload enqueues a re-upload job.
func EnqueueReupload(ctx context.Context, client *asynq.Client, payload ReuploadPayload) (string, error) {
	task, err := NewReuploadTask(payload)
	if err != nil {
		return "", err
	}
	info, err := client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("enqueue reupload task: %w", err)
	}
	return info.ID, nil
}

// DecodeReupload reads the payload back out of a task.
func DecodeReupload(task *asynq.Task) (ReuploadPayload, error) {
	var p ReuploadPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
