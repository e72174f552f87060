// Package model contains the upload task types shared by the pipeline, the
// API and the worker.
package model

import (
	"time"
)

// UploadStatus describes where an upload task is in its lifecycle.
type UploadStatus string

const (
	StatusPending   UploadStatus = "pending"
	StatusUploading UploadStatus = "uploading"
	StatusDone      UploadStatus = "done"
	StatusFailed    UploadStatus = "failed"
)

// Settled reports whether the task has finished one way or the other.
func (s UploadStatus) Settled() bool {
	return s == StatusDone || s == StatusFailed
}

// UploadTask tracks one recording on its way to object storage.
type UploadTask struct {
	ID        string       `json:"id"`
	OrderID   string       `json:"orderId"`
	VideoPath string       `json:"-"`
	FileName  string       `json:"fileName"`
	Progress  float64      `json:"progress"`
	Status    UploadStatus `json:"status"`
	Auto      bool         `json:"auto"`
	VideoURL  string       `json:"videoUrl,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Recording is a finished local video ready for upload.
type Recording struct {
	OrderID      string        `json:"orderId"`
	Path         string        `json:"path"`
	OperatorName string        `json:"operatorName"`
	OperatorID   string        `json:"operatorId,omitempty"`
	Duration     time.Duration `json:"duration"`
}
