// Package events carries status, progress and notice events from the
// station's goroutines to whoever renders them. A single consumer goroutine
// applies events so subscribers observe them in publish order.
package events

import "time"

// Kind names an event type.
type Kind string

const (
	KindStatus           Kind = "status"
	KindCamera           Kind = "camera"
	KindScanner          Kind = "scanner"
	KindRecordingStarted Kind = "recording.started"
	KindRecordingTick    Kind = "recording.tick"
	KindRecordingStopped Kind = "recording.stopped"
	KindRecordingFailed  Kind = "recording.failed"
	KindUploadProgress   Kind = "upload.progress"
	KindUploadDone       Kind = "upload.done"
	KindUploadFailed     Kind = "upload.failed"
	KindUploadWarning    Kind = "upload.warning"
	KindDuplicate        Kind = "duplicate"
	KindSelfScanned      Kind = "scan.self"
	KindCommandScanned   Kind = "scan.command"
	KindScanRejected     Kind = "scan.rejected"
)

// Event is one notification. Fields beyond Kind and Message are optional.
type Event struct {
	Kind     Kind          `json:"kind"`
	Message  string        `json:"message"`
	OrderID  string        `json:"orderId,omitempty"`
	TaskID   string        `json:"taskId,omitempty"`
	Progress float64       `json:"progress,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Blocking bool          `json:"blocking,omitempty"`
	At       time.Time     `json:"at"`
}

// Publisher accepts events. Publish never blocks.
type Publisher interface {
	Publish(ev Event)
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}
