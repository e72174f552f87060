package station

import (
	"time"

	"github.com/dharsanguruparan/PackCam/internal/events"
	"github.com/dharsanguruparan/PackCam/internal/model"
	"github.com/dharsanguruparan/PackCam/internal/recording"
)

// Status is a point-in-time view of the station for the UI.
type Status struct {
	Ready      bool                   `json:"ready"`
	Recording  *recording.Session     `json:"recording,omitempty"`
	Elapsed    time.Duration          `json:"elapsed"`
	Limit      time.Duration          `json:"limit"`
	Operator   recording.Operator     `json:"operator"`
	Camera     CameraStatus           `json:"camera"`
	Scanner    ScannerStatus          `json:"scanner"`
	Uploads    []model.UploadTask     `json:"uploads"`
	Progress   float64                `json:"uploadProgress"`
	AutoDelete bool                   `json:"autoDelete"`
	Token      string                 `json:"token"`
	Messages   map[events.Kind]string `json:"messages"`
	Alerts     []Alert                `json:"alerts"`
}

// CameraStatus describes the capture device.
type CameraStatus struct {
	State      string `json:"state"`
	Index      int    `json:"index"`
	Healthy    bool   `json:"healthy"`
	Brightness int    `json:"brightness"`
	Flip       bool   `json:"flipHorizontal"`
}

// ScannerStatus describes the serial scanner.
type ScannerStatus struct {
	Port    string `json:"port"`
	Healthy bool   `json:"healthy"`
}

// Status collects the current state from every subsystem.
func (c *Controller) Status() Status {
	st := Status{
		Ready:    c.ready.Load(),
		Limit:    c.recorder.Limit(),
		Operator: c.Operator(),
		Token:    c.Identity().Token,
	}
	if s, ok := c.recorder.Active(); ok {
		st.Recording = &s
	}

	idx, _ := c.camera.Index()
	brightness, flip := c.camera.Settings()
	st.Camera = CameraStatus{
		State:      c.camera.State().String(),
		Index:      idx,
		Healthy:    c.camera.Healthy(),
		Brightness: brightness,
		Flip:       flip,
	}
	port, _ := c.scanner.Port()
	st.Scanner = ScannerStatus{Port: port, Healthy: c.scanner.Healthy()}

	if c.uploads != nil {
		st.Uploads = c.uploads.Registry().List()
		st.Progress = c.uploads.Aggregate()
		st.AutoDelete = c.uploads.AutoDelete()
	}

	c.mu.RLock()
	if st.Recording != nil {
		st.Elapsed = c.elapsed
	}
	st.Messages = make(map[events.Kind]string, len(c.messages))
	for k, v := range c.messages {
		st.Messages[k] = v
	}
	st.Alerts = make([]Alert, len(c.alerts))
	copy(st.Alerts, c.alerts)
	c.mu.RUnlock()
	return st
}
