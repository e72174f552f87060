// Package cv adapts OpenCV (through gocv) to the camera and recording
// interfaces. It is the only package in the module that needs cgo.
package cv

import (
	"errors"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/dharsanguruparan/PackCam/internal/camera"
	"github.com/dharsanguruparan/PackCam/internal/frame"
)

var errReadFailed = errors.New("capture read failed")

// Opener opens V4L2/AVFoundation/DirectShow devices by index.
type Opener struct {
	API gocv.VideoCaptureAPI
}

// NewOpener returns an Opener using OpenCV's default backend.
func NewOpener() *Opener {
	return &Opener{API: gocv.VideoCaptureAny}
}

// Open implements camera.Opener.
func (o *Opener) Open(index int, format camera.Format) (camera.Device, error) {
	vc, err := gocv.OpenVideoCaptureWithAPI(index, o.API)
	if err != nil {
		return nil, fmt.Errorf("open capture %d: %w", index, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture %d is not open", index)
	}
	if format.Width > 0 && format.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(format.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(format.Height))
	}
	if format.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(format.FPS))
	}
	return &capture{vc: vc, mat: gocv.NewMat()}, nil
}

type capture struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

func (c *capture) Read() (frame.Frame, error) {
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return frame.Frame{}, errReadFailed
	}
	img := c.mat
	if img.Channels() == 1 {
		color := gocv.NewMat()
		defer color.Close()
		gocv.CvtColor(img, &color, gocv.ColorGrayToBGR)
		img = color
	}
	return frame.Frame{
		Data:       img.ToBytes(),
		Width:      img.Cols(),
		Height:     img.Rows(),
		CapturedAt: time.Now(),
	}, nil
}

func (c *capture) Resolution() (int, int) {
	return int(c.vc.Get(gocv.VideoCaptureFrameWidth)), int(c.vc.Get(gocv.VideoCaptureFrameHeight))
}

func (c *capture) Close() error {
	c.mat.Close()
	return c.vc.Close()
}
