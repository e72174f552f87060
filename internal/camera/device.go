package camera

import (
	"fmt"

	"github.com/dharsanguruparan/PackCam/internal/frame"
)

// Format is the capture format requested when a device is opened.
type Format struct {
	Width  int
	Height int
	FPS    int
}

// Device is an opened capture handle. Implementations are not safe for
// concurrent use; Source serializes every call.
type Device interface {
	Read() (frame.Frame, error)
	Resolution() (width, height int)
	Close() error
}

// Opener opens capture devices by index.
type Opener interface {
	Open(index int, format Format) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(index int, format Format) (Device, error)

// Open calls f.
func (f OpenerFunc) Open(index int, format Format) (Device, error) { return f(index, format) }

// Info describes a working capture index.
type Info struct {
	Index  int    `json:"index"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Open   bool   `json:"open"`
	Label  string `json:"label"`
}

// Label renders the display name used in status messages and pickers.
func Label(index, width, height int) string {
	return fmt.Sprintf("Camera %d (%dx%d)", index, width, height)
}
