// Package frame holds the packed BGR frame type passed between the camera,
// the recorder and the preview hub, plus the few pixel operations the station
// performs outside OpenCV.
package frame

import (
	"errors"
	"time"
)

// Channels is the number of bytes per pixel (B, G, R).
const Channels = 3

// ErrShape is returned when a frame's buffer does not match its dimensions.
var ErrShape = errors.New("frame buffer does not match dimensions")

// Frame is one captured image. Data is packed 8-bit BGR, row-major.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Seq        uint64
	CapturedAt time.Time
}

// Validate checks that Data holds exactly Width*Height*Channels bytes.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) != f.Width*f.Height*Channels {
		return ErrShape
	}
	return nil
}

// Clone returns a deep copy.
func (f Frame) Clone() Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return out
}

// Mirror returns a horizontally flipped copy.
func (f Frame) Mirror() Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	stride := f.Width * Channels
	for y := 0; y < f.Height; y++ {
		row := y * stride
		for x := 0; x < f.Width; x++ {
			src := row + x*Channels
			dst := row + (f.Width-1-x)*Channels
			copy(out.Data[dst:dst+Channels], f.Data[src:src+Channels])
		}
	}
	return out
}

// Shift adds delta to every channel in place, saturating at 0 and 255.
func (f Frame) Shift(delta int) {
	if delta == 0 {
		return
	}
	for i, v := range f.Data {
		n := int(v) + delta
		switch {
		case n < 0:
			n = 0
		case n > 255:
			n = 255
		}
		f.Data[i] = byte(n)
	}
}

// Resize returns a nearest-neighbour scaled copy. The frame is returned as is
// when it already has the requested size.
func (f Frame) Resize(width, height int) Frame {
	if width == f.Width && height == f.Height {
		return f
	}
	out := f
	out.Width = width
	out.Height = height
	out.Data = make([]byte, width*height*Channels)
	for y := 0; y < height; y++ {
		sy := y * f.Height / height
		for x := 0; x < width; x++ {
			sx := x * f.Width / width
			src := (sy*f.Width + sx) * Channels
			dst := (y*width + x) * Channels
			copy(out.Data[dst:dst+Channels], f.Data[src:src+Channels])
		}
	}
	return out
}
