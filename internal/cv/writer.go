package cv

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/dharsanguruparan/PackCam/internal/frame"
	"github.com/dharsanguruparan/PackCam/internal/recording"
)

var (
	overlayBackground = color.RGBA{0, 0, 0, 0}
	overlayText       = color.RGBA{255, 255, 255, 0}
)

// Writer encodes recording frames into a video file.
type Writer struct {
	vw       *gocv.VideoWriter
	cfg      recording.EncoderConfig
	tsFormat string
}

// NewWriter implements recording.EncoderFactory.
func NewWriter(path string, cfg recording.EncoderConfig) (recording.Encoder, error) {
	vw, err := gocv.VideoWriterFile(path, cfg.Codec, float64(cfg.FPS), cfg.Width, cfg.Height, true)
	if err != nil {
		return nil, fmt.Errorf("open video writer: %w", err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("video writer for %s did not open (codec %s)", path, cfg.Codec)
	}
	tsFormat := cfg.TimestampFormat
	if tsFormat == "" {
		tsFormat = "2006-01-02 15:04:05"
	}
	return &Writer{vw: vw, cfg: cfg, tsFormat: tsFormat}, nil
}

// WriteFrame appends f. The frame is copied before the overlay is drawn so
// the caller's buffer, which the preview may still use, is left intact.
func (w *Writer) WriteFrame(f frame.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if w.cfg.TimestampOverlay {
		f = f.Clone()
	}
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return fmt.Errorf("wrap frame: %w", err)
	}
	defer mat.Close()
	if w.cfg.TimestampOverlay {
		gocv.Rectangle(&mat, image.Rect(10, 10, 350, 50), overlayBackground, -1)
		gocv.PutText(&mat, f.CapturedAt.Format(w.tsFormat), image.Pt(20, 38), gocv.FontHersheySimplex, 0.7, overlayText, 2)
	}
	return w.vw.Write(mat)
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	return w.vw.Close()
}
