package cv

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/dharsanguruparan/PackCam/internal/frame"
)

// EncodeJPEG compresses a frame for the preview stream.
func EncodeJPEG(f frame.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return nil, fmt.Errorf("wrap frame: %w", err)
	}
	defer mat.Close()
	buf, err := gocv.IMEncode(".jpg", mat)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
