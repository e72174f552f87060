package station

import (
	"time"

	"github.com/dharsanguruparan/PackCam/internal/camera"
	"github.com/dharsanguruparan/PackCam/internal/config"
	"github.com/dharsanguruparan/PackCam/internal/recording"
	"github.com/dharsanguruparan/PackCam/internal/scanner"
)

// Options holds the station's tunables.
type Options struct {
	Camera      camera.Config
	CameraIndex int
	ProbeCount  int
	FPS         int

	TempDir      string
	Encoder      recording.EncoderConfig
	Limit        time.Duration
	LimitOptions []int
	TickInterval time.Duration

	Scanner       scanner.Config
	ScannerPort   string
	AutoDetect    bool
	Keywords      []string
	OrderPattern  string
	CommandTokens []string
	SettleDelay   time.Duration

	MonitorInterval time.Duration
	Operator        recording.Operator

	// TokenPrefix and IdentityDir control the station's own QR token.
	// An empty IdentityDir keeps the token in memory only.
	TokenPrefix string
	IdentityDir string
}

// OptionsFromConfig maps the loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	cam := cfg.Camera
	return Options{
		Camera: camera.Config{
			Format:          camera.Format{Width: cam.CaptureWidth, Height: cam.CaptureHeight, FPS: cam.FPS},
			MaxReadFailures: cam.MaxReadFailures,
			Brightness:      cam.Brightness,
			Flip:            cam.FlipHorizontal,
		},
		CameraIndex: cam.DefaultIndex,
		ProbeCount:  cam.ProbeCount,
		FPS:         cam.FPS,
		TempDir:     cfg.Recording.TempDir,
		Encoder: recording.EncoderConfig{
			Width:            cam.RecordWidth,
			Height:           cam.RecordHeight,
			FPS:              cam.FPS,
			Codec:            cam.Codec,
			TimestampOverlay: cam.TimestampOverlay,
			TimestampFormat:  cam.TimestampFormat,
		},
		Limit:        time.Duration(cfg.Recording.LimitSeconds) * time.Second,
		LimitOptions: cfg.Recording.LimitOptions,
		Scanner: scanner.Config{
			BaudRate:    cfg.Scanner.BaudRate,
			ReadTimeout: cfg.Scanner.ReadTimeout,
		},
		ScannerPort:     cfg.Scanner.DefaultPort,
		AutoDetect:      cfg.Scanner.AutoDetect,
		Keywords:        cfg.Scanner.Keywords,
		OrderPattern:    cfg.Scanner.OrderPattern,
		CommandTokens:   cfg.Scanner.CommandTokens,
		SettleDelay:     cfg.Recording.SettleDelay,
		MonitorInterval: cfg.Monitor.Interval,
		Operator:        recording.Operator{Name: cfg.OperatorName, ID: cfg.OperatorID},
		TokenPrefix:     cfg.SelfTokenPrefix,
		IdentityDir:     cfg.DataDir,
	}
}
