// Package config centralizes how PackCam reads its settings and exposes them
// as strongly typed Go values. Settings come from an optional YAML file, then
// a .env file, then the process environment, in increasing precedence.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the station.
type Config struct {
	Address         string        `yaml:"address"`
	DataDir         string        `yaml:"data_dir"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	SigningSecret   []byte        `yaml:"-"`
	SignedURLTTL    time.Duration `yaml:"signed_url_ttl"`
	SelfTokenPrefix string        `yaml:"self_token_prefix"`
	OperatorName    string        `yaml:"operator_name"`
	OperatorID      string        `yaml:"operator_id"`
	SoundDir        string        `yaml:"sound_dir"`
	SoundCommand    string        `yaml:"sound_command"`

	Camera    CameraConfig    `yaml:"camera"`
	Recording RecordingConfig `yaml:"recording"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Storage   StorageConfig   `yaml:"storage"`
	Monitor   MonitorConfig   `yaml:"monitor"`

	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	WorkerPool    int    `yaml:"worker_pool"`
}

// CameraConfig describes the capture device and the recording format.
type CameraConfig struct {
	DefaultIndex     int    `yaml:"default_index"`
	CaptureWidth     int    `yaml:"capture_width"`
	CaptureHeight    int    `yaml:"capture_height"`
	RecordWidth      int    `yaml:"record_width"`
	RecordHeight     int    `yaml:"record_height"`
	FPS              int    `yaml:"fps"`
	Codec            string `yaml:"codec"`
	Brightness       int    `yaml:"brightness"`
	FlipHorizontal   bool   `yaml:"flip_horizontal"`
	TimestampOverlay bool   `yaml:"timestamp_overlay"`
	TimestampFormat  string `yaml:"timestamp_format"`
	ProbeCount       int    `yaml:"probe_count"`
	MaxReadFailures  int    `yaml:"max_read_failures"`
}

// RecordingConfig controls session files and limits.
type RecordingConfig struct {
	TempDir      string        `yaml:"temp_dir"`
	LimitSeconds int           `yaml:"limit_seconds"`
	LimitOptions []int         `yaml:"limit_options"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
}

// ScannerConfig describes the serial scanner.
type ScannerConfig struct {
	DefaultPort   string        `yaml:"default_port"`
	BaudRate      int           `yaml:"baud_rate"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	OrderPattern  string        `yaml:"order_pattern"`
	AutoDetect    bool          `yaml:"auto_detect"`
	Keywords      []string      `yaml:"keywords"`
	CommandTokens []string      `yaml:"command_tokens"`
}

// StorageConfig describes the S3-compatible backend and local retention.
type StorageConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKey       string `yaml:"-"`
	SecretKey       string `yaml:"-"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	UseSSL          bool   `yaml:"use_ssl"`
	DownloadBaseURL string `yaml:"download_base_url"`
	AutoDelete      bool   `yaml:"auto_delete"`
	MetadataDir     string `yaml:"metadata_dir"`
}

// MonitorConfig controls the health monitor.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

const (
	defaultAddress         = "127.0.0.1:8080"
	defaultDataDir         = "data"
	defaultSignedTTL       = 10 * time.Minute
	defaultSelfTokenPrefix = "PACKCAM-APP-"
	defaultFPS             = 30
	defaultWidth           = 1920
	defaultHeight          = 1080
	defaultCodec           = "mp4v"
	defaultBrightness      = 50
	defaultTimestampFormat = "2006-01-02 15:04:05"
	defaultProbeCount      = 3
	defaultMaxReadFailures = 30
	defaultLimitSeconds    = 30
	defaultSettleDelay     = 500 * time.Millisecond
	defaultBaudRate        = 9600
	defaultReadTimeout     = 100 * time.Millisecond
	defaultOrderPattern    = `https?://[^/\s]+/qr/(\d+)`
	defaultKeywords        = "scanner,barcode,usb serial,ch340,cp210,ftdi"
	defaultCommandTokens   = "USB-COM-SETUP,FACTORY-DEFAULT"
	defaultLimitOptions    = "3,5,10,15,30,60"
	defaultMonitorInterval = 8 * time.Second
	defaultWorkerCount     = 2
)

// Default returns the configuration used when nothing is supplied.
func Default() *Config {
	return &Config{
		Address:         defaultAddress,
		DataDir:         defaultDataDir,
		LogLevel:        "info",
		LogFormat:       "text",
		SignedURLTTL:    defaultSignedTTL,
		SelfTokenPrefix: defaultSelfTokenPrefix,
		Camera: CameraConfig{
			CaptureWidth:     defaultWidth,
			CaptureHeight:    defaultHeight,
			RecordWidth:      defaultWidth,
			RecordHeight:     defaultHeight,
			FPS:              defaultFPS,
			Codec:            defaultCodec,
			Brightness:       defaultBrightness,
			TimestampOverlay: true,
			TimestampFormat:  defaultTimestampFormat,
			ProbeCount:       defaultProbeCount,
			MaxReadFailures:  defaultMaxReadFailures,
		},
		Recording: RecordingConfig{
			LimitSeconds: defaultLimitSeconds,
			LimitOptions: parseIntList(defaultLimitOptions),
			SettleDelay:  defaultSettleDelay,
		},
		Scanner: ScannerConfig{
			BaudRate:      defaultBaudRate,
			ReadTimeout:   defaultReadTimeout,
			OrderPattern:  defaultOrderPattern,
			AutoDetect:    true,
			Keywords:      splitList(defaultKeywords),
			CommandTokens: splitList(defaultCommandTokens),
		},
		Storage: StorageConfig{
			UseSSL:     true,
			AutoDelete: true,
		},
		Monitor:    MonitorConfig{Interval: defaultMonitorInterval},
		WorkerPool: defaultWorkerCount,
	}
}

// Load reads configuration falling back to defaults. The YAML file named by
// PACKCAM_CONFIG is applied first, then PACKCAM_* environment variables (a
// .env file in the working directory is loaded into the environment).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := readEnv("PACKCAM_CONFIG", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Address = readEnv("PACKCAM_ADDRESS", cfg.Address)
	cfg.DataDir = readEnv("PACKCAM_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = readEnv("PACKCAM_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = readEnv("PACKCAM_LOG_FORMAT", cfg.LogFormat)
	cfg.SigningSecret = parseSecret("PACKCAM_SIGNING_SECRET")
	cfg.SignedURLTTL = parseDuration("PACKCAM_SIGNED_TTL", cfg.SignedURLTTL)
	cfg.SelfTokenPrefix = readEnv("PACKCAM_SELF_TOKEN_PREFIX", cfg.SelfTokenPrefix)
	cfg.OperatorName = readEnv("PACKCAM_OPERATOR_NAME", cfg.OperatorName)
	cfg.OperatorID = readEnv("PACKCAM_OPERATOR_ID", cfg.OperatorID)
	cfg.SoundDir = readEnv("PACKCAM_SOUND_DIR", cfg.SoundDir)
	cfg.SoundCommand = readEnv("PACKCAM_SOUND_COMMAND", cfg.SoundCommand)

	cam := &cfg.Camera
	cam.DefaultIndex = parseInt("PACKCAM_CAMERA_INDEX", cam.DefaultIndex)
	cam.CaptureWidth = parseInt("PACKCAM_CAPTURE_WIDTH", cam.CaptureWidth)
	cam.CaptureHeight = parseInt("PACKCAM_CAPTURE_HEIGHT", cam.CaptureHeight)
	cam.RecordWidth = parseInt("PACKCAM_RECORD_WIDTH", cam.RecordWidth)
	cam.RecordHeight = parseInt("PACKCAM_RECORD_HEIGHT", cam.RecordHeight)
	cam.FPS = parseInt("PACKCAM_FPS", cam.FPS)
	cam.Codec = readEnv("PACKCAM_CODEC", cam.Codec)
	cam.Brightness = parseInt("PACKCAM_BRIGHTNESS", cam.Brightness)
	cam.FlipHorizontal = parseBool("PACKCAM_FLIP_HORIZONTAL", cam.FlipHorizontal)
	cam.TimestampOverlay = parseBool("PACKCAM_TIMESTAMP_OVERLAY", cam.TimestampOverlay)
	cam.TimestampFormat = readEnv("PACKCAM_TIMESTAMP_FORMAT", cam.TimestampFormat)
	cam.ProbeCount = parseInt("PACKCAM_CAMERA_PROBE_COUNT", cam.ProbeCount)
	cam.MaxReadFailures = parseInt("PACKCAM_CAMERA_MAX_READ_FAILURES", cam.MaxReadFailures)

	rec := &cfg.Recording
	rec.TempDir = readEnv("PACKCAM_TEMP_DIR", rec.TempDir)
	rec.LimitSeconds = parseInt("PACKCAM_LIMIT_SECONDS", rec.LimitSeconds)
	if v := readEnv("PACKCAM_LIMIT_OPTIONS", ""); v != "" {
		rec.LimitOptions = parseIntList(v)
	}
	rec.SettleDelay = parseDuration("PACKCAM_SETTLE_DELAY", rec.SettleDelay)

	sc := &cfg.Scanner
	sc.DefaultPort = readEnv("PACKCAM_SCANNER_PORT", sc.DefaultPort)
	sc.BaudRate = parseInt("PACKCAM_SCANNER_BAUD", sc.BaudRate)
	sc.ReadTimeout = parseDuration("PACKCAM_SCANNER_READ_TIMEOUT", sc.ReadTimeout)
	sc.OrderPattern = readEnv("PACKCAM_ORDER_PATTERN", sc.OrderPattern)
	sc.AutoDetect = parseBool("PACKCAM_SCANNER_AUTO_DETECT", sc.AutoDetect)
	if v := readEnv("PACKCAM_SCANNER_KEYWORDS", ""); v != "" {
		sc.Keywords = splitList(v)
	}
	if v := readEnv("PACKCAM_COMMAND_TOKENS", ""); v != "" {
		sc.CommandTokens = splitList(v)
	}

	st := &cfg.Storage
	st.Endpoint = readEnv("PACKCAM_S3_ENDPOINT", st.Endpoint)
	st.AccessKey = readEnv("PACKCAM_S3_ACCESS_KEY", st.AccessKey)
	st.SecretKey = readEnv("PACKCAM_S3_SECRET_KEY", st.SecretKey)
	st.Bucket = readEnv("PACKCAM_S3_BUCKET", st.Bucket)
	st.Region = readEnv("PACKCAM_S3_REGION", st.Region)
	st.UseSSL = parseBool("PACKCAM_S3_USE_SSL", st.UseSSL)
	st.DownloadBaseURL = readEnv("PACKCAM_DOWNLOAD_BASE_URL", st.DownloadBaseURL)
	st.AutoDelete = parseBool("PACKCAM_AUTO_DELETE", st.AutoDelete)
	st.MetadataDir = readEnv("PACKCAM_METADATA_DIR", st.MetadataDir)

	cfg.Monitor.Interval = parseDuration("PACKCAM_MONITOR_INTERVAL", cfg.Monitor.Interval)

	cfg.DatabaseURL = readEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = readEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = readEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = parseInt("REDIS_DB", cfg.RedisDB)
	cfg.WorkerPool = parseInt("PACKCAM_WORKERS", cfg.WorkerPool)
}

// normalize fills derived paths and repairs out-of-range values.
func (c *Config) normalize() {
	if c.SigningSecret == nil {
		c.SigningSecret = randomSecret()
	}
	if c.Recording.TempDir == "" {
		c.Recording.TempDir = c.DataDir + string(os.PathSeparator) + "temp_videos"
	}
	if c.Storage.MetadataDir == "" {
		c.Storage.MetadataDir = c.DataDir + string(os.PathSeparator) + "metadata"
	}
	if c.Camera.FPS <= 0 {
		c.Camera.FPS = defaultFPS
	}
	if c.Camera.Brightness < 0 || c.Camera.Brightness > 100 {
		c.Camera.Brightness = defaultBrightness
	}
	if c.Camera.ProbeCount <= 0 {
		c.Camera.ProbeCount = defaultProbeCount
	}
	if c.Camera.MaxReadFailures <= 0 {
		c.Camera.MaxReadFailures = defaultMaxReadFailures
	}
	if c.Recording.LimitSeconds < 0 {
		c.Recording.LimitSeconds = 0
	}
	if c.Recording.SettleDelay < 0 {
		c.Recording.SettleDelay = defaultSettleDelay
	}
	if c.Scanner.ReadTimeout <= 0 {
		c.Scanner.ReadTimeout = defaultReadTimeout
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = defaultMonitorInterval
	}
	if c.SignedURLTTL <= 0 {
		c.SignedURLTTL = defaultSignedTTL
	}
	if c.WorkerPool <= 0 {
		c.WorkerPool = defaultWorkerCount
	}
}

// Validate reports settings that cannot work at all.
func (c *Config) Validate() error {
	if c.Camera.RecordWidth <= 0 || c.Camera.RecordHeight <= 0 {
		return fmt.Errorf("invalid recording resolution %dx%d", c.Camera.RecordWidth, c.Camera.RecordHeight)
	}
	if len(c.Camera.Codec) != 4 {
		return fmt.Errorf("codec %q must be a fourcc", c.Camera.Codec)
	}
	if c.Scanner.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Scanner.BaudRate)
	}
	return nil
}

// StorageConfigured reports whether uploads can be attempted.
func (c *Config) StorageConfigured() bool {
	return c.Storage.Endpoint != "" && c.Storage.Bucket != ""
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntList(val string) []int {
	var out []int
	for _, p := range splitList(val) {
		if n, err := strconv.Atoi(p); err == nil && n >= 0 {
			out = append(out, n)
		}
	}
	return out
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte(hex.EncodeToString([]byte("fallbacksecret")))
	}
	return buf
}
