// Package identity gives each running station a short-lived token so the
// operator can scan the station's own QR code to confirm which scanner is
// wired to which station.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	sessionFile = "session.json"
	qrDir       = "qr_codes"
	qrFile      = "app-identifier.png"
	qrSize      = 150
)

// Identity is the token minted for this process.
type Identity struct {
	SessionID string    `json:"session_id"`
	ComPort   string    `json:"com_port"`
	Timestamp time.Time `json:"timestamp"`
	Token     string    `json:"qr_code"`
	// QRPath is where the PNG was written, empty when not persisted.
	QRPath string `json:"-"`
}

// New mints a fresh identity. A new one is made on every start.
func New(prefix, comPort string) Identity {
	id := uuid.NewString()[:8]
	if comPort == "" {
		comPort = "UNKNOWN"
	}
	return Identity{
		SessionID: id,
		ComPort:   comPort,
		Timestamp: time.Now(),
		Token:     prefix + id,
	}
}

// Matches reports whether a scanned line is this station's token.
func (i Identity) Matches(scanned string) bool {
	return i.Token != "" && strings.EqualFold(strings.TrimSpace(scanned), i.Token)
}

// Persist writes session.json and the QR PNG under dir.
func (i *Identity) Persist(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, qrDir), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, sessionFile), data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	path := filepath.Join(dir, qrDir, qrFile)
	if err := qrcode.WriteFile(i.Token, qrcode.Low, qrSize, path); err != nil {
		return fmt.Errorf("write qr code: %w", err)
	}
	i.QRPath = path
	return nil
}

// PNG renders the token as a QR image.
func (i Identity) PNG() ([]byte, error) {
	return qrcode.Encode(i.Token, qrcode.Low, qrSize)
}

// Load reads a previously persisted session.json.
func Load(dir string) (Identity, error) {
	var i Identity
	data, err := os.ReadFile(filepath.Join(dir, sessionFile))
	if err != nil {
		return i, fmt.Errorf("read session: %w", err)
	}
	if err := json.Unmarshal(data, &i); err != nil {
		return i, fmt.Errorf("decode session: %w", err)
	}
	return i, nil
}
