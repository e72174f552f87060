package identity

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestNewAndMatches(t *testing.T) {
	id := New("PACKCAM-APP-", "")
	if !strings.HasPrefix(id.Token, "PACKCAM-APP-") || len(id.SessionID) != 8 {
		t.Fatalf("unexpected token %q", id.Token)
	}
	if id.ComPort != "UNKNOWN" {
		t.Fatalf("expected placeholder com port, got %q", id.ComPort)
	}
	if !id.Matches(strings.ToLower(id.Token)) || !id.Matches(" "+id.Token+" ") {
		t.Fatalf("match should ignore case and surrounding space")
	}
	if id.Matches("PACKCAM-APP-deadbeef") && id.SessionID != "deadbeef" {
		t.Fatalf("foreign token matched")
	}
	if (Identity{}).Matches("") {
		t.Fatalf("empty identity must not match")
	}
}

func TestPersistAndLoad(t *testing.T) {
	dir := t.TempDir()
	id := New("PACKCAM-APP-", "/dev/ttyUSB0")
	if err := id.Persist(dir); err != nil {
		t.Fatalf("persist: %v", err)
	}
	png, err := os.ReadFile(id.QRPath)
	if err != nil {
		t.Fatalf("read qr: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("qr file is not a PNG")
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Token != id.Token || loaded.ComPort != "/dev/ttyUSB0" {
		t.Fatalf("unexpected loaded identity %+v", loaded)
	}
}
