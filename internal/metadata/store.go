// Package metadata keeps the JSON sidecar written next to every uploaded
// recording. Sidecars are named {orderID}_{YYYYMMDD_HHMMSS}.json.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an order has no sidecar.
	ErrNotFound = errors.New("metadata not found")
	// ErrInvalidOrder rejects order ids that cannot name a sidecar.
	ErrInvalidOrder = errors.New("invalid order id")
)

// Sidecar is the persisted record of one uploaded recording.
type Sidecar struct {
	ID        string `json:"id"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	User      string `json:"user"`
	UserID    string `json:"id_user,omitempty"`
	URLUpload string `json:"url_upload"`
	Duration  int    `json:"duration"`
	URLJSON   string `json:"url_json,omitempty"`
	// FileName is filled on reads and never written.
	FileName string `json:"-"`
}

// Entry is what callers provide when saving.
type Entry struct {
	OrderID  string
	User     string
	UserID   string
	VideoURL string
	Duration time.Duration
}

// Store reads and writes sidecars in one directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Dir returns the sidecar directory.
func (s *Store) Dir() string { return s.dir }

// Save writes a new sidecar and returns its path.
func (s *Store) Save(e Entry) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create metadata dir: %w", err)
	}
	now := s.now()
	sc := Sidecar{
		ID:        e.OrderID,
		Date:      now.Format("2006-01-02"),
		Time:      now.Format("15:04:05"),
		User:      e.User,
		UserID:    e.UserID,
		URLUpload: e.VideoURL,
		Duration:  int(e.Duration / time.Second),
	}
	base := fmt.Sprintf("%s_%s", e.OrderID, now.Format("20060102_150405"))
	path := filepath.Join(s.dir, base+".json")
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(s.dir, fmt.Sprintf("%s_%d.json", base, i))
	}
	if err := writeJSON(path, sc); err != nil {
		return "", err
	}
	return path, nil
}

// AttachRemoteURL records where the sidecar itself was uploaded. The file is
// replaced atomically.
func (s *Store) AttachRemoteURL(path, url string) error {
	sc, err := readSidecar(path)
	if err != nil {
		return err
	}
	sc.URLJSON = url
	tmp := path + ".tmp"
	if err := writeJSON(tmp, sc); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace sidecar: %w", err)
	}
	return nil
}

// Latest returns the newest sidecar for orderID.
func (s *Store) Latest(orderID string) (Sidecar, error) {
	all, err := s.All(orderID)
	if err != nil {
		return Sidecar{}, err
	}
	if len(all) == 0 {
		return Sidecar{}, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return all[0], nil
}

// All returns every sidecar for orderID, newest first.
func (s *Store) All(orderID string) ([]Sidecar, error) {
	if err := ValidateOrderID(orderID); err != nil {
		return nil, err
	}
	names, err := s.names(orderID + "_")
	if err != nil {
		return nil, err
	}
	return s.load(names), nil
}

// List returns every sidecar, newest first.
func (s *Store) List() ([]Sidecar, error) {
	names, err := s.names("")
	if err != nil {
		return nil, err
	}
	return s.load(names), nil
}

// Delete removes every sidecar for orderID and returns how many went.
func (s *Store) Delete(orderID string) (int, error) {
	if err := ValidateOrderID(orderID); err != nil {
		return 0, err
	}
	names, err := s.names(orderID + "_")
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	n := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return n, fmt.Errorf("delete %s: %w", name, err)
		}
		n++
	}
	return n, nil
}

// ValidateOrderID accepts ids made of letters, digits, '-' and '.'. Anything
// else could reach outside one order's sidecars.
func ValidateOrderID(orderID string) error {
	if orderID == "" || strings.Trim(orderID, ".") == "" {
		return fmt.Errorf("%w: %q", ErrInvalidOrder, orderID)
	}
	for _, r := range orderID {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidOrder, orderID)
		}
	}
	return nil
}

// names lists sidecar file names starting with prefix.
func (s *Store) names(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// load reads the named sidecars, skipping unreadable ones, newest first.
// Ties on the recorded time fall back to the name, so a _1 collision
// suffix sorts ahead of the file it avoided.
func (s *Store) load(names []string) []Sidecar {
	out := make([]Sidecar, 0, len(names))
	for _, name := range names {
		sc, err := readSidecar(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		out = append(out, sc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].Date+" "+out[i].Time, out[j].Date+" "+out[j].Time
		if ti != tj {
			return ti > tj
		}
		return out[i].FileName > out[j].FileName
	})
	return out
}

func readSidecar(path string) (Sidecar, error) {
	var sc Sidecar
	data, err := os.ReadFile(path)
	if err != nil {
		return sc, fmt.Errorf("read sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("decode sidecar %s: %w", filepath.Base(path), err)
	}
	sc.FileName = filepath.Base(path)
	return sc, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
