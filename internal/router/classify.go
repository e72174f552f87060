package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrParse means a scanned line is neither a known token nor an order id.
var ErrParse = errors.New("unparseable scan")

// DefaultOrderPattern extracts the order id from packing-slip QR links.
const DefaultOrderPattern = `https?://[^/\s]+/qr/(\d+)`

// Kind classifies a scanned line.
type Kind int

const (
	KindOrder Kind = iota
	KindSelf
	KindCommand
	KindUnparseable
)

func (k Kind) String() string {
	switch k {
	case KindSelf:
		return "self"
	case KindCommand:
		return "command"
	case KindUnparseable:
		return "unparseable"
	default:
		return "order"
	}
}

// ScanEvent is one classified line from the scanner.
type ScanEvent struct {
	Raw     string
	Kind    Kind
	OrderID string
	Port    string
	At      time.Time
}

// Classifier decides what a scanned line means. Self tokens win over command
// tokens, which win over order ids.
type Classifier struct {
	self     func(string) bool
	commands map[string]struct{}
	pattern  *regexp.Regexp
}

// NewClassifier compiles pattern, which must contain a capture group for the
// order id. self may be nil.
func NewClassifier(pattern string, commands []string, self func(string) bool) (*Classifier, error) {
	if pattern == "" {
		pattern = DefaultOrderPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile order pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("order pattern %q has no capture group", pattern)
	}
	cmds := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		if c = strings.TrimSpace(c); c != "" {
			cmds[strings.ToUpper(c)] = struct{}{}
		}
	}
	return &Classifier{self: self, commands: cmds, pattern: re}, nil
}

// Classify labels raw. Unparseable lines come back with ErrParse.
func (c *Classifier) Classify(raw string) (ScanEvent, error) {
	s := strings.TrimSpace(raw)
	ev := ScanEvent{Raw: s, At: time.Now()}
	if c.self != nil && c.self(s) {
		ev.Kind = KindSelf
		return ev, nil
	}
	if _, ok := c.commands[strings.ToUpper(s)]; ok {
		ev.Kind = KindCommand
		return ev, nil
	}
	if id, ok := c.ParseOrderID(s); ok {
		ev.Kind = KindOrder
		ev.OrderID = id
		return ev, nil
	}
	ev.Kind = KindUnparseable
	return ev, fmt.Errorf("%w: %q", ErrParse, s)
}

// ParseOrderID extracts an order id from s: the pattern's first group, or s
// itself when it is purely numeric.
func (c *Classifier) ParseOrderID(s string) (string, bool) {
	if m := c.pattern.FindStringSubmatch(s); len(m) > 1 && m[1] != "" {
		return m[1], true
	}
	if isDigits(s) {
		return s, true
	}
	return "", false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
