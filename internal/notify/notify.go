// Package notify plays the short audio cues operators rely on while their
// hands are busy packing. Playback is fire-and-forget.
package notify

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/logging"
)

// Cue names a sound file (without extension) in the sound directory.
type Cue string

const (
	CueStart     Cue = "1_start_record"
	CueEnd       Cue = "2_end_record"
	CueDuplicate Cue = "3_dupcode_continue"
	CueSelf      Cue = "3_dupcode_continue"
)

// Sink plays cues. Play must not block the caller.
type Sink interface {
	Play(cue Cue)
}

// Nop ignores every cue.
type Nop struct{}

// Play implements Sink.
func (Nop) Play(Cue) {}

// CommandSink runs an external player, e.g. "mpg123 -q" or "afplay", with the
// cue file appended as the last argument.
type CommandSink struct {
	dir     string
	command []string
	ext     string
	logger  *slog.Logger
	timeout time.Duration
}

// NewCommandSink returns a sink playing {dir}/{cue}.mp3 with command. It
// returns Nop when either is empty.
func NewCommandSink(dir, command string, logger *slog.Logger) Sink {
	fields := strings.Fields(command)
	if dir == "" || len(fields) == 0 {
		return Nop{}
	}
	return &CommandSink{
		dir:     dir,
		command: fields,
		ext:     ".mp3",
		logger:  logging.Component(logger, "notify"),
		timeout: 15 * time.Second,
	}
}

// Play implements Sink.
func (s *CommandSink) Play(cue Cue) {
	path := filepath.Join(s.dir, string(cue)+s.ext)
	if _, err := os.Stat(path); err != nil {
		s.logger.Warn("sound file not found", "path", path)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		args := append(append([]string{}, s.command[1:]...), path)
		if err := exec.CommandContext(ctx, s.command[0], args...).Run(); err != nil {
			s.logger.Warn("sound playback failed", "cue", cue, "err", err)
		}
	}()
	s.logger.Debug("playing sound", "cue", cue)
}

// Recorder remembers cues instead of playing them.
type Recorder struct {
	mu   sync.Mutex
	cues []Cue
}

// Play implements Sink.
func (r *Recorder) Play(cue Cue) {
	r.mu.Lock()
	r.cues = append(r.cues, cue)
	r.mu.Unlock()
}

// Cues returns the cues played so far.
func (r *Recorder) Cues() []Cue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Cue, len(r.cues))
	copy(out, r.cues)
	return out
}
