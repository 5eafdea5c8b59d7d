package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// PlayerOptions configures an FFplayPlayer.
type PlayerOptions struct {
	FFplayPath string
	// Probe returns the duration of a media file.
	Probe func(path string) (time.Duration, error)
}

// FFplayPlayer plays media through a headless ffplay process. Pausing
// ends the process and remembers the position; resuming seeks back to it.
type FFplayPlayer struct {
	opts PlayerOptions
	now  func() time.Time

	mu        sync.Mutex
	path      string
	duration  time.Duration
	offset    time.Duration
	startedAt time.Time
	cmd       *exec.Cmd
	finished  bool
}

// NewFFplayPlayer returns a player using opts.
func NewFFplayPlayer(opts PlayerOptions) *FFplayPlayer {
	return &FFplayPlayer{opts: opts, now: time.Now}
}

// Load releases any current media and loads path.
func (p *FFplayPlayer) Load(path string) error {
	if err := p.Release(); err != nil {
		slog.Debug("release before load failed", "error", err)
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}

	var duration time.Duration
	if p.opts.Probe != nil {
		d, err := p.opts.Probe(path)
		if err != nil {
			slog.Warn("could not probe playback duration", "path", path, "error", err)
		}
		duration = d
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.path = path
	p.duration = duration
	p.offset = 0
	p.finished = false
	return nil
}

// Play starts or resumes playback.
func (p *FFplayPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.path == "" {
		return ErrNotLoaded
	}
	if p.cmd != nil {
		return nil
	}
	if p.finished {
		p.offset = 0
		p.finished = false
	}

	args := []string{
		"-nodisp", "-autoexit",
		"-hide_banner", "-loglevel", "error",
		"-ss", strconv.FormatFloat(p.offset.Seconds(), 'f', 3, 64),
		p.path,
	}
	cmd := exec.Command(p.opts.FFplayPath, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	p.cmd = cmd
	p.startedAt = p.now()

	go p.wait(cmd)
	return nil
}

// wait marks the media finished when ffplay exits on its own.
func (p *FFplayPlayer) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != cmd {
		return
	}
	if err != nil {
		slog.Warn("playback ended with error", "path", p.path, "error", err)
	}
	p.cmd = nil
	p.finished = true
	p.offset = p.duration
}

// Pause stops the ffplay process and keeps the position.
func (p *FFplayPlayer) Pause() error {
	p.mu.Lock()
	cmd := p.cmd
	if cmd == nil {
		p.mu.Unlock()
		return nil
	}
	p.offset = p.positionLocked()
	p.cmd = nil
	p.mu.Unlock()

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop ffplay: %w", err)
	}
	return nil
}

// Position returns the current position.
func (p *FFplayPlayer) Position() (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.path == "" {
		return 0, ErrNotLoaded
	}
	return p.positionLocked(), nil
}

func (p *FFplayPlayer) positionLocked() time.Duration {
	pos := p.offset
	if p.cmd != nil {
		pos += p.now().Sub(p.startedAt)
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos
}

// Duration returns the probed length of the loaded media.
func (p *FFplayPlayer) Duration() (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.path == "" {
		return 0, ErrNotLoaded
	}
	if p.duration <= 0 {
		return 0, fmt.Errorf("duration of %s is unknown", p.path)
	}
	return p.duration, nil
}

// Finished reports whether playback reached the end of the media.
func (p *FFplayPlayer) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// Release stops playback and unloads the media.
func (p *FFplayPlayer) Release() error {
	err := p.Pause()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.path = ""
	p.duration = 0
	p.offset = 0
	p.finished = false
	return err
}
