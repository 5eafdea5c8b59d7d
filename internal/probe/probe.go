// Package probe measures the playing time of recordings. WAV headers and
// MP3 frames are read directly; everything else goes through ffprobe.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tcolgate/mp3"

	"github.com/oszuidwest/zwfm-noisemeter/internal/ffmpeg"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
	"github.com/oszuidwest/zwfm-noisemeter/internal/wav"
)

// DefaultCacheSize is the number of durations kept in memory.
const DefaultCacheSize = 512

// ErrUnknownFormat is returned when a file is neither WAV nor MP3 and no
// ffprobe is configured.
var ErrUnknownFormat = errors.New("unknown audio format")

// cacheKey changes whenever the file is rewritten.
type cacheKey struct {
	path    string
	size    int64
	modTime int64
}

// Prober returns durations, caching results per file version.
type Prober struct {
	ffprobePath string
	cache       *lru.Cache[cacheKey, time.Duration]
}

// New returns a Prober. ffprobePath may be empty.
func New(ffprobePath string, cacheSize int) (*Prober, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, time.Duration](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create duration cache: %w", err)
	}
	return &Prober{ffprobePath: ffprobePath, cache: cache}, nil
}

// Duration returns the playing time of the file at path.
func (p *Prober) Duration(ctx context.Context, path string) (time.Duration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	key := cacheKey{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if d, ok := p.cache.Get(key); ok {
		return d, nil
	}

	d, err := p.measure(ctx, path)
	if err != nil {
		return 0, err
	}
	p.cache.Add(key, d)
	return d, nil
}

// Forget drops cached durations for path.
func (p *Prober) Forget(path string) {
	for _, key := range p.cache.Keys() {
		if key.path == path {
			p.cache.Remove(key)
		}
	}
}

func (p *Prober) measure(ctx context.Context, path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	magic := make([]byte, 12)
	n, _ := io.ReadFull(f, magic)
	if n == len(magic) && bytes.Equal(magic[0:4], []byte("RIFF")) && bytes.Equal(magic[8:12], []byte("WAVE")) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		h, err := wav.ReadHeader(f)
		if err != nil {
			return 0, err
		}
		return h.Duration(), nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	_, fileType, err := tag.Identify(f)
	if err == nil && (fileType == tag.MP3 || strings.EqualFold(filepath.Ext(path), ".mp3")) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		return mp3Duration(f)
	}

	if p.ffprobePath == "" {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	return p.ffprobe(ctx, path)
}

func mp3Duration(r io.Reader) (time.Duration, error) {
	decoder := mp3.NewDecoder(r)
	var frame mp3.Frame
	var skipped int
	var total time.Duration

	for {
		if err := decoder.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
		total += frame.Duration()
	}
	return total, nil
}

func (p *Prober) ffprobe(ctx context.Context, path string) (time.Duration, error) {
	res, err := ffmpeg.Run(ctx, p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("ffprobe %s: %s", path, util.ExtractLastError(res.Stderr))
	}
	return parseSeconds(res.Stdout)
}

// parseSeconds parses ffprobe's "12.345000" output.
func parseSeconds(out string) (time.Duration, error) {
	s := strings.TrimSpace(out)
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if seconds < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
