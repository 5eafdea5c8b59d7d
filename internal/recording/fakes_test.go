package recording

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/store"
	"github.com/oszuidwest/zwfm-noisemeter/internal/wav"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type fakeCapture struct {
	mu         sync.Mutex
	content    []byte
	amplitudes []int
	next       int
	started    []string
	stops      int
	startErr   error
}

func (c *fakeCapture) Start(_ context.Context, outputPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = append(c.started, outputPath)
	return os.WriteFile(outputPath, c.content, 0o644)
}

func (c *fakeCapture) MaxAmplitude() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.amplitudes) {
		return 0
	}
	a := c.amplitudes[c.next]
	c.next++
	return a
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeCapture) stopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// fakeTranscoder calls decode, or fails with err when decode is nil.
type fakeTranscoder struct {
	decode func(input string) (string, error)
	err    error
	calls  int
}

func (f *fakeTranscoder) Decode(_ context.Context, input string) (string, error) {
	f.calls++
	if f.decode == nil {
		return "", f.err
	}
	return f.decode(input)
}

// decodeTo returns a decode func writing samples as a decoded_*.wav next to the input.
func decodeTo(samples []int16) func(string) (string, error) {
	return func(input string) (string, error) {
		f, err := os.CreateTemp(filepath.Dir(input), "decoded_*.wav")
		if err != nil {
			return "", err
		}
		f.Close()
		return f.Name(), wav.Write(f.Name(), wav.Mono16, samples)
	}
}

// decodeWithInfoChunk is decodeTo with the LIST/INFO chunk that FFmpeg
// writes between fmt and data unless told to be bitexact.
func decodeWithInfoChunk(samples []int16) func(string) (string, error) {
	plain := decodeTo(samples)
	return func(input string) (string, error) {
		path, err := plain(input)
		if err != nil {
			return path, err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return path, err
		}
		info := []byte("LIST\x1a\x00\x00\x00INFOISFT\x0e\x00\x00\x00Lavf60.16.100\x00")
		out := append(append(append([]byte(nil), raw[:36]...), info...), raw[36:]...)
		binary.LittleEndian.PutUint32(out[4:], binary.LittleEndian.Uint32(raw[4:])+uint32(len(info)))
		return path, os.WriteFile(path, out, 0o644)
	}
}

// fakeProber reads WAV headers and reports a fixed duration for anything else.
type fakeProber struct {
	other time.Duration
	err   error

	mu        sync.Mutex
	forgotten []string
}

func (p *fakeProber) Forget(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgotten = append(p.forgotten, path)
}

func (p *fakeProber) forgottenPaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.forgotten...)
}

func (p *fakeProber) Duration(_ context.Context, path string) (time.Duration, error) {
	if filepath.Ext(path) != ".wav" {
		return p.other, p.err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h, err := wav.ReadHeader(f)
	if err != nil {
		return 0, err
	}
	return h.Duration(), nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []float64
	resets int
}

func (a *fakeAlerter) NoiseDetected(levelDB, _ float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, levelDB)
}

func (a *fakeAlerter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets++
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type fakeArchive struct {
	mu    sync.Mutex
	paths []string
}

func (a *fakeArchive) Enqueue(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = append(a.paths, path)
}

type fakePlayer struct {
	mu       sync.Mutex
	loaded   string
	playing  bool
	finished bool
	position time.Duration
	duration time.Duration
	releases int
}

func (p *fakePlayer) Load(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded, p.finished, p.position = path, false, 0
	return nil
}

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded == "" {
		return audio.ErrNotLoaded
	}
	p.playing = true
	return nil
}

func (p *fakePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	return nil
}

func (p *fakePlayer) Position() (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded == "" {
		return 0, audio.ErrNotLoaded
	}
	return p.position, nil
}

func (p *fakePlayer) Duration() (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded == "" {
		return 0, audio.ErrNotLoaded
	}
	return p.duration, nil
}

func (p *fakePlayer) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

func (p *fakePlayer) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded, p.playing = "", false
	p.releases++
	return nil
}

func (p *fakePlayer) set(fn func(p *fakePlayer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

type harness struct {
	o          *Orchestrator
	dir        string
	store      *store.Store
	clock      *fakeClock
	ticks      chan time.Time
	capture    *fakeCapture
	transcoder *fakeTranscoder
	prober     *fakeProber
	alerter    *fakeAlerter
	archive    *fakeArchive
	player     *fakePlayer
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "recordings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		dir:        dir,
		store:      st,
		clock:      &fakeClock{t: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)},
		ticks:      make(chan time.Time),
		capture:    &fakeCapture{content: []byte("m4a-bytes")},
		transcoder: &fakeTranscoder{err: errors.New("transcoder not set")},
		prober:     &fakeProber{other: 1500 * time.Millisecond},
		alerter:    &fakeAlerter{},
		archive:    &fakeArchive{},
		player:     &fakePlayer{},
	}

	opts.RecordingsDir = dir
	o, err := New(opts, Deps{
		Capture:    h.capture,
		Player:     h.player,
		Transcoder: h.transcoder,
		Prober:     h.prober,
		Store:      st,
		Archive:    h.archive,
		Alerter:    h.alerter,
	})
	require.NoError(t, err)
	o.now = h.clock.Now
	o.newTicker = func(time.Duration) (<-chan time.Time, func()) { return h.ticks, func() {} }
	t.Cleanup(func() { o.Close() })

	h.o = o
	return h
}

// tick advances the clock by d and delivers one tick to the sampling loop.
func (h *harness) tick(t *testing.T, d time.Duration) {
	t.Helper()
	now := h.clock.Advance(d)
	select {
	case h.ticks <- now:
	case <-time.After(2 * time.Second):
		t.Fatal("sampling loop did not take the tick")
	}
}

// seed writes a file in the recordings directory and stores a row for it.
func (h *harness) seed(t *testing.T, name string, content []byte, durationMs int64) Asset {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	rec, err := h.store.Upsert(context.Background(), store.Record{
		FilePath:       path,
		Timestamp:      h.clock.Now(),
		DurationMillis: durationMs,
		IsNoisy:        true,
	})
	require.NoError(t, err)
	return assetFromRecord(rec)
}

func (h *harness) rows(t *testing.T) []store.Record {
	t.Helper()
	records, err := h.store.List(context.Background())
	require.NoError(t, err)
	return records
}

// drain collects readings until the channel closes.
func drain(readings *Readings) <-chan []Reading {
	out := make(chan []Reading, 1)
	go func() {
		var all []Reading
		for r := range readings.C {
			all = append(all, r)
		}
		out <- all
	}()
	return out
}
