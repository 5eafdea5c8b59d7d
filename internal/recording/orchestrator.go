package recording

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/naming"
	"github.com/oszuidwest/zwfm-noisemeter/internal/transcode"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultSampleInterval       = 300 * time.Millisecond
	DefaultMaxDuration          = 60 * time.Second
	DefaultMaxSizeBytes         = 5 * 1024 * 1024
	DefaultPlaybackPollInterval = 500 * time.Millisecond
)

// captureExt is the container written by the capture device.
const captureExt = ".m4a"

// Options configures an Orchestrator.
type Options struct {
	RecordingsDir        string
	SampleInterval       time.Duration
	MaxDuration          time.Duration
	MaxSizeBytes         int64
	GateThreshold        int
	KeepOriginal         bool
	PlaybackPollInterval time.Duration
}

// Deps are the collaborators of an Orchestrator. Archive, Alerter and
// Events are optional.
type Deps struct {
	Capture    audio.CaptureDevice
	Player     audio.PlaybackDevice
	Transcoder transcode.Bridge
	Prober     Prober
	Store      Store
	Archive    Archive
	Alerter    Alerter
	Events     *eventlog.Logger
}

// Orchestrator drives capture sessions and keeps recording files and their
// rows consistent across stop, noise reduction, rename and delete.
type Orchestrator struct {
	opts Options

	capture    audio.CaptureDevice
	transcoder transcode.Bridge
	prober     Prober
	store      Store
	archive    Archive
	alerter    Alerter
	events     *eventlog.Logger

	playback *playback
	locks    *pathLocks

	ctx    context.Context
	cancel context.CancelFunc

	// Replaced in tests.
	now       func() time.Time
	newTicker func(time.Duration) (<-chan time.Time, func())
	newID     func() string

	mu        sync.RWMutex
	state     State
	cur       *session
	last      *Asset
	currentDB float64
	elapsed   time.Duration
	closed    bool
}

// New returns an idle Orchestrator.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Capture == nil || deps.Transcoder == nil || deps.Prober == nil || deps.Store == nil {
		return nil, fmt.Errorf("recording: capture, transcoder, prober and store are required")
	}
	if opts.RecordingsDir == "" {
		return nil, fmt.Errorf("recording: recordings directory is required")
	}
	// Rows are keyed by absolute path.
	dir, err := filepath.Abs(opts.RecordingsDir)
	if err != nil {
		return nil, util.WrapError("resolve recordings directory", err)
	}
	opts.RecordingsDir = dir
	if err := os.MkdirAll(opts.RecordingsDir, 0o755); err != nil {
		return nil, util.WrapError("create recordings directory", err)
	}

	opts.SampleInterval = cmp.Or(opts.SampleInterval, DefaultSampleInterval)
	opts.MaxDuration = cmp.Or(opts.MaxDuration, DefaultMaxDuration)
	opts.MaxSizeBytes = cmp.Or(opts.MaxSizeBytes, DefaultMaxSizeBytes)
	opts.GateThreshold = cmp.Or(opts.GateThreshold, audio.DefaultGateThreshold)
	opts.PlaybackPollInterval = cmp.Or(opts.PlaybackPollInterval, DefaultPlaybackPollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:       opts,
		capture:    deps.Capture,
		transcoder: deps.Transcoder,
		prober:     deps.Prober,
		store:      deps.Store,
		archive:    deps.Archive,
		alerter:    deps.Alerter,
		events:     deps.Events,
		locks:      newPathLocks(),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
		newTicker:  realTicker,
		newID:      uuid.NewString,
		state:      StateIdle,
	}
	o.playback = newPlayback(deps.Player, opts.PlaybackPollInterval)
	return o, nil
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Start begins a capture session at thresholdDB and returns its readings.
// It fails with ErrAlreadyRecording, changing nothing, while a session runs.
func (o *Orchestrator) Start(ctx context.Context, thresholdDB float64) (*Readings, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}
	if o.state == StateRecording {
		return nil, ErrAlreadyRecording
	}

	startedAt := o.now()
	outputPath, err := o.newOutputPath(startedAt)
	if err != nil {
		return nil, err
	}
	if err := o.capture.Start(ctx, outputPath); err != nil {
		return nil, util.WrapError("start capture", err)
	}

	if o.alerter != nil {
		o.alerter.Reset()
	}

	s := newSession(o.newID(), outputPath, thresholdDB, startedAt)
	readings := s.listen()
	ticks, stopTicker := o.newTicker(o.opts.SampleInterval)

	o.cur = s
	o.state = StateRecording
	o.currentDB = 0
	o.elapsed = 0
	go o.run(s, ticks, stopTicker)

	slog.Info("recording started", "session", s.id, "path", outputPath, "threshold_db", thresholdDB)
	o.events.LogSession(eventlog.SessionStarted, s.id, &eventlog.SessionDetails{
		Path:        outputPath,
		ThresholdDB: thresholdDB,
	})
	return readings, nil
}

// newOutputPath names the capture file after its start time.
func (o *Orchestrator) newOutputPath(t time.Time) (string, error) {
	name := "record_" + t.Format("20060102_150405")
	path, err := naming.ResolveRename(o.opts.RecordingsDir, name, captureExt)
	if err != nil {
		return "", util.WrapError("name recording", err)
	}
	return path, nil
}

// Listen attaches a new listener to the active session, replacing the
// previous one.
func (o *Orchestrator) Listen() (*Readings, error) {
	o.mu.RLock()
	s, state := o.cur, o.state
	o.mu.RUnlock()

	if s == nil || state != StateRecording {
		return nil, ErrNotRecording
	}
	return s.listen(), nil
}

// Stop finalizes the active session and returns its asset. It returns nil,
// nil when nothing is recording. Concurrent callers get the same asset.
func (o *Orchestrator) Stop(ctx context.Context) (*Asset, error) {
	o.mu.RLock()
	s, state := o.cur, o.state
	o.mu.RUnlock()

	if s == nil || state != StateRecording {
		return nil, nil
	}

	s.requestStop(reasonManual)
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.asset == nil {
		return nil, s.err
	}
	asset := *s.asset
	return &asset, s.err
}

// LastRecorded returns the asset written by the most recent stop.
func (o *Orchestrator) LastRecorded() *Asset {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return nil
	}
	asset := *o.last
	return &asset
}

// Snapshot returns the current session state.
func (o *Orchestrator) Snapshot() SessionSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := SessionSnapshot{
		State:        o.state,
		CurrentDB:    o.currentDB,
		Elapsed:      o.elapsed,
		MaxDuration:  o.opts.MaxDuration,
		MaxSizeBytes: o.opts.MaxSizeBytes,
	}
	if s := o.cur; s != nil {
		snap.ID = s.id
		snap.StartedAt = s.startedAt
		snap.OutputPath = s.outputPath
		snap.ThresholdDB = s.thresholdDB
	}
	return snap
}

// Recordings streams the stored recordings, newest first. The channel
// closes when ctx ends.
func (o *Orchestrator) Recordings(ctx context.Context) (<-chan []Asset, error) {
	records, err := o.store.Watch(ctx)
	if err != nil {
		return nil, util.WrapError("watch recordings", err)
	}

	out := make(chan []Asset, 1)
	go func() {
		defer close(out)
		for rs := range records {
			select {
			case out <- assetsFromRecords(rs):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// List returns the stored recordings, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]Asset, error) {
	records, err := o.store.List(ctx)
	if err != nil {
		return nil, util.WrapError("list recordings", err)
	}
	return assetsFromRecords(records), nil
}

// Lookup returns the stored recording at path. A file without a row is
// returned as an unsaved asset; a missing file gives ErrNotFound.
func (o *Orchestrator) Lookup(ctx context.Context, path string) (Asset, error) {
	if err := sourceExists(path); err != nil {
		return Asset{}, err
	}
	return o.currentRow(ctx, Asset{FilePath: path})
}

// RecordingsDir returns the directory recordings are written to.
func (o *Orchestrator) RecordingsDir() string {
	return o.opts.RecordingsDir
}

// Close finalizes any active session and releases the player.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	s := o.cur
	o.mu.Unlock()

	if s != nil {
		s.requestStop(reasonShutdown)
		<-s.done
	}
	o.cancel()
	return o.playback.close()
}
