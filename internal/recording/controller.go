package recording

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/store"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// readingBuffer is the number of readings a slow listener may fall behind
// before the oldest pending reading is dropped.
const readingBuffer = 64

// Stop reasons recorded in the event log.
const (
	reasonManual   = "manual"
	reasonDuration = "max_duration"
	reasonSize     = "max_size"
	reasonShutdown = "shutdown"
)

// session is one capture run. Fields below mu are touched by the
// sampling loop and by listeners; the rest is fixed at start.
type session struct {
	id          string
	outputPath  string
	thresholdDB float64
	startedAt   time.Time

	stop     chan string
	stopOnce sync.Once
	done     chan struct{}

	// Set by the loop before done is closed.
	asset *Asset
	err   error

	mu       sync.Mutex
	listener chan Reading
	finished bool
}

func newSession(id, outputPath string, thresholdDB float64, startedAt time.Time) *session {
	return &session{
		id:          id,
		outputPath:  outputPath,
		thresholdDB: thresholdDB,
		startedAt:   startedAt,
		stop:        make(chan string, 1),
		done:        make(chan struct{}),
	}
}

// requestStop asks the loop to finalize. Only the first reason counts.
func (s *session) requestStop(reason string) {
	s.stopOnce.Do(func() { s.stop <- reason })
}

// listen replaces the current listener with a new one.
func (s *session) listen() *Readings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		close(s.listener)
		s.listener = nil
	}
	ch := make(chan Reading, readingBuffer)
	if s.finished {
		close(ch)
		return &Readings{C: ch, sessionID: s.id, cancel: func() {}}
	}
	s.listener = ch
	return &Readings{C: ch, sessionID: s.id, cancel: func() { s.detach(ch) }}
}

func (s *session) detach(ch chan Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == ch {
		close(ch)
		s.listener = nil
	}
}

// emit delivers r without blocking, dropping the oldest pending reading
// when the listener is full.
func (s *session) emit(r Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.listener
	if ch == nil {
		return
	}
	select {
	case ch <- r:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- r:
	default:
	}
}

func (s *session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	if s.listener != nil {
		close(s.listener)
		s.listener = nil
	}
}

// run is the sampling loop. It owns the session until done is closed.
func (o *Orchestrator) run(s *session, ticks <-chan time.Time, stopTicker func()) {
	defer close(s.done)
	defer s.finish()

	var seq uint64
	warned := false
	reason := reasonShutdown

loop:
	for {
		select {
		case reason = <-s.stop:
			break loop
		case <-o.ctx.Done():
			break loop
		case <-ticks:
			seq++
			now := o.now()
			amp := o.capture.MaxAmplitude()
			db := audio.PeakToDB(amp)
			r := Reading{
				Seq:            seq,
				At:             now,
				Elapsed:        now.Sub(s.startedAt),
				Amplitude:      amp,
				DB:             db,
				AboveThreshold: amp > 0 && db >= s.thresholdDB,
			}

			o.mu.Lock()
			o.currentDB = db
			o.elapsed = r.Elapsed
			o.mu.Unlock()

			s.emit(r)

			if r.AboveThreshold && !warned {
				warned = true
				o.noiseWarning(s, db)
			}

			if r.Elapsed >= o.opts.MaxDuration {
				reason = reasonDuration
				break loop
			}
			if o.opts.MaxSizeBytes > 0 {
				if info, err := os.Stat(s.outputPath); err == nil && info.Size() >= o.opts.MaxSizeBytes {
					reason = reasonSize
					break loop
				}
			}
		}
	}

	stopTicker()
	s.asset, s.err = o.finalize(s, reason)
}

func (o *Orchestrator) noiseWarning(s *session, db float64) {
	slog.Warn("noise above threshold", "session", s.id, "level_db", db, "threshold_db", s.thresholdDB)
	o.events.LogSession(eventlog.NoiseWarning, s.id, &eventlog.SessionDetails{
		Path:        s.outputPath,
		ThresholdDB: s.thresholdDB,
		LevelDB:     db,
	})
	if o.alerter != nil {
		o.alerter.NoiseDetected(db, s.thresholdDB)
	}
}

// finalize stops the device, measures the file and writes its row once.
func (o *Orchestrator) finalize(s *session, reason string) (*Asset, error) {
	ctx := context.WithoutCancel(o.ctx)

	if err := o.capture.Stop(); err != nil {
		slog.Warn("capture stop failed", "session", s.id, "error", err)
	}
	elapsed := o.now().Sub(s.startedAt)

	defer func() {
		o.mu.Lock()
		o.state = StateStopped
		o.currentDB = 0
		o.elapsed = elapsed
		o.mu.Unlock()
	}()

	if _, err := os.Stat(s.outputPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = ErrNotFound
		}
		slog.Error("recording file missing after stop", "session", s.id, "path", s.outputPath, "error", err)
		return nil, util.WrapError("finalize recording", err)
	}

	duration, err := o.prober.Duration(ctx, s.outputPath)
	if err != nil {
		slog.Warn("failed to probe recording duration", "path", s.outputPath, "error", err)
		duration = 0
	}

	rec, err := o.store.Upsert(ctx, store.Record{
		FilePath:       s.outputPath,
		Timestamp:      s.startedAt,
		DurationMillis: duration.Milliseconds(),
		IsNoisy:        false,
	})
	if err != nil {
		slog.Error("failed to save recording", "path", s.outputPath, "error", err)
		return nil, util.WrapError("save recording", err)
	}

	asset := assetFromRecord(rec)
	o.mu.Lock()
	o.last = &asset
	o.mu.Unlock()

	slog.Info("recording stopped", "session", s.id, "path", asset.FilePath,
		"duration", util.FormatClock(asset.Duration()), "reason", reason)
	o.events.LogSession(eventlog.SessionStopped, s.id, &eventlog.SessionDetails{
		Path:       asset.FilePath,
		DurationMs: asset.DurationMillis,
		Reason:     reason,
	})
	if o.archive != nil {
		o.archive.Enqueue(asset.FilePath)
	}

	return &asset, nil
}
