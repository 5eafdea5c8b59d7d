package recording

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// ErrNoPlayer is returned by Play when no playback device is configured.
var ErrNoPlayer = errors.New("playback not available")

// playback tracks the loaded media and its position poller.
type playback struct {
	device   audio.PlaybackDevice
	interval time.Duration
	status   *util.Broadcaster[PlaybackStatus]

	mu         sync.Mutex
	loaded     string
	stopPoll   context.CancelFunc
	pollerDone chan struct{}
}

func newPlayback(device audio.PlaybackDevice, interval time.Duration) *playback {
	return &playback{
		device:   device,
		interval: interval,
		status:   util.NewBroadcaster[PlaybackStatus](),
	}
}

// Play starts or pauses playback of asset. Playing the loaded asset again
// resumes it unless it already played to the end; any other asset replaces
// the loaded one.
func (o *Orchestrator) Play(ctx context.Context, asset Asset, play bool) error {
	p := o.playback
	if p.device == nil {
		return ErrNoPlayer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !play {
		p.stopPollerLocked()
		if p.loaded == "" {
			return nil
		}
		if err := p.device.Pause(); err != nil {
			return util.WrapError("pause playback", err)
		}
		p.publish(asset, false)
		return nil
	}

	if err := sourceExists(asset.FilePath); err != nil {
		return err
	}

	p.stopPollerLocked()
	if p.loaded != asset.FilePath || p.device.Finished() {
		p.releaseLocked()
		if err := p.device.Load(asset.FilePath); err != nil {
			return util.WrapError("load playback", err)
		}
		p.loaded = asset.FilePath
	}
	if err := p.device.Play(); err != nil {
		return util.WrapError("start playback", err)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	p.stopPoll = cancel
	p.pollerDone = done
	ticks, stopTicker := o.newTicker(p.interval)
	go p.poll(pollCtx, asset, ticks, stopTicker, done)

	slog.Debug("playback started", "path", asset.FilePath)
	return nil
}

// Position returns the playback position of asset, or 0 when it is not
// the loaded media or the device cannot report it.
func (o *Orchestrator) Position(asset Asset) time.Duration {
	p := o.playback
	if p.device == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded != asset.FilePath {
		return 0
	}
	return p.position()
}

// Duration returns the length of asset, preferring the loaded media and
// falling back to the stored duration and then a probe.
func (o *Orchestrator) Duration(asset Asset) time.Duration {
	p := o.playback
	if p.device != nil {
		p.mu.Lock()
		loaded := p.loaded == asset.FilePath
		var d time.Duration
		if loaded {
			d = p.duration(asset)
		}
		p.mu.Unlock()
		if d > 0 {
			return d
		}
	}
	if d := asset.Duration(); d > 0 {
		return d
	}
	d, err := o.prober.Duration(o.ctx, asset.FilePath)
	if err != nil {
		slog.Debug("failed to probe duration", "path", asset.FilePath, "error", err)
		return 0
	}
	return d
}

// PlaybackUpdates subscribes to playback status updates.
func (o *Orchestrator) PlaybackUpdates() (<-chan PlaybackStatus, func()) {
	return o.playback.status.Subscribe()
}

func (p *playback) poll(ctx context.Context, asset Asset, ticks <-chan time.Time, stopTicker func(), done chan<- struct{}) {
	defer close(done)
	defer stopTicker()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			finished := p.device.Finished()
			p.status.Publish(PlaybackStatus{
				Path:     asset.FilePath,
				Position: p.position(),
				Duration: p.duration(asset),
				Playing:  !finished,
			})
			if finished {
				slog.Debug("playback finished", "path", asset.FilePath)
				return
			}
		}
	}
}

func (p *playback) publish(asset Asset, playing bool) {
	p.status.Publish(PlaybackStatus{
		Path:     asset.FilePath,
		Position: p.position(),
		Duration: p.duration(asset),
		Playing:  playing,
	})
}

func (p *playback) position() time.Duration {
	pos, err := p.device.Position()
	if err != nil {
		slog.Debug("failed to read playback position", "error", err)
		return 0
	}
	return pos
}

func (p *playback) duration(asset Asset) time.Duration {
	d, err := p.device.Duration()
	if err != nil || d <= 0 {
		return asset.Duration()
	}
	return d
}

// stopPollerLocked cancels the poller. Cancelling an idle poller is a no-op.
func (p *playback) stopPollerLocked() {
	if p.stopPoll == nil {
		return
	}
	p.stopPoll()
	<-p.pollerDone
	p.stopPoll = nil
	p.pollerDone = nil
}

func (p *playback) releaseLocked() {
	if p.loaded == "" {
		return
	}
	if err := p.device.Release(); err != nil {
		slog.Warn("failed to release playback", "path", p.loaded, "error", err)
	}
	p.loaded = ""
}

// forget unloads path if it is the loaded media.
func (p *playback) forget(path string) {
	if p.device == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded != path {
		return
	}
	p.stopPollerLocked()
	p.releaseLocked()
}

func (p *playback) close() error {
	if p.device != nil {
		p.mu.Lock()
		p.stopPollerLocked()
		p.releaseLocked()
		p.mu.Unlock()
	}
	p.status.Close()
	return nil
}
