package audio

import (
	"context"
	"errors"
	"time"
)

// Device represents an available audio input device.
type Device struct {
	// ID is the device identifier.
	ID string `json:"id"`
	// Name is the device display name.
	Name string `json:"name"`
}

// ErrNotLoaded is returned by a PlaybackDevice queried before Load.
var ErrNotLoaded = errors.New("no media loaded")

// CaptureDevice records from an input device into a compressed file and
// exposes the peak amplitude seen since the previous read.
type CaptureDevice interface {
	// Start begins writing to outputPath. It returns once capture is running.
	Start(ctx context.Context, outputPath string) error
	// MaxAmplitude returns the largest absolute 16-bit sample value seen
	// since the previous call, in 0..32767, and resets the peak.
	MaxAmplitude() int
	// Stop ends the capture and finalizes the output file.
	Stop() error
}

// PlaybackDevice plays one loaded media file at a time.
type PlaybackDevice interface {
	Load(path string) error
	Play() error
	Pause() error
	// Position returns the playback position of the loaded media.
	Position() (time.Duration, error)
	// Duration returns the length of the loaded media.
	Duration() (time.Duration, error)
	// Finished reports whether the loaded media played to its end.
	Finished() bool
	// Release stops playback and unloads the media.
	Release() error
}
