// Package recording runs capture sessions and manages the recordings they produce.
package recording

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/store"
)

// Sentinel errors for recording operations.
var (
	// ErrAlreadyRecording is returned when starting while a session is recording.
	ErrAlreadyRecording = errors.New("already recording")

	// ErrNotRecording is returned when listening without an active session.
	ErrNotRecording = errors.New("not recording")

	// ErrNotFound is returned when a recording file or its row is missing.
	ErrNotFound = errors.New("recording not found")

	// ErrProcessingFailure is returned when a processed recording has no duration.
	ErrProcessingFailure = errors.New("processed recording has zero duration")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// State is the state of the capture session machine.
type State string

const (
	// StateIdle indicates no session has run yet.
	StateIdle State = "idle"
	// StateRecording indicates a capture session is active.
	StateRecording State = "recording"
	// StateStopped indicates the last session has been finalized.
	StateStopped State = "stopped"
)

// Asset is a stored recording.
type Asset struct {
	ID             int64     `json:"id"`
	FilePath       string    `json:"file_path"`
	DurationMillis int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
	IsNoisy        bool      `json:"is_noisy"`
}

// Name returns the file name of the asset.
func (a Asset) Name() string {
	return filepath.Base(a.FilePath)
}

// Duration returns the stored duration.
func (a Asset) Duration() time.Duration {
	return time.Duration(a.DurationMillis) * time.Millisecond
}

// Reading is one sampling tick of a capture session.
type Reading struct {
	Seq            uint64        `json:"seq"`
	At             time.Time     `json:"at"`
	Elapsed        time.Duration `json:"elapsed"`
	Amplitude      int           `json:"amplitude"`
	DB             float64       `json:"db"`
	AboveThreshold bool          `json:"above_threshold"`
}

// SessionSnapshot is an immutable view of the current session.
type SessionSnapshot struct {
	ID           string        `json:"id,omitempty"`
	State        State         `json:"state"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	OutputPath   string        `json:"output_path,omitempty"`
	CurrentDB    float64       `json:"current_db"`
	ThresholdDB  float64       `json:"threshold_db"`
	Elapsed      time.Duration `json:"elapsed"`
	MaxDuration  time.Duration `json:"max_duration"`
	MaxSizeBytes int64         `json:"max_size_bytes"`
}

// PlaybackStatus is published by the playback poller.
type PlaybackStatus struct {
	Path     string        `json:"path"`
	Position time.Duration `json:"position"`
	Duration time.Duration `json:"duration"`
	Playing  bool          `json:"playing"`
}

// Readings is the live sequence of readings of one session, consumed by a
// single listener. The channel closes when the session ends, when Cancel
// is called, or when another listener takes over.
type Readings struct {
	C <-chan Reading

	sessionID string
	cancel    func()
	once      sync.Once
}

// SessionID returns the id of the session the readings belong to.
func (r *Readings) SessionID() string {
	return r.sessionID
}

// Cancel detaches the listener. The session keeps recording.
func (r *Readings) Cancel() {
	r.once.Do(r.cancel)
}

// Store is the metadata table used by the orchestrator.
type Store interface {
	Upsert(ctx context.Context, r store.Record) (store.Record, error)
	ByPath(ctx context.Context, path string) (*store.Record, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]store.Record, error)
	Watch(ctx context.Context) (<-chan []store.Record, error)
}

// Prober measures the duration of an audio file.
type Prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Alerter is told about the first noise warning of a session.
type Alerter interface {
	NoiseDetected(levelDB, thresholdDB float64)
	Reset()
}

// Archive receives finalized recordings for off-site copies.
type Archive interface {
	Enqueue(path string)
}
