package types

import "time"

// AudioDevice is an input device as listed to clients.
type AudioDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AssetResponse describes one stored recording.
type AssetResponse struct {
	ID         int64     `json:"id"`
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	DurationMs int64     `json:"duration_ms"`
	Duration   string    `json:"duration"` // Clock format, e.g. "01:05"
	CreatedAt  time.Time `json:"created_at"`
	IsNoisy    bool      `json:"is_noisy"`
}

// SessionResponse describes the capture session state.
type SessionResponse struct {
	ID            string    `json:"id,omitempty"`
	State         string    `json:"state"` // "idle", "recording" or "stopped"
	StartedAt     time.Time `json:"started_at,omitzero"`
	OutputPath    string    `json:"output_path,omitempty"`
	CurrentDB     float64   `json:"current_db"`
	ThresholdDB   float64   `json:"threshold_db"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	Elapsed       string    `json:"elapsed"` // e.g. "2m 34s"
	MaxDurationMs int64     `json:"max_duration_ms"`
	MaxSizeBytes  int64     `json:"max_size_bytes"`
}

// StatusResponse is returned by GET /api/recording/status.
type StatusResponse struct {
	Session         SessionResponse `json:"session"`
	Last            *AssetResponse  `json:"last,omitempty"`
	FFmpegAvailable bool            `json:"ffmpeg_available"`
	Devices         []AudioDevice   `json:"devices"`
	Platform        string          `json:"platform"`
	Version         VersionInfo     `json:"version"`
}

// PlaybackResponse describes the position of a loaded recording.
type PlaybackResponse struct {
	Path       string `json:"path"`
	PositionMs int64  `json:"position_ms"`
	DurationMs int64  `json:"duration_ms"`
	Position   string `json:"position"` // Clock format
	Duration   string `json:"duration"` // Clock format
	Playing    bool   `json:"playing"`
}

// WSLevelsMessage carries one live reading ("levels").
type WSLevelsMessage struct {
	Type           string  `json:"type"`
	SessionID      string  `json:"session_id"`
	Seq            uint64  `json:"seq"`
	DB             float64 `json:"db"`
	Amplitude      int     `json:"amplitude"`
	AboveThreshold bool    `json:"above_threshold"`
	ElapsedMs      int64   `json:"elapsed_ms"`
}

// WSRecordingsMessage carries the full recordings list ("recordings").
type WSRecordingsMessage struct {
	Type       string          `json:"type"`
	Recordings []AssetResponse `json:"recordings"`
}

// WSPlaybackMessage carries a playback position update ("playback").
type WSPlaybackMessage struct {
	Type     string           `json:"type"`
	Playback PlaybackResponse `json:"playback"`
}

// WSSessionMessage carries a session state change ("session").
type WSSessionMessage struct {
	Type    string          `json:"type"`
	Session SessionResponse `json:"session"`
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
