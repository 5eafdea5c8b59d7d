package server

// Request bodies for the HTTP API, validated with go-playground/validator
// struct tags.

// --- Recording session ---

// StartRequest is the request body for POST /api/recording/start.
// A missing threshold uses the configured default.
type StartRequest struct {
	ThresholdDB *float64 `json:"threshold_db" validate:"omitempty,gte=0,lte=100"`
}

// --- Recordings ---

// PathRequest identifies a recording by its file path.
type PathRequest struct {
	Path string `json:"path" validate:"required,max=4096"`
}

// ReduceRequest is the request body for POST /api/recordings/reduce.
type ReduceRequest struct {
	Path          string `json:"path" validate:"required,max=4096"`
	GateThreshold *int   `json:"gate_threshold" validate:"omitempty,gte=0,lte=32767"`
}

// RenameRequest is the request body for POST /api/recordings/rename.
type RenameRequest struct {
	Path string `json:"path" validate:"required,max=4096"`
	Name string `json:"name" validate:"required,max=200,excludesall=/\\"`
}

// --- Playback ---

// PlaybackRequest is the request body for POST /api/playback.
type PlaybackRequest struct {
	Path string `json:"path" validate:"required,max=4096"`
	Play bool   `json:"play"`
}

// --- Settings ---

// SettingsRequest is the request body for POST /api/settings.
type SettingsRequest struct {
	ThresholdDB   *float64 `json:"threshold_db" validate:"omitempty,gte=0,lte=100"`
	GateThreshold *int     `json:"gate_threshold" validate:"omitempty,gte=0,lte=32767"`
	WebhookURL    *string  `json:"webhook_url" validate:"omitempty,max=2048"`
}
