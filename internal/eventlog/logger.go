// Package eventlog records recording lifecycle events (sessions, noise
// warnings, reductions, renames, deletes, archive uploads) in a JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Session event types.
const (
	SessionStarted EventType = "session_started"
	SessionStopped EventType = "session_stopped"
	NoiseWarning   EventType = "noise_warning"
)

// Asset event types.
const (
	NoiseReduced      EventType = "noise_reduced"
	ReductionFallback EventType = "reduction_fallback"
	AssetRenamed      EventType = "asset_renamed"
	AssetDeleted      EventType = "asset_deleted"
	AssetReconciled   EventType = "asset_reconciled"
)

// Archive event types.
const (
	ArchiveUploaded  EventType = "archive_uploaded"
	ArchiveFailed    EventType = "archive_failed"
	CleanupCompleted EventType = "cleanup_completed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// SessionDetails contains capture session details.
type SessionDetails struct {
	Path        string  `json:"path,omitempty"`
	ThresholdDB float64 `json:"threshold_db,omitempty"`
	LevelDB     float64 `json:"level_db,omitempty"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// AssetDetails contains details of a change to a stored recording.
type AssetDetails struct {
	ID            int64  `json:"id,omitempty"`
	Path          string `json:"path,omitempty"`
	PreviousPath  string `json:"previous_path,omitempty"`
	Zeroed        int    `json:"zeroed,omitempty"`
	GateThreshold int    `json:"gate_threshold,omitempty"`
	FileDeleted   bool   `json:"file_deleted,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ArchiveDetails contains upload and cleanup details.
type ArchiveDetails struct {
	Path         string `json:"path,omitempty"`
	S3Key        string `json:"s3_key,omitempty"`
	Error        string `json:"error,omitempty"`
	FilesDeleted int    `json:"files_deleted,omitempty"`
}

// Logger writes events to a JSON lines file. A nil *Logger discards events.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// record logs an event and reports write failures through slog.
func (l *Logger) record(event *Event) {
	if err := l.Log(event); err != nil {
		slog.Warn("failed to write event log", "type", event.Type, "error", err)
	}
}

// LogSession logs a session event.
func (l *Logger) LogSession(eventType EventType, sessionID string, details *SessionDetails) {
	l.record(&Event{Type: eventType, SessionID: sessionID, Details: details})
}

// LogAsset logs a change to a stored recording.
func (l *Logger) LogAsset(eventType EventType, message string, details *AssetDetails) {
	l.record(&Event{Type: eventType, Message: message, Details: details})
}

// LogArchive logs an archive upload or cleanup event.
func (l *Logger) LogArchive(eventType EventType, details *ArchiveDetails) {
	l.record(&Event{Type: eventType, Details: details})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll     TypeFilter = ""
	FilterSession TypeFilter = "session"
	FilterAsset   TypeFilter = "asset"
	FilterArchive TypeFilter = "archive"
)

var categories = map[EventType]TypeFilter{
	SessionStarted:    FilterSession,
	SessionStopped:    FilterSession,
	NoiseWarning:      FilterSession,
	NoiseReduced:      FilterAsset,
	ReductionFallback: FilterAsset,
	AssetRenamed:      FilterAsset,
	AssetDeleted:      FilterAsset,
	AssetReconciled:   FilterAsset,
	ArchiveUploaded:   FilterArchive,
	ArchiveFailed:     FilterArchive,
	CleanupCompleted:  FilterArchive,
}

// Matches reports whether an event type passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	return f == FilterAll || categories[t] == f
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast returns up to n events, newest first, after skipping offset
// matching events. The bool reports whether older matching events exist.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}
