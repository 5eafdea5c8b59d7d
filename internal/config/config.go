// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort               = 8080
	DefaultRecordingsDir         = "recordings"
	DefaultDatabaseFile          = "noisemeter.sqlite"
	DefaultSampleIntervalMs      = 300
	DefaultMaxDurationMs         = 60000
	DefaultMaxSizeBytes          = 5 * 1024 * 1024
	DefaultThresholdDB           = 60.0
	DefaultGateThreshold         = 30
	DefaultTranscodeTimeoutSec   = 120
	DefaultPlaybackPollMs        = 500
	DefaultAudioBitrate          = "128k"
	DefaultLogLevel              = "info"
	DefaultLogMaxSizeMB          = 10
	DefaultLogMaxBackups         = 5
	DefaultLogMaxAgeDays         = 28
	DefaultTempFileMaxAgeMinutes = 60
)

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	// Tool paths; empty means look up in PATH.
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`
	FFplayPath  string `json:"ffplay_path"`

	Port int `json:"port" validate:"min=1,max=65535"`
	// APIKey is required as X-API-Key on /api routes when set.
	APIKey string `json:"api_key" validate:"omitempty,min=16"`
	// AllowedOrigins are extra WebSocket origins besides same-host.
	AllowedOrigins []string `json:"allowed_origins" validate:"omitempty,dive,required"`
}

// AudioConfig holds audio input device settings.
type AudioConfig struct {
	Input   string `json:"input"`   // Audio input device identifier
	Bitrate string `json:"bitrate"` // AAC bitrate of captured files
}

// StorageConfig holds where recordings and their metadata live.
type StorageConfig struct {
	RecordingsDir string `json:"recordings_dir" validate:"required"`
	DatabasePath  string `json:"database_path" validate:"required"`
	// TempFileMaxAgeMinutes is the age after which leftover decode files are removed.
	TempFileMaxAgeMinutes int `json:"temp_file_max_age_minutes" validate:"min=0"`
}

// RecordingConfig holds capture session settings.
type RecordingConfig struct {
	SampleIntervalMs int64 `json:"sample_interval_ms" validate:"min=50,max=5000"`
	MaxDurationMs    int64 `json:"max_duration_ms" validate:"min=1000"`
	MaxSizeBytes     int64 `json:"max_size_bytes" validate:"min=1024"`
	// ThresholdDB is the default noise warning level for new sessions.
	ThresholdDB float64 `json:"threshold_db" validate:"min=0,max=100"`
}

// NoiseReductionConfig holds amplitude gate settings.
type NoiseReductionConfig struct {
	GateThreshold       int `json:"gate_threshold" validate:"min=0,max=32767"`
	TranscodeTimeoutSec int `json:"transcode_timeout_sec" validate:"min=1,max=3600"`
	// KeepOriginal keeps the pre-reduction recording and stores the result
	// as an additional recording.
	KeepOriginal bool `json:"keep_original"`
}

// PlaybackConfig holds playback settings.
type PlaybackConfig struct {
	PollIntervalMs int64 `json:"poll_interval_ms" validate:"min=50,max=10000"`
}

// ArchiveConfig holds S3 archive settings. An empty bucket disables archiving.
type ArchiveConfig struct {
	Endpoint        string `json:"endpoint" validate:"omitempty,url"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url" validate:"omitempty,url"`
}

// EmailConfig holds Microsoft Graph email notification settings.
type EmailConfig struct {
	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	FromAddress  string `json:"from_address" validate:"omitempty,email"`
	Recipients   string `json:"recipients"` // Comma-separated
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	Webhook WebhookConfig `json:"webhook"`
	Email   EmailConfig   `json:"email"`
}

// LoggingConfig holds application log settings.
type LoggingConfig struct {
	Level string `json:"level" validate:"omitempty,oneof=debug info warn error"`
	// File is a rotating log file; empty logs to stderr only.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb" validate:"min=0"`
	MaxBackups int    `json:"max_backups" validate:"min=0"`
	MaxAgeDays int    `json:"max_age_days" validate:"min=0"`
}

// EventLogConfig holds the recording event log settings.
type EventLogConfig struct {
	Path string `json:"path"` // JSON lines file (empty = disabled)
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System         SystemConfig         `json:"system"`
	Audio          AudioConfig          `json:"audio"`
	Storage        StorageConfig        `json:"storage"`
	Recording      RecordingConfig      `json:"recording"`
	NoiseReduction NoiseReductionConfig `json:"noise_reduction"`
	Playback       PlaybackConfig       `json:"playback"`
	Archive        ArchiveConfig        `json:"archive"`
	Notifications  NotificationsConfig  `json:"notifications"`
	Logging        LoggingConfig        `json:"logging"`
	EventLog       EventLogConfig       `json:"event_log"`

	mu       sync.RWMutex
	filePath string
}

// validate is the validator for configuration structs.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON names so errors match the file the user edits.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{filePath: filePath}
	c.applyDefaults()
	return c
}

// FilePath returns the file the configuration is loaded from.
func (c *Config) FilePath() string {
	return c.filePath
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		c.applyDefaults()
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	return c.validateLocked()
}

// validateLocked checks all configuration fields. Caller must hold c.mu.
func (c *Config) validateLocked() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return util.WrapError("validate config", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", e.Namespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	if c.System.Port == 0 {
		c.System.Port = DefaultWebPort
	}
	if c.Audio.Bitrate == "" {
		c.Audio.Bitrate = DefaultAudioBitrate
	}

	// Relative storage paths live next to the config file.
	base := filepath.Dir(c.filePath)
	c.Storage.RecordingsDir = resolvePath(base, cmp.Or(c.Storage.RecordingsDir, DefaultRecordingsDir))
	c.Storage.DatabasePath = resolvePath(base, cmp.Or(c.Storage.DatabasePath, DefaultDatabaseFile))
	if c.Storage.TempFileMaxAgeMinutes == 0 {
		c.Storage.TempFileMaxAgeMinutes = DefaultTempFileMaxAgeMinutes
	}

	c.Recording.SampleIntervalMs = cmp.Or(c.Recording.SampleIntervalMs, DefaultSampleIntervalMs)
	c.Recording.MaxDurationMs = cmp.Or(c.Recording.MaxDurationMs, DefaultMaxDurationMs)
	c.Recording.MaxSizeBytes = cmp.Or(c.Recording.MaxSizeBytes, DefaultMaxSizeBytes)
	c.Recording.ThresholdDB = cmp.Or(c.Recording.ThresholdDB, DefaultThresholdDB)

	c.NoiseReduction.GateThreshold = cmp.Or(c.NoiseReduction.GateThreshold, DefaultGateThreshold)
	c.NoiseReduction.TranscodeTimeoutSec = cmp.Or(c.NoiseReduction.TranscodeTimeoutSec, DefaultTranscodeTimeoutSec)

	c.Playback.PollIntervalMs = cmp.Or(c.Playback.PollIntervalMs, DefaultPlaybackPollMs)

	c.Logging.Level = cmp.Or(c.Logging.Level, DefaultLogLevel)
	c.Logging.MaxSizeMB = cmp.Or(c.Logging.MaxSizeMB, DefaultLogMaxSizeMB)
	c.Logging.MaxBackups = cmp.Or(c.Logging.MaxBackups, DefaultLogMaxBackups)
	c.Logging.MaxAgeDays = cmp.Or(c.Logging.MaxAgeDays, DefaultLogMaxAgeDays)
}

func resolvePath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// --- Setters for runtime-adjustable settings ---

// SetThresholdDB updates the default noise warning level and saves the configuration.
func (c *Config) SetThresholdDB(db float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.Recording.ThresholdDB
	c.Recording.ThresholdDB = db
	if err := c.validateLocked(); err != nil {
		c.Recording.ThresholdDB = prev
		return err
	}
	return c.saveLocked()
}

// SetGateThreshold updates the amplitude gate threshold and saves the configuration.
func (c *Config) SetGateThreshold(threshold int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.NoiseReduction.GateThreshold
	c.NoiseReduction.GateThreshold = threshold
	if err := c.validateLocked(); err != nil {
		c.NoiseReduction.GateThreshold = prev
		return err
	}
	return c.saveLocked()
}

// SetWebhookURL updates the webhook URL and saves the configuration.
func (c *Config) SetWebhookURL(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.Notifications.Webhook.URL
	c.Notifications.Webhook.URL = url
	if err := c.validateLocked(); err != nil {
		c.Notifications.Webhook.URL = prev
		return err
	}
	return c.saveLocked()
}

// APIKey returns the key required on /api routes.
func (c *Config) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.APIKey
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	WebPort        int
	APIKey         string
	AllowedOrigins []string
	FFmpegPath     string
	FFprobePath    string
	FFplayPath     string

	// Audio
	AudioInput   string
	AudioBitrate string

	// Storage
	RecordingsDir  string
	DatabasePath   string
	TempFileMaxAge time.Duration

	// Recording
	SampleInterval time.Duration
	MaxDuration    time.Duration
	MaxSizeBytes   int64
	ThresholdDB    float64

	// Noise reduction
	GateThreshold    int
	TranscodeTimeout time.Duration
	KeepOriginal     bool

	// Playback
	PlaybackPollInterval time.Duration

	// Archive
	ArchiveEndpoint        string
	ArchiveRegion          string
	ArchiveBucket          string
	ArchivePrefix          string
	ArchiveAccessKeyID     string
	ArchiveSecretAccessKey string

	// Notifications
	WebhookURL        string
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphFromAddress  string
	GraphRecipients   string

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	EventLogPath  string
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		WebPort:        c.System.Port,
		APIKey:         c.System.APIKey,
		AllowedOrigins: append([]string(nil), c.System.AllowedOrigins...),
		FFmpegPath:     c.System.FFmpegPath,
		FFprobePath:    c.System.FFprobePath,
		FFplayPath:     c.System.FFplayPath,

		AudioInput:   c.Audio.Input,
		AudioBitrate: c.Audio.Bitrate,

		RecordingsDir:  c.Storage.RecordingsDir,
		DatabasePath:   c.Storage.DatabasePath,
		TempFileMaxAge: time.Duration(c.Storage.TempFileMaxAgeMinutes) * time.Minute,

		SampleInterval: time.Duration(c.Recording.SampleIntervalMs) * time.Millisecond,
		MaxDuration:    time.Duration(c.Recording.MaxDurationMs) * time.Millisecond,
		MaxSizeBytes:   c.Recording.MaxSizeBytes,
		ThresholdDB:    c.Recording.ThresholdDB,

		GateThreshold:    c.NoiseReduction.GateThreshold,
		TranscodeTimeout: time.Duration(c.NoiseReduction.TranscodeTimeoutSec) * time.Second,
		KeepOriginal:     c.NoiseReduction.KeepOriginal,

		PlaybackPollInterval: time.Duration(c.Playback.PollIntervalMs) * time.Millisecond,

		ArchiveEndpoint:        c.Archive.Endpoint,
		ArchiveRegion:          c.Archive.Region,
		ArchiveBucket:          c.Archive.Bucket,
		ArchivePrefix:          c.Archive.Prefix,
		ArchiveAccessKeyID:     c.Archive.AccessKeyID,
		ArchiveSecretAccessKey: c.Archive.SecretAccessKey,

		WebhookURL:        c.Notifications.Webhook.URL,
		GraphTenantID:     c.Notifications.Email.TenantID,
		GraphClientID:     c.Notifications.Email.ClientID,
		GraphClientSecret: c.Notifications.Email.ClientSecret,
		GraphFromAddress:  c.Notifications.Email.FromAddress,
		GraphRecipients:   c.Notifications.Email.Recipients,

		LogLevel:      c.Logging.Level,
		LogFile:       c.Logging.File,
		LogMaxSizeMB:  c.Logging.MaxSizeMB,
		LogMaxBackups: c.Logging.MaxBackups,
		LogMaxAgeDays: c.Logging.MaxAgeDays,
		EventLogPath:  c.EventLog.Path,
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasGraph reports whether Microsoft Graph email notifications are configured.
func (s *Snapshot) HasGraph() bool {
	return util.IsConfigured(s.GraphTenantID, s.GraphClientID, s.GraphClientSecret,
		s.GraphFromAddress, s.GraphRecipients)
}

// HasArchive reports whether S3 archiving is configured.
func (s *Snapshot) HasArchive() bool {
	return util.IsConfigured(s.ArchiveBucket, s.ArchiveAccessKeyID, s.ArchiveSecretAccessKey)
}

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
