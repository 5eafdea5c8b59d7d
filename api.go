package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/naming"
	"github.com/oszuidwest/zwfm-noisemeter/internal/notify"
	"github.com/oszuidwest/zwfm-noisemeter/internal/recording"
	"github.com/oszuidwest/zwfm-noisemeter/internal/server"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// testTimeout bounds archive and notification tests.
const testTimeout = 30 * time.Second

// API response helpers

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseJSON decodes and validates the request body.
// Returns the parsed value and true on success; on failure the error
// response has been written.
func parseJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	v, err := server.Decode[T](r.Body)
	if err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  verr.Error(),
				"errors": verr.Errors,
			})
			return v, false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return v, false
	}
	return v, true
}

// writeOpError maps an orchestrator error to a status code.
func writeOpError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, recording.ErrAlreadyRecording),
		errors.Is(err, naming.ErrCollisionExhausted):
		status = http.StatusConflict
	case errors.Is(err, recording.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, naming.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, recording.ErrClosed),
		errors.Is(err, recording.ErrNoPlayer):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "op", op, "error", err)
	}
	writeError(w, status, err.Error())
}

// resolvePath maps a request path onto the recordings directory. Relative
// paths are taken as file names inside it; anything outside it is refused.
func (s *Server) resolvePath(w http.ResponseWriter, p string) (string, bool) {
	dir := s.rec.RecordingsDir()
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	if !util.WithinDir(dir, p) {
		writeError(w, http.StatusBadRequest, "path must be inside the recordings directory")
		return "", false
	}
	return filepath.Clean(p), true
}

// --- Conversions ---

func assetResponse(a recording.Asset) types.AssetResponse {
	return types.AssetResponse{
		ID:         a.ID,
		Path:       a.FilePath,
		Name:       a.Name(),
		DurationMs: a.DurationMillis,
		Duration:   util.FormatClock(a.Duration()),
		CreatedAt:  a.CreatedAt,
		IsNoisy:    a.IsNoisy,
	}
}

func assetResponses(list []recording.Asset) []types.AssetResponse {
	out := make([]types.AssetResponse, 0, len(list))
	for _, a := range list {
		out = append(out, assetResponse(a))
	}
	return out
}

func optionalAsset(a *recording.Asset) *types.AssetResponse {
	if a == nil {
		return nil
	}
	resp := assetResponse(*a)
	return &resp
}

func sessionResponse(snap recording.SessionSnapshot) types.SessionResponse {
	return types.SessionResponse{
		ID:            snap.ID,
		State:         string(snap.State),
		StartedAt:     snap.StartedAt,
		OutputPath:    snap.OutputPath,
		CurrentDB:     snap.CurrentDB,
		ThresholdDB:   snap.ThresholdDB,
		ElapsedMs:     snap.Elapsed.Milliseconds(),
		Elapsed:       util.FormatDuration(snap.Elapsed.Milliseconds()),
		MaxDurationMs: snap.MaxDuration.Milliseconds(),
		MaxSizeBytes:  snap.MaxSizeBytes,
	}
}

func playbackResponse(st recording.PlaybackStatus) types.PlaybackResponse {
	return types.PlaybackResponse{
		Path:       st.Path,
		PositionMs: st.Position.Milliseconds(),
		DurationMs: st.Duration.Milliseconds(),
		Position:   util.FormatClock(st.Position),
		Duration:   util.FormatClock(st.Duration),
		Playing:    st.Playing,
	}
}

// --- Recording session ---

// handleStartRecording starts a capture session.
// POST /api/recording/start
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.StartRequest](w, r)
	if !ok {
		return
	}

	threshold := s.config.Snapshot().ThresholdDB
	if req.ThresholdDB != nil {
		threshold = *req.ThresholdDB
	}

	readings, err := s.rec.Start(r.Context(), threshold)
	if err != nil {
		writeOpError(w, "start recording", err)
		return
	}
	go s.relay(readings)
	s.publishSession()

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": readings.SessionID(),
		"session":    sessionResponse(s.rec.Snapshot()),
	})
}

// handleStopRecording stops the active session.
// POST /api/recording/stop
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	asset, err := s.rec.Stop(r.Context())
	if err != nil {
		writeOpError(w, "stop recording", err)
		return
	}
	s.publishSession()

	writeJSON(w, http.StatusOK, map[string]any{
		"stopped":   asset != nil,
		"recording": optionalAsset(asset),
	})
}

// handleStatus returns the session state and environment.
// GET /api/recording/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	devices := audio.Devices(s.ffmpegPath)
	list := make([]types.AudioDevice, 0, len(devices))
	for _, d := range devices {
		list = append(list, types.AudioDevice{ID: d.ID, Name: d.Name})
	}

	writeJSON(w, http.StatusOK, types.StatusResponse{
		Session:         sessionResponse(s.rec.Snapshot()),
		Last:            optionalAsset(s.rec.LastRecorded()),
		FFmpegAvailable: s.ffmpegPath != "",
		Devices:         list,
		Platform:        runtime.GOOS,
		Version:         s.version.Info(),
	})
}

// handleLastRecorded returns the asset of the most recent stop.
// GET /api/recording/last
func (s *Server) handleLastRecorded(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"recording": optionalAsset(s.rec.LastRecorded()),
	})
}

// --- Recordings ---

// handleListRecordings returns the stored recordings, newest first.
// GET /api/recordings
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	list, err := s.rec.List(r.Context())
	if err != nil {
		writeOpError(w, "list recordings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": assetResponses(list)})
}

// handleReduceNoise applies the amplitude gate to a recording.
// POST /api/recordings/reduce
func (s *Server) handleReduceNoise(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.ReduceRequest](w, r)
	if !ok {
		return
	}
	path, ok := s.resolvePath(w, req.Path)
	if !ok {
		return
	}

	gate := s.config.Snapshot().GateThreshold
	if req.GateThreshold != nil {
		gate = *req.GateThreshold
	}

	asset, err := s.rec.ReduceNoise(r.Context(), recording.Asset{FilePath: path}, recording.WithGateThreshold(gate))
	if err != nil {
		writeOpError(w, "reduce noise", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recording": assetResponse(asset)})
}

// handleRename gives a recording a new name. A recording whose file is
// gone yields a null result.
// POST /api/recordings/rename
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.RenameRequest](w, r)
	if !ok {
		return
	}
	path, ok := s.resolvePath(w, req.Path)
	if !ok {
		return
	}

	asset, err := s.rec.Rename(r.Context(), recording.Asset{FilePath: path}, req.Name)
	if err != nil {
		writeOpError(w, "rename recording", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recording": optionalAsset(asset)})
}

// handleDelete removes a recording and its row.
// POST /api/recordings/delete
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.PathRequest](w, r)
	if !ok {
		return
	}
	path, ok := s.resolvePath(w, req.Path)
	if !ok {
		return
	}

	deleted, err := s.rec.Delete(r.Context(), recording.Asset{FilePath: path})
	if err != nil {
		writeOpError(w, "delete recording", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// --- Playback ---

// handlePlayback starts, resumes or pauses playback.
// POST /api/playback
func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.PlaybackRequest](w, r)
	if !ok {
		return
	}
	path, ok := s.resolvePath(w, req.Path)
	if !ok {
		return
	}

	asset, err := s.rec.Lookup(r.Context(), path)
	if err != nil {
		writeOpError(w, "find recording", err)
		return
	}
	if err := s.rec.Play(r.Context(), asset, req.Play); err != nil {
		writeOpError(w, "playback", err)
		return
	}
	writeJSON(w, http.StatusOK, s.playbackState(asset, req.Play))
}

// handlePlaybackPosition returns the position of the loaded recording.
// GET /api/playback/position?path=
func (s *Server) handlePlaybackPosition(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.queryAsset(w, r)
	if !ok {
		return
	}
	pos := s.rec.Position(asset)
	writeJSON(w, http.StatusOK, map[string]any{
		"path":        asset.FilePath,
		"position_ms": pos.Milliseconds(),
		"position":    util.FormatClock(pos),
	})
}

// handlePlaybackDuration returns the length of a recording.
// GET /api/playback/duration?path=
func (s *Server) handlePlaybackDuration(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.queryAsset(w, r)
	if !ok {
		return
	}
	d := s.rec.Duration(asset)
	writeJSON(w, http.StatusOK, map[string]any{
		"path":        asset.FilePath,
		"duration_ms": d.Milliseconds(),
		"duration":    util.FormatClock(d),
	})
}

func (s *Server) queryAsset(w http.ResponseWriter, r *http.Request) (recording.Asset, bool) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return recording.Asset{}, false
	}
	path, ok := s.resolvePath(w, p)
	if !ok {
		return recording.Asset{}, false
	}
	asset, err := s.rec.Lookup(r.Context(), path)
	if err != nil {
		writeOpError(w, "find recording", err)
		return recording.Asset{}, false
	}
	return asset, true
}

func (s *Server) playbackState(asset recording.Asset, playing bool) types.PlaybackResponse {
	return playbackResponse(recording.PlaybackStatus{
		Path:     asset.FilePath,
		Position: s.rec.Position(asset),
		Duration: s.rec.Duration(asset),
		Playing:  playing,
	})
}

// --- Settings ---

// handleSettings updates runtime-adjustable settings.
// POST /api/settings
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.SettingsRequest](w, r)
	if !ok {
		return
	}

	if req.ThresholdDB != nil {
		if err := s.config.SetThresholdDB(*req.ThresholdDB); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.GateThreshold != nil {
		if err := s.config.SetGateThreshold(*req.GateThreshold); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.WebhookURL != nil {
		if err := s.config.SetWebhookURL(*req.WebhookURL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	cfg := s.config.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"threshold_db":   cfg.ThresholdDB,
		"gate_threshold": cfg.GateThreshold,
		"webhook_url":    cfg.WebhookURL,
	})
}

// --- Event log ---

// handleEvents returns the newest event log entries.
// GET /api/events?limit=&offset=&type=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	path := s.config.Snapshot().EventLogPath
	if path == "" {
		writeError(w, http.StatusNotFound, "event log not configured")
		return
	}

	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 100)
	offset := queryInt(q.Get("offset"), 0)
	filter := eventlog.TypeFilter(q.Get("type"))
	switch filter {
	case eventlog.FilterAll, eventlog.FilterSession, eventlog.FilterAsset, eventlog.FilterArchive:
	default:
		writeError(w, http.StatusBadRequest, "type must be one of: session, asset, archive")
		return
	}

	events, hasMore, err := eventlog.ReadLast(path, limit, offset, filter)
	if err != nil {
		writeOpError(w, "read event log", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": hasMore,
	})
}

// queryInt parses a non-negative integer query value.
func queryInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// --- Connectivity tests ---

// handleTestArchive verifies the configured S3 archive.
// POST /api/archive/test
func (s *Server) handleTestArchive(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Snapshot()
	if !cfg.HasArchive() {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "Archive not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
	defer cancel()
	if err := recording.TestArchive(ctx, archiveConfig(&cfg)); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleTestNotifications sends a test webhook and a test email to the
// configured channels.
// POST /api/notifications/test
func (s *Server) handleTestNotifications(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Snapshot()
	results := map[string]any{}

	if cfg.HasWebhook() {
		results["webhook"] = testResult(notify.SendTestWebhook(cfg.WebhookURL))
	}
	if cfg.HasGraph() {
		ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
		err := notify.SendTestEmail(ctx, notify.BuildGraphConfig(&cfg))
		cancel()
		results["email"] = testResult(err)
	}

	if len(results) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "No notification channels configured"})
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func testResult(err error) map[string]any {
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	return map[string]any{"success": true}
}

// handleVersion returns the running and latest version.
// GET /api/version
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.version.Info())
}
