package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/notify"
	"github.com/oszuidwest/zwfm-noisemeter/internal/recording"
	"github.com/oszuidwest/zwfm-noisemeter/internal/server"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// sessionInterval is how often WebSocket clients get a session update while
// nothing else changes.
const sessionInterval = 3 * time.Second

// Server is an HTTP server that exposes the noise meter API and the live
// WebSocket stream.
type Server struct {
	config          *config.Config
	rec             *recording.Orchestrator
	notifier        *notify.NoiseNotifier
	version         *VersionChecker
	upgrader        *websocket.Upgrader
	ffmpegPath      string // Empty when FFmpeg was not found

	levels   *util.Broadcaster[types.WSLevelsMessage]
	sessions *util.Broadcaster[types.WSSessionMessage]
}

// NewServer returns a new Server for the orchestrator. ffmpegPath is the
// resolved FFmpeg binary, or empty when none was found.
func NewServer(cfg *config.Config, rec *recording.Orchestrator, notifier *notify.NoiseNotifier, version *VersionChecker, ffmpegPath string) *Server {
	snap := cfg.Snapshot()
	return &Server{
		config:          cfg,
		rec:             rec,
		notifier:        notifier,
		version:         version,
		upgrader:        server.NewUpgrader(snap.AllowedOrigins),
		ffmpegPath:      ffmpegPath,
		levels:          util.NewBroadcaster[types.WSLevelsMessage](),
		sessions:        util.NewBroadcaster[types.WSSessionMessage](),
	}
}

// relay forwards the readings of a session to WebSocket clients and
// announces the session state once the readings end.
func (s *Server) relay(readings *recording.Readings) {
	for r := range readings.C {
		s.levels.Publish(types.WSLevelsMessage{
			Type:           "levels",
			SessionID:      readings.SessionID(),
			Seq:            r.Seq,
			DB:             r.DB,
			Amplitude:      r.Amplitude,
			AboveThreshold: r.AboveThreshold,
			ElapsedMs:      r.Elapsed.Milliseconds(),
		})
	}
	s.publishSession()
}

func (s *Server) publishSession() {
	s.sessions.Publish(s.sessionMessage())
}

func (s *Server) sessionMessage() types.WSSessionMessage {
	return types.WSSessionMessage{Type: "session", Session: sessionResponse(s.rec.Snapshot())}
}

// handleWebSocket streams levels, recordings, playback and session updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Only the writer goroutine writes to the connection.
	send := make(chan any, 16)
	done := make(chan struct{})

	go s.runWebSocketWriter(conn, send)
	go s.runWebSocketReader(conn, done)

	s.runWebSocketEventLoop(ctx, send, done)
}

// runWebSocketWriter writes messages from the send channel to the connection.
func (s *Server) runWebSocketWriter(conn server.WebSocketConn, send <-chan any) {
	defer util.CloseLogged(conn, "WebSocket")
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			slog.Debug("WebSocket write failed", "error", err)
			// Keep draining so the event loop never blocks.
			for range send {
			}
			return
		}
	}
}

// runWebSocketReader discards client messages until the connection closes.
func (s *Server) runWebSocketReader(conn server.WebSocketConn, done chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
	}
}

// runWebSocketEventLoop fans the server streams into one connection.
func (s *Server) runWebSocketEventLoop(ctx context.Context, send chan any, done <-chan struct{}) {
	defer close(send)

	levels, stopLevels := s.levels.Subscribe()
	defer stopLevels()
	sessions, stopSessions := s.sessions.Subscribe()
	defer stopSessions()
	playback, stopPlayback := s.rec.PlaybackUpdates()
	defer stopPlayback()

	recordings, err := s.rec.Recordings(ctx)
	if err != nil {
		slog.Error("failed to watch recordings", "error", err)
		return
	}

	ticker := time.NewTicker(sessionInterval)
	defer ticker.Stop()

	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(s.sessionMessage()) {
		return
	}

	for {
		var msg any
		select {
		case <-done:
			return
		case m, ok := <-levels:
			if !ok {
				return
			}
			msg = m
		case m, ok := <-sessions:
			if !ok {
				return
			}
			msg = m
		case st, ok := <-playback:
			if !ok {
				return
			}
			msg = types.WSPlaybackMessage{Type: "playback", Playback: playbackResponse(st)}
		case list, ok := <-recordings:
			if !ok {
				return
			}
			msg = types.WSRecordingsMessage{Type: "recordings", Recordings: assetResponses(list)}
		case <-ticker.C:
			msg = s.sessionMessage()
		}
		if !trySend(msg) {
			return
		}
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	api := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.apiKeyAuth(h))
	}

	api("POST /api/recording/start", s.handleStartRecording)
	api("POST /api/recording/stop", s.handleStopRecording)
	api("GET /api/recording/status", s.handleStatus)
	api("GET /api/recording/last", s.handleLastRecorded)

	api("GET /api/recordings", s.handleListRecordings)
	api("POST /api/recordings/reduce", s.handleReduceNoise)
	api("POST /api/recordings/rename", s.handleRename)
	api("POST /api/recordings/delete", s.handleDelete)

	api("POST /api/playback", s.handlePlayback)
	api("GET /api/playback/position", s.handlePlaybackPosition)
	api("GET /api/playback/duration", s.handlePlaybackDuration)

	api("POST /api/settings", s.handleSettings)
	api("GET /api/events", s.handleEvents)
	api("POST /api/archive/test", s.handleTestArchive)
	api("POST /api/notifications/test", s.handleTestNotifications)
	api("GET /api/version", s.handleVersion)

	mux.HandleFunc("GET /ws", s.apiKeyAuth(s.handleWebSocket))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth returns middleware for API key authentication. Requests pass
// unchecked when no key is configured. Browsers cannot set headers on
// WebSocket upgrades, so the key may also be given as ?api_key=.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.APIKey()
		if apiKey == "" {
			next(w, r)
			return
		}

		providedKey := r.Header.Get("X-API-Key")
		if providedKey == "" {
			providedKey = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}

// Close ends the WebSocket streams.
func (s *Server) Close() {
	s.levels.Close()
	s.sessions.Close()
}
