package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/notify"
	"github.com/oszuidwest/zwfm-noisemeter/internal/recording"
	"github.com/oszuidwest/zwfm-noisemeter/internal/store"
	"github.com/oszuidwest/zwfm-noisemeter/internal/transcode"
)

const testAPIKey = "0123456789abcdef0123"

type stubCapture struct {
	mu sync.Mutex
}

func (c *stubCapture) Start(_ context.Context, outputPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.WriteFile(outputPath, []byte("m4a"), 0o644)
}

func (c *stubCapture) MaxAmplitude() int { return 0 }
func (c *stubCapture) Stop() error       { return nil }

type stubTranscoder struct{}

func (stubTranscoder) Decode(context.Context, string) (string, error) {
	return "", transcode.ErrTranscodeFailure
}

type stubProber struct{}

func (stubProber) Duration(context.Context, string) (time.Duration, error) {
	return 2500 * time.Millisecond, nil
}

type testEnv struct {
	srv *Server
	h   http.Handler
	dir string
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()

	base := t.TempDir()
	cfgPath := filepath.Join(base, "config.json")
	raw, err := json.Marshal(map[string]any{
		"system":    map[string]any{"api_key": apiKey},
		"recording": map[string]any{"sample_interval_ms": 5000},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfgPath, raw, 0o644))

	cfg := config.New(cfgPath)
	require.NoError(t, cfg.Load())
	snap := cfg.Snapshot()

	db, err := store.Open(snap.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec, err := recording.New(recording.Options{
		RecordingsDir:  snap.RecordingsDir,
		SampleInterval: time.Hour,
	}, recording.Deps{
		Capture:    &stubCapture{},
		Transcoder: stubTranscoder{},
		Prober:     stubProber{},
		Store:      db,
	})
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })

	srv := NewServer(cfg, rec, notify.NewNoiseNotifier(cfg), NewVersionChecker(), "/usr/bin/ffmpeg")
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, h: srv.SetupRoutes(), dir: snap.RecordingsDir}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("X-API-Key", testAPIKey)
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)

	var out map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr, out
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, testAPIKey)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing key", "", "", http.StatusUnauthorized},
		{"wrong key", "nope", "", http.StatusUnauthorized},
		{"header", testAPIKey, "", http.StatusOK},
		{"query", "", "?api_key=" + testAPIKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/recording/last"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			rr := httptest.NewRecorder()
			env.h.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
			assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
		})
	}
}

func TestAPIKeyOptional(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/recordings", nil)
	rr := httptest.NewRecorder()
	env.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRecordingLifecycle(t *testing.T) {
	env := newTestEnv(t, testAPIKey)

	rr, body := env.do(t, http.MethodPost, "/api/recording/start", map[string]any{"threshold_db": 55})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	session := body["session"].(map[string]any)
	assert.Equal(t, "recording", session["state"])
	assert.EqualValues(t, 55, session["threshold_db"])

	rr, _ = env.do(t, http.MethodPost, "/api/recording/start", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr, body = env.do(t, http.MethodPost, "/api/recording/stop", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, body["stopped"])
	stopped := body["recording"].(map[string]any)
	path := stopped["path"].(string)
	assert.EqualValues(t, 2500, stopped["duration_ms"])
	assert.Equal(t, "00:02", stopped["duration"])
	assert.True(t, strings.HasPrefix(filepath.Base(path), "record_"))

	rr, body = env.do(t, http.MethodPost, "/api/recording/stop", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["stopped"])

	_, body = env.do(t, http.MethodGet, "/api/recording/last", nil)
	assert.Equal(t, path, body["recording"].(map[string]any)["path"])

	rr, body = env.do(t, http.MethodPost, "/api/recordings/rename", map[string]any{
		"path": filepath.Base(path),
		"name": "Interview",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	renamed := body["recording"].(map[string]any)
	assert.Equal(t, "Interview.m4a", renamed["name"])

	rr, body = env.do(t, http.MethodPost, "/api/recordings/reduce", map[string]any{
		"path": renamed["path"],
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	reduced := body["recording"].(map[string]any)
	assert.Equal(t, "Interview(1).m4a", reduced["name"])

	_, body = env.do(t, http.MethodGet, "/api/recordings", nil)
	list := body["recordings"].([]any)
	require.Len(t, list, 1)

	rr, body = env.do(t, http.MethodPost, "/api/recordings/delete", map[string]any{"path": reduced["path"]})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["deleted"])

	_, body = env.do(t, http.MethodGet, "/api/recordings", nil)
	assert.Empty(t, body["recordings"])
}

func TestRenameMissingRecording(t *testing.T) {
	env := newTestEnv(t, testAPIKey)
	rr, body := env.do(t, http.MethodPost, "/api/recordings/rename", map[string]any{
		"path": "gone.m4a",
		"name": "Other",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, body["recording"])
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t, testAPIKey)

	tests := []struct {
		name   string
		target string
		body   any
		want   int
		field  string
	}{
		{"missing path", "/api/recordings/delete", map[string]any{}, http.StatusBadRequest, "path"},
		{"name with separator", "/api/recordings/rename", map[string]any{"path": "a.m4a", "name": "x/y"}, http.StatusBadRequest, "name"},
		{"threshold out of range", "/api/recording/start", map[string]any{"threshold_db": 500}, http.StatusBadRequest, "threshold_db"},
		{"outside recordings dir", "/api/recordings/delete", map[string]any{"path": "/etc/passwd"}, http.StatusBadRequest, ""},
		{"parent traversal", "/api/recordings/delete", map[string]any{"path": "../config.json"}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := env.do(t, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.want, rr.Code)
			if tt.field == "" {
				return
			}
			errs := body["errors"].([]any)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.field, errs[0].(map[string]any)["field"])
		})
	}
}

func TestPlaybackWithoutPlayer(t *testing.T) {
	env := newTestEnv(t, testAPIKey)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "Take.m4a"), []byte("m4a"), 0o644))

	rr, _ := env.do(t, http.MethodPost, "/api/playback", map[string]any{"path": "Take.m4a", "play": true})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr, body := env.do(t, http.MethodGet, "/api/playback/duration?path=Take.m4a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2500, body["duration_ms"])

	rr, _ = env.do(t, http.MethodGet, "/api/playback/position?path=missing.m4a", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSettingsUpdate(t *testing.T) {
	env := newTestEnv(t, testAPIKey)
	rr, body := env.do(t, http.MethodPost, "/api/settings", map[string]any{"threshold_db": 72.5, "gate_threshold": 120})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 72.5, body["threshold_db"])
	assert.EqualValues(t, 120, body["gate_threshold"])

	rr, body = env.do(t, http.MethodPost, "/api/recording/start", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 72.5, body["session"].(map[string]any)["threshold_db"])
}

func TestEventsNotConfigured(t *testing.T) {
	env := newTestEnv(t, testAPIKey)
	rr, _ := env.do(t, http.MethodGet, "/api/events", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebSocketStreams(t *testing.T) {
	env := newTestEnv(t, testAPIKey)
	ts := httptest.NewServer(env.h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?api_key=" + testAPIKey
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	seen := map[string]bool{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for !seen["session"] || !seen["recordings"] {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg["type"].(string)] = true
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/recording/start", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	startResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	startResp.Body.Close()
	require.Equal(t, http.StatusOK, startResp.StatusCode)

	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == "session" && msg["session"].(map[string]any)["state"] == "recording" {
			break
		}
	}
}

func TestVersionCheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/"+githubRepo+"/releases/latest", r.URL.Path)
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte(`{"tag_name":"v1.4.0"}`))
	}))
	defer ts.Close()

	vc := NewVersionChecker()
	vc.apiBase = ts.URL
	vc.client = ts.Client()

	require.NoError(t, vc.poll(context.Background()))
	assert.Equal(t, "1.4.0", vc.Info().Latest)
	require.NoError(t, vc.poll(context.Background()))
	assert.Equal(t, "1.4.0", vc.Info().Latest)
}

func TestVersionCheckRetryable(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer ts.Close()

	vc := NewVersionChecker()
	vc.apiBase = ts.URL
	vc.client = ts.Client()

	assert.ErrorIs(t, vc.poll(context.Background()), errRetryLater)
	status.Store(http.StatusBadRequest)
	err := vc.poll(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, errRetryLater)
	assert.Empty(t, vc.Info().Latest)
}

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		latest, current string
		want            bool
	}{
		{"1.4.0", "1.3.9", true},
		{"v1.4.0", "1.4.0", false},
		{"1.10.0", "1.9.0", true},
		{"1.0.0", "2.0.0", false},
		{"1.4.0", "dev", false},
		{"", "1.0.0", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isNewerVersion(tt.latest, tt.current), "%s vs %s", tt.latest, tt.current)
	}
}
