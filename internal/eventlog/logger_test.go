package eventlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLastNewestFirstWithFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "noisemeter.jsonl")
	l, err := NewLogger(path)
	require.NoError(t, err)

	l.LogSession(SessionStarted, "s1", &SessionDetails{Path: "/rec/a.m4a", ThresholdDB: 60})
	l.LogSession(NoiseWarning, "s1", &SessionDetails{LevelDB: 72})
	l.LogSession(SessionStopped, "s1", &SessionDetails{DurationMs: 1500, Reason: "manual"})
	l.LogAsset(NoiseReduced, "", &AssetDetails{ID: 1, Path: "/rec/a(1).wav", PreviousPath: "/rec/a.m4a", Zeroed: 40})
	l.LogArchive(ArchiveUploaded, &ArchiveDetails{Path: "/rec/a(1).wav", S3Key: "a(1).wav"})
	require.NoError(t, l.Close())

	all, more, err := ReadLast(path, 10, 0, FilterAll)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, all, 5)
	assert.Equal(t, ArchiveUploaded, all[0].Type)
	assert.Equal(t, SessionStarted, all[4].Type)

	sessions, more, err := ReadLast(path, 2, 0, FilterSession)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, sessions, 2)
	assert.Equal(t, SessionStopped, sessions[0].Type)
	assert.Equal(t, NoiseWarning, sessions[1].Type)

	page, more, err := ReadLast(path, 2, 2, FilterSession)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, page, 1)
	assert.Equal(t, "s1", page[0].SessionID)
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	l.LogAsset(AssetDeleted, "", &AssetDetails{Path: "/rec/a"})
	assert.NoError(t, l.Close())
	assert.Empty(t, l.Path())
}

func TestReadLastMissingFile(t *testing.T) {
	events, more, err := ReadLast(filepath.Join(t.TempDir(), "none.jsonl"), 5, 0, FilterAll)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Empty(t, events)
}
