package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgs(t *testing.T) {
	args := Args("/rec/in.m4a", "/rec/decoded_1.wav")
	assert.Equal(t, []string{
		"-hide_banner", "-y", "-i", "/rec/in.m4a",
		"-acodec", "pcm_s16le", "-ac", "1", "-ar", "44100",
		"-map_metadata", "-1", "-fflags", "+bitexact", "-flags:a", "+bitexact",
		"/rec/decoded_1.wav",
	}, args)
}

func TestFailureMatchesSentinel(t *testing.T) {
	var err error = &Failure{Input: "in.m4a", ExitCode: 1, Log: "Invalid data found"}
	assert.ErrorIs(t, err, ErrTranscodeFailure)
	assert.Contains(t, err.Error(), "exit code 1")
	assert.Contains(t, err.Error(), "Invalid data found")

	timeout := &Failure{Input: "in.m4a", ExitCode: -1, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
	assert.True(t, errors.Is(timeout, ErrTranscodeFailure))
}

func TestDecodeWithoutBinaryLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.m4a")
	require.NoError(t, os.WriteFile(input, []byte("not audio"), 0o644))

	_, err := NewFFmpeg("", 0).Decode(context.Background(), input)
	assert.ErrorIs(t, err, ErrTranscodeFailure)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDecodeMissingBinary(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.m4a")
	require.NoError(t, os.WriteFile(input, []byte("not audio"), 0o644))

	_, err := NewFFmpeg(filepath.Join(dir, "no-such-ffmpeg"), 0).Decode(context.Background(), input)
	assert.ErrorIs(t, err, ErrTranscodeFailure)

	matches, err := filepath.Glob(filepath.Join(dir, "decoded_*.wav"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
