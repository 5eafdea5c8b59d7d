package recording

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-noisemeter/internal/naming"
	"github.com/oszuidwest/zwfm-noisemeter/internal/transcode"
	"github.com/oszuidwest/zwfm-noisemeter/internal/wav"
)

func TestReduceNoiseFallbackOnTranscodeFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.transcoder.err = &transcode.Failure{Input: "Take.m4a", ExitCode: 1, Log: "Invalid data found"}
	asset := h.seed(t, "Take.m4a", []byte("compressed"), 4200)

	got, err := h.o.ReduceNoise(context.Background(), asset)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(h.dir, "Take(1).m4a"), got.FilePath)
	assert.False(t, got.IsNoisy)
	assert.Equal(t, int64(4200), got.DurationMillis)
	assert.Equal(t, asset.ID, got.ID)

	data, err := os.ReadFile(got.FilePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("compressed"), data)
	assert.NoFileExists(t, asset.FilePath)

	rows := h.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, got.FilePath, rows[0].FilePath)
}

func TestReduceNoiseFallbackOnZeroDuration(t *testing.T) {
	h := newHarness(t, Options{})
	h.transcoder.decode = decodeTo(nil)
	asset := h.seed(t, "Take(1).m4a", []byte("compressed"), 900)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "Take(2).wav"), nil, 0o644))

	got, err := h.o.ReduceNoise(context.Background(), asset)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(h.dir, "Take(3).m4a"), got.FilePath)
	assert.Equal(t, int64(900), got.DurationMillis)
	assert.False(t, got.IsNoisy)
	assertNoTempFiles(t, h.dir)
}

func TestReduceNoiseFallbackOnSubMillisecondResult(t *testing.T) {
	h := newHarness(t, Options{})
	h.transcoder.decode = decodeTo(make([]int16, 10))
	asset := h.seed(t, "Take.m4a", []byte("compressed"), 4200)

	got, err := h.o.ReduceNoise(context.Background(), asset)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(h.dir, "Take(1).m4a"), got.FilePath)
	assert.Equal(t, int64(4200), got.DurationMillis)
	data, err := os.ReadFile(got.FilePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("compressed"), data)
	assertNoTempFiles(t, h.dir)
}

func TestReduceNoiseReadsDecoderInfoChunk(t *testing.T) {
	h := newHarness(t, Options{})
	samples := make([]int16, wav.Mono16.SampleRate)
	for i := range samples {
		samples[i] = int16(i%2000 - 1000)
	}
	h.transcoder.decode = decodeWithInfoChunk(samples)
	asset := h.seed(t, "Take.m4a", []byte("compressed"), 1000)

	got, err := h.o.ReduceNoise(context.Background(), asset)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(h.dir, "Take(1).wav"), got.FilePath)
	assert.Equal(t, int64(1000), got.DurationMillis)
	_, gated, err := wav.Read(got.FilePath)
	require.NoError(t, err)
	assert.Len(t, gated, len(samples))
	assert.Equal(t, samples[100], gated[100])
}

func TestReduceNoiseKeepOriginal(t *testing.T) {
	h := newHarness(t, Options{KeepOriginal: true})
	h.transcoder.decode = decodeTo(make([]int16, 44100))
	asset := h.seed(t, "Take.m4a", []byte("compressed"), 1000)

	got, err := h.o.ReduceNoise(context.Background(), asset)
	require.NoError(t, err)

	assert.NotEqual(t, asset.ID, got.ID)
	assert.Equal(t, int64(1000), got.DurationMillis)
	assert.FileExists(t, asset.FilePath)
	assert.FileExists(t, got.FilePath)
	assert.Len(t, h.rows(t), 2)
}

func TestReduceNoiseMissingSource(t *testing.T) {
	h := newHarness(t, Options{})
	asset := Asset{FilePath: filepath.Join(h.dir, "gone.m4a")}

	_, err := h.o.ReduceNoise(context.Background(), asset)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, h.transcoder.calls)
}

func TestReduceNoiseUsesConfiguredGate(t *testing.T) {
	h := newHarness(t, Options{GateThreshold: 500})
	h.transcoder.decode = decodeTo(append(make([]int16, 4410), 499, 500))
	asset := h.seed(t, "Take.m4a", []byte("compressed"), 1000)

	got, err := h.o.ReduceNoise(context.Background(), asset)
	require.NoError(t, err)
	assert.Equal(t, ".wav", filepath.Ext(got.FilePath))

	_, samples, err := wav.Read(got.FilePath)
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 500}, samples[len(samples)-2:])
}

func TestRename(t *testing.T) {
	h := newHarness(t, Options{})
	asset := h.seed(t, "Take.m4a", []byte("a"), 100)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "Interview.m4a"), []byte("b"), 0o644))

	got, err := h.o.Rename(context.Background(), asset, "Interview")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, filepath.Join(h.dir, "Interview(1).m4a"), got.FilePath)
	assert.Equal(t, asset.ID, got.ID)
	assert.FileExists(t, got.FilePath)
	assert.NoFileExists(t, asset.FilePath)

	rows := h.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, got.FilePath, rows[0].FilePath)
}

func TestRenameVerbatimWhenFree(t *testing.T) {
	h := newHarness(t, Options{})
	asset := h.seed(t, "Take.m4a", []byte("a"), 100)

	got, err := h.o.Rename(context.Background(), asset, "Morning show.m4a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, filepath.Join(h.dir, "Morning show.m4a"), got.FilePath)
}

func TestRenameToOwnName(t *testing.T) {
	h := newHarness(t, Options{})
	asset := h.seed(t, "Take.m4a", []byte("a"), 100)

	got, err := h.o.Rename(context.Background(), asset, "Take")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, filepath.Join(h.dir, "Take(1).m4a"), got.FilePath)
	assert.Equal(t, asset.ID, got.ID)
	assert.NoFileExists(t, asset.FilePath)
}

func TestRenameRejectsTemporaryPrefix(t *testing.T) {
	h := newHarness(t, Options{})
	asset := h.seed(t, "Take.wav", []byte("a"), 100)

	got, err := h.o.Rename(context.Background(), asset, "cleaned_take")
	assert.ErrorIs(t, err, naming.ErrInvalidName)
	assert.Nil(t, got)
	assert.FileExists(t, asset.FilePath)
}

func TestRenameMissingSource(t *testing.T) {
	h := newHarness(t, Options{})
	asset := h.seed(t, "Take.m4a", []byte("a"), 100)
	require.NoError(t, os.Remove(asset.FilePath))

	got, err := h.o.Rename(context.Background(), asset, "Other")
	assert.NoError(t, err)
	assert.Nil(t, got)

	rows := h.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, asset.FilePath, rows[0].FilePath)
}

func TestRenameInvalidName(t *testing.T) {
	h := newHarness(t, Options{})
	asset := h.seed(t, "Take.m4a", []byte("a"), 100)

	got, err := h.o.Rename(context.Background(), asset, "../escape")
	assert.Error(t, err)
	assert.Nil(t, got)
	assert.FileExists(t, asset.FilePath)
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name       string
		removeFile bool
		want       bool
	}{
		{name: "file and row", want: true},
		{name: "row without file", removeFile: true, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			asset := h.seed(t, "Take.m4a", []byte("a"), 100)
			if tt.removeFile {
				require.NoError(t, os.Remove(asset.FilePath))
			}

			ok, err := h.o.Delete(context.Background(), asset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.NoFileExists(t, asset.FilePath)
			assert.Empty(t, h.rows(t))
			assert.Contains(t, h.prober.forgottenPaths(), asset.FilePath)
		})
	}
}

func TestDeleteClearsLastRecorded(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.o.Start(context.Background(), 60)
	require.NoError(t, err)
	asset, err := h.o.Stop(context.Background())
	require.NoError(t, err)

	ok, err := h.o.Delete(context.Background(), *asset)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, h.o.LastRecorded())
}
