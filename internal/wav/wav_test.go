package wav

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		samples []int16
	}{
		{"empty", Mono16, []int16{}},
		{"extremes", Mono16, []int16{0, 1, -1, math.MaxInt16, math.MinInt16, 30, -29}},
		{"stereo 48k", Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}, []int16{100, -100, 2000, -2000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.wav")
			require.NoError(t, Write(path, tt.format, tt.samples))

			format, samples, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, tt.format, format)
			assert.Equal(t, tt.samples, samples)
		})
	}
}

func TestWritePatchesSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	samples := make([]int16, 441)
	require.NoError(t, Write(path, Mono16, samples))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, HeaderSize+len(samples)*2)

	assert.Equal(t, "RIFF", string(raw[0:4]))
	assert.Equal(t, "WAVEfmt ", string(raw[8:16]))
	assert.Equal(t, "data", string(raw[36:40]))
	assert.Equal(t, uint32(882+36), binary.LittleEndian.Uint32(raw[4:]))
	assert.Equal(t, uint32(882), binary.LittleEndian.Uint32(raw[40:]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(raw[20:]))
	assert.Equal(t, uint32(88200), binary.LittleEndian.Uint32(raw[28:]))
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.wav")
	require.NoError(t, os.WriteFile(short, []byte("RIFF1234WAVE"), 0o644))

	truncated := filepath.Join(dir, "truncated.wav")
	require.NoError(t, Write(truncated, Mono16, []int16{1, 2, 3, 4}))
	raw, err := os.ReadFile(truncated)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(truncated, raw[:len(raw)-2], 0o644))

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "missing.wav")},
		{"shorter than header", short},
		{"data past end of file", truncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Read(tt.path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrFormat)

			var fe *FormatError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.path, fe.Path)
		})
	}
}

func TestWriteRejectsUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	err := Write(path, Format{SampleRate: 44100, Channels: 1, BitsPerSample: 8}, []int16{1})
	assert.Error(t, err)
}

func TestHeaderDuration(t *testing.T) {
	var buf bytes.Buffer
	samples := make([]int16, 44100*2)
	path := filepath.Join(t.TempDir(), "two-seconds.wav")
	require.NoError(t, Write(path, Mono16, samples))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	buf.Write(raw)

	h, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, h.Duration())
	assert.Equal(t, Mono16, h.Format)
}

// withInfoChunk inserts the LIST/INFO chunk FFmpeg writes by default
// between fmt and data.
func withInfoChunk(raw []byte) []byte {
	info := []byte("LIST\x1a\x00\x00\x00INFOISFT\x0e\x00\x00\x00Lavf60.16.100\x00")
	out := append(append(append([]byte(nil), raw[:36]...), info...), raw[36:]...)
	binary.LittleEndian.PutUint32(out[4:], binary.LittleEndian.Uint32(raw[4:])+uint32(len(info)))
	return out
}

func TestReadSkipsChunksBeforeData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decoded.wav")
	samples := make([]int16, 44100)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	require.NoError(t, Write(path, Mono16, samples))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, withInfoChunk(raw), 0o644))

	format, got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, Mono16, format)
	assert.Equal(t, samples, got)

	h, err := ReadHeader(bytes.NewReader(withInfoChunk(raw)))
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize+34), h.DataOffset)
	assert.Equal(t, time.Second, h.Duration())
}

func TestReadTruncatedInfoChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decoded.wav")
	require.NoError(t, Write(path, Mono16, nil))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, withInfoChunk(raw)[:60], 0o644))

	_, _, err = Read(path)
	assert.ErrorIs(t, err, ErrFormat)
}
