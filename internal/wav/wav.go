// Package wav reads and writes 44-byte-header linear PCM WAV files.
// Reading also accepts files with extra chunks before data.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// HeaderSize is the size of the canonical RIFF/WAVE header.
const HeaderSize = 44

// Header byte offsets.
const (
	offsetRIFFSize      = 4
	offsetChannels      = 22
	offsetSampleRate    = 24
	offsetBitsPerSample = 34
	offsetDataSize      = 40
)

const (
	pcmFormatTag = 1
	fmtChunkSize = 16
)

// ErrFormat is matched by every *FormatError.
var ErrFormat = errors.New("invalid wav file")

// FormatError reports a missing, short or truncated WAV file.
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := "wav"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

// Is reports ErrFormat so callers can use errors.Is without a type switch.
func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// Format describes the PCM layout of a WAV file.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Mono16 is the layout produced by the transcoder: mono, 16-bit, 44.1 kHz.
var Mono16 = Format{SampleRate: 44100, Channels: 1, BitsPerSample: 16}

// Validate reports whether f can be written by this package.
func (f Format) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	case f.Channels <= 0:
		return fmt.Errorf("channel count must be positive, got %d", f.Channels)
	case f.BitsPerSample != 16:
		return fmt.Errorf("only 16-bit samples are supported, got %d", f.BitsPerSample)
	}
	return nil
}

// BlockAlign returns the bytes per sample frame.
func (f Format) BlockAlign() int { return f.Channels * f.BitsPerSample / 8 }

// ByteRate returns the bytes per second of audio.
func (f Format) ByteRate() int { return f.SampleRate * f.BlockAlign() }

// Header holds the fields this package reads from a WAV header.
type Header struct {
	Format
	RIFFSize uint32
	DataSize uint32
	// DataOffset is where the samples start: HeaderSize unless chunks
	// such as LIST precede data.
	DataOffset int64
}

// Duration returns the playing time implied by the data size.
func (h Header) Duration() time.Duration {
	rate := h.ByteRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(h.DataSize) * int64(time.Second) / int64(rate))
}

// ReadHeader parses the header of r and leaves r at the first sample.
// Chunks between fmt and data, like the LIST chunk FFmpeg adds, are
// skipped.
func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, &FormatError{Reason: "file shorter than header", Err: err}
	}
	h, err := parseHeader(b[:])
	if err != nil {
		return Header{}, err
	}
	h.DataOffset = HeaderSize

	for id := string(b[36:40]); id != "data"; {
		skip := int64(h.DataSize) + int64(h.DataSize&1)
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return Header{}, &FormatError{Reason: fmt.Sprintf("truncated %q chunk", id), Err: err}
		}
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Header{}, &FormatError{Reason: "no data chunk", Err: err}
		}
		id = string(chunk[0:4])
		h.DataSize = binary.LittleEndian.Uint32(chunk[4:])
		h.DataOffset += skip + 8
	}
	return h, nil
}

func parseHeader(b []byte) (Header, error) {
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return Header{}, &FormatError{Reason: "missing RIFF/WAVE markers"}
	}
	h := Header{
		Format: Format{
			Channels:      int(binary.LittleEndian.Uint16(b[offsetChannels:])),
			SampleRate:    int(binary.LittleEndian.Uint32(b[offsetSampleRate:])),
			BitsPerSample: int(binary.LittleEndian.Uint16(b[offsetBitsPerSample:])),
		},
		RIFFSize: binary.LittleEndian.Uint32(b[offsetRIFFSize:]),
		DataSize: binary.LittleEndian.Uint32(b[offsetDataSize:]),
	}
	return h, nil
}

// Read loads a WAV file and decodes its samples.
func Read(path string) (Format, []int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, nil, &FormatError{Path: path, Reason: "cannot open", Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Format{}, nil, &FormatError{Path: path, Reason: "cannot stat", Err: err}
	}

	format, samples, err := decode(f, info.Size())
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			fe.Path = path
		}
		return Format{}, nil, err
	}
	return format, samples, nil
}

// Decode reads a complete WAV stream of the given total size.
func Decode(r io.Reader, size int64) (Format, []int16, error) {
	return decode(r, size)
}

func decode(r io.Reader, size int64) (Format, []int16, error) {
	if size < HeaderSize {
		return Format{}, nil, &FormatError{Reason: fmt.Sprintf("file is %d bytes, shorter than header", size)}
	}
	h, err := ReadHeader(r)
	if err != nil {
		return Format{}, nil, err
	}
	if remaining := size - h.DataOffset; int64(h.DataSize) > remaining {
		return Format{}, nil, &FormatError{
			Reason: fmt.Sprintf("data size %d exceeds remaining %d bytes", h.DataSize, remaining),
		}
	}

	data := make([]byte, h.DataSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return Format{}, nil, &FormatError{Reason: "truncated data chunk", Err: err}
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return h.Format, samples, nil
}

// Write creates path and encodes samples into it.
func Write(path string, format Format, samples []int16) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Encode(f, format, samples); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Encode writes the header with placeholder sizes, the samples, then
// seeks back to patch the RIFF and data sizes.
func Encode(w io.WriteSeeker, format Format, samples []int16) error {
	if err := format.Validate(); err != nil {
		return err
	}

	header := make([]byte, HeaderSize)
	copy(header[0:4], "RIFF")
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], fmtChunkSize)
	binary.LittleEndian.PutUint16(header[20:], pcmFormatTag)
	binary.LittleEndian.PutUint16(header[offsetChannels:], uint16(format.Channels))
	binary.LittleEndian.PutUint32(header[offsetSampleRate:], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(format.ByteRate()))
	binary.LittleEndian.PutUint16(header[32:], uint16(format.BlockAlign()))
	binary.LittleEndian.PutUint16(header[offsetBitsPerSample:], uint16(format.BitsPerSample))
	copy(header[36:40], "data")
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s)) //nolint:gosec // two's complement reinterpretation
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write samples: %w", err)
	}

	dataBytes := uint32(len(buf)) //nolint:gosec // bounded by file size
	if err := patchUint32(w, offsetRIFFSize, dataBytes+36); err != nil {
		return err
	}
	return patchUint32(w, offsetDataSize, dataBytes)
}

func patchUint32(w io.WriteSeeker, offset int64, v uint32) error {
	if _, err := w.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d: %w", offset, err)
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("patch size at %d: %w", offset, err)
	}
	return nil
}
