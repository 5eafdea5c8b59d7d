// Package transcode converts compressed recordings to mono 16-bit WAV.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/ffmpeg"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
	"github.com/oszuidwest/zwfm-noisemeter/internal/wav"
)

// DefaultTimeout bounds a single decode.
const DefaultTimeout = 2 * time.Minute

// ErrTranscodeFailure is matched by every *Failure.
var ErrTranscodeFailure = errors.New("transcode failed")

// Failure reports a decoder exit with a non-zero code, or one that was
// killed by its timeout (ExitCode -1).
type Failure struct {
	Input    string
	ExitCode int
	Log      string
	Err      error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("transcode %s: exit code %d", f.Input, f.ExitCode)
	if f.Log != "" {
		msg += ": " + f.Log
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Is reports ErrTranscodeFailure.
func (f *Failure) Is(target error) bool { return target == ErrTranscodeFailure }

// Bridge decodes a compressed file into a new WAV file and returns its path.
type Bridge interface {
	Decode(ctx context.Context, input string) (string, error)
}

// FFmpeg decodes with the ffmpeg binary.
type FFmpeg struct {
	Path    string
	Timeout time.Duration
}

// NewFFmpeg returns a decoder using the ffmpeg at path.
func NewFFmpeg(path string, timeout time.Duration) *FFmpeg {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &FFmpeg{Path: path, Timeout: timeout}
}

// Args returns the decode arguments for input and output.
func Args(input, output string) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-i", input,
		"-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(wav.Mono16.Channels),
		"-ar", strconv.Itoa(wav.Mono16.SampleRate),
		// No LIST/INFO chunk, so data starts right after the 44-byte header.
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		"-flags:a", "+bitexact",
		output,
	}
}

// Decode writes a decoded_*.wav next to input. On failure no output is left behind.
func (f *FFmpeg) Decode(ctx context.Context, input string) (string, error) {
	if f.Path == "" {
		return "", &Failure{Input: input, ExitCode: -1, Err: errors.New("ffmpeg not available")}
	}

	out, err := os.CreateTemp(filepath.Dir(input), "decoded_*.wav")
	if err != nil {
		return "", util.WrapError("create decode target", err)
	}
	output := out.Name()
	util.CloseLogged(out, output)

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	start := time.Now()
	res, err := ffmpeg.Run(ctx, f.Path, Args(input, output)...)
	if err != nil || res.ExitCode != 0 {
		if rmErr := os.Remove(output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("failed to remove partial decode", "path", output, "error", rmErr)
		}
		return "", &Failure{
			Input:    input,
			ExitCode: res.ExitCode,
			Log:      util.ExtractLastError(res.Stderr),
			Err:      err,
		}
	}

	slog.Debug("decoded recording", "input", input, "output", output, "took", time.Since(start))
	return output, nil
}
