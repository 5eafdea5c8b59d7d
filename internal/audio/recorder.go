package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/ffmpeg"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

const (
	captureStopTimeout = 3 * time.Second
	encoderStopTimeout = 10 * time.Second
	pumpBufferSize     = 4096
)

// ErrCaptureRunning is returned by Start on a device that is already capturing.
var ErrCaptureRunning = errors.New("capture already running")

// CaptureOptions configures an FFmpegCapture.
type CaptureOptions struct {
	FFmpegPath string
	// Device is the platform input device; empty picks the default.
	Device string
	// Bitrate of the AAC output, e.g. "128k".
	Bitrate string
}

// FFmpegCapture captures PCM with the platform tool (arecord, or FFmpeg
// on macOS and Windows), meters it, and pipes it into an FFmpeg AAC
// encoder that writes the output file.
type FFmpegCapture struct {
	opts CaptureOptions

	mu       sync.Mutex
	running  bool
	capture  *exec.Cmd
	stderr   bytes.Buffer
	encoder  *ffmpeg.Process
	pumpDone chan struct{}
	meter    PeakMeter
}

// NewFFmpegCapture returns a capture device using opts.
func NewFFmpegCapture(opts CaptureOptions) *FFmpegCapture {
	if opts.Bitrate == "" {
		opts.Bitrate = "128k"
	}
	return &FFmpegCapture{opts: opts}
}

// Start launches the encoder and the capture process.
func (c *FFmpegCapture) Start(ctx context.Context, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrCaptureRunning
	}

	args := []string{"-hide_banner", "-loglevel", "warning"}
	args = append(args, ffmpeg.PCMInputArgs(CaptureSampleRate, CaptureChannels)...)
	args = append(args, "-c:a", "aac", "-b:a", c.opts.Bitrate, "-y", outputPath)

	enc, err := ffmpeg.StartProcess(c.opts.FFmpegPath, args)
	if err != nil {
		return util.WrapError("start encoder", err)
	}

	name, captureArgs, err := BuildCaptureCommand(c.opts.Device, c.opts.FFmpegPath)
	if err != nil {
		c.abortEncoder(enc)
		return err
	}

	c.stderr.Reset()
	capture := exec.Command(name, captureArgs...)
	capture.Stderr = &c.stderr
	stdout, err := capture.StdoutPipe()
	if err != nil {
		c.abortEncoder(enc)
		return fmt.Errorf("create capture pipe: %w", err)
	}
	if err := capture.Start(); err != nil {
		c.abortEncoder(enc)
		return fmt.Errorf("start %s: %w", name, err)
	}

	c.meter.Take()
	c.capture = capture
	c.encoder = enc
	c.pumpDone = make(chan struct{})
	c.running = true

	go c.pump(stdout, enc.Stdin, c.pumpDone)

	slog.Info("capture started", "command", name, "output", outputPath)
	return nil
}

// pump copies PCM from the capture tool to the encoder, metering as it goes.
func (c *FFmpegCapture) pump(r io.Reader, w io.Writer, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, pumpBufferSize)
	encoderOK := true
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.meter.Observe(PeakAmplitude(buf, n))
			if encoderOK {
				if _, werr := w.Write(buf[:n]); werr != nil {
					slog.Warn("encoder stopped accepting audio", "error", werr)
					encoderOK = false
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("capture read ended", "error", err)
			}
			return
		}
	}
}

// MaxAmplitude returns the peak since the previous call.
func (c *FFmpegCapture) MaxAmplitude() int {
	return c.meter.Take()
}

// Stop ends capture, lets the encoder finish the file and waits for both.
func (c *FFmpegCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false

	if err := util.GracefulSignal(c.capture.Process); err != nil {
		slog.Debug("capture signal failed", "error", err)
	}
	select {
	case <-c.pumpDone:
	case <-time.After(captureStopTimeout):
		slog.Warn("capture did not stop in time, killing")
		_ = c.capture.Process.Kill()
		<-c.pumpDone
	}
	// Exit status after SIGINT is not meaningful.
	_ = c.capture.Wait()

	return c.finishEncoder(c.encoder)
}

func (c *FFmpegCapture) finishEncoder(enc *ffmpeg.Process) error {
	defer enc.Cancel()
	if err := enc.Stdin.Close(); err != nil {
		slog.Debug("encoder stdin close failed", "error", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- enc.Cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			return fmt.Errorf("encoder: %s", util.ExtractLastError(enc.Stderr.String()))
		}
		return nil
	case <-time.After(encoderStopTimeout):
		enc.Cancel()
		<-waitErr
		return errors.New("encoder did not finish in time")
	}
}

func (c *FFmpegCapture) abortEncoder(enc *ffmpeg.Process) {
	_ = enc.Stdin.Close()
	enc.Cancel()
	_ = enc.Cmd.Wait()
}
