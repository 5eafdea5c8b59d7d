//go:build darwin || windows

package audio

import "strconv"

// ffmpegCaptureArgs reads device through an FFmpeg input format and
// writes raw capture PCM to stdout.
func ffmpegCaptureArgs(inputFormat string) func(device string) []string {
	return func(device string) []string {
		return []string{
			"-nostdin",
			"-hide_banner",
			"-loglevel", "error",
			"-f", inputFormat,
			"-i", device,
			"-vn",
			"-f", "s16le",
			"-ac", strconv.Itoa(CaptureChannels),
			"-ar", strconv.Itoa(CaptureSampleRate),
			"pipe:1",
		}
	}
}
