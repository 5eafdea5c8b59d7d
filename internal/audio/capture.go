package audio

import "errors"

// ErrNoAudioDevice is returned when no audio input device is available.
var ErrNoAudioDevice = errors.New("no audio input device found")

// Capture PCM layout shared by every platform backend.
const (
	CaptureSampleRate = 44100
	CaptureChannels   = 1
)

// platform describes how the current OS captures mono PCM and lists its
// inputs. Each platform_*.go file defines currentPlatform.
type platform struct {
	// tool captures PCM. On FFmpeg platforms the configured ffmpeg is
	// run instead.
	tool          string
	usesFFmpeg    bool
	defaultDevice string
	captureArgs   func(device string) []string

	// listArgs make tool print the input devices; listing parses them.
	listArgs []string
	listing  DeviceListConfig
}

func (p platform) command(ffmpegPath string) string {
	if p.usesFFmpeg && ffmpegPath != "" {
		return ffmpegPath
	}
	return p.tool
}

func (p platform) devices(ffmpegPath string) []Device {
	cfg := p.listing
	if len(p.listArgs) > 0 {
		cfg.Command = append([]string{p.command(ffmpegPath)}, p.listArgs...)
	}
	return parseDeviceList(cfg)
}

// BuildCaptureCommand returns the command and arguments that write mono
// S16LE PCM from device to stdout. An empty device selects the platform
// default, or else the first listed input.
func BuildCaptureCommand(device, ffmpegPath string) (cmd string, args []string, err error) {
	p := currentPlatform
	if device == "" {
		device = p.defaultDevice
	}
	if device == "" {
		devices := p.devices(ffmpegPath)
		if len(devices) == 0 {
			return "", nil, ErrNoAudioDevice
		}
		device = devices[0].ID
	}
	return p.command(ffmpegPath), p.captureArgs(device), nil
}
