package audio

import (
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// Devices returns the audio inputs of the current platform. FFmpeg-based
// platforms list through ffmpegPath; empty means "ffmpeg" in PATH.
func Devices(ffmpegPath string) []Device {
	return currentPlatform.devices(ffmpegPath)
}

// DeviceListConfig describes a device listing command and its output.
type DeviceListConfig struct {
	Command []string

	// Optional markers delimiting the audio section of the output.
	AudioStartMarker string
	AudioStopMarker  string

	// DevicePattern matches one device line; ParseDevice turns its
	// submatches into a Device, or nil to skip the line.
	DevicePattern *regexp.Regexp
	ParseDevice   func(matches []string) *Device

	// FallbackDevices are returned when the listing yields nothing.
	FallbackDevices []Device
}

// parseDeviceList runs the listing command and extracts devices from
// its output, falling back to cfg.FallbackDevices when nothing matches.
func parseDeviceList(cfg DeviceListConfig) []Device {
	if len(cfg.Command) == 0 {
		return cfg.FallbackDevices
	}

	output, err := exec.Command(cfg.Command[0], cfg.Command[1:]...).CombinedOutput()
	if err != nil && len(output) == 0 {
		// Listing tools exit non-zero on some platforms even on success.
		slog.Warn("failed to list audio devices", "command", cfg.Command[0], "error", err)
		return cfg.FallbackDevices
	}
	return matchDevices(string(output), cfg)
}

// matchDevices extracts devices from listing output.
func matchDevices(output string, cfg DeviceListConfig) []Device {
	if cfg.DevicePattern == nil || cfg.ParseDevice == nil {
		return cfg.FallbackDevices
	}

	var devices []Device
	inSection := cfg.AudioStartMarker == ""
	for line := range strings.Lines(output) {
		switch {
		case cfg.AudioStartMarker != "" && strings.Contains(line, cfg.AudioStartMarker):
			inSection = true
			continue
		case cfg.AudioStopMarker != "" && strings.Contains(line, cfg.AudioStopMarker):
			inSection = false
			continue
		case !inSection, strings.Contains(line, "Alternative name"):
			// DirectShow prints an alternative name under each device.
			continue
		}

		m := cfg.DevicePattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
		if m == nil {
			continue
		}
		if dev := cfg.ParseDevice(m); dev != nil {
			devices = append(devices, *dev)
		}
	}

	if len(devices) == 0 {
		return cfg.FallbackDevices
	}
	return devices
}
