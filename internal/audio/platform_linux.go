//go:build linux

package audio

import (
	"regexp"
	"strconv"
)

// ALSA through arecord.
var currentPlatform = platform{
	tool:          "arecord",
	defaultDevice: "default",
	captureArgs: func(device string) []string {
		return []string{
			"-D", device,
			"-f", "S16_LE",
			"-r", strconv.Itoa(CaptureSampleRate),
			"-c", strconv.Itoa(CaptureChannels),
			"-t", "raw",
			"-q",
			"-",
		}
	},
	listArgs: []string{"-l"},
	listing: DeviceListConfig{
		DevicePattern: regexp.MustCompile(`card\s+(\d+):\s+(\w+)\s+\[([^\]]+)\]`),
		ParseDevice: func(m []string) *Device {
			return &Device{ID: "default:CARD=" + m[2], Name: m[3]}
		},
		FallbackDevices: []Device{{ID: "default", Name: "System default"}},
	},
}
