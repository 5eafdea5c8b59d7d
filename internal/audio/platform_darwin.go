//go:build darwin

package audio

import "regexp"

// AVFoundation through FFmpeg. Inputs are addressed as ":<index>".
var currentPlatform = platform{
	tool:          "ffmpeg",
	usesFFmpeg:    true,
	defaultDevice: ":0",
	captureArgs:   ffmpegCaptureArgs("avfoundation"),
	listArgs:      []string{"-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""},
	listing: DeviceListConfig{
		AudioStartMarker: "AVFoundation audio devices:",
		AudioStopMarker:  "AVFoundation video devices:",
		DevicePattern:    regexp.MustCompile(`\[AVFoundation[^\]]*\]\s*\[(\d+)\]\s*(.+)`),
		ParseDevice: func(m []string) *Device {
			return &Device{ID: ":" + m[1], Name: m[2]}
		},
		FallbackDevices: []Device{{ID: ":0", Name: "Default input"}},
	},
}
