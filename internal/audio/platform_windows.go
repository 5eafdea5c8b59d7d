//go:build windows

package audio

import (
	"regexp"
	"strings"
)

// DirectShow through FFmpeg. There is no default input, so the first
// listed device is used. FFmpeg versions differ in their section headers;
// lines are matched on the "(audio)" suffix instead.
var currentPlatform = platform{
	tool:        "ffmpeg",
	usesFFmpeg:  true,
	captureArgs: ffmpegCaptureArgs("dshow"),
	listArgs:    []string{"-hide_banner", "-f", "dshow", "-list_devices", "true", "-i", "dummy"},
	listing: DeviceListConfig{
		DevicePattern: regexp.MustCompile(`\[dshow[^\]]*\]\s*"([^"]+)"\s*\(audio\)`),
		ParseDevice: func(m []string) *Device {
			name := strings.TrimSpace(m[1])
			return &Device{ID: "audio=" + name, Name: name}
		},
	},
}
