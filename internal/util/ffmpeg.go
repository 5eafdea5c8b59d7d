package util

import "os/exec"

// ResolveBinary returns the path to an external tool such as ffmpeg,
// ffprobe or ffplay. A non-empty customPath must resolve on its own;
// otherwise name is looked up in PATH. Returns an empty string if the
// tool is not found.
func ResolveBinary(customPath, name string) string {
	if customPath != "" {
		if _, err := exec.LookPath(customPath); err == nil {
			return customPath
		}
		return ""
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}

// ResolveFFmpegPath returns the path to the FFmpeg binary, or "" if missing.
func ResolveFFmpegPath(customPath string) string {
	return ResolveBinary(customPath, "ffmpeg")
}
