package util

import "log/slog"

// LogNotifyResult executes a notification function and logs the result
// under the given channel name ("webhook", "email").
func LogNotifyResult(fn func() error, channel string) {
	if err := fn(); err != nil {
		slog.Error("noise alert failed", "channel", channel, "error", err)
		return
	}
	slog.Info("noise alert sent", "channel", channel)
}
