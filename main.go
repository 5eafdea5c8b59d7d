// Package main provides a noise meter that records from a local audio input,
// streams live levels and manages the recordings through an HTTP API.
//
// Usage:
//
//	noisemeter [-config path/to/config.json]
//
// If -config is not specified, the noise meter looks for config.json in the
// same directory as the binary.
package main

import (
	"cmp"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/logging"
	"github.com/oszuidwest/zwfm-noisemeter/internal/notify"
	"github.com/oszuidwest/zwfm-noisemeter/internal/probe"
	"github.com/oszuidwest/zwfm-noisemeter/internal/recording"
	"github.com/oszuidwest/zwfm-noisemeter/internal/store"
	"github.com/oszuidwest/zwfm-noisemeter/internal/transcode"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Build information, set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	generateKey := flag.Bool("generate-key", false, "Print a new API key for system.api_key and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("zwfm-noisemeter %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	if *generateKey {
		key, err := config.GenerateAPIKey()
		if err != nil {
			slog.Error("failed to generate API key", "error", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		slog.Error("noise meter failed", "error", err)
		os.Exit(1)
	}
}

// run wires the components and blocks until a shutdown signal arrives.
func run(cfg *config.Config) error {
	snap := cfg.Snapshot()

	logCloser, err := logging.Setup(logging.Options{
		Level:      snap.LogLevel,
		File:       snap.LogFile,
		MaxSizeMB:  snap.LogMaxSizeMB,
		MaxBackups: snap.LogMaxBackups,
		MaxAgeDays: snap.LogMaxAgeDays,
	})
	if err != nil {
		return util.WrapError("set up logging", err)
	}
	defer util.CloseLogged(logCloser, "log file")

	slog.Info("using config file", "path", cfg.FilePath(), "version", Version)

	if err := util.CheckPathWritable(snap.RecordingsDir); err != nil {
		return util.WrapError("check recordings directory", err)
	}

	resolvedFFmpeg := util.ResolveFFmpegPath(snap.FFmpegPath)
	if resolvedFFmpeg == "" {
		slog.Warn("FFmpeg not found - capture and noise reduction will fail",
			"configured_path", snap.FFmpegPath)
	} else {
		slog.Info("FFmpeg found", "path", resolvedFFmpeg)
	}
	ffmpegPath := cmp.Or(resolvedFFmpeg, "ffmpeg")

	var events *eventlog.Logger
	if snap.EventLogPath != "" {
		events, err = eventlog.NewLogger(snap.EventLogPath)
		if err != nil {
			slog.Warn("event log disabled", "path", snap.EventLogPath, "error", err)
		} else {
			defer util.CloseLogged(events, "event log")
		}
	}

	db, err := store.Open(snap.DatabasePath)
	if err != nil {
		return util.WrapError("open database", err)
	}
	defer util.CloseLogged(db, "database")

	prober, err := probe.New(util.ResolveBinary(snap.FFprobePath, "ffprobe"), probe.DefaultCacheSize)
	if err != nil {
		return util.WrapError("create prober", err)
	}

	player := audio.NewFFplayPlayer(audio.PlayerOptions{
		FFplayPath: util.ResolveBinary(snap.FFplayPath, "ffplay"),
		Probe: func(path string) (time.Duration, error) {
			return prober.Duration(context.Background(), path)
		},
	})

	notifier := notify.NewNoiseNotifier(cfg)

	deps := recording.Deps{
		Capture: audio.NewFFmpegCapture(audio.CaptureOptions{
			FFmpegPath: ffmpegPath,
			Device:     snap.AudioInput,
			Bitrate:    snap.AudioBitrate,
		}),
		Player:     player,
		Transcoder: transcode.NewFFmpeg(ffmpegPath, snap.TranscodeTimeout),
		Prober:     prober,
		Store:      db,
		Alerter:    notifier,
		Events:     events,
	}

	var archiver *recording.Archiver
	if snap.HasArchive() {
		archiver, err = recording.NewArchiver(archiveConfig(&snap), events)
		if err != nil {
			slog.Warn("archive disabled", "error", err)
		} else {
			deps.Archive = archiver
		}
	}

	rec, err := recording.New(recording.Options{
		RecordingsDir:        snap.RecordingsDir,
		SampleInterval:       snap.SampleInterval,
		MaxDuration:          snap.MaxDuration,
		MaxSizeBytes:         snap.MaxSizeBytes,
		GateThreshold:        snap.GateThreshold,
		KeepOriginal:         snap.KeepOriginal,
		PlaybackPollInterval: snap.PlaybackPollInterval,
	}, deps)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconciler, err := recording.NewReconciler(ctx, rec)
	if err != nil {
		slog.Warn("recordings watcher disabled", "error", err)
	}

	stopCleanup := make(chan struct{})
	rec.StartCleanup(snap.TempFileMaxAge, recording.CleanupInterval, stopCleanup)

	versionCtx, stopVersion := context.WithCancel(ctx)
	version := NewVersionChecker()
	go version.Run(versionCtx)

	srv := NewServer(cfg, rec, notifier, version, resolvedFFmpeg)
	httpServer := srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	<-sigChan

	slog.Info("shutting down")

	stopVersion()
	close(stopCleanup)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if reconciler != nil {
		util.CloseLogged(reconciler, "recordings watcher")
	}
	if err := rec.Close(); err != nil {
		slog.Error("error stopping recorder", "error", err)
	}
	if archiver != nil {
		archiver.Close()
	}
	notifier.Wait()

	slog.Info("shutdown complete")
	return nil
}

// archiveConfig extracts the S3 archive settings.
func archiveConfig(s *config.Snapshot) recording.ArchiveConfig {
	return recording.ArchiveConfig{
		Endpoint:        s.ArchiveEndpoint,
		Region:          s.ArchiveRegion,
		Bucket:          s.ArchiveBucket,
		Prefix:          s.ArchivePrefix,
		AccessKeyID:     s.ArchiveAccessKeyID,
		SecretAccessKey: s.ArchiveSecretAccessKey,
	}
}
