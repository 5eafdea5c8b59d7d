package recording

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

const (
	archiveQueueSize     = 32
	archiveAttempts      = 4
	archiveUploadTimeout = 5 * time.Minute
)

// ArchiveConfig holds S3-compatible storage configuration.
type ArchiveConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// IsConfigured returns true if S3 settings are configured.
func (c ArchiveConfig) IsConfigured() bool {
	return util.IsConfigured(c.Bucket, c.AccessKeyID, c.SecretAccessKey)
}

// Key returns the object key for a local recording.
func (c ArchiveConfig) Key(localPath string) string {
	return path.Join(strings.Trim(c.Prefix, "/"), filepath.Base(localPath))
}

// objectStore is the subset of the S3 client the archiver uses.
type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// newS3Client creates an S3 client with the given configuration.
func newS3Client(cfg ArchiveConfig) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = cmp.Or(cfg.Region, "auto")
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, options...)
}

// Archiver uploads finished recordings to S3 from a background worker.
type Archiver struct {
	cfg    ArchiveConfig
	client objectStore
	events *eventlog.Logger

	queue   chan string
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	backoff func() *util.Backoff
}

// NewArchiver returns an Archiver for cfg and starts its worker.
func NewArchiver(cfg ArchiveConfig, events *eventlog.Logger) (*Archiver, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("S3 is not configured")
	}
	return newArchiver(cfg, newS3Client(cfg), events), nil
}

func newArchiver(cfg ArchiveConfig, client objectStore, events *eventlog.Logger) *Archiver {
	a := &Archiver{
		cfg:     cfg,
		client:  client,
		events:  events,
		queue:   make(chan string, archiveQueueSize),
		stopCh:  make(chan struct{}),
		backoff: func() *util.Backoff { return util.NewBackoff(2*time.Second, time.Minute) },
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

// Enqueue queues a file for upload. A full queue drops the file.
func (a *Archiver) Enqueue(localPath string) {
	select {
	case a.queue <- localPath:
		slog.Info("queued recording for archive", "file", filepath.Base(localPath))
	default:
		slog.Warn("archive queue full", "file", filepath.Base(localPath))
	}
}

// Close stops the worker after draining queued uploads.
func (a *Archiver) Close() {
	a.once.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// worker processes the upload queue, draining remaining items on shutdown.
func (a *Archiver) worker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.stopCh:
			for {
				select {
				case p := <-a.queue:
					a.upload(p)
				default:
					return
				}
			}
		case p := <-a.queue:
			a.upload(p)
		}
	}
}

func (a *Archiver) upload(localPath string) {
	ctx, cancel := context.WithTimeoutCause(context.Background(), archiveUploadTimeout, errors.New("s3 upload timeout"))
	defer cancel()

	key := a.cfg.Key(localPath)
	err := util.Retry(ctx, a.backoff(), archiveAttempts, func() error {
		return a.put(ctx, localPath, key)
	})
	if err != nil {
		slog.Error("archive upload failed", "path", localPath, "s3_key", key, "error", err)
		a.events.LogArchive(eventlog.ArchiveFailed, &eventlog.ArchiveDetails{Path: localPath, S3Key: key, Error: err.Error()})
		return
	}

	slog.Info("archive upload completed", "s3_key", key)
	a.events.LogArchive(eventlog.ArchiveUploaded, &eventlog.ArchiveDetails{Path: localPath, S3Key: key})
}

func (a *Archiver) put(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer util.CloseLogged(file, localPath)

	info, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(localPath)),
	})
	return err
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".wav":
		return "audio/wav"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

// TestArchive checks the bucket by uploading and deleting a small object.
func TestArchive(ctx context.Context, cfg ArchiveConfig) error {
	if !cfg.IsConfigured() {
		return fmt.Errorf("S3 is not configured")
	}
	return testArchive(ctx, cfg, newS3Client(cfg))
}

func testArchive(ctx context.Context, cfg ArchiveConfig, client objectStore) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	key := cfg.Key(fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano()))
	content := []byte("zwfm-noisemeter connection test")

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
	})
	if err != nil {
		return util.WrapError("upload test file", err)
	}

	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		slog.Warn("failed to delete test file", "key", key, "error", err)
	}
	return nil
}
