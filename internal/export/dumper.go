package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"offline-meal-queue/internal/config"
	"offline-meal-queue/internal/models"
)

// Source is the read side of the queue a snapshot is taken from.
type Source interface {
	ListAll(ctx context.Context) []models.PendingEvent
	OldestAgeInDays(ctx context.Context) float64
}

// Snapshot is a point-in-time copy of the pending queue for support staff.
type Snapshot struct {
	DeviceID      string                `json:"deviceId"`
	TakenAt       time.Time             `json:"takenAt"`
	PendingCount  int                   `json:"pendingCount"`
	OldestAgeDays float64               `json:"oldestAgeDays"`
	Events        []models.PendingEvent `json:"events"`
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Dumper writes queue snapshots to a local directory or an S3 bucket. It
// never mutates the queue.
type Dumper struct {
	deviceID string
	source   Source
	local    uploader
	s3       uploader
	now      func() time.Time
	logger   zerolog.Logger
}

// NewDumper chooses uploaders from cfg. S3 is only set up when a bucket is
// configured.
func NewDumper(ctx context.Context, cfg config.Config, source Source, logger zerolog.Logger) (*Dumper, error) {
	baseDir := cfg.DumpDir
	if baseDir == "" {
		baseDir = "./dumps"
	}
	d := &Dumper{
		deviceID: cfg.DeviceID,
		source:   source,
		local:    &localUploader{baseDir: baseDir},
		now:      time.Now,
		logger:   logger.With().Str("component", "export").Logger(),
	}
	if cfg.DumpS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		d.s3 = &s3Uploader{client: client, bucket: cfg.DumpS3Bucket}
	}
	return d, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DumpS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.DumpS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DumpS3Endpoint)
		}
		o.UsePathStyle = cfg.DumpS3PathStyle
	}), nil
}

// Take builds a snapshot without writing it anywhere.
func (d *Dumper) Take(ctx context.Context) Snapshot {
	events := d.source.ListAll(ctx)
	if events == nil {
		events = []models.PendingEvent{}
	}
	return Snapshot{
		DeviceID:      d.deviceID,
		TakenAt:       d.now().UTC(),
		PendingCount:  len(events),
		OldestAgeDays: d.source.OldestAgeInDays(ctx),
		Events:        events,
	}
}

// Dump writes a snapshot to destination ("local", "s3" or "" for the best
// configured one) and returns where it landed.
func (d *Dumper) Dump(ctx context.Context, destination string) (string, error) {
	snap := d.Take(ctx)
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	up, err := d.pickUploader(destination)
	if err != nil {
		return "", err
	}
	location, err := up.Upload(ctx, snapshotKey(snap), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	d.logger.Info().Str("location", location).Int("pending", snap.PendingCount).Msg("queue snapshot written")
	return location, nil
}

func snapshotKey(s Snapshot) string {
	device := s.DeviceID
	if device == "" {
		device = "unknown"
	}
	return sanitizeKey(fmt.Sprintf("%s/queue-%s.json", device, s.TakenAt.Format("20060102T150405Z")))
}

func (d *Dumper) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if d.s3 != nil {
			return d.s3, nil
		}
		return nil, errors.New("destination s3 requested but DUMP_S3_BUCKET is not configured")
	case "local":
		return d.local, nil
	case "":
		if d.s3 != nil {
			return d.s3, nil
		}
		return d.local, nil
	default:
		return nil, fmt.Errorf("unknown destination %q", destination)
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
