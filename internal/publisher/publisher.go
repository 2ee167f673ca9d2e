// Package publisher uploads a finished package to object storage.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/amillerrr/vod-packager/internal/metrics"
	"github.com/amillerrr/vod-packager/pkg/models"
)

// Upload configuration
const (
	MaxConcurrentUploads = 20
	KeyPrefix            = "videos"
	EntryPoint           = models.MasterPlaylistName
)

var tracer = otel.Tracer("vod-publisher")

// ObjectStore is the subset of the S3 client used for publishing.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Result describes a published package.
type Result struct {
	URL   string
	Keys  []string
	Bytes int64
}

// Publisher uploads package directories under videos/{job}/.
type Publisher struct {
	client       ObjectStore
	bucket       string
	playbackHost string
	log          *slog.Logger
}

// New creates a Publisher. playbackHost is the host of the canonical
// playback URL, usually the bucket's virtual-hosted S3 endpoint or a CDN.
func New(client ObjectStore, bucket, playbackHost string, log *slog.Logger) *Publisher {
	return &Publisher{
		client:       client,
		bucket:       bucket,
		playbackHost: playbackHost,
		log:          log,
	}
}

// ObjectPrefix returns the key prefix owned by a job.
func ObjectPrefix(id models.JobID) string {
	return fmt.Sprintf("%s/%s/", KeyPrefix, id)
}

// PlaybackURL returns the canonical URL of a job's master playlist.
func PlaybackURL(host string, id models.JobID) string {
	return fmt.Sprintf("https://%s/%s%s", host, ObjectPrefix(id), EntryPoint)
}

// Publish uploads every file under dir to videos/{id}/{relative path}.
// The master playlist goes last so the playback URL only resolves once all
// referenced objects exist. If any upload fails an error wrapping
// models.ErrPublish is returned and the objects already written are deleted,
// unless an earlier package for id is live: its master playlist still
// references those keys, so they are left in place.
func (p *Publisher) Publish(ctx context.Context, id models.JobID, dir string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "publish-package")
	defer span.End()

	if err := id.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	files, entry, err := collectFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPublish, err)
	}
	if entry == "" {
		return nil, fmt.Errorf("%w: %s not found in package", models.ErrPublish, EntryPoint)
	}

	replacing := p.live(ctx, id)

	var (
		mu       sync.Mutex
		uploaded []string
		total    atomic.Int64
	)
	record := func(key string, size int64) {
		mu.Lock()
		uploaded = append(uploaded, key)
		mu.Unlock()
		total.Add(size)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentUploads)
	for _, rel := range files {
		g.Go(func() error {
			size, err := p.upload(gctx, id, dir, rel)
			if err != nil {
				return err
			}
			record(p.key(id, rel), size)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.abort(ctx, id, uploaded, replacing)
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", models.ErrPublish, err)
	}

	size, err := p.upload(ctx, id, dir, entry)
	if err != nil {
		p.abort(ctx, id, uploaded, replacing)
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", models.ErrPublish, err)
	}
	record(p.key(id, entry), size)

	bytes := total.Load()
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	metrics.PublishedObjects.Add(float64(len(uploaded)))
	metrics.PublishedBytes.Add(float64(bytes))

	span.SetAttributes(
		attribute.Int("files.uploaded", len(uploaded)),
		attribute.Int64("bytes.total", bytes),
		attribute.Bool("publish.replaced", replacing),
	)

	url := PlaybackURL(p.playbackHost, id)
	p.log.InfoContext(ctx, "Package published",
		"jobId", id,
		"filesUploaded", len(uploaded),
		"totalBytes", bytes,
		"playbackURL", url,
	)

	return &Result{URL: url, Keys: uploaded, Bytes: bytes}, nil
}

func (p *Publisher) key(id models.JobID, rel string) string {
	return ObjectPrefix(id) + filepath.ToSlash(rel)
}

func (p *Publisher) upload(ctx context.Context, id models.JobID, dir, rel string) (int64, error) {
	ctx, span := tracer.Start(ctx, "upload-object")
	defer span.End()

	key := p.key(id, rel)
	span.SetAttributes(attribute.String("s3.key", key))

	file, err := os.Open(filepath.Join(dir, rel))
	if err != nil {
		return 0, fmt.Errorf("failed to open file %s: %w", rel, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file %s: %w", rel, err)
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(ContentType(rel)),
		ACL:           types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	p.log.DebugContext(ctx, "Uploaded file", "key", key)
	return info.Size(), nil
}

// live reports whether a package for id is already published. Any error
// other than NotFound counts as live.
func (p *Publisher) live(ctx context.Context, id models.JobID) bool {
	key := p.key(id, EntryPoint)
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false
	}
	p.log.WarnContext(ctx, "Could not check for a published package", "key", key, "error", err)
	return true
}

// abort undoes a failed publish. Keys are only deleted when no earlier
// package for id is live.
func (p *Publisher) abort(ctx context.Context, id models.JobID, uploaded []string, replacing bool) {
	if replacing {
		p.log.WarnContext(ctx, "Publish failed over a live package, keeping overwritten objects",
			"jobId", id,
			"overwritten", len(uploaded),
		)
		return
	}
	p.rollback(ctx, uploaded)
}

// rollback deletes already uploaded keys. It runs even if ctx was canceled.
func (p *Publisher) rollback(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	var failed int
	for _, key := range keys {
		_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			failed++
			p.log.WarnContext(ctx, "Failed to delete object during rollback", "key", key, "error", err)
		}
	}
	p.log.WarnContext(ctx, "Publish rolled back", "deleted", len(keys)-failed, "failed", failed)
}

// collectFiles lists package files relative to dir, with the entry point
// returned separately.
func collectFiles(dir string) (files []string, entry string, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		if rel == EntryPoint {
			entry = rel
			return nil
		}
		files = append(files, rel)
		return nil
	})
	return files, entry, err
}

// ContentType returns the content type for a package file.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/MP2T"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
