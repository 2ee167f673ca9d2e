// Package ingest lands uploaded source files in the upload directory.
//
// Bytes are written to a ".part" file that is renamed into place only after
// the whole body has been copied, so the worker never observes a partial
// source.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-packager/pkg/models"
)

const partSuffix = ".part"

var tracer = otel.Tracer("vod-ingest")

// Upload describes a source file that has been fully received.
type Upload struct {
	JobID models.JobID
	Path  string
	Size  int64
}

// Receiver writes upload bodies under a single directory.
type Receiver struct {
	dir      string
	maxBytes int64
	log      *slog.Logger
}

// NewReceiver creates a Receiver. A maxBytes of zero means no limit.
func NewReceiver(dir string, maxBytes int64, log *slog.Logger) *Receiver {
	return &Receiver{
		dir:      dir,
		maxBytes: maxBytes,
		log:      log,
	}
}

// Dir returns the upload directory.
func (r *Receiver) Dir() string {
	return r.dir
}

// SourcePath returns where the source for id with the given filename lands.
func (r *Receiver) SourcePath(id models.JobID, filename string) string {
	return filepath.Join(r.dir, string(id)+Extension(filename))
}

// Receive copies body to the upload directory as the source for id.
func (r *Receiver) Receive(ctx context.Context, id models.JobID, filename string, body io.Reader) (*Upload, error) {
	ctx, span := tracer.Start(ctx, "receive-upload")
	defer span.End()

	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	final := r.SourcePath(id, filename)
	part := final + partSuffix

	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}

	written, err := r.copy(ctx, f, body)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close upload file: %w", closeErr)
	}
	if err != nil {
		r.remove(ctx, part)
		span.RecordError(err)
		return nil, err
	}

	if err := os.Rename(part, final); err != nil {
		r.remove(ctx, part)
		return nil, fmt.Errorf("failed to finalize upload: %w", err)
	}

	span.SetAttributes(
		attribute.String("job.id", string(id)),
		attribute.Int64("upload.size_bytes", written),
	)
	r.log.InfoContext(ctx, "Received upload",
		"jobId", id,
		"path", final,
		"sizeBytes", written,
	)

	return &Upload{JobID: id, Path: final, Size: written}, nil
}

func (r *Receiver) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	src = &contextReader{ctx: ctx, r: src}
	if r.maxBytes > 0 {
		src = io.LimitReader(src, r.maxBytes+1)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, fmt.Errorf("upload interrupted: %w", ctxErr)
		}
		return n, fmt.Errorf("failed to write upload: %w", err)
	}
	if r.maxBytes > 0 && n > r.maxBytes {
		return n, fmt.Errorf("%w: limit is %d bytes", models.ErrUploadTooLarge, r.maxBytes)
	}
	if n == 0 {
		return 0, errors.New("upload is empty")
	}
	return n, nil
}

// Discard removes a received source, used when the job could not be queued.
func (r *Receiver) Discard(ctx context.Context, u *Upload) {
	if u != nil {
		r.remove(ctx, u.Path)
	}
}

func (r *Receiver) remove(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.log.WarnContext(ctx, "Failed to remove upload file", "path", path, "error", err)
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
