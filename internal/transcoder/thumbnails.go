package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-packager/internal/engine"
	"github.com/amillerrr/vod-packager/pkg/models"
)

// ThumbnailDir is the package subdirectory holding preview images.
const ThumbnailDir = "thumbnails"

const thumbnailPattern = "thumb_%02d.jpg"

// Thumbnails samples every Nth frame of the original upload into the job's
// thumbnails directory. A short source may yield fewer images than
// configured; whatever was written is returned.
func (t *Transcoder) Thumbnails(ctx context.Context, sourcePath string, paths Paths) ([]string, error) {
	ctx, span := tracer.Start(ctx, "extract-thumbnails")
	defer span.End()

	if err := requireFile(sourcePath); err != nil {
		return nil, err
	}

	outDir := paths(ThumbnailDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create thumbnail dir: %v", models.ErrResource, err)
	}

	res, err := t.runner.Run(ctx, engine.Command{
		Tool: ToolThumbnail,
		Path: t.opts.FFmpegPath,
		Args: t.thumbnailArgs(sourcePath, paths(ThumbnailDir, thumbnailPattern)),
	})
	if err := checkResult(ToolThumbnail, res, err); err != nil {
		return nil, err
	}

	images, err := filepath.Glob(paths(ThumbnailDir, "thumb_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("%w: list thumbnails: %v", models.ErrResource, err)
	}
	sort.Strings(images)

	span.SetAttributes(attribute.Int("thumbnails.count", len(images)))
	if len(images) < t.opts.ThumbnailCount {
		t.log.WarnContext(ctx, "Fewer thumbnails than requested",
			"requested", t.opts.ThumbnailCount,
			"written", len(images),
		)
	}
	return images, nil
}

func (t *Transcoder) thumbnailArgs(input, output string) []string {
	selectExpr := fmt.Sprintf(`select=not(mod(n\,%d))`, t.opts.ThumbnailStride)
	return []string{
		"-hide_banner",
		"-nostdin",
		"-i", input,
		"-vf", selectExpr,
		"-fps_mode", "vfr",
		"-frames:v", strconv.Itoa(t.opts.ThumbnailCount),
		"-q:v", "2",
		"-n",
		output,
	}
}
