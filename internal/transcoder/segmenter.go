package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-packager/internal/engine"
	"github.com/amillerrr/vod-packager/pkg/models"
)

// Segment cuts r's encoded file into fixed-duration MPEG-TS segments next to
// a media playlist. It returns the playlist path and the segment paths in
// playlist order.
func (t *Transcoder) Segment(ctx context.Context, paths Paths, r *models.Rendition) (string, []string, error) {
	ctx, span := tracer.Start(ctx, "segment-rendition")
	defer span.End()
	span.SetAttributes(attribute.String("rendition.name", r.Name))

	if r.VideoArtifactPath == "" {
		return "", nil, fmt.Errorf("%w: rendition %s has no encoded file", models.ErrInputMissing, r.Name)
	}
	if err := requireFile(r.VideoArtifactPath); err != nil {
		return "", nil, err
	}

	playlist := paths(r.PlaylistName())
	if err := removeStaleSegments(paths(), r.Name); err != nil {
		return "", nil, err
	}

	res, err := t.runner.Run(ctx, engine.Command{
		Tool: ToolSegment,
		Path: t.opts.FFmpegPath,
		Args: t.segmentArgs(r.VideoArtifactPath, paths, r),
	})
	if err := checkResult(ToolSegment, res, err); err != nil {
		return "", nil, err
	}
	if err := requireOutput(ToolSegment, playlist); err != nil {
		return "", nil, err
	}

	data, err := os.ReadFile(playlist)
	if err != nil {
		return "", nil, fmt.Errorf("%w: read %s: %v", models.ErrResource, playlist, err)
	}
	uris := ParseMediaPlaylist(data)
	if len(uris) == 0 {
		return "", nil, &models.ToolError{Tool: ToolSegment, StderrTail: "playlist lists no segments"}
	}

	segments := make([]string, len(uris))
	for i, uri := range uris {
		segments[i] = paths(filepath.FromSlash(uri))
	}

	span.SetAttributes(attribute.Int("segments.count", len(segments)))
	t.log.InfoContext(ctx, "Rendition segmented",
		"rendition", r.Name,
		"segments", len(segments),
	)
	return playlist, segments, nil
}

func (t *Transcoder) segmentArgs(input string, paths Paths, r *models.Rendition) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", input,
		"-map", "0",
		"-c", "copy",
		"-f", "hls",
		"-hls_time", strconv.Itoa(t.opts.SegmentDuration),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", paths(r.SegmentPattern()),
		paths(r.PlaylistName()),
	}
}

// removeStaleSegments deletes segment files left by an earlier run of the
// same rendition so they cannot end up in the published package.
func removeStaleSegments(dir, name string) error {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(name) + `_[0-9]{3,}\.ts$`)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", models.ErrResource, dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !pattern.MatchString(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: remove stale segment: %v", models.ErrResource, err)
		}
	}
	return nil
}
