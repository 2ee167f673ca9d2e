// Package transcoder adapts ffmpeg and ffprobe to the packaging pipeline:
// one encode per rendition, one segmenting pass per encode, preview
// thumbnails and bitrate probing.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-packager/internal/config"
	"github.com/amillerrr/vod-packager/internal/engine"
	"github.com/amillerrr/vod-packager/pkg/models"
)

// Tool labels used for logs, metrics and failure detail.
const (
	ToolTranscode = "transcode"
	ToolSegment   = "segment"
	ToolThumbnail = "thumbnail"
	ToolProbe     = "probe"
)

// Input limits handed to the encoder so a damaged container cannot make it
// read unbounded data before the first frame.
const (
	ProbeSize       = "32M"
	AnalyzeDuration = "30M"
	PixelFormat     = "yuv420p"
	VideoCodec      = "libx264"
	AudioCodec      = "aac"
	EncoderPreset   = "veryfast"
)

var tracer = otel.Tracer("vod-transcoder")

// Options holds the tool locations and packaging constants.
type Options struct {
	FFmpegPath      string
	FFprobePath     string
	SegmentDuration int
	ThumbnailCount  int
	ThumbnailStride int
}

// OptionsFromConfig extracts Options from the pipeline configuration.
func OptionsFromConfig(p config.PipelineConfig) Options {
	return Options{
		FFmpegPath:      p.FFmpegPath,
		FFprobePath:     p.FFprobePath,
		SegmentDuration: p.SegmentDuration,
		ThumbnailCount:  p.ThumbnailCount,
		ThumbnailStride: p.ThumbnailStride,
	}
}

// Paths resolves names inside one job's working directory. With no names it
// returns the directory itself.
type Paths func(name ...string) string

// Transcoder runs the external tools through an engine.Runner.
type Transcoder struct {
	runner engine.Runner
	opts   Options
	log    *slog.Logger
}

// New creates a Transcoder.
func New(runner engine.Runner, opts Options, log *slog.Logger) *Transcoder {
	return &Transcoder{
		runner: runner,
		opts:   opts,
		log:    log,
	}
}

// Transcode encodes sourcePath into {rendition}.mp4 in the job directory and
// returns that path. It refuses to overwrite an existing output.
func (t *Transcoder) Transcode(ctx context.Context, sourcePath string, paths Paths, r *models.Rendition) (string, error) {
	ctx, span := tracer.Start(ctx, "transcode-rendition")
	defer span.End()
	span.SetAttributes(
		attribute.String("rendition.name", r.Name),
		attribute.Int("rendition.quality", r.QualityParam),
	)

	if err := requireFile(sourcePath); err != nil {
		return "", err
	}

	out := paths(r.VideoName())
	if _, err := os.Stat(out); err == nil {
		return "", fmt.Errorf("%w: %s", models.ErrOutputExists, out)
	}

	res, err := t.runner.Run(ctx, engine.Command{
		Tool: ToolTranscode,
		Path: t.opts.FFmpegPath,
		Args: t.transcodeArgs(sourcePath, out, r.QualityParam),
	})
	if err := checkResult(ToolTranscode, res, err); err != nil {
		return "", err
	}
	if err := requireOutput(ToolTranscode, out); err != nil {
		return "", err
	}

	t.log.InfoContext(ctx, "Rendition transcoded",
		"rendition", r.Name,
		"output", out,
		"durationMs", res.Duration.Milliseconds(),
	)
	return out, nil
}

func (t *Transcoder) transcodeArgs(input, output string, quality int) []string {
	keyframes := fmt.Sprintf("expr:gte(t,n_forced*%d)", t.opts.SegmentDuration)
	return []string{
		"-hide_banner",
		"-nostdin",
		"-fflags", "+genpts",
		"-probesize", ProbeSize,
		"-analyzeduration", AnalyzeDuration,
		"-i", input,
		"-map", "0:v:0",
		"-map", "0:a?",
		"-pix_fmt", PixelFormat,
		"-c:v", VideoCodec,
		"-preset", EncoderPreset,
		"-crf", strconv.Itoa(quality),
		"-sc_threshold", "0",
		"-force_key_frames", keyframes,
		"-c:a", AudioCodec,
		"-movflags", "+faststart",
		"-n",
		output,
	}
}

// requireFile fails with ErrInputMissing unless path is an existing regular file.
func requireFile(path string) error {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", models.ErrInputMissing, path)
	case err != nil:
		return fmt.Errorf("%w: stat %s: %v", models.ErrResource, path, err)
	case info.IsDir():
		return fmt.Errorf("%w: %s is a directory", models.ErrInputMissing, path)
	}
	return nil
}

// requireOutput fails with a ToolError when a tool exited zero without
// writing its output.
func requireOutput(tool, path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return &models.ToolError{
			Tool:       tool,
			StderrTail: fmt.Sprintf("expected output %s was not produced", filepath.Base(path)),
		}
	}
	return nil
}

// checkResult turns a runner outcome into the adapter's error.
func checkResult(tool string, res engine.ExitResult, err error) error {
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &models.ToolError{
			Tool:       tool,
			ExitCode:   res.ExitCode,
			StderrTail: res.StderrTail,
		}
	}
	return nil
}
