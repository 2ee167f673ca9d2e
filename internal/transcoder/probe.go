package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/amillerrr/vod-packager/internal/engine"
)

// ProbeResult is what ffprobe reports about an encoded file.
type ProbeResult struct {
	BitRate  int64
	Width    int
	Height   int
	Duration float64
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	BitRate   string `json:"bit_rate"`
}

// Probe measures path with ffprobe.
func (t *Transcoder) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, span := tracer.Start(ctx, "probe-output")
	defer span.End()

	if err := requireFile(path); err != nil {
		return nil, err
	}

	res, err := t.runner.Run(ctx, engine.Command{
		Tool: ToolProbe,
		Path: t.opts.FFprobePath,
		Args: []string{
			"-v", "error",
			"-print_format", "json",
			"-show_format",
			"-show_streams",
			path,
		},
	})
	if err := checkResult(ToolProbe, res, err); err != nil {
		return nil, err
	}
	return ParseProbe(res.Stdout)
}

// ParseProbe decodes ffprobe JSON output. The container bitrate is used when
// present, otherwise the stream bitrates are summed.
func ParseProbe(data []byte) (*ProbeResult, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}

	out := &ProbeResult{
		BitRate: parseInt(raw.Format.BitRate),
	}
	out.Duration, _ = strconv.ParseFloat(raw.Format.Duration, 64)

	var streamTotal int64
	for _, s := range raw.Streams {
		streamTotal += parseInt(s.BitRate)
		if s.CodecType == "video" && out.Width == 0 {
			out.Width = s.Width
			out.Height = s.Height
		}
	}
	if out.BitRate == 0 {
		out.BitRate = streamTotal
	}
	return out, nil
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
