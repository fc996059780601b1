package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// EncodeRequest assembles an ordered frame list into one video.
type EncodeRequest struct {
	Frames      []string // absolute paths, encode order
	Output      string   // absolute .mp4 path
	FPS         int
	Codec       string // default libx264
	Quality     string // low | medium | high
	QualityTier string // preview | archive
	CRF         int    // explicit CRF overrides the preset table when > 0
	FilterChain string // optional -vf value
}

// EncodeResult is the produced video's metadata.
type EncodeResult struct {
	Output     string
	FrameCount int
	SizeMB     float64
}

// qualityPreset maps (tier, quality) onto x264 CRF and speed preset.
// Preview encodes favor turnaround; archive encodes favor size/quality.
type qualityPreset struct {
	crf    int
	preset string
}

var qualityPresets = map[string]map[string]qualityPreset{
	"preview": {
		"low":    {crf: 28, preset: "fast"},
		"medium": {crf: 23, preset: "medium"},
		"high":   {crf: 18, preset: "medium"},
	},
	"archive": {
		"low":    {crf: 20, preset: "medium"},
		"medium": {crf: 16, preset: "slow"},
		"high":   {crf: 12, preset: "slow"},
	},
}

func presetFor(tier, quality string) qualityPreset {
	tierTable, ok := qualityPresets[tier]
	if !ok {
		tierTable = qualityPresets["preview"]
	}
	p, ok := tierTable[quality]
	if !ok {
		p = tierTable["medium"]
	}
	return p
}

// Encode runs ffmpeg over an explicit concat list. The concat demuxer
// (not glob patterns) keeps frame order identical to the ledger's
// ordering regardless of filename collation.
func Encode(ctx context.Context, req EncodeRequest) (EncodeResult, error) {
	log := slog.Default()

	if len(req.Frames) == 0 {
		return EncodeResult{}, fmt.Errorf("no frames to encode")
	}
	if req.FPS <= 0 {
		req.FPS = 24
	}
	if req.Codec == "" {
		req.Codec = "libx264"
	}
	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return EncodeResult{}, err
	}

	listPath, err := writeConcatList(req.Frames)
	if err != nil {
		return EncodeResult{}, err
	}
	defer os.Remove(listPath)

	p := presetFor(req.QualityTier, req.Quality)
	crf := p.crf
	if req.CRF > 0 {
		crf = req.CRF
	}

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-r", fmt.Sprint(req.FPS),
		"-i", listPath,
		"-c:v", req.Codec,
		"-preset", p.preset,
		"-crf", fmt.Sprint(crf),
		"-pix_fmt", "yuv420p",
	}
	if req.FilterChain != "" {
		args = append(args, "-vf", req.FilterChain)
	}
	args = append(args, req.Output)

	log.Info("encoding timelapse",
		"frames", len(req.Frames), "output", req.Output,
		"fps", req.FPS, "crf", crf, "preset", p.preset)

	cmd := exec.CommandContext(ctx, ToolFFmpeg, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Error("ffmpeg failed", "error", err, "ffmpeg_output", tail(string(output), 2000))
		return EncodeResult{}, fmt.Errorf("ffmpeg: %w", err)
	}

	stat, err := os.Stat(req.Output)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("ffmpeg produced no output: %w", err)
	}

	return EncodeResult{
		Output:     req.Output,
		FrameCount: len(req.Frames),
		SizeMB:     float64(stat.Size()) / (1024 * 1024),
	}, nil
}

// Thumbnail extracts one frame at the 1 second mark into
// {output}_thumb.jpg next to the video. Best effort.
func Thumbnail(ctx context.Context, videoPath string) (string, error) {
	thumb := strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + "_thumb.jpg"
	cmd := exec.CommandContext(ctx, ToolFFmpeg,
		"-y", "-ss", "1", "-i", videoPath, "-frames:v", "1", thumb)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("thumbnail: %w (%s)", err, tail(string(output), 500))
	}
	return thumb, nil
}

// writeConcatList emits the ffmpeg concat demuxer file. Single quotes in
// paths are escaped per the demuxer's quoting rules.
func writeConcatList(frames []string) (string, error) {
	f, err := os.CreateTemp("", "skylapse-frames-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	for _, frame := range frames {
		escaped := strings.ReplaceAll(frame, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
