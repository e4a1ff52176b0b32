package vod

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// TranscodeResult describes the artifact produced by a transcode run.
type TranscodeResult struct {
	OutputPath      string
	DurationSeconds float64
	FileSizeBytes   int64
}

// Transcoder converts a raw recording into a servable VOD asset. Both calls
// run external processes and must respect ctx cancellation; the pipeline
// applies the job timeout through ctx.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath string) (TranscodeResult, error)
	ExtractThumbnail(ctx context.Context, inputPath, outputPath string) error
}

// FFmpegTranscoder shells out to ffmpeg/ffprobe.
type FFmpegTranscoder struct {
	FFmpegPath  string
	FFprobePath string
}

// NewFFmpegTranscoder resolves the binaries from PATH when not set.
func NewFFmpegTranscoder() *FFmpegTranscoder {
	return &FFmpegTranscoder{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"}
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, inputPath, outputPath string) (TranscodeResult, error) {
	cmd := exec.CommandContext(ctx, t.FFmpegPath,
		"-y",
		"-i", inputPath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-movflags", "+faststart",
		outputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return TranscodeResult{}, fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return TranscodeResult{}, fmt.Errorf("stat transcode output: %w", err)
	}
	duration, err := t.probeDuration(ctx, outputPath)
	if err != nil {
		return TranscodeResult{}, err
	}
	return TranscodeResult{
		OutputPath:      outputPath,
		DurationSeconds: duration,
		FileSizeBytes:   info.Size(),
	}, nil
}

func (t *FFmpegTranscoder) ExtractThumbnail(ctx context.Context, inputPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, t.FFmpegPath,
		"-y",
		"-i", inputPath,
		"-ss", "00:00:01",
		"-vframes", "1",
		"-vf", "scale=640:-1",
		outputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

func (t *FFmpegTranscoder) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, t.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration: %w", err)
	}
	return duration, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
