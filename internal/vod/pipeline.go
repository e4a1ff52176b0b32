package vod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pulsecast/internal/models"
	"pulsecast/internal/observability/logging"
	"pulsecast/internal/observability/metrics"
)

// ErrNoRecording marks a finished session with no recording artifact on
// disk. It is terminal: there is nothing to retry against.
var ErrNoRecording = errors.New("no recording found")

// StreamStore is the slice of the lifecycle engine the pipeline needs:
// reading the stream and writing its VOD sub-record.
type StreamStore interface {
	GetStream(streamID string) (models.Stream, bool)
	UpdateVOD(ctx context.Context, streamID string, vod models.VOD) (models.Stream, error)
}

// Config wires the transcode pipeline.
type Config struct {
	Streams    StreamStore
	Transcoder Transcoder
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	// RecordingsDir holds the media server's raw session recordings.
	RecordingsDir string
	// OutputDir receives finished VOD files and thumbnails.
	OutputDir string
	// PublicBasePath prefixes the URL stored on the stream record.
	// Defaults to /vods.
	PublicBasePath string
	// JobTimeout bounds one transcode run. Defaults to 30m; a timeout is a
	// terminal failure like any other transcoder error.
	JobTimeout time.Duration
	// QueueSize bounds pending jobs. Defaults to 64.
	QueueSize int
}

const (
	defaultJobTimeout = 30 * time.Minute
	defaultQueueSize  = 64
)

// Pipeline turns finished sessions into VOD assets, one job per session.
// Jobs are deduplicated against the stream's VOD status so replayed triggers
// are no-ops.
type Pipeline struct {
	streams    StreamStore
	transcoder Transcoder
	logger     *slog.Logger
	metrics    *metrics.Metrics

	recordingsDir  string
	outputDir      string
	publicBasePath string
	jobTimeout     time.Duration

	jobs chan string

	mu       sync.Mutex
	inFlight map[string]struct{}

	now func() time.Time
}

// NewPipeline builds the pipeline from cfg.
func NewPipeline(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	basePath := cfg.PublicBasePath
	if basePath == "" {
		basePath = "/vods"
	}
	return &Pipeline{
		streams:        cfg.Streams,
		transcoder:     cfg.Transcoder,
		logger:         logging.WithComponent(logger, "vod"),
		metrics:        cfg.Metrics,
		recordingsDir:  cfg.RecordingsDir,
		outputDir:      cfg.OutputDir,
		publicBasePath: strings.TrimRight(basePath, "/"),
		jobTimeout:     timeout,
		jobs:           make(chan string, queueSize),
		inFlight:       make(map[string]struct{}),
		now:            time.Now,
	}
}

// Start runs the job worker until the returned stop function is called or
// the context is cancelled.
func (p *Pipeline) Start(ctx context.Context) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-workerCtx.Done():
				return
			case streamID := <-p.jobs:
				p.Process(workerCtx, streamID)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Enqueue schedules a transcode job for the stream. It never blocks; when
// the queue is full the job is dropped and logged, leaving the stream's VOD
// status untouched so an operator can re-trigger.
func (p *Pipeline) Enqueue(streamID string) {
	select {
	case p.jobs <- streamID:
	default:
		p.metrics.ObserveTranscodeJob("dropped")
		p.logger.Warn("transcode queue full, dropping job", "streamId", streamID)
	}
}

// Process runs one transcode job synchronously. Re-processing a stream whose
// VOD is already processing or completed is a no-op.
func (p *Pipeline) Process(ctx context.Context, streamID string) {
	if !p.claim(streamID) {
		p.metrics.ObserveTranscodeJob("skipped")
		return
	}
	defer p.release(streamID)

	stream, ok := p.streams.GetStream(streamID)
	if !ok {
		p.logger.Info("transcode target no longer exists", "streamId", streamID)
		return
	}
	switch stream.VOD.ProcessingStatus {
	case models.VODProcessing, models.VODCompleted:
		p.metrics.ObserveTranscodeJob("skipped")
		return
	}

	if _, err := p.streams.UpdateVOD(ctx, streamID, models.VOD{ProcessingStatus: models.VODProcessing}); err != nil {
		p.logger.Error("failed to mark vod processing", "streamId", streamID, "error", err)
		return
	}
	p.metrics.ObserveTranscodeJob("started")
	p.logger.Info("transcode job started", "streamId", streamID, "streamKey", stream.StreamKey)

	recording, err := newestRecording(p.recordingsDir, stream.StreamKey)
	if err != nil {
		p.fail(ctx, streamID, err)
		return
	}

	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		p.fail(ctx, streamID, fmt.Errorf("create vod dir: %w", err))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	outputPath := filepath.Join(p.outputDir, streamID+".mp4")
	result, err := p.transcoder.Transcode(jobCtx, recording, outputPath)
	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("transcode timed out after %s", p.jobTimeout)
		}
		p.fail(ctx, streamID, err)
		return
	}

	thumbnailURL := ""
	thumbnailPath := filepath.Join(p.outputDir, streamID+".jpg")
	if err := p.transcoder.ExtractThumbnail(jobCtx, result.OutputPath, thumbnailPath); err != nil {
		// A missing thumbnail does not fail the VOD.
		p.logger.Warn("thumbnail extraction failed", "streamId", streamID, "error", err)
	} else {
		thumbnailURL = p.publicBasePath + "/" + filepath.Base(thumbnailPath)
	}

	completed := p.now().UTC()
	vod := models.VOD{
		ProcessingStatus: models.VODCompleted,
		URL:              p.publicBasePath + "/" + filepath.Base(result.OutputPath),
		ThumbnailURL:     thumbnailURL,
		DurationSeconds:  result.DurationSeconds,
		FileSizeBytes:    result.FileSizeBytes,
		CompletedAt:      &completed,
	}
	if _, err := p.streams.UpdateVOD(ctx, streamID, vod); err != nil {
		p.logger.Error("failed to mark vod completed", "streamId", streamID, "error", err)
		return
	}
	p.metrics.ObserveTranscodeJob("completed")
	p.logger.Info("transcode job completed",
		"streamId", streamID,
		"url", vod.URL,
		"durationSeconds", vod.DurationSeconds,
		"fileSizeBytes", vod.FileSizeBytes)

	// The finished VOD supersedes the raw recording.
	if err := os.Remove(recording); err != nil {
		p.logger.Warn("failed to remove raw recording", "path", recording, "error", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, streamID string, cause error) {
	p.metrics.ObserveTranscodeJob("failed")
	p.logger.Error("transcode job failed", "streamId", streamID, "error", cause)
	vod := models.VOD{ProcessingStatus: models.VODFailed, Error: cause.Error()}
	if _, err := p.streams.UpdateVOD(ctx, streamID, vod); err != nil {
		p.logger.Error("failed to mark vod failed", "streamId", streamID, "error", err)
	}
}

func (p *Pipeline) claim(streamID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[streamID]; busy {
		return false
	}
	p.inFlight[streamID] = struct{}{}
	return true
}

func (p *Pipeline) release(streamID string) {
	p.mu.Lock()
	delete(p.inFlight, streamID)
	p.mu.Unlock()
}

// newestRecording returns the most recently modified recording file for the
// stream key. Absence is ErrNoRecording, a terminal condition.
func newestRecording(dir, streamKey string) (string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w for key %s", ErrNoRecording, streamKey)
	}
	if err != nil {
		return "", fmt.Errorf("read recordings dir: %w", err)
	}

	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if base != streamKey && !strings.HasPrefix(base, streamKey+"-") && !strings.HasPrefix(base, streamKey+"_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, name)
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w for key %s", ErrNoRecording, streamKey)
	}
	return newest, nil
}
