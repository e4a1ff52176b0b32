// Command transcoder re-runs VOD processing for one stream. Failed jobs are
// never retried automatically, so this is the operator's manual re-trigger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"pulsecast/internal/config"
	"pulsecast/internal/lifecycle"
	"pulsecast/internal/models"
	"pulsecast/internal/observability/logging"
	"pulsecast/internal/storage"
	"pulsecast/internal/vod"
)

func main() {
	dataPath := flag.String("data", "", "path to JSON datastore")
	streamID := flag.String("stream", "", "id of the stream to transcode")
	recordingsDir := flag.String("recordings-dir", "", "directory holding raw session recordings")
	vodDir := flag.String("vod-dir", "", "directory receiving finished VOD files")
	timeout := flag.Duration("timeout", 0, "transcode timeout")
	force := flag.Bool("force", false, "reprocess even when a VOD already completed")
	flag.Parse()

	if err := config.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	logger := logging.Init(logging.Config{Level: config.GetEnv("PULSECAST_LOG_LEVEL", "info")})

	if *streamID == "" {
		fmt.Fprintln(os.Stderr, "usage: transcoder -stream <id> [-force]")
		os.Exit(2)
	}

	dataFile := *dataPath
	if dataFile == "" {
		dataFile = config.GetEnv("PULSECAST_DATA", "data/store.json")
	}
	store, err := storage.NewStorage(dataFile)
	if err != nil {
		logger.Error("failed to open datastore", "path", dataFile, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	engine := lifecycle.NewEngine(lifecycle.Config{Repository: store, Logger: logger})

	stream, ok := engine.GetStream(*streamID)
	if !ok {
		logger.Error("stream not found", "streamId", *streamID)
		os.Exit(1)
	}

	ctx := context.Background()
	switch stream.VOD.ProcessingStatus {
	case models.VODCompleted:
		if !*force {
			logger.Info("vod already completed, pass -force to reprocess", "streamId", stream.ID)
			return
		}
		fallthrough
	case models.VODProcessing, models.VODFailed:
		// Reset so the pipeline's idempotent guard lets the job through.
		if _, err := engine.UpdateVOD(ctx, stream.ID, models.VOD{ProcessingStatus: models.VODNone}); err != nil {
			logger.Error("failed to reset vod status", "streamId", stream.ID, "error", err)
			os.Exit(1)
		}
	}

	recordings := *recordingsDir
	if recordings == "" {
		recordings = config.GetEnv("PULSECAST_RECORDINGS_DIR", "data/recordings")
	}
	output := *vodDir
	if output == "" {
		output = config.GetEnv("PULSECAST_VOD_DIR", "data/vods")
	}

	pipeline := vod.NewPipeline(vod.Config{
		Streams:        engine,
		Transcoder:     vod.NewFFmpegTranscoder(),
		Logger:         logger,
		RecordingsDir:  recordings,
		OutputDir:      output,
		PublicBasePath: config.GetEnv("PULSECAST_VOD_BASE_PATH", ""),
		JobTimeout:     *timeout,
	})
	pipeline.Process(ctx, stream.ID)

	updated, _ := engine.GetStream(stream.ID)
	switch updated.VOD.ProcessingStatus {
	case models.VODCompleted:
		logger.Info("transcode finished", "streamId", updated.ID, "url", updated.VOD.URL)
	default:
		logger.Error("transcode did not complete", "streamId", updated.ID,
			"status", string(updated.VOD.ProcessingStatus), "reason", updated.VOD.Error)
		os.Exit(1)
	}
}
