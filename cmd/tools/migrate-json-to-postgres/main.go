// Command migrate-json-to-postgres copies stream and VOD data from the JSON
// datastore into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"pulsecast/internal/config"
	"pulsecast/internal/observability/logging"
	"pulsecast/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/store.json", "path to the JSON datastore to migrate")
	dsn := flag.String("postgres-dsn", "", "Postgres connection string")
	truncate := flag.Bool("truncate", false, "truncate destination tables before copying")
	flag.Parse()

	logger := logging.Init(logging.Config{Level: config.GetEnv("PULSECAST_LOG_LEVEL", "info")})

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = config.GetEnv("PULSECAST_POSTGRES_DSN", "")
	}
	if target == "" {
		fmt.Fprintln(os.Stderr, "usage: migrate-json-to-postgres -json <path> -postgres-dsn <dsn>")
		os.Exit(2)
	}

	source, err := storage.NewStorage(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON datastore", "path", *jsonPath, "error", err)
		os.Exit(1)
	}
	defer source.Close()

	// Opening the repository applies the schema; the raw pool below is only
	// used for the optional truncate.
	dest, err := storage.NewPostgresRepository(storage.PostgresConfig{DSN: target, ApplicationName: "pulsecast-migrate"})
	if err != nil {
		logger.Error("failed to open Postgres datastore", "error", err)
		os.Exit(1)
	}
	defer dest.Close()

	ctx := context.Background()
	if *truncate {
		pool, err := pgxpool.New(ctx, target)
		if err != nil {
			logger.Error("failed to open pool for truncate", "error", err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, "TRUNCATE streams, vod_records"); err != nil {
			pool.Close()
			logger.Error("failed to truncate destination tables", "error", err)
			os.Exit(1)
		}
		pool.Close()
	}

	streams := source.ListStreams()
	migrated := 0
	for _, stream := range streams {
		created, err := dest.CreateStream(storage.CreateStreamParams{
			StreamKey: stream.StreamKey,
			OwnerID:   stream.OwnerID,
			Title:     stream.Title,
		})
		if err != nil {
			logger.Error("failed to create stream", "streamKey", stream.StreamKey, "error", err)
			os.Exit(1)
		}
		if _, err := dest.UpdateStream(created.ID, storage.StreamUpdate{
			Status:           &stream.Status,
			IsLive:           &stream.IsLive,
			ViewerCount:      &stream.ViewerCount,
			TotalViewerCount: &stream.TotalViewerCount,
			LikeCount:        &stream.LikeCount,
			StartTime:        stream.StartTime,
			EndTime:          stream.EndTime,
			DeleteAfter:      stream.DeleteAfter,
			VOD:              &stream.VOD,
		}); err != nil {
			logger.Error("failed to copy stream state", "streamKey", stream.StreamKey, "error", err)
			os.Exit(1)
		}
		migrated++
	}

	records := source.ListVODRecords()
	for _, record := range records {
		if err := dest.SaveVODRecord(record); err != nil {
			logger.Error("failed to copy vod record", "originalStreamId", record.OriginalStreamID, "error", err)
			os.Exit(1)
		}
	}

	logger.Info("migration complete", "streams", migrated, "vodRecords", len(records))
}
