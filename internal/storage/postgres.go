package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulsecast/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	QueryTimeout    time.Duration
	ApplicationName string
}

const defaultQueryTimeout = 5 * time.Second

const streamsSchema = `
CREATE TABLE IF NOT EXISTS streams (
    id                 TEXT PRIMARY KEY,
    stream_key         TEXT NOT NULL UNIQUE,
    owner_id           TEXT NOT NULL DEFAULT '',
    title              TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL DEFAULT 'inactive',
    is_live            BOOLEAN NOT NULL DEFAULT FALSE,
    viewer_count       INTEGER NOT NULL DEFAULT 0,
    total_viewer_count INTEGER NOT NULL DEFAULT 0,
    like_count         INTEGER NOT NULL DEFAULT 0,
    start_time         TIMESTAMPTZ,
    end_time           TIMESTAMPTZ,
    delete_after       TIMESTAMPTZ,
    vod_status         TEXT NOT NULL DEFAULT 'none',
    vod_url            TEXT NOT NULL DEFAULT '',
    vod_thumbnail_url  TEXT NOT NULL DEFAULT '',
    vod_duration       DOUBLE PRECISION NOT NULL DEFAULT 0,
    vod_file_size      BIGINT NOT NULL DEFAULT 0,
    vod_error          TEXT NOT NULL DEFAULT '',
    vod_completed_at   TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS vod_records (
    original_stream_id TEXT PRIMARY KEY,
    stream_key         TEXT NOT NULL DEFAULT '',
    title              TEXT NOT NULL DEFAULT '',
    vod_status         TEXT NOT NULL DEFAULT 'none',
    vod_url            TEXT NOT NULL DEFAULT '',
    vod_thumbnail_url  TEXT NOT NULL DEFAULT '',
    vod_duration       DOUBLE PRECISION NOT NULL DEFAULT 0,
    vod_file_size      BIGINT NOT NULL DEFAULT 0,
    vod_error          TEXT NOT NULL DEFAULT '',
    vod_completed_at   TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL
)`

type postgresRepository struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// streams schema.
func NewPostgresRepository(cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, queryTimeout: cfg.QueryTimeout}
	if repo.queryTimeout <= 0 {
		repo.queryTimeout = defaultQueryTimeout
	}

	ctx, cancel := repo.opContext()
	defer cancel()
	if _, err := pool.Exec(ctx, streamsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply streams schema: %w", err)
	}
	return repo, nil
}

func (r *postgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.queryTimeout)
}

const streamColumns = `id, stream_key, owner_id, title, status, is_live,
viewer_count, total_viewer_count, like_count, start_time, end_time,
delete_after, vod_status, vod_url, vod_thumbnail_url, vod_duration,
vod_file_size, vod_error, vod_completed_at, created_at, updated_at`

func scanStream(row pgx.Row) (models.Stream, error) {
	var stream models.Stream
	var status, vodStatus string
	err := row.Scan(
		&stream.ID, &stream.StreamKey, &stream.OwnerID, &stream.Title,
		&status, &stream.IsLive, &stream.ViewerCount,
		&stream.TotalViewerCount, &stream.LikeCount, &stream.StartTime,
		&stream.EndTime, &stream.DeleteAfter, &vodStatus, &stream.VOD.URL,
		&stream.VOD.ThumbnailURL, &stream.VOD.DurationSeconds,
		&stream.VOD.FileSizeBytes, &stream.VOD.Error,
		&stream.VOD.CompletedAt, &stream.CreatedAt, &stream.UpdatedAt,
	)
	if err != nil {
		return models.Stream{}, err
	}
	stream.Status = models.StreamStatus(status)
	stream.VOD.ProcessingStatus = models.VODStatus(vodStatus)
	return stream, nil
}

func (r *postgresRepository) CreateStream(params CreateStreamParams) (models.Stream, error) {
	key := NormalizeStreamKey(params.StreamKey)
	if key == "" {
		return models.Stream{}, fmt.Errorf("stream key is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Stream{}, err
	}
	now := time.Now().UTC()

	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO streams (id, stream_key, owner_id, title, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		id, key, strings.TrimSpace(params.OwnerID), strings.TrimSpace(params.Title),
		string(models.StreamInactive), now)
	if err != nil {
		if strings.Contains(err.Error(), "streams_stream_key_key") {
			return models.Stream{}, fmt.Errorf("create stream %s: %w", key, ErrDuplicateStreamKey)
		}
		return models.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	stream, _ := r.GetStream(id)
	return stream, nil
}

func (r *postgresRepository) GetStream(id string) (models.Stream, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	row := r.pool.QueryRow(ctx, "SELECT "+streamColumns+" FROM streams WHERE id = $1", id)
	stream, err := scanStream(row)
	if err != nil {
		return models.Stream{}, false
	}
	return stream, true
}

func (r *postgresRepository) GetStreamByKey(streamKey string) (models.Stream, bool) {
	key := NormalizeStreamKey(streamKey)
	if key == "" {
		return models.Stream{}, false
	}
	ctx, cancel := r.opContext()
	defer cancel()
	row := r.pool.QueryRow(ctx, "SELECT "+streamColumns+" FROM streams WHERE stream_key = $1", key)
	stream, err := scanStream(row)
	if err != nil {
		return models.Stream{}, false
	}
	return stream, true
}

func (r *postgresRepository) ListStreams() []models.Stream {
	return r.listWhere("")
}

func (r *postgresRepository) ListLiveStreams() []models.Stream {
	return r.listWhere("WHERE is_live")
}

func (r *postgresRepository) listWhere(clause string) []models.Stream {
	ctx, cancel := r.opContext()
	defer cancel()
	query := "SELECT " + streamColumns + " FROM streams " + clause + " ORDER BY created_at, id"
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil
		}
		streams = append(streams, stream)
	}
	return streams
}

func (r *postgresRepository) UpdateStream(id string, update StreamUpdate) (models.Stream, error) {
	current, ok := r.GetStream(id)
	if !ok {
		return models.Stream{}, fmt.Errorf("update stream %s: %w", id, ErrStreamNotFound)
	}
	applyUpdate(&current, update, time.Now().UTC())

	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`UPDATE streams SET status = $2, is_live = $3, viewer_count = $4,
		 total_viewer_count = $5, like_count = $6, start_time = $7,
		 end_time = $8, delete_after = $9, vod_status = $10, vod_url = $11,
		 vod_thumbnail_url = $12, vod_duration = $13, vod_file_size = $14,
		 vod_error = $15, vod_completed_at = $16, updated_at = $17
		 WHERE id = $1`,
		id, string(current.Status), current.IsLive, current.ViewerCount,
		current.TotalViewerCount, current.LikeCount, current.StartTime,
		current.EndTime, current.DeleteAfter,
		string(current.VOD.ProcessingStatus), current.VOD.URL,
		current.VOD.ThumbnailURL, current.VOD.DurationSeconds,
		current.VOD.FileSizeBytes, current.VOD.Error,
		current.VOD.CompletedAt, current.UpdatedAt)
	if err != nil {
		return models.Stream{}, fmt.Errorf("update stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Stream{}, fmt.Errorf("update stream %s: %w", id, ErrStreamNotFound)
	}
	return current, nil
}

func (r *postgresRepository) DeleteStream(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx, "DELETE FROM streams WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete stream %s: %w", id, ErrStreamNotFound)
	}
	return nil
}

func (r *postgresRepository) SaveVODRecord(record models.VODRecord) error {
	ctx, cancel := r.opContext()
	defer cancel()
	created := record.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO vod_records (original_stream_id, stream_key, title,
		 vod_status, vod_url, vod_thumbnail_url, vod_duration, vod_file_size,
		 vod_error, vod_completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (original_stream_id) DO NOTHING`,
		record.OriginalStreamID, record.StreamKey, record.Title,
		string(record.VOD.ProcessingStatus), record.VOD.URL,
		record.VOD.ThumbnailURL, record.VOD.DurationSeconds,
		record.VOD.FileSizeBytes, record.VOD.Error, record.VOD.CompletedAt,
		created)
	if err != nil {
		return fmt.Errorf("insert vod record: %w", err)
	}
	return nil
}

const vodRecordColumns = `original_stream_id, stream_key, title, vod_status,
vod_url, vod_thumbnail_url, vod_duration, vod_file_size, vod_error,
vod_completed_at, created_at`

func scanVODRecord(row pgx.Row) (models.VODRecord, error) {
	var record models.VODRecord
	var status string
	err := row.Scan(
		&record.OriginalStreamID, &record.StreamKey, &record.Title, &status,
		&record.VOD.URL, &record.VOD.ThumbnailURL,
		&record.VOD.DurationSeconds, &record.VOD.FileSizeBytes,
		&record.VOD.Error, &record.VOD.CompletedAt, &record.CreatedAt,
	)
	if err != nil {
		return models.VODRecord{}, err
	}
	record.VOD.ProcessingStatus = models.VODStatus(status)
	return record, nil
}

func (r *postgresRepository) GetVODRecord(originalStreamID string) (models.VODRecord, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	row := r.pool.QueryRow(ctx,
		"SELECT "+vodRecordColumns+" FROM vod_records WHERE original_stream_id = $1",
		originalStreamID)
	record, err := scanVODRecord(row)
	if err != nil {
		return models.VODRecord{}, false
	}
	return record, true
}

func (r *postgresRepository) ListVODRecords() []models.VODRecord {
	ctx, cancel := r.opContext()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		"SELECT "+vodRecordColumns+" FROM vod_records ORDER BY created_at, original_stream_id")
	if err != nil {
		return nil
	}
	defer rows.Close()
	var records []models.VODRecord
	for rows.Next() {
		record, err := scanVODRecord(rows)
		if err != nil {
			return nil
		}
		records = append(records, record)
	}
	return records
}

func (r *postgresRepository) Close() error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-time.After(10 * time.Second):
		return errors.New("postgres pool close timed out")
	case <-done:
		return nil
	}
}
