package storage

import (
	"errors"
	"time"

	"pulsecast/internal/models"
)

// ErrStreamNotFound is returned by mutating operations that target a stream
// which no longer exists. Callers treat it as an expected race, not a fault.
var ErrStreamNotFound = errors.New("stream not found")

// ErrDuplicateStreamKey is returned when a create collides with an existing
// stream key.
var ErrDuplicateStreamKey = errors.New("stream key already exists")

// CreateStreamParams captures the attributes that can be set when creating a
// stream record.
type CreateStreamParams struct {
	StreamKey string
	OwnerID   string
	Title     string
}

// StreamUpdate mutates a subset of stream fields. Nil fields are left
// untouched.
type StreamUpdate struct {
	Status           *models.StreamStatus
	IsLive           *bool
	ViewerCount      *int
	TotalViewerCount *int
	LikeCount        *int
	StartTime        *time.Time
	EndTime          *time.Time
	ClearEndTime     bool
	DeleteAfter      *time.Time
	ClearDeleteAfter bool
	VOD              *models.VOD
}

// Repository is the durable Stream State Store. Implementations must be safe
// for concurrent use; the lifecycle engine remains the single writer of
// stream truth and serializes mutations per key above this interface.
type Repository interface {
	CreateStream(params CreateStreamParams) (models.Stream, error)
	GetStream(id string) (models.Stream, bool)
	GetStreamByKey(streamKey string) (models.Stream, bool)
	ListStreams() []models.Stream
	ListLiveStreams() []models.Stream
	UpdateStream(id string, update StreamUpdate) (models.Stream, error)
	DeleteStream(id string) error

	// SaveVODRecord retains the VOD asset for a finished session. Saving a
	// record for an already-known original stream is an idempotent no-op.
	SaveVODRecord(record models.VODRecord) error
	GetVODRecord(originalStreamID string) (models.VODRecord, bool)
	ListVODRecords() []models.VODRecord

	Close() error
}

func applyUpdate(stream *models.Stream, update StreamUpdate, now time.Time) {
	if update.Status != nil {
		stream.Status = *update.Status
	}
	if update.IsLive != nil {
		stream.IsLive = *update.IsLive
	}
	if update.ViewerCount != nil {
		count := *update.ViewerCount
		if count < 0 {
			count = 0
		}
		stream.ViewerCount = count
	}
	if update.TotalViewerCount != nil {
		// Total viewer count is a high-water mark and never regresses.
		if *update.TotalViewerCount > stream.TotalViewerCount {
			stream.TotalViewerCount = *update.TotalViewerCount
		}
	}
	if update.LikeCount != nil {
		likes := *update.LikeCount
		if likes < 0 {
			likes = 0
		}
		stream.LikeCount = likes
	}
	if update.StartTime != nil {
		start := update.StartTime.UTC()
		stream.StartTime = &start
	}
	if update.ClearEndTime {
		stream.EndTime = nil
	} else if update.EndTime != nil {
		end := update.EndTime.UTC()
		stream.EndTime = &end
	}
	if update.ClearDeleteAfter {
		stream.DeleteAfter = nil
	} else if update.DeleteAfter != nil {
		deadline := update.DeleteAfter.UTC()
		stream.DeleteAfter = &deadline
	}
	if update.VOD != nil {
		stream.VOD = *update.VOD
	}
	stream.UpdatedAt = now
}
