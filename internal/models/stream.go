package models

import "time"

// StreamStatus tracks where a stream sits in its live lifecycle.
type StreamStatus string

const (
	StreamInactive StreamStatus = "inactive"
	StreamActive   StreamStatus = "active"
	StreamEnded    StreamStatus = "ended"
)

// VODStatus describes the state of the transcode job attached to a stream.
type VODStatus string

const (
	VODNone       VODStatus = "none"
	VODProcessing VODStatus = "processing"
	VODCompleted  VODStatus = "completed"
	VODFailed     VODStatus = "failed"
)

// VOD carries the on-demand asset produced from a finished live session.
// ProcessingStatus is the job's authoritative state: every job that leaves
// "processing" lands on "completed" or "failed", never silently reverts.
type VOD struct {
	ProcessingStatus VODStatus  `json:"processingStatus"`
	URL              string     `json:"url,omitempty"`
	ThumbnailURL     string     `json:"thumbnailUrl,omitempty"`
	DurationSeconds  float64    `json:"durationSeconds,omitempty"`
	FileSizeBytes    int64      `json:"fileSizeBytes,omitempty"`
	Error            string     `json:"error,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// Stream is the durable record of a streaming channel. It is owned by the
// lifecycle engine; all other components read it through the repository and
// never mutate it directly.
type Stream struct {
	ID               string       `json:"id"`
	StreamKey        string       `json:"streamKey"`
	OwnerID          string       `json:"ownerId,omitempty"`
	Title            string       `json:"title,omitempty"`
	Status           StreamStatus `json:"status"`
	IsLive           bool         `json:"isLive"`
	ViewerCount      int          `json:"viewerCount"`
	TotalViewerCount int          `json:"totalViewerCount"`
	LikeCount        int          `json:"likeCount"`
	StartTime        *time.Time   `json:"startTime,omitempty"`
	EndTime          *time.Time   `json:"endTime,omitempty"`
	// DeleteAfter marks an ownerless stream for cleanup once the grace
	// window has elapsed. Enforced by the reconciliation loop.
	DeleteAfter *time.Time `json:"deleteAfter,omitempty"`
	VOD         VOD        `json:"vod"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// HasOwner reports whether the stream was provisioned by a known user rather
// than auto-created on first publish.
func (s Stream) HasOwner() bool {
	return s.OwnerID != ""
}
