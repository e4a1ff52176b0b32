package models

import "time"

// Broadcast event names consumed by the viewer transport.
const (
	EventStreamStarted     = "stream:started"
	EventStreamEnded       = "stream:ended"
	EventViewerCountUpdate = "stream:viewer_count_update"
	EventStreamLike        = "stream:like"
	EventVODReady          = "stream:vod_ready"
)

// Event is the envelope published through the broadcast gateway. Room scopes
// delivery to one stream's viewers; an empty room means every subscriber.
type Event struct {
	Type        string       `json:"type"`
	Room        string       `json:"room,omitempty"`
	StreamID    string       `json:"streamId,omitempty"`
	ViewerCount int          `json:"viewerCount,omitempty"`
	LikeCount   int          `json:"likeCount,omitempty"`
	Status      StreamStatus `json:"status,omitempty"`
	OccurredAt  time.Time    `json:"occurredAt"`
}
