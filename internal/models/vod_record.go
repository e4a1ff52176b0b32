package models

import "time"

// VODRecord is the retained on-demand asset for a finished session. It is
// keyed by the originating stream's ID, which doubles as the uniqueness
// constraint making transcode job creation idempotent, and it survives
// deletion of the stream record itself.
type VODRecord struct {
	OriginalStreamID string    `json:"originalStreamId"`
	StreamKey        string    `json:"streamKey"`
	Title            string    `json:"title,omitempty"`
	VOD              VOD       `json:"vod"`
	CreatedAt        time.Time `json:"createdAt"`
}
