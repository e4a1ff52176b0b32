package storage

import (
	"fmt"
	"time"

	"pulsecast/internal/models"
)

// CreateStream provisions a new stream record in the inactive state. The
// stream key must be unique across the store.
func (s *Storage) CreateStream(params CreateStreamParams) (models.Stream, error) {
	key := NormalizeStreamKey(params.StreamKey)
	if key == "" {
		return models.Stream{}, fmt.Errorf("stream key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Streams {
		if existing.StreamKey == key {
			return models.Stream{}, fmt.Errorf("create stream %s: %w", key, ErrDuplicateStreamKey)
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Stream{}, err
	}
	now := time.Now().UTC()
	stream := models.Stream{
		ID:        id,
		StreamKey: key,
		OwnerID:   params.OwnerID,
		Title:     params.Title,
		Status:    models.StreamInactive,
		VOD:       models.VOD{ProcessingStatus: models.VODNone},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.data.Streams[id] = stream
	if err := s.persist(); err != nil {
		delete(s.data.Streams, id)
		return models.Stream{}, err
	}
	return cloneStream(stream), nil
}

// GetStream returns the stream with the given id.
func (s *Storage) GetStream(id string) (models.Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, false
	}
	return cloneStream(stream), true
}

// GetStreamByKey returns the stream owning the given stream key.
func (s *Storage) GetStreamByKey(streamKey string) (models.Stream, bool) {
	key := NormalizeStreamKey(streamKey)
	if key == "" {
		return models.Stream{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, stream := range s.data.Streams {
		if stream.StreamKey == key {
			return cloneStream(stream), true
		}
	}
	return models.Stream{}, false
}

// ListStreams returns every stream record ordered by creation time.
func (s *Storage) ListStreams() []models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	streams := make([]models.Stream, 0, len(s.data.Streams))
	for _, stream := range s.data.Streams {
		streams = append(streams, cloneStream(stream))
	}
	sortStreamsByCreation(streams)
	return streams
}

// ListLiveStreams returns the streams currently marked live, ordered by
// creation time.
func (s *Storage) ListLiveStreams() []models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	streams := make([]models.Stream, 0)
	for _, stream := range s.data.Streams {
		if !stream.IsLive {
			continue
		}
		streams = append(streams, cloneStream(stream))
	}
	sortStreamsByCreation(streams)
	return streams
}

// UpdateStream applies the non-nil fields of update to the stream record.
func (s *Storage) UpdateStream(id string, update StreamUpdate) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, fmt.Errorf("update stream %s: %w", id, ErrStreamNotFound)
	}

	original := stream
	updated := cloneStream(stream)
	applyUpdate(&updated, update, time.Now().UTC())

	s.data.Streams[id] = updated
	if err := s.persist(); err != nil {
		s.data.Streams[id] = original
		return models.Stream{}, err
	}
	return cloneStream(updated), nil
}

// DeleteStream removes the stream record entirely.
func (s *Storage) DeleteStream(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return fmt.Errorf("delete stream %s: %w", id, ErrStreamNotFound)
	}

	delete(s.data.Streams, id)
	if err := s.persist(); err != nil {
		s.data.Streams[id] = stream
		return err
	}
	return nil
}

// Close is a no-op for the file-backed store.
func (s *Storage) Close() error {
	return nil
}
