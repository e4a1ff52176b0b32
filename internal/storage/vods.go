package storage

import (
	"sort"

	"pulsecast/internal/models"
)

// SaveVODRecord retains the VOD asset of a finished session so it survives
// deletion of the originating stream. Saving a record whose original stream
// is already known is a no-op, which makes retries safe.
func (s *Storage) SaveVODRecord(record models.VODRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.VODs[record.OriginalStreamID]; exists {
		return nil
	}

	s.data.VODs[record.OriginalStreamID] = cloneVODRecord(record)
	if err := s.persist(); err != nil {
		delete(s.data.VODs, record.OriginalStreamID)
		return err
	}
	return nil
}

// GetVODRecord returns the retained VOD for the given original stream id.
func (s *Storage) GetVODRecord(originalStreamID string) (models.VODRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.data.VODs[originalStreamID]
	if !ok {
		return models.VODRecord{}, false
	}
	return cloneVODRecord(record), true
}

// ListVODRecords returns every retained VOD ordered by creation time.
func (s *Storage) ListVODRecords() []models.VODRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]models.VODRecord, 0, len(s.data.VODs))
	for _, record := range s.data.VODs {
		records = append(records, cloneVODRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].OriginalStreamID < records[j].OriginalStreamID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}
