package storage

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pulsecast/internal/models"
)

type dataset struct {
	Streams map[string]models.Stream    `json:"streams"`
	VODs    map[string]models.VODRecord `json:"vods"`
}

func newDataset() dataset {
	return dataset{
		Streams: make(map[string]models.Stream),
		VODs:    make(map[string]models.VODRecord),
	}
}

// Storage is the JSON-file-backed Repository implementation used for
// single-node deployments and tests. Mutations snapshot the dataset and roll
// back when the persist step fails, so the in-memory view never drifts ahead
// of the file on disk.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage loads (or initialises) the store file at path.
func NewStorage(path string) (*Storage, error) {
	store := &Storage{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Streams == nil {
		s.data.Streams = make(map[string]models.Stream)
	}
	if s.data.VODs == nil {
		s.data.VODs = make(map[string]models.VODRecord)
	}
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		return s.persistOverride(data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneStream(stream models.Stream) models.Stream {
	cloned := stream
	if stream.StartTime != nil {
		start := *stream.StartTime
		cloned.StartTime = &start
	}
	if stream.EndTime != nil {
		end := *stream.EndTime
		cloned.EndTime = &end
	}
	if stream.DeleteAfter != nil {
		deadline := *stream.DeleteAfter
		cloned.DeleteAfter = &deadline
	}
	if stream.VOD.CompletedAt != nil {
		completed := *stream.VOD.CompletedAt
		cloned.VOD.CompletedAt = &completed
	}
	return cloned
}

func cloneVODRecord(record models.VODRecord) models.VODRecord {
	cloned := record
	if record.VOD.CompletedAt != nil {
		completed := *record.VOD.CompletedAt
		cloned.VOD.CompletedAt = &completed
	}
	return cloned
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, stream := range src.Streams {
		clone.Streams[id] = cloneStream(stream)
	}
	for id, record := range src.VODs {
		clone.VODs[id] = cloneVODRecord(record)
	}
	return clone
}

func generateID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NormalizeStreamKey trims whitespace and strips any "app/" prefix that media
// servers prepend to the key in their callbacks.
func NormalizeStreamKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return trimmed
}

func sortStreamsByCreation(streams []models.Stream) {
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].CreatedAt.Equal(streams[j].CreatedAt) {
			return streams[i].ID < streams[j].ID
		}
		return streams[i].CreatedAt.Before(streams[j].CreatedAt)
	})
}
