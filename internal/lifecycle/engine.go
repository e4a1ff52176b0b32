package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pulsecast/internal/broadcast"
	"pulsecast/internal/models"
	"pulsecast/internal/observability/logging"
	"pulsecast/internal/observability/metrics"
	"pulsecast/internal/storage"
)

// ProvisionError wraps a storage failure during stream auto-provisioning.
// Webhook handlers translate it into a retry-safe response so the media
// server re-delivers the callback.
type ProvisionError struct {
	StreamKey string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision stream %s: %v", e.StreamKey, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// TranscodeTrigger hands a finished session to the VOD pipeline. Enqueue
// must not block; duplicate triggers for the same stream are tolerated.
type TranscodeTrigger interface {
	Enqueue(streamID string)
}

// ArtifactPurger removes the ephemeral live media files for a stream key.
type ArtifactPurger interface {
	Purge(streamKey string) error
}

// Config wires the engine's collaborators.
type Config struct {
	Repository storage.Repository
	Queue      broadcast.Queue
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Transcode  TranscodeTrigger
	Purger     ArtifactPurger
	// OwnerlessGrace is how long an ownerless stream survives after its
	// session ends before the reconciler may remove it. Defaults to 5m.
	OwnerlessGrace time.Duration
}

const defaultOwnerlessGrace = 5 * time.Minute

// Engine owns every durable stream mutation. Transitions for one stream key
// are serialized through a keyed mutex; different keys proceed concurrently.
type Engine struct {
	repo    storage.Repository
	queue   broadcast.Queue
	logger  *slog.Logger
	metrics *metrics.Metrics

	transcode TranscodeTrigger
	purger    ArtifactPurger
	grace     time.Duration

	keys *keyedMutex
	now  func() time.Time

	// lastCounts tracks the viewer count last broadcast per room so that
	// churn which nets out to the same count stays silent.
	countMu    sync.Mutex
	lastCounts map[string]int
}

// NewEngine builds the lifecycle engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.OwnerlessGrace
	if grace <= 0 {
		grace = defaultOwnerlessGrace
	}
	return &Engine{
		repo:       cfg.Repository,
		queue:      cfg.Queue,
		logger:     logging.WithComponent(logger, "lifecycle"),
		metrics:    cfg.Metrics,
		transcode:  cfg.Transcode,
		purger:     cfg.Purger,
		grace:      grace,
		keys:       newKeyedMutex(),
		now:        time.Now,
		lastCounts: make(map[string]int),
	}
}

// SetTranscodeTrigger attaches the VOD pipeline after construction. The
// pipeline needs the engine for stream reads and VOD writes, so the two are
// wired in two steps.
func (e *Engine) SetTranscodeTrigger(trigger TranscodeTrigger) {
	e.transcode = trigger
}

// OnPublish handles a publish callback. An unknown key is auto-provisioned
// as an ownerless stream; the only failure mode is storage failure.
func (e *Engine) OnPublish(ctx context.Context, streamKey string) (models.Stream, error) {
	key := storage.NormalizeStreamKey(streamKey)
	if key == "" {
		return models.Stream{}, fmt.Errorf("publish: stream key is required")
	}
	unlock := e.keys.lock(key)
	defer unlock()

	e.metrics.ObserveStreamEvent("publish")

	stream, ok := e.repo.GetStreamByKey(key)
	if !ok {
		created, err := e.repo.CreateStream(storage.CreateStreamParams{StreamKey: key, Title: key})
		if err != nil {
			return models.Stream{}, &ProvisionError{StreamKey: key, Err: err}
		}
		e.logger.Info("auto-provisioned stream", "streamKey", key, "streamId", created.ID)
		stream = created
	}

	if stream.IsLive && stream.Status == models.StreamActive {
		// Replayed webhook for an already-live session.
		return stream, nil
	}

	// A new session resets the VOD sub-record, so the previous session's
	// finished asset has to be archived first or its record is lost.
	if err := e.retainCompletedVOD(stream); err != nil {
		return models.Stream{}, &ProvisionError{StreamKey: key, Err: err}
	}

	now := e.now().UTC()
	status := models.StreamActive
	live := true
	viewers := 0
	vod := models.VOD{ProcessingStatus: models.VODNone}
	updated, err := e.repo.UpdateStream(stream.ID, storage.StreamUpdate{
		Status:           &status,
		IsLive:           &live,
		ViewerCount:      &viewers,
		StartTime:        &now,
		ClearEndTime:     true,
		ClearDeleteAfter: true,
		VOD:              &vod,
	})
	if err != nil {
		return models.Stream{}, &ProvisionError{StreamKey: key, Err: err}
	}

	e.resetLastCount(updated.ID)
	e.metrics.StreamStarted()
	e.publish(ctx, models.Event{
		Type:     models.EventStreamStarted,
		Room:     updated.ID,
		StreamID: updated.ID,
		Status:   updated.Status,
	})
	e.logger.Info("stream started", "streamKey", key, "streamId", updated.ID)
	return updated, nil
}

// OnPublishDone handles an unpublish callback. An unknown key is an expected
// race with deletion and returns a zero stream with no error.
func (e *Engine) OnPublishDone(ctx context.Context, streamKey string) (models.Stream, error) {
	key := storage.NormalizeStreamKey(streamKey)
	if key == "" {
		return models.Stream{}, fmt.Errorf("publish done: stream key is required")
	}
	unlock := e.keys.lock(key)
	defer unlock()

	e.metrics.ObserveStreamEvent("publish_done")

	stream, ok := e.repo.GetStreamByKey(key)
	if !ok {
		e.logger.Info("publish done for unknown stream key", "streamKey", key)
		return models.Stream{}, nil
	}
	if !stream.IsLive && stream.Status != models.StreamActive {
		// Replayed webhook or reconciler already ended the session.
		return stream, nil
	}
	return e.endSessionLocked(ctx, stream)
}

// endSessionLocked transitions a live stream to ended. The caller must hold
// the keyed lock for the stream's key.
func (e *Engine) endSessionLocked(ctx context.Context, stream models.Stream) (models.Stream, error) {
	now := e.now().UTC()
	status := models.StreamEnded
	live := false
	viewers := 0
	update := storage.StreamUpdate{
		Status:      &status,
		IsLive:      &live,
		ViewerCount: &viewers,
		EndTime:     &now,
	}
	if !stream.HasOwner() {
		deadline := now.Add(e.grace)
		update.DeleteAfter = &deadline
	}
	updated, err := e.repo.UpdateStream(stream.ID, update)
	if err != nil {
		return models.Stream{}, fmt.Errorf("end stream %s: %w", stream.StreamKey, err)
	}

	e.resetLastCount(updated.ID)
	e.metrics.StreamStopped()
	e.metrics.ClearRoom(updated.ID)
	e.publish(ctx, models.Event{
		Type:     models.EventStreamEnded,
		Room:     updated.ID,
		StreamID: updated.ID,
		Status:   updated.Status,
	})
	e.logger.Info("stream ended", "streamKey", updated.StreamKey, "streamId", updated.ID)

	if e.transcode != nil {
		e.transcode.Enqueue(updated.ID)
	}
	return updated, nil
}

// OnPlay records an advisory viewer ping from the media server. Authoritative
// counts come from the presence registry, so no state is mutated here.
func (e *Engine) OnPlay(streamKey string) {
	e.metrics.ObservePlaySignal("play")
	e.logger.Debug("play signal", "streamKey", storage.NormalizeStreamKey(streamKey))
}

// OnPlayDone records an advisory viewer-stop ping from the media server.
func (e *Engine) OnPlayDone(streamKey string) {
	e.metrics.ObservePlaySignal("play_done")
	e.logger.Debug("play done signal", "streamKey", storage.NormalizeStreamKey(streamKey))
}

// UpdateViewerCount publishes a new deduplicated viewer count for a stream.
// A count equal to the last broadcast one is suppressed.
func (e *Engine) UpdateViewerCount(ctx context.Context, streamID string, count int) (models.Stream, error) {
	if count < 0 {
		count = 0
	}

	// The suppression state and the stored count must move together, so the
	// lock is held across the store write and lastCounts only records counts
	// that actually landed. Interleaved writes otherwise leave the store on
	// an older count that suppression then refuses to correct.
	e.countMu.Lock()
	last, seen := e.lastCounts[streamID]
	if seen && last == count {
		e.countMu.Unlock()
		e.metrics.ObserveSuppressedBroadcast()
		stream, ok := e.repo.GetStream(streamID)
		if !ok {
			return models.Stream{}, fmt.Errorf("update viewers %s: %w", streamID, storage.ErrStreamNotFound)
		}
		return stream, nil
	}

	update := storage.StreamUpdate{ViewerCount: &count}
	if count > last {
		stream, ok := e.repo.GetStream(streamID)
		if !ok {
			e.countMu.Unlock()
			return models.Stream{}, fmt.Errorf("update viewers %s: %w", streamID, storage.ErrStreamNotFound)
		}
		total := stream.TotalViewerCount + (count - last)
		update.TotalViewerCount = &total
	}

	updated, err := e.repo.UpdateStream(streamID, update)
	if err != nil {
		e.countMu.Unlock()
		return models.Stream{}, fmt.Errorf("update viewers %s: %w", streamID, err)
	}
	e.lastCounts[streamID] = count
	e.countMu.Unlock()

	e.metrics.SetRoomViewers(updated.ID, updated.ViewerCount)
	e.publish(ctx, models.Event{
		Type:        models.EventViewerCountUpdate,
		Room:        updated.ID,
		StreamID:    updated.ID,
		ViewerCount: updated.ViewerCount,
	})
	return updated, nil
}

// ToggleLike adjusts the like count by one in either direction and broadcasts
// the new value. The count never drops below zero.
func (e *Engine) ToggleLike(ctx context.Context, streamID string, liked bool) (models.Stream, error) {
	stream, ok := e.repo.GetStream(streamID)
	if !ok {
		return models.Stream{}, fmt.Errorf("toggle like %s: %w", streamID, storage.ErrStreamNotFound)
	}
	likes := stream.LikeCount
	if liked {
		likes++
	} else {
		likes--
	}
	updated, err := e.repo.UpdateStream(streamID, storage.StreamUpdate{LikeCount: &likes})
	if err != nil {
		return models.Stream{}, fmt.Errorf("toggle like %s: %w", streamID, err)
	}
	e.publish(ctx, models.Event{
		Type:      models.EventStreamLike,
		Room:      updated.ID,
		StreamID:  updated.ID,
		LikeCount: updated.LikeCount,
	})
	return updated, nil
}

// UpdateVOD persists a new VOD sub-record for the stream, broadcasting when
// processing has completed.
func (e *Engine) UpdateVOD(ctx context.Context, streamID string, vod models.VOD) (models.Stream, error) {
	updated, err := e.repo.UpdateStream(streamID, storage.StreamUpdate{VOD: &vod})
	if err != nil {
		return models.Stream{}, fmt.Errorf("update vod %s: %w", streamID, err)
	}
	if vod.ProcessingStatus == models.VODCompleted {
		e.publish(ctx, models.Event{
			Type:     models.EventVODReady,
			Room:     updated.ID,
			StreamID: updated.ID,
			Status:   updated.Status,
		})
	}
	return updated, nil
}

// GetStream returns the stream with the given id.
func (e *Engine) GetStream(streamID string) (models.Stream, bool) {
	return e.repo.GetStream(streamID)
}

// CreateStream provisions a stream explicitly on behalf of a user.
func (e *Engine) CreateStream(params storage.CreateStreamParams) (models.Stream, error) {
	return e.repo.CreateStream(params)
}

// Reactivate flips a stream back to active when media evidence exists but
// the live flag was lost. An existing start time is preserved so the session
// keeps its original start.
func (e *Engine) Reactivate(ctx context.Context, streamID string) (models.Stream, error) {
	stream, ok := e.repo.GetStream(streamID)
	if !ok {
		return models.Stream{}, fmt.Errorf("reactivate %s: %w", streamID, storage.ErrStreamNotFound)
	}
	unlock := e.keys.lock(stream.StreamKey)
	defer unlock()

	stream, ok = e.repo.GetStream(streamID)
	if !ok {
		return models.Stream{}, fmt.Errorf("reactivate %s: %w", streamID, storage.ErrStreamNotFound)
	}
	if stream.IsLive && stream.Status == models.StreamActive {
		return stream, nil
	}

	status := models.StreamActive
	live := true
	update := storage.StreamUpdate{
		Status:           &status,
		IsLive:           &live,
		ClearEndTime:     true,
		ClearDeleteAfter: true,
	}
	if stream.StartTime == nil {
		now := e.now().UTC()
		update.StartTime = &now
	}
	updated, err := e.repo.UpdateStream(streamID, update)
	if err != nil {
		return models.Stream{}, fmt.Errorf("reactivate %s: %w", streamID, err)
	}

	e.metrics.StreamStarted()
	e.publish(ctx, models.Event{
		Type:     models.EventStreamStarted,
		Room:     updated.ID,
		StreamID: updated.ID,
		Status:   updated.Status,
	})
	e.logger.Info("stream reactivated", "streamKey", updated.StreamKey, "streamId", updated.ID)
	return updated, nil
}

// EndStream transitions the stream to ended through the same path as a
// publish-done callback. Used by the reconciler when media evidence is gone.
func (e *Engine) EndStream(ctx context.Context, streamID string) (models.Stream, error) {
	stream, ok := e.repo.GetStream(streamID)
	if !ok {
		return models.Stream{}, nil
	}
	unlock := e.keys.lock(stream.StreamKey)
	defer unlock()

	stream, ok = e.repo.GetStream(streamID)
	if !ok {
		return models.Stream{}, nil
	}
	if !stream.IsLive && stream.Status != models.StreamActive {
		return stream, nil
	}
	return e.endSessionLocked(ctx, stream)
}

// DeleteStream removes the stream record. A completed VOD is archived to a
// retained record first, and the live media artifacts are purged.
func (e *Engine) DeleteStream(ctx context.Context, streamID string) error {
	stream, ok := e.repo.GetStream(streamID)
	if !ok {
		return fmt.Errorf("delete stream %s: %w", streamID, storage.ErrStreamNotFound)
	}
	unlock := e.keys.lock(stream.StreamKey)
	defer unlock()

	stream, ok = e.repo.GetStream(streamID)
	if !ok {
		return fmt.Errorf("delete stream %s: %w", streamID, storage.ErrStreamNotFound)
	}

	if err := e.retainCompletedVOD(stream); err != nil {
		return fmt.Errorf("retain vod for stream %s: %w", streamID, err)
	}

	if e.purger != nil {
		if err := e.purger.Purge(stream.StreamKey); err != nil {
			e.logger.Warn("purge live artifacts failed", "streamKey", stream.StreamKey, "error", err)
		}
	}

	if err := e.repo.DeleteStream(streamID); err != nil {
		return err
	}

	e.resetLastCount(streamID)
	e.metrics.ClearRoom(streamID)
	if stream.IsLive {
		e.metrics.StreamStopped()
		e.publish(ctx, models.Event{
			Type:     models.EventStreamEnded,
			Room:     streamID,
			StreamID: streamID,
			Status:   models.StreamEnded,
		})
	}
	e.logger.Info("stream deleted", "streamKey", stream.StreamKey, "streamId", streamID)
	return nil
}

// retainCompletedVOD archives the stream's completed VOD asset as a retained
// record. A stream without a completed VOD is a no-op.
func (e *Engine) retainCompletedVOD(stream models.Stream) error {
	if stream.VOD.ProcessingStatus != models.VODCompleted {
		return nil
	}
	record := models.VODRecord{
		OriginalStreamID: stream.ID,
		StreamKey:        stream.StreamKey,
		Title:            stream.Title,
		VOD:              stream.VOD,
		CreatedAt:        e.now().UTC(),
	}
	if err := e.repo.SaveVODRecord(record); err != nil {
		return err
	}
	e.logger.Info("retained vod record", "streamId", stream.ID, "url", stream.VOD.URL)
	return nil
}

func (e *Engine) resetLastCount(room string) {
	e.countMu.Lock()
	delete(e.lastCounts, room)
	e.countMu.Unlock()
}

func (e *Engine) publish(ctx context.Context, event models.Event) {
	if e.queue == nil {
		return
	}
	event.OccurredAt = e.now().UTC()
	if err := e.queue.Publish(ctx, event); err != nil {
		e.logger.Warn("broadcast publish failed", "event", event.Type, "error", err)
		return
	}
	e.metrics.ObserveBroadcast(event.Type)
}
