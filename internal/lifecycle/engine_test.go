package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pulsecast/internal/broadcast"
	"pulsecast/internal/models"
	"pulsecast/internal/storage"
)

type recordingTrigger struct {
	mu       sync.Mutex
	streamID []string
}

func (r *recordingTrigger) Enqueue(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamID = append(r.streamID, streamID)
}

func (r *recordingTrigger) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.streamID...)
}

type recordingPurger struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (r *recordingPurger) Purge(streamKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, streamKey)
	return r.err
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *storage.Storage) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	cfg.Repository = store
	return NewEngine(cfg), store
}

func drainEvents(sub broadcast.Subscription) []models.Event {
	var events []models.Event
	for {
		select {
		case event := <-sub.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestOnPublishAutoProvisionsUnknownKey(t *testing.T) {
	ctx := context.Background()
	queue := broadcast.NewMemoryQueue(0)
	sub := queue.Subscribe()
	defer sub.Close()
	engine, _ := newTestEngine(t, Config{Queue: queue})

	stream, err := engine.OnPublish(ctx, "live/new-streamer")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	if stream.StreamKey != "new-streamer" {
		t.Fatalf("expected normalized key new-streamer, got %s", stream.StreamKey)
	}
	if stream.HasOwner() {
		t.Fatal("expected auto-provisioned stream to be ownerless")
	}
	if stream.Status != models.StreamActive || !stream.IsLive {
		t.Fatalf("expected active live stream, got status=%s live=%v", stream.Status, stream.IsLive)
	}
	if stream.StartTime == nil {
		t.Fatal("expected start time to be set")
	}

	events := drainEvents(sub)
	if len(events) != 1 || events[0].Type != models.EventStreamStarted {
		t.Fatalf("expected one stream:started event, got %v", events)
	}
}

func TestOnPublishIsIdempotentForLiveStream(t *testing.T) {
	ctx := context.Background()
	queue := broadcast.NewMemoryQueue(0)
	sub := queue.Subscribe()
	defer sub.Close()
	engine, _ := newTestEngine(t, Config{Queue: queue})

	first, err := engine.OnPublish(ctx, "replay")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	second, err := engine.OnPublish(ctx, "replay")
	if err != nil {
		t.Fatalf("replayed OnPublish returned error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same stream, got %s and %s", first.ID, second.ID)
	}
	if !first.StartTime.Equal(*second.StartTime) {
		t.Fatal("expected replay to preserve start time")
	}

	events := drainEvents(sub)
	if len(events) != 1 {
		t.Fatalf("expected a single broadcast for replayed publish, got %d", len(events))
	}
}

func TestOnPublishDoneEndsSession(t *testing.T) {
	ctx := context.Background()
	queue := broadcast.NewMemoryQueue(0)
	trigger := &recordingTrigger{}
	engine, _ := newTestEngine(t, Config{Queue: queue, Transcode: trigger})

	stream, err := engine.OnPublish(ctx, "ender")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	ended, err := engine.OnPublishDone(ctx, "ender")
	if err != nil {
		t.Fatalf("OnPublishDone returned error: %v", err)
	}
	if ended.Status != models.StreamEnded || ended.IsLive {
		t.Fatalf("expected ended offline stream, got status=%s live=%v", ended.Status, ended.IsLive)
	}
	if ended.ViewerCount != 0 {
		t.Fatalf("expected viewer count reset, got %d", ended.ViewerCount)
	}
	if ended.EndTime == nil {
		t.Fatal("expected end time to be set")
	}
	if ended.DeleteAfter == nil {
		t.Fatal("expected ownerless stream to get a delete deadline")
	}

	calls := trigger.calls()
	if len(calls) != 1 || calls[0] != stream.ID {
		t.Fatalf("expected one transcode trigger for %s, got %v", stream.ID, calls)
	}
}

func TestOnPublishDoneKeepsOwnedStreams(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t, Config{})

	if _, err := store.CreateStream(storage.CreateStreamParams{StreamKey: "owned", OwnerID: "user-1"}); err != nil {
		t.Fatalf("CreateStream returned error: %v", err)
	}
	if _, err := engine.OnPublish(ctx, "owned"); err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	ended, err := engine.OnPublishDone(ctx, "owned")
	if err != nil {
		t.Fatalf("OnPublishDone returned error: %v", err)
	}
	if ended.DeleteAfter != nil {
		t.Fatal("expected owned stream to keep no delete deadline")
	}
}

func TestOnPublishDoneUnknownKeyIsNoOp(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{})

	stream, err := engine.OnPublishDone(ctx, "never-seen")
	if err != nil {
		t.Fatalf("expected no error for unknown key, got %v", err)
	}
	if stream.ID != "" {
		t.Fatalf("expected zero stream, got %+v", stream)
	}
}

func TestOnPublishDoneReplayedIsNoOp(t *testing.T) {
	ctx := context.Background()
	trigger := &recordingTrigger{}
	engine, _ := newTestEngine(t, Config{Transcode: trigger})

	if _, err := engine.OnPublish(ctx, "double-end"); err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	if _, err := engine.OnPublishDone(ctx, "double-end"); err != nil {
		t.Fatalf("OnPublishDone returned error: %v", err)
	}
	if _, err := engine.OnPublishDone(ctx, "double-end"); err != nil {
		t.Fatalf("replayed OnPublishDone returned error: %v", err)
	}
	if calls := trigger.calls(); len(calls) != 1 {
		t.Fatalf("expected a single transcode trigger, got %d", len(calls))
	}
}

func TestOnPublishAfterEndStartsFreshSession(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{})

	first, err := engine.OnPublish(ctx, "again")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	if _, err := engine.OnPublishDone(ctx, "again"); err != nil {
		t.Fatalf("OnPublishDone returned error: %v", err)
	}

	second, err := engine.OnPublish(ctx, "again")
	if err != nil {
		t.Fatalf("second OnPublish returned error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same stream record, got %s and %s", first.ID, second.ID)
	}
	if second.EndTime != nil {
		t.Fatal("expected fresh session to clear end time")
	}
	if second.DeleteAfter != nil {
		t.Fatal("expected fresh session to clear delete deadline")
	}
	if second.VOD.ProcessingStatus != models.VODNone {
		t.Fatalf("expected vod reset, got %s", second.VOD.ProcessingStatus)
	}
}

func TestOnPublishArchivesPreviousSessionVOD(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t, Config{})

	stream, err := engine.OnPublish(ctx, "encore")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	if _, err := engine.OnPublishDone(ctx, "encore"); err != nil {
		t.Fatalf("OnPublishDone returned error: %v", err)
	}
	completed := time.Now().UTC()
	vod := models.VOD{
		ProcessingStatus: models.VODCompleted,
		URL:              "/vods/encore.mp4",
		CompletedAt:      &completed,
	}
	if _, err := engine.UpdateVOD(ctx, stream.ID, vod); err != nil {
		t.Fatalf("UpdateVOD returned error: %v", err)
	}

	// A second session resets the VOD sub-record; the finished asset must
	// survive as a retained record.
	second, err := engine.OnPublish(ctx, "encore")
	if err != nil {
		t.Fatalf("second OnPublish returned error: %v", err)
	}
	if second.VOD.ProcessingStatus != models.VODNone {
		t.Fatalf("expected vod reset for fresh session, got %s", second.VOD.ProcessingStatus)
	}
	record, ok := store.GetVODRecord(stream.ID)
	if !ok {
		t.Fatal("expected the previous session's vod to be retained")
	}
	if record.VOD.URL != "/vods/encore.mp4" {
		t.Fatalf("expected retained vod url, got %s", record.VOD.URL)
	}
}

// stallOnceRepo delays the next UpdateStream after arming so a second caller
// can try to overtake the in-flight write.
type stallOnceRepo struct {
	storage.Repository
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (r *stallOnceRepo) UpdateStream(streamID string, update storage.StreamUpdate) (models.Stream, error) {
	if r.armed.CompareAndSwap(true, false) {
		close(r.entered)
		<-r.release
	}
	return r.Repository.UpdateStream(streamID, update)
}

func TestUpdateViewerCountSerializesInterleavedWrites(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	repo := &stallOnceRepo{
		Repository: store,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	engine := NewEngine(Config{Repository: repo})

	stream, err := engine.OnPublish(ctx, "churn")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}

	repo.armed.Store(true)
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = engine.UpdateViewerCount(ctx, stream.ID, 1)
	}()
	<-repo.entered

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_, _ = engine.UpdateViewerCount(ctx, stream.ID, 2)
	}()

	// The newer count must wait for the stalled write; otherwise the older
	// count can land last and suppression refuses to correct it.
	select {
	case <-secondDone:
		t.Fatal("expected the second update to wait for the in-flight store write")
	case <-time.After(50 * time.Millisecond):
	}

	close(repo.release)
	<-firstDone
	<-secondDone

	got, ok := store.GetStream(stream.ID)
	if !ok {
		t.Fatal("expected stream to exist")
	}
	if got.ViewerCount != 2 {
		t.Fatalf("expected stored count 2, got %d", got.ViewerCount)
	}

	// Repeating the latest count is suppressed and leaves the store on it.
	if _, err := engine.UpdateViewerCount(ctx, stream.ID, 2); err != nil {
		t.Fatalf("UpdateViewerCount returned error: %v", err)
	}
	got, _ = store.GetStream(stream.ID)
	if got.ViewerCount != 2 {
		t.Fatalf("expected stored count to stay 2, got %d", got.ViewerCount)
	}
}

func TestUpdateViewerCountSuppressesUnchangedValues(t *testing.T) {
	ctx := context.Background()
	queue := broadcast.NewMemoryQueue(0)
	engine, _ := newTestEngine(t, Config{Queue: queue})

	stream, err := engine.OnPublish(ctx, "counter")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}

	sub := queue.Subscribe()
	defer sub.Close()

	if _, err := engine.UpdateViewerCount(ctx, stream.ID, 3); err != nil {
		t.Fatalf("UpdateViewerCount returned error: %v", err)
	}
	// Same value again: no broadcast, no store write.
	if _, err := engine.UpdateViewerCount(ctx, stream.ID, 3); err != nil {
		t.Fatalf("suppressed UpdateViewerCount returned error: %v", err)
	}
	if _, err := engine.UpdateViewerCount(ctx, stream.ID, 2); err != nil {
		t.Fatalf("UpdateViewerCount returned error: %v", err)
	}

	events := drainEvents(sub)
	if len(events) != 2 {
		t.Fatalf("expected 2 viewer count broadcasts, got %d", len(events))
	}
	for _, event := range events {
		if event.Type != models.EventViewerCountUpdate {
			t.Fatalf("unexpected event type %s", event.Type)
		}
	}
	if events[0].ViewerCount != 3 || events[1].ViewerCount != 2 {
		t.Fatalf("expected counts 3 then 2, got %d then %d", events[0].ViewerCount, events[1].ViewerCount)
	}
}

func TestUpdateViewerCountAccumulatesTotal(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{})

	stream, err := engine.OnPublish(ctx, "totals")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}

	if _, err := engine.UpdateViewerCount(ctx, stream.ID, 5); err != nil {
		t.Fatalf("UpdateViewerCount returned error: %v", err)
	}
	if _, err := engine.UpdateViewerCount(ctx, stream.ID, 2); err != nil {
		t.Fatalf("UpdateViewerCount returned error: %v", err)
	}
	updated, err := engine.UpdateViewerCount(ctx, stream.ID, 4)
	if err != nil {
		t.Fatalf("UpdateViewerCount returned error: %v", err)
	}
	// 5 joined, 3 dropped, 2 more joined: 7 unique viewers overall.
	if updated.TotalViewerCount != 7 {
		t.Fatalf("expected total viewer count 7, got %d", updated.TotalViewerCount)
	}
	if updated.ViewerCount != 4 {
		t.Fatalf("expected viewer count 4, got %d", updated.ViewerCount)
	}
}

func TestUpdateViewerCountClampsNegative(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{})

	stream, err := engine.OnPublish(ctx, "negative")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	updated, err := engine.UpdateViewerCount(ctx, stream.ID, -4)
	if err != nil {
		t.Fatalf("UpdateViewerCount returned error: %v", err)
	}
	if updated.ViewerCount != 0 {
		t.Fatalf("expected clamp to 0, got %d", updated.ViewerCount)
	}
}

func TestToggleLike(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{})

	stream, err := engine.OnPublish(ctx, "likes")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	updated, err := engine.ToggleLike(ctx, stream.ID, true)
	if err != nil {
		t.Fatalf("ToggleLike returned error: %v", err)
	}
	if updated.LikeCount != 1 {
		t.Fatalf("expected 1 like, got %d", updated.LikeCount)
	}
	updated, err = engine.ToggleLike(ctx, stream.ID, false)
	if err != nil {
		t.Fatalf("ToggleLike returned error: %v", err)
	}
	if updated.LikeCount != 0 {
		t.Fatalf("expected 0 likes, got %d", updated.LikeCount)
	}
	// Unliking at zero stays at zero.
	updated, err = engine.ToggleLike(ctx, stream.ID, false)
	if err != nil {
		t.Fatalf("ToggleLike returned error: %v", err)
	}
	if updated.LikeCount != 0 {
		t.Fatalf("expected clamp at 0 likes, got %d", updated.LikeCount)
	}
}

func TestReactivatePreservesStartTime(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{})

	stream, err := engine.OnPublish(ctx, "revive")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	started := *stream.StartTime
	if _, err := engine.OnPublishDone(ctx, "revive"); err != nil {
		t.Fatalf("OnPublishDone returned error: %v", err)
	}

	revived, err := engine.Reactivate(ctx, stream.ID)
	if err != nil {
		t.Fatalf("Reactivate returned error: %v", err)
	}
	if revived.Status != models.StreamActive || !revived.IsLive {
		t.Fatalf("expected active live stream, got status=%s live=%v", revived.Status, revived.IsLive)
	}
	if revived.StartTime == nil || !revived.StartTime.Equal(started) {
		t.Fatal("expected reactivation to keep the original start time")
	}
	if revived.EndTime != nil || revived.DeleteAfter != nil {
		t.Fatal("expected reactivation to clear end time and delete deadline")
	}
}

func TestDeleteStreamRetainsCompletedVOD(t *testing.T) {
	ctx := context.Background()
	purger := &recordingPurger{}
	engine, store := newTestEngine(t, Config{Purger: purger})

	stream, err := engine.OnPublish(ctx, "archive")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	if _, err := engine.OnPublishDone(ctx, "archive"); err != nil {
		t.Fatalf("OnPublishDone returned error: %v", err)
	}
	completed := time.Now().UTC()
	vod := models.VOD{
		ProcessingStatus: models.VODCompleted,
		URL:              "/vods/archive.mp4",
		DurationSeconds:  12.5,
		CompletedAt:      &completed,
	}
	if _, err := engine.UpdateVOD(ctx, stream.ID, vod); err != nil {
		t.Fatalf("UpdateVOD returned error: %v", err)
	}

	if err := engine.DeleteStream(ctx, stream.ID); err != nil {
		t.Fatalf("DeleteStream returned error: %v", err)
	}
	if _, ok := store.GetStream(stream.ID); ok {
		t.Fatal("expected stream record to be gone")
	}

	record, ok := store.GetVODRecord(stream.ID)
	if !ok {
		t.Fatal("expected retained vod record")
	}
	if record.VOD.URL != "/vods/archive.mp4" {
		t.Fatalf("expected retained vod url, got %s", record.VOD.URL)
	}
	if len(purger.keys) != 1 || purger.keys[0] != "archive" {
		t.Fatalf("expected purge of key archive, got %v", purger.keys)
	}
}

func TestDeleteStreamWithoutVODLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t, Config{})

	stream, err := engine.OnPublish(ctx, "plain")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	if err := engine.DeleteStream(ctx, stream.ID); err != nil {
		t.Fatalf("DeleteStream returned error: %v", err)
	}
	if _, ok := store.GetVODRecord(stream.ID); ok {
		t.Fatal("expected no vod record without a completed vod")
	}
	if err := engine.DeleteStream(ctx, stream.ID); !errors.Is(err, storage.ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestDeleteStreamToleratesPurgeFailure(t *testing.T) {
	ctx := context.Background()
	purger := &recordingPurger{err: errors.New("filesystem busy")}
	engine, store := newTestEngine(t, Config{Purger: purger})

	stream, err := engine.OnPublish(ctx, "busy")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	if err := engine.DeleteStream(ctx, stream.ID); err != nil {
		t.Fatalf("DeleteStream returned error: %v", err)
	}
	if _, ok := store.GetStream(stream.ID); ok {
		t.Fatal("expected deletion to proceed despite purge failure")
	}
}

func TestConcurrentCallbacksKeepStatusConsistent(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t, Config{})

	if _, err := engine.OnPublish(ctx, "storm"); err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = engine.OnPublish(ctx, "storm")
		}()
		go func() {
			defer wg.Done()
			_, _ = engine.OnPublishDone(ctx, "storm")
		}()
	}
	wg.Wait()

	stream, ok := store.GetStreamByKey("storm")
	if !ok {
		t.Fatal("expected stream to exist")
	}
	if stream.IsLive != (stream.Status == models.StreamActive) {
		t.Fatalf("live flag and status disagree: live=%v status=%s", stream.IsLive, stream.Status)
	}
}
