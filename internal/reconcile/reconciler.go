package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pulsecast/internal/models"
	"pulsecast/internal/observability/logging"
	"pulsecast/internal/observability/metrics"
)

// Lifecycle is the slice of the lifecycle engine the reconciler drives.
// Corrections flow through the same operations as webhook transitions so
// broadcasts and per-key serialization behave identically.
type Lifecycle interface {
	Reactivate(ctx context.Context, streamID string) (models.Stream, error)
	EndStream(ctx context.Context, streamID string) (models.Stream, error)
	DeleteStream(ctx context.Context, streamID string) error
}

// StreamLister supplies the streams to reconcile.
type StreamLister interface {
	ListStreams() []models.Stream
}

type tickTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }

type tickerFactory func(time.Duration) tickTicker

// Config wires the reconciler.
type Config struct {
	Lifecycle Lifecycle
	Streams   StreamLister
	Probe     Probe
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// Interval between ticks. Defaults to 30s.
	Interval time.Duration
	// MaxConcurrentProbes bounds parallel filesystem checks per tick.
	// Defaults to 8.
	MaxConcurrentProbes int
}

const (
	defaultInterval  = 30 * time.Second
	defaultMaxProbes = 8
)

// Reconciler converges durable stream state with observed media evidence.
// A tick never overlaps a still-running previous tick.
type Reconciler struct {
	lifecycle Lifecycle
	streams   StreamLister
	probe     Probe
	logger    *slog.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	maxProbes int

	running atomic.Bool
	now     func() time.Time
}

// New builds a reconciler from cfg.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	maxProbes := cfg.MaxConcurrentProbes
	if maxProbes <= 0 {
		maxProbes = defaultMaxProbes
	}
	return &Reconciler{
		lifecycle: cfg.Lifecycle,
		streams:   cfg.Streams,
		probe:     cfg.Probe,
		logger:    logging.WithComponent(logger, "reconcile"),
		metrics:   cfg.Metrics,
		interval:  interval,
		maxProbes: maxProbes,
		now:       time.Now,
	}
}

// Start runs the reconcile loop until the returned stop function is called
// or the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) func() {
	return r.startWithTicker(ctx, func(d time.Duration) tickTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func (r *Reconciler) startWithTicker(ctx context.Context, newTicker tickerFactory) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(r.interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C():
				r.Tick(loopCtx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Tick runs one reconcile pass. If the previous pass is still running the
// tick is skipped rather than queued.
func (r *Reconciler) Tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.ObserveReconcileTick(true)
		r.logger.Warn("previous reconcile pass still running, skipping tick")
		return
	}
	defer r.running.Store(false)
	r.metrics.ObserveReconcileTick(false)

	streams := r.streams.ListStreams()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.maxProbes)
	for _, stream := range streams {
		stream := stream
		group.Go(func() error {
			r.reconcileStream(groupCtx, stream)
			return nil
		})
	}
	_ = group.Wait()
}

func (r *Reconciler) reconcileStream(ctx context.Context, stream models.Stream) {
	exists, err := r.probe.Exists(stream.StreamKey)
	if err != nil {
		r.logger.Warn("evidence probe failed", "streamKey", stream.StreamKey, "error", err)
		return
	}

	switch {
	case stream.IsLive && !exists:
		// Live flag without media: the unpublish signal was lost.
		if stream.VOD.ProcessingStatus == models.VODCompleted {
			// The VOD is the artifact of record; the stream record itself
			// can go, keeping the retained VOD.
			if err := r.lifecycle.DeleteStream(ctx, stream.ID); err != nil {
				r.logger.Warn("cleanup of vod-complete stream failed", "streamId", stream.ID, "error", err)
				return
			}
			r.metrics.ObserveCorrection("down")
			r.logger.Info("removed stale live stream with retained vod", "streamId", stream.ID)
			return
		}
		if _, err := r.lifecycle.EndStream(ctx, stream.ID); err != nil {
			r.logger.Warn("corrective end failed", "streamId", stream.ID, "error", err)
			return
		}
		r.metrics.ObserveCorrection("down")
		r.logger.Info("ended stream without media evidence", "streamId", stream.ID, "streamKey", stream.StreamKey)

	case !stream.IsLive && exists:
		// Media without the live flag: the publish signal was lost.
		if _, err := r.lifecycle.Reactivate(ctx, stream.ID); err != nil {
			r.logger.Warn("corrective reactivate failed", "streamId", stream.ID, "error", err)
			return
		}
		r.metrics.ObserveCorrection("up")
		r.logger.Info("reactivated stream with media evidence", "streamId", stream.ID, "streamKey", stream.StreamKey)

	case !stream.IsLive && stream.DeleteAfter != nil && r.now().UTC().After(*stream.DeleteAfter):
		if stream.VOD.ProcessingStatus == models.VODProcessing {
			// The transcode job still owns this record; deleting now would
			// orphan its output. The job is time-bounded, so a later tick
			// finishes the cleanup.
			return
		}
		// Ownerless grace window elapsed. DeleteStream retains a completed
		// VOD as a standalone record before removing the stream.
		if err := r.lifecycle.DeleteStream(ctx, stream.ID); err != nil {
			r.logger.Warn("grace-window cleanup failed", "streamId", stream.ID, "error", err)
			return
		}
		r.logger.Info("removed ownerless stream after grace window", "streamId", stream.ID, "streamKey", stream.StreamKey)
	}
}
