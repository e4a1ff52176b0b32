package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// StartIdleSweep runs the idle eviction loop until the returned stop function
// is called or the context is cancelled. onEvicted receives each room whose
// membership changed so the caller can rebroadcast its viewer count.
func StartIdleSweep(ctx context.Context, logger *slog.Logger, registry *Registry, interval time.Duration, onEvicted func(room string)) func() {
	return startIdleSweepWithTicker(ctx, logger, registry, interval, onEvicted, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startIdleSweepWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	registry *Registry,
	interval time.Duration,
	onEvicted func(room string),
	newTicker tickerFactory,
) func() {
	if registry == nil || interval <= 0 {
		return func() {}
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C():
				rooms := registry.EvictIdle(sweepCtx)
				if len(rooms) > 0 && logger != nil {
					logger.Info("evicted idle presence entries", "rooms", len(rooms))
				}
				if onEvicted != nil {
					for _, room := range rooms {
						onEvicted(room)
					}
				}
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
