package uploader

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const flightKey = "run"

// Trigger starts a run in the background and returns immediately. Triggers that
// arrive while this process is already running coalesce into one follow-up run.
func (u *Uploader) Trigger(ctx context.Context) {
	u.rerun.Store(true)
	detached := context.WithoutCancel(ctx)
	u.running.Add(1)
	go func() {
		defer u.running.Done()
		u.runCoalesced(detached)
	}()
}

// Wait blocks until every triggered run has returned.
func (u *Uploader) Wait() {
	u.running.Wait()
}

// Schedule runs the uploader every interval until ctx is cancelled. It covers
// triggers that were missed or lost to a crashed process.
func (u *Uploader) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	u.logger.Info("uploader schedule started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			u.Wait()
			return
		case <-ticker.C:
			u.rerun.Store(true)
			u.runCoalesced(ctx)
		}
	}
}

func (u *Uploader) runCoalesced(ctx context.Context) {
	_, _, _ = u.flight.Do(flightKey, func() (any, error) {
		for u.rerun.Swap(false) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if _, err := u.Run(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}
