package uploader

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"go.uber.org/zap"
)

// acquire claims the uploader lease. While the lease is held a heartbeat renews it
// every third of its TTL; losing it cancels the returned context with errLeaseLost.
// release stops the heartbeat and frees the lease.
func (u *Uploader) acquire(ctx context.Context) (context.Context, func(), bool, error) {
	now := u.now()
	acquired, err := u.store.Leases.Acquire(ctx, files.UploaderLeaseName, u.holder,
		now.UnixMilli(), now.Add(u.leaseTTL).UnixMilli())
	if err != nil || !acquired {
		return nil, nil, false, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		u.heartbeat(runCtx, cancel, stopped)
	}()

	release := func() {
		close(stopped)
		<-done
		cancel(nil)
		if err := u.store.Leases.Release(context.WithoutCancel(ctx), files.UploaderLeaseName, u.holder); err != nil {
			u.logError(opRun, "lease_release_failed", err, zap.String("holder", u.holder))
		}
	}
	return runCtx, release, true, nil
}

func (u *Uploader) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, stopped <-chan struct{}) {
	interval := u.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopped:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := u.store.Leases.Renew(ctx, files.UploaderLeaseName, u.holder, u.now().Add(u.leaseTTL).UnixMilli())
			if err != nil {
				u.logError(opRun, "lease_renew_failed", err, zap.String("holder", u.holder))
				continue
			}
			if !renewed {
				u.logger.Warn("uploader lease lost", zap.String("holder", u.holder))
				cancel(errLeaseLost)
				return
			}
		}
	}
}
