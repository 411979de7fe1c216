package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/model"
)

const (
	sweepBatchSize  = 100
	sweepPassPause  = 100 * time.Millisecond
	defaultTimeout  = 24 * time.Hour
	defaultInterval = time.Hour
)

// Sweeper periodically ends sessions whose started_at has aged past the
// timeout threshold without a session_end (spec §4.6). Grounded on the
// teacher's pkg/cleanup/service.go Start/Stop/run loop shape.
type Sweeper struct {
	manager  *Manager
	platform config.Platform
	timeout  time.Duration
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper builds a Sweeper for one platform. A zero timeout or interval
// falls back to the spec defaults (24h timeout, hourly sweep).
func NewSweeper(manager *Manager, platform config.Platform, timeout, interval time.Duration) *Sweeper {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{manager: manager, platform: platform, timeout: timeout, interval: interval}
}

// Start launches the background sweep loop.
func (sw *Sweeper) Start(ctx context.Context) {
	if sw.cancel != nil {
		return
	}
	ctx, sw.cancel = context.WithCancel(ctx)
	sw.done = make(chan struct{})

	go sw.run(ctx)

	slog.Info("session timeout sweeper started", "platform", sw.platform, "timeout", sw.timeout, "interval", sw.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
	slog.Info("session timeout sweeper stopped", "platform", sw.platform)
}

func (sw *Sweeper) run(ctx context.Context) {
	defer close(sw.done)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweepOnce(ctx)
		}
	}
}

// sweepOnce ends every timed-out active session, 100 at a time with a pause
// between passes so the sweep never starves the store of write capacity
// (spec §4.6).
func (sw *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-sw.timeout)

	var expired []model.Session
	for _, s := range sw.manager.Active() {
		if s.Platform == sw.platform && s.StartedAt.Before(cutoff) {
			expired = append(expired, s)
		}
	}
	if len(expired) == 0 {
		return
	}

	now := time.Now()
	for i := 0; i < len(expired); i += sweepBatchSize {
		end := i + sweepBatchSize
		if end > len(expired) {
			end = len(expired)
		}
		for _, s := range expired[i:end] {
			if err := sw.endTimedOut(ctx, s, now); err != nil {
				slog.Error("failed to sweep timed-out session", "external_id", s.ExternalID, "platform", s.Platform, "error", err)
			}
		}
		if end < len(expired) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sweepPassPause):
			}
		}
	}
	slog.Info("session timeout sweep complete", "platform", sw.platform, "count", len(expired))
}

func (sw *Sweeper) endTimedOut(ctx context.Context, s model.Session, now time.Time) error {
	k := activeKey(s.Platform, s.ExternalID, s.WorkspaceHash)

	sw.manager.mu.Lock()
	live, ok := sw.manager.active[k]
	if ok {
		delete(sw.manager.active, k)
	}
	sw.manager.mu.Unlock()
	if !ok {
		return nil
	}

	if !live.End(now, config.EndReasonTimeout) {
		return nil
	}
	if err := sw.manager.store.UpsertSession(ctx, live); err != nil {
		return err
	}
	if sw.manager.onDeactivate != nil {
		sw.manager.onDeactivate(live.Clone())
	}
	return nil
}
