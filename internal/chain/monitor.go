package chain

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const probeInterval = 15 * time.Second

// Health is the aggregate availability snapshot served to health-check
// callers.
type Health struct {
	Call bool
	Push bool
}

// Monitor drives the periodic probe cycle: every interval it checks both
// transports and triggers reconnection for any found unhealthy. Probes
// and reconnects only touch Manager state through its own locking, so
// the cycle is safe to overlap with in-flight verifications.
type Monitor struct {
	mgr *Manager
	log *zap.Logger
}

func NewMonitor(mgr *Manager, log *zap.Logger) *Monitor {
	return &Monitor{mgr: mgr, log: log}
}

// Run probes until ctx is cancelled.
func (mo *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	mo.log.Info("health monitor started", zap.Duration("interval", probeInterval))

	for {
		select {
		case <-ctx.Done():
			mo.log.Info("health monitor stopped")
			return
		case <-ticker.C:
			mo.cycle(ctx)
		}
	}
}

func (mo *Monitor) cycle(ctx context.Context) {
	if !mo.mgr.CallHealthy(ctx) {
		mo.log.Warn("call transport unhealthy, reconnecting")
		if err := mo.mgr.ReconnectCall(ctx); err != nil {
			mo.log.Warn("call transport reconnect failed", zap.Error(err))
		}
	}
	if !mo.mgr.PushHealthy(ctx) {
		mo.log.Warn("push transport unhealthy, reconnecting")
		if err := mo.mgr.ReconnectPush(ctx); err != nil {
			mo.log.Warn("push transport reconnect failed", zap.Error(err))
		}
	}
}

// Snapshot reports the last known availability of both transports
// without issuing new probes.
func (mo *Monitor) Snapshot() Health {
	return Health{
		Call: mo.mgr.CallState().Status == StatusConnected,
		Push: mo.mgr.PushState().Status == StatusConnected,
	}
}
