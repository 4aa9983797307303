package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/insightpulseai/hawk-sandboxd/internal/audit"
	"github.com/insightpulseai/hawk-sandboxd/pkg/meters"
)

// Evictor is the idle/TTL reaper: one periodic loop over a registry
// snapshot rather than per-sandbox timers, to keep locking simple.
type Evictor struct {
	manager  *Manager
	interval time.Duration
}

func NewEvictor(manager *Manager, interval time.Duration) *Evictor {
	return &Evictor{
		manager:  manager,
		interval: interval,
	}
}

func (e *Evictor) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Evictor) sweep(ctx context.Context) {
	now := e.manager.now()

	// Snapshot first so eviction never iterates under the store lock.
	for _, item := range e.manager.store.Items() {
		data := item.Data()

		// The hard TTL cap always wins, even for a continuously active
		// sandbox.
		if data.IsExpired(now) {
			e.reap(ctx, item, fmt.Sprintf("ttl %s exceeded", data.TTL))

			continue
		}

		switch data.State {
		case StateActive:
			if data.IdleFor(now) > data.IdleTimeout {
				if err := item.transition(StateIdle); err != nil {
					// Lost a race with an execute or terminate; next tick
					// re-evaluates.
					continue
				}

				e.manager.logger.Info("sandbox idle",
					zap.String("sandbox_id", data.ID),
					zap.Duration("idle_for", data.IdleFor(now)),
				)
			}
		case StateIdle:
			if data.IdleFor(now) > data.IdleTimeout+e.manager.opts.IdleGracePeriod {
				e.reap(ctx, item, fmt.Sprintf("idle for %s", data.IdleFor(now).Round(time.Second)))
			}
		}
	}
}

func (e *Evictor) reap(ctx context.Context, item *liveSandbox, reason string) {
	zap.L().Debug("reaping sandbox", zap.String("sandbox_id", item.ID()), zap.String("reason", reason))

	if err := e.manager.terminate(ctx, item, audit.ActionReap, reason); err != nil {
		e.manager.logger.Error("failed to reap sandbox",
			zap.String("sandbox_id", item.ID()),
			zap.Error(err),
		)

		return
	}

	if counter, err := meters.GetCounter(meters.SandboxReapMeterName); err == nil {
		counter.Add(ctx, 1)
	}
}
