package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/insightpulseai/hawk-sandboxd/internal/audit"
	"github.com/insightpulseai/hawk-sandboxd/internal/provider"
	"github.com/insightpulseai/hawk-sandboxd/pkg/smap"
)

type pendingDestroy struct {
	sandboxID    string
	providerName string
	handle       provider.Handle
	attempts     int
}

// Sweeper retries failed destroys in the background, indefinitely. Destroy
// is idempotent at the adapter, so retrying an already-gone sandbox is
// harmless; the caller's terminate never waits on this loop.
type Sweeper struct {
	chain    *provider.Chain
	auditLog *audit.Log
	logger   *zap.Logger

	pending *smap.Map[*pendingDestroy]
}

func newSweeper(chain *provider.Chain, auditLog *audit.Log, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		chain:    chain,
		auditLog: auditLog,
		logger:   logger,
		pending:  smap.New[*pendingDestroy](),
	}
}

func (s *Sweeper) Enqueue(sandboxID, providerName string, handle provider.Handle) {
	s.pending.InsertIfAbsent(sandboxID, &pendingDestroy{
		sandboxID:    sandboxID,
		providerName: providerName,
		handle:       handle,
	})
}

// Pending reports how many destroys are still awaiting confirmation.
func (s *Sweeper) Pending() int {
	return s.pending.Count()
}

func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for _, item := range s.pending.Items() {
		adapter, ok := s.chain.Adapter(item.providerName)
		if !ok {
			s.pending.Remove(item.sandboxID)

			continue
		}

		if err := adapter.Destroy(ctx, item.handle); err != nil {
			item.attempts++

			s.logger.Warn("retried destroy failed",
				zap.String("sandbox_id", item.sandboxID),
				zap.String("provider", item.providerName),
				zap.Int("attempts", item.attempts),
				zap.Error(err),
			)

			continue
		}

		s.pending.Remove(item.sandboxID)

		s.auditLog.Append(audit.Entry{
			SandboxID: item.sandboxID,
			Action:    audit.ActionTerminate,
			Payload:   "destroy confirmed by sweeper",
			Result:    audit.ResultOK,
		})
	}
}
